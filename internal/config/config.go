package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Hyperliquid HyperliquidConfig `mapstructure:"hyperliquid"`
	Chains      ChainsConfig      `mapstructure:"chains"`
	Market      MarketConfig      `mapstructure:"market"`
	Funding     FundingConfig     `mapstructure:"funding"`
	Database    DatabaseConfig    `mapstructure:"database"`
}

type AppConfig struct {
	LogLevel string `mapstructure:"log_level"`
	Port     int    `mapstructure:"port"`
}

type HyperliquidConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WsURL          string `mapstructure:"ws_url"`
	WalletAddress  string `mapstructure:"wallet_address"`
	PrivateKey     string `mapstructure:"private_key"`
	BuilderAddress string `mapstructure:"builder_address"`
	BuilderFeeBps  int    `mapstructure:"builder_fee_bps"`
}

type ChainsConfig struct {
	BaseRPCURL     string `mapstructure:"base_rpc_url"`
	BaseUSDC       string `mapstructure:"base_usdc"`
	HyperEvmRPCURL string `mapstructure:"hyperevm_rpc_url"`
	HyperEvmUSDHL  string `mapstructure:"hyperevm_usdhl"`
}

type MarketConfig struct {
	Symbols        []string `mapstructure:"symbols"`
	CandleInterval string   `mapstructure:"candle_interval"`
	PollIntervalMs int      `mapstructure:"poll_interval_ms"`
	BookDepth      int      `mapstructure:"book_depth"`
}

type FundingConfig struct {
	ResetDelayMs int    `mapstructure:"reset_delay_ms"`
	BridgeURL    string `mapstructure:"bridge_url"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

func LoadConfig(path string) (*Config, error) {
	// Optional .env for local development; ignore when absent.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Port == 0 {
		cfg.App.Port = 8080
	}
	if cfg.Hyperliquid.BaseURL == "" {
		cfg.Hyperliquid.BaseURL = "https://api.hyperliquid.xyz"
	}
	if cfg.Hyperliquid.WsURL == "" {
		cfg.Hyperliquid.WsURL = "wss://api.hyperliquid.xyz/ws"
	}
	if cfg.Hyperliquid.BuilderFeeBps == 0 {
		cfg.Hyperliquid.BuilderFeeBps = 10
	}
	if cfg.Market.CandleInterval == "" {
		cfg.Market.CandleInterval = "1m"
	}
	if cfg.Market.PollIntervalMs == 0 {
		cfg.Market.PollIntervalMs = 5000
	}
	if cfg.Market.BookDepth == 0 {
		cfg.Market.BookDepth = 20
	}
	if cfg.Funding.ResetDelayMs == 0 {
		cfg.Funding.ResetDelayMs = 5000
	}
	if cfg.Funding.BridgeURL == "" {
		cfg.Funding.BridgeURL = "https://bridge.hyperliquid.xyz"
	}
}
