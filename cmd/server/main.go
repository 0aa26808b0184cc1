package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"minidesk/api"
	"minidesk/internal/account"
	"minidesk/internal/config"
	hlclient "minidesk/internal/exchange/hyperliquid"
	"minidesk/internal/funding"
	"minidesk/internal/market"
	"minidesk/internal/store"
	"minidesk/internal/trading"
	"minidesk/pkg/ws"

	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadConfig("config")
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.App.LogLevel); err == nil {
		log.SetLevel(level)
	}

	log.WithFields(logrus.Fields{
		"port":    cfg.App.Port,
		"symbols": cfg.Market.Symbols,
		"wallet":  cfg.Hyperliquid.WalletAddress,
	}).Info("starting minidesk gateway")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hl, err := hlclient.NewClient(cfg.Hyperliquid, log.WithField("component", "hyperliquid"))
	if err != nil {
		log.Fatalf("failed to initialize hyperliquid client: %v", err)
	}

	// Push channel is best-effort: without it the cache falls back to the
	// REST poll loop.
	var push *ws.Client
	wsClient := ws.NewClient(cfg.Hyperliquid.WsURL, log.WithField("component", "ws"))
	if err := wsClient.Connect(ctx); err != nil {
		log.WithError(err).Warn("push channel unavailable, polling only")
	} else {
		push = wsClient
	}

	cache := market.NewCache(log.WithField("component", "market"))
	stream := market.NewStream(market.StreamConfig{
		Symbols:        cfg.Market.Symbols,
		CandleInterval: cfg.Market.CandleInterval,
		PollInterval:   time.Duration(cfg.Market.PollIntervalMs) * time.Millisecond,
	}, cache, hl, push, log.WithField("component", "stream"))
	if err := stream.Start(ctx); err != nil {
		log.Fatalf("failed to start market stream: %v", err)
	}

	accounts := account.NewReader(hl, cfg.Hyperliquid.WalletAddress, log.WithField("component", "account"))
	if err := accounts.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial account refresh failed")
	}

	var tradeStore *store.Store
	var recorder trading.TradeRecorder
	if cfg.Database.DSN != "" {
		tradeStore, err = store.Open(cfg.Database.DSN, log.WithField("component", "store"))
		if err != nil {
			log.Fatalf("failed to open trade store: %v", err)
		}
		recorder = tradeStore
	} else {
		log.Warn("no database configured, trade logging disabled")
	}

	coordinator := trading.NewCoordinator(hl, cache, accounts, recorder, log.WithField("component", "trading"))

	providers := []funding.SwapProvider{
		&funding.OneInchProvider{BridgeURL: cfg.Funding.BridgeURL},
		&funding.CCTPProvider{BridgeURL: cfg.Funding.BridgeURL},
	}
	machine := funding.NewMachine(hl, accounts, providers,
		time.Duration(cfg.Funding.ResetDelayMs)*time.Millisecond,
		log.WithField("component", "funding"))
	balances := funding.NewBalanceReader(cfg.Chains, accounts, log.WithField("component", "funding"))

	server := api.NewServer(cache, accounts, coordinator, machine, balances, tradeStore, hl, api.Options{
		BookDepth:      cfg.Market.BookDepth,
		CandleInterval: cfg.Market.CandleInterval,
	}, log.WithField("component", "api"))

	go func() {
		if err := server.Run(cfg.App.Port); err != nil {
			log.Fatalf("api server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	stream.Stop()
	if push != nil {
		push.Close()
	}
	cancel()
}
