package funding

import (
	"context"
	"math/big"

	"minidesk/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// balanceOfSelector is the 4-byte selector of ERC-20 balanceOf(address).
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// usdcDecimals applies to both USDC on Base and USDHL on HyperEVM.
const usdcDecimals = 6

// Balances reports where the user's funds sit across the two chains and the
// exchange account.
type Balances struct {
	BaseUSDC      decimal.Decimal
	HyperEvmUSDHL decimal.Decimal
	PerpMargin    decimal.Decimal
	SpotUSDC      decimal.Decimal
	Note          string
}

// BalanceReader reads source-chain token balances alongside the exchange
// account totals. Either chain client may be nil when its RPC endpoint is
// not configured; its balance then reads as zero.
type BalanceReader struct {
	base       *ethclient.Client
	hyperEvm   *ethclient.Client
	baseUSDC   common.Address
	hyperUSDHL common.Address
	accounts   AccountState
	log        logrus.FieldLogger
}

func NewBalanceReader(cfg config.ChainsConfig, accounts AccountState, log logrus.FieldLogger) *BalanceReader {
	r := &BalanceReader{
		accounts:   accounts,
		log:        log,
		baseUSDC:   common.HexToAddress(cfg.BaseUSDC),
		hyperUSDHL: common.HexToAddress(cfg.HyperEvmUSDHL),
	}

	if cfg.BaseRPCURL != "" {
		client, err := ethclient.Dial(cfg.BaseRPCURL)
		if err != nil {
			log.WithError(err).Warn("could not connect to base rpc")
		} else {
			r.base = client
		}
	}
	if cfg.HyperEvmRPCURL != "" {
		client, err := ethclient.Dial(cfg.HyperEvmRPCURL)
		if err != nil {
			log.WithError(err).Warn("could not connect to hyperevm rpc")
		} else {
			r.hyperEvm = client
		}
	}
	return r
}

// Balances returns the funding balances for address. A missing wallet is a
// valid state reported as zeros with a note, not an error.
func (r *BalanceReader) Balances(ctx context.Context, address string) Balances {
	if address == "" {
		return Balances{Note: "no wallet connected"}
	}

	out := Balances{}
	holder := common.HexToAddress(address)

	if r.base != nil {
		bal, err := erc20Balance(ctx, r.base, r.baseUSDC, holder)
		if err != nil {
			r.log.WithError(err).Warn("could not fetch base usdc balance")
		} else {
			out.BaseUSDC = bal
		}
	}
	if r.hyperEvm != nil {
		bal, err := erc20Balance(ctx, r.hyperEvm, r.hyperUSDHL, holder)
		if err != nil {
			r.log.WithError(err).Warn("could not fetch hyperevm usdhl balance")
		} else {
			out.HyperEvmUSDHL = bal
		}
	}

	out.PerpMargin = r.accounts.MarginInfo().AccountValue
	for _, b := range r.accounts.Snapshot().SpotBalances {
		if b.Coin == "USDC" {
			out.SpotUSDC = b.Total
			break
		}
	}
	return out
}

func erc20Balance(ctx context.Context, client *ethclient.Client, token, holder common.Address) (decimal.Decimal, error) {
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(holder.Bytes(), 32)...)
	raw, err := client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromBigInt(new(big.Int).SetBytes(raw), -usdcDecimals), nil
}
