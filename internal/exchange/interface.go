package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// The gateway talks to the venue through these narrow interfaces so each
// consumer can be handed a fake in tests instead of a live client.

// MarketData covers the read-only market endpoints.
type MarketData interface {
	// Mids returns the latest mid-price per symbol as decimal strings.
	Mids(ctx context.Context) (map[string]string, error)

	// Book returns the L2 snapshot for one symbol.
	Book(ctx context.Context, symbol string) (*BookSnapshot, error)

	// Candles returns the candle history for symbol/interval within [start, end].
	Candles(ctx context.Context, symbol, interval string, start, end time.Time) ([]Candle, error)

	// Assets returns the tradeable perp universe.
	Assets(ctx context.Context) ([]AssetInfo, error)
}

// AccountData covers the per-address account endpoints.
type AccountData interface {
	PerpState(ctx context.Context, address string) (*PerpState, error)
	SpotBalances(ctx context.Context, address string) ([]SpotBalance, error)
	OpenOrders(ctx context.Context, address string) ([]OpenOrder, error)
}

// Trader covers signed order-flow operations.
type Trader interface {
	// AssetIndex resolves a symbol to its index in the perp universe.
	AssetIndex(symbol string) (int, bool)

	// PlaceOrder submits one order and returns the venue acknowledgement.
	PlaceOrder(ctx context.Context, ticket OrderTicket) (OrderAck, error)

	// ApproveBuilderFee performs the one-time builder-fee authorization.
	ApproveBuilderFee(ctx context.Context) error
}

// Funder covers signed fund-movement operations.
type Funder interface {
	// UsdClassTransfer moves USD between the spot and perp accounts.
	UsdClassTransfer(ctx context.Context, amount decimal.Decimal, toPerp bool) error
}
