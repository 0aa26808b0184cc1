package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Tif is the time-in-force for a limit order.
type Tif string

const (
	TifGtc Tif = "Gtc"
	TifIoc Tif = "Ioc"
)

// AssetInfo describes one entry of the perp universe.
type AssetInfo struct {
	Index       int
	Name        string
	SzDecimals  int
	MaxLeverage int
}

// OrderTicket is one fully-resolved order ready for submission.
type OrderTicket struct {
	AssetIndex int
	Symbol     string
	IsBuy      bool
	Size       decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
	Tif        Tif
}

// AckKind tags the variants of a venue order acknowledgement.
type AckKind int

const (
	// AckResting means the order is on the book.
	AckResting AckKind = iota
	// AckFilled means the order executed immediately.
	AckFilled
	// AckError means the venue rejected the order with a message.
	AckError
	// AckUnrecognized means the response matched none of the known shapes.
	AckUnrecognized
)

// OrderAck is the tagged acknowledgement for a submitted order. Exactly the
// fields for the tagged Kind are meaningful.
type OrderAck struct {
	Kind    AckKind
	OrderID int64
	Message string
}

// BookLevel is one price level of an L2 book.
type BookLevel struct {
	Price      decimal.Decimal
	Size       decimal.Decimal
	OrderCount int
}

// BookSnapshot is a point-in-time L2 book: bids descending, asks ascending.
type BookSnapshot struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
	Time   time.Time
}

// Candle is one OHLCV bar keyed by its open time.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
	Trades   int
}

// Position is a raw venue position, before the account reader derives
// display fields from it. Size is signed: negative means short.
type Position struct {
	Symbol           string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	PositionValue    decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         int
	LiquidationPrice *decimal.Decimal
	MarginUsed       decimal.Decimal
}

// MarginSummary is the venue margin totals for one account.
type MarginSummary struct {
	AccountValue    decimal.Decimal
	TotalMarginUsed decimal.Decimal
	TotalNtlPos     decimal.Decimal
}

// PerpState is the full perp account snapshot.
type PerpState struct {
	Positions []Position
	Margin    MarginSummary
}

// SpotBalance is one token balance of the spot account.
type SpotBalance struct {
	Coin  string
	Total decimal.Decimal
	Hold  decimal.Decimal
}

// OpenOrder is one resting order of the account.
type OpenOrder struct {
	OrderID   int64
	Symbol    string
	Side      Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}
