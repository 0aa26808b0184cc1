package trading

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Slippage tolerance applied to the mid-price for market orders: the venue
// needs a limit price even for market semantics, so buys pay up 0.5% and
// sells give up 0.5%, submitted immediate-or-cancel.
var (
	buySlippage  = decimal.NewFromFloat(1.005)
	sellSlippage = decimal.NewFromFloat(0.995)
)

var (
	ErrSubmissionInFlight = errors.New("an order submission is already in flight")
	ErrUnknownAsset       = errors.New("unknown asset")
	ErrNoPrice            = errors.New("no price available")
	ErrPriceRequired      = errors.New("price required for limit orders")
	ErrNoPosition         = errors.New("no open position")
)

// builderFeeMarkers are the error-text fragments that identify the venue's
// "builder fee not authorized" rejection.
var builderFeeMarkers = []string{
	"builder fee",
	"builder not approved",
	"must approve",
}

// Result is the normalized outcome of one submission attempt.
type Result struct {
	Success            bool
	OrderID            string
	ErrorMessage       string
	BuilderFeeRequired bool
}

// PriceView is the slice of the market cache the coordinator reads.
type PriceView interface {
	GetPrice(symbol string) (decimal.Decimal, bool)
}

// AccountView is the slice of the account reader the coordinator uses for
// revalidation, position lookup and the post-fill refresh.
type AccountView interface {
	Address() string
	AvailableBalance() decimal.Decimal
	SignedPositionSize(symbol string) (decimal.Decimal, bool)
	Refresh(ctx context.Context) error
}

// TradeRecord is the analytics row appended after each submission attempt.
type TradeRecord struct {
	Wallet  string
	Symbol  string
	Side    exchange.Side
	Size    decimal.Decimal
	Price   decimal.Decimal
	Status  string
	OrderID string
}

// TradeRecorder persists trade history for analytics. The log is write-only
// from the coordinator's point of view; it never feeds trading decisions.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, rec TradeRecord) error
	RecordBuilderFeeApproval(ctx context.Context, wallet string) error
}

// MarketOrderParams describes a market order before price resolution.
type MarketOrderParams struct {
	Symbol     string
	Side       exchange.Side
	Size       decimal.Decimal
	Leverage   int
	ReduceOnly bool
}

// LimitOrderParams describes a limit order with a caller-supplied price.
type LimitOrderParams struct {
	Symbol     string
	Side       exchange.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	Leverage   int
	ReduceOnly bool
}

// Coordinator owns the request/response lifecycle for one order at a time.
// The in-flight flag is the only mutual exclusion in the trading path: set
// before the network call and cleared on every exit, so a failed submission
// can never leave the submit control permanently disabled.
type Coordinator struct {
	trader   exchange.Trader
	prices   PriceView
	account  AccountView
	recorder TradeRecorder
	log      logrus.FieldLogger

	inFlight    atomic.Bool
	feeRequired atomic.Bool
}

func NewCoordinator(trader exchange.Trader, prices PriceView, account AccountView, recorder TradeRecorder, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		trader:   trader,
		prices:   prices,
		account:  account,
		recorder: recorder,
		log:      log,
	}
}

// Submitting reports whether a submission is currently in flight.
func (c *Coordinator) Submitting() bool {
	return c.inFlight.Load()
}

// BuilderFeeRequired reports whether the last rejection demanded the
// one-time builder-fee authorization.
func (c *Coordinator) BuilderFeeRequired() bool {
	return c.feeRequired.Load()
}

// PlaceMarketOrder submits an immediate-or-cancel order at the current
// mid-price adjusted by the slippage tolerance.
func (c *Coordinator) PlaceMarketOrder(ctx context.Context, p MarketOrderParams) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrSubmissionInFlight
	}
	defer c.inFlight.Store(false)

	assetIndex, ok := c.trader.AssetIndex(p.Symbol)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAsset, p.Symbol)
	}

	mid, ok := c.prices.GetPrice(p.Symbol)
	if !ok {
		return Result{}, fmt.Errorf("%w for %s", ErrNoPrice, p.Symbol)
	}

	execPrice := mid.Mul(buySlippage)
	if p.Side == exchange.SideSell {
		execPrice = mid.Mul(sellSlippage)
	}

	// State can move between form validation and submission, so feasibility
	// is re-checked here. Reduce-only orders release margin instead of
	// consuming it and only need valid inputs.
	if p.ReduceOnly {
		if p.Size.Sign() <= 0 {
			return Result{}, &FeasibilityError{Assess(p.Size, execPrice, p.Leverage, c.account.AvailableBalance())}
		}
	} else {
		f := Assess(p.Size, execPrice, p.Leverage, c.account.AvailableBalance())
		if !f.Submittable {
			return Result{}, &FeasibilityError{f}
		}
	}

	return c.submit(ctx, exchange.OrderTicket{
		AssetIndex: assetIndex,
		Symbol:     p.Symbol,
		IsBuy:      p.Side == exchange.SideBuy,
		Size:       p.Size,
		Price:      execPrice,
		ReduceOnly: p.ReduceOnly,
		Tif:        exchange.TifIoc,
	})
}

// PlaceLimitOrder submits a good-til-cancelled order at the caller's price.
func (c *Coordinator) PlaceLimitOrder(ctx context.Context, p LimitOrderParams) (Result, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return Result{}, ErrSubmissionInFlight
	}
	defer c.inFlight.Store(false)

	assetIndex, ok := c.trader.AssetIndex(p.Symbol)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownAsset, p.Symbol)
	}

	if p.Price.Sign() <= 0 {
		return Result{}, ErrPriceRequired
	}

	if !p.ReduceOnly {
		f := Assess(p.Size, p.Price, p.Leverage, c.account.AvailableBalance())
		if !f.Submittable {
			return Result{}, &FeasibilityError{f}
		}
	} else if p.Size.Sign() <= 0 {
		return Result{}, &FeasibilityError{Assess(p.Size, p.Price, p.Leverage, c.account.AvailableBalance())}
	}

	return c.submit(ctx, exchange.OrderTicket{
		AssetIndex: assetIndex,
		Symbol:     p.Symbol,
		IsBuy:      p.Side == exchange.SideBuy,
		Size:       p.Size,
		Price:      p.Price,
		ReduceOnly: p.ReduceOnly,
		Tif:        exchange.TifGtc,
	})
}

// ClosePosition flattens the position in symbol with a reduce-only market
// order: the position's sign picks the opposite side.
func (c *Coordinator) ClosePosition(ctx context.Context, symbol string) (Result, error) {
	size, ok := c.account.SignedPositionSize(symbol)
	if !ok || size.IsZero() {
		return Result{}, fmt.Errorf("%w for %s", ErrNoPosition, symbol)
	}

	side := exchange.SideBuy
	if size.Sign() > 0 {
		side = exchange.SideSell
	}

	return c.PlaceMarketOrder(ctx, MarketOrderParams{
		Symbol:     symbol,
		Side:       side,
		Size:       size.Abs(),
		Leverage:   MinLeverage,
		ReduceOnly: true,
	})
}

func (c *Coordinator) submit(ctx context.Context, ticket exchange.OrderTicket) (Result, error) {
	side := exchange.SideSell
	if ticket.IsBuy {
		side = exchange.SideBuy
	}

	ack, err := c.trader.PlaceOrder(ctx, ticket)
	if err != nil {
		// Transport failures are converted to a failed result, never an
		// unhandled error to the surface above.
		res := Result{ErrorMessage: err.Error()}
		res.BuilderFeeRequired = isBuilderFeeError(res.ErrorMessage)
		if res.BuilderFeeRequired {
			c.feeRequired.Store(true)
		}
		c.record(ctx, ticket, side, "failed", res)
		return res, nil
	}

	res, status := resultFromAck(ack)
	if res.BuilderFeeRequired {
		c.feeRequired.Store(true)
	}

	if res.Success {
		if err := c.account.Refresh(ctx); err != nil {
			c.log.WithError(err).Warn("post-order account refresh failed")
		}
	}

	c.record(ctx, ticket, side, status, res)
	return res, nil
}

// resultFromAck normalizes the tagged acknowledgement. Every variant is
// handled; anything the adapter could not classify is an explicit failure,
// not a silent success.
func resultFromAck(ack exchange.OrderAck) (Result, string) {
	switch ack.Kind {
	case exchange.AckResting:
		return Result{Success: true, OrderID: strconv.FormatInt(ack.OrderID, 10)}, "pending"
	case exchange.AckFilled:
		return Result{Success: true, OrderID: strconv.FormatInt(ack.OrderID, 10)}, "filled"
	case exchange.AckError:
		return Result{
			ErrorMessage:       ack.Message,
			BuilderFeeRequired: isBuilderFeeError(ack.Message),
		}, "failed"
	default:
		return Result{ErrorMessage: "unrecognized response"}, "failed"
	}
}

func isBuilderFeeError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range builderFeeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// ApproveBuilderFee runs the one-time authorization and clears the blocked
// state on success so submission can be retried.
func (c *Coordinator) ApproveBuilderFee(ctx context.Context) error {
	if err := c.trader.ApproveBuilderFee(ctx); err != nil {
		return err
	}
	c.feeRequired.Store(false)

	if c.recorder != nil {
		if err := c.recorder.RecordBuilderFeeApproval(ctx, c.account.Address()); err != nil {
			c.log.WithError(err).Warn("failed to record builder fee approval")
		}
	}
	return nil
}

func (c *Coordinator) record(ctx context.Context, ticket exchange.OrderTicket, side exchange.Side, status string, res Result) {
	if c.recorder == nil {
		return
	}
	err := c.recorder.RecordTrade(ctx, TradeRecord{
		Wallet:  c.account.Address(),
		Symbol:  ticket.Symbol,
		Side:    side,
		Size:    ticket.Size,
		Price:   ticket.Price,
		Status:  status,
		OrderID: res.OrderID,
	})
	if err != nil {
		c.log.WithError(err).Warn("failed to record trade")
	}
}
