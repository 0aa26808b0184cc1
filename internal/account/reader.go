package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Position is one open position with display fields derived from the raw
// venue state. Size is signed: negative means short.
type Position struct {
	Symbol           string
	Size             decimal.Decimal
	EntryPrice       decimal.Decimal
	MarkPrice        decimal.Decimal
	UnrealizedPnl    decimal.Decimal
	Leverage         int
	LiquidationPrice *decimal.Decimal
	MarginUsed       decimal.Decimal
}

// MarginInfo is the derived margin summary for the account.
type MarginInfo struct {
	AccountValue     decimal.Decimal
	TotalMarginUsed  decimal.Decimal
	TotalNtlPos      decimal.Decimal
	AvailableBalance decimal.Decimal
}

// Snapshot is the full account state as of one refresh. The reader swaps
// whole snapshots, so readers never observe an old position list next to a
// new margin summary.
type Snapshot struct {
	Positions    []Position
	Margin       MarginInfo
	SpotBalances []exchange.SpotBalance
	OpenOrders   []exchange.OpenOrder
	UpdatedAt    time.Time
}

// Reader reflects the user's current exchange account state. "No wallet
// connected" is a valid, renderable state: an empty address yields a zero
// snapshot rather than an error.
type Reader struct {
	data exchange.AccountData
	log  logrus.FieldLogger

	mu      sync.RWMutex
	address string
	snap    Snapshot

	listenerMu sync.Mutex
	listeners  map[int]func()
	nextID     int
}

func NewReader(data exchange.AccountData, address string, log logrus.FieldLogger) *Reader {
	return &Reader{
		data:      data,
		log:       log,
		address:   address,
		listeners: make(map[int]func()),
	}
}

// Subscribe registers an observer notified after every snapshot swap.
func (r *Reader) Subscribe(fn func()) func() {
	r.listenerMu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.listenerMu.Unlock()

	return func() {
		r.listenerMu.Lock()
		delete(r.listeners, id)
		r.listenerMu.Unlock()
	}
}

func (r *Reader) notify() {
	r.listenerMu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Address returns the bound wallet address, empty when disconnected.
func (r *Reader) Address() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.address
}

// SetAddress rebinds the reader to a new wallet. The snapshot is zeroed so
// the previous wallet's state never renders under the new address; the
// caller refreshes afterwards.
func (r *Reader) SetAddress(address string) {
	r.mu.Lock()
	r.address = address
	r.snap = Snapshot{UpdatedAt: time.Now()}
	r.mu.Unlock()

	r.notify()
}

// Refresh fetches the account state and swaps the snapshot atomically. On
// fetch failure the previous snapshot stays intact.
func (r *Reader) Refresh(ctx context.Context) error {
	r.mu.RLock()
	address := r.address
	r.mu.RUnlock()

	if address == "" {
		r.mu.Lock()
		r.snap = Snapshot{UpdatedAt: time.Now()}
		r.mu.Unlock()
		r.notify()
		return nil
	}

	state, err := r.data.PerpState(ctx, address)
	if err != nil {
		return fmt.Errorf("account refresh failed: %w", err)
	}

	next := Snapshot{
		Positions: derivePositions(state.Positions),
		Margin:    deriveMargin(state.Margin),
		UpdatedAt: time.Now(),
	}

	// Spot balances and open orders are supplementary; their failures must
	// not block the margin/position refresh.
	if balances, err := r.data.SpotBalances(ctx, address); err != nil {
		r.log.WithError(err).Debug("spot balance fetch failed")
	} else {
		next.SpotBalances = balances
	}
	if orders, err := r.data.OpenOrders(ctx, address); err != nil {
		r.log.WithError(err).Debug("open orders fetch failed")
	} else {
		next.OpenOrders = orders
	}

	r.mu.Lock()
	if r.address != address {
		// Wallet changed while the fetch was in flight; drop the result.
		r.mu.Unlock()
		return nil
	}
	r.snap = next
	r.mu.Unlock()

	r.notify()
	return nil
}

func derivePositions(raw []exchange.Position) []Position {
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		if p.Size.IsZero() {
			continue
		}
		pos := Position{
			Symbol:           p.Symbol,
			Size:             p.Size,
			EntryPrice:       p.EntryPrice,
			UnrealizedPnl:    p.UnrealizedPnl,
			Leverage:         p.Leverage,
			LiquidationPrice: p.LiquidationPrice,
			MarginUsed:       p.MarginUsed,
		}
		// The venue state carries notional value, not mark price.
		pos.MarkPrice = p.PositionValue.Div(p.Size.Abs())
		out = append(out, pos)
	}
	return out
}

func deriveMargin(m exchange.MarginSummary) MarginInfo {
	// Available balance stays unclamped: a negative value must keep failing
	// margin checks rather than silently permitting over-margined orders.
	return MarginInfo{
		AccountValue:     m.AccountValue,
		TotalMarginUsed:  m.TotalMarginUsed,
		TotalNtlPos:      m.TotalNtlPos,
		AvailableBalance: m.AccountValue.Sub(m.TotalMarginUsed),
	}
}

// Snapshot returns a copy of the current account snapshot.
func (r *Reader) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := r.snap
	snap.Positions = append([]Position(nil), r.snap.Positions...)
	snap.SpotBalances = append([]exchange.SpotBalance(nil), r.snap.SpotBalances...)
	snap.OpenOrders = append([]exchange.OpenOrder(nil), r.snap.OpenOrders...)
	return snap
}

// Positions returns the open positions; zero-size entries are absent.
func (r *Reader) Positions() []Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Position(nil), r.snap.Positions...)
}

// MarginInfo returns the current margin summary.
func (r *Reader) MarginInfo() MarginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Margin
}

// AvailableBalance returns accountValue minus totalMarginUsed.
func (r *Reader) AvailableBalance() decimal.Decimal {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap.Margin.AvailableBalance
}

// SignedPositionSize returns the signed size of the position in symbol, or
// false when no position is open.
func (r *Reader) SignedPositionSize(symbol string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.snap.Positions {
		if p.Symbol == symbol {
			return p.Size, true
		}
	}
	return decimal.Zero, false
}
