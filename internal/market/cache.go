package market

import (
	"sort"
	"sync"

	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// maxCandlesPerSeries bounds the retained candle window per symbol/interval.
const maxCandlesPerSeries = 1000

// EventKind tags cache change notifications.
type EventKind int

const (
	EventPrices EventKind = iota
	EventBook
	EventCandles
)

// Event describes one cache change for registered observers.
type Event struct {
	Kind     EventKind
	Symbol   string
	Interval string
}

// BookView is a point-in-time read of one order book, truncated to the
// requested depth, with the spread derived from the best levels.
type BookView struct {
	Symbol        string
	Bids          []exchange.BookLevel
	Asks          []exchange.BookLevel
	Spread        decimal.Decimal
	SpreadPercent decimal.Decimal
}

type bookEntry struct {
	snapshot *exchange.BookSnapshot
	pushSeen bool
}

type candleEntry struct {
	series   []exchange.Candle
	pushSeen bool
}

// Cache holds the freshest known prices, order books and candle series per
// symbol. A REST snapshot primes each entry; push updates then overwrite it
// in place. Once a push update has been seen for an entry the push channel is
// authoritative and late snapshots are dropped, so an in-flight REST response
// can never clobber newer push data. Stale-but-not-evicted entries are fine:
// this is a UI cache, not a source of truth for settlement.
type Cache struct {
	log logrus.FieldLogger

	mu        sync.RWMutex
	prices    map[string]decimal.Decimal
	pricePush bool
	books     map[string]*bookEntry
	candles   map[string]*candleEntry

	listenerMu sync.Mutex
	listeners  map[int]func(Event)
	nextID     int
}

func NewCache(log logrus.FieldLogger) *Cache {
	return &Cache{
		log:       log,
		prices:    make(map[string]decimal.Decimal),
		books:     make(map[string]*bookEntry),
		candles:   make(map[string]*candleEntry),
		listeners: make(map[int]func(Event)),
	}
}

// Subscribe registers an observer for cache changes and returns its
// deregistration func. Observers run synchronously after each apply.
func (c *Cache) Subscribe(fn func(Event)) func() {
	c.listenerMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenerMu.Unlock()

	return func() {
		c.listenerMu.Lock()
		delete(c.listeners, id)
		c.listenerMu.Unlock()
	}
}

func (c *Cache) notify(ev Event) {
	c.listenerMu.Lock()
	fns := make([]func(Event), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenerMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// GetPrice returns the latest mid-price for symbol. Absence is a valid
// state, not an error: the second return is false until a price arrives.
func (c *Cache) GetPrice(symbol string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.prices[symbol]
	return px, ok
}

// Prices returns a copy of the full mid-price map.
func (c *Cache) Prices() map[string]decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(c.prices))
	for k, v := range c.prices {
		out[k] = v
	}
	return out
}

// ApplyPriceSnapshot replaces the mid-price map wholesale from a REST fetch.
// Dropped once the push feed has delivered prices.
func (c *Cache) ApplyPriceSnapshot(mids map[string]string) {
	c.mu.Lock()
	if c.pricePush {
		c.mu.Unlock()
		return
	}
	c.storePricesLocked(mids)
	c.mu.Unlock()

	c.notify(Event{Kind: EventPrices})
}

// ApplyPricePush replaces the mid-price map wholesale from a push update and
// marks the push feed authoritative.
func (c *Cache) ApplyPricePush(mids map[string]string) {
	c.mu.Lock()
	c.pricePush = true
	c.storePricesLocked(mids)
	c.mu.Unlock()

	c.notify(Event{Kind: EventPrices})
}

func (c *Cache) storePricesLocked(mids map[string]string) {
	next := make(map[string]decimal.Decimal, len(mids))
	for coin, raw := range mids {
		px, err := decimal.NewFromString(raw)
		if err != nil {
			c.log.WithField("coin", coin).WithError(err).Debug("skipping unparseable mid")
			continue
		}
		next[coin] = px
	}
	c.prices = next
}

// GetOrderBook returns the book for symbol truncated to maxDepth, plus the
// computed spread. Empty sequences before the first data arrives.
func (c *Cache) GetOrderBook(symbol string, maxDepth int) BookView {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view := BookView{Symbol: symbol}
	entry, ok := c.books[symbol]
	if !ok || entry.snapshot == nil {
		return view
	}

	view.Bids = truncateLevels(entry.snapshot.Bids, maxDepth)
	view.Asks = truncateLevels(entry.snapshot.Asks, maxDepth)

	if len(view.Bids) > 0 && len(view.Asks) > 0 {
		bestBid := view.Bids[0].Price
		bestAsk := view.Asks[0].Price
		view.Spread = bestAsk.Sub(bestBid)
		mid := bestAsk.Add(bestBid).Div(decimal.NewFromInt(2))
		if !mid.IsZero() {
			view.SpreadPercent = view.Spread.Div(mid).Mul(decimal.NewFromInt(100))
		}
	}
	return view
}

func truncateLevels(levels []exchange.BookLevel, maxDepth int) []exchange.BookLevel {
	if maxDepth > 0 && len(levels) > maxDepth {
		levels = levels[:maxDepth]
	}
	out := make([]exchange.BookLevel, len(levels))
	copy(out, levels)
	return out
}

// ApplyBookSnapshot installs a REST book snapshot unless the push feed has
// already delivered a book for the symbol.
func (c *Cache) ApplyBookSnapshot(snap *exchange.BookSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	entry := c.bookEntryLocked(snap.Symbol)
	if entry.pushSeen {
		c.mu.Unlock()
		return
	}
	entry.snapshot = snap
	c.mu.Unlock()

	c.notify(Event{Kind: EventBook, Symbol: snap.Symbol})
}

// ApplyBookPush overwrites the symbol's book from a push update.
func (c *Cache) ApplyBookPush(snap *exchange.BookSnapshot) {
	if snap == nil {
		return
	}
	c.mu.Lock()
	entry := c.bookEntryLocked(snap.Symbol)
	entry.pushSeen = true
	entry.snapshot = snap
	c.mu.Unlock()

	c.notify(Event{Kind: EventBook, Symbol: snap.Symbol})
}

func (c *Cache) bookEntryLocked(symbol string) *bookEntry {
	entry, ok := c.books[symbol]
	if !ok {
		entry = &bookEntry{}
		c.books[symbol] = entry
	}
	return entry
}

func candleKey(symbol, interval string) string {
	return symbol + "|" + interval
}

// Candles returns a copy of the candle series for symbol/interval, ascending
// by open time.
func (c *Cache) Candles(symbol, interval string) []exchange.Candle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.candles[candleKey(symbol, interval)]
	if !ok {
		return nil
	}
	out := make([]exchange.Candle, len(entry.series))
	copy(out, entry.series)
	return out
}

// ApplyCandleSnapshot installs the candle history from a REST fetch unless
// the push feed has already written to the series.
func (c *Cache) ApplyCandleSnapshot(symbol, interval string, candles []exchange.Candle) {
	key := candleKey(symbol, interval)

	c.mu.Lock()
	entry, ok := c.candles[key]
	if !ok {
		entry = &candleEntry{}
		c.candles[key] = entry
	}
	if entry.pushSeen {
		c.mu.Unlock()
		return
	}
	series := make([]exchange.Candle, len(candles))
	copy(series, candles)
	sortCandles(series)
	entry.series = boundCandles(series)
	c.mu.Unlock()

	c.notify(Event{Kind: EventCandles, Symbol: symbol, Interval: interval})
}

// ApplyCandlePush merges one pushed candle: the same open time replaces the
// last element (the candle is still forming), a new open time appends,
// re-sorts and truncates to the bounded window.
func (c *Cache) ApplyCandlePush(symbol, interval string, candle exchange.Candle) {
	key := candleKey(symbol, interval)

	c.mu.Lock()
	entry, ok := c.candles[key]
	if !ok {
		entry = &candleEntry{}
		c.candles[key] = entry
	}
	entry.pushSeen = true

	n := len(entry.series)
	if n > 0 && entry.series[n-1].OpenTime.Equal(candle.OpenTime) {
		entry.series[n-1] = candle
	} else {
		entry.series = append(entry.series, candle)
		sortCandles(entry.series)
		entry.series = boundCandles(entry.series)
	}
	c.mu.Unlock()

	c.notify(Event{Kind: EventCandles, Symbol: symbol, Interval: interval})
}

func sortCandles(series []exchange.Candle) {
	sort.Slice(series, func(i, j int) bool {
		return series[i].OpenTime.Before(series[j].OpenTime)
	})
}

func boundCandles(series []exchange.Candle) []exchange.Candle {
	if len(series) > maxCandlesPerSeries {
		series = series[len(series)-maxCandlesPerSeries:]
	}
	return series
}
