package market

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"minidesk/internal/exchange"
	"minidesk/pkg/ws"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// StreamConfig selects which symbols and candle interval the stream feeds
// into the cache, and how often the REST fallback poll runs.
type StreamConfig struct {
	Symbols        []string
	CandleInterval string
	PollInterval   time.Duration
}

// Stream keeps a Cache fresh: an initial REST snapshot primes every entry,
// push subscriptions deliver incremental updates, and a poll ticker keeps
// refetching snapshots as a fallback (the cache drops them once the push
// feed is authoritative). Stop tears down subscriptions and the ticker so
// nothing leaks when the surface goes away.
type Stream struct {
	cfg   StreamConfig
	cache *Cache
	data  exchange.MarketData
	push  *ws.Client
	log   logrus.FieldLogger

	stopOnce sync.Once
	stopCh   chan struct{}
	subs     []ws.Subscription
}

func NewStream(cfg StreamConfig, cache *Cache, data exchange.MarketData, push *ws.Client, log logrus.FieldLogger) *Stream {
	return &Stream{
		cfg:    cfg,
		cache:  cache,
		data:   data,
		push:   push,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

func (s *Stream) Start(ctx context.Context) error {
	s.primeSnapshots(ctx)

	if s.push != nil {
		if err := s.subscribePush(); err != nil {
			return err
		}
	}

	go s.pollLoop(ctx)
	return nil
}

// Stop unsubscribes all push feeds and stops the poll ticker. Safe to call
// more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.push == nil {
			return
		}
		for _, sub := range s.subs {
			if err := s.push.Unsubscribe(sub); err != nil {
				s.log.WithError(err).Debug("unsubscribe failed")
			}
		}
	})
}

func (s *Stream) primeSnapshots(ctx context.Context) {
	if mids, err := s.data.Mids(ctx); err != nil {
		s.log.WithError(err).Warn("failed to prime mid prices")
	} else {
		s.cache.ApplyPriceSnapshot(mids)
	}

	end := time.Now()
	start := end.Add(-time.Duration(maxCandlesPerSeries) * intervalDuration(s.cfg.CandleInterval))

	for _, symbol := range s.cfg.Symbols {
		if book, err := s.data.Book(ctx, symbol); err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Warn("failed to prime book")
		} else {
			s.cache.ApplyBookSnapshot(book)
		}

		if candles, err := s.data.Candles(ctx, symbol, s.cfg.CandleInterval, start, end); err != nil {
			s.log.WithField("symbol", symbol).WithError(err).Warn("failed to prime candles")
		} else {
			s.cache.ApplyCandleSnapshot(symbol, s.cfg.CandleInterval, candles)
		}
	}
}

func (s *Stream) subscribePush() error {
	midsSub := ws.Subscription{Type: "allMids"}
	if err := s.push.Subscribe(midsSub, s.onMids); err != nil {
		return err
	}
	s.subs = append(s.subs, midsSub)

	for _, symbol := range s.cfg.Symbols {
		bookSub := ws.Subscription{Type: "l2Book", Coin: symbol}
		if err := s.push.Subscribe(bookSub, s.onBook); err != nil {
			return err
		}
		s.subs = append(s.subs, bookSub)

		candleSub := ws.Subscription{Type: "candle", Coin: symbol, Interval: s.cfg.CandleInterval}
		if err := s.push.Subscribe(candleSub, s.onCandle); err != nil {
			return err
		}
		s.subs = append(s.subs, candleSub)
	}
	return nil
}

func (s *Stream) pollLoop(ctx context.Context) {
	if s.cfg.PollInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.primeSnapshots(ctx)
		}
	}
}

func (s *Stream) onMids(data json.RawMessage) {
	var payload ws.AllMidsData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.WithError(err).Debug("bad allMids payload")
		return
	}
	s.cache.ApplyPricePush(payload.Mids)
}

func (s *Stream) onBook(data json.RawMessage) {
	var payload ws.L2BookData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.WithError(err).Debug("bad l2Book payload")
		return
	}

	snap := &exchange.BookSnapshot{
		Symbol: payload.Coin,
		Time:   time.UnixMilli(payload.Time),
	}
	if len(payload.Levels) == 2 {
		snap.Bids = toLevels(payload.Levels[0])
		snap.Asks = toLevels(payload.Levels[1])
	}
	s.cache.ApplyBookPush(snap)
}

func (s *Stream) onCandle(data json.RawMessage) {
	var payload ws.CandleData
	if err := json.Unmarshal(data, &payload); err != nil {
		s.log.WithError(err).Debug("bad candle payload")
		return
	}

	s.cache.ApplyCandlePush(payload.Coin, payload.Interval, exchange.Candle{
		OpenTime: time.UnixMilli(payload.OpenMillis),
		Open:     parseDec(payload.Open),
		High:     parseDec(payload.High),
		Low:      parseDec(payload.Low),
		Close:    parseDec(payload.Close),
		Volume:   parseDec(payload.Volume),
		Trades:   payload.Trades,
	})
}

func toLevels(levels []ws.BookLevelData) []exchange.BookLevel {
	out := make([]exchange.BookLevel, 0, len(levels))
	for _, lvl := range levels {
		px, err := decimal.NewFromString(lvl.Px)
		if err != nil {
			continue
		}
		sz, err := decimal.NewFromString(lvl.Sz)
		if err != nil {
			continue
		}
		out = append(out, exchange.BookLevel{Price: px, Size: sz, OrderCount: lvl.N})
	}
	return out
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// intervalDuration maps a candle interval name like "1m" or "4h" to its
// duration. Unknown intervals fall back to one minute.
func intervalDuration(interval string) time.Duration {
	if interval == "" {
		return time.Minute
	}
	unit := interval[len(interval)-1]
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return time.Minute
	}
	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute
	case 'h':
		return time.Duration(n) * time.Hour
	case 'd':
		return time.Duration(n) * 24 * time.Hour
	default:
		return time.Minute
	}
}
