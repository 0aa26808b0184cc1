package market

import (
	"fmt"
	"testing"
	"time"

	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() *Cache {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewCache(log)
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func level(px, sz string) exchange.BookLevel {
	return exchange.BookLevel{Price: d(px), Size: d(sz), OrderCount: 1}
}

func TestGetPriceAbsenceIsValid(t *testing.T) {
	cache := newTestCache()

	_, ok := cache.GetPrice("BTC")
	assert.False(t, ok)

	cache.ApplyPriceSnapshot(map[string]string{"BTC": "50000"})
	px, ok := cache.GetPrice("BTC")
	require.True(t, ok)
	assert.True(t, px.Equal(d("50000")))
}

func TestPriceUpdatesApplyInDeliveryOrder(t *testing.T) {
	cache := newTestCache()

	// Only the most recent push survives, in delivery order.
	for i, px := range []string{"100", "101", "99.5", "102"} {
		cache.ApplyPricePush(map[string]string{"ETH": px})
		got, ok := cache.GetPrice("ETH")
		require.True(t, ok, "update %d", i)
		assert.True(t, got.Equal(d(px)), "update %d: got %s", i, got)
	}
}

func TestSnapshotDoesNotClobberPush(t *testing.T) {
	cache := newTestCache()

	cache.ApplyPriceSnapshot(map[string]string{"BTC": "100"})
	cache.ApplyPricePush(map[string]string{"BTC": "105"})

	// A REST snapshot that was in flight when the push arrived lands late;
	// the push channel is authoritative once subscribed.
	cache.ApplyPriceSnapshot(map[string]string{"BTC": "100"})

	px, ok := cache.GetPrice("BTC")
	require.True(t, ok)
	assert.True(t, px.Equal(d("105")))
}

func TestUnparseableMidSkipped(t *testing.T) {
	cache := newTestCache()

	cache.ApplyPricePush(map[string]string{"BTC": "50000", "BAD": "not-a-number"})

	_, ok := cache.GetPrice("BAD")
	assert.False(t, ok)
	_, ok = cache.GetPrice("BTC")
	assert.True(t, ok)
}

func TestOrderBookEmptyBeforeData(t *testing.T) {
	cache := newTestCache()

	view := cache.GetOrderBook("BTC", 10)
	assert.Empty(t, view.Bids)
	assert.Empty(t, view.Asks)
	assert.True(t, view.Spread.IsZero())
}

func TestOrderBookSpreadAndDepth(t *testing.T) {
	cache := newTestCache()

	cache.ApplyBookSnapshot(&exchange.BookSnapshot{
		Symbol: "BTC",
		Bids:   []exchange.BookLevel{level("99", "1"), level("98", "2"), level("97", "3")},
		Asks:   []exchange.BookLevel{level("101", "1"), level("102", "2"), level("103", "3")},
	})

	view := cache.GetOrderBook("BTC", 2)
	require.Len(t, view.Bids, 2)
	require.Len(t, view.Asks, 2)

	// Spread = 101 - 99 = 2; mid = 100, so 2%.
	assert.True(t, view.Spread.Equal(d("2")), "spread %s", view.Spread)
	assert.True(t, view.SpreadPercent.Equal(d("2")), "spread pct %s", view.SpreadPercent)
}

func TestBookSnapshotIgnoredAfterPush(t *testing.T) {
	cache := newTestCache()

	cache.ApplyBookPush(&exchange.BookSnapshot{
		Symbol: "BTC",
		Bids:   []exchange.BookLevel{level("100", "1")},
		Asks:   []exchange.BookLevel{level("101", "1")},
	})
	cache.ApplyBookSnapshot(&exchange.BookSnapshot{
		Symbol: "BTC",
		Bids:   []exchange.BookLevel{level("90", "1")},
		Asks:   []exchange.BookLevel{level("91", "1")},
	})

	view := cache.GetOrderBook("BTC", 5)
	require.Len(t, view.Bids, 1)
	assert.True(t, view.Bids[0].Price.Equal(d("100")))
}

func candleAt(ts time.Time, close string) exchange.Candle {
	return exchange.Candle{OpenTime: ts, Close: d(close)}
}

func TestCandleSameTimestampReplacesLast(t *testing.T) {
	cache := newTestCache()
	t0 := time.UnixMilli(1_700_000_000_000)

	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "100"))
	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "101"))
	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "102"))

	series := cache.Candles("BTC", "1m")
	require.Len(t, series, 1)
	assert.True(t, series[0].Close.Equal(d("102")))
}

func TestCandleNewTimestampAppendsSorted(t *testing.T) {
	cache := newTestCache()
	t0 := time.UnixMilli(1_700_000_000_000)

	cache.ApplyCandlePush("BTC", "1m", candleAt(t0.Add(time.Minute), "101"))
	// Out-of-order arrival still yields an ascending series.
	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "100"))

	series := cache.Candles("BTC", "1m")
	require.Len(t, series, 2)
	assert.True(t, series[0].OpenTime.Before(series[1].OpenTime))
	assert.True(t, series[0].Close.Equal(d("100")))
}

func TestCandleWindowBounded(t *testing.T) {
	cache := newTestCache()
	t0 := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < maxCandlesPerSeries+50; i++ {
		cache.ApplyCandlePush("BTC", "1m", candleAt(t0.Add(time.Duration(i)*time.Minute), fmt.Sprintf("%d", i)))
	}

	series := cache.Candles("BTC", "1m")
	require.Len(t, series, maxCandlesPerSeries)
	// Oldest entries were dropped, the newest retained.
	assert.True(t, series[len(series)-1].Close.Equal(d(fmt.Sprintf("%d", maxCandlesPerSeries+49))))
}

func TestCandleSnapshotIgnoredAfterPush(t *testing.T) {
	cache := newTestCache()
	t0 := time.UnixMilli(1_700_000_000_000)

	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "100"))
	cache.ApplyCandleSnapshot("BTC", "1m", []exchange.Candle{candleAt(t0, "90"), candleAt(t0.Add(time.Minute), "91")})

	series := cache.Candles("BTC", "1m")
	require.Len(t, series, 1)
	assert.True(t, series[0].Close.Equal(d("100")))
}

func TestCandleSeriesIsolatedByInterval(t *testing.T) {
	cache := newTestCache()
	t0 := time.UnixMilli(1_700_000_000_000)

	cache.ApplyCandlePush("BTC", "1m", candleAt(t0, "100"))
	cache.ApplyCandlePush("BTC", "1h", candleAt(t0, "200"))

	require.Len(t, cache.Candles("BTC", "1m"), 1)
	require.Len(t, cache.Candles("BTC", "1h"), 1)
	assert.True(t, cache.Candles("BTC", "1h")[0].Close.Equal(d("200")))
}

func TestObserverNotifiedAndUnsubscribed(t *testing.T) {
	cache := newTestCache()

	var events []Event
	unsubscribe := cache.Subscribe(func(ev Event) {
		events = append(events, ev)
	})

	cache.ApplyPricePush(map[string]string{"BTC": "100"})
	require.Len(t, events, 1)
	assert.Equal(t, EventPrices, events[0].Kind)

	cache.ApplyBookPush(&exchange.BookSnapshot{Symbol: "BTC"})
	require.Len(t, events, 2)
	assert.Equal(t, EventBook, events[1].Kind)
	assert.Equal(t, "BTC", events[1].Symbol)

	unsubscribe()
	cache.ApplyPricePush(map[string]string{"BTC": "101"})
	assert.Len(t, events, 2)
}

func TestIntervalDuration(t *testing.T) {
	assert.Equal(t, time.Minute, intervalDuration("1m"))
	assert.Equal(t, 15*time.Minute, intervalDuration("15m"))
	assert.Equal(t, 4*time.Hour, intervalDuration("4h"))
	assert.Equal(t, 24*time.Hour, intervalDuration("1d"))
	assert.Equal(t, time.Minute, intervalDuration(""))
	assert.Equal(t, time.Minute, intervalDuration("bogus"))
}
