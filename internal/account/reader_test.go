package account

import (
	"context"
	"errors"
	"testing"

	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeAccountData struct {
	state     *exchange.PerpState
	stateErr  error
	spot      []exchange.SpotBalance
	spotErr   error
	orders    []exchange.OpenOrder
	ordersErr error

	// onPerpState runs before PerpState returns, so tests can mutate the
	// reader mid-fetch.
	onPerpState func()
}

func (f *fakeAccountData) PerpState(ctx context.Context, address string) (*exchange.PerpState, error) {
	if f.onPerpState != nil {
		f.onPerpState()
	}
	if f.stateErr != nil {
		return nil, f.stateErr
	}
	return f.state, nil
}

func (f *fakeAccountData) SpotBalances(ctx context.Context, address string) ([]exchange.SpotBalance, error) {
	return f.spot, f.spotErr
}

func (f *fakeAccountData) OpenOrders(ctx context.Context, address string) ([]exchange.OpenOrder, error) {
	return f.orders, f.ordersErr
}

func newTestReader(data *fakeAccountData, address string) *Reader {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewReader(data, address, log)
}

func perpState() *exchange.PerpState {
	return &exchange.PerpState{
		Positions: []exchange.Position{
			{
				Symbol:        "BTC",
				Size:          d("0.5"),
				EntryPrice:    d("50000"),
				PositionValue: d("26000"),
				UnrealizedPnl: d("1000"),
				Leverage:      10,
				MarginUsed:    d("2600"),
			},
			{
				// Closed position still reported by the venue.
				Symbol: "ETH",
				Size:   decimal.Zero,
			},
			{
				Symbol:        "SOL",
				Size:          d("-10"),
				EntryPrice:    d("150"),
				PositionValue: d("1400"),
				UnrealizedPnl: d("100"),
				Leverage:      5,
				MarginUsed:    d("280"),
			},
		},
		Margin: exchange.MarginSummary{
			AccountValue:    d("10000"),
			TotalMarginUsed: d("2880"),
			TotalNtlPos:     d("27400"),
		},
	}
}

func TestRefreshDerivesPositions(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")

	require.NoError(t, reader.Refresh(context.Background()))

	positions := reader.Positions()
	require.Len(t, positions, 2, "zero-size positions are filtered")

	btc := positions[0]
	assert.Equal(t, "BTC", btc.Symbol)
	// Mark price derived from notional: 26000 / 0.5.
	assert.True(t, btc.MarkPrice.Equal(d("52000")), "mark %s", btc.MarkPrice)

	sol := positions[1]
	assert.Equal(t, "SOL", sol.Symbol)
	assert.True(t, sol.Size.IsNegative())
	// Derivation uses |size|: 1400 / 10.
	assert.True(t, sol.MarkPrice.Equal(d("140")), "mark %s", sol.MarkPrice)
}

func TestRefreshDerivesAvailableBalance(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")

	require.NoError(t, reader.Refresh(context.Background()))

	margin := reader.MarginInfo()
	assert.True(t, margin.AvailableBalance.Equal(d("7120")), "available %s", margin.AvailableBalance)
	assert.True(t, reader.AvailableBalance().Equal(d("7120")))
}

func TestRefreshNegativeAvailableNotClamped(t *testing.T) {
	state := perpState()
	state.Margin.TotalMarginUsed = d("12000")
	data := &fakeAccountData{state: state}
	reader := newTestReader(data, "0xwallet")

	require.NoError(t, reader.Refresh(context.Background()))
	assert.True(t, reader.AvailableBalance().Equal(d("-2000")))
}

func TestRefreshEmptyAddressYieldsZeroState(t *testing.T) {
	data := &fakeAccountData{stateErr: errors.New("must not be called")}
	reader := newTestReader(data, "")

	require.NoError(t, reader.Refresh(context.Background()))

	snap := reader.Snapshot()
	assert.Empty(t, snap.Positions)
	assert.True(t, snap.Margin.AccountValue.IsZero())
	assert.False(t, snap.UpdatedAt.IsZero())
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")
	require.NoError(t, reader.Refresh(context.Background()))

	data.stateErr = errors.New("venue unavailable")
	err := reader.Refresh(context.Background())
	require.Error(t, err)

	// Old state still renders.
	assert.Len(t, reader.Positions(), 2)
	assert.True(t, reader.AvailableBalance().Equal(d("7120")))
}

func TestRefreshSupplementaryFailuresNonFatal(t *testing.T) {
	data := &fakeAccountData{
		state:     perpState(),
		spotErr:   errors.New("spot down"),
		ordersErr: errors.New("orders down"),
	}
	reader := newTestReader(data, "0xwallet")

	require.NoError(t, reader.Refresh(context.Background()))
	assert.Len(t, reader.Positions(), 2)
	assert.Empty(t, reader.Snapshot().SpotBalances)
	assert.Empty(t, reader.Snapshot().OpenOrders)
}

func TestRefreshCarriesSpotAndOrders(t *testing.T) {
	data := &fakeAccountData{
		state:  perpState(),
		spot:   []exchange.SpotBalance{{Coin: "USDC", Total: d("250")}},
		orders: []exchange.OpenOrder{{OrderID: 7, Symbol: "BTC", Side: exchange.SideBuy}},
	}
	reader := newTestReader(data, "0xwallet")

	require.NoError(t, reader.Refresh(context.Background()))

	snap := reader.Snapshot()
	require.Len(t, snap.SpotBalances, 1)
	assert.Equal(t, "USDC", snap.SpotBalances[0].Coin)
	require.Len(t, snap.OpenOrders, 1)
	assert.Equal(t, int64(7), snap.OpenOrders[0].OrderID)
}

func TestSetAddressZeroesSnapshot(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")
	require.NoError(t, reader.Refresh(context.Background()))
	require.NotEmpty(t, reader.Positions())

	reader.SetAddress("0xother")

	assert.Equal(t, "0xother", reader.Address())
	assert.Empty(t, reader.Positions())
	assert.True(t, reader.AvailableBalance().IsZero())
}

func TestRefreshDropsResultAfterAddressChange(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")
	data.onPerpState = func() {
		reader.SetAddress("0xother")
	}

	require.NoError(t, reader.Refresh(context.Background()))

	// The fetch for the old wallet never lands under the new address.
	assert.Empty(t, reader.Positions())
}

func TestSignedPositionSize(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")
	require.NoError(t, reader.Refresh(context.Background()))

	size, ok := reader.SignedPositionSize("SOL")
	require.True(t, ok)
	assert.True(t, size.Equal(d("-10")))

	_, ok = reader.SignedPositionSize("DOGE")
	assert.False(t, ok)
}

func TestSubscribeNotifiesOnSwap(t *testing.T) {
	data := &fakeAccountData{state: perpState()}
	reader := newTestReader(data, "0xwallet")

	notified := 0
	unsubscribe := reader.Subscribe(func() { notified++ })

	require.NoError(t, reader.Refresh(context.Background()))
	assert.Equal(t, 1, notified)

	unsubscribe()
	require.NoError(t, reader.Refresh(context.Background()))
	assert.Equal(t, 1, notified)
}
