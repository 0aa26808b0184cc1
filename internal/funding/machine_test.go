package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"minidesk/internal/account"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFunder struct {
	err     error
	calls   int
	amounts []decimal.Decimal
	toPerp  []bool

	// onTransfer observes machine state at the moment the transfer runs.
	onTransfer func()
}

func (f *fakeFunder) UsdClassTransfer(ctx context.Context, amount decimal.Decimal, toPerp bool) error {
	f.calls++
	f.amounts = append(f.amounts, amount)
	f.toPerp = append(f.toPerp, toPerp)
	if f.onTransfer != nil {
		f.onTransfer()
	}
	return f.err
}

type fakeAccounts struct {
	refreshCount int
	refreshErr   error
}

func (f *fakeAccounts) Refresh(ctx context.Context) error {
	f.refreshCount++
	return f.refreshErr
}

func (f *fakeAccounts) MarginInfo() account.MarginInfo { return account.MarginInfo{} }
func (f *fakeAccounts) Snapshot() account.Snapshot     { return account.Snapshot{} }

type scriptedProvider struct {
	name   string
	txHash string
	err    error
	calls  int

	// onSwap observes machine state at the moment the swap runs.
	onSwap func()
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Swap(ctx context.Context, address string, amount decimal.Decimal) (string, error) {
	p.calls++
	if p.onSwap != nil {
		p.onSwap()
	}
	return p.txHash, p.err
}

func newTestMachine(funder *fakeFunder, accounts *fakeAccounts, providers ...SwapProvider) *Machine {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewMachine(funder, accounts, providers, 0, log)
}

func one() decimal.Decimal { return decimal.NewFromInt(100) }

func TestOneClickFundWalksEveryStep(t *testing.T) {
	funder := &fakeFunder{}
	accounts := &fakeAccounts{}
	var observed []Step

	provider := &scriptedProvider{name: "swap", txHash: "0xswap"}
	machine := newTestMachine(funder, accounts, provider)
	provider.onSwap = func() { observed = append(observed, machine.State().Step) }
	funder.onTransfer = func() { observed = append(observed, machine.State().Step) }

	require.NoError(t, machine.OneClickFund(context.Background(), "0xwallet", one()))

	// Completion is only reachable through swapping and transferring.
	assert.Equal(t, []Step{StepSwapping, StepTransferring}, observed)

	state := machine.State()
	assert.Equal(t, StepComplete, state.Step)
	assert.Equal(t, "0xswap", state.TxHash)
	assert.Equal(t, 1, accounts.refreshCount)

	require.Len(t, funder.toPerp, 1)
	assert.True(t, funder.toPerp[0], "funds move into the perp account")
	assert.True(t, funder.amounts[0].Equal(one()))
}

func TestOneClickFundProviderFallbackOrder(t *testing.T) {
	first := &scriptedProvider{name: "first", err: errors.New("first down")}
	second := &scriptedProvider{name: "second", txHash: "0xsecond"}
	funder := &fakeFunder{}
	machine := newTestMachine(funder, &fakeAccounts{}, first, second)

	require.NoError(t, machine.OneClickFund(context.Background(), "0xwallet", one()))

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, "0xsecond", machine.State().TxHash)
}

func TestOneClickFundFirstSuccessWins(t *testing.T) {
	first := &scriptedProvider{name: "first", txHash: "0xfirst"}
	second := &scriptedProvider{name: "second", txHash: "0xsecond"}
	machine := newTestMachine(&fakeFunder{}, &fakeAccounts{}, first, second)

	require.NoError(t, machine.OneClickFund(context.Background(), "0xwallet", one()))

	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls)
	assert.Equal(t, "0xfirst", machine.State().TxHash)
}

func TestOneClickFundAllProvidersFail(t *testing.T) {
	first := &scriptedProvider{name: "first", err: errors.New("first down")}
	second := &scriptedProvider{name: "second", err: errors.New("bridge USDC manually")}
	funder := &fakeFunder{}
	machine := newTestMachine(funder, &fakeAccounts{}, first, second)

	err := machine.OneClickFund(context.Background(), "0xwallet", one())
	require.Error(t, err)

	state := machine.State()
	assert.Equal(t, StepError, state.Step)
	// The last provider's message survives for the UI.
	assert.Equal(t, "bridge USDC manually", state.Err)
	assert.Equal(t, 0, funder.calls, "transfer never runs after a failed swap")
}

func TestOneClickFundNoProvidersConfigured(t *testing.T) {
	machine := newTestMachine(&fakeFunder{}, &fakeAccounts{})

	err := machine.OneClickFund(context.Background(), "0xwallet", one())
	require.Error(t, err)
	assert.Equal(t, StepError, machine.State().Step)
}

func TestTransferOnlySkipsSwap(t *testing.T) {
	provider := &scriptedProvider{name: "swap", txHash: "0xswap"}
	funder := &fakeFunder{}
	machine := newTestMachine(funder, &fakeAccounts{}, provider)

	require.NoError(t, machine.TransferOnly(context.Background(), "0xwallet", one()))

	assert.Equal(t, 0, provider.calls)
	assert.Equal(t, 1, funder.calls)

	state := machine.State()
	assert.Equal(t, StepComplete, state.Step)
	assert.Empty(t, state.TxHash)
}

func TestTransferFailureLandsInError(t *testing.T) {
	funder := &fakeFunder{err: errors.New("transfer rejected")}
	accounts := &fakeAccounts{}
	machine := newTestMachine(funder, accounts, &scriptedProvider{name: "swap"})

	err := machine.TransferOnly(context.Background(), "0xwallet", one())
	require.Error(t, err)

	state := machine.State()
	assert.Equal(t, StepError, state.Step)
	assert.Equal(t, "transfer rejected", state.Err)
	assert.Equal(t, 0, accounts.refreshCount)
}

func TestFundRejectsMissingWalletAndBadAmount(t *testing.T) {
	machine := newTestMachine(&fakeFunder{}, &fakeAccounts{}, &scriptedProvider{name: "swap"})

	err := machine.OneClickFund(context.Background(), "", one())
	assert.ErrorIs(t, err, ErrNoWallet)
	assert.Equal(t, StepError, machine.State().Step)

	err = machine.OneClickFund(context.Background(), "0xwallet", decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = machine.TransferOnly(context.Background(), "0xwallet", decimal.NewFromInt(-5))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestFundRefusedWhileStepRunning(t *testing.T) {
	funder := &fakeFunder{}
	machine := newTestMachine(funder, &fakeAccounts{}, &scriptedProvider{name: "swap", txHash: "0x1"})

	var concurrent error
	funder.onTransfer = func() {
		concurrent = machine.TransferOnly(context.Background(), "0xwallet", one())
	}

	require.NoError(t, machine.OneClickFund(context.Background(), "0xwallet", one()))
	assert.ErrorIs(t, concurrent, ErrFundingInProgress)
}

func TestResetClearsErrorButNotRunningStep(t *testing.T) {
	funder := &fakeFunder{err: errors.New("transfer rejected")}
	machine := newTestMachine(funder, &fakeAccounts{}, &scriptedProvider{name: "swap"})

	require.Error(t, machine.TransferOnly(context.Background(), "0xwallet", one()))
	require.Equal(t, StepError, machine.State().Step)

	require.NoError(t, machine.Reset())
	assert.Equal(t, StepIdle, machine.State().Step)
	assert.Empty(t, machine.State().Err)

	var resetErr error
	funder.err = nil
	funder.onTransfer = func() { resetErr = machine.Reset() }
	require.NoError(t, machine.TransferOnly(context.Background(), "0xwallet", one()))
	assert.ErrorIs(t, resetErr, ErrFundingInProgress)
}

func TestErrorStateAllowsFreshAttempt(t *testing.T) {
	funder := &fakeFunder{err: errors.New("transfer rejected")}
	machine := newTestMachine(funder, &fakeAccounts{}, &scriptedProvider{name: "swap"})

	require.Error(t, machine.TransferOnly(context.Background(), "0xwallet", one()))
	require.Equal(t, StepError, machine.State().Step)

	funder.err = nil
	require.NoError(t, machine.TransferOnly(context.Background(), "0xwallet", one()))
	assert.Equal(t, StepComplete, machine.State().Step)
}

func TestCompleteReturnsToIdleAfterDelay(t *testing.T) {
	funder := &fakeFunder{}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	machine := NewMachine(funder, &fakeAccounts{}, nil, 10*time.Millisecond, log)

	require.NoError(t, machine.TransferOnly(context.Background(), "0xwallet", one()))
	require.Equal(t, StepComplete, machine.State().Step)

	assert.Eventually(t, func() bool {
		return machine.State().Step == StepIdle
	}, time.Second, 5*time.Millisecond)
}

func TestStubProvidersFailOverToBridgeMessage(t *testing.T) {
	bridge := "https://bridge.hyperliquid.xyz"
	for _, provider := range []SwapProvider{
		&OneInchProvider{BridgeURL: bridge},
		&CCTPProvider{BridgeURL: bridge},
	} {
		_, err := provider.Swap(context.Background(), "0xwallet", one())
		require.Error(t, err, provider.Name())
		assert.Contains(t, err.Error(), bridge)
	}
}
