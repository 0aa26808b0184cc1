package funding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"minidesk/internal/account"
	"minidesk/internal/exchange"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Step is the UI-visible stage of a funding session.
type Step string

const (
	StepIdle         Step = "idle"
	StepSwapping     Step = "swapping"
	StepTransferring Step = "transferring"
	StepComplete     Step = "complete"
	StepError        Step = "error"
)

// State is the single in-memory value describing the current funding
// session. Err holds the originating message while Step is StepError.
type State struct {
	Step   Step
	TxHash string
	Err    string
}

var (
	ErrFundingInProgress = errors.New("a funding flow is already in progress")
	ErrNoWallet          = errors.New("wallet not connected")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// SwapProvider converts source-chain USDC into the asset the transfer step
// moves into the trading account.
type SwapProvider interface {
	Name() string
	Swap(ctx context.Context, address string, amount decimal.Decimal) (txHash string, err error)
}

// AccountState is the slice of the account reader the funding flow uses.
type AccountState interface {
	Refresh(ctx context.Context) error
	MarginInfo() account.MarginInfo
	Snapshot() account.Snapshot
}

// Machine coordinates the fund-movement workflow as a strictly sequential
// state machine: idle -> swapping -> transferring -> complete, with any step
// failure landing in error. The transfer-only path skips swapping. Error
// exits only via Reset or a fresh attempt; complete returns to idle after
// resetDelay.
type Machine struct {
	funder     exchange.Funder
	accounts   AccountState
	providers  []SwapProvider
	resetDelay time.Duration
	log        logrus.FieldLogger

	mu    sync.Mutex
	state State
}

func NewMachine(funder exchange.Funder, accounts AccountState, providers []SwapProvider, resetDelay time.Duration, log logrus.FieldLogger) *Machine {
	return &Machine{
		funder:     funder,
		accounts:   accounts,
		providers:  providers,
		resetDelay: resetDelay,
		log:        log,
		state:      State{Step: StepIdle},
	}
}

// State returns the current funding state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the machine to idle. It refuses while a step is running.
func (m *Machine) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Step == StepSwapping || m.state.Step == StepTransferring {
		return ErrFundingInProgress
	}
	m.state = State{Step: StepIdle}
	return nil
}

// begin claims the machine for a new attempt. A fresh attempt is allowed
// from idle, complete and error, never while a step is running.
func (m *Machine) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Step == StepSwapping || m.state.Step == StepTransferring {
		return ErrFundingInProgress
	}
	m.state = State{Step: StepIdle}
	return nil
}

func (m *Machine) setStep(step Step) {
	m.mu.Lock()
	m.state.Step = step
	m.state.Err = ""
	m.mu.Unlock()
}

func (m *Machine) fail(err error) {
	m.mu.Lock()
	m.state = State{Step: StepError, Err: err.Error()}
	m.mu.Unlock()
}

func (m *Machine) complete(txHash string) {
	m.mu.Lock()
	m.state = State{Step: StepComplete, TxHash: txHash}
	m.mu.Unlock()

	if m.resetDelay > 0 {
		time.AfterFunc(m.resetDelay, func() {
			m.mu.Lock()
			if m.state.Step == StepComplete {
				m.state = State{Step: StepIdle}
			}
			m.mu.Unlock()
		})
	}
}

// OneClickFund runs the full path: swap source-chain USDC, then transfer the
// converted funds into the perp trading account. Providers are tried in
// order; the first success wins.
func (m *Machine) OneClickFund(ctx context.Context, address string, amount decimal.Decimal) error {
	if err := m.begin(); err != nil {
		return err
	}
	if address == "" {
		m.fail(ErrNoWallet)
		return ErrNoWallet
	}
	if amount.Sign() <= 0 {
		m.fail(ErrInvalidAmount)
		return ErrInvalidAmount
	}

	m.setStep(StepSwapping)

	var txHash string
	var swapErr error
	for _, provider := range m.providers {
		txHash, swapErr = provider.Swap(ctx, address, amount)
		if swapErr == nil {
			break
		}
		m.log.WithField("provider", provider.Name()).WithError(swapErr).Warn("swap provider failed, trying next")
	}
	if len(m.providers) == 0 {
		swapErr = fmt.Errorf("no swap provider configured")
	}
	if swapErr != nil {
		m.fail(swapErr)
		return swapErr
	}

	return m.transfer(ctx, amount, txHash)
}

// TransferOnly moves already-converted funds straight into the trading
// account, skipping the swap step.
func (m *Machine) TransferOnly(ctx context.Context, address string, amount decimal.Decimal) error {
	if err := m.begin(); err != nil {
		return err
	}
	if address == "" {
		m.fail(ErrNoWallet)
		return ErrNoWallet
	}
	if amount.Sign() <= 0 {
		m.fail(ErrInvalidAmount)
		return ErrInvalidAmount
	}

	return m.transfer(ctx, amount, "")
}

func (m *Machine) transfer(ctx context.Context, amount decimal.Decimal, txHash string) error {
	m.setStep(StepTransferring)

	if err := m.funder.UsdClassTransfer(ctx, amount, true); err != nil {
		m.fail(err)
		return err
	}

	if err := m.accounts.Refresh(ctx); err != nil {
		m.log.WithError(err).Warn("post-funding account refresh failed")
	}

	m.complete(txHash)
	return nil
}
