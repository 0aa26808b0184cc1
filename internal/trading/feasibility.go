package trading

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Leverage bounds accepted by the venue.
const (
	MinLeverage = 1
	MaxLeverage = 100
)

// Feasibility is the margin assessment for one proposed order.
// EstimatedValue and MarginRequired stay zero for invalid inputs so a broken
// form never renders fabricated margin figures.
type Feasibility struct {
	EstimatedValue   decimal.Decimal
	MarginRequired   decimal.Decimal
	AvailableBalance decimal.Decimal
	Shortfall        decimal.Decimal
	Submittable      bool
	Reason           string
}

// Assess computes the notional value and required margin for a proposed
// order and decides whether it may be submitted against the available
// balance. Pure and synchronous; callers re-run it at submission time since
// balance and price can move between validation and submission.
func Assess(size, price decimal.Decimal, leverage int, available decimal.Decimal) Feasibility {
	f := Feasibility{AvailableBalance: available}

	if size.Sign() <= 0 || price.Sign() <= 0 {
		f.Reason = "size and price must be positive"
		return f
	}

	if leverage < MinLeverage {
		leverage = MinLeverage
	}
	if leverage > MaxLeverage {
		leverage = MaxLeverage
	}

	f.EstimatedValue = size.Mul(price)
	f.MarginRequired = f.EstimatedValue.Div(decimal.NewFromInt(int64(leverage)))

	if f.MarginRequired.GreaterThan(available) {
		f.Shortfall = f.MarginRequired.Sub(available)
		f.Reason = fmt.Sprintf("insufficient margin: need $%s, have $%s", f.MarginRequired, available)
		return f
	}

	f.Submittable = true
	return f
}

// FeasibilityError carries a failed assessment as a validation error.
type FeasibilityError struct {
	Feasibility Feasibility
}

func (e *FeasibilityError) Error() string {
	return e.Feasibility.Reason
}
