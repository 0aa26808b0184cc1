package trading

import (
	"testing"

	"github.com/shopspring/decimal"
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

func TestAssessMarginFormula(t *testing.T) {
	f := Assess(d("2"), d("100"), 10, d("500"))

	require.True(t, f.Submittable)
	assert.True(t, f.EstimatedValue.Equal(d("200")), "estimated value %s", f.EstimatedValue)
	assert.True(t, f.MarginRequired.Equal(d("20")), "margin required %s", f.MarginRequired)
	assert.True(t, f.Shortfall.IsZero())
	assert.Empty(t, f.Reason)
}

func TestAssessInsufficientMargin(t *testing.T) {
	f := Assess(d("2"), d("100"), 1, d("10"))

	require.False(t, f.Submittable)
	assert.True(t, f.MarginRequired.Equal(d("200")))
	assert.True(t, f.Shortfall.Equal(d("190")))
	assert.Equal(t, "insufficient margin: need $200, have $10", f.Reason)
}

func TestAssessRejectsAtExactBoundaryOnly(t *testing.T) {
	// Margin exactly equal to the balance is allowed; one cent more is not.
	f := Assess(d("1"), d("100"), 1, d("100"))
	assert.True(t, f.Submittable)

	f = Assess(d("1"), d("100.01"), 1, d("100"))
	assert.False(t, f.Submittable)
}

func TestAssessInvalidInputs(t *testing.T) {
	cases := []struct {
		name  string
		size  string
		price string
	}{
		{"zero size", "0", "100"},
		{"negative size", "-1", "100"},
		{"zero price", "2", "0"},
		{"negative price", "2", "-5"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := Assess(d(tc.size), d(tc.price), 10, d("1000000"))

			require.False(t, f.Submittable)
			// No fabricated figures for invalid inputs.
			assert.True(t, f.EstimatedValue.IsZero())
			assert.True(t, f.MarginRequired.IsZero())
			assert.NotEmpty(t, f.Reason)
		})
	}
}

func TestAssessLeverageClamping(t *testing.T) {
	// Leverage below 1 behaves as 1.
	f := Assess(d("2"), d("100"), 0, d("500"))
	assert.True(t, f.MarginRequired.Equal(d("200")))

	// Leverage above 100 behaves as 100.
	f = Assess(d("2"), d("100"), 500, d("500"))
	assert.True(t, f.MarginRequired.Equal(d("2")))
}
