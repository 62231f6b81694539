package executor

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

var (
	tick     = decimal.RequireFromString("0.01")
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("0.99")
)

// Slippage is the pair of per-leg price tolerances. A leg whose ask fell
// since the previous evaluation uses Second; rising and flat legs use First.
type Slippage struct {
	First  float64
	Second float64
}

// For returns the tolerance for a leg moving in direction t.
func (s Slippage) For(t domain.Trend) float64 {
	if t == domain.TrendDown {
		return s.Second
	}
	return s.First
}

// LimitPrice returns ask plus slip rounded to the tick and clamped to the
// venue's tradable range.
func LimitPrice(ask, slip float64) float64 {
	p := decimal.NewFromFloat(ask).Add(decimal.NewFromFloat(slip)).Div(tick).Round(0).Mul(tick)
	if p.LessThan(minPrice) {
		p = minPrice
	}
	if p.GreaterThan(maxPrice) {
		p = maxPrice
	}
	return p.InexactFloat64()
}

// trimSize returns the largest pair size, in 0.01 shares, whose notional at
// the given limit prices fits in budget.
func trimSize(budget, yesPrice, noPrice float64) float64 {
	cost := decimal.NewFromFloat(yesPrice).Add(decimal.NewFromFloat(noPrice))
	if !cost.IsPositive() || budget <= 0 {
		return 0
	}
	return decimal.NewFromFloat(budget).Div(cost).RoundDown(2).InexactFloat64()
}
