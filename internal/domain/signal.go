package domain

import "time"

// Trend is the direction of a best ask since the previous evaluation.
type Trend int

const (
	TrendFlat Trend = iota
	TrendUp
	TrendDown
)

func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	default:
		return "flat"
	}
}

// ArbitrageSignal is a detected YES+NO under-pricing, valid for one evaluation cycle.
type ArbitrageSignal struct {
	Market    Market
	YesAsk    float64
	NoAsk     float64
	YesTrend  Trend
	NoTrend   Trend
	Edge      float64
	Size      float64
	Seq       uint64
	CreatedAt time.Time
}

// Cost returns the combined price of one YES and one NO share.
func (s ArbitrageSignal) Cost() float64 {
	return s.YesAsk + s.NoAsk
}
