// Package arbitrage evaluates order book snapshots into YES+NO arbitrage
// signals.
package arbitrage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Reason explains why a snapshot did not produce a signal.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonStale        Reason = "stale"
	ReasonNoQuote      Reason = "no_quote"
	ReasonEdge         Reason = "edge_below_threshold"
	ReasonYesPrice     Reason = "yes_below_min"
	ReasonNoPrice      Reason = "no_below_min"
	ReasonCutoff       Reason = "within_end_cutoff"
	ReasonInFlight     Reason = "execution_in_flight"
	ReasonLiquidity    Reason = "insufficient_liquidity"
	ReasonNotTradeable Reason = "market_not_active"
)

// Config holds the detector thresholds. Zero disables MinYesPrice,
// MinNoPrice and StopBeforeEnd.
type Config struct {
	ExecutionSpread float64
	MinProfit       float64
	MaxOrderSize    float64
	MinYesPrice     float64
	MinNoPrice      float64
	StopBeforeEnd   time.Duration
}

// Result is the outcome of one evaluation.
type Result struct {
	Signal domain.ArbitrageSignal
	Emit   bool
	Reason Reason
	Edge   float64
}

// Evaluate computes edge = 1 - (yes_ask + no_ask) on a consistent snapshot
// and emits a signal iff every filter passes. It has no side effects.
func Evaluate(cfg Config, m domain.Market, snap domain.BookSnapshot, now time.Time, inFlight bool) Result {
	if m.State != domain.MarketActive || (!m.WindowEnd.IsZero() && !now.Before(m.WindowEnd)) {
		return Result{Reason: ReasonNotTradeable}
	}
	if snap.Stale {
		return Result{Reason: ReasonStale}
	}
	if !snap.Yes.Valid() || !snap.No.Valid() {
		return Result{Reason: ReasonNoQuote}
	}

	yes := decimal.NewFromFloat(snap.Yes.Ask)
	no := decimal.NewFromFloat(snap.No.Ask)
	edge := decimal.NewFromInt(1).Sub(yes.Add(no))
	res := Result{Edge: edge.InexactFloat64()}

	threshold := decimal.Max(decimal.NewFromFloat(cfg.ExecutionSpread), decimal.NewFromFloat(cfg.MinProfit))
	switch {
	case edge.LessThan(threshold):
		res.Reason = ReasonEdge
	case cfg.MinYesPrice > 0 && yes.LessThan(decimal.NewFromFloat(cfg.MinYesPrice)):
		res.Reason = ReasonYesPrice
	case cfg.MinNoPrice > 0 && no.LessThan(decimal.NewFromFloat(cfg.MinNoPrice)):
		res.Reason = ReasonNoPrice
	case m.WithinCutoff(now, cfg.StopBeforeEnd):
		res.Reason = ReasonCutoff
	case inFlight:
		res.Reason = ReasonInFlight
	}
	if res.Reason != ReasonNone {
		return res
	}

	size := min(snap.Yes.Size, snap.No.Size)
	if cfg.MaxOrderSize > 0 {
		size = min(size, cfg.MaxOrderSize)
	}
	size = decimal.NewFromFloat(size).RoundDown(2).InexactFloat64()
	if size <= 0 {
		res.Reason = ReasonLiquidity
		return res
	}

	res.Emit = true
	res.Signal = domain.ArbitrageSignal{
		Market:    m,
		YesAsk:    snap.Yes.Ask,
		NoAsk:     snap.No.Ask,
		Edge:      res.Edge,
		Size:      size,
		Seq:       snap.Seq,
		CreatedAt: now,
	}
	return res
}

// InFlight reports whether a market already has an execution outstanding.
type InFlight interface {
	InFlight(marketID string) bool
}

// Detector applies Evaluate to live snapshots and tags each signal with
// the direction each ask moved since the previous snapshot of its market.
type Detector struct {
	cfg      Config
	inflight InFlight
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string][2]float64
}

// NewDetector creates a detector. inflight may be nil.
func NewDetector(cfg Config, inflight InFlight, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:      cfg,
		inflight: inflight,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "arb_detector")),
		last:     make(map[string][2]float64),
	}
}

// Forget drops the price history of a retired market.
func (d *Detector) Forget(marketID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.last, marketID)
}

func (d *Detector) trends(marketID string, snap domain.BookSnapshot) (domain.Trend, domain.Trend) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.last[marketID]
	if snap.Yes.Valid() && snap.No.Valid() {
		d.last[marketID] = [2]float64{snap.Yes.Ask, snap.No.Ask}
	}
	if !seen {
		return domain.TrendFlat, domain.TrendFlat
	}
	return trend(prev[0], snap.Yes.Ask), trend(prev[1], snap.No.Ask)
}

func trend(prev, cur float64) domain.Trend {
	switch {
	case cur > prev:
		return domain.TrendUp
	case cur < prev:
		return domain.TrendDown
	default:
		return domain.TrendFlat
	}
}

// Detect evaluates one snapshot of m.
func (d *Detector) Detect(m domain.Market, snap domain.BookSnapshot) (domain.ArbitrageSignal, bool) {
	yesTrend, noTrend := d.trends(m.ID, snap)
	busy := d.inflight != nil && d.inflight.InFlight(m.ID)
	res := Evaluate(d.cfg, m, snap, d.now(), busy)
	switch {
	case res.Emit:
		res.Signal.YesTrend, res.Signal.NoTrend = yesTrend, noTrend
		d.logger.Info("arbitrage opportunity",
			slog.String("market", m.ID),
			slog.String("symbol", m.Symbol),
			slog.Float64("yes_ask", res.Signal.YesAsk),
			slog.Float64("no_ask", res.Signal.NoAsk),
			slog.Float64("edge", res.Signal.Edge),
			slog.Float64("size", res.Signal.Size),
			slog.String("yes_trend", yesTrend.String()),
			slog.String("no_trend", noTrend.String()),
			slog.Uint64("seq", res.Signal.Seq),
		)
	case res.Reason == ReasonLiquidity:
		d.logger.Debug("signal dropped",
			slog.String("market", m.ID),
			slog.String("reason", string(res.Reason)),
			slog.String("error_class", domain.ClassInsufficientLiq),
		)
	case res.Reason == ReasonInFlight:
		d.logger.Debug("signal dropped",
			slog.String("market", m.ID),
			slog.String("reason", string(res.Reason)),
			slog.Float64("edge", res.Edge),
		)
	}
	return res.Signal, res.Emit
}
