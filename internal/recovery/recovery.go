// Package recovery rebuilds the risk ledger from venue state at startup so
// exposure accounting after a restart matches what the wallet actually holds.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Seeder is the ledger operation recovery drives.
type Seeder interface {
	Seed(marketID string, yesShares, noShares, yesNotional, noNotional float64)
}

// OrderLister lists resting orders of the wallet.
type OrderLister interface {
	OpenOrders(ctx context.Context) ([]domain.Order, error)
}

// MarketSeed is the exposure recovered for one market.
type MarketSeed struct {
	MarketID    string
	YesShares   float64
	NoShares    float64
	YesNotional float64
	NoNotional  float64
	OpenOrders  int
}

// Committed returns the seeded notional of both sides.
func (s MarketSeed) Committed() float64 { return s.YesNotional + s.NoNotional }

// Summary describes a completed recovery.
type Summary struct {
	Markets        []MarketSeed
	Positions      int
	OpenOrders     int
	SkippedOrders  int
	ClosedMarkets  int // resolved or past-window markets left out of the ledger
	TotalCommitted float64
}

// Recovery seeds the ledger from positions and resting BUY orders.
type Recovery struct {
	positions domain.PositionSource
	orders    OrderLister
	ledger    Seeder
	audit     domain.AuditLog
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a Recovery. audit may be nil.
func New(positions domain.PositionSource, orders OrderLister, ledger Seeder, audit domain.AuditLog, logger *slog.Logger) *Recovery {
	return &Recovery{
		positions: positions,
		orders:    orders,
		ledger:    ledger,
		audit:     audit,
		logger:    logger.With(slog.String("component", "recovery")),
		now:       time.Now,
	}
}

type tally struct {
	yesShares, noShares     decimal.Decimal
	yesNotional, noNotional decimal.Decimal
	orders                  int
}

// Run fetches positions and open orders and seeds the ledger with their
// combined exposure. It must complete before signals are accepted. Resting
// BUY orders count as committed exposure at their limit price. Markets whose
// window has ended are skipped: no scheduler retirement would ever settle
// them.
func (r *Recovery) Run(ctx context.Context) (Summary, error) {
	positions, err := r.positions.Positions(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("recovery: positions: %w", err)
	}
	orders, err := r.orders.OpenOrders(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("recovery: open orders: %w", err)
	}

	tallies := make(map[string]*tally)
	get := func(id string) *tally {
		t := tallies[id]
		if t == nil {
			t = &tally{}
			tallies[id] = t
		}
		return t
	}
	tokens := make(map[string]domain.Outcome)
	closed := make(map[string]bool)
	now := r.now()

	sum := Summary{Positions: len(positions)}
	for _, p := range positions {
		if p.Closed(now) {
			if !closed[p.MarketID] {
				closed[p.MarketID] = true
				sum.ClosedMarkets++
			}
			r.logger.DebugContext(ctx, "skipping closed market",
				slog.String("market", p.MarketID),
				slog.Bool("redeemable", p.Redeemable),
			)
			continue
		}
		t := get(p.MarketID)
		t.yesShares = t.yesShares.Add(decimal.NewFromFloat(p.YesSize))
		t.noShares = t.noShares.Add(decimal.NewFromFloat(p.NoSize))
		t.yesNotional = t.yesNotional.Add(decimal.NewFromFloat(p.YesCost))
		t.noNotional = t.noNotional.Add(decimal.NewFromFloat(p.NoCost))
		if p.YesTokenID != "" {
			tokens[p.YesTokenID] = domain.OutcomeYes
		}
		if p.NoTokenID != "" {
			tokens[p.NoTokenID] = domain.OutcomeNo
		}
	}

	for _, o := range orders {
		if o.Side != domain.OrderSideBuy || o.Remaining() <= 0 || o.MarketID == "" || closed[o.MarketID] {
			continue
		}
		outcome := o.Outcome
		if outcome == "" {
			outcome = tokens[o.TokenID]
		}
		if outcome == "" {
			sum.SkippedOrders++
			r.logger.WarnContext(ctx, "cannot attribute open order to an outcome",
				slog.String("order_id", o.ID),
				slog.String("market", o.MarketID),
				slog.String("token_id", o.TokenID),
			)
			continue
		}
		t := get(o.MarketID)
		shares := decimal.NewFromFloat(o.Remaining())
		notional := shares.Mul(decimal.NewFromFloat(o.Price))
		if outcome == domain.OutcomeYes {
			t.yesShares = t.yesShares.Add(shares)
			t.yesNotional = t.yesNotional.Add(notional)
		} else {
			t.noShares = t.noShares.Add(shares)
			t.noNotional = t.noNotional.Add(notional)
		}
		t.orders++
		sum.OpenOrders++
	}

	ids := make([]string, 0, len(tallies))
	for id := range tallies {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := decimal.Zero
	for _, id := range ids {
		t := tallies[id]
		seed := MarketSeed{
			MarketID:    id,
			YesShares:   t.yesShares.InexactFloat64(),
			NoShares:    t.noShares.InexactFloat64(),
			YesNotional: t.yesNotional.InexactFloat64(),
			NoNotional:  t.noNotional.InexactFloat64(),
			OpenOrders:  t.orders,
		}
		r.ledger.Seed(id, seed.YesShares, seed.NoShares, seed.YesNotional, seed.NoNotional)
		total = total.Add(t.yesNotional).Add(t.noNotional)
		sum.Markets = append(sum.Markets, seed)
		r.logger.InfoContext(ctx, "seeded market exposure",
			slog.String("market", id),
			slog.Float64("yes_shares", seed.YesShares),
			slog.Float64("no_shares", seed.NoShares),
			slog.Float64("committed", seed.Committed()),
			slog.Int("open_orders", seed.OpenOrders),
		)
	}
	sum.TotalCommitted = total.InexactFloat64()

	r.logger.InfoContext(ctx, "recovery complete",
		slog.Int("markets", len(sum.Markets)),
		slog.Int("positions", sum.Positions),
		slog.Int("open_orders", sum.OpenOrders),
		slog.Int("closed_markets", sum.ClosedMarkets),
		slog.Float64("committed", sum.TotalCommitted),
	)
	if r.audit != nil {
		detail := map[string]any{
			"markets":     len(sum.Markets),
			"positions":   sum.Positions,
			"open_orders": sum.OpenOrders,
			"skipped":     sum.SkippedOrders,
			"closed":      sum.ClosedMarkets,
			"committed":   sum.TotalCommitted,
		}
		if err := r.audit.Log(ctx, domain.AuditRecovery, detail); err != nil {
			r.logger.WarnContext(ctx, "audit recovery failed", slog.String("error", err.Error()))
		}
	}
	return sum, nil
}
