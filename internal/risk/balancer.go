package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// BalancerConfig configures the position balancer.
type BalancerConfig struct {
	Interval  time.Duration // zero disables Run
	Threshold float64       // share difference that triggers cancellation
	MinTotal  float64       // holdings + pending below this are left alone
}

// MarketSource lists the markets the balancer should look at.
type MarketSource interface {
	Markets() []domain.Market
}

// Balancer periodically cancels resting BUY orders that would deepen a
// YES/NO holding imbalance.
type Balancer struct {
	cfg       BalancerConfig
	venue     domain.Venue
	positions domain.PositionSource
	markets   MarketSource
	logger    *slog.Logger
}

// NewBalancer creates a balancer.
func NewBalancer(cfg BalancerConfig, venue domain.Venue, positions domain.PositionSource, markets MarketSource, logger *slog.Logger) *Balancer {
	return &Balancer{
		cfg:       cfg,
		venue:     venue,
		positions: positions,
		markets:   markets,
		logger:    logger.With(slog.String("component", "position_balancer")),
	}
}

// Run balances every Interval until ctx is cancelled.
func (b *Balancer) Run(ctx context.Context) error {
	if b.cfg.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.Balance(ctx); err != nil {
				b.logger.Warn("balance pass failed",
					slog.String("error", err.Error()),
					slog.String("error_class", domain.Classify(err)),
				)
			}
		}
	}
}

// Balance runs one pass over the active markets. A failed cancellation is
// logged and does not stop the pass.
func (b *Balancer) Balance(ctx context.Context) error {
	markets := b.markets.Markets()
	if len(markets) == 0 {
		return nil
	}
	orders, err := b.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("risk/balancer: open orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}
	positions, err := b.positions.Positions(ctx)
	if err != nil {
		return fmt.Errorf("risk/balancer: positions: %w", err)
	}
	held := make(map[string]domain.Position, len(positions))
	for _, p := range positions {
		held[p.MarketID] = p
	}

	for _, m := range markets {
		cancel := PlanCancellations(b.cfg, m, held[m.ID], orders)
		for _, id := range cancel {
			if err := b.venue.CancelOrder(ctx, id); err != nil {
				b.logger.Warn("cancel failed",
					slog.String("market", m.ID),
					slog.String("order_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			b.logger.Info("cancelled order to rebalance",
				slog.String("market", m.ID),
				slog.String("order_id", id),
			)
		}
	}
	return nil
}

// PlanCancellations decides which resting BUY orders of market m to cancel.
// When holdings already differ by Threshold, every order on the heavy side
// is cancelled together with the cheapest opposite-side orders covering the
// heavy side's pending size. Otherwise, when pending orders alone skew the
// totals by Threshold from their midpoint, the cheapest orders on the
// skewed side are cancelled until the excess is covered.
func PlanCancellations(cfg BalancerConfig, m domain.Market, pos domain.Position, orders []domain.Order) []string {
	var yesOrders, noOrders []domain.Order
	for _, o := range orders {
		if o.Side != domain.OrderSideBuy || o.Remaining() <= 0 {
			continue
		}
		switch o.TokenID {
		case m.YesTokenID:
			yesOrders = append(yesOrders, o)
		case m.NoTokenID:
			noOrders = append(noOrders, o)
		}
	}

	threshold := decimal.NewFromFloat(cfg.Threshold)
	yesPos := decimal.NewFromFloat(pos.YesSize)
	noPos := decimal.NewFromFloat(pos.NoSize)
	yesPending := pending(yesOrders)
	noPending := pending(noOrders)
	yesTotal := yesPos.Add(yesPending)
	noTotal := noPos.Add(noPending)

	if yesTotal.Add(noTotal).LessThan(decimal.NewFromFloat(cfg.MinTotal)) {
		return nil
	}

	if yesPos.Sub(noPos).Abs().GreaterThanOrEqual(threshold) {
		heavy, light := yesOrders, noOrders
		if noPos.GreaterThan(yesPos) {
			heavy, light = noOrders, yesOrders
		}
		ids := orderIDs(heavy)
		return append(ids, cheapestCovering(light, decimal.Min(yesPending, noPending))...)
	}

	target := yesTotal.Add(noTotal).Div(decimal.NewFromInt(2))
	var ids []string
	if excess := yesTotal.Sub(target); excess.IsPositive() && excess.GreaterThanOrEqual(threshold) {
		ids = append(ids, cheapestCovering(yesOrders, excess)...)
	}
	if excess := noTotal.Sub(target); excess.IsPositive() && excess.GreaterThanOrEqual(threshold) {
		ids = append(ids, cheapestCovering(noOrders, excess)...)
	}
	return ids
}

func pending(orders []domain.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(decimal.NewFromFloat(o.Remaining()))
	}
	return total
}

func orderIDs(orders []domain.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}

// cheapestCovering returns the lowest-priced orders whose pending size
// reaches amount.
func cheapestCovering(orders []domain.Order, amount decimal.Decimal) []string {
	if !amount.IsPositive() {
		return nil
	}
	sorted := append([]domain.Order(nil), orders...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Price < sorted[j].Price })

	var ids []string
	covered := decimal.Zero
	for _, o := range sorted {
		if covered.GreaterThanOrEqual(amount) {
			break
		}
		ids = append(ids, o.ID)
		covered = covered.Add(decimal.NewFromFloat(o.Remaining()))
	}
	return ids
}
