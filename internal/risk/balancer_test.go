package risk

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

var balMarket = domain.Market{ID: "m1", YesTokenID: "Y", NoTokenID: "N"}

func buy(id, token string, price, size float64) domain.Order {
	return domain.Order{ID: id, TokenID: token, Side: domain.OrderSideBuy, Price: price, Size: size}
}

func TestPlanCancellations(t *testing.T) {
	cfg := BalancerConfig{Threshold: 2, MinTotal: 5}

	tests := []struct {
		name   string
		pos    domain.Position
		orders []domain.Order
		want   []string
	}{
		{
			name:   "yes heavy cancels yes orders and covering no orders",
			pos:    domain.Position{YesSize: 10, NoSize: 5},
			orders: []domain.Order{buy("y1", "Y", 0.4, 3), buy("n1", "N", 0.5, 2), buy("n2", "N", 0.45, 2)},
			want:   []string{"y1", "n2", "n1"},
		},
		{
			name:   "no heavy cancels no orders",
			pos:    domain.Position{YesSize: 1, NoSize: 6},
			orders: []domain.Order{buy("n1", "N", 0.5, 4)},
			want:   []string{"n1"},
		},
		{
			name:   "balanced holdings skewed by pending yes",
			pos:    domain.Position{YesSize: 5, NoSize: 5},
			orders: []domain.Order{buy("y1", "Y", 0.45, 3), buy("y2", "Y", 0.40, 3)},
			want:   []string{"y2"},
		},
		{
			name:   "below min total",
			pos:    domain.Position{YesSize: 3, NoSize: 0},
			orders: []domain.Order{buy("y1", "Y", 0.4, 1)},
		},
		{
			name:   "sell orders and other markets ignored",
			pos:    domain.Position{YesSize: 10, NoSize: 10},
			orders: []domain.Order{{ID: "s1", TokenID: "Y", Side: domain.OrderSideSell, Price: 0.9, Size: 50}, buy("x1", "X", 0.4, 50)},
		},
		{
			name:   "within threshold",
			pos:    domain.Position{YesSize: 10, NoSize: 9},
			orders: []domain.Order{buy("y1", "Y", 0.4, 1), buy("n1", "N", 0.4, 1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PlanCancellations(cfg, balMarket, tt.pos, tt.orders)
			assert.Equal(t, tt.want, got)
		})
	}
}

type balVenue struct {
	mu        sync.Mutex
	open      []domain.Order
	cancelled []string
}

func (v *balVenue) PlaceOrder(context.Context, domain.Order) (domain.OrderResult, error) {
	return domain.OrderResult{}, nil
}

func (v *balVenue) GetOrder(context.Context, string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (v *balVenue) CancelOrder(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, id)
	return nil
}

func (v *balVenue) CancelAll(context.Context) error { return nil }

func (v *balVenue) OpenOrders(context.Context) ([]domain.Order, error) { return v.open, nil }

type staticPositions []domain.Position

func (p staticPositions) Positions(context.Context) ([]domain.Position, error) { return p, nil }

type staticMarkets []domain.Market

func (s staticMarkets) Markets() []domain.Market { return s }

func TestBalancer_Balance(t *testing.T) {
	venue := &balVenue{open: []domain.Order{buy("y1", "Y", 0.4, 3), buy("n1", "N", 0.5, 1)}}
	b := NewBalancer(
		BalancerConfig{Threshold: 2, MinTotal: 5},
		venue,
		staticPositions{{MarketID: "m1", YesSize: 8, NoSize: 2}},
		staticMarkets{balMarket},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	require.NoError(t, b.Balance(context.Background()))
	assert.Equal(t, []string{"y1", "n1"}, venue.cancelled)
}

func TestBalancer_RunDisabled(t *testing.T) {
	b := NewBalancer(BalancerConfig{}, &balVenue{}, staticPositions{}, staticMarkets{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.NoError(t, b.Run(context.Background()))
}
