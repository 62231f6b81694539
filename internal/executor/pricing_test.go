package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

func TestSlippage_For(t *testing.T) {
	s := Slippage{First: 0, Second: 0.01}
	assert.Equal(t, 0.0, s.For(domain.TrendUp))
	assert.Equal(t, 0.0, s.For(domain.TrendFlat))
	assert.Equal(t, 0.01, s.For(domain.TrendDown))
}

func TestLimitPrice(t *testing.T) {
	tests := []struct {
		name string
		ask  float64
		slip float64
		want float64
	}{
		{name: "no slippage", ask: 0.48, slip: 0, want: 0.48},
		{name: "one tick", ask: 0.48, slip: 0.01, want: 0.49},
		{name: "rounds to tick", ask: 0.483, slip: 0.004, want: 0.49},
		{name: "clamped high", ask: 0.985, slip: 0.02, want: 0.99},
		{name: "clamped low", ask: 0.001, slip: 0, want: 0.01},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LimitPrice(tt.ask, tt.slip), 1e-9)
		})
	}
}

func TestTrimSize(t *testing.T) {
	assert.InDelta(t, 51.02, trimSize(50, 0.48, 0.50), 1e-9)
	assert.Zero(t, trimSize(0, 0.48, 0.50))
	assert.Zero(t, trimSize(10, 0, 0))
}

func TestRegistry_Ceiling(t *testing.T) {
	r := NewRegistry(2)
	ra, err := r.TryAcquire("a")
	assert.NoError(t, err)
	_, err = r.TryAcquire("b")
	assert.NoError(t, err)
	_, err = r.TryAcquire("c")
	assert.ErrorIs(t, err, domain.ErrExecutionBusy)

	ra()
	ra()
	assert.Equal(t, 1, r.Len())
	_, err = r.TryAcquire("c")
	assert.NoError(t, err)
}
