package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

const base = int64(1_700_000_100) // a window bucket

type fakeDiscoverer struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]int // symbol -> remaining failures, -1 for always
}

func (d *fakeDiscoverer) DiscoverUpDown(_ context.Context, symbol string, bucket int64) (domain.Market, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, domain.UpDownSlug(symbol, bucket))
	if n := d.failures[symbol]; n != 0 {
		if n > 0 {
			d.failures[symbol] = n - 1
		}
		return domain.Market{}, fmt.Errorf("gamma: %w", domain.ErrNotFound)
	}
	return domain.Market{
		ID:          fmt.Sprintf("%s-%d", symbol, bucket),
		Symbol:      symbol,
		Slug:        domain.UpDownSlug(symbol, bucket),
		WindowStart: time.Unix(bucket, 0),
		WindowEnd:   time.Unix(bucket+domain.WindowSeconds, 0),
		YesTokenID:  symbol + "-yes",
		NoTokenID:   symbol + "-no",
	}, nil
}

func (d *fakeDiscoverer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) record(kind string, m domain.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, kind+":"+m.Slug+":"+m.State.String())
}

func (s *recordingSink) Activate(m domain.Market) { s.record("activate", m) }

func (s *recordingSink) Advance(m domain.Market) { s.record("advance", m) }

func (s *recordingSink) Retire(m domain.Market) { s.record("retire", m) }

func (s *recordingSink) take() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func newTestScheduler(cfg Config, d *fakeDiscoverer, sink Sink) *Scheduler {
	return New(cfg, d, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func at(offset int64) time.Time {
	return time.Unix(base+offset, 0)
}

func TestTick_DiscoversEverySymbol(t *testing.T) {
	d := &fakeDiscoverer{}
	sink := &recordingSink{}
	s := newTestScheduler(Config{Symbols: []string{"eth", "btc"}}, d, sink)

	s.Tick(context.Background(), at(10))

	assert.Equal(t, []string{
		"activate:btc-updown-5m-1700000100:active",
		"activate:eth-updown-5m-1700000100:active",
	}, sink.take())
	assert.Len(t, s.Markets(), 2)

	s.Tick(context.Background(), at(11))
	assert.Empty(t, sink.take())
	assert.Equal(t, 2, d.callCount(), "tracked windows are not rediscovered")
}

func TestTick_RefreshesNextWindowInAdvance(t *testing.T) {
	d := &fakeDiscoverer{}
	sink := &recordingSink{}
	s := newTestScheduler(Config{Symbols: []string{"btc"}, RefreshAdvance: 5 * time.Second}, d, sink)

	s.Tick(context.Background(), at(100))
	sink.take()

	s.Tick(context.Background(), at(294))
	assert.Empty(t, sink.take())

	s.Tick(context.Background(), at(296))
	assert.Equal(t, []string{"activate:btc-updown-5m-1700000400:discovered"}, sink.take())

	s.Tick(context.Background(), at(300))
	assert.Equal(t, []string{
		"retire:btc-updown-5m-1700000100:closed",
		"advance:btc-updown-5m-1700000400:active",
	}, sink.take())
}

func TestTick_RetriesFailedSymbolWithoutBlockingOthers(t *testing.T) {
	d := &fakeDiscoverer{failures: map[string]int{"eth": 2}}
	sink := &recordingSink{}
	s := newTestScheduler(Config{Symbols: []string{"btc", "eth"}}, d, sink)

	s.Tick(context.Background(), at(10))
	assert.Equal(t, []string{"activate:btc-updown-5m-1700000100:active"}, sink.take())
	assert.Equal(t, 2, d.callCount())

	s.Tick(context.Background(), at(11))
	assert.Equal(t, 2, d.callCount(), "retry waits for the retry interval")

	s.Tick(context.Background(), at(12))
	assert.Equal(t, 3, d.callCount())
	assert.Empty(t, sink.take())

	s.Tick(context.Background(), at(14))
	assert.Equal(t, []string{"activate:eth-updown-5m-1700000100:active"}, sink.take())
}

func TestTick_GivesUpAfterRetryWindow(t *testing.T) {
	d := &fakeDiscoverer{failures: map[string]int{"btc": -1}}
	sink := &recordingSink{}
	s := newTestScheduler(Config{Symbols: []string{"btc"}}, d, sink)

	for off := int64(10); off <= 110; off += 2 {
		s.Tick(context.Background(), at(off))
	}
	calls := d.callCount()
	assert.Equal(t, 46, calls)

	s.Tick(context.Background(), at(150))
	assert.Equal(t, calls, d.callCount())

	s.Tick(context.Background(), at(310))
	assert.Equal(t, calls+1, d.callCount(), "the next window starts a fresh attempt")
	assert.Empty(t, sink.take())
}

func TestTick_LifecycleWithCutoff(t *testing.T) {
	d := &fakeDiscoverer{}
	sink := &recordingSink{}
	s := newTestScheduler(Config{Symbols: []string{"btc"}, StopBeforeEnd: time.Minute}, d, sink)

	s.Tick(context.Background(), at(10))
	s.Tick(context.Background(), at(239))
	s.Tick(context.Background(), at(240))
	s.Tick(context.Background(), at(300))

	assert.Equal(t, []string{
		"activate:btc-updown-5m-1700000100:active",
		"advance:btc-updown-5m-1700000100:expiring",
		"retire:btc-updown-5m-1700000100:closed",
		"activate:btc-updown-5m-1700000400:active",
	}, sink.take())
}

func TestStateAt(t *testing.T) {
	m := domain.Market{WindowStart: at(0), WindowEnd: at(300)}
	tests := []struct {
		name string
		now  time.Time
		stop time.Duration
		want domain.MarketState
	}{
		{name: "before start", now: at(-5), want: domain.MarketDiscovered},
		{name: "at start", now: at(0), want: domain.MarketActive},
		{name: "inside cutoff", now: at(250), stop: time.Minute, want: domain.MarketExpiring},
		{name: "no cutoff", now: at(299), want: domain.MarketActive},
		{name: "at end", now: at(300), want: domain.MarketClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StateAt(m, tt.now, tt.stop))
		})
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	d := &fakeDiscoverer{}
	s := newTestScheduler(Config{Symbols: []string{"btc"}, TickInterval: time.Millisecond}, d, &recordingSink{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return d.callCount() >= 1 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

// blockingDiscoverer hangs on buckets from slowFrom onwards until its context
// ends.
type blockingDiscoverer struct {
	fakeDiscoverer
	slowFrom int64
	started  chan struct{}
	once     sync.Once
}

func (d *blockingDiscoverer) DiscoverUpDown(ctx context.Context, symbol string, bucket int64) (domain.Market, error) {
	if bucket < d.slowFrom {
		return d.fakeDiscoverer.DiscoverUpDown(ctx, symbol, bucket)
	}
	d.once.Do(func() { close(d.started) })
	<-ctx.Done()
	return domain.Market{}, ctx.Err()
}

func TestRun_RetiresWhileDiscoveryIsBlocked(t *testing.T) {
	d := &blockingDiscoverer{slowFrom: base + domain.WindowSeconds, started: make(chan struct{})}
	sink := &recordingSink{}
	s := New(Config{
		Symbols:          []string{"btc"},
		RefreshAdvance:   30 * time.Second,
		TickInterval:     5 * time.Millisecond,
		DiscoveryTimeout: time.Minute,
	}, d, sink, slog.New(slog.NewTextHandler(io.Discard, nil)))

	s.Tick(context.Background(), at(10))
	require.Equal(t, []string{"activate:btc-updown-5m-1700000100:active"}, sink.take())

	var clock atomic.Int64
	clock.Store(base + 290)
	s.now = func() time.Time { return time.Unix(clock.Load(), 0) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-d.started:
	case <-time.After(time.Second):
		t.Fatal("discovery of the next window never started")
	}
	clock.Store(base + domain.WindowSeconds)

	assert.Eventually(t, func() bool {
		s.dispatchMu.Lock()
		defer s.dispatchMu.Unlock()
		return len(s.Markets()) == 0
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, sink.take(), "retire:btc-updown-5m-1700000100:closed")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
