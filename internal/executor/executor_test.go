package executor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/risk"
)

type fakeVenue struct {
	mu      sync.Mutex
	placed  []domain.Order
	gate    chan struct{}
	results map[domain.Outcome]domain.OrderResult
	errs    map[domain.Outcome]error
	reads   map[string]domain.Order
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		results: make(map[domain.Outcome]domain.OrderResult),
		errs:    make(map[domain.Outcome]error),
		reads:   make(map[string]domain.Order),
	}
}

func (v *fakeVenue) PlaceOrder(ctx context.Context, o domain.Order) (domain.OrderResult, error) {
	v.mu.Lock()
	v.placed = append(v.placed, o)
	gate := v.gate
	res, err := v.results[o.Outcome], v.errs[o.Outcome]
	v.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.OrderResult{}, err
	}
	if res.OrderID == "" {
		res = domain.OrderResult{Success: true, OrderID: string(o.Outcome), Status: domain.OrderStatusFilled, FilledSize: o.Size}
	}
	return res, nil
}

func (v *fakeVenue) GetOrder(_ context.Context, id string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.reads[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (v *fakeVenue) CancelOrder(context.Context, string) error { return nil }

func (v *fakeVenue) CancelAll(context.Context) error { return nil }

func (v *fakeVenue) OpenOrders(context.Context) ([]domain.Order, error) { return nil, nil }

func (v *fakeVenue) placedOrders() []domain.Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]domain.Order(nil), v.placed...)
}

type heldLocks struct{}

func (heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type recordingBus struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func (b *recordingBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.payloads == nil {
		b.payloads = make(map[string][][]byte)
	}
	b.payloads[channel] = append(b.payloads[channel], payload)
	return nil
}

func (b *recordingBus) StreamAppend(context.Context, string, []byte) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSignal(marketID string) domain.ArbitrageSignal {
	return domain.ArbitrageSignal{
		Market: domain.Market{
			ID:         marketID,
			Slug:       "btc-updown-5m-1700000100",
			YesTokenID: marketID + "-yes",
			NoTokenID:  marketID + "-no",
			State:      domain.MarketActive,
		},
		YesAsk: 0.48,
		NoAsk:  0.50,
		Edge:   0.02,
		Size:   100,
	}
}

func newTestExecutor(cfg Config, v *fakeVenue, l *risk.Ledger) *Executor {
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeFOK
	}
	cfg.PollInterval = time.Millisecond
	return NewExecutor(cfg, v, l, testLogger())
}

func TestExecute_BothFilled(t *testing.T) {
	v := newFakeVenue()
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	bus := &recordingBus{}
	ex := newTestExecutor(Config{}, v, ledger)
	ex.SetEventBus(bus)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairBothFilled, pair.Status)
	assert.NotEmpty(t, pair.CorrelationID)

	placed := v.placedOrders()
	require.Len(t, placed, 2)
	for _, o := range placed {
		assert.Equal(t, pair.CorrelationID, o.CorrelationID)
		assert.Equal(t, domain.OrderSideBuy, o.Side)
		assert.InDelta(t, 100, o.Size, 1e-9)
	}

	exp := ledger.Exposure("m1")
	assert.InDelta(t, 100, exp.YesShares, 1e-9)
	assert.InDelta(t, 100, exp.NoShares, 1e-9)
	assert.InDelta(t, 98, exp.Committed(), 1e-9)
	assert.False(t, exp.Imbalanced)
	assert.Zero(t, ledger.Totals().Reserved)

	require.Len(t, bus.payloads[domain.ChannelTradePairs], 1)
	var rec pairRecord
	require.NoError(t, json.Unmarshal(bus.payloads[domain.ChannelTradePairs][0], &rec))
	assert.Equal(t, pair.CorrelationID, rec.CorrelationID)
	assert.Equal(t, string(domain.PairBothFilled), rec.Status)
}

func TestExecute_SingleFlightPerMarket(t *testing.T) {
	v := newFakeVenue()
	v.gate = make(chan struct{})
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{MaxConcurrent: 4}, v, ledger)

	type outcome struct {
		pair domain.TradePair
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		p, err := ex.Execute(context.Background(), testSignal("m1"))
		done <- outcome{p, err}
	}()

	require.Eventually(t, func() bool { return len(v.placedOrders()) == 2 }, time.Second, time.Millisecond)
	assert.True(t, ex.InFlight("m1"))

	_, err := ex.Execute(context.Background(), testSignal("m1"))
	assert.ErrorIs(t, err, domain.ErrExecutionBusy)

	close(v.gate)
	first := <-done
	require.NoError(t, first.err)
	assert.Equal(t, domain.PairBothFilled, first.pair.Status)
	assert.Len(t, v.placedOrders(), 2)
	assert.False(t, ex.InFlight("m1"))
}

func TestExecute_PartialFillCommitsOnlyFilledLeg(t *testing.T) {
	v := newFakeVenue()
	v.results[domain.OutcomeYes] = domain.OrderResult{Success: true, OrderID: "y1", Status: domain.OrderStatusFilled, FilledSize: 100}
	v.results[domain.OutcomeNo] = domain.OrderResult{Success: true, OrderID: "n1", Status: domain.OrderStatusOpen}
	v.reads["n1"] = domain.Order{ID: "n1", Status: domain.OrderStatusExpired}
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	alerts := &recordingAlerter{}
	ex := newTestExecutor(Config{OrderType: domain.OrderTypeGTD, GTDExpiration: time.Minute}, v, ledger)
	ex.SetAlerter(alerts)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairOneFailed, pair.Status)
	assert.Equal(t, domain.OrderStatusExpired, pair.No.Status)

	exp := ledger.Exposure("m1")
	assert.InDelta(t, 100, exp.YesShares, 1e-9)
	assert.Zero(t, exp.NoShares)
	assert.InDelta(t, 48, exp.YesNotional, 1e-9)
	assert.True(t, exp.Imbalanced)
	assert.Zero(t, ledger.Totals().Reserved)
	assert.Equal(t, []string{domain.EventPairPartial}, alerts.events)

	for _, o := range v.placedOrders() {
		assert.False(t, o.Expiration.IsZero(), "GTD legs carry an expiration")
	}
}

func TestExecute_TrimsToHeadroom(t *testing.T) {
	v := newFakeVenue()
	ledger := risk.NewLedger(50, 0, testLogger())
	ex := newTestExecutor(Config{}, v, ledger)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairBothFilled, pair.Status)

	for _, o := range v.placedOrders() {
		assert.InDelta(t, 51.02, o.Size, 1e-9)
	}
	assert.LessOrEqual(t, ledger.Totals().Committed, 50.0)
}

func TestExecute_BothLegsFailReleases(t *testing.T) {
	v := newFakeVenue()
	v.errs[domain.OutcomeYes] = domain.ErrOrderRejected
	v.errs[domain.OutcomeNo] = domain.ErrOrderRejected
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{}, v, ledger)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Equal(t, domain.PairBothFailed, pair.Status)

	totals := ledger.Totals()
	assert.Zero(t, totals.Reserved)
	assert.Zero(t, totals.Committed)
}

func TestExecute_UnauthorizedLegIsFatal(t *testing.T) {
	v := newFakeVenue()
	v.errs[domain.OutcomeNo] = domain.ErrUnauthorized
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{}, v, ledger)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Equal(t, domain.PairOneFailed, pair.Status)
	assert.InDelta(t, 100, ledger.Exposure("m1").YesShares, 1e-9)
}

func TestExecute_FAKReadsBackOnce(t *testing.T) {
	v := newFakeVenue()
	v.results[domain.OutcomeYes] = domain.OrderResult{Success: true, OrderID: "y1", Status: domain.OrderStatusPending}
	v.results[domain.OutcomeNo] = domain.OrderResult{Success: true, OrderID: "n1", Status: domain.OrderStatusPending}
	v.reads["y1"] = domain.Order{ID: "y1", Status: domain.OrderStatusPartiallyFilled, FilledSize: 60}
	v.reads["n1"] = domain.Order{ID: "n1", Status: domain.OrderStatusPartiallyFilled, FilledSize: 60}
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{OrderType: domain.OrderTypeFAK}, v, ledger)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairPartiallyFilled, pair.Status)
	assert.Equal(t, domain.OrderStatusCancelled, pair.Yes.Status)

	exp := ledger.Exposure("m1")
	assert.InDelta(t, 60, exp.YesShares, 1e-9)
	assert.InDelta(t, 60, exp.NoShares, 1e-9)
	assert.Zero(t, ledger.Totals().Reserved)
}

func TestExecute_GTCTimeoutCountsRestingRemainder(t *testing.T) {
	v := newFakeVenue()
	v.results[domain.OutcomeNo] = domain.OrderResult{Success: true, OrderID: "n1", Status: domain.OrderStatusOpen}
	v.reads["n1"] = domain.Order{ID: "n1", Status: domain.OrderStatusPartiallyFilled, FilledSize: 40}
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{OrderType: domain.OrderTypeGTC, WatchTimeout: 10 * time.Millisecond}, v, ledger)

	pair, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)
	assert.Equal(t, domain.PairPartiallyFilled, pair.Status)
	assert.InDelta(t, 40, pair.No.FilledSize, 1e-9)

	exp := ledger.Exposure("m1")
	assert.InDelta(t, 100, exp.NoShares, 1e-9)
	assert.False(t, exp.Imbalanced)
}

func TestExecute_LockHeldElsewhere(t *testing.T) {
	v := newFakeVenue()
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{}, v, ledger)
	ex.SetLocks(heldLocks{})

	_, err := ex.Execute(context.Background(), testSignal("m1"))
	assert.ErrorIs(t, err, domain.ErrExecutionBusy)
	assert.Empty(t, v.placedOrders())
	assert.Zero(t, ledger.Totals().Reserved)
}

func TestExecute_Throttled(t *testing.T) {
	v := newFakeVenue()
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ex := newTestExecutor(Config{MinTradeInterval: time.Hour, MaxConcurrent: 2}, v, ledger)

	_, err := ex.Execute(context.Background(), testSignal("m1"))
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), testSignal("m2"))
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Len(t, v.placedOrders(), 2)
}

func TestExecute_HaltedLedgerRejects(t *testing.T) {
	v := newFakeVenue()
	ledger := risk.NewLedger(1000, 0.1, testLogger())
	ledger.Halt(assert.AnError)
	ex := newTestExecutor(Config{}, v, ledger)

	_, err := ex.Execute(context.Background(), testSignal("m1"))
	assert.ErrorIs(t, err, domain.ErrHalted)
	assert.Empty(t, v.placedOrders())
}
