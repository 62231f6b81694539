package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/executor"
	"github.com/alanyoungcy/updownarb/internal/risk"
)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeFeed struct{ *recorder }

func (f fakeFeed) Watch(m domain.Market)   { f.add("watch %s", m.ID) }
func (f fakeFeed) Unwatch(marketID string) { f.add("unwatch %s", marketID) }

type fakeBooks struct{ *recorder }

func (b fakeBooks) SetState(marketID string, s domain.MarketState) bool {
	b.add("state %s %s", marketID, s)
	return true
}

type fakeDetector struct {
	*recorder
	emit bool
}

func (d fakeDetector) Detect(m domain.Market, snap domain.BookSnapshot) (domain.ArbitrageSignal, bool) {
	return domain.ArbitrageSignal{Market: m, YesAsk: 0.45, NoAsk: 0.5, Seq: snap.Seq}, d.emit
}

func (d fakeDetector) Forget(marketID string) { d.add("forget %s", marketID) }

type fakeExecutor struct {
	*recorder
	err error
}

func (x fakeExecutor) Execute(_ context.Context, sig domain.ArbitrageSignal) (domain.TradePair, error) {
	x.add("execute %s %d", sig.Market.ID, sig.Seq)
	if x.err != nil {
		return domain.TradePair{}, x.err
	}
	return domain.TradePair{Market: sig.Market, Status: domain.PairBothFilled}, nil
}

type fakeLedger struct {
	*recorder
	settled bool
}

func (l fakeLedger) Settle(marketID string) (float64, bool) {
	l.add("settle %s", marketID)
	return 95, l.settled
}

func (l fakeLedger) Halt(cause error) { l.add("halt") }

type fakeJournal struct{ *recorder }

func (j fakeJournal) Record(_ context.Context, sig domain.ArbitrageSignal) error {
	j.add("journal %s", sig.Market.ID)
	return nil
}

type fakeAlerter struct{ *recorder }

func (a fakeAlerter) Notify(_ context.Context, event, _, _ string) error {
	a.add("alert %s", event)
	return nil
}

func newEngine(rec *recorder, emit bool, execErr error, queue int) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Config{QueueSize: queue},
		fakeFeed{rec}, fakeBooks{rec}, fakeDetector{recorder: rec, emit: emit},
		fakeExecutor{recorder: rec, err: execErr}, fakeLedger{recorder: rec, settled: true}, logger)
	e.SetJournal(fakeJournal{rec})
	e.SetAlerter(fakeAlerter{rec})
	return e
}

func TestEngine_MarketLifecycle(t *testing.T) {
	rec := &recorder{}
	e := newEngine(rec, false, nil, 0)
	m := domain.Market{ID: "m1", Symbol: "btc", State: domain.MarketActive}

	e.Activate(m)
	e.Advance(m)
	m.State = domain.MarketClosed
	e.Retire(m)

	assert.Equal(t, []string{
		"watch m1",
		"state m1 active",
		"state m1 closed",
		"unwatch m1",
		"forget m1",
		"settle m1",
	}, rec.list())
}

func TestEngine_DispatchesSignals(t *testing.T) {
	rec := &recorder{}
	e := newEngine(rec, true, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 7})

	require.Eventually(t, func() bool {
		return len(rec.list()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"journal m1", "execute m1 7"}, rec.list())

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEngine_NoSignalNoExecution(t *testing.T) {
	rec := &recorder{}
	e := newEngine(rec, false, nil, 0)

	e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 1})

	assert.Empty(t, e.signals)
	assert.Empty(t, rec.list())
}

func TestEngine_FullQueueDropsSignal(t *testing.T) {
	rec := &recorder{}
	e := newEngine(rec, true, nil, 1)

	e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 1})
	e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 2})

	require.Len(t, e.signals, 1)
	assert.Equal(t, uint64(1), (<-e.signals).Seq)
}

func TestEngine_FatalErrorStopsTrading(t *testing.T) {
	rec := &recorder{}
	e := newEngine(rec, true, fmt.Errorf("clob: post order: %w", domain.ErrUnauthorized), 0)
	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 3})

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on fatal error")
	}
	assert.Contains(t, rec.list(), "halt")
	assert.Contains(t, rec.list(), "alert auth_failure")
}

func TestEngine_TransientErrorsKeepRunning(t *testing.T) {
	for _, execErr := range []error{
		executor.ErrThrottled,
		domain.ErrExecutionBusy,
		fmt.Errorf("clob: %w", domain.ErrTransientNetwork),
		errors.Join(domain.ErrOrderRejected, domain.ErrOrderRejected),
	} {
		rec := &recorder{}
		e := newEngine(rec, true, execErr, 0)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- e.Run(ctx) }()

		e.HandleUpdate(domain.Market{ID: "m1"}, domain.BookSnapshot{Seq: 1})
		require.Eventually(t, func() bool {
			return len(rec.list()) == 2
		}, time.Second, 5*time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled, execErr.Error())
		assert.NotContains(t, rec.list(), "halt")
	}
}

func TestEngine_RetireKeepsExposureWhileReserved(t *testing.T) {
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(Config{}, fakeFeed{rec}, fakeBooks{rec}, fakeDetector{recorder: rec},
		fakeExecutor{recorder: rec}, fakeLedger{recorder: rec, settled: false}, logger)

	e.Retire(domain.Market{ID: "m2"})

	assert.Contains(t, rec.list(), "settle m2")
	assert.Contains(t, rec.list(), "unwatch m2")
}

func TestEngine_RetireDuringExecutionSettlesOnCommit(t *testing.T) {
	rec := &recorder{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := risk.NewLedger(100, 0, logger)
	res, err := ledger.Reserve(risk.Request{
		MarketID: "m1",
		Yes:      risk.Leg{Price: 0.5, Size: 90},
		No:       risk.Leg{Price: 0.5, Size: 90},
	})
	require.NoError(t, err)

	e := New(Config{}, fakeFeed{rec}, fakeBooks{rec}, fakeDetector{recorder: rec},
		fakeExecutor{recorder: rec}, ledger, logger)
	e.Retire(domain.Market{ID: "m1"})
	assert.True(t, ledger.Retiring("m1"))

	require.NoError(t, ledger.Commit(res, 90, 90))
	assert.Zero(t, ledger.Totals().Committed)
	assert.Zero(t, ledger.Totals().Markets)
}
