// Package engine runs the trading loop: scheduler lifecycle events drive
// the feed and the book cache, every fresh snapshot is evaluated by the
// detector, and emitted signals are dispatched to the executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/executor"
)

// Feed subscribes and unsubscribes market tokens on the live order-book feed.
type Feed interface {
	Watch(m domain.Market)
	Unwatch(marketID string)
}

// Books is the part of the order-book cache the engine drives.
type Books interface {
	SetState(marketID string, s domain.MarketState) bool
}

// Detector turns a snapshot into at most one signal.
type Detector interface {
	Detect(m domain.Market, snap domain.BookSnapshot) (domain.ArbitrageSignal, bool)
	Forget(marketID string)
}

// Executor places one paired trade for a signal.
type Executor interface {
	Execute(ctx context.Context, sig domain.ArbitrageSignal) (domain.TradePair, error)
}

// Journal records emitted signals.
type Journal interface {
	Record(ctx context.Context, sig domain.ArbitrageSignal) error
}

// Ledger is the part of the risk ledger the engine touches directly.
type Ledger interface {
	Settle(marketID string) (float64, bool)
	Halt(cause error)
}

// Config sizes the signal queue.
type Config struct {
	QueueSize int
}

// Engine wires the scheduler, cache, detector and executor together.
type Engine struct {
	feed     Feed
	books    Books
	detector Detector
	exec     Executor
	ledger   Ledger
	journal  Journal
	alerter  domain.Alerter
	logger   *slog.Logger

	signals chan domain.ArbitrageSignal
	fatal   chan error
	once    sync.Once
}

// New creates an Engine.
func New(cfg Config, feed Feed, books Books, detector Detector, exec Executor, ledger Ledger, logger *slog.Logger) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Engine{
		feed:     feed,
		books:    books,
		detector: detector,
		exec:     exec,
		ledger:   ledger,
		logger:   logger.With(slog.String("component", "engine")),
		signals:  make(chan domain.ArbitrageSignal, cfg.QueueSize),
		fatal:    make(chan error, 1),
	}
}

// SetJournal enables the signal journal.
func (e *Engine) SetJournal(j Journal) { e.journal = j }

// SetAlerter enables operator alerts for fatal errors.
func (e *Engine) SetAlerter(a domain.Alerter) { e.alerter = a }

// Activate implements scheduler.Sink.
func (e *Engine) Activate(m domain.Market) {
	e.logger.Info("market activated",
		slog.String("market", m.ID),
		slog.String("symbol", m.Symbol),
		slog.String("slug", m.Slug),
		slog.Time("window_end", m.WindowEnd),
	)
	e.feed.Watch(m)
}

// Advance implements scheduler.Sink.
func (e *Engine) Advance(m domain.Market) {
	if e.books.SetState(m.ID, m.State) {
		e.logger.Debug("market state advanced",
			slog.String("market", m.ID),
			slog.String("state", m.State.String()),
		)
	}
}

// Retire implements scheduler.Sink. Committed exposure of the closed
// window is released now, or by the ledger when the last outstanding
// reservation resolves.
func (e *Engine) Retire(m domain.Market) {
	e.books.SetState(m.ID, domain.MarketClosed)
	e.feed.Unwatch(m.ID)
	e.detector.Forget(m.ID)

	released, ok := e.ledger.Settle(m.ID)
	if !ok {
		e.logger.Info("market retired, settlement waits for open executions",
			slog.String("market", m.ID),
		)
		return
	}
	e.logger.Info("market retired",
		slog.String("market", m.ID),
		slog.String("symbol", m.Symbol),
		slog.Float64("released", released),
	)
}

// HandleUpdate is registered with the order-book cache. It never blocks:
// when the queue is full the signal is dropped, a later snapshot of the
// same market will produce a fresh one.
func (e *Engine) HandleUpdate(m domain.Market, snap domain.BookSnapshot) {
	sig, ok := e.detector.Detect(m, snap)
	if !ok {
		return
	}
	select {
	case e.signals <- sig:
	default:
		e.logger.Warn("signal queue full, dropping signal",
			slog.String("market", m.ID),
			slog.Uint64("seq", sig.Seq),
		)
	}
}

// Run dispatches queued signals until ctx is cancelled or a fatal error
// stops trading. It waits for executions in progress before returning.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started")
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopped")
			return ctx.Err()
		case err := <-e.fatal:
			return err
		case sig := <-e.signals:
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.dispatch(ctx, sig)
			}()
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, sig domain.ArbitrageSignal) {
	if e.journal != nil {
		if err := e.journal.Record(ctx, sig); err != nil {
			e.logger.Warn("signal journal write failed",
				slog.String("market", sig.Market.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	pair, err := e.exec.Execute(ctx, sig)
	if err == nil {
		e.logger.Info("trade pair closed",
			slog.String("correlation_id", pair.CorrelationID),
			slog.String("market", pair.Market.ID),
			slog.String("status", string(pair.Status)),
			slog.Float64("yes_filled", pair.Yes.FilledSize),
			slog.Float64("no_filled", pair.No.FilledSize),
		)
		return
	}

	log := e.logger.With(slog.String("market", sig.Market.ID))
	switch {
	case errors.Is(err, executor.ErrThrottled), errors.Is(err, domain.ErrExecutionBusy):
		log.Debug("signal skipped", slog.String("reason", err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Info("execution interrupted by shutdown")
	case domain.IsFatal(err):
		e.stop(ctx, err)
	default:
		log.Warn("execution failed",
			slog.String("error", err.Error()),
			slog.String("error_class", domain.Classify(err)),
		)
	}
}

// stop halts the ledger and hands err to Run. Only the first fatal error
// is reported.
func (e *Engine) stop(ctx context.Context, err error) {
	e.once.Do(func() {
		class := domain.Classify(err)
		e.logger.Error("fatal error, trading stopped",
			slog.String("error", err.Error()),
			slog.String("error_class", class),
		)
		e.ledger.Halt(err)

		if e.alerter != nil {
			event := domain.EventLedgerViolation
			if class == domain.ClassAuthFailure {
				event = domain.EventAuthFailure
			}
			if aerr := e.alerter.Notify(context.WithoutCancel(ctx), event, "Trading stopped", err.Error()); aerr != nil {
				e.logger.Warn("alert failed", slog.String("error", aerr.Error()))
			}
		}
		e.fatal <- fmt.Errorf("engine: %w", err)
	})
}
