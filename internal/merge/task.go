// Package merge redeems paired YES+NO holdings back into collateral and runs
// the end-of-window wind-down.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Timing of a merge pass.
const (
	DefaultInitialDelay   = 10 * time.Second
	DefaultSpacing        = 30 * time.Second
	DefaultRateLimitRetry = 12 * time.Second
)

// Ledger is the exposure reduction applied after a confirmed merge.
type Ledger interface {
	Redeem(marketID string, amount float64)
}

// Config controls the periodic merge task.
type Config struct {
	Interval       time.Duration // zero disables the periodic task
	MaxAmount      float64       // per call, zero means uncapped
	InitialDelay   time.Duration
	Spacing        time.Duration
	RateLimitRetry time.Duration
}

// Gate serialises merge passes and wind-downs. A periodic pass skips when
// the gate is held; a wind-down waits for a running pass to finish. The zero
// value is ready to use.
type Gate struct {
	once    sync.Once
	slot    chan struct{}
	winding atomic.Bool
}

func (g *Gate) init() {
	g.once.Do(func() { g.slot = make(chan struct{}, 1) })
}

// TryPass takes the gate for a periodic pass without waiting.
func (g *Gate) TryPass() bool {
	g.init()
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// EndPass releases a gate taken by TryPass.
func (g *Gate) EndPass() { <-g.slot }

// BeginWindDown takes the gate for a wind-down, waiting for a running pass.
// It returns ErrWindDownRunning if another wind-down holds or awaits it.
func (g *Gate) BeginWindDown(ctx context.Context) error {
	if !g.winding.CompareAndSwap(false, true) {
		return ErrWindDownRunning
	}
	g.init()
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		g.winding.Store(false)
		return ctx.Err()
	}
}

// EndWindDown releases a gate taken by BeginWindDown.
func (g *Gate) EndWindDown() {
	<-g.slot
	g.winding.Store(false)
}

// WindingDown reports whether a wind-down holds or awaits the gate.
func (g *Gate) WindingDown() bool { return g.winding.Load() }

// Task merges every market holding both outcomes.
type Task struct {
	cfg       Config
	positions domain.PositionSource
	redeemer  domain.Redeemer
	ledger    Ledger
	gate      *Gate
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	audit   domain.AuditLog
	bus     domain.EventBus
	alerter domain.Alerter
}

// NewTask creates a merge Task. gate may be shared with a WindDown.
func NewTask(cfg Config, positions domain.PositionSource, redeemer domain.Redeemer, ledger Ledger, gate *Gate, logger *slog.Logger) *Task {
	if gate == nil {
		gate = &Gate{}
	}
	return &Task{
		cfg:       cfg,
		positions: positions,
		redeemer:  redeemer,
		ledger:    ledger,
		gate:      gate,
		logger:    logger.With(slog.String("component", "merge")),
		sleep:     sleepCtx,
	}
}

// SetAudit records confirmed merges in the audit log.
func (t *Task) SetAudit(a domain.AuditLog) { t.audit = a }

// SetEventBus publishes confirmed merges on ChannelMerges.
func (t *Task) SetEventBus(b domain.EventBus) { t.bus = b }

// SetAlerter sends merge_confirmed notifications.
func (t *Task) SetAlerter(a domain.Alerter) { t.alerter = a }

// Run executes a pass every Interval until ctx is cancelled. It returns
// immediately when the interval is zero.
func (t *Task) Run(ctx context.Context) error {
	if t.cfg.Interval <= 0 {
		t.logger.Info("periodic merge disabled")
		return nil
	}
	if err := t.sleep(ctx, t.cfg.InitialDelay); err != nil {
		return err
	}
	for {
		if err := t.periodicPass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Error("merge pass failed",
				slog.String("error", err.Error()),
				slog.String("error_class", domain.Classify(err)),
			)
			if domain.IsFatal(err) {
				return err
			}
		}
		if err := t.sleep(ctx, t.cfg.Interval); err != nil {
			return err
		}
	}
}

func (t *Task) periodicPass(ctx context.Context) error {
	if !t.gate.TryPass() {
		t.logger.Info("wind-down in progress, skipping merge pass")
		return nil
	}
	defer t.gate.EndPass()
	_, err := t.RunOnce(ctx)
	return err
}

// RunOnce performs one pass over current positions, capped by MaxAmount.
func (t *Task) RunOnce(ctx context.Context) ([]domain.MergeJob, error) {
	return t.pass(ctx, t.cfg.MaxAmount)
}

// pass merges every market holding both outcomes, one at a time and Spacing
// apart. Markets holding a single outcome yield a no-op job. The returned
// error is set only when positions cannot be read or a merge fails fatally.
func (t *Task) pass(ctx context.Context, maxAmount float64) ([]domain.MergeJob, error) {
	positions, err := t.positions.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("merge: positions: %w", err)
	}

	var jobs []domain.MergeJob
	merged := 0
	for _, pos := range positions {
		amount := Mergeable(pos, maxAmount)
		if amount <= 0 {
			if pos.YesSize > 0 || pos.NoSize > 0 {
				jobs = append(jobs, domain.MergeJob{
					MarketID:  pos.MarketID,
					NegRisk:   pos.NegRisk,
					Status:    domain.MergeNoOp,
					Err:       domain.ErrMergeNoOp,
					CreatedAt: time.Now(),
				})
			}
			continue
		}
		if merged > 0 {
			if err := t.sleep(ctx, t.cfg.Spacing); err != nil {
				return jobs, err
			}
		}
		merged++

		job := t.merge(ctx, pos, amount)
		jobs = append(jobs, job)
		if job.Err != nil && domain.IsFatal(job.Err) {
			return jobs, job.Err
		}
	}

	if merged == 0 {
		t.logger.Debug("no market holds both outcomes")
	}
	return jobs, nil
}

// Mergeable returns min(yes, no) floored to share precision and capped at
// maxAmount when it is positive.
func Mergeable(pos domain.Position, maxAmount float64) float64 {
	amount := decimal.NewFromFloat(pos.Mergeable())
	if maxAmount > 0 {
		amount = decimal.Min(amount, decimal.NewFromFloat(maxAmount))
	}
	return amount.RoundDown(6).InexactFloat64()
}

func (t *Task) merge(ctx context.Context, pos domain.Position, amount float64) domain.MergeJob {
	job := domain.MergeJob{
		MarketID:  pos.MarketID,
		Amount:    amount,
		NegRisk:   pos.NegRisk,
		Status:    domain.MergePending,
		CreatedAt: time.Now(),
	}
	log := t.logger.With(slog.String("market", pos.MarketID), slog.Float64("amount", amount))

	tx, err := t.redeemer.Redeem(ctx, pos.MarketID, amount, pos.NegRisk)
	if errors.Is(err, domain.ErrRateLimited) {
		log.WarnContext(ctx, "merge rate limited, retrying once", slog.Duration("backoff", t.cfg.RateLimitRetry))
		if serr := t.sleep(ctx, t.cfg.RateLimitRetry); serr != nil {
			job.Status, job.Err = domain.MergeFailed, serr
			return job
		}
		tx, err = t.redeemer.Redeem(ctx, pos.MarketID, amount, pos.NegRisk)
	}
	if err != nil {
		job.Status, job.Err = domain.MergeFailed, err
		log.ErrorContext(ctx, "merge failed",
			slog.String("error", err.Error()),
			slog.String("error_class", domain.Classify(err)),
		)
		return job
	}

	job.Status, job.TxHash = domain.MergeConfirmed, tx
	t.ledger.Redeem(pos.MarketID, amount)
	log.InfoContext(ctx, "merge confirmed", slog.String("tx", tx))
	t.record(ctx, job)
	return job
}

type mergeRecord struct {
	MarketID string  `json:"market_id"`
	Amount   float64 `json:"amount"`
	TxHash   string  `json:"tx_hash"`
	At       int64   `json:"at"`
}

func (t *Task) record(ctx context.Context, job domain.MergeJob) {
	rec := mergeRecord{MarketID: job.MarketID, Amount: job.Amount, TxHash: job.TxHash, At: time.Now().UnixMilli()}
	if t.audit != nil {
		detail := map[string]any{"market_id": rec.MarketID, "amount": rec.Amount, "tx_hash": rec.TxHash}
		if err := t.audit.Log(ctx, domain.AuditMerge, detail); err != nil {
			t.logger.WarnContext(ctx, "audit merge failed", slog.String("error", err.Error()))
		}
	}
	if t.bus != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			err = t.bus.Publish(ctx, domain.ChannelMerges, payload)
		}
		if err != nil {
			t.logger.WarnContext(ctx, "publish merge failed", slog.String("error", err.Error()))
		}
	}
	if t.alerter != nil {
		msg := fmt.Sprintf("merged %.6f of %s (tx %s)", job.Amount, job.MarketID, job.TxHash)
		if err := t.alerter.Notify(ctx, domain.EventMergeConfirmed, "Merge confirmed", msg); err != nil {
			t.logger.WarnContext(ctx, "merge alert failed", slog.String("error", err.Error()))
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
