package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// ErrWindDownRunning is returned when a wind-down is requested while one is
// already in progress.
var ErrWindDownRunning = errors.New("merge: wind-down already running")

// WindDownConfig controls the end-of-window liquidation.
type WindDownConfig struct {
	Before        time.Duration // zero disables
	SellPrice     float64
	CancelSettle  time.Duration
	MergeSettle   time.Duration
	CheckInterval time.Duration
}

// Report summarises one wind-down.
type Report struct {
	Bucket     int64
	CancelErr  error
	Merges     []domain.MergeJob
	Sells      []domain.Order
	SellErrors int
}

// WindDown runs once per window when the window end is within Before:
// cancel every resting order, merge all paired holdings, then sell what is
// left at SellPrice.
type WindDown struct {
	cfg       WindDownConfig
	venue     domain.Venue
	positions domain.PositionSource
	task      *Task
	logger    *slog.Logger
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	audit   domain.AuditLog
	alerter domain.Alerter

	mu         sync.Mutex
	lastBucket int64
}

// NewWindDown creates a WindDown that shares task's gate.
func NewWindDown(cfg WindDownConfig, venue domain.Venue, positions domain.PositionSource, task *Task, logger *slog.Logger) *WindDown {
	if cfg.SellPrice <= 0 {
		cfg.SellPrice = 0.01
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	return &WindDown{
		cfg:       cfg,
		venue:     venue,
		positions: positions,
		task:      task,
		logger:    logger.With(slog.String("component", "wind_down")),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// SetAudit records completed wind-downs in the audit log.
func (w *WindDown) SetAudit(a domain.AuditLog) { w.audit = a }

// SetAlerter sends wind_down notifications.
func (w *WindDown) SetAlerter(a domain.Alerter) { w.alerter = a }

// Run checks the window clock every CheckInterval until ctx is cancelled.
func (w *WindDown) Run(ctx context.Context) error {
	if w.cfg.Before <= 0 {
		w.logger.Info("wind-down disabled")
		return nil
	}
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := w.Check(ctx, w.now()); err != nil && ctx.Err() == nil {
				w.logger.Error("wind-down failed",
					slog.String("error", err.Error()),
					slog.String("error_class", domain.Classify(err)),
				)
			}
		}
	}
}

// Due reports whether the window containing now is within Before of its end
// and has not been wound down yet. Seconds are compared, not minutes.
func (w *WindDown) Due(now time.Time) bool {
	if w.cfg.Before <= 0 {
		return false
	}
	bucket := domain.WindowBucket(now)
	untilEnd := bucket + domain.WindowSeconds - now.Unix()
	w.mu.Lock()
	defer w.mu.Unlock()
	return untilEnd <= int64(w.cfg.Before/time.Second) && w.lastBucket != bucket
}

// Check runs the wind-down if it is due at now. The bool result reports
// whether it ran.
func (w *WindDown) Check(ctx context.Context, now time.Time) (Report, bool, error) {
	if !w.Due(now) {
		return Report{}, false, nil
	}
	bucket := domain.WindowBucket(now)
	w.mu.Lock()
	w.lastBucket = bucket
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "window end approaching, winding down",
		slog.Int64("seconds_to_end", bucket+domain.WindowSeconds-now.Unix()),
	)
	rep, err := w.Execute(ctx)
	rep.Bucket = bucket
	return rep, true, err
}

// Execute performs the wind-down sequence.
func (w *WindDown) Execute(ctx context.Context) (Report, error) {
	if err := w.task.gate.BeginWindDown(ctx); err != nil {
		return Report{}, err
	}
	defer w.task.gate.EndWindDown()

	var rep Report
	if err := w.venue.CancelAll(ctx); err != nil {
		rep.CancelErr = err
		if domain.IsFatal(err) {
			return rep, fmt.Errorf("merge: wind-down cancel: %w", err)
		}
		w.logger.WarnContext(ctx, "cancel all failed, continuing with merge and sell",
			slog.String("error", err.Error()),
		)
	}
	if err := w.sleep(ctx, w.cfg.CancelSettle); err != nil {
		return rep, err
	}

	jobs, err := w.task.pass(ctx, 0)
	rep.Merges = jobs
	if err != nil {
		if ctx.Err() != nil || domain.IsFatal(err) {
			return rep, err
		}
		w.logger.WarnContext(ctx, "wind-down merge pass failed", slog.String("error", err.Error()))
	}
	for _, j := range jobs {
		if j.Status == domain.MergeConfirmed {
			if err := w.sleep(ctx, w.cfg.MergeSettle); err != nil {
				return rep, err
			}
			break
		}
	}

	positions, err := w.positions.Positions(ctx)
	if err != nil {
		return rep, fmt.Errorf("merge: wind-down positions: %w", err)
	}
	for _, pos := range positions {
		for _, leg := range []struct {
			outcome domain.Outcome
			token   string
			size    float64
		}{
			{domain.OutcomeYes, pos.YesTokenID, pos.YesSize},
			{domain.OutcomeNo, pos.NoTokenID, pos.NoSize},
		} {
			size := decimal.NewFromFloat(leg.size).RoundDown(2).InexactFloat64()
			if size < 0.01 || leg.token == "" {
				continue
			}
			o := domain.Order{
				MarketID:  pos.MarketID,
				TokenID:   leg.token,
				Outcome:   leg.outcome,
				Side:      domain.OrderSideSell,
				Type:      domain.OrderTypeGTC,
				Price:     w.cfg.SellPrice,
				Size:      size,
				NegRisk:   pos.NegRisk,
				Status:    domain.OrderStatusPending,
				CreatedAt: w.now(),
			}
			res, err := w.venue.PlaceOrder(ctx, o)
			if err != nil {
				rep.SellErrors++
				w.logger.WarnContext(ctx, "wind-down sell failed",
					slog.String("token_id", leg.token),
					slog.Float64("size", size),
					slog.String("error", err.Error()),
				)
				if domain.IsFatal(err) {
					return rep, err
				}
				continue
			}
			o.ID, o.Status, o.FilledSize = res.OrderID, res.Status, res.FilledSize
			rep.Sells = append(rep.Sells, o)
			w.logger.InfoContext(ctx, "wind-down sell placed",
				slog.String("token_id", leg.token),
				slog.Float64("size", size),
				slog.Float64("price", w.cfg.SellPrice),
			)
		}
	}

	w.finish(ctx, rep)
	return rep, nil
}

func (w *WindDown) finish(ctx context.Context, rep Report) {
	merged := 0
	for _, j := range rep.Merges {
		if j.Status == domain.MergeConfirmed {
			merged++
		}
	}
	w.logger.InfoContext(ctx, "wind-down complete",
		slog.Int("merged", merged),
		slog.Int("sells", len(rep.Sells)),
		slog.Int("sell_errors", rep.SellErrors),
	)
	if w.audit != nil {
		detail := map[string]any{
			"merged":      merged,
			"sells":       len(rep.Sells),
			"sell_errors": rep.SellErrors,
		}
		if err := w.audit.Log(ctx, domain.AuditWindDown, detail); err != nil {
			w.logger.WarnContext(ctx, "audit wind-down failed", slog.String("error", err.Error()))
		}
	}
	if w.alerter != nil {
		msg := fmt.Sprintf("merged %d markets, placed %d sells (%d failed)", merged, len(rep.Sells), rep.SellErrors)
		if err := w.alerter.Notify(ctx, domain.EventWindDown, "Wind-down complete", msg); err != nil {
			w.logger.WarnContext(ctx, "wind-down alert failed", slog.String("error", err.Error()))
		}
	}
}
