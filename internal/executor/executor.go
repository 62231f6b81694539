// Package executor turns arbitrage signals into paired YES/NO orders. Each
// execution reserves exposure in the risk ledger, submits both legs at once,
// watches them to a terminal state and commits exactly what filled.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/risk"
)

// ErrThrottled is returned when a signal arrives inside the minimum trade
// interval. The signal is dropped.
var ErrThrottled = errors.New("executor: throttled")

// Ledger is the subset of the risk ledger the executor drives.
type Ledger interface {
	Reserve(req risk.Request) (risk.Reservation, error)
	Commit(res risk.Reservation, yesFilled, noFilled float64) error
	Release(res risk.Reservation)
	FlagImbalance(marketID string)
}

// Config controls order construction and the watch loop.
type Config struct {
	OrderType        domain.OrderType
	Slippage         Slippage
	GTDExpiration    time.Duration
	MinTradeInterval time.Duration
	MaxConcurrent    int
	PollInterval     time.Duration
	WatchTimeout     time.Duration
	ExpiryGrace      time.Duration
	LockTTL          time.Duration
}

// Executor places and settles trade pairs. It is safe for concurrent use;
// executions for different markets run in parallel.
type Executor struct {
	cfg      Config
	venue    domain.Venue
	ledger   Ledger
	registry *Registry
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time

	locks      domain.LockManager
	audit      domain.AuditLog
	bus        domain.EventBus
	alerter    domain.Alerter
	remediator Remediator
}

// NewExecutor creates an Executor that submits orders to venue and accounts
// for them in ledger.
func NewExecutor(cfg Config, venue domain.Venue, ledger Ledger, logger *slog.Logger) *Executor {
	if cfg.OrderType == "" {
		cfg.OrderType = domain.OrderTypeGTD
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = time.Minute
	}
	if cfg.ExpiryGrace <= 0 {
		cfg.ExpiryGrace = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	limit := rate.Inf
	if cfg.MinTradeInterval > 0 {
		limit = rate.Every(cfg.MinTradeInterval)
	}
	return &Executor{
		cfg:        cfg,
		venue:      venue,
		ledger:     ledger,
		registry:   NewRegistry(cfg.MaxConcurrent),
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With(slog.String("component", "executor")),
		now:        time.Now,
		remediator: NoopRemediator{},
	}
}

// SetLocks enables the cross-process execution lock.
func (e *Executor) SetLocks(l domain.LockManager) { e.locks = l }

// SetAudit records terminal pairs in the audit log.
func (e *Executor) SetAudit(a domain.AuditLog) { e.audit = a }

// SetEventBus publishes terminal pairs on ChannelTradePairs.
func (e *Executor) SetEventBus(b domain.EventBus) { e.bus = b }

// SetAlerter sends operator alerts for partial pairs.
func (e *Executor) SetAlerter(a domain.Alerter) { e.alerter = a }

// SetRemediator replaces the no-op imbalance hook.
func (e *Executor) SetRemediator(r Remediator) { e.remediator = r }

// InFlight reports whether marketID has an execution running.
func (e *Executor) InFlight(marketID string) bool {
	return e.registry.InFlight(marketID)
}

// Execute runs one paired execution for sig and returns the terminal pair.
// ErrExecutionBusy and ErrThrottled mean the signal was dropped without
// touching the ledger. A non-nil error together with a pair whose
// CorrelationID is set means orders were submitted.
func (e *Executor) Execute(ctx context.Context, sig domain.ArbitrageSignal) (domain.TradePair, error) {
	marketID := sig.Market.ID
	release, err := e.registry.TryAcquire(marketID)
	if err != nil {
		return domain.TradePair{}, err
	}
	defer release()

	if !e.limiter.Allow() {
		return domain.TradePair{}, ErrThrottled
	}

	yesPrice := LimitPrice(sig.YesAsk, e.cfg.Slippage.For(sig.YesTrend))
	noPrice := LimitPrice(sig.NoAsk, e.cfg.Slippage.For(sig.NoTrend))

	res, err := e.reserve(marketID, sig.Size, yesPrice, noPrice)
	if err != nil {
		return domain.TradePair{}, err
	}

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "exec:"+marketID, e.cfg.LockTTL)
		if err != nil {
			e.ledger.Release(res)
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.TradePair{}, fmt.Errorf("executor: market %s locked elsewhere: %w", marketID, domain.ErrExecutionBusy)
			}
			return domain.TradePair{}, fmt.Errorf("executor: acquire lock: %w", err)
		}
		defer unlock()
	}

	pair := domain.TradePair{
		CorrelationID: uuid.NewString(),
		Market:        sig.Market,
		Edge:          sig.Edge,
		StartedAt:     e.now(),
	}
	log := e.logger.With(
		slog.String("market", marketID),
		slog.String("correlation_id", pair.CorrelationID),
	)
	log.InfoContext(ctx, "submitting pair",
		slog.Float64("yes_price", yesPrice),
		slog.Float64("no_price", noPrice),
		slog.Float64("size", res.Yes.Size),
		slog.Float64("edge", sig.Edge),
	)

	pair.Yes = e.newOrder(pair, domain.OutcomeYes, yesPrice, res.Yes.Size)
	pair.No = e.newOrder(pair, domain.OutcomeNo, noPrice, res.No.Size)

	var yesErr, noErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pair.Yes, yesErr = e.submit(ctx, pair.Yes)
	}()
	go func() {
		defer wg.Done()
		pair.No, noErr = e.submit(ctx, pair.No)
	}()
	wg.Wait()
	submitErr := errors.Join(yesErr, noErr)

	if yesErr != nil && noErr != nil {
		e.ledger.Release(res)
		pair.Status = domain.PairBothFailed
		pair.CompletedAt = e.now()
		log.WarnContext(ctx, "both legs failed",
			slog.String("error", submitErr.Error()),
			slog.String("error_class", domain.Classify(submitErr)),
		)
		e.record(ctx, pair)
		return pair, submitErr
	}

	g, gctx := errgroup.WithContext(ctx)
	if yesErr == nil {
		g.Go(func() error {
			o, err := e.watch(gctx, pair.Yes)
			pair.Yes = o
			return err
		})
	}
	if noErr == nil {
		g.Go(func() error {
			o, err := e.watch(gctx, pair.No)
			pair.No = o
			return err
		})
	}
	if err := g.Wait(); err != nil {
		// Legs still resting count at full size.
		if cerr := e.ledger.Commit(res, exposure(pair.Yes), exposure(pair.No)); cerr != nil {
			err = errors.Join(err, cerr)
		}
		if ctx.Err() != nil {
			log.WarnContext(ctx, "execution cancelled while watching legs")
			return pair, ctx.Err()
		}
		log.ErrorContext(ctx, "leg watch failed",
			slog.String("error", err.Error()),
			slog.String("error_class", domain.Classify(err)),
		)
		return pair, errors.Join(submitErr, err)
	}

	return e.settle(ctx, log, pair, res, submitErr)
}

// settle commits the filled shares, classifies the pair and emits its
// records.
func (e *Executor) settle(ctx context.Context, log *slog.Logger, pair domain.TradePair, res risk.Reservation, submitErr error) (domain.TradePair, error) {
	yesQty := exposure(pair.Yes)
	noQty := exposure(pair.No)
	pair.Status = pairStatus(pair.Yes, pair.No)
	pair.CompletedAt = e.now()

	if err := e.ledger.Commit(res, yesQty, noQty); err != nil {
		e.alert(ctx, domain.EventLedgerViolation, "Ledger invariant violated",
			fmt.Sprintf("market %s pair %s: %v", pair.Market.Slug, pair.CorrelationID, err))
		e.record(ctx, pair)
		return pair, errors.Join(submitErr, err)
	}

	if yesQty != noQty {
		e.ledger.FlagImbalance(pair.Market.ID)
		if err := e.remediator.Remediate(ctx, pair); err != nil {
			log.WarnContext(ctx, "remediation failed", slog.String("error", err.Error()))
		}
		e.alert(ctx, domain.EventPairPartial, "Unbalanced trade pair",
			fmt.Sprintf("%s: YES %.2f / NO %.2f filled (%s)", pair.Market.Slug, pair.Yes.FilledSize, pair.No.FilledSize, pair.Status))
	}

	log.InfoContext(ctx, "pair settled",
		slog.String("status", string(pair.Status)),
		slog.Float64("yes_filled", pair.Yes.FilledSize),
		slog.Float64("no_filled", pair.No.FilledSize),
		slog.Duration("elapsed", pair.CompletedAt.Sub(pair.StartedAt)),
	)
	e.record(ctx, pair)
	return pair, submitErr
}

// reserve asks the ledger for room and, when the request is too large but
// some headroom remains, retries once with the size trimmed to fit.
func (e *Executor) reserve(marketID string, size, yesPrice, noPrice float64) (risk.Reservation, error) {
	res, err := e.ledger.Reserve(pairRequest(marketID, size, yesPrice, noPrice))
	var rej *risk.RejectionError
	if err == nil || !errors.As(err, &rej) || rej.Headroom <= 0 {
		return res, err
	}
	trimmed := trimSize(rej.Headroom, yesPrice, noPrice)
	if trimmed <= 0 || trimmed >= size {
		return res, err
	}
	e.logger.Info("trimming pair to exposure headroom",
		slog.String("market", marketID),
		slog.String("reason", rej.Reason),
		slog.Float64("size", size),
		slog.Float64("trimmed", trimmed),
	)
	return e.ledger.Reserve(pairRequest(marketID, trimmed, yesPrice, noPrice))
}

func pairRequest(marketID string, size, yesPrice, noPrice float64) risk.Request {
	return risk.Request{
		MarketID: marketID,
		Yes:      risk.Leg{Price: yesPrice, Size: size},
		No:       risk.Leg{Price: noPrice, Size: size},
	}
}

func (e *Executor) newOrder(pair domain.TradePair, outcome domain.Outcome, price, size float64) domain.Order {
	now := e.now()
	o := domain.Order{
		CorrelationID: pair.CorrelationID,
		MarketID:      pair.Market.ID,
		TokenID:       pair.Market.TokenID(outcome),
		Outcome:       outcome,
		Side:          domain.OrderSideBuy,
		Type:          e.cfg.OrderType,
		Price:         price,
		Size:          size,
		NegRisk:       pair.Market.NegRisk,
		Status:        domain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.Type == domain.OrderTypeGTD {
		o.Expiration = now.Add(e.cfg.GTDExpiration)
	}
	return o
}

// submit places one leg. A leg that is not acknowledged is marked rejected
// with nothing filled.
func (e *Executor) submit(ctx context.Context, o domain.Order) (domain.Order, error) {
	res, err := e.venue.PlaceOrder(ctx, o)
	if err != nil {
		o.Status = domain.OrderStatusRejected
		o.FilledSize = 0
		return o, legError(o.Outcome, err)
	}
	o.ID = res.OrderID
	o = merge(o, domain.Order{Status: res.Status, FilledSize: res.FilledSize})
	return o, nil
}

func pairStatus(yes, no domain.Order) domain.PairStatus {
	yf, nf := yes.FilledSize > 0, no.FilledSize > 0
	switch {
	case yf && nf && yes.FilledSize >= yes.Size && no.FilledSize >= no.Size:
		return domain.PairBothFilled
	case yf && nf:
		return domain.PairPartiallyFilled
	case yf || nf:
		return domain.PairOneFailed
	default:
		return domain.PairBothFailed
	}
}

type pairRecord struct {
	CorrelationID string  `json:"correlation_id"`
	MarketID      string  `json:"market_id"`
	Slug          string  `json:"slug"`
	Status        string  `json:"status"`
	Edge          float64 `json:"edge"`
	YesOrderID    string  `json:"yes_order_id"`
	NoOrderID     string  `json:"no_order_id"`
	YesPrice      float64 `json:"yes_price"`
	NoPrice       float64 `json:"no_price"`
	YesFilled     float64 `json:"yes_filled"`
	NoFilled      float64 `json:"no_filled"`
	StartedAt     int64   `json:"started_at"`
	CompletedAt   int64   `json:"completed_at"`
}

func toRecord(p domain.TradePair) pairRecord {
	return pairRecord{
		CorrelationID: p.CorrelationID,
		MarketID:      p.Market.ID,
		Slug:          p.Market.Slug,
		Status:        string(p.Status),
		Edge:          p.Edge,
		YesOrderID:    p.Yes.ID,
		NoOrderID:     p.No.ID,
		YesPrice:      p.Yes.Price,
		NoPrice:       p.No.Price,
		YesFilled:     p.Yes.FilledSize,
		NoFilled:      p.No.FilledSize,
		StartedAt:     p.StartedAt.UnixMilli(),
		CompletedAt:   p.CompletedAt.UnixMilli(),
	}
}

// record writes the terminal pair to the audit log and the event bus. Both
// sinks are best effort.
func (e *Executor) record(ctx context.Context, pair domain.TradePair) {
	rec := toRecord(pair)
	if e.audit != nil {
		detail := map[string]any{
			"correlation_id": rec.CorrelationID,
			"market_id":      rec.MarketID,
			"slug":           rec.Slug,
			"status":         rec.Status,
			"edge":           rec.Edge,
			"yes_order_id":   rec.YesOrderID,
			"no_order_id":    rec.NoOrderID,
			"yes_filled":     rec.YesFilled,
			"no_filled":      rec.NoFilled,
		}
		if err := e.audit.Log(ctx, domain.AuditTradePair, detail); err != nil {
			e.logger.WarnContext(ctx, "audit trade pair failed", slog.String("error", err.Error()))
		}
		for _, o := range []domain.Order{pair.Yes, pair.No} {
			if o.ID == "" {
				continue
			}
			leg := map[string]any{
				"correlation_id": o.CorrelationID,
				"market_id":      o.MarketID,
				"order_id":       o.ID,
				"outcome":        string(o.Outcome),
				"type":           string(o.Type),
				"status":         string(o.Status),
				"price":          o.Price,
				"size":           o.Size,
				"filled":         o.FilledSize,
			}
			if err := e.audit.Log(ctx, domain.AuditOrderTerminal, leg); err != nil {
				e.logger.WarnContext(ctx, "audit order failed", slog.String("error", err.Error()))
			}
		}
	}
	if e.bus != nil {
		payload, err := json.Marshal(rec)
		if err == nil {
			err = e.bus.Publish(ctx, domain.ChannelTradePairs, payload)
		}
		if err != nil {
			e.logger.WarnContext(ctx, "publish trade pair failed", slog.String("error", err.Error()))
		}
	}
}

func (e *Executor) alert(ctx context.Context, event, title, message string) {
	if e.alerter == nil {
		return
	}
	if err := e.alerter.Notify(ctx, event, title, message); err != nil {
		e.logger.WarnContext(ctx, "alert failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
