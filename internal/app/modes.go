package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownarb/internal/arbitrage"
	"github.com/alanyoungcy/updownarb/internal/config"
	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/engine"
	"github.com/alanyoungcy/updownarb/internal/executor"
	"github.com/alanyoungcy/updownarb/internal/feed"
	"github.com/alanyoungcy/updownarb/internal/merge"
	"github.com/alanyoungcy/updownarb/internal/orderbook"
	"github.com/alanyoungcy/updownarb/internal/recovery"
	"github.com/alanyoungcy/updownarb/internal/risk"
	"github.com/alanyoungcy/updownarb/internal/scheduler"
)

// RunMode is continuous trading. Recovery seeds the ledger first; an
// AuthFailure there aborts startup. Scheduler, feed, engine, merge task,
// wind-down and balancer then run under one errgroup until ctx is cancelled
// or the engine stops on a fatal error. Resting GTC orders are left in place.
func (a *App) RunMode(ctx context.Context, deps *Dependencies) error {
	if err := deps.Clob.EnsureCredentials(ctx); err != nil {
		return fmt.Errorf("run: api credentials: %w", err)
	}

	ledger := risk.NewLedger(a.cfg.Risk.MaxExposure, a.cfg.Risk.ImbalanceThreshold, a.logger)

	rec := recovery.New(deps.Data, deps.Clob, ledger, deps.Audit, a.logger)
	summary, err := rec.Run(ctx)
	if err != nil {
		return fmt.Errorf("run: recovery: %w", err)
	}
	a.logger.InfoContext(ctx, "recovery complete",
		slog.Int("markets", len(summary.Markets)),
		slog.Int("positions", summary.Positions),
		slog.Int("open_orders", summary.OpenOrders),
		slog.Float64("committed", summary.TotalCommitted),
	)

	exec, err := a.newExecutor(deps, ledger)
	if err != nil {
		return err
	}

	books := orderbook.New(a.logger)
	wsFeed := feed.NewPolymarketWSFeed(a.cfg.Polymarket.WsHost, books, deps.Clob, a.logger)
	detector := arbitrage.NewDetector(detectorConfig(a.cfg.Trading), exec, a.logger)

	eng := engine.New(engine.Config{}, wsFeed, books, detector, exec, ledger, a.logger)
	eng.SetAlerter(deps.Notifier)
	if deps.Bus != nil {
		eng.SetJournal(arbitrage.NewJournal(deps.Bus))
	}
	books.OnUpdate(eng.HandleUpdate)

	sched := scheduler.New(scheduler.Config{
		Symbols:        a.cfg.Trading.Symbols,
		RefreshAdvance: a.cfg.Trading.RefreshAdvance(),
		StopBeforeEnd:  a.cfg.Trading.StopBeforeEnd(),
	}, deps.Gamma, eng, a.logger)

	gate := &merge.Gate{}
	task := a.newMergeTask(deps, ledger, gate)
	windDown := merge.NewWindDown(merge.WindDownConfig{
		Before:    time.Duration(a.cfg.Merge.WindDownBeforeEndMinutes) * time.Minute,
		SellPrice: a.cfg.Merge.WindDownSellPrice,
	}, deps.Clob, deps.Data, task, a.logger)
	windDown.SetAudit(deps.Audit)
	windDown.SetAlerter(deps.Notifier)

	balancer := risk.NewBalancer(risk.BalancerConfig{
		Interval:  time.Duration(a.cfg.Risk.BalanceIntervalSecs) * time.Second,
		Threshold: a.cfg.Risk.BalanceThreshold,
		MinTotal:  a.cfg.Risk.BalanceMinTotal,
	}, deps.Clob, deps.Data, books, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return wsFeed.Run(ctx) })
	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	g.Go(func() error { return task.Run(ctx) })
	g.Go(func() error { return windDown.Run(ctx) })
	g.Go(func() error { return balancer.Run(ctx) })
	if deps.Archive != nil {
		g.Go(func() error { return deps.Archive.Run(ctx) })
	}

	a.logger.InfoContext(ctx, "trading started",
		slog.Any("symbols", a.cfg.Trading.Symbols),
		slog.Float64("max_exposure", a.cfg.Risk.MaxExposure),
		slog.String("order_type", a.cfg.Trading.OrderType),
	)
	return g.Wait()
}

func (a *App) newExecutor(deps *Dependencies, ledger *risk.Ledger) (*executor.Executor, error) {
	first, second, err := a.cfg.Trading.SlippagePair()
	if err != nil {
		return nil, fmt.Errorf("run: %w", err)
	}
	t := a.cfg.Trading
	exec := executor.NewExecutor(executor.Config{
		OrderType:        domain.OrderType(t.OrderType),
		Slippage:         executor.Slippage{First: first, Second: second},
		GTDExpiration:    time.Duration(t.GTDExpirationSecs) * time.Second,
		MinTradeInterval: time.Duration(t.MinTradeIntervalSecs) * time.Second,
		MaxConcurrent:    t.MaxConcurrentExecutions,
		PollInterval:     time.Duration(t.OrderPollIntervalMs) * time.Millisecond,
		WatchTimeout:     time.Duration(t.OrderWatchTimeoutSecs) * time.Second,
		LockTTL:          t.LockTTL(),
	}, deps.Clob, ledger, a.logger)
	exec.SetLocks(deps.Locks)
	exec.SetAudit(deps.Audit)
	exec.SetEventBus(deps.Bus)
	exec.SetAlerter(deps.Notifier)
	return exec, nil
}

func (a *App) newMergeTask(deps *Dependencies, ledger merge.Ledger, gate *merge.Gate) *merge.Task {
	task := merge.NewTask(merge.Config{
		Interval:  a.cfg.Merge.Interval(),
		MaxAmount: a.cfg.Merge.MaxAmount,
	}, deps.Data, deps.Redeemer, ledger, gate, a.logger)
	task.SetAudit(deps.Audit)
	task.SetEventBus(deps.Bus)
	task.SetAlerter(deps.Notifier)
	return task
}

func detectorConfig(t config.TradingConfig) arbitrage.Config {
	return arbitrage.Config{
		ExecutionSpread: t.ExecutionSpread,
		MinProfit:       t.MinProfitThreshold,
		MaxOrderSize:    t.MaxOrderSize,
		MinYesPrice:     t.MinYesPrice,
		MinNoPrice:      t.MinNoPrice,
		StopBeforeEnd:   t.StopBeforeEnd(),
	}
}
