// Package app wires the arbitrage engine from configuration and runs the
// selected mode: continuous trading or one of the diagnostic commands.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alanyoungcy/updownarb/internal/config"
)

// App owns the configuration, the logger and the teardown of everything
// Wire opened.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	out     io.Writer
	closers []func()
}

// New creates an App. Diagnostic output goes to stdout.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
		out:    os.Stdout,
	}
}

// Run wires dependencies and executes cfg.Mode. args are the mode's own
// flags, e.g. "-token 123 -price 0.45" for test-order.
func (a *App) Run(ctx context.Context, args []string) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.InfoContext(ctx, "starting",
		slog.String("mode", mode),
		slog.String("log_level", a.cfg.Log.Level),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	switch mode {
	case "run":
		return a.RunMode(ctx, deps)
	case "merge":
		return a.MergeMode(ctx, deps)
	case "positions":
		return a.PositionsMode(ctx, deps)
	case "test-order":
		return a.TestOrderMode(ctx, deps, args)
	case "price":
		return a.PriceMode(ctx, deps, args)
	case "test-trade":
		return a.TestTradeMode(ctx, deps, args)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// Close releases resources in reverse order. Calling it twice is harmless.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
