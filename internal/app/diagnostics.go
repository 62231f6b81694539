package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/merge"
	"github.com/alanyoungcy/updownarb/internal/risk"
)

// MergeMode runs one merge pass and prints every job.
func (a *App) MergeMode(ctx context.Context, deps *Dependencies) error {
	ledger := risk.NewLedger(a.cfg.Risk.MaxExposure, a.cfg.Risk.ImbalanceThreshold, a.logger)
	task := a.newMergeTask(deps, ledger, &merge.Gate{})

	jobs, err := task.RunOnce(ctx)
	printJobs(a.out, jobs)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

func printJobs(w io.Writer, jobs []domain.MergeJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "no positions to merge")
		return
	}
	for _, j := range jobs {
		line := fmt.Sprintf("%s  %-9s amount=%s", j.MarketID, j.Status, decimal.NewFromFloat(j.Amount).StringFixed(6))
		if j.TxHash != "" {
			line += " tx=" + j.TxHash
		}
		if j.Err != nil && !errors.Is(j.Err, domain.ErrMergeNoOp) {
			line += " error=" + j.Err.Error()
		}
		fmt.Fprintln(w, line)
	}
}

// PositionsMode prints current holdings as a table.
func (a *App) PositionsMode(ctx context.Context, deps *Dependencies) error {
	positions, err := deps.Data.Positions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	return renderPositions(a.out, positions)
}

func renderPositions(w io.Writer, positions []domain.Position) error {
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})

	table := tablewriter.NewWriter(w)
	table.Header("Market", "YES", "NO", "Mergeable", "Cost", "Neg risk")
	var yes, no, cost float64
	for _, p := range positions {
		yes += p.YesSize
		no += p.NoSize
		cost += p.CostBasis()
		neg := ""
		if p.NegRisk {
			neg = "yes"
		}
		if err := table.Append(
			shortID(p.MarketID),
			fmt.Sprintf("%.2f", p.YesSize),
			fmt.Sprintf("%.2f", p.NoSize),
			fmt.Sprintf("%.2f", merge.Mergeable(p, 0)),
			fmt.Sprintf("$%.2f", p.CostBasis()),
			neg,
		); err != nil {
			return err
		}
	}
	table.Footer("Total", fmt.Sprintf("%.2f", yes), fmt.Sprintf("%.2f", no), "", fmt.Sprintf("$%.2f", cost), "")
	return table.Render()
}

func shortID(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:8] + "…" + id[len(id)-4:]
}

// TestOrderMode places a single order.
func (a *App) TestOrderMode(ctx context.Context, deps *Dependencies, args []string) error {
	fs := flag.NewFlagSet("test-order", flag.ContinueOnError)
	token := fs.String("token", "", "token id")
	price := fs.Float64("price", 0, "limit price")
	size := fs.Float64("size", 0, "size in shares")
	side := fs.String("side", "buy", "buy or sell")
	orderType := fs.String("type", "GTC", "GTC, GTD, FOK or FAK")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" || *price <= 0 || *price >= 1 || *size <= 0 {
		return errors.New("test-order: -token, -price in (0,1) and -size > 0 are required")
	}

	o := domain.Order{
		TokenID:   *token,
		Side:      domain.OrderSide(strings.ToUpper(*side)),
		Type:      domain.OrderType(strings.ToUpper(*orderType)),
		Price:     *price,
		Size:      *size,
		Status:    domain.OrderStatusPending,
		CreatedAt: time.Now(),
	}
	if o.Side != domain.OrderSideBuy && o.Side != domain.OrderSideSell {
		return fmt.Errorf("test-order: unknown side %q", *side)
	}
	if !o.Type.Valid() {
		return fmt.Errorf("test-order: unknown order type %q", *orderType)
	}
	if o.Type == domain.OrderTypeGTD {
		o.Expiration = time.Now().Add(time.Duration(a.cfg.Trading.GTDExpirationSecs) * time.Second)
	}

	if err := deps.Clob.EnsureCredentials(ctx); err != nil {
		return fmt.Errorf("test-order: %w", err)
	}
	res, err := deps.Clob.PlaceOrder(ctx, o)
	if err != nil {
		return fmt.Errorf("test-order: %w", err)
	}
	fmt.Fprintf(a.out, "order %s status=%s filled=%.2f %s\n", res.OrderID, res.Status, res.FilledSize, res.Message)
	return nil
}

// PriceMode prints the best bid and ask of one token.
func (a *App) PriceMode(ctx context.Context, deps *Dependencies, args []string) error {
	fs := flag.NewFlagSet("price", flag.ContinueOnError)
	token := fs.String("token", "", "token id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *token == "" {
		return errors.New("price: -token is required")
	}

	book, err := deps.Clob.GetBook(ctx, *token)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	fmt.Fprintln(a.out, formatTop(book))
	return nil
}

func formatTop(book domain.OrderBook) string {
	level := func(l domain.PriceLevel, ok bool) string {
		if !ok {
			return "-"
		}
		return fmt.Sprintf("%.3f x %.2f", l.Price, l.Size)
	}
	bid, bok := book.BestBid()
	ask, aok := book.BestAsk()
	return fmt.Sprintf("%s  bid %s  ask %s", book.TokenID, level(bid, bok), level(ask, aok))
}

// TestTradeMode discovers the current window market of one symbol and runs
// a single paired execution at the current asks, whatever the edge.
func (a *App) TestTradeMode(ctx context.Context, deps *Dependencies, args []string) error {
	fs := flag.NewFlagSet("test-trade", flag.ContinueOnError)
	symbol := fs.String("symbol", "btc", "crypto symbol")
	size := fs.Float64("size", 5, "shares per leg")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size <= 0 {
		return errors.New("test-trade: -size must be positive")
	}

	now := time.Now()
	m, err := deps.Gamma.DiscoverUpDown(ctx, strings.ToLower(*symbol), domain.WindowBucket(now))
	if err != nil {
		return fmt.Errorf("test-trade: discover %s: %w", *symbol, err)
	}

	var yesBook, noBook domain.OrderBook
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		yesBook, err = deps.Clob.GetBook(gctx, m.YesTokenID)
		return err
	})
	g.Go(func() (err error) {
		noBook, err = deps.Clob.GetBook(gctx, m.NoTokenID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("test-trade: books: %w", err)
	}
	yesAsk, yok := yesBook.BestAsk()
	noAsk, nok := noBook.BestAsk()
	if !yok || !nok {
		return fmt.Errorf("test-trade: %s: %w", m.Slug, domain.ErrInsufficientLiquidity)
	}
	fmt.Fprintf(a.out, "%s  yes %s  no %s\n", m.Slug, formatTop(yesBook), formatTop(noBook))

	if err := deps.Clob.EnsureCredentials(ctx); err != nil {
		return fmt.Errorf("test-trade: %w", err)
	}
	ledger := risk.NewLedger(a.cfg.Risk.MaxExposure, a.cfg.Risk.ImbalanceThreshold, a.logger)
	exec, err := a.newExecutor(deps, ledger)
	if err != nil {
		return err
	}
	pair, err := exec.Execute(ctx, domain.ArbitrageSignal{
		Market:    m,
		YesAsk:    yesAsk.Price,
		NoAsk:     noAsk.Price,
		Edge:      1 - yesAsk.Price - noAsk.Price,
		Size:      *size,
		CreatedAt: now,
	})
	if err != nil {
		return fmt.Errorf("test-trade: %w", err)
	}
	fmt.Fprintf(a.out, "pair %s %s  yes %s %.2f/%.2f  no %s %.2f/%.2f\n",
		pair.CorrelationID, pair.Status,
		pair.Yes.Status, pair.Yes.FilledSize, pair.Yes.Size,
		pair.No.Status, pair.No.FilledSize, pair.No.Size,
	)
	return nil
}
