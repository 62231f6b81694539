// Package feed turns the CLOB market channel into sequenced best-ask
// updates for the order book cache and keeps the cache resynchronised
// across disconnects.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownarb/internal/domain"
	"github.com/alanyoungcy/updownarb/internal/orderbook"
	"github.com/alanyoungcy/updownarb/internal/platform/polymarket"
)

const (
	reconnectDelay  = 2 * time.Second
	connectTimeout  = 15 * time.Second
	staleCheckEvery = 5 * time.Second
	resyncParallel  = 4
)

// Conn is one market channel connection. *polymarket.WSClient satisfies it.
type Conn interface {
	OnBook(polymarket.BookHandler)
	OnPriceChange(polymarket.PriceChangeHandler)
	Connect(ctx context.Context) error
	Subscribe(assetIDs []string) error
	Listen(ctx context.Context) error
	Close() error
}

// PolymarketWSFeed feeds the order book cache from the market channel. It
// reconnects on disconnect, marks every market stale while the connection is
// down and resyncs each market from REST books before it becomes tradable
// again.
type PolymarketWSFeed struct {
	cache   *orderbook.Cache
	books   domain.BookFetcher
	dial    func() Conn
	ladders *ladders
	logger  *slog.Logger

	resub          chan struct{}
	reconnectDelay time.Duration

	mu         sync.Mutex
	subscribed map[string]bool
}

// NewPolymarketWSFeed creates a feed for the market channel at wsURL.
func NewPolymarketWSFeed(wsURL string, cache *orderbook.Cache, books domain.BookFetcher, logger *slog.Logger) *PolymarketWSFeed {
	return newFeed(func() Conn { return polymarket.NewWSClient(wsURL) }, cache, books, logger)
}

func newFeed(dial func() Conn, cache *orderbook.Cache, books domain.BookFetcher, logger *slog.Logger) *PolymarketWSFeed {
	return &PolymarketWSFeed{
		cache:      cache,
		books:      books,
		dial:       dial,
		ladders:    newLadders(),
		logger:     logger.With(slog.String("component", "polymarket_ws_feed")),
		resub:      make(chan struct{}, 1),
		subscribed: make(map[string]bool),

		reconnectDelay: reconnectDelay,
	}
}

// Watch starts tracking a market and asks the running connection to
// subscribe to its tokens.
func (f *PolymarketWSFeed) Watch(m domain.Market) {
	if !f.cache.Track(m) {
		return
	}
	select {
	case f.resub <- struct{}{}:
	default:
	}
}

// Unwatch stops tracking a market. Events still delivered for its tokens
// are ignored.
func (f *PolymarketWSFeed) Unwatch(marketID string) {
	m, ok := f.cache.Market(marketID)
	if !ok {
		return
	}
	f.cache.Untrack(marketID)
	f.ladders.drop(m.YesTokenID, m.NoTokenID)
}

// Run connects and streams until ctx is cancelled, reconnecting after
// reconnectDelay whenever the connection drops.
func (f *PolymarketWSFeed) Run(ctx context.Context) error {
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.onDisconnect()
		f.logger.Warn("polymarket ws disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.String("error_class", domain.Classify(err)),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *PolymarketWSFeed) runConnection(ctx context.Context) error {
	client := f.dial()
	defer client.Close()

	client.OnBook(f.handleBook)
	client.OnPriceChange(f.handlePriceChange)

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := client.Connect(connCtx)
	cancel()
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.subscribed = make(map[string]bool)
	f.mu.Unlock()
	if err := f.subscribeNew(client); err != nil {
		return err
	}

	listenErr := make(chan error, 1)
	go func() { listenErr <- client.Listen(ctx) }()

	f.resyncStale(ctx)
	ticker := time.NewTicker(staleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-listenErr:
			return err
		case <-f.resub:
			if err := f.subscribeNew(client); err != nil {
				return err
			}
			f.resyncStale(ctx)
		case <-ticker.C:
			f.resyncStale(ctx)
		}
	}
}

// subscribeNew subscribes to tracked tokens not yet subscribed on this
// connection.
func (f *PolymarketWSFeed) subscribeNew(client Conn) error {
	f.mu.Lock()
	var fresh []string
	for _, id := range f.cache.AssetIDs() {
		if !f.subscribed[id] {
			fresh = append(fresh, id)
		}
	}
	f.mu.Unlock()
	if len(fresh) == 0 {
		return nil
	}
	if err := client.Subscribe(fresh); err != nil {
		return err
	}
	f.mu.Lock()
	for _, id := range fresh {
		f.subscribed[id] = true
	}
	f.mu.Unlock()
	f.logger.Info("polymarket ws subscribed", slog.Int("assets", len(fresh)))
	return nil
}

// resyncStale fetches REST books for every stale market. Failures leave the
// market stale for the next attempt.
func (f *PolymarketWSFeed) resyncStale(ctx context.Context) {
	var g errgroup.Group
	g.SetLimit(resyncParallel)
	for _, m := range f.cache.Markets() {
		m := m
		snap, ok := f.cache.Snapshot(m.ID)
		if !ok || !snap.Stale {
			continue
		}
		g.Go(func() error {
			if err := f.cache.Resync(ctx, f.books, m.ID); err != nil {
				f.logger.Warn("resync failed",
					slog.String("market", m.ID),
					slog.String("error", err.Error()),
					slog.String("error_class", domain.Classify(err)),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (f *PolymarketWSFeed) onDisconnect() {
	f.cache.MarkAllStale()
	f.ladders.reset()
}

func (f *PolymarketWSFeed) handleBook(ev polymarket.BookEvent) {
	if _, _, ok := f.cache.Route(ev.AssetID); !ok {
		return
	}
	at := eventTime(ev.Timestamp)
	best, changed := f.ladders.replace(ev.AssetID, ev.Asks, at)
	if changed {
		f.emit(ev.AssetID, best, at)
	}
}

func (f *PolymarketWSFeed) handlePriceChange(ev polymarket.PriceChangeEvent) {
	if ev.Side != domain.OrderSideSell {
		return // bid side
	}
	if _, _, ok := f.cache.Route(ev.AssetID); !ok {
		return
	}
	at := eventTime(ev.Timestamp)
	best, changed := f.ladders.set(ev.AssetID, ev.Price, ev.Size, at)
	if changed {
		f.emit(ev.AssetID, best, at)
	}
}

func (f *PolymarketWSFeed) emit(tokenID string, best domain.PriceLevel, at time.Time) {
	marketID, outcome, ok := f.cache.Route(tokenID)
	if !ok {
		return
	}
	f.cache.Apply(domain.BookUpdate{
		MarketID: marketID,
		Outcome:  outcome,
		Ask:      best.Price,
		Size:     best.Size,
		Seq:      f.cache.Sequencer().Next(tokenID, at),
		At:       at,
	})
}

// eventTime falls back to the receive time for events without a venue
// timestamp.
func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
