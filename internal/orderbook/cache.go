// Package orderbook keeps the live best-ask view of every active market.
//
// Each market has a single writer lock and an atomically swapped snapshot.
// Writers apply sequenced updates under the lock and publish a fresh
// immutable domain.BookSnapshot; readers load the pointer without locking,
// so they always see one consistent (yes, no, seq) tuple and never observe
// a sequence lower than one they saw before.
package orderbook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// UpdateHandler is notified after every snapshot swap. It runs on the
// writer's goroutine and must not block.
type UpdateHandler func(market domain.Market, snap domain.BookSnapshot)

type book struct {
	market domain.Market // immutable apart from State
	state  atomic.Int32

	mu   sync.Mutex // single writer
	snap atomic.Pointer[domain.BookSnapshot]
}

func (b *book) current() domain.Market {
	m := b.market
	m.State = domain.MarketState(b.state.Load())
	return m
}

type route struct {
	marketID string
	outcome  domain.Outcome
}

// Cache is the in-memory order book cache keyed by market id.
type Cache struct {
	seq    *Sequencer
	logger *slog.Logger

	mu     sync.RWMutex
	books  map[string]*book
	tokens map[string]route

	handlerMu sync.RWMutex
	handlers  []UpdateHandler
}

// New creates an empty cache.
func New(logger *slog.Logger) *Cache {
	return &Cache{
		seq:    NewSequencer(),
		logger: logger.With(slog.String("component", "orderbook")),
		books:  make(map[string]*book),
		tokens: make(map[string]route),
	}
}

// Sequencer returns the cache's sequence source, shared with the feed so
// resync snapshots and streamed updates are ordered on one axis.
func (c *Cache) Sequencer() *Sequencer {
	return c.seq
}

// OnUpdate registers a handler for snapshot swaps.
func (c *Cache) OnUpdate(h UpdateHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Track starts caching a market. New markets are stale until their first
// resync. Tracking an already tracked market is a no-op.
func (c *Cache) Track(m domain.Market) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.books[m.ID]; ok {
		return false
	}
	b := &book{market: m}
	b.state.Store(int32(m.State))
	b.snap.Store(&domain.BookSnapshot{MarketID: m.ID, Stale: true})
	c.books[m.ID] = b
	c.tokens[m.YesTokenID] = route{marketID: m.ID, outcome: domain.OutcomeYes}
	c.tokens[m.NoTokenID] = route{marketID: m.ID, outcome: domain.OutcomeNo}
	return true
}

// Untrack drops a market and its token routes.
func (c *Cache) Untrack(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[marketID]
	if !ok {
		return
	}
	delete(c.tokens, b.market.YesTokenID)
	delete(c.tokens, b.market.NoTokenID)
	delete(c.books, marketID)
	c.seq.Forget(b.market.YesTokenID, b.market.NoTokenID)
}

// Route maps a token id to its tracked market and outcome.
func (c *Cache) Route(tokenID string) (string, domain.Outcome, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.tokens[tokenID]
	return r.marketID, r.outcome, ok
}

// Market returns the tracked market with the given id.
func (c *Cache) Market(marketID string) (domain.Market, bool) {
	b := c.get(marketID)
	if b == nil {
		return domain.Market{}, false
	}
	return b.current(), true
}

// SetState advances the lifecycle state of a tracked market. A market never
// moves back to an earlier state.
func (c *Cache) SetState(marketID string, s domain.MarketState) bool {
	b := c.get(marketID)
	if b == nil {
		return false
	}
	for {
		cur := b.state.Load()
		next := int32(domain.MarketState(cur).Advance(s))
		if next == cur {
			return false
		}
		if b.state.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Markets returns every tracked market ordered by window end.
func (c *Cache) Markets() []domain.Market {
	c.mu.RLock()
	out := make([]domain.Market, 0, len(c.books))
	for _, b := range c.books {
		out = append(out, b.current())
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowEnd.Equal(out[j].WindowEnd) {
			return out[i].ID < out[j].ID
		}
		return out[i].WindowEnd.Before(out[j].WindowEnd)
	})
	return out
}

// AssetIDs returns the token ids of every tracked market.
func (c *Cache) AssetIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.tokens))
	for id := range c.tokens {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the latest snapshot of a market.
func (c *Cache) Snapshot(marketID string) (domain.BookSnapshot, bool) {
	b := c.get(marketID)
	if b == nil {
		return domain.BookSnapshot{}, false
	}
	return *b.snap.Load(), true
}

// Apply applies one sequenced best-ask update. Updates whose sequence does
// not advance the stored sequence of their side are discarded.
func (c *Cache) Apply(u domain.BookUpdate) bool {
	b := c.get(u.MarketID)
	if b == nil {
		return false
	}

	b.mu.Lock()
	cur := b.snap.Load()
	side := cur.Side(u.Outcome)
	if u.Seq <= side.Seq {
		b.mu.Unlock()
		c.logger.Debug("discarding out-of-order update",
			slog.String("market", u.MarketID),
			slog.String("outcome", string(u.Outcome)),
			slog.Uint64("seq", u.Seq),
			slog.Uint64("stored_seq", side.Seq),
		)
		return false
	}
	next := *cur
	setSide(&next, u.Outcome, domain.BookSide{Ask: u.Ask, Size: u.Size, Seq: u.Seq, UpdatedAt: u.At})
	b.snap.Store(&next)
	b.mu.Unlock()

	c.notify(b.current(), next)
	return true
}

// MarkStale flags a market as untradable until its next resync.
func (c *Cache) MarkStale(marketID string) {
	b := c.get(marketID)
	if b == nil {
		return
	}
	b.mu.Lock()
	cur := b.snap.Load()
	if !cur.Stale {
		next := *cur
		next.Stale = true
		b.snap.Store(&next)
	}
	b.mu.Unlock()
}

// MarkAllStale flags every tracked market, typically after a feed disconnect.
func (c *Cache) MarkAllStale() {
	for _, m := range c.Markets() {
		c.MarkStale(m.ID)
	}
}

// Resync fetches fresh books for both outcomes and clears the stale flag.
// A side that received a newer streamed update than the fetched book keeps
// the streamed quote.
func (c *Cache) Resync(ctx context.Context, fetcher domain.BookFetcher, marketID string) error {
	b := c.get(marketID)
	if b == nil {
		return fmt.Errorf("orderbook: resync %s: %w", marketID, domain.ErrNotFound)
	}

	var yesBook, noBook domain.OrderBook
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		yesBook, err = fetcher.GetBook(gctx, b.market.YesTokenID)
		return err
	})
	g.Go(func() error {
		var err error
		noBook, err = fetcher.GetBook(gctx, b.market.NoTokenID)
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("orderbook: resync %s: %w", marketID, err)
	}

	now := time.Now()
	b.mu.Lock()
	next := *b.snap.Load()
	for _, fetched := range []struct {
		outcome domain.Outcome
		token   string
		book    domain.OrderBook
	}{{domain.OutcomeYes, b.market.YesTokenID, yesBook}, {domain.OutcomeNo, b.market.NoTokenID, noBook}} {
		stored := next.Side(fetched.outcome)
		at := fetched.book.Timestamp
		if at.IsZero() {
			at = now
		}
		if stored.Seq > 0 && stored.UpdatedAt.After(at) {
			continue
		}
		side := domain.BookSide{Seq: c.seq.Next(fetched.token, at), UpdatedAt: at}
		if best, ok := fetched.book.BestAsk(); ok {
			side.Ask, side.Size = best.Price, best.Size
		}
		if side.Seq <= stored.Seq {
			side.Seq = stored.Seq + 1
		}
		setSide(&next, fetched.outcome, side)
	}
	next.Stale = false
	b.snap.Store(&next)
	b.mu.Unlock()

	c.logger.Debug("resynced market",
		slog.String("market", marketID),
		slog.Float64("yes_ask", next.Yes.Ask),
		slog.Float64("no_ask", next.No.Ask),
		slog.Uint64("seq", next.Seq),
	)
	c.notify(b.current(), next)
	return nil
}

func (c *Cache) get(marketID string) *book {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.books[marketID]
}

func (c *Cache) notify(m domain.Market, snap domain.BookSnapshot) {
	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(m, snap)
	}
}

func setSide(s *domain.BookSnapshot, o domain.Outcome, side domain.BookSide) {
	if o == domain.OutcomeNo {
		s.No = side
	} else {
		s.Yes = side
	}
	s.Seq = max(s.Yes.Seq, s.No.Seq)
}
