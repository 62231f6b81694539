// Package scheduler keeps one market per configured symbol tracked for the
// current 5-minute window, discovers the next window shortly before the
// current one ends and retires markets once their window has closed.
package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Sink receives market lifecycle events. Calls are made from the scheduler
// goroutine and must not block for long.
type Sink interface {
	// Activate starts tracking a newly discovered market.
	Activate(m domain.Market)
	// Advance reports a forward state transition of a tracked market.
	Advance(m domain.Market)
	// Retire stops tracking a market whose window has closed.
	Retire(m domain.Market)
}

// Config controls window discovery.
type Config struct {
	Symbols          []string
	RefreshAdvance   time.Duration
	StopBeforeEnd    time.Duration
	RetryInterval    time.Duration
	RetryWindow      time.Duration
	TickInterval     time.Duration
	DiscoveryTimeout time.Duration
}

type slot struct {
	symbol string
	bucket int64
}

type attempt struct {
	first  time.Time
	next   time.Time
	tries  int
	gaveUp bool
}

type tracked struct {
	market    domain.Market
	activated bool
}

type event struct {
	kind   int
	market domain.Market
}

const (
	eventActivate = iota
	eventAdvance
	eventRetire
)

// Scheduler drives market discovery and lifecycle transitions.
type Scheduler struct {
	cfg    Config
	disc   domain.Discoverer
	sink   Sink
	logger *slog.Logger
	now    func() time.Time

	dispatchMu sync.Mutex // orders transition+dispatch pairs

	mu       sync.Mutex
	markets  map[slot]*tracked
	attempts map[slot]*attempt
}

// New creates a Scheduler.
func New(cfg Config, disc domain.Discoverer, sink Sink, logger *slog.Logger) *Scheduler {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.RetryWindow <= 0 {
		cfg.RetryWindow = 90 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = 10 * time.Second
	}
	return &Scheduler{
		cfg:      cfg,
		disc:     disc,
		sink:     sink,
		logger:   logger.With(slog.String("component", "scheduler")),
		now:      time.Now,
		markets:  make(map[slot]*tracked),
		attempts: make(map[slot]*attempt),
	}
}

// Run drives lifecycle transitions and discovery on separate loops until ctx
// is cancelled, so a slow discovery call never holds back a retirement.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.loop(gctx, func() { s.lifecycle(s.now()) })
	})
	g.Go(func() error {
		return s.loop(gctx, func() { s.discoverDue(gctx, s.now()) })
	})
	err := g.Wait()
	s.logger.Info("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, step func()) error {
	step()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			step()
		}
	}
}

// Tick performs one scheduling step at now: lifecycle transitions first,
// then discovery of every due window. Discovery for different symbols runs
// concurrently and a failing symbol never delays another.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.lifecycle(now)
	s.discoverDue(ctx, now)
}

func (s *Scheduler) lifecycle(now time.Time) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	s.dispatch(s.transition(now))
}

func (s *Scheduler) discoverDue(ctx context.Context, now time.Time) {
	due := s.due(now)
	if len(due) == 0 {
		return
	}
	var g errgroup.Group
	for _, sl := range due {
		sl := sl
		g.Go(func() error {
			s.discover(ctx, sl, now)
			return nil
		})
	}
	_ = g.Wait()

	s.lifecycle(now)
}

// Markets returns the tracked markets ordered by window end.
func (s *Scheduler) Markets() []domain.Market {
	s.mu.Lock()
	out := make([]domain.Market, 0, len(s.markets))
	for _, t := range s.markets {
		out = append(out, t.market)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].WindowEnd.Equal(out[j].WindowEnd) {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].WindowEnd.Before(out[j].WindowEnd)
	})
	return out
}

// targets returns the window buckets that should be covered at now: the
// current one and, within RefreshAdvance of its end, the next one.
func (s *Scheduler) targets(now time.Time) []int64 {
	cur := domain.WindowBucket(now)
	out := []int64{cur}
	end := time.Unix(cur+domain.WindowSeconds, 0)
	if s.cfg.RefreshAdvance > 0 && !now.Before(end.Add(-s.cfg.RefreshAdvance)) {
		out = append(out, cur+domain.WindowSeconds)
	}
	return out
}

func (s *Scheduler) due(now time.Time) []slot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := domain.WindowBucket(now)
	for sl := range s.attempts {
		if sl.bucket < cur {
			delete(s.attempts, sl)
		}
	}

	var out []slot
	for _, bucket := range s.targets(now) {
		for _, sym := range s.cfg.Symbols {
			sl := slot{symbol: sym, bucket: bucket}
			if _, ok := s.markets[sl]; ok {
				continue
			}
			a := s.attempts[sl]
			switch {
			case a == nil:
				s.attempts[sl] = &attempt{first: now, next: now}
			case a.gaveUp, now.Before(a.next):
				continue
			case now.Sub(a.first) > s.cfg.RetryWindow:
				a.gaveUp = true
				s.logger.Warn("giving up on window discovery until next window",
					slog.String("symbol", sym),
					slog.String("slug", domain.UpDownSlug(sym, bucket)),
					slog.Int("attempts", a.tries),
				)
				continue
			}
			out = append(out, sl)
		}
	}
	return out
}

func (s *Scheduler) discover(ctx context.Context, sl slot, now time.Time) {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DiscoveryTimeout)
	defer cancel()

	m, err := s.disc.DiscoverUpDown(dctx, sl.symbol, sl.bucket)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		a := s.attempts[sl]
		if a != nil {
			a.tries++
			a.next = now.Add(s.cfg.RetryInterval)
		}
		s.logger.Warn("market discovery failed",
			slog.String("symbol", sl.symbol),
			slog.String("slug", domain.UpDownSlug(sl.symbol, sl.bucket)),
			slog.String("error", err.Error()),
			slog.String("error_class", domain.Classify(err)),
		)
		return
	}
	delete(s.attempts, sl)
	if m.Symbol == "" {
		m.Symbol = sl.symbol
	}
	m.State = domain.MarketDiscovered
	// Activation is dispatched by the following transition pass.
	s.markets[sl] = &tracked{market: m}
	s.logger.Info("market discovered",
		slog.String("symbol", sl.symbol),
		slog.String("market", m.ID),
		slog.String("slug", m.Slug),
		slog.Time("window_end", m.WindowEnd),
	)
}

// StateAt returns the lifecycle state of m at now.
func StateAt(m domain.Market, now time.Time, stopBeforeEnd time.Duration) domain.MarketState {
	switch {
	case !now.Before(m.WindowEnd):
		return domain.MarketClosed
	case now.Before(m.WindowStart):
		return domain.MarketDiscovered
	case m.WithinCutoff(now, stopBeforeEnd):
		return domain.MarketExpiring
	default:
		return domain.MarketActive
	}
}

func (s *Scheduler) transition(now time.Time) []event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []event
	for sl, t := range s.markets {
		next := t.market.State.Advance(StateAt(t.market, now, s.cfg.StopBeforeEnd))
		changed := next != t.market.State
		t.market.State = next
		switch {
		case next == domain.MarketClosed:
			delete(s.markets, sl)
			if t.activated {
				events = append(events, event{kind: eventRetire, market: t.market})
			}
		case !t.activated:
			t.activated = true
			events = append(events, event{kind: eventActivate, market: t.market})
		case changed:
			events = append(events, event{kind: eventAdvance, market: t.market})
		}
	}
	sort.Slice(events, func(i, j int) bool {
		a, b := events[i].market, events[j].market
		if !a.WindowEnd.Equal(b.WindowEnd) {
			return a.WindowEnd.Before(b.WindowEnd)
		}
		return a.Symbol < b.Symbol
	})
	return events
}

func (s *Scheduler) dispatch(events []event) {
	for _, ev := range events {
		log := s.logger.With(
			slog.String("market", ev.market.ID),
			slog.String("slug", ev.market.Slug),
			slog.String("state", ev.market.State.String()),
		)
		switch ev.kind {
		case eventActivate:
			log.Info("tracking market")
			s.sink.Activate(ev.market)
		case eventAdvance:
			log.Info("market state changed")
			s.sink.Advance(ev.market)
		case eventRetire:
			log.Info("retiring market")
			s.sink.Retire(ev.market)
		}
	}
}
