package feed

import (
	"sync"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// ladders holds the ask side of every subscribed token so incremental
// price_change events can be turned into a best ask. Events older than the
// last one applied to a token are ignored.
type ladders struct {
	mu     sync.Mutex
	asks   map[string]map[float64]float64
	latest map[string]domain.PriceLevel
	seen   map[string]time.Time
}

func newLadders() *ladders {
	return &ladders{
		asks:   make(map[string]map[float64]float64),
		latest: make(map[string]domain.PriceLevel),
		seen:   make(map[string]time.Time),
	}
}

// replace installs a full ask ladder and reports the new best ask and
// whether it differs from the last one reported.
func (l *ladders) replace(tokenID string, levels []domain.PriceLevel, at time.Time) (domain.PriceLevel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.advanceLocked(tokenID, at) {
		return domain.PriceLevel{}, false
	}
	book := make(map[float64]float64, len(levels))
	for _, lv := range levels {
		if lv.Size > 0 {
			book[lv.Price] = lv.Size
		}
	}
	l.asks[tokenID] = book
	return l.bestLocked(tokenID)
}

// set changes one level; size zero removes it.
func (l *ladders) set(tokenID string, price, size float64, at time.Time) (domain.PriceLevel, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.advanceLocked(tokenID, at) {
		return domain.PriceLevel{}, false
	}
	book, ok := l.asks[tokenID]
	if !ok {
		book = make(map[float64]float64)
		l.asks[tokenID] = book
	}
	if size <= 0 {
		delete(book, price)
	} else {
		book[price] = size
	}
	return l.bestLocked(tokenID)
}

func (l *ladders) advanceLocked(tokenID string, at time.Time) bool {
	if at.Before(l.seen[tokenID]) {
		return false
	}
	l.seen[tokenID] = at
	return true
}

func (l *ladders) bestLocked(tokenID string) (domain.PriceLevel, bool) {
	var best domain.PriceLevel
	found := false
	for price, size := range l.asks[tokenID] {
		if !found || price < best.Price {
			best = domain.PriceLevel{Price: price, Size: size}
			found = true
		}
	}
	prev, seen := l.latest[tokenID]
	l.latest[tokenID] = best
	return best, !seen || prev != best
}

func (l *ladders) drop(tokenIDs ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range tokenIDs {
		delete(l.asks, id)
		delete(l.latest, id)
		delete(l.seen, id)
	}
}

func (l *ladders) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.asks = make(map[string]map[float64]float64)
	l.latest = make(map[string]domain.PriceLevel)
	l.seen = make(map[string]time.Time)
}
