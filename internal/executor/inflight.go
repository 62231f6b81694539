package executor

import (
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Registry admits at most one execution per market and bounds the number of
// executions running at once. A signal that cannot be admitted is dropped by
// the caller, never queued. It is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	active  map[string]time.Time // marketID -> admitted at
	ceiling int
}

// NewRegistry creates a Registry. A ceiling below one admits a single
// execution at a time.
func NewRegistry(ceiling int) *Registry {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Registry{
		active:  make(map[string]time.Time),
		ceiling: ceiling,
	}
}

// TryAcquire marks marketID as in flight. The returned release func may be
// called more than once. ErrExecutionBusy is returned when the market already
// has an execution or the ceiling is reached.
func (r *Registry) TryAcquire(marketID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[marketID]; ok {
		return nil, fmt.Errorf("executor: market %s: %w", marketID, domain.ErrExecutionBusy)
	}
	if len(r.active) >= r.ceiling {
		return nil, fmt.Errorf("executor: %d executions running: %w", len(r.active), domain.ErrExecutionBusy)
	}
	r.active[marketID] = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, marketID)
			r.mu.Unlock()
		})
	}, nil
}

// InFlight reports whether marketID has an execution running.
func (r *Registry) InFlight(marketID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[marketID]
	return ok
}

// Len returns the number of executions running.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
