package orderbook

import (
	"sync"
	"time"
)

const counterBits = 10

// Sequencer derives per-token sequence numbers from event timestamps: the
// millisecond time in the high bits and a counter in the low bits. Events
// sharing a millisecond advance the counter. An event older than the last
// one seen for its token keeps its own, lower, value so the cache discards
// it.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]uint64
}

// NewSequencer returns an empty sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{last: make(map[string]uint64)}
}

// Next returns the sequence for an event on token observed at t.
func (s *Sequencer) Next(token string, t time.Time) uint64 {
	var base uint64
	if ms := t.UnixMilli(); ms > 0 {
		base = uint64(ms) << counterBits
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.last[token]
	switch {
	case base > last:
	case base>>counterBits == last>>counterBits:
		base = last + 1
	default:
		return base
	}
	s.last[token] = base
	return base
}

// Forget drops the state of the given tokens.
func (s *Sequencer) Forget(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tokens {
		delete(s.last, t)
	}
}
