package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WindowSeconds is the length of one up/down market window.
const WindowSeconds = 300

// MarketState is the lifecycle state of a window market. Transitions only move forward.
type MarketState int

const (
	MarketDiscovered MarketState = iota
	MarketActive
	MarketExpiring
	MarketClosed
)

func (s MarketState) String() string {
	switch s {
	case MarketDiscovered:
		return "discovered"
	case MarketActive:
		return "active"
	case MarketExpiring:
		return "expiring"
	case MarketClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Advance returns the later of s and next; a market never moves backwards.
func (s MarketState) Advance(next MarketState) MarketState {
	if next > s {
		return next
	}
	return s
}

// Market is one 5-minute up/down market instance.
type Market struct {
	ID          string // condition id
	Symbol      string
	Slug        string
	Question    string
	WindowStart time.Time
	WindowEnd   time.Time
	YesTokenID  string
	NoTokenID   string
	NegRisk     bool
	State       MarketState
}

// TokenID returns the token identifier of the given outcome.
func (m Market) TokenID(o Outcome) string {
	if o == OutcomeNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// OutcomeOf maps a token identifier back to its outcome.
func (m Market) OutcomeOf(tokenID string) (Outcome, bool) {
	switch tokenID {
	case m.YesTokenID:
		return OutcomeYes, true
	case m.NoTokenID:
		return OutcomeNo, true
	}
	return "", false
}

// WithinCutoff reports whether now is within d of the window end.
func (m Market) WithinCutoff(now time.Time, d time.Duration) bool {
	if d <= 0 {
		return false
	}
	return !now.Before(m.WindowEnd.Add(-d))
}

// WindowBucket returns the start of the 5-minute window containing t, in unix seconds.
func WindowBucket(t time.Time) int64 {
	sec := t.Unix()
	return sec - sec%WindowSeconds
}

const upDownInfix = "-updown-5m-"

// UpDownSlug derives the discovery slug of a symbol's market for a window bucket.
func UpDownSlug(symbol string, bucket int64) string {
	return fmt.Sprintf("%s%s%d", strings.ToLower(symbol), upDownInfix, bucket)
}

// ParseUpDownSlug is the inverse of UpDownSlug.
func ParseUpDownSlug(slug string) (symbol string, bucket int64, ok bool) {
	i := strings.LastIndex(slug, upDownInfix)
	if i <= 0 {
		return "", 0, false
	}
	bucket, err := strconv.ParseInt(slug[i+len(upDownInfix):], 10, 64)
	if err != nil || bucket <= 0 {
		return "", 0, false
	}
	return slug[:i], bucket, true
}
