package domain

import "time"

// Position is the venue's view of holdings in one market.
type Position struct {
	MarketID   string
	YesTokenID string
	NoTokenID  string
	YesSize    float64
	NoSize     float64
	YesCost    float64 // USDC paid for the YES holding
	NoCost     float64
	NegRisk    bool
	WindowEnd  time.Time // zero when the market is not a window market
	Redeemable bool      // the market has resolved
}

// Closed reports whether the position belongs to a resolved market or to a
// window that has ended at now.
func (p Position) Closed(now time.Time) bool {
	return p.Redeemable || (!p.WindowEnd.IsZero() && !now.Before(p.WindowEnd))
}

// CostBasis returns the combined cost of both holdings.
func (p Position) CostBasis() float64 {
	return p.YesCost + p.NoCost
}

// Mergeable returns the amount of matched YES+NO holdings.
func (p Position) Mergeable() float64 {
	return min(p.YesSize, p.NoSize)
}

// MergeStatus tracks a redemption request.
type MergeStatus string

const (
	MergePending   MergeStatus = "pending"
	MergeSubmitted MergeStatus = "submitted"
	MergeConfirmed MergeStatus = "confirmed"
	MergeNoOp      MergeStatus = "noop"
	MergeFailed    MergeStatus = "failed"
)

// MergeJob is one redemption of matched YES+NO holdings back into collateral.
type MergeJob struct {
	MarketID  string
	Amount    float64
	NegRisk   bool
	Status    MergeStatus
	TxHash    string
	Err       error
	CreatedAt time.Time
}
