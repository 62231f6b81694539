package domain

import "context"

// Alert events forwarded to operators.
const (
	EventPairPartial     = "pair_partial"
	EventAuthFailure     = "auth_failure"
	EventLedgerViolation = "ledger_violation"
	EventMergeConfirmed  = "merge_confirmed"
	EventWindDown        = "wind_down"
)

// Alerter delivers an operator notification for an event.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}
