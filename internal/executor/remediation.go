package executor

import (
	"context"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Remediator is invoked after a pair closes with unequal leg fills. An
// implementation may hedge or unwind the excess leg.
type Remediator interface {
	Remediate(ctx context.Context, pair domain.TradePair) error
}

// NoopRemediator leaves the imbalance in place for the position balancer and
// the operator.
type NoopRemediator struct{}

func (NoopRemediator) Remediate(context.Context, domain.TradePair) error { return nil }
