package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// watch follows an acknowledged leg until it reaches a terminal state or its
// watch deadline passes. FOK legs are terminal on acknowledgement, FAK legs
// are read back once, resting legs are polled.
func (e *Executor) watch(ctx context.Context, o domain.Order) (domain.Order, error) {
	if o.Status.Terminal() {
		return o, nil
	}

	switch o.Type {
	case domain.OrderTypeFOK:
		// A fill-or-kill that was not matched on acknowledgement was killed.
		o.Status = o.Status.Advance(domain.OrderStatusCancelled)
		return o, nil
	case domain.OrderTypeFAK:
		got, err := e.venue.GetOrder(ctx, o.ID)
		if err != nil {
			if domain.IsFatal(err) || ctx.Err() != nil {
				return o, err
			}
			e.logger.WarnContext(ctx, "fak read-back failed, using acknowledged fill",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
				slog.String("error_class", domain.Classify(err)),
			)
		} else {
			o = merge(o, got)
		}
		o.Status = o.Status.Advance(domain.OrderStatusCancelled)
		return o, nil
	}

	deadline := e.deadline(o)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return o, ctx.Err()
		case <-ticker.C:
		}

		got, err := e.venue.GetOrder(ctx, o.ID)
		switch {
		case err == nil:
			o = merge(o, got)
		case domain.IsFatal(err):
			return o, err
		case ctx.Err() != nil:
			return o, ctx.Err()
		case errors.Is(err, domain.ErrNotFound):
			e.logger.DebugContext(ctx, "order not visible yet", slog.String("order_id", o.ID))
		default:
			e.logger.WarnContext(ctx, "order poll failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()),
				slog.String("error_class", domain.Classify(err)),
			)
		}
		if o.Status.Terminal() {
			return o, nil
		}

		if !e.now().Before(deadline) {
			if o.Type == domain.OrderTypeGTD {
				o.Status = o.Status.Advance(domain.OrderStatusExpired)
				return o, nil
			}
			// The GTC leg keeps resting; settle treats its remainder as exposure.
			e.logger.WarnContext(ctx, "order still resting after watch timeout",
				slog.String("order_id", o.ID),
				slog.Float64("filled", o.FilledSize),
				slog.Float64("remaining", o.Remaining()),
			)
			return o, nil
		}
	}
}

func (e *Executor) deadline(o domain.Order) time.Time {
	if o.Type == domain.OrderTypeGTD && !o.Expiration.IsZero() {
		return o.Expiration.Add(e.cfg.ExpiryGrace)
	}
	return e.now().Add(e.cfg.WatchTimeout)
}

// merge folds a venue read-back into the tracked leg. Fills never decrease
// and status only moves forward.
func merge(o, got domain.Order) domain.Order {
	if got.FilledSize > o.FilledSize {
		o.FilledSize = got.FilledSize
	}
	if o.FilledSize > o.Size {
		o.FilledSize = o.Size
	}
	o.Status = o.Status.Advance(got.Status)
	if o.Status == domain.OrderStatusFilled && o.FilledSize == 0 {
		o.FilledSize = o.Size
	}
	o.UpdatedAt = time.Now()
	return o
}

// exposure returns the shares of o that count against the ledger: the fill
// of a terminal leg, the full size of a leg still resting on the book.
func exposure(o domain.Order) float64 {
	if o.ID != "" && !o.Status.Terminal() {
		return o.Size
	}
	return o.FilledSize
}

func legError(o domain.Outcome, err error) error {
	return fmt.Errorf("executor: %s leg: %w", o, err)
}
