// Package notify forwards operator alerts (unbalanced pairs, fatal errors,
// merges, wind-downs) to Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Sender delivers one message on one channel.
type Sender interface {
	Send(ctx context.Context, title, message string) error
	Name() string
}

// Notifier fans an event out to every sender. Events not in the allow list
// are dropped, and each event type is throttled independently so a burst of
// partial fills does not flood the channel.
type Notifier struct {
	senders []Sender
	allowed map[string]bool
	every   time.Duration
	burst   int
	logger  *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewNotifier creates a Notifier. An empty events list allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:  senders,
		allowed:  allowed,
		every:    10 * time.Second,
		burst:    5,
		logger:   logger.With(slog.String("component", "notifier")),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Notify implements domain.Alerter.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}
	if len(n.allowed) > 0 && !n.allowed[event] {
		return nil
	}
	if !n.limiter(event).Allow() {
		n.logger.DebugContext(ctx, "alert throttled", slog.String("event", event))
		return nil
	}

	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.WarnContext(ctx, "alert delivery failed",
				slog.String("sender", s.Name()),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify %s: %w", event, err)
	}
	return nil
}

func (n *Notifier) limiter(event string) *rate.Limiter {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.limiters[event]
	if !ok {
		l = rate.NewLimiter(rate.Every(n.every), n.burst)
		n.limiters[event] = l
	}
	return l
}

var _ domain.Alerter = (*Notifier)(nil)
