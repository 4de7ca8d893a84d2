// Package usage enforces periodic quotas on expensive operations. It does
// quota arithmetic only: callers pass the tier-appropriate ceiling in.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/sqlagent/internal/observability"
)

// PeriodTTL keeps a monthly counter alive slightly past the end of its month.
const PeriodTTL = 35 * 24 * time.Hour

const defaultStoreTimeout = 250 * time.Millisecond

// Counter is the persistence the limiter needs. The rate limiter stores and
// storage.UsageStore satisfy it.
type Counter interface {
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (int64, error)
}

// Status is the result of a quota check.
type Status struct {
	Allowed      bool      `json:"allowed"`
	Remaining    int       `json:"remaining"`
	Limit        int       `json:"limit"`
	CurrentUsage int64     `json:"current_usage"`
	Unlimited    bool      `json:"unlimited,omitempty"`
	Degraded     bool      `json:"degraded,omitempty"`
	ResetAt      time.Time `json:"reset_at"`
}

// Limiter tracks one operation class, e.g. "query".
type Limiter struct {
	counter      Counter
	operation    string
	storeTimeout time.Duration
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records check outcomes.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithStoreTimeout bounds each counter round-trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.storeTimeout = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter creates a limiter for operation backed by counter.
func NewLimiter(counter Counter, operation string, opts ...Option) *Limiter {
	l := &Limiter{
		counter:      counter,
		operation:    operation,
		storeTimeout: defaultStoreTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Operation returns the operation class the limiter counts.
func (l *Limiter) Operation() string {
	return l.operation
}

// CheckLimit reads the user's usage for the current period and compares it
// with tierLimit. A negative tierLimit means unlimited. A read failure counts
// as zero usage so that quota tracking never blocks the request.
func (l *Limiter) CheckLimit(ctx context.Context, userID string, tierLimit int) Status {
	now := l.now()
	status := Status{Limit: tierLimit, ResetAt: NextPeriod(now)}

	if tierLimit < 0 {
		status.Allowed = true
		status.Unlimited = true
		status.Remaining = -1
		l.metrics.RecordUsageCheck("allowed")
		return status
	}

	readCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	current, err := l.counter.Get(readCtx, l.PeriodKey("user", userID, now))
	if err != nil {
		l.logger.WarnContext(ctx, "usage read failed, allowing request",
			"operation", l.operation,
			"error", err,
		)
		current = 0
		status.Degraded = true
	}

	status.CurrentUsage = current
	status.Allowed = current < int64(tierLimit)
	if remaining := int64(tierLimit) - current; remaining > 0 {
		status.Remaining = int(remaining)
	}

	switch {
	case status.Degraded:
		l.metrics.RecordUsageCheck("degraded")
	case status.Allowed:
		l.metrics.RecordUsageCheck("allowed")
	default:
		l.metrics.RecordUsageCheck("exceeded")
	}
	return status
}

// Increment records one successful operation for userID and, when orgID is
// set, for the organization. It returns the user's new count. Call it only
// after the gated operation completed.
func (l *Limiter) Increment(ctx context.Context, userID, orgID string) (int64, error) {
	now := l.now()

	writeCtx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	defer cancel()

	count, err := l.counter.Increment(writeCtx, l.PeriodKey("user", userID, now), PeriodTTL)
	if err != nil {
		return 0, fmt.Errorf("increment user usage: %w", err)
	}

	if orgID != "" {
		if _, err := l.counter.Increment(writeCtx, l.PeriodKey("org", orgID, now), PeriodTTL); err != nil {
			l.logger.WarnContext(ctx, "org usage increment failed",
				"operation", l.operation,
				"error", err,
			)
		}
	}
	return count, nil
}

// PeriodKey returns the counter key for scope ("user" or "org") and id in
// the month containing t.
func (l *Limiter) PeriodKey(scope, id string, t time.Time) string {
	return fmt.Sprintf("usage:%s:%s:%s:%s", l.operation, scope, id, t.UTC().Format("2006-01"))
}

// NextPeriod returns the start of the month after t, in UTC.
func NextPeriod(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
