// Package ratelimit provides fixed-window request limiting backed by a
// pluggable atomic counter store.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/sqlagent/internal/observability"
)

// ErrStoreUnavailable is returned alongside a degraded decision when the
// counter store errors or does not answer within the store timeout.
var ErrStoreUnavailable = errors.New("ratelimit: counter store unavailable")

// Config configures rate limiting behavior.
type Config struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// Window is the fixed window length.
	Window time.Duration `yaml:"window"`
	// MaxRequests is the number of requests allowed per key and window.
	MaxRequests int `yaml:"max_requests"`
	// FailOpen allows requests when the store is unavailable.
	FailOpen bool `yaml:"fail_open"`
	// StoreTimeout bounds each store round-trip.
	StoreTimeout time.Duration `yaml:"store_timeout"`
}

// DefaultConfig returns the default rate limit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Window:       time.Minute,
		MaxRequests:  30,
		FailOpen:     true,
		StoreTimeout: 250 * time.Millisecond,
	}
}

// Store is an atomic counter with expiry.
type Store interface {
	// Increment adds one to key, creating it with ttl when absent, and
	// returns the post-increment value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current value of key, or 0 when absent.
	Get(ctx context.Context, key string) (int64, error)
}

// Decision is the outcome of a check.
type Decision struct {
	Limited    bool          `json:"limited"`
	Count      int64         `json:"count"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after"`
	Key        Key           `json:"key"`
	Degraded   bool          `json:"degraded,omitempty"`
}

// Limiter checks fixed-window counters.
type Limiter struct {
	store   Store
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger used for degraded-store warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records decisions.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter creates a new rate limiter. Zero durations and counts in config
// take their defaults.
func NewLimiter(store Store, config Config, opts ...Option) *Limiter {
	defaults := DefaultConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.StoreTimeout <= 0 {
		config.StoreTimeout = defaults.StoreTimeout
	}

	l := &Limiter{
		store:  store,
		config: config,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.config
}

// Allow checks key against the configured window and maximum. A disabled
// limiter always allows.
func (l *Limiter) Allow(ctx context.Context, key Key) (Decision, error) {
	if !l.config.Enabled {
		return Decision{Key: key, Remaining: l.config.MaxRequests}, nil
	}
	return l.Check(ctx, key, l.config.Window, l.config.MaxRequests)
}

// Check increments the counter for key in the current window and reports
// whether the post-increment count exceeds max.
//
// When the store fails, the returned error wraps ErrStoreUnavailable and the
// decision is marked Degraded. Under FailOpen the decision allows the
// request, so callers must look at Decision.Limited before treating the
// error as fatal.
func (l *Limiter) Check(ctx context.Context, key Key, window time.Duration, max int) (Decision, error) {
	if window <= 0 {
		window = l.config.Window
	}
	if max <= 0 {
		max = l.config.MaxRequests
	}

	now := l.now()
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	bucket := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((bucket + 1) * windowMs)

	decision := Decision{
		Key:        key,
		ResetAt:    resetAt,
		RetryAfter: retryAfter(resetAt.Sub(now)),
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.config.StoreTimeout)
	defer cancel()

	count, err := l.store.Increment(storeCtx, storeKey(key, bucket), window)
	if err != nil {
		decision.Degraded = true
		decision.Limited = !l.config.FailOpen
		if !decision.Limited {
			decision.Remaining = max
		}
		l.logger.WarnContext(ctx, "rate limiter degraded",
			"key", string(key),
			"fail_open", l.config.FailOpen,
			"error", err,
		)
		l.metrics.RecordRateLimit("degraded")
		return decision, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	decision.Count = count
	decision.Limited = count > int64(max)
	if remaining := int64(max) - count; remaining > 0 {
		decision.Remaining = int(remaining)
	}

	if decision.Limited {
		l.metrics.RecordRateLimit("limited")
	} else {
		l.metrics.RecordRateLimit("allowed")
	}
	return decision, nil
}

func storeKey(key Key, bucket int64) string {
	return fmt.Sprintf("rl:%s:%d", key, bucket)
}

// retryAfter rounds d up to whole seconds with a one second floor.
func retryAfter(d time.Duration) time.Duration {
	if d <= time.Second {
		return time.Second
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
