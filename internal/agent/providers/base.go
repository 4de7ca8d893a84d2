package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/backoff"
)

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	policy     backoff.Policy
}

// NewBaseProvider creates a base provider. maxRetries counts attempts after
// the first; negative values take the default of 3.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	policy := backoff.DefaultPolicy()
	policy.Initial = retryDelay
	return BaseProvider{
		name:       name,
		maxRetries: maxRetries,
		policy:     policy,
	}
}

// Retry executes op, retrying with jittered exponential backoff while
// isRetryable reports true. Delays start at retryDelay and double.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.Sleep(ctx, b.policy.Delay(attempt)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if isRetryable == nil || !isRetryable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// send delivers chunk unless ctx is done first.
func send(ctx context.Context, ch chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}
