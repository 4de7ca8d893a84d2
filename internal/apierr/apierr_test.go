package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("resolve tenant: %w", ErrMissingOrgContext.WithMessage("pick an organization"))

	if !errors.Is(err, ErrMissingOrgContext) {
		t.Fatalf("expected errors.Is to match MissingOrgContext, got %v", err)
	}
	if errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("did not expect Unauthenticated to match")
	}
}

func TestWithBuildersDoNotMutateSentinel(t *testing.T) {
	_ = ErrRateLimited.WithRetryAfter(5*time.Second).WithDetail("window", "1m")

	if ErrRateLimited.RetryAfter != 0 {
		t.Fatalf("sentinel RetryAfter mutated: %v", ErrRateLimited.RetryAfter)
	}
	if ErrRateLimited.Details != nil {
		t.Fatalf("sentinel Details mutated: %v", ErrRateLimited.Details)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "nil", err: nil, want: ""},
		{name: "typed", err: ErrForbidden, want: CodeForbidden},
		{name: "wrapped typed", err: fmt.Errorf("x: %w", Wrap(CodeUpstreamDatabaseError, errors.New("conn reset"))), want: CodeUpstreamDatabaseError},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeTimeout},
		{name: "canceled", err: fmt.Errorf("run: %w", context.Canceled), want: CodeCanceled},
		{name: "unknown", err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeMissingOrgContext, http.StatusForbidden},
		{CodeForbidden, http.StatusForbidden},
		{CodeBadRequest, http.StatusBadRequest},
		{CodeValidationRejected, http.StatusBadRequest},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUsageLimitExceeded, http.StatusTooManyRequests},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeCanceled, StatusClientClosedRequest},
		{CodeUpstreamModelError, http.StatusInternalServerError},
		{CodeInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := HTTPStatus(tt.code); got != tt.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestAsClassifiesPlainErrors(t *testing.T) {
	err := As(context.DeadlineExceeded)
	if err.Code != CodeTimeout {
		t.Fatalf("expected timeout, got %s", err.Code)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cause to be preserved")
	}
}
