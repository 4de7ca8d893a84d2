package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/apierr"
	"github.com/haasonsaas/sqlagent/internal/auth"
	"github.com/haasonsaas/sqlagent/internal/observability"
	"github.com/haasonsaas/sqlagent/internal/ratelimit"
	"github.com/haasonsaas/sqlagent/internal/stream"
	"github.com/haasonsaas/sqlagent/internal/tenant"
	"github.com/haasonsaas/sqlagent/internal/usage"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

const usageIncrementTimeout = 2 * time.Second

type queryRequest struct {
	Content string           `json:"content"`
	History []historyMessage `json:"history,omitempty"`
}

type historyMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleQuery runs the gates in order and streams the answer. Nothing that
// costs a model or database call happens before the limits pass.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	principal, ok := auth.PrincipalFromContext(ctx)
	if !ok || principal == nil || strings.TrimSpace(principal.ID) == "" {
		s.writeError(w, r, apierr.ErrUnauthenticated)
		return
	}

	if !principal.HasRole(s.config.RequiredRole) {
		s.writeError(w, r, apierr.ErrForbidden.
			WithMessage("insufficient role").
			WithDetail("required_role", s.config.RequiredRole))
		return
	}

	tc, err := s.deps.Tenants.Resolve(ctx, r.Header, principal, true)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantHash := s.deps.Hash(tc.OrgID)
	ctx = observability.AddTenant(ctx, tenantHash)

	req, err := s.decodeQuery(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.checkRateLimit(ctx, principal.ID, r); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.checkUsage(ctx, principal); err != nil {
		s.writeError(w, r, err)
		return
	}

	runID := uuid.NewString()
	events, err := s.deps.Runner.Run(ctx, agent.RunRequest{
		RunID:   runID,
		Tenant:  tc,
		History: req.messages(),
		Content: req.Content,
	})
	if err != nil {
		if errors.Is(err, agent.ErrEmptyContent) {
			err = apierr.ErrBadRequest.WithMessage("content is required")
		}
		s.writeError(w, r, err)
		return
	}

	stream.SetStreamHeaders(w)
	w.Header().Set("X-Run-ID", runID)
	w.WriteHeader(http.StatusOK)

	emitter := stream.NewEmitter(w)
	if err := emitter.Emit(ctx, events); err != nil {
		s.logger.WarnContext(ctx, "stream write failed",
			"run_id", runID,
			"tenant", tenantHash,
			"chunks", emitter.Chunks(),
			"error", err,
		)
	}

	if emitter.Reason() == models.TerminationCompleted {
		s.recordUsage(ctx, principal.ID, tc)
	}
}

func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (*queryRequest, error) {
	body := http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var req queryRequest
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return nil, apierr.ErrBadRequest.
				WithMessage(fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return nil, apierr.ErrBadRequest.WithMessage("request body is required")
		default:
			return nil, apierr.ErrBadRequest.WithMessage("request body must be a JSON object with a content field")
		}
	}
	if dec.More() {
		return nil, apierr.ErrBadRequest.WithMessage("request body must contain a single JSON object")
	}

	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		return nil, apierr.ErrBadRequest.WithMessage("content is required").WithDetail("field", "content")
	}
	if n := utf8.RuneCountInString(req.Content); n > s.config.MaxContentLength {
		return nil, apierr.ErrBadRequest.
			WithMessage(fmt.Sprintf("content exceeds %d characters", s.config.MaxContentLength)).
			WithDetail("field", "content")
	}
	if len(req.History) > DefaultMaxHistory {
		return nil, apierr.ErrBadRequest.
			WithMessage(fmt.Sprintf("history exceeds %d messages", DefaultMaxHistory)).
			WithDetail("field", "history")
	}
	for i, m := range req.History {
		switch models.Role(m.Role) {
		case models.RoleUser, models.RoleAssistant:
		default:
			return nil, apierr.ErrBadRequest.
				WithMessage("history roles must be user or assistant").
				WithDetail("field", fmt.Sprintf("history[%d].role", i))
		}
		if utf8.RuneCountInString(m.Content) > s.config.MaxContentLength {
			return nil, apierr.ErrBadRequest.
				WithMessage(fmt.Sprintf("history message exceeds %d characters", s.config.MaxContentLength)).
				WithDetail("field", fmt.Sprintf("history[%d].content", i))
		}
	}
	return &req, nil
}

func (q *queryRequest) messages() []models.Message {
	if len(q.History) == 0 {
		return nil
	}
	out := make([]models.Message, 0, len(q.History))
	for _, m := range q.History {
		out = append(out, models.Message{Role: models.Role(m.Role), Content: m.Content})
	}
	return out
}

// checkRateLimit applies the per subject, client, and route window. A
// degraded store only blocks when the limiter is configured to fail closed.
func (s *Server) checkRateLimit(ctx context.Context, subjectID string, r *http.Request) error {
	if s.deps.RateLimiter == nil {
		return nil
	}
	key := ratelimit.NewKey(s.deps.Hash, subjectID, clientIP(r), QueryRoute)
	decision, err := s.deps.RateLimiter.Allow(ctx, key)
	if !decision.Limited {
		return nil
	}
	limited := apierr.ErrRateLimited.
		WithRetryAfter(decision.RetryAfter).
		WithDetail("retry_after_seconds", int(decision.RetryAfter/time.Second))
	if err != nil {
		return limited.WithCause(err)
	}
	return limited
}

// checkUsage enforces the monthly quota for the principal's tier.
func (s *Server) checkUsage(ctx context.Context, principal *models.Principal) error {
	if s.deps.Usage == nil {
		return nil
	}
	limit := usage.Unlimited
	if s.deps.Tiers != nil {
		limit = s.deps.Tiers.Limit(principal.Tier)
	}
	status := s.deps.Usage.CheckLimit(ctx, principal.ID, limit)
	if status.Allowed {
		return nil
	}
	retry := time.Until(status.ResetAt)
	if retry < time.Second {
		retry = time.Second
	}
	return apierr.ErrUsageLimitExceeded.
		WithRetryAfter(retry).
		WithDetail("limit", status.Limit).
		WithDetail("current_usage", status.CurrentUsage).
		WithDetail("reset_at", status.ResetAt.Format(time.RFC3339))
}

// recordUsage counts a completed run. The request context may already be
// gone once the stream ends, so the write gets its own deadline.
func (s *Server) recordUsage(ctx context.Context, userID string, tc *tenant.Context) {
	if s.deps.Usage == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), usageIncrementTimeout)
	defer cancel()
	if _, err := s.deps.Usage.Increment(writeCtx, userID, tc.OrgID); err != nil {
		s.logger.WarnContext(ctx, "usage increment failed", "error", err)
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
