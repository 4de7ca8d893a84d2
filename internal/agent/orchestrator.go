// Package agent drives the model/tool loop for one query. A run streams
// model text as it arrives, executes requested tools one at a time in the
// order the model issued them, and ends with exactly one run.finished event
// naming the termination reason.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/sqlagent/internal/apierr"
	"github.com/haasonsaas/sqlagent/internal/observability"
	"github.com/haasonsaas/sqlagent/internal/tenant"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

const finalizePrompt = "The tool call limit for this request has been reached. " +
	"Answer now using only the results you already have."

// Orchestrator runs the model/tool loop. It is safe for concurrent use; each
// Run owns its own state.
//
//	Idle ──▶ ModelGenerating ──▶ Completed
//	              ▲      │
//	              │      ▼
//	        ToolExecuting ◀─▶ ToolRequested
//
// Any non-terminal state may move to Aborted.
type Orchestrator struct {
	provider LLMProvider
	registry *ToolRegistry
	config   Config

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	hash    observability.HashFunc
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithHasher sets the function used to hash tenant identifiers in logs.
func WithHasher(h observability.HashFunc) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hash = h
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// NewOrchestrator creates an orchestrator. Zero config fields take defaults.
func NewOrchestrator(provider LLMProvider, registry *ToolRegistry, cfg Config, opts ...Option) *Orchestrator {
	if registry == nil {
		registry = NewToolRegistry()
	}
	o := &Orchestrator{
		provider: provider,
		registry: registry,
		config:   sanitizeConfig(cfg),
		logger:   slog.Default(),
		hash:     observability.NewHasher("").Func(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "agent")
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.config
}

// RunRequest is the input to one run.
type RunRequest struct {
	// RunID correlates events and logs. Generated when empty.
	RunID string

	// Tenant is the resolved request identity. Required.
	Tenant *tenant.Context

	// History is prior conversation. System messages are ignored.
	History []models.Message

	// Content is the new user message.
	Content string
}

// ToolCallRecord is the outcome of one tool invocation.
type ToolCallRecord struct {
	ID            string
	Name          string
	Arguments     []byte
	NormalizedSQL string
	RowsReturned  int
	Truncated     bool
	Duration      time.Duration
	Success       bool
	Error         string
}

// Turn accumulates the result of one run.
type Turn struct {
	AssistantText string
	ToolCalls     []ToolCallRecord
	Reason        models.TerminationReason
}

// Run starts a run and returns its event stream. The channel is closed after
// the run.finished event. Callers must drain it.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (<-chan *models.AgentEvent, error) {
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if req.Tenant == nil || strings.TrimSpace(req.Tenant.UserID) == "" {
		return nil, ErrNoTenant
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	events := make(chan *models.AgentEvent, o.config.EventBuffer)
	r := &run{
		id:         req.RunID,
		req:        req,
		state:      StateIdle,
		emitter:    newEventEmitter(req.RunID, events, o.now),
		start:      o.now(),
		tenantHash: o.hash(req.Tenant.TenantKey()),
		messages:   buildMessages(req.History, req.Content),
	}
	r.logger = o.logger.With("run_id", r.id)

	go func() {
		defer close(events)
		o.execute(ctx, r)
	}()
	return events, nil
}

type run struct {
	id         string
	req        RunRequest
	state      State
	emitter    *eventEmitter
	logger     *slog.Logger
	start      time.Time
	tenantHash string

	messages          []CompletionMessage
	turn              Turn
	iteration         int
	executed          int
	consecutiveErrors int
}

func (r *run) transition(next State) {
	if r.state == next {
		return
	}
	if !r.state.CanTransition(next) {
		r.logger.Error("invalid state transition", "from", r.state, "to", next)
	}
	r.state = next
}

func (o *Orchestrator) execute(parent context.Context, r *run) {
	ctx, cancel := context.WithTimeout(parent, o.config.MaxWallTime)
	defer cancel()
	ctx = tenant.WithContext(ctx, r.req.Tenant)
	ctx = observability.AddRunID(ctx, r.id)
	ctx = observability.AddTenant(ctx, r.tenantHash)
	ctx, span := o.tracer.TraceAgentRun(ctx, r.id, r.tenantHash)
	defer span.End()

	r.emitter.runStarted()
	reason, err := o.loop(parent, ctx, r)
	o.finish(ctx, r, span, reason, err)
}

func (o *Orchestrator) loop(parent, ctx context.Context, r *run) (models.TerminationReason, error) {
	tools := o.registry.AsLLMTools()

	for {
		if reason, err := o.interruption(parent, ctx); reason != "" {
			return reason, err
		}

		r.transition(StateModelGenerating)
		r.emitter.setIter(r.iteration)
		text, calls, err := o.streamTurn(ctx, r, tools)
		r.turn.AssistantText += text
		if err != nil {
			return o.classifyModelError(parent, ctx, err)
		}

		if len(calls) == 0 {
			r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleAssistant), Content: text})
			r.transition(StateCompleted)
			return models.TerminationCompleted, nil
		}

		r.transition(StateToolRequested)
		r.messages = append(r.messages, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   text,
			ToolCalls: calls,
		})

		results := make([]models.ToolResult, 0, len(calls))
		for i, call := range calls {
			if reason, err := o.interruption(parent, ctx); reason != "" {
				return reason, err
			}

			if r.executed >= o.config.MaxToolCalls {
				results = append(results, skippedResults(calls[i:])...)
				r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleTool), ToolResults: results})
				return o.finishAtLimit(parent, ctx, r)
			}

			r.transition(StateToolExecuting)
			res, rec, err := o.executeTool(ctx, r, call)
			r.executed++
			r.turn.ToolCalls = append(r.turn.ToolCalls, rec)
			r.emitter.toolFinished(rec)
			if err != nil {
				return o.classifyToolError(parent, ctx, err)
			}

			results = append(results, models.ToolResult{
				ToolCallID: call.ID,
				Content:    res.Content,
				IsError:    res.IsError,
			})
			if res.IsError {
				r.consecutiveErrors++
				if r.consecutiveErrors >= o.config.MaxConsecutiveToolErrors {
					return models.TerminationValidationError, &LoopError{
						State:     r.state,
						Iteration: r.iteration,
						Message:   fmt.Sprintf("%d consecutive tool errors", r.consecutiveErrors),
						Cause:     errors.New(res.Content),
					}
				}
			} else {
				r.consecutiveErrors = 0
			}
			if i < len(calls)-1 {
				r.transition(StateToolRequested)
			}
		}

		r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleTool), ToolResults: results})
		r.iteration++
	}
}

// finishAtLimit ends a run whose model asked for more tools than allowed.
func (o *Orchestrator) finishAtLimit(parent, ctx context.Context, r *run) (models.TerminationReason, error) {
	r.logger.InfoContext(ctx, "tool call limit reached", "max_tool_calls", o.config.MaxToolCalls)
	if !o.config.FinalizeOnLimit {
		r.transition(StateCompleted)
		return models.TerminationMaxToolCalls, nil
	}

	r.messages = append(r.messages, CompletionMessage{Role: string(models.RoleUser), Content: finalizePrompt})
	r.iteration++
	r.emitter.setIter(r.iteration)
	r.transition(StateModelGenerating)
	text, _, err := o.streamTurn(ctx, r, nil)
	r.turn.AssistantText += text
	if err != nil {
		return o.classifyModelError(parent, ctx, err)
	}
	r.transition(StateCompleted)
	return models.TerminationMaxToolCalls, nil
}

// streamTurn runs one model completion, forwarding text deltas as they
// arrive and collecting tool calls.
func (o *Orchestrator) streamTurn(ctx context.Context, r *run, tools []Tool) (string, []models.ToolCall, error) {
	providerName := o.provider.Name()
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	turnCtx, span := o.tracer.TraceModelTurn(turnCtx, providerName, o.config.Model, r.iteration)
	defer span.End()

	req := &CompletionRequest{
		Model:     o.config.Model,
		System:    o.config.SystemPrompt,
		Messages:  r.messages,
		Tools:     tools,
		MaxTokens: o.config.MaxTokens,
	}

	stream, err := o.provider.Complete(turnCtx, req)
	if err != nil {
		o.tracer.RecordError(span, err)
		o.metrics.RecordLLMRequest(providerName, o.config.Model, "error", 0, 0)
		return "", nil, err
	}
	// The provider stops once turnCtx is canceled; drain whatever it
	// already queued so its goroutine can exit.
	defer func() {
		go func() {
			for range stream {
			}
		}()
	}()

	var text strings.Builder
	var calls []models.ToolCall
	timer := time.NewTimer(o.config.ChunkTimeout)
	defer timer.Stop()

	for {
		select {
		case <-turnCtx.Done():
			return text.String(), calls, turnCtx.Err()

		case <-timer.C:
			err := fmt.Errorf("%w: no chunk within %s", ErrChunkTimeout, o.config.ChunkTimeout)
			o.tracer.RecordError(span, err)
			o.metrics.RecordLLMRequest(providerName, o.config.Model, "error", 0, 0)
			return text.String(), calls, err

		case chunk, ok := <-stream:
			if !ok {
				o.metrics.RecordLLMRequest(providerName, o.config.Model, "success", 0, 0)
				return text.String(), calls, nil
			}
			timer.Reset(o.config.ChunkTimeout)
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				o.tracer.RecordError(span, chunk.Error)
				o.metrics.RecordLLMRequest(providerName, o.config.Model, "error", 0, 0)
				return text.String(), calls, chunk.Error
			}
			if chunk.Text != "" {
				if text.Len()+len(chunk.Text) > MaxResponseTextSize {
					return text.String(), calls, ErrResponseTooLarge
				}
				text.WriteString(chunk.Text)
				r.emitter.modelDelta(chunk.Text)
			}
			if chunk.ToolCall != nil {
				call := *chunk.ToolCall
				if call.ID == "" {
					call.ID = uuid.NewString()
				}
				calls = append(calls, call)
			}
			if chunk.Done {
				o.metrics.RecordLLMRequest(providerName, o.config.Model, "success", chunk.InputTokens, chunk.OutputTokens)
				r.emitter.modelCompleted(providerName, o.config.Model, chunk.InputTokens, chunk.OutputTokens)
				return text.String(), calls, nil
			}
		}
	}
}

// executeTool runs one call under the tool timeout. A returned error is
// fatal for the run; error results are not.
func (o *Orchestrator) executeTool(ctx context.Context, r *run, call models.ToolCall) (*ToolResult, ToolCallRecord, error) {
	r.emitter.toolStarted(call)

	toolCtx, cancel := context.WithTimeout(WithToolCallID(ctx, call.ID), o.config.ToolTimeout)
	defer cancel()
	toolCtx, span := o.tracer.TraceToolExecution(toolCtx, call.Name)
	defer span.End()

	start := o.now()
	res, err := o.invoke(toolCtx, call)
	rec := ToolCallRecord{
		ID:        call.ID,
		Name:      call.Name,
		Arguments: call.Input,
		Duration:  o.now().Sub(start),
	}
	if err == nil && res == nil {
		res = &ToolResult{Content: "tool returned no result", IsError: true, Kind: ToolErrorExecution}
	}

	switch {
	case err != nil:
		rec.Error = err.Error()
		o.tracer.RecordError(span, err)
	case res.IsError:
		rec.Error = res.Content
	default:
		rec.Success = true
	}
	if res != nil && res.Meta != nil {
		rec.NormalizedSQL = res.Meta.NormalizedSQL
		rec.RowsReturned = res.Meta.RowsReturned
		rec.Truncated = res.Meta.Truncated
	}
	return res, rec, err
}

func (o *Orchestrator) invoke(ctx context.Context, call models.ToolCall) (res *ToolResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = NewToolError(call.Name, fmt.Errorf("%w: %v", ErrToolPanic, p)).WithToolCallID(call.ID)
		}
	}()
	return o.registry.Execute(ctx, call.Name, call.Input)
}

// interruption reports caller cancellation or an exhausted wall-time budget.
// ctx is derived from parent with the wall-time deadline.
func (o *Orchestrator) interruption(parent, ctx context.Context) (models.TerminationReason, error) {
	if err := parent.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return models.TerminationTimeout, err
		}
		return models.TerminationAborted, err
	}
	if err := ctx.Err(); err != nil {
		return models.TerminationTimeout, fmt.Errorf("run exceeded %s: %w", o.config.MaxWallTime, err)
	}
	return "", nil
}

func (o *Orchestrator) classifyModelError(parent, ctx context.Context, err error) (models.TerminationReason, error) {
	if reason, ierr := o.interruption(parent, ctx); reason != "" {
		return reason, ierr
	}
	if errors.Is(err, ErrChunkTimeout) {
		return models.TerminationTimeout, err
	}
	return models.TerminationModelError, err
}

func (o *Orchestrator) classifyToolError(parent, ctx context.Context, err error) (models.TerminationReason, error) {
	if reason, ierr := o.interruption(parent, ctx); reason != "" {
		return reason, ierr
	}
	switch apierr.CodeOf(err) {
	case apierr.CodeTimeout:
		return models.TerminationTimeout, err
	case apierr.CodeCanceled:
		return models.TerminationAborted, err
	default:
		return models.TerminationToolError, err
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run, span trace.Span, reason models.TerminationReason, err error) {
	r.turn.Reason = reason
	if !r.state.Terminal() {
		if reason.Fatal() {
			r.transition(StateAborted)
		} else {
			r.transition(StateCompleted)
		}
	}
	duration := o.now().Sub(r.start)

	payload := &models.FinishEventPayload{
		Reason:        reason,
		Partial:       reason.Fatal(),
		AssistantText: r.turn.AssistantText,
		ToolCalls:     r.executed,
		MaxToolCalls:  o.config.MaxToolCalls,
		Duration:      duration,
	}
	if err != nil {
		payload.Error = publicMessage(reason)
	}
	r.emitter.runFinished(payload)
	o.metrics.RecordAgentRun(string(reason), duration.Seconds())

	attrs := []any{
		"reason", reason,
		"tool_calls", r.executed,
		"max_tool_calls", o.config.MaxToolCalls,
		"iterations", r.iteration + 1,
		"duration_ms", duration.Milliseconds(),
		"tenant", r.tenantHash,
	}
	if err != nil {
		o.tracer.RecordError(span, err)
		r.logger.WarnContext(ctx, "agent run finished", append(attrs, "error", err)...)
		return
	}
	r.logger.InfoContext(ctx, "agent run finished", attrs...)
}

// publicMessage is the caller-facing explanation for a fatal reason. Error
// details stay in logs.
func publicMessage(reason models.TerminationReason) string {
	switch reason {
	case models.TerminationTimeout:
		return "the request timed out"
	case models.TerminationAborted:
		return "the request was canceled"
	case models.TerminationModelError:
		return "the model provider failed"
	case models.TerminationValidationError:
		return "the model could not produce a valid query"
	case models.TerminationToolError:
		return "query execution failed"
	default:
		return ""
	}
}

func skippedResults(calls []models.ToolCall) []models.ToolResult {
	out := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		out = append(out, models.ToolResult{
			ToolCallID: call.ID,
			Content:    "not executed: tool call limit reached",
			IsError:    true,
		})
	}
	return out
}

func buildMessages(history []models.Message, content string) []CompletionMessage {
	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		if m.Role == models.RoleSystem {
			continue
		}
		role := m.Role
		if role == "" {
			role = models.RoleUser
		}
		messages = append(messages, CompletionMessage{
			Role:        string(role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return append(messages, CompletionMessage{Role: string(models.RoleUser), Content: content})
}
