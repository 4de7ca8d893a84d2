// Package sqlexec provides the execute_sql tool: the only path from the model
// to the warehouse. Every query is checked by the SQL guard and then run in a
// read-only transaction with the caller's tenant bound for row-level security.
package sqlexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/sqlagent/internal/agent"
	"github.com/haasonsaas/sqlagent/internal/apierr"
	"github.com/haasonsaas/sqlagent/internal/observability"
	"github.com/haasonsaas/sqlagent/internal/sqlguard"
	"github.com/haasonsaas/sqlagent/internal/storage"
	"github.com/haasonsaas/sqlagent/internal/tenant"
)

// ToolName is the name the model calls the tool by.
const ToolName = "execute_sql"

const (
	DefaultMaxResultRows = 200
	DefaultQueryTimeout  = 15 * time.Second

	auditTimeout = 2 * time.Second
)

// Outcomes used for logs, metrics, and audit rows.
const (
	OutcomeOK         = "ok"
	OutcomeRejected   = "rejected"
	OutcomeQueryError = "query_error"
	OutcomeDBError    = "db_error"
)

// Postgres error classes the model can correct by rewriting its query:
// syntax errors and access rule violations (42) and data exceptions (22).
var recoverableClasses = map[pq.ErrorClass]bool{
	"42": true,
	"22": true,
}

const argsSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "minLength": 1,
      "description": "A single read-only SELECT statement. It must filter on the tenant column and include a LIMIT."
    }
  },
  "required": ["query"],
  "additionalProperties": false
}`

var compiledArgsSchema = jsonschema.MustCompileString("execute_sql.schema.json", argsSchema)

// Config controls query execution.
type Config struct {
	// MaxResultRows caps the rows returned to the model. Defaults to 200.
	MaxResultRows int `yaml:"max_result_rows"`

	// QueryTimeout bounds a single query. Defaults to 15s.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// Querier runs tenant-scoped queries. *TenantDB is the production implementation.
type Querier interface {
	Query(ctx context.Context, binding Binding, query string, maxRows int) (*Result, error)
}

// AuditSink records executed queries. *storage.AuditStore implements it.
type AuditSink interface {
	Record(ctx context.Context, entry storage.AuditEntry) error
}

// Option configures a Tool.
type Option func(*Tool)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(t *Tool) { t.metrics = metrics }
}

// WithHasher sets the function used to hash org identifiers.
func WithHasher(hash observability.HashFunc) Option {
	return func(t *Tool) {
		if hash != nil {
			t.hash = hash
		}
	}
}

// WithAuditSink records every call to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(t *Tool) { t.audit = sink }
}

// Tool implements agent.Tool for execute_sql.
type Tool struct {
	guard   *sqlguard.Guard
	db      Querier
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	hash    observability.HashFunc
	audit   AuditSink
	now     func() time.Time
}

// New creates the execute_sql tool.
func New(guard *sqlguard.Guard, db Querier, cfg Config, opts ...Option) *Tool {
	if guard == nil {
		guard = sqlguard.New(sqlguard.DefaultConfig())
	}
	if cfg.MaxResultRows <= 0 {
		cfg.MaxResultRows = DefaultMaxResultRows
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	t := &Tool{
		guard:  guard,
		db:     db,
		config: cfg,
		logger: slog.Default().With("component", "sqlexec"),
		hash:   observability.NewHasher("").Func(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns the tool name.
func (t *Tool) Name() string {
	return ToolName
}

// Description returns the tool description.
func (t *Tool) Description() string {
	return fmt.Sprintf("Run a read-only SQL SELECT against the organization's data warehouse and return up to %d rows as JSON. "+
		"Queries must be a single SELECT with a LIMIT and must filter on %s. "+
		"Rejected or failing queries return an error you can fix and retry.",
		t.config.MaxResultRows, t.guard.Config().TenantColumn)
}

// Schema returns the JSON schema for tool parameters.
func (t *Tool) Schema() json.RawMessage {
	return json.RawMessage(argsSchema)
}

// Execute validates and runs one query for the tenant in ctx.
func (t *Tool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	tc, ok := tenant.FromContext(ctx)
	if !ok || !tc.HasOrg() {
		return nil, apierr.ErrMissingOrgContext
	}

	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return errorResult(agent.ToolErrorInvalidInput, "invalid_arguments", fmt.Sprintf("arguments are not valid JSON: %v", err)), nil
	}
	if err := compiledArgsSchema.Validate(decoded); err != nil {
		return errorResult(agent.ToolErrorInvalidInput, "invalid_arguments", err.Error()), nil
	}
	var input struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return errorResult(agent.ToolErrorInvalidInput, "invalid_arguments", err.Error()), nil
	}

	start := t.now()
	call := callInfo{
		runID:      observability.GetRunID(ctx),
		toolCallID: agent.ToolCallIDFromContext(ctx),
		orgHash:    t.hash(tc.OrgID),
		userID:     tc.UserID,
	}

	verdict := t.guard.Validate(input.Query, tc.OrgID)
	if !verdict.Allowed {
		call.sql = verdict.NormalizedSQL
		t.finish(ctx, call, OutcomeRejected, verdict.Reason, nil, t.now().Sub(start))
		result := errorResult(agent.ToolErrorValidation, "validation_rejected", verdict.Reason)
		result.Meta = &agent.ToolMeta{NormalizedSQL: verdict.NormalizedSQL}
		return result, nil
	}
	call.sql = verdict.NormalizedSQL

	queryCtx, cancel := context.WithTimeout(ctx, t.config.QueryTimeout)
	defer cancel()

	res, err := t.db.Query(queryCtx, Binding{OrgID: tc.OrgID, UserID: tc.UserID}, verdict.NormalizedSQL, t.config.MaxResultRows)
	elapsed := t.now().Sub(start)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && recoverableClasses[pqErr.Code.Class()] && queryCtx.Err() == nil {
			t.metrics.RecordDatabaseQuery("error", elapsed.Seconds())
			t.finish(ctx, call, OutcomeQueryError, pqErr.Message, nil, elapsed)
			result := errorResult(agent.ToolErrorQuery, "query_error", pqErr.Message)
			result.Meta = &agent.ToolMeta{NormalizedSQL: verdict.NormalizedSQL}
			return result, nil
		}

		t.metrics.RecordDatabaseQuery("error", elapsed.Seconds())
		t.finish(ctx, call, OutcomeDBError, err.Error(), nil, elapsed)
		switch {
		case ctx.Err() != nil:
			return nil, apierr.ErrCanceled.WithCause(err)
		case errors.Is(queryCtx.Err(), context.DeadlineExceeded):
			return nil, apierr.ErrTimeout.WithMessage("query timed out").WithCause(err)
		default:
			return nil, apierr.ErrUpstreamDatabaseError.WithCause(err)
		}
	}

	t.metrics.RecordDatabaseQuery("success", elapsed.Seconds())
	t.finish(ctx, call, OutcomeOK, "", res, elapsed)

	payload, err := json.Marshal(queryPayload{
		Columns:    res.Columns,
		Rows:       res.Rows,
		RowCount:   res.RowCount,
		Truncated:  res.Truncated,
		DurationMS: elapsed.Milliseconds(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode query result: %w", err)
	}
	return &agent.ToolResult{
		Content: string(payload),
		Meta: &agent.ToolMeta{
			NormalizedSQL: verdict.NormalizedSQL,
			RowsReturned:  res.RowCount,
			Truncated:     res.Truncated,
		},
	}, nil
}

type queryPayload struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Truncated  bool     `json:"truncated"`
	DurationMS int64    `json:"duration_ms"`
}

type callInfo struct {
	runID      string
	toolCallID string
	orgHash    string
	userID     string
	sql        string
}

// finish logs, meters, and audits a call.
func (t *Tool) finish(ctx context.Context, call callInfo, outcome, reason string, res *Result, elapsed time.Duration) {
	masked := observability.MaskPII(call.sql)
	rows, truncated := 0, false
	if res != nil {
		rows, truncated = res.RowCount, res.Truncated
	}

	t.metrics.RecordToolExecution(ToolName, outcome, elapsed.Seconds())

	attrs := []any{
		"org", call.orgHash,
		"run_id", call.runID,
		"tool_call_id", call.toolCallID,
		"sql", masked,
		"outcome", outcome,
		"rows", rows,
		"truncated", truncated,
		"duration_ms", elapsed.Milliseconds(),
	}
	switch outcome {
	case OutcomeOK:
		t.logger.InfoContext(ctx, "sql executed", attrs...)
	case OutcomeDBError:
		t.logger.ErrorContext(ctx, "sql failed", append(attrs, "error", reason)...)
	default:
		t.logger.WarnContext(ctx, "sql not executed", append(attrs, "reason", reason)...)
	}

	if t.audit == nil {
		return
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	entry := storage.AuditEntry{
		RunID:        call.runID,
		ToolCallID:   call.toolCallID,
		OrgHash:      call.orgHash,
		UserID:       call.userID,
		SQL:          masked,
		Status:       outcome,
		Reason:       observability.MaskPII(reason),
		RowsReturned: rows,
		Truncated:    truncated,
		Duration:     elapsed,
		CreatedAt:    t.now().UTC(),
	}
	if err := t.audit.Record(auditCtx, entry); err != nil {
		t.logger.WarnContext(ctx, "failed to record query audit", "error", err, "run_id", call.runID)
	}
}

func errorResult(kind agent.ToolErrorType, code, reason string) *agent.ToolResult {
	payload, err := json.Marshal(map[string]string{"error": code, "reason": reason})
	if err != nil {
		payload = []byte(`{"error":"` + code + `"}`)
	}
	return &agent.ToolResult{Content: string(payload), IsError: true, Kind: kind}
}
