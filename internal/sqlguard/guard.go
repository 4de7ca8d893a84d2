// Package sqlguard validates model-generated SQL before it reaches the
// warehouse. A Guard accepts only single, bounded, tenant-scoped SELECT
// statements and normalizes the text it lets through.
//
// The checks are lexical. They are intentionally conservative: a query that
// merely mentions a forbidden keyword inside a string literal is rejected.
// Row-level security on the database connection remains the backstop for
// tenant isolation.
package sqlguard

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ScopePolicy decides what happens when a query lacks the tenant predicate.
type ScopePolicy string

const (
	// ScopeReject refuses queries without the tenant predicate.
	ScopeReject ScopePolicy = "reject"

	// ScopeRewrite injects the tenant predicate into the query.
	ScopeRewrite ScopePolicy = "rewrite"
)

const (
	DefaultMaxLimit     = 1000
	DefaultTenantColumn = "org_id"

	// maxTenantIDLength bounds org identifiers accepted for scoping.
	maxTenantIDLength = 128
)

// Rejection reasons. Reasons that carry parameters are built by the guard.
const (
	ReasonEmpty           = "malformed query: empty statement"
	ReasonUnbalanced      = "malformed query: unbalanced quotes or parentheses"
	ReasonNotSelect       = "only single SELECT statements are allowed"
	ReasonMultiStatement  = "multiple statements are not allowed"
	ReasonComments        = "SQL comments are not allowed"
	ReasonUnion           = "dangerous operation not allowed: UNION"
	ReasonSystemTables    = "system tables not allowed"
	ReasonLimitRequired   = "LIMIT clause is required"
	ReasonLimitInvalid    = "LIMIT must be a non-negative integer"
	ReasonTenantRequired  = "tenant context required"
	ReasonInvalidTenantID = "invalid tenant identifier"
)

// Config controls validation.
type Config struct {
	// MaxLimit is the largest LIMIT value accepted. Defaults to 1000.
	MaxLimit int `yaml:"max_limit"`

	// TenantColumn is the column every query must filter on. Defaults to org_id.
	TenantColumn string `yaml:"tenant_column"`

	// ScopePolicy is reject (default) or rewrite.
	ScopePolicy ScopePolicy `yaml:"scope_policy"`

	// ExtraDeniedSchemas are schemas refused in addition to system and
	// information_schema.
	ExtraDeniedSchemas []string `yaml:"denied_schemas"`
}

// DefaultConfig returns the configuration used when fields are left empty.
func DefaultConfig() Config {
	return Config{
		MaxLimit:           DefaultMaxLimit,
		TenantColumn:       DefaultTenantColumn,
		ScopePolicy:        ScopeReject,
		ExtraDeniedSchemas: []string{"pg_catalog"},
	}
}

// Result is the outcome of a validation.
type Result struct {
	// Allowed reports whether the query may run.
	Allowed bool `json:"allowed"`

	// NormalizedSQL is the whitespace-collapsed, possibly rewritten text.
	// It is set on success and left as the normalized input on rejection.
	NormalizedSQL string `json:"normalized_sql"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`

	// Rewritten is true when the tenant predicate was injected.
	Rewritten bool `json:"rewritten,omitempty"`
}

var (
	whitespaceRe  = regexp.MustCompile(`\s+`)
	selectRe      = regexp.MustCompile(`(?i)^select\b`)
	writeRe       = regexp.MustCompile(`(?i)\b(insert|update|delete|drop|truncate|alter|create)\b`)
	setOpRe       = regexp.MustCompile(`(?i)\b(union|intersect|except)\b`)
	limitRe       = regexp.MustCompile(`(?i)\blimit\s+([^\s)]+)`)
	trailingSemis = regexp.MustCompile(`\s*;\s*$`)
	tenantIDRe    = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Guard validates SQL. It holds no mutable state and is safe for concurrent use.
type Guard struct {
	cfg       Config
	systemRe  *regexp.Regexp
	predicate *regexp.Regexp
	exact     *regexp.Regexp
}

// New creates a guard. Zero fields in cfg take their defaults.
func New(cfg Config) *Guard {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultMaxLimit
	}
	cfg.TenantColumn = strings.TrimSpace(cfg.TenantColumn)
	if cfg.TenantColumn == "" {
		cfg.TenantColumn = DefaultTenantColumn
	}
	if cfg.ScopePolicy == "" {
		cfg.ScopePolicy = ScopeReject
	}

	schemas := []string{"system", "information_schema"}
	for _, s := range cfg.ExtraDeniedSchemas {
		s = strings.TrimSpace(s)
		if s != "" {
			schemas = append(schemas, regexp.QuoteMeta(s))
		}
	}
	systemRe := regexp.MustCompile(`(?i)(?:^|[^a-z0-9_$])"?(?:` + strings.Join(schemas, "|") + `)"?\s*\.`)

	col := regexp.QuoteMeta(cfg.TenantColumn)
	predicate := regexp.MustCompile(`(?i)(?:^|[^a-z0-9_$])(?:"?[a-z_][a-z0-9_$]*"?\.)?"?` + col + `"?\s*=\s*'([^']*)'`)
	exact := regexp.MustCompile(`(?i)^(?:"?[a-z_][a-z0-9_$]*"?\.)?"?` + col + `"?\s*=\s*'([^']*)'$`)

	return &Guard{cfg: cfg, systemRe: systemRe, predicate: predicate, exact: exact}
}

// Config returns the effective configuration.
func (g *Guard) Config() Config {
	return g.cfg
}

// Validate checks sql against the rules and scopes it to orgID. It never
// panics and always returns a result; rejections carry a Reason.
func (g *Guard) Validate(sql, orgID string) Result {
	normalized := strings.TrimSpace(whitespaceRe.ReplaceAllString(sql, " "))
	if normalized == "" {
		return reject(normalized, ReasonEmpty)
	}

	if !selectRe.MatchString(normalized) || writeRe.MatchString(normalized) {
		return reject(normalized, ReasonNotSelect)
	}

	normalized = trailingSemis.ReplaceAllString(normalized, "")
	if strings.Contains(normalized, ";") {
		return reject(normalized, ReasonMultiStatement)
	}

	if strings.Contains(normalized, "--") || strings.Contains(normalized, "/*") {
		return reject(normalized, ReasonComments)
	}

	if m := setOpRe.FindString(normalized); m != "" {
		return reject(normalized, "dangerous operation not allowed: "+strings.ToUpper(m))
	}

	if g.systemRe.MatchString(normalized) {
		return reject(normalized, ReasonSystemTables)
	}

	words, ok := topLevelKeywords(normalized)
	if !ok {
		return reject(normalized, ReasonUnbalanced)
	}

	if reason := g.checkLimit(normalized, words); reason != "" {
		return reject(normalized, reason)
	}

	return g.scope(normalized, orgID, words)
}

// checkLimit requires a LIMIT on the outer query and bounds every LIMIT in
// the statement, nested ones included.
func (g *Guard) checkLimit(sql string, words []keyword) string {
	outer := false
	for _, w := range words {
		if w.word == "LIMIT" {
			outer = true
			break
		}
	}
	if !outer {
		return ReasonLimitRequired
	}
	for _, m := range limitRe.FindAllStringSubmatch(sql, -1) {
		n, err := strconv.Atoi(strings.TrimSuffix(m[1], ";"))
		if err != nil || n < 0 {
			return ReasonLimitInvalid
		}
		if n > g.cfg.MaxLimit {
			return fmt.Sprintf("LIMIT exceeds maximum of %d", g.cfg.MaxLimit)
		}
	}
	return ""
}

func (g *Guard) scope(sql, orgID string, words []keyword) Result {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return reject(sql, ReasonTenantRequired)
	}
	if len(orgID) > maxTenantIDLength || !tenantIDRe.MatchString(orgID) {
		return reject(sql, ReasonInvalidTenantID)
	}

	// A foreign tenant literal anywhere in the statement is refused outright.
	for _, m := range g.predicate.FindAllStringSubmatch(sql, -1) {
		if m[1] != orgID {
			return reject(sql, g.tenantFilterReason(orgID))
		}
	}
	if g.scopedByWhere(sql, orgID, words) {
		return Result{Allowed: true, NormalizedSQL: sql}
	}

	if g.cfg.ScopePolicy != ScopeRewrite {
		return reject(sql, g.tenantFilterReason(orgID))
	}

	rewritten, ok := injectPredicate(sql, g.tenantPredicate(orgID))
	if !ok {
		return reject(sql, g.tenantFilterReason(orgID))
	}
	return Result{Allowed: true, NormalizedSQL: rewritten, Rewritten: true}
}

// scopedByWhere reports whether the outer WHERE clause is a conjunction with
// the tenant predicate as one of its terms. An OR at the top of the clause
// could widen the result past the tenant, so it disqualifies the clause even
// when the predicate is present.
func (g *Guard) scopedByWhere(sql, orgID string, words []keyword) bool {
	for _, term := range whereConjuncts(sql, words) {
		if term == "" {
			return false
		}
		if m := g.exact.FindStringSubmatch(unwrapParens(term)); m != nil && m[1] == orgID {
			return true
		}
	}
	return false
}

func (g *Guard) tenantPredicate(orgID string) string {
	return fmt.Sprintf("%s = '%s'", g.cfg.TenantColumn, orgID)
}

func (g *Guard) tenantFilterReason(orgID string) string {
	return "query must filter by " + g.tenantPredicate(orgID)
}

func reject(sql, reason string) Result {
	return Result{Allowed: false, NormalizedSQL: sql, Reason: reason}
}
