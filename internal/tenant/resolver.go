// Package tenant resolves which organization a request acts on behalf of.
package tenant

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/sqlagent/internal/apierr"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

// DefaultHeader is the explicit tenant selection header.
const DefaultHeader = "X-Tenant-Org-Id"

// DefaultLookupTimeout bounds the membership fallback lookup.
const DefaultLookupTimeout = 2 * time.Second

// Source records how the organization was chosen.
type Source string

const (
	SourceHeader     Source = "header"
	SourceSession    Source = "active-session"
	SourceMembership Source = "membership-fallback"
	SourceNone       Source = "none"
)

// Context is the resolved identity for one request. It is immutable once
// returned by Resolve.
type Context struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
	Source Source `json:"org_source"`
}

// TenantKey returns the org id, or the user id for personal-scope requests.
func (c *Context) TenantKey() string {
	if c == nil {
		return ""
	}
	if c.OrgID != "" {
		return c.OrgID
	}
	return c.UserID
}

// HasOrg reports whether an organization was resolved.
func (c *Context) HasOrg() bool {
	return c != nil && c.OrgID != ""
}

// MembershipLookup lists organizations a user belongs to, in preference order.
type MembershipLookup interface {
	ListOrgIDs(ctx context.Context, userID string) ([]string, error)
}

// Config controls resolution.
type Config struct {
	// Header overrides the tenant selection header name.
	Header string `yaml:"header"`

	// VerifyHeaderOrg requires the header org to be one of the user's
	// memberships. Nil means enabled. Lookup failures are treated as
	// non-membership.
	VerifyHeaderOrg *bool `yaml:"verify_header_org"`

	// LookupTimeout bounds the membership lookup.
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// Resolver derives a Context from request headers and the authenticated
// principal. It holds no per-request state.
type Resolver struct {
	header        string
	verifyHeader  bool
	lookupTimeout time.Duration
	lookup        MembershipLookup
	logger        *slog.Logger
}

// NewResolver creates a resolver. lookup may be nil, which disables the
// membership fallback.
func NewResolver(cfg Config, lookup MembershipLookup, logger *slog.Logger) *Resolver {
	header := strings.TrimSpace(cfg.Header)
	if header == "" {
		header = DefaultHeader
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = DefaultLookupTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		header:        header,
		verifyHeader:  cfg.VerifyHeaderOrg == nil || *cfg.VerifyHeaderOrg,
		lookupTimeout: timeout,
		lookup:        lookup,
		logger:        logger.With("component", "tenant"),
	}
}

// Header returns the tenant selection header name.
func (r *Resolver) Header() string {
	return r.header
}

// Resolve picks the organization in priority order: the selection header,
// the session's active org, then the user's first membership. When
// requireOrg is set and none is found, it fails with MissingOrgContext.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header, principal *models.Principal, requireOrg bool) (*Context, error) {
	if principal == nil || strings.TrimSpace(principal.ID) == "" {
		return nil, apierr.ErrUnauthenticated
	}
	userID := strings.TrimSpace(principal.ID)

	if orgID := strings.TrimSpace(headers.Get(r.header)); orgID != "" {
		if r.verifyHeader && !r.isMember(ctx, principal, orgID) {
			return nil, apierr.ErrForbidden.WithMessage("not a member of the selected organization")
		}
		return &Context{UserID: userID, OrgID: orgID, Source: SourceHeader}, nil
	}

	if orgID := strings.TrimSpace(principal.ActiveOrgID); orgID != "" {
		return &Context{UserID: userID, OrgID: orgID, Source: SourceSession}, nil
	}

	if orgID := r.firstMembership(ctx, principal); orgID != "" {
		return &Context{UserID: userID, OrgID: orgID, Source: SourceMembership}, nil
	}

	if requireOrg {
		return nil, apierr.ErrMissingOrgContext
	}
	return &Context{UserID: userID, Source: SourceNone}, nil
}

// firstMembership returns the first org carried by the credential, or the
// first one returned by a single bounded lookup. Lookup errors are logged
// and swallowed.
func (r *Resolver) firstMembership(ctx context.Context, principal *models.Principal) string {
	for _, id := range principal.OrgIDs {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	ids, err := r.listOrgIDs(ctx, principal.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "membership lookup failed", "error", err)
		return ""
	}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return ""
}

func (r *Resolver) isMember(ctx context.Context, principal *models.Principal, orgID string) bool {
	if principal.MemberOf(orgID) {
		return true
	}
	ids, err := r.listOrgIDs(ctx, principal.ID)
	if err != nil {
		r.logger.WarnContext(ctx, "membership verification failed", "error", err)
		return false
	}
	for _, id := range ids {
		if strings.TrimSpace(id) == orgID {
			return true
		}
	}
	return false
}

func (r *Resolver) listOrgIDs(ctx context.Context, userID string) ([]string, error) {
	if r.lookup == nil {
		return nil, nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	defer cancel()
	return r.lookup.ListOrgIDs(lookupCtx, userID)
}
