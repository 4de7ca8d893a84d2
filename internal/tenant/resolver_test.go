package tenant

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/haasonsaas/sqlagent/internal/apierr"
	"github.com/haasonsaas/sqlagent/pkg/models"
)

type fakeLookup struct {
	ids   []string
	err   error
	calls int
	block bool
}

func (f *fakeLookup) ListOrgIDs(ctx context.Context, userID string) ([]string, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.ids, f.err
}

func headerWith(org string) http.Header {
	h := http.Header{}
	if org != "" {
		h.Set(DefaultHeader, org)
	}
	return h
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		header     string
		principal  *models.Principal
		lookup     *fakeLookup
		requireOrg bool
		wantOrg    string
		wantSource Source
		wantErr    apierr.Code
	}{
		{
			name:       "header wins over session",
			header:     "org_999",
			principal:  &models.Principal{ID: "u1", ActiveOrgID: "org_111", OrgIDs: []string{"org_111", "org_999"}},
			requireOrg: true,
			wantOrg:    "org_999",
			wantSource: SourceHeader,
		},
		{
			name:       "header naming another tenant",
			header:     "org_victim",
			principal:  &models.Principal{ID: "u1", ActiveOrgID: "org_mine", OrgIDs: []string{"org_mine"}},
			requireOrg: true,
			wantErr:    apierr.CodeForbidden,
		},
		{
			name:       "header org without lookup",
			header:     "org_2",
			principal:  &models.Principal{ID: "u1"},
			requireOrg: false,
			wantErr:    apierr.CodeForbidden,
		},
		{
			name:       "active session org",
			principal:  &models.Principal{ID: "u1", ActiveOrgID: "org_111"},
			requireOrg: true,
			wantOrg:    "org_111",
			wantSource: SourceSession,
		},
		{
			name:       "credential membership",
			principal:  &models.Principal{ID: "u1", OrgIDs: []string{"org_a", "org_b"}},
			requireOrg: true,
			wantOrg:    "org_a",
			wantSource: SourceMembership,
		},
		{
			name:       "looked up membership",
			principal:  &models.Principal{ID: "u1"},
			lookup:     &fakeLookup{ids: []string{"org_l"}},
			requireOrg: true,
			wantOrg:    "org_l",
			wantSource: SourceMembership,
		},
		{
			name:       "lookup failure is swallowed",
			principal:  &models.Principal{ID: "u1"},
			lookup:     &fakeLookup{err: errors.New("db down")},
			requireOrg: false,
			wantSource: SourceNone,
		},
		{
			name:       "missing org required",
			principal:  &models.Principal{ID: "u1"},
			lookup:     &fakeLookup{},
			requireOrg: true,
			wantErr:    apierr.CodeMissingOrgContext,
		},
		{
			name:       "personal scope",
			principal:  &models.Principal{ID: "u1"},
			requireOrg: false,
			wantSource: SourceNone,
		},
		{
			name:    "nil principal",
			header:  "org_1",
			wantErr: apierr.CodeUnauthenticated,
		},
		{
			name:      "empty user id",
			principal: &models.Principal{ID: "  "},
			wantErr:   apierr.CodeUnauthenticated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lookup MembershipLookup
			if tt.lookup != nil {
				lookup = tt.lookup
			}
			r := NewResolver(Config{}, lookup, nil)
			got, err := r.Resolve(context.Background(), headerWith(tt.header), tt.principal, tt.requireOrg)
			if tt.wantErr != "" {
				if apierr.CodeOf(err) != tt.wantErr {
					t.Fatalf("error code = %q, want %q (err %v)", apierr.CodeOf(err), tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.OrgID != tt.wantOrg || got.Source != tt.wantSource {
				t.Fatalf("got %+v, want org %q source %q", got, tt.wantOrg, tt.wantSource)
			}
			if got.UserID != tt.principal.ID {
				t.Fatalf("UserID = %q", got.UserID)
			}
		})
	}
}

func TestResolveMissingOrgIsDistinctFromUnauthenticated(t *testing.T) {
	r := NewResolver(Config{}, nil, nil)
	_, err := r.Resolve(context.Background(), http.Header{}, &models.Principal{ID: "u1"}, true)
	if !errors.Is(err, apierr.ErrMissingOrgContext) {
		t.Fatalf("expected missing org context, got %v", err)
	}
	if errors.Is(err, apierr.ErrUnauthenticated) {
		t.Fatal("missing org must not look like unauthenticated")
	}
}

func TestResolveLookupIsBounded(t *testing.T) {
	lookup := &fakeLookup{block: true}
	r := NewResolver(Config{LookupTimeout: 20 * time.Millisecond}, lookup, nil)

	start := time.Now()
	got, err := r.Resolve(context.Background(), http.Header{}, &models.Principal{ID: "u1"}, false)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Source != SourceNone {
		t.Fatalf("Source = %q", got.Source)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("lookup not bounded: %v", elapsed)
	}
	if lookup.calls != 1 {
		t.Fatalf("lookup calls = %d, want 1", lookup.calls)
	}
}

func TestResolveVerifyHeaderOrg(t *testing.T) {
	principal := &models.Principal{ID: "u1", OrgIDs: []string{"org_1"}}

	tests := []struct {
		name    string
		header  string
		lookup  *fakeLookup
		wantErr bool
	}{
		{name: "credential member", header: "org_1"},
		{name: "looked up member", header: "org_2", lookup: &fakeLookup{ids: []string{"org_2"}}},
		{name: "not a member", header: "org_3", lookup: &fakeLookup{ids: []string{"org_2"}}, wantErr: true},
		{name: "lookup failure fails closed", header: "org_2", lookup: &fakeLookup{err: errors.New("down")}, wantErr: true},
		{name: "lookup timeout fails closed", header: "org_2", lookup: &fakeLookup{block: true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var lookup MembershipLookup
			if tt.lookup != nil {
				lookup = tt.lookup
			}
			r := NewResolver(Config{LookupTimeout: 20 * time.Millisecond}, lookup, nil)
			got, err := r.Resolve(context.Background(), headerWith(tt.header), principal, true)
			if tt.wantErr {
				if apierr.CodeOf(err) != apierr.CodeForbidden {
					t.Fatalf("expected forbidden, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got.OrgID != tt.header || got.Source != SourceHeader {
				t.Fatalf("unexpected context %+v", got)
			}
		})
	}
}

func TestResolveUnverifiedHeaderOrg(t *testing.T) {
	off := false
	r := NewResolver(Config{VerifyHeaderOrg: &off}, nil, nil)
	got, err := r.Resolve(context.Background(), headerWith("org_any"), &models.Principal{ID: "u1"}, true)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.OrgID != "org_any" || got.Source != SourceHeader {
		t.Fatalf("unexpected context %+v", got)
	}
}

func TestCustomHeader(t *testing.T) {
	r := NewResolver(Config{Header: "X-Org"}, nil, nil)
	h := http.Header{}
	h.Set("X-Org", "org_h")
	got, err := r.Resolve(context.Background(), h, &models.Principal{ID: "u1", OrgIDs: []string{"org_h"}}, true)
	if err != nil || got.OrgID != "org_h" {
		t.Fatalf("got %+v, %v", got, err)
	}
	if r.Header() != "X-Org" {
		t.Fatalf("Header() = %q", r.Header())
	}
}

func TestContextHelpers(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("expected no tenant")
	}
	tc := &Context{UserID: "u1", OrgID: "org_1", Source: SourceHeader}
	got, ok := FromContext(WithContext(context.Background(), tc))
	if !ok || got != tc {
		t.Fatalf("FromContext = %+v, %v", got, ok)
	}
	if tc.TenantKey() != "org_1" {
		t.Fatalf("TenantKey() = %q", tc.TenantKey())
	}
	personal := &Context{UserID: "u1", Source: SourceNone}
	if personal.TenantKey() != "u1" || personal.HasOrg() {
		t.Fatalf("personal scope key = %q", personal.TenantKey())
	}
}
