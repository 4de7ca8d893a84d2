package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/sqlagent/pkg/models"
)

func TestServiceValidateAPIKey(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{
		Key:    "abc123",
		UserID: "user-1",
		Email:  "user@example.com",
		OrgIDs: []string{"org_1"},
		Roles:  []string{"analyst"},
		Tier:   "free",
	}}})
	p, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if p.ID != "user-1" || p.Email != "user@example.com" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if p.ActiveOrgID != "org_1" {
		t.Fatalf("single-org key should select org_1, got %q", p.ActiveOrgID)
	}
	if p.Tier != "free" || !p.HasRole("analyst") {
		t.Fatalf("unexpected tier/roles %+v", p)
	}

	// Callers get a copy; mutating it must not leak into later lookups.
	p.ActiveOrgID = "org_other"
	again, _ := service.ValidateAPIKey("abc123")
	if again.ActiveOrgID != "org_1" {
		t.Fatalf("stored principal was mutated: %+v", again)
	}
}

func TestServiceValidateAPIKeyErrors(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123"}}})
	if _, err := service.ValidateAPIKey("nope"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := NewService(Config{}).ValidateAPIKey("abc123"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestServiceDerivesAPIKeyUserID(t *testing.T) {
	service := NewService(Config{APIKeys: []APIKeyConfig{{Key: "abc123", OrgIDs: []string{"a", "b"}}}})
	p, err := service.ValidateAPIKey("abc123")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if !strings.HasPrefix(p.ID, "api_") || len(p.ID) != len("api_")+16 {
		t.Fatalf("unexpected derived id %q", p.ID)
	}
	if p.ActiveOrgID != "" {
		t.Fatalf("multi-org key must not select an org, got %q", p.ActiveOrgID)
	}
}

func TestServiceEnabled(t *testing.T) {
	if NewService(Config{}).Enabled() {
		t.Fatal("empty config should be disabled")
	}
	if !NewService(Config{JWTSecret: "s"}).Enabled() {
		t.Fatal("jwt secret should enable auth")
	}
	if !NewService(Config{APIKeys: []APIKeyConfig{{Key: "k"}}}).Enabled() {
		t.Fatal("api key should enable auth")
	}
}

func TestMiddleware(t *testing.T) {
	service := NewService(Config{
		JWTSecret:   "secret",
		TokenExpiry: time.Hour,
		APIKeys:     []APIKeyConfig{{Key: "key-1", UserID: "svc"}},
	})
	token, err := service.JWT().Generate(&models.Principal{ID: "user-1"})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{name: "no credentials"},
		{name: "bearer token", headers: map[string]string{"Authorization": "Bearer " + token}, want: "user-1"},
		{name: "lowercase bearer", headers: map[string]string{"Authorization": "bearer " + token}, want: "user-1"},
		{name: "invalid token", headers: map[string]string{"Authorization": "Bearer junk"}},
		{name: "api key", headers: map[string]string{"X-API-Key": "key-1"}, want: "svc"},
		{name: "alternate api key header", headers: map[string]string{"Api-Key": "key-1"}, want: "svc"},
		{name: "invalid api key", headers: map[string]string{"X-API-Key": "wrong"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			handler := Middleware(service, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if p, ok := PrincipalFromContext(r.Context()); ok {
					got = p.ID
				}
				w.WriteHeader(http.StatusNoContent)
			}))
			req := httptest.NewRequest(http.MethodPost, "/v1/query", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d", rec.Code)
			}
			if got != tt.want {
				t.Fatalf("principal = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareDisabled(t *testing.T) {
	called := false
	handler := Middleware(NewService(Config{}), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		if _, ok := PrincipalFromContext(r.Context()); ok {
			t.Error("unexpected principal")
		}
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer whatever")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Fatal("handler not called")
	}
}
