package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/haasonsaas/sqlagent/internal/observability"
)

// Middleware resolves bearer tokens and API keys into a principal on the
// request context. Requests without valid credentials pass through without a
// principal; handlers decide whether that is acceptable.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			if token := extractBearer(r.Header); token != "" {
				principal, err := service.ValidateJWT(token)
				if err != nil {
					logger.WarnContext(ctx, "jwt validation failed", "error", err)
					next.ServeHTTP(w, r)
					return
				}
				ctx = observability.AddUserID(WithPrincipal(ctx, principal), principal.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if apiKey := extractAPIKey(r.Header); apiKey != "" {
				principal, err := service.ValidateAPIKey(apiKey)
				if err != nil {
					logger.WarnContext(ctx, "api key validation failed", "error", err)
					next.ServeHTTP(w, r)
					return
				}
				ctx = observability.AddUserID(WithPrincipal(ctx, principal), principal.ID)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(h http.Header) string {
	for _, value := range h.Values("Authorization") {
		lower := strings.ToLower(value)
		if strings.HasPrefix(lower, "bearer ") {
			return strings.TrimSpace(value[len("bearer "):])
		}
	}
	return ""
}

func extractAPIKey(h http.Header) string {
	for _, key := range []string{"X-API-Key", "Api-Key"} {
		for _, value := range h.Values(key) {
			trimmed := strings.TrimSpace(value)
			if trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}
