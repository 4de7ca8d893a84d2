package server

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/haasonsaas/sqlagent/internal/apierr"
)

// errorEnvelope is the body of every pre-flight failure.
type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

type errorBody struct {
	Code    apierr.Code    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError maps err onto a status and writes the envelope. Internal errors
// are logged with their cause and reported with a generic message.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := apierr.As(err)
	status := apierr.HTTPStatus(apiErr.Code)

	message := apiErr.Message
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", "code", apiErr.Code, "error", err)
		message = serverErrorMessage(apiErr.Code)
	} else {
		s.logger.DebugContext(r.Context(), "request rejected", "code", apiErr.Code, "error", err)
	}

	if apiErr.RetryAfter > 0 {
		secs := int(math.Ceil(apiErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	writeJSON(w, status, errorEnvelope{
		Success: false,
		Error: errorBody{
			Code:    apiErr.Code,
			Message: message,
			Details: apiErr.Details,
		},
	})
}

// serverErrorMessage is the fixed message for a 5xx code, so causes never
// reach the client.
func serverErrorMessage(code apierr.Code) string {
	switch code {
	case apierr.CodeUpstreamModelError:
		return apierr.ErrUpstreamModelError.Message
	case apierr.CodeUpstreamDatabaseError:
		return apierr.ErrUpstreamDatabaseError.Message
	case apierr.CodeTimeout:
		return apierr.ErrTimeout.Message
	default:
		return apierr.ErrInternal.Message
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// The client may have disconnected.
		slog.Debug("write json response", "error", err)
	}
}
