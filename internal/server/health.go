package server

import (
	"context"
	"net/http"
	"sync"
)

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// handleReadyz checks every dependency concurrently. Failure details are
// logged; the response only names the failing checks.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	results := make(map[string]string, len(s.deps.Checks))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, check := range s.deps.Checks {
		wg.Add(1)
		go func(check ReadinessCheck) {
			defer wg.Done()
			status := "ok"
			if err := check.Check(ctx); err != nil {
				s.logger.WarnContext(ctx, "readiness check failed", "check", check.Name, "error", err)
				status = "failing"
			}
			mu.Lock()
			results[check.Name] = status
			mu.Unlock()
		}(check)
	}
	wg.Wait()

	resp := healthResponse{Status: "ok", Checks: results}
	status := http.StatusOK
	for _, v := range results {
		if v != "ok" {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, resp)
}
