package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dripsend/dripsend/internal/recipients"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	checkTimeout = 5 * time.Second
)

// CheckFunc is the health check signature shared by the postgres, redisconn,
// and dispatch packages.
type CheckFunc func(ctx context.Context) error

// Checks is a set of named readiness checks.
type Checks map[string]CheckFunc

type healthResponse struct {
	Checks map[string]healthCheck `json:"checks,omitempty"`
	Status string                 `json:"status"`
}

type healthCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func livenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}
}

func readinessHandler(checks Checks, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := runChecks(r.Context(), checks, log)

		status := http.StatusOK
		if resp.Status == statusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	}
}

// runChecks executes all checks in parallel under a shared timeout.
func runChecks(ctx context.Context, checks Checks, log *slog.Logger) *healthResponse {
	if len(checks) == 0 {
		return &healthResponse{Status: statusHealthy}
	}

	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		results  = make(map[string]healthCheck, len(checks))
		hasError bool
	)

	for name, check := range checks {
		wg.Add(1)
		go func(name string, check CheckFunc) {
			defer wg.Done()

			result := healthCheck{Status: statusHealthy}
			if err := check(ctx); err != nil {
				result.Status = statusUnhealthy
				result.Error = err.Error()
				log.WarnContext(ctx, "readiness check failed",
					slog.String("check", name),
					slog.String("error", err.Error()))
				mu.Lock()
				hasError = true
				mu.Unlock()
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}

	wg.Wait()

	status := statusHealthy
	if hasError {
		status = statusUnhealthy
	}
	return &healthResponse{Status: status, Checks: results}
}

type statsResponse struct {
	ConfigID string         `json:"config_id"`
	States   map[string]int `json:"states"`
}

func statsHandler(queue *recipients.Queue, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configID, err := uuid.Parse(chi.URLParam(r, "configID"))
		if err != nil {
			http.Error(w, "invalid configuration id", http.StatusBadRequest)
			return
		}

		counts, err := queue.Stats(r.Context(), configID)
		if err != nil {
			log.ErrorContext(r.Context(), "queue stats failed",
				slog.String("config_id", configID.String()),
				slog.Any("error", err))
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}

		states := make(map[string]int, len(counts))
		for state, n := range counts {
			states[string(state)] = n
		}
		writeJSON(w, http.StatusOK, statsResponse{
			ConfigID: configID.String(),
			States:   states,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
