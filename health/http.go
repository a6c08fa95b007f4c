package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Handler serves the full aggregated health report as JSON
type Handler struct {
	service *Service
	timeout time.Duration
	fresh   bool
}

// NewHandler creates an HTTP handler for the service. When fresh is true
// every request re-runs all checks; otherwise the last scheduled results are
// served.
func NewHandler(service *Service, timeout time.Duration, fresh bool) *Handler {
	return &Handler{service: service, timeout: timeout, fresh: fresh}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var overall Overall
	if h.fresh {
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()
		overall = h.service.RunAll(ctx)
	} else {
		overall = h.service.Overall()
	}

	statusCode := http.StatusOK
	if overall.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(overall); err != nil {
		http.Error(w, "failed to encode health response", http.StatusInternalServerError)
	}
}

// ReadinessHandler reports ready unless the aggregate is unhealthy
func ReadinessHandler(service *Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		overall := service.Overall()
		if overall.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	}
}

// LivenessHandler reports alive while the process is serving
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	}
}
