// Package httpx wires the HTTP surface: route registration, health
// endpoints and request logging middleware.
package httpx

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gradeworks/gradeworks/pkg/config"
	"github.com/gradeworks/gradeworks/pkg/server/api"
	v1 "github.com/gradeworks/gradeworks/pkg/server/api/v1"
)

// NewRouter builds the HTTP handler tree for the server.
//
// Routes:
//   - GET  /healthz                     — liveness (always 200)
//   - GET  /readyz                      — readiness (gated on startup)
//   - POST /api/v1/jobs                 — submit a job
//   - GET  /api/v1/jobs                 — list jobs (cursor pagination)
//   - GET  /api/v1/jobs/{id}            — job details
//   - POST /api/v1/jobs/{id}/cancel     — request cancellation
//   - DELETE /api/v1/jobs/{id}          — delete a terminal job
//   - GET  /api/v1/jobs/{id}/artifact   — download the artifact
//   - GET  /api/v1/jobs/{id}/events     — progress stream (SSE)
func NewRouter(cfg config.ServerConfig, deps *api.Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", HealthzHandler)
	mux.Handle("GET /readyz", v1.ReadyzHandler(deps.Ready))

	mux.Handle("POST /api/v1/jobs", v1.CreateJobHandler(deps))
	mux.Handle("GET /api/v1/jobs", v1.ListJobsHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}", v1.GetJobHandler(deps))
	mux.Handle("POST /api/v1/jobs/{id}/cancel", v1.CancelJobHandler(deps))
	mux.Handle("DELETE /api/v1/jobs/{id}", v1.DeleteJobHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}/artifact", v1.GetArtifactHandler(deps))
	mux.Handle("GET /api/v1/jobs/{id}/events", v1.JobEventsHandler(deps))

	log.Info().
		Str("component", "httpx").
		Msg("API routes mounted")

	return RequestLogger(mux)
}

// HealthzHandler handles GET /healthz
//
// Liveness probe. Always returns 200 while the process is up.
func HealthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// statusRecorder captures the response status for logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RequestLogger logs one structured line per request.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		log.Debug().
			Str("component", "httpx").
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("Request handled")
	})
}
