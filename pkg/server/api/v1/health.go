package v1

import (
	"net/http"
	"sync/atomic"
)

// ReadyzHandler handles GET /readyz
//
// Returns 200 once the engine has finished startup (stores opened, worker
// pool running) and 503 before that. Load balancers should gate traffic on
// this endpoint rather than /healthz.
func ReadyzHandler(ready *atomic.Bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))
	}
}
