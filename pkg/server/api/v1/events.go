package v1

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gradeworks/gradeworks/pkg/server/api"
)

// JobEventsHandler handles GET /api/v1/jobs/{id}/events
//
// Streams progress updates for a job as Server-Sent Events. Each event is a
// JSON-encoded progress update:
//
//	event: progress
//	data: {"job_id":"...","progress":42,"hint":"rendering","at":"..."}
//
// The stream starts with the latest known update (if any) so late
// subscribers never miss the current state, and ends when the client
// disconnects. Intermediate updates may be coalesced under load; the final
// value always arrives.
func JobEventsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "JOB_ID_REQUIRED", "job id is required")
			return
		}

		// 404 unknown jobs before committing to a stream.
		if _, err := deps.Engine.GetJob(r.Context(), id); err != nil {
			api.WriteError(w, r, err)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			api.WriteJSONError(w, http.StatusInternalServerError, "Internal Server Error", "STREAMING_UNSUPPORTED", "response writer does not support streaming")
			return
		}

		updates, cancel := deps.Engine.Progress().Subscribe(id)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				payload, err := json.Marshal(update)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
				flusher.Flush()
			}
		}
	}
}
