package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"controlplane/internal/stream"
)

// StreamJob handles GET /v1/jobs/{jobId}/stream - live log streaming over SSE.
//
// The backlog of the current attempt is replayed first, live events follow
// in append order, and a status event precedes the close once the job is
// terminal. Already-terminal jobs get a one-shot replay and close. Idle
// connections receive a comment ping so proxies keep them open.
func (h *Handler) StreamJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")

	j, sub, err := h.engine.Watch(r.Context(), identityFrom(r.Context()), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		if sub != nil {
			h.engine.Unwatch(jobID, sub)
		}
		h.writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if sub == nil {
		// Terminal job: replay the final attempt's log and finish.
		for _, line := range j.Logs {
			writeEvent(w, stream.LogEvent(line))
		}
		writeEvent(w, stream.StatusEvent(j.Status))
		flusher.Flush()
		return
	}

	defer h.engine.Unwatch(jobID, sub)
	if h.metrics != nil {
		h.metrics.RecordStreamAttached(r.Context())
		defer h.metrics.RecordStreamDetached(r.Context())
	}
	flusher.Flush()

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case ev, open := <-sub.Events():
			if !open {
				// Terminal status delivered, or this viewer fell too far
				// behind and was shed.
				return
			}
			writeEvent(w, ev)
			flusher.Flush()

		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev stream.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode stream event", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
