package api

import (
	"fmt"
	"net/http"

	"github.com/nidhogg/agent-mesh/internal/bus"
	"github.com/nidhogg/agent-mesh/internal/redact"
)

// streamExecution serves an execution's event stream as SSE. The
// Last-Event-ID header (or last_event_id query param) resumes from a
// previously seen sequence with no gaps and no duplicates; heartbeat
// frames carry no id and are never persisted.
func (h *Handler) streamExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "executionID")
	if !ok {
		return
	}
	if _, err := h.manager.Get(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	since := queryInt64(r.Header.Get("Last-Event-ID"))
	if since == 0 {
		since = queryInt64(r.URL.Query().Get("last_event_id"))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.bus.Subscribe(r.Context(), id.String(), since)
	for ev := range events {
		data, err := redact.JSON(ev)
		if err != nil {
			continue
		}
		if ev.Type == bus.EventHeartbeat {
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		} else {
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
		}
		flusher.Flush()
	}
}
