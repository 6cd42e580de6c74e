package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eargollo/vidlift/internal/upload"
)

// heartbeat keeps idle proxies from closing a quiet stream.
const heartbeat = 15 * time.Second

// ProgressHandler streams upload progress as server-sent events.
type ProgressHandler struct {
	Engine *upload.Engine
}

// Stream handles GET /api/progress/{operationID}. Each snapshot is one
// "progress" event; the stream ends after a terminal snapshot or when the
// client leaves. Leaving never affects the upload.
func (h *ProgressHandler) Stream(w http.ResponseWriter, r *http.Request) {
	opID := chi.URLParam(r, "operationID")
	if _, ok := h.Engine.Progress(opID); !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Unknown operation "+opID)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("progress: streaming unsupported", "error", err)
		return
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	snaps := h.Engine.Subscribe(r.Context(), opID)
	for {
		select {
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Error("progress: encode snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: progress\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
			if snap.Status.Terminal() {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
