package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/eargollo/vidlift/internal/scan"
)

// SweepsHandler handles the background analysis sweep.
type SweepsHandler struct {
	Manager *scan.Manager
}

type sweepInfo struct {
	StartedAt   time.Time             `json:"started_at"`
	TriggeredBy string                `json:"triggered_by"`
	Progress    scan.ProgressSnapshot `json:"progress"`
}

func newSweepInfo(a *scan.ActiveSweep) *sweepInfo {
	if a == nil {
		return nil
	}
	return &sweepInfo{StartedAt: a.StartedAt.UTC(), TriggeredBy: a.TriggeredBy, Progress: a.Progress.Snapshot()}
}

// Create handles POST /api/sweeps and triggers a manual sweep.
func (h *SweepsHandler) Create(w http.ResponseWriter, r *http.Request) {
	active, err := h.Manager.Start(context.Background(), "manual")
	if err != nil {
		if errors.Is(err, scan.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "SWEEP_ALREADY_RUNNING", "A sweep is already in progress")
			return
		}
		slog.Error("sweeps: start", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to start sweep")
		return
	}
	writeJSON(w, http.StatusAccepted, newSweepInfo(active))
}

// Cancel handles DELETE /api/sweeps/current.
func (h *SweepsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Manager.Cancel()
	if err != nil {
		if errors.Is(err, scan.ErrNoActiveSweep) {
			writeError(w, http.StatusNotFound, "NO_ACTIVE_SWEEP", "No sweep is currently running")
			return
		}
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "cancelling",
		"started_at": snap.StartedAt.UTC().Format(time.RFC3339),
	})
}

// Current handles GET /api/sweeps/current: the running sweep and the last
// finished one.
func (h *SweepsHandler) Current(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active": newSweepInfo(h.Manager.Active()),
		"last":   h.Manager.Last(),
	})
}
