package handlers

import (
	"net/http"
	"time"

	"github.com/eargollo/vidlift/internal/analysis"
	"github.com/eargollo/vidlift/internal/scan"
	"github.com/eargollo/vidlift/internal/scheduler"
	"github.com/eargollo/vidlift/internal/upload"
)

// StatusHandler handles GET /api/status.
type StatusHandler struct {
	Pipeline *analysis.Pipeline
	Engine   *upload.Engine
	Sweeps   *scan.Manager
	Sched    *scheduler.Scheduler
	Version  string
}

type statusResponse struct {
	Version          string                `json:"version"`
	RemoteConfigured bool                  `json:"remote_configured"`
	Analysis         analysis.Status       `json:"analysis"`
	ActiveUploads    []upload.ActiveUpload `json:"active_uploads"`
	ActiveSweep      *sweepInfo            `json:"active_sweep"`
	LastSweep        *scan.SweepRecord     `json:"last_sweep"`
	Schedule         scheduleInfo          `json:"schedule"`
}

type scheduleInfo struct {
	Cron      string     `json:"cron"`
	Paused    bool       `json:"paused"`
	NextRunAt *time.Time `json:"next_run_at"`
}

// ServeHTTP returns the system status as JSON.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Version:          h.Version,
		RemoteConfigured: h.Engine.Configured(),
		Analysis:         h.Pipeline.Status(),
		ActiveUploads:    h.Engine.Active(),
		ActiveSweep:      newSweepInfo(h.Sweeps.Active()),
		LastSweep:        h.Sweeps.Last(),
	}
	if h.Sched != nil {
		resp.Schedule = scheduleInfo{
			Cron:      h.Sched.CronExpr(),
			Paused:    h.Sched.Paused(),
			NextRunAt: h.Sched.NextRunAt(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
