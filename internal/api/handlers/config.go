package handlers

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/eargollo/vidlift/internal/config"
	"github.com/eargollo/vidlift/internal/scheduler"
)

// ConfigHandler handles GET/PATCH /api/config.
type ConfigHandler struct {
	Cfg   *config.Config
	Sched *scheduler.Scheduler
	// Sweep runs when the schedule fires.
	Sweep func()
	mu    sync.Mutex // guards Cfg mutations
}

// ConfigPatch describes the fields that can be updated at runtime.
// Only supplied (non-nil) fields are applied. Changes are not written back
// to config.yaml.
type ConfigPatch struct {
	SweepSchedule *string `json:"sweep_schedule"`
	SweepPaused   *bool   `json:"sweep_paused"`
}

// Get handles GET /api/config. Credentials and local paths are omitted.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(w, http.StatusOK, h.Cfg)
}

// Apply applies each non-nil patch field to h.Cfg and the scheduler.
func (h *ConfigHandler) Apply(patch ConfigPatch) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if patch.SweepSchedule != nil {
		if h.Sched == nil {
			return fmt.Errorf("scheduler is not running")
		}
		if err := h.Sched.SetSweep(*patch.SweepSchedule, h.Sweep); err != nil {
			return err
		}
		h.Cfg.Sweep.Schedule = *patch.SweepSchedule
	}
	if patch.SweepPaused != nil {
		if h.Sched != nil {
			h.Sched.SetPaused(*patch.SweepPaused)
		}
		h.Cfg.Sweep.Paused = *patch.SweepPaused
	}
	return nil
}

// Update handles PATCH /api/config.
func (h *ConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch ConfigPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	if err := h.Apply(patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_CONFIG", err.Error())
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	writeJSON(w, http.StatusOK, h.Cfg)
}
