package handlers

import (
	"context"
	"net/http"

	"github.com/eargollo/vidlift/internal/remote"
	"github.com/eargollo/vidlift/internal/session"
	"github.com/eargollo/vidlift/internal/upload"
)

// UploadsHandler exposes the upload engine.
type UploadsHandler struct {
	Engine *upload.Engine
}

type startRequest struct {
	Path        string   `json:"path"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Privacy     string   `json:"privacy"`
	Tags        []string `json:"tags"`
}

type resourceRequest struct {
	ResourceID string `json:"resource_id"`
}

type operationResponse struct {
	OperationID string `json:"operation_id"`
	ResourceID  string `json:"resource_id"`
	ProgressURL string `json:"progress_url"`
}

func accepted(w http.ResponseWriter, opID, resourceID string) {
	writeJSON(w, http.StatusAccepted, operationResponse{
		OperationID: opID,
		ResourceID:  resourceID,
		ProgressURL: "/api/progress/" + opID,
	})
}

// Start handles POST /api/uploads.
func (h *UploadsHandler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "path is required")
		return
	}
	opID, err := h.Engine.Start(r.Context(), req.Path, remote.Metadata{
		Title:       req.Title,
		Description: req.Description,
		Privacy:     req.Privacy,
		Tags:        req.Tags,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	accepted(w, opID, upload.ResourceID(req.Path))
}

// Pause handles POST /api/uploads/pause.
func (h *UploadsHandler) Pause(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "resource_id is required")
		return
	}
	if err := h.Engine.Pause(req.ResourceID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"resource_id": upload.ResourceID(req.ResourceID),
		"status":      "pausing",
	})
}

// Resume handles POST /api/uploads/resume.
func (h *UploadsHandler) Resume(w http.ResponseWriter, r *http.Request) {
	var req resourceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ResourceID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "resource_id is required")
		return
	}
	// The probe must not be cut short by a client hanging up.
	opID, err := h.Engine.Resume(context.WithoutCancel(r.Context()), req.ResourceID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	accepted(w, opID, upload.ResourceID(req.ResourceID))
}

// Session handles GET /api/uploads/session?resource_id=.
func (h *UploadsHandler) Session(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("resource_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "resource_id is required")
		return
	}
	s, err := h.Engine.Session(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Sessions handles GET /api/uploads/sessions.
func (h *UploadsHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.Engine.Sessions(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, ListResponse[session.Session]{Items: sessions, Total: len(sessions)})
}

// Active handles GET /api/uploads/active.
func (h *UploadsHandler) Active(w http.ResponseWriter, r *http.Request) {
	active := h.Engine.Active()
	writeJSON(w, http.StatusOK, ListResponse[upload.ActiveUpload]{Items: active, Total: len(active)})
}
