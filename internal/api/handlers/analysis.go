package handlers

import (
	"net/http"

	"github.com/eargollo/vidlift/internal/analysis"
)

// AnalysisHandler exposes the media analysis pipeline.
type AnalysisHandler struct {
	Pipeline *analysis.Pipeline
}

type analyzeRequest struct {
	Path  string `json:"path"`
	Force bool   `json:"force"`
}

type manualRequest struct {
	Path       string `json:"path"`
	Classified *bool  `json:"classified"`
}

// Analyze handles POST /api/analysis. The analysis continues for other
// waiters if this caller disconnects.
func (h *AnalysisHandler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "path is required")
		return
	}
	var opts []analysis.AnalyzeOption
	if req.Force {
		opts = append(opts, analysis.WithForce())
	}
	res, err := h.Pipeline.Analyze(r.Context(), req.Path, opts...)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SetManual handles PUT /api/analysis/manual.
func (h *AnalysisHandler) SetManual(w http.ResponseWriter, r *http.Request) {
	var req manualRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Path == "" || req.Classified == nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "path and classified are required")
		return
	}
	if err := h.Pipeline.SetManual(r.Context(), req.Path, *req.Classified); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": req.Path, "classified": *req.Classified})
}

// ClearManual handles DELETE /api/analysis/manual?path=.
func (h *AnalysisHandler) ClearManual(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "path is required")
		return
	}
	if err := h.Pipeline.ClearManual(r.Context(), path); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
