package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/quality"
)

type recommendationResponse struct {
	Recommendation quality.Rendition `json:"recommendation"`
}

// UpdateMetrics handles POST /users/{user_id}/metrics.
// Body: { "bandwidth": 850, "bufferLevel": 6, "segmentMetrics": {"bytes": 64000, "downloadMs": 420} }.
func (h *Handler) UpdateMetrics(w http.ResponseWriter, r *http.Request) {
	var m abr.Metrics
	if err := decodeJSON(w, r, &m); err != nil {
		h.writeError(w, r, "invalid metrics body", err)
		return
	}
	rec, err := h.abr.UpdateMetrics(userID(r), m)
	if err != nil {
		h.writeError(w, r, "update metrics failed", err)
		return
	}
	writeJSON(w, http.StatusOK, recommendationResponse{Recommendation: rec})
}

// GetUserState handles GET /users/{user_id}/state.
func (h *Handler) GetUserState(w http.ResponseWriter, r *http.Request) {
	st, err := h.abr.GetUserState(userID(r))
	if err != nil {
		h.writeError(w, r, "user state failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SetPreferences handles PUT /users/{user_id}/preferences.
// Body: { "minQuality": "low", "maxQuality": "high", "autoAdapt": true }.
func (h *Handler) SetPreferences(w http.ResponseWriter, r *http.Request) {
	var p abr.Preferences
	if err := decodeJSON(w, r, &p); err != nil {
		h.writeError(w, r, "invalid preferences body", err)
		return
	}
	st, err := h.abr.SetUserPreferences(userID(r), p)
	if err != nil {
		h.writeError(w, r, "set preferences failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type setQualityRequest struct {
	Quality quality.Name `json:"quality"`
}

type setQualityResponse struct {
	Quality quality.Rendition `json:"quality"`
}

// SetQuality handles PUT /users/{user_id}/quality, a manual override clamped
// to the listener's preferences.
func (h *Handler) SetQuality(w http.ResponseWriter, r *http.Request) {
	var req setQualityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, "invalid quality body", err)
		return
	}
	rend, err := h.abr.SetQuality(userID(r), req.Quality)
	if err != nil {
		h.writeError(w, r, "set quality failed", err)
		return
	}
	writeJSON(w, http.StatusOK, setQualityResponse{Quality: rend})
}

func userID(r *http.Request) string {
	return chi.URLParam(r, "user_id")
}
