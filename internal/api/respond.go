package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/catalog"
	"audio-delivery/internal/quality"
	"audio-delivery/internal/stream"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stream.ErrStreamNotFound),
		errors.Is(err, catalog.ErrTrackNotFound),
		errors.Is(err, abr.ErrListenerNotFound):
		return http.StatusNotFound
	case errors.Is(err, stream.ErrCapacityExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, stream.ErrInvalidSegment),
		errors.Is(err, stream.ErrInvalidInput),
		errors.Is(err, quality.ErrUnknownQuality),
		errors.Is(err, abr.ErrInvalidPreferences):
		return http.StatusBadRequest
	case errors.Is(err, stream.ErrStreamNotActive),
		errors.Is(err, stream.ErrStreamFailed):
		return http.StatusConflict
	case errors.Is(err, stream.ErrTranscodeTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, stream.ErrTranscode):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError logs err at a level matching its status and writes it as JSON.
// Internal errors are not echoed to the client.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	attrs := []any{
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error", err.Error()),
	}
	body := errorBody{Error: err.Error()}
	switch {
	case status >= 500 && status != http.StatusBadGateway && status != http.StatusGatewayTimeout:
		h.log.ErrorContext(r.Context(), msg, attrs...)
		body.Error = http.StatusText(status)
	case status >= 500:
		h.log.WarnContext(r.Context(), msg, attrs...)
	default:
		h.log.DebugContext(r.Context(), msg, attrs...)
	}
	writeJSON(w, status, body)
}

const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Join(stream.ErrInvalidInput, err)
	}
	return nil
}
