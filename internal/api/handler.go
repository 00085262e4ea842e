package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/cache"
	"audio-delivery/internal/stream"
	"audio-delivery/internal/transcode"
)

// Handler exposes the stream manager and bitrate controller over HTTP using go-chi.
type Handler struct {
	streams  *stream.Manager
	abr      *abr.Controller
	cache    *cache.Manager
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns a Handler. c may be nil, in which case /stats omits cache counters.
func NewHandler(streams *stream.Manager, ctrl *abr.Controller, c *cache.Manager, log *slog.Logger) *Handler {
	return &Handler{
		streams: streams,
		abr:     ctrl,
		cache:   c,
		log:     log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)
	r.Route("/streams", func(r chi.Router) {
		r.Post("/", h.CreateStream)
		r.Route("/{stream_id}", func(r chi.Router) {
			r.Post("/start", h.StartStream)
			r.Get("/segments/{index}", h.GetSegment)
			r.Get("/playlist.m3u8", h.GetPlaylist)
			r.Get("/stats", h.GetStreamStats)
			r.Get("/ws", h.PushSegments)
			r.Delete("/", h.StopStream)
		})
	})
	r.Route("/users/{user_id}", func(r chi.Router) {
		r.Post("/metrics", h.UpdateMetrics)
		r.Get("/state", h.GetUserState)
		r.Put("/preferences", h.SetPreferences)
		r.Put("/quality", h.SetQuality)
	})
}

type createStreamRequest struct {
	UserID     string `json:"userId"`
	TrackID    string `json:"trackId"`
	Quality    string `json:"quality,omitempty"`
	StartIndex int    `json:"startIndex,omitempty"`
}

type createStreamResponse struct {
	StreamID stream.StreamID `json:"streamId"`
}

// CreateStream handles POST /streams.
// Body: { "userId": "u1", "trackId": "t1", "quality": "medium", "startIndex": 0 }.
func (h *Handler) CreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, "invalid create stream body", err)
		return
	}

	id, err := h.streams.CreateStream(r.Context(), req.UserID, req.TrackID, stream.CreateOptions{
		Quality:    req.Quality,
		StartIndex: req.StartIndex,
	})
	if err != nil {
		h.writeError(w, r, "create stream failed", err)
		return
	}

	w.Header().Set("Location", "/streams/"+string(id))
	writeJSON(w, http.StatusCreated, createStreamResponse{StreamID: id})
}

// StartStream handles POST /streams/{stream_id}/start.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	info, err := h.streams.StartStream(r.Context(), streamID(r))
	if err != nil {
		h.writeError(w, r, "start stream failed", err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetSegment handles GET /streams/{stream_id}/segments/{index} and writes the
// raw segment bytes.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		h.writeError(w, r, "invalid segment index", stream.ErrInvalidSegment)
		return
	}

	seg, err := h.streams.FetchSegment(r.Context(), streamID(r), index)
	if err != nil {
		h.writeError(w, r, "get segment failed", err)
		return
	}

	w.Header().Set("Content-Type", transcode.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Data)))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Header().Set("X-Segment-Index", strconv.Itoa(seg.Index))
	w.Header().Set("X-Audio-Quality", string(seg.Quality))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Data)
}

// GetPlaylist handles GET /streams/{stream_id}/playlist.m3u8. Segment URIs are
// relative to the playlist URL.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	m3u8, err := h.streams.Playlist(streamID(r), func(i int) string {
		return "segments/" + strconv.Itoa(i)
	})
	if err != nil {
		h.writeError(w, r, "playlist failed", err)
		return
	}
	w.Header().Set("Content-Type", stream.PlaylistContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(m3u8))
}

// GetStreamStats handles GET /streams/{stream_id}/stats.
func (h *Handler) GetStreamStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.streams.GetStreamStats(streamID(r))
	if err != nil {
		h.writeError(w, r, "stream stats failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StopStream handles DELETE /streams/{stream_id}. Stopping an unknown stream succeeds.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	if err := h.streams.StopStream(r.Context(), streamID(r)); err != nil {
		h.writeError(w, r, "stop stream failed", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status        string `json:"status"`
	ActiveStreams int    `json:"activeStreams"`
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", ActiveStreams: h.streams.ActiveStreamCount()})
}

type statsResponse struct {
	ActiveStreams int           `json:"activeStreams"`
	Streams       stream.Totals `json:"streams"`
	ABR           abr.Stats     `json:"abr"`
	Cache         *cache.Stats  `json:"cache,omitempty"`
}

// Stats handles GET /stats with engine-wide counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		ActiveStreams: h.streams.ActiveStreamCount(),
		Streams:       h.streams.Totals(),
		ABR:           h.abr.Stats(),
	}
	if h.cache != nil {
		cs := h.cache.Stats()
		resp.Cache = &cs
	}
	writeJSON(w, http.StatusOK, resp)
}

func streamID(r *http.Request) stream.StreamID {
	return stream.StreamID(chi.URLParam(r, "stream_id"))
}
