package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/cache"
	"audio-delivery/internal/catalog"
	"audio-delivery/internal/events"
	"audio-delivery/internal/stream"
	"audio-delivery/internal/transcode"
)

type stubTranscoder struct {
	err error
}

func (s *stubTranscoder) Transcode(_ context.Context, req transcode.Request) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []byte(fmt.Sprintf("%s@%s#%.2f", req.Source, req.Rendition.Name, req.Start)), nil
}

func newTestRouter(t *testing.T, cfg stream.Config, tc transcode.Transcoder) *chi.Mux {
	t.Helper()
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	if tc == nil {
		tc = &stubTranscoder{}
	}

	c, err := cache.New(cache.Config{MemoryEntries: 64}, nil, log)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	bus := events.NewBus()
	ctrl := abr.NewController(abr.Config{}, bus, log)
	store := catalog.NewInMemoryStore(
		catalog.Track{ID: "t-180", Duration: 180, Source: "/music/t-180.flac"},
		catalog.Track{ID: "t-short", Duration: 0.25, Source: "/music/t-short.flac"},
	)
	mgr := stream.NewManager(cfg, stream.Deps{
		Catalog:    store,
		Advisor:    ctrl,
		Cache:      c,
		Transcoder: tc,
		Bus:        bus,
		Log:        log,
	})

	h := NewHandler(mgr, ctrl, c, log)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func createAndStart(t *testing.T, r http.Handler, user, track string) string {
	t.Helper()
	rec := do(t, r, http.MethodPost, "/streams", map[string]any{"userId": user, "trackId": track})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created createStreamResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	rec = do(t, r, http.MethodPost, "/streams/"+string(created.StreamID)+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	return string(created.StreamID)
}

func TestHandler_CreateStream(t *testing.T) {
	r := newTestRouter(t, stream.Config{MaxStreamsPerListener: 1}, nil)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"created", map[string]any{"userId": "u1", "trackId": "t-180", "quality": "low"}, http.StatusCreated},
		{"capacity", map[string]any{"userId": "u1", "trackId": "t-180"}, http.StatusTooManyRequests},
		{"bad_json", "not json", http.StatusBadRequest},
		{"missing_user", map[string]any{"trackId": "t-180"}, http.StatusBadRequest},
		{"unknown_quality", map[string]any{"userId": "u2", "trackId": "t-180", "quality": "4k"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, r, http.MethodPost, "/streams", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_StartStream(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)

	rec := do(t, r, http.MethodPost, "/streams", map[string]any{"userId": "u1", "trackId": "t-180"})
	var created createStreamResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	rec = do(t, r, http.MethodPost, "/streams/"+string(created.StreamID)+"/start", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var info stream.Info
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.TotalSegments != 45 || info.SegmentDuration != 4 || info.ContentType != "audio/mp4" {
		t.Errorf("info: got %+v", info)
	}

	if rec := do(t, r, http.MethodPost, "/streams/nope/start", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stream: expected 404, got %d", rec.Code)
	}
}

func TestHandler_StartStream_trackNotFound(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	rec := do(t, r, http.MethodPost, "/streams", map[string]any{"userId": "u1", "trackId": "missing"})
	var created createStreamResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	base := "/streams/" + string(created.StreamID)

	if rec := do(t, r, http.MethodPost, base+"/start", nil); rec.Code != http.StatusNotFound {
		t.Errorf("start: expected 404, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, base+"/segments/0", nil); rec.Code != http.StatusConflict {
		t.Errorf("segment on failed stream: expected 409, got %d", rec.Code)
	}
}

func TestHandler_GetSegment(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	id := createAndStart(t, r, "u1", "t-180")

	rec := do(t, r, http.MethodGet, "/streams/"+id+"/segments/2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mp4" {
		t.Errorf("Content-Type: got %q", ct)
	}
	if q := rec.Header().Get("X-Audio-Quality"); q != "medium" {
		t.Errorf("X-Audio-Quality: got %q", q)
	}
	if got := rec.Body.String(); got != "/music/t-180.flac@medium#8.00" {
		t.Errorf("body: got %q", got)
	}

	for _, path := range []string{"/segments/45", "/segments/-1", "/segments/abc"} {
		if rec := do(t, r, http.MethodGet, "/streams/"+id+path, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestHandler_GetPlaylist(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	id := createAndStart(t, r, "u1", "t-180")

	rec := do(t, r, http.MethodGet, "/streams/"+id+"/playlist.m3u8", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != stream.PlaylistContentType {
		t.Errorf("Content-Type: got %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "segments/0\n") || !strings.Contains(body, "segments/44\n") || strings.Contains(body, "segments/45") {
		t.Errorf("playlist:\n%s", body)
	}
	if rec := do(t, r, http.MethodGet, "/streams/missing/playlist.m3u8", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown stream: expected 404, got %d", rec.Code)
	}
}

func TestHandler_GetSegment_notStarted(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	rec := do(t, r, http.MethodPost, "/streams", map[string]any{"userId": "u1", "trackId": "t-180"})
	var created createStreamResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &created)

	if rec := do(t, r, http.MethodGet, "/streams/"+string(created.StreamID)+"/segments/0", nil); rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestHandler_GetSegment_transcodeErrors(t *testing.T) {
	t.Run("bad_gateway", func(t *testing.T) {
		r := newTestRouter(t, stream.Config{}, &stubTranscoder{err: errors.New("decoder crashed")})
		id := createAndStart(t, r, "u1", "t-180")
		if rec := do(t, r, http.MethodGet, "/streams/"+id+"/segments/0", nil); rec.Code != http.StatusBadGateway {
			t.Errorf("expected 502, got %d", rec.Code)
		}
	})
	t.Run("gateway_timeout", func(t *testing.T) {
		r := newTestRouter(t, stream.Config{}, &stubTranscoder{err: transcode.ErrTimeout})
		id := createAndStart(t, r, "u1", "t-180")
		if rec := do(t, r, http.MethodGet, "/streams/"+id+"/segments/0", nil); rec.Code != http.StatusGatewayTimeout {
			t.Errorf("expected 504, got %d", rec.Code)
		}
	})
}

func TestHandler_StatsAndStop(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	id := createAndStart(t, r, "u1", "t-180")
	_ = do(t, r, http.MethodGet, "/streams/"+id+"/segments/0", nil)

	rec := do(t, r, http.MethodGet, "/streams/"+id+"/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", rec.Code)
	}
	var st stream.Stats
	_ = json.Unmarshal(rec.Body.Bytes(), &st)
	if st.CurrentSegment != 0 || st.TotalSegments != 45 || st.BytesSent == 0 || st.Status != stream.StatusActive {
		t.Errorf("stats: got %+v", st)
	}

	if rec := do(t, r, http.MethodDelete, "/streams/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodDelete, "/streams/"+id, nil); rec.Code != http.StatusNoContent {
		t.Errorf("second delete: expected 204, got %d", rec.Code)
	}
	if rec := do(t, r, http.MethodGet, "/streams/"+id+"/stats", nil); rec.Code != http.StatusNotFound {
		t.Errorf("stats after delete: expected 404, got %d", rec.Code)
	}
}

func TestHandler_Users(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	createAndStart(t, r, "u1", "t-180")

	t.Run("metrics", func(t *testing.T) {
		rec := do(t, r, http.MethodPost, "/users/u1/metrics", map[string]any{"bandwidth": 900, "bufferLevel": 5})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
		}
		var resp recommendationResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Recommendation.Name != "medium" {
			t.Errorf("recommendation: got %s", resp.Recommendation.Name)
		}
	})

	t.Run("metrics_unknown_user", func(t *testing.T) {
		if rec := do(t, r, http.MethodPost, "/users/ghost/metrics", map[string]any{"bandwidth": 900}); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("preferences", func(t *testing.T) {
		rec := do(t, r, http.MethodPut, "/users/u1/preferences", map[string]any{"minQuality": "high"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var st abr.State
		_ = json.Unmarshal(rec.Body.Bytes(), &st)
		if st.Quality.Name != "high" || st.MinQuality != "high" {
			t.Errorf("state: got quality %s min %s", st.Quality.Name, st.MinQuality)
		}
	})

	t.Run("preferences_invalid", func(t *testing.T) {
		rec := do(t, r, http.MethodPut, "/users/u1/preferences", map[string]any{"minQuality": "lossless", "maxQuality": "low"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("quality", func(t *testing.T) {
		rec := do(t, r, http.MethodPut, "/users/u1/quality", map[string]any{"quality": "lossless"})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp setQualityResponse
		_ = json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Quality.Name != "lossless" {
			t.Errorf("quality: got %s", resp.Quality.Name)
		}
	})

	t.Run("state", func(t *testing.T) {
		rec := do(t, r, http.MethodGet, "/users/u1/state", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var st abr.State
		_ = json.Unmarshal(rec.Body.Bytes(), &st)
		if st.ListenerID != "u1" || len(st.Samples) != 1 || len(st.History) != 2 {
			t.Errorf("state: got %+v", st)
		}
	})
}

func TestHandler_HealthAndStats(t *testing.T) {
	r := newTestRouter(t, stream.Config{}, nil)
	createAndStart(t, r, "u1", "t-180")

	rec := do(t, r, http.MethodGet, "/healthz", nil)
	var health healthResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &health)
	if rec.Code != http.StatusOK || health.Status != "ok" || health.ActiveStreams != 1 {
		t.Errorf("healthz: %d %+v", rec.Code, health)
	}

	rec = do(t, r, http.MethodGet, "/stats", nil)
	var stats statsResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Streams.Created != 1 || stats.ABR.Listeners != 1 || stats.Cache == nil {
		t.Errorf("stats: %+v", stats)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{stream.ErrStreamNotFound, http.StatusNotFound},
		{fmt.Errorf("resolve: %w", catalog.ErrTrackNotFound), http.StatusNotFound},
		{abr.ErrListenerNotFound, http.StatusNotFound},
		{stream.ErrCapacityExceeded, http.StatusTooManyRequests},
		{stream.ErrInvalidSegment, http.StatusBadRequest},
		{stream.ErrStreamFailed, http.StatusConflict},
		{stream.ErrTranscode, http.StatusBadGateway},
		{stream.ErrTranscodeTimeout, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v): got %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHandler_internalErrorsNotEchoed(t *testing.T) {
	h := &Handler{log: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 4}))}
	rec := httptest.NewRecorder()
	h.writeError(rec, httptest.NewRequest(http.MethodGet, "/x", nil), "boom", errors.New("secret path /var/lib"))
	var body errorBody
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if rec.Code != http.StatusInternalServerError || body.Error != "Internal Server Error" {
		t.Errorf("got %d %q", rec.Code, body.Error)
	}
}
