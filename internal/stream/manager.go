package stream

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"audio-delivery/internal/abr"
	"audio-delivery/internal/cache"
	"audio-delivery/internal/catalog"
	"audio-delivery/internal/events"
	"audio-delivery/internal/quality"
	"audio-delivery/internal/transcode"
)

const (
	DefaultSegmentDuration         = 4 * time.Second
	DefaultMaxStreams              = 1000
	DefaultMaxStreamsPerListener   = 3
	DefaultFetchTimeout            = 30 * time.Second
	DefaultTranscodeTimeout        = 60 * time.Second
	DefaultIdleTimeout             = 5 * time.Minute
	DefaultMaxConcurrentTranscodes = 4
	DefaultPushRetries             = 3

	listenerLockStripes = 64
)

// streamNamespace scopes the name-based UUIDs used as stream ids.
var streamNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:audio-delivery:stream"))

// Config tunes the Manager. Zero values fall back to the package defaults,
// except PrefetchSegments where zero disables prefetching.
type Config struct {
	SegmentDuration         time.Duration
	MaxStreams              int
	MaxStreamsPerListener   int
	FetchTimeout            time.Duration
	TranscodeTimeout        time.Duration
	IdleTimeout             time.Duration
	PrefetchSegments        int
	MaxConcurrentTranscodes int
	PushRetries             int
	Now                     func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = DefaultSegmentDuration
	}
	if c.MaxStreams <= 0 {
		c.MaxStreams = DefaultMaxStreams
	}
	if c.MaxStreamsPerListener <= 0 {
		c.MaxStreamsPerListener = DefaultMaxStreamsPerListener
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.TranscodeTimeout <= 0 {
		c.TranscodeTimeout = DefaultTranscodeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.PrefetchSegments < 0 {
		c.PrefetchSegments = 0
	}
	if c.MaxConcurrentTranscodes <= 0 {
		c.MaxConcurrentTranscodes = DefaultMaxConcurrentTranscodes
	}
	if c.PushRetries <= 0 {
		c.PushRetries = DefaultPushRetries
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Advisor is the adaptive bitrate surface the Manager depends on.
type Advisor interface {
	RegisterUser(listenerID string, initial quality.Name) (abr.State, error)
	UnregisterUser(listenerID string) bool
	GetQualityRecommendation(listenerID string) (quality.Rendition, error)
	Touch(listenerID string)
}

// SegmentCache is the cache surface the Manager depends on.
type SegmentCache interface {
	GetAudioSegment(ctx context.Context, trackID, quality string, index int) ([]byte, bool)
	CacheAudioSegment(ctx context.Context, trackID, quality string, index int, data []byte) error
	GetTrackMetadata(ctx context.Context, trackID string, v any) (bool, error)
	CacheTrackMetadata(ctx context.Context, trackID string, v any) error
	PrefetchNextSegments(ctx context.Context, trackID, quality string, from, count int, load cache.Loader) <-chan struct{}
}

// Deps are the collaborators of a Manager. Bus may be nil.
type Deps struct {
	Catalog    catalog.Store
	Advisor    Advisor
	Cache      SegmentCache
	Transcoder transcode.Transcoder
	Bus        *events.Bus
	Log        *slog.Logger
}

// Totals are the Manager's lifetime counters.
type Totals struct {
	Created        int64 `json:"created"`
	SegmentsServed int64 `json:"segmentsServed"`
	BytesServed    int64 `json:"bytesServed"`
	Transcodes     int64 `json:"transcodes"`
	Failures       int64 `json:"failures"`
}

// Manager owns the lifecycle of every stream: creation, start, segment
// delivery, push mode and teardown.
type Manager struct {
	cfg        Config
	log        *slog.Logger
	bus        *events.Bus
	catalog    catalog.Store
	advisor    Advisor
	cache      SegmentCache
	transcoder transcode.Transcoder

	repo   Repository
	flight singleflight.Group
	sem    *semaphore.Weighted
	seq    atomic.Uint64

	// listenerLocks pair a listener's stream count change with its
	// controller registration.
	listenerLocks [listenerLockStripes]sync.Mutex

	created        atomic.Int64
	segmentsServed atomic.Int64
	bytesServed    atomic.Int64
	transcodes     atomic.Int64
	failures       atomic.Int64
}

// NewManager returns a Manager using deps.
func NewManager(cfg Config, deps Deps) *Manager {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		log:        log,
		bus:        deps.Bus,
		catalog:    deps.Catalog,
		advisor:    deps.Advisor,
		cache:      deps.Cache,
		transcoder: deps.Transcoder,
		repo:       NewInMemoryRepository(cfg.MaxStreams, cfg.MaxStreamsPerListener),
		sem:        semaphore.NewWeighted(int64(cfg.MaxConcurrentTranscodes)),
	}
}

// CreateStream registers a new stream in the initializing state and registers
// the listener with the adaptive bitrate controller at the requested (or
// default) quality.
func (m *Manager) CreateStream(ctx context.Context, listenerID, trackID string, opts CreateOptions) (StreamID, error) {
	if listenerID == "" || trackID == "" {
		return "", fmt.Errorf("%w: userId and trackId are required", ErrInvalidInput)
	}
	if opts.StartIndex < 0 {
		return "", fmt.Errorf("%w: start index %d", ErrInvalidSegment, opts.StartIndex)
	}
	r, err := quality.Parse(opts.Quality)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	now := m.cfg.Now()
	id := m.newStreamID(listenerID, trackID, now)
	s := newStream(id, listenerID, trackID, r, opts.StartIndex, m.cfg.SegmentDuration, now)

	mu := m.listenerLock(listenerID)
	mu.Lock()
	if err := m.repo.Add(s); err != nil {
		mu.Unlock()
		return "", err
	}
	st, err := m.advisor.RegisterUser(listenerID, r.Name)
	if err != nil {
		m.repo.Remove(id)
		mu.Unlock()
		return "", err
	}
	mu.Unlock()
	s.mu.Lock()
	s.quality = st.Quality
	s.mu.Unlock()

	m.created.Add(1)
	m.log.InfoContext(ctx, "stream created",
		slog.String("stream_id", string(id)),
		slog.String("user_id", listenerID),
		slog.String("track_id", trackID),
		slog.String("quality", string(st.Quality.Name)),
		slog.Int("start_index", opts.StartIndex))
	m.publish(events.StreamCreated, s, map[string]any{
		"trackId": trackID,
		"quality": string(st.Quality.Name),
	})
	return id, nil
}

// StartStream resolves the track, computes the segment count and moves the
// stream to active. Starting an active stream returns its info again.
func (m *Manager) StartStream(ctx context.Context, id StreamID) (Info, error) {
	s, ok := m.repo.Get(id)
	if !ok {
		return Info{}, ErrStreamNotFound
	}
	s.mu.Lock()
	switch s.status {
	case StatusActive:
		info := s.infoLocked()
		s.mu.Unlock()
		return info, nil
	case StatusError:
		s.mu.Unlock()
		return Info{}, ErrStreamFailed
	case StatusStopped:
		s.mu.Unlock()
		return Info{}, ErrStreamNotFound
	}
	s.mu.Unlock()

	track, err := m.resolveTrack(ctx, s.TrackID)
	if err != nil {
		m.fail(s, err)
		return Info{}, err
	}
	total := segmentCount(track.Duration, m.cfg.SegmentDuration)

	s.mu.Lock()
	if s.status != StatusInitializing {
		defer s.mu.Unlock()
		if s.status == StatusActive {
			return s.infoLocked(), nil
		}
		return Info{}, ErrStreamNotActive
	}
	if s.startIndex >= total {
		s.mu.Unlock()
		err := fmt.Errorf("%w: start index %d beyond %d segments", ErrInvalidSegment, s.startIndex, total)
		m.fail(s, err)
		return Info{}, err
	}
	s.track = track
	s.totalSegments = total
	s.status = StatusActive
	s.lastActivity = m.cfg.Now()
	info := s.infoLocked()
	s.mu.Unlock()

	m.log.InfoContext(ctx, "stream started",
		slog.String("stream_id", string(id)),
		slog.String("track_id", track.ID),
		slog.Float64("duration", track.Duration),
		slog.Int("total_segments", total))
	m.publish(events.StreamStarted, s, map[string]any{
		"totalSegments": total,
		"quality":       string(info.Quality),
	})
	return info, nil
}

// GetSegment returns the bytes of segment index at the listener's currently
// recommended quality. Delivery is sequential: index may repeat the last
// served segment or move forward, but never goes below the cursor.
func (m *Manager) GetSegment(ctx context.Context, id StreamID, index int) ([]byte, error) {
	seg, err := m.FetchSegment(ctx, id, index)
	if err != nil {
		return nil, err
	}
	return seg.Data, nil
}

// FetchSegment is GetSegment returning the rendition the bytes were produced at.
func (m *Manager) FetchSegment(ctx context.Context, id StreamID, index int) (Segment, error) {
	s, ok := m.repo.Get(id)
	if !ok {
		return Segment{}, ErrStreamNotFound
	}

	s.mu.Lock()
	if err := statusErr(s.status); err != nil {
		s.mu.Unlock()
		return Segment{}, err
	}
	if index < 0 || index >= s.totalSegments {
		total := s.totalSegments
		s.mu.Unlock()
		return Segment{}, fmt.Errorf("%w: index %d outside [0, %d)", ErrInvalidSegment, index, total)
	}
	if index < s.cursor {
		cursor := s.cursor
		s.mu.Unlock()
		return Segment{}, fmt.Errorf("%w: index %d behind cursor %d", ErrInvalidSegment, index, cursor)
	}
	track := s.track
	s.mu.Unlock()

	r := m.currentQuality(s)
	data, err := m.fetch(ctx, track, r, index)
	if err != nil {
		m.failures.Add(1)
		m.log.WarnContext(ctx, "segment fetch failed",
			slog.String("stream_id", string(id)),
			slog.Int("segment", index),
			slog.String("quality", string(r.Name)),
			slog.String("error", err.Error()))
		return Segment{}, err
	}

	s.mu.Lock()
	if index > s.cursor {
		s.cursor = index
	}
	s.bytesSent += int64(len(data))
	s.lastActivity = m.cfg.Now()
	total := s.totalSegments
	s.mu.Unlock()

	m.advisor.Touch(s.ListenerID)
	m.segmentsServed.Add(1)
	m.bytesServed.Add(int64(len(data)))
	m.publish(events.SegmentServed, s, map[string]any{
		"segment": index,
		"quality": string(r.Name),
		"bytes":   len(data),
	})

	if n := min(m.cfg.PrefetchSegments, total-index-1); n > 0 {
		m.cache.PrefetchNextSegments(ctx, track.ID, string(r.Name), index+1, n,
			func(ctx context.Context, i int) ([]byte, error) {
				return m.renderShared(ctx, track, r, i)
			})
	}
	return Segment{Index: index, Quality: r.Name, Data: data}, nil
}

// currentQuality asks the controller for the listener's rendition and records
// a switch on the stream when it differs from the last one served.
func (m *Manager) currentQuality(s *Stream) quality.Rendition {
	rec, err := m.advisor.GetQualityRecommendation(s.ListenerID)

	s.mu.Lock()
	prev := s.quality
	if err != nil || rec.Name == prev.Name {
		s.mu.Unlock()
		if err != nil {
			m.log.Debug("no quality recommendation, keeping stream quality",
				slog.String("stream_id", string(s.ID)),
				slog.String("error", err.Error()))
		}
		return prev
	}
	s.quality = rec
	s.mu.Unlock()

	m.log.Info("stream quality changed",
		slog.String("stream_id", string(s.ID)),
		slog.String("from", string(prev.Name)),
		slog.String("to", string(rec.Name)))
	m.publish(events.QualityChanged, s, map[string]any{
		"from": string(prev.Name),
		"to":   string(rec.Name),
	})
	return rec
}

// fetch serves a segment from the cache or renders it. The caller's wait is
// bounded by FetchTimeout; the render itself continues in the background so
// its result still lands in the cache.
func (m *Manager) fetch(ctx context.Context, track catalog.Track, r quality.Rendition, index int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	defer cancel()

	if data, ok := m.cache.GetAudioSegment(ctx, track.ID, string(r.Name), index); ok {
		return data, nil
	}

	ch := m.flight.DoChan(flightKey(track.ID, r.Name, index), func() (any, error) {
		return m.render(ctx, track, r, index)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: segment %d not ready after %s", ErrTranscodeTimeout, index, m.cfg.FetchTimeout)
		}
		return nil, ctx.Err()
	}
}

// renderShared is the blocking form of fetch's render used by prefetch.
func (m *Manager) renderShared(ctx context.Context, track catalog.Track, r quality.Rendition, index int) ([]byte, error) {
	v, err, _ := m.flight.Do(flightKey(track.ID, r.Name, index), func() (any, error) {
		return m.render(ctx, track, r, index)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// render transcodes one segment and stores it in the cache. It runs detached
// from the requesting context, bounded by TranscodeTimeout and the transcode
// semaphore.
func (m *Manager) render(ctx context.Context, track catalog.Track, r quality.Rendition, index int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.TranscodeTimeout)
	defer cancel()

	// Another caller may have finished the same render between our cache miss
	// and winning the flight.
	if data, ok := m.cache.GetAudioSegment(ctx, track.ID, string(r.Name), index); ok {
		return data, nil
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for transcode slot: %v", ErrTranscodeTimeout, err)
	}
	defer m.sem.Release(1)

	segDur := m.cfg.SegmentDuration.Seconds()
	start := float64(index) * segDur
	req := transcode.Request{
		Source:    track.Source,
		Start:     start,
		Duration:  math.Min(segDur, track.Duration-start),
		Rendition: r,
	}

	began := time.Now()
	data, err := m.transcoder.Transcode(ctx, req)
	m.transcodes.Add(1)
	if err != nil {
		switch {
		case errors.Is(err, ErrTranscode), errors.Is(err, ErrTranscodeTimeout):
			return nil, err
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: %v", ErrTranscodeTimeout, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrTranscode, err)
		}
	}

	m.log.Debug("segment transcoded",
		slog.String("track_id", track.ID),
		slog.String("quality", string(r.Name)),
		slog.Int("segment", index),
		slog.Int("bytes", len(data)),
		slog.Duration("took", time.Since(began)))

	if err := m.cache.CacheAudioSegment(ctx, track.ID, string(r.Name), index, data); err != nil {
		m.log.Warn("caching segment failed",
			slog.String("track_id", track.ID),
			slog.Int("segment", index),
			slog.String("error", err.Error()))
	}
	return data, nil
}

// resolveTrack reads track metadata through the cache, falling back to the catalog.
func (m *Manager) resolveTrack(ctx context.Context, trackID string) (catalog.Track, error) {
	var t catalog.Track
	ok, err := m.cache.GetTrackMetadata(ctx, trackID, &t)
	if err != nil {
		m.log.Debug("cached track metadata unreadable",
			slog.String("track_id", trackID),
			slog.String("error", err.Error()))
	}
	if ok && err == nil && t.Duration > 0 && t.Source != "" {
		return t, nil
	}

	t, err = m.catalog.GetTrackInfo(ctx, trackID)
	if err != nil {
		return catalog.Track{}, fmt.Errorf("resolve track %s: %w", trackID, err)
	}
	if t.Duration <= 0 {
		return catalog.Track{}, fmt.Errorf("%w: track %s has no duration", ErrInvalidInput, trackID)
	}
	if err := m.cache.CacheTrackMetadata(ctx, trackID, t); err != nil {
		m.log.Warn("caching track metadata failed",
			slog.String("track_id", trackID),
			slog.String("error", err.Error()))
	}
	return t, nil
}

// StopStream ends the stream and releases its resources. Stopping an unknown
// or already stopped stream is a no-op. The listener is unregistered from the
// controller when its last stream ends.
func (m *Manager) StopStream(ctx context.Context, id StreamID) error {
	s, ok := m.repo.Get(id)
	if !ok {
		return nil
	}

	mu := m.listenerLock(s.ListenerID)
	mu.Lock()
	s, remaining, ok := m.repo.Remove(id)
	if ok && remaining == 0 {
		m.advisor.UnregisterUser(s.ListenerID)
	}
	mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.status != StatusError {
		s.status = StatusStopped
	}
	st := s.statsLocked()
	s.mu.Unlock()
	s.halt()

	m.log.InfoContext(ctx, "stream stopped",
		slog.String("stream_id", string(id)),
		slog.String("user_id", s.ListenerID),
		slog.Int("segments", st.CurrentSegment+1),
		slog.Int64("bytes_sent", st.BytesSent))
	m.publish(events.StreamStopped, s, map[string]any{
		"bytesSent":      st.BytesSent,
		"currentSegment": st.CurrentSegment,
	})
	return nil
}

// GetStreamStats returns a snapshot of the stream's progress.
func (m *Manager) GetStreamStats(id StreamID) (Stats, error) {
	s, ok := m.repo.Get(id)
	if !ok {
		return Stats{}, ErrStreamNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(), nil
}

// ActiveStreamCount returns the number of registered streams.
func (m *Manager) ActiveStreamCount() int {
	return m.repo.Count()
}

// Totals returns the lifetime counters.
func (m *Manager) Totals() Totals {
	return Totals{
		Created:        m.created.Load(),
		SegmentsServed: m.segmentsServed.Load(),
		BytesServed:    m.bytesServed.Load(),
		Transcodes:     m.transcodes.Load(),
		Failures:       m.failures.Load(),
	}
}

// ReapIdle stops streams without activity for longer than IdleTimeout and
// returns how many it stopped.
func (m *Manager) ReapIdle(ctx context.Context) int {
	cutoff := m.cfg.Now().Add(-m.cfg.IdleTimeout)
	n := 0
	for _, s := range m.repo.List() {
		s.mu.Lock()
		idle := s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if !idle {
			continue
		}
		m.log.InfoContext(ctx, "reaping idle stream", slog.String("stream_id", string(s.ID)))
		_ = m.StopStream(ctx, s.ID)
		n++
	}
	return n
}

// Run reaps idle streams until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := max(m.cfg.IdleTimeout/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ReapIdle(ctx)
		}
	}
}

// Shutdown stops every stream.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, s := range m.repo.List() {
		_ = m.StopStream(ctx, s.ID)
	}
}

// SegmentDuration returns the configured segment length.
func (m *Manager) SegmentDuration() time.Duration {
	return m.cfg.SegmentDuration
}

func (m *Manager) fail(s *Stream, err error) {
	s.mu.Lock()
	if s.status == StatusStopped {
		s.mu.Unlock()
		return
	}
	s.status = StatusError
	s.failure = err.Error()
	s.mu.Unlock()

	m.failures.Add(1)
	m.log.Error("stream failed",
		slog.String("stream_id", string(s.ID)),
		slog.String("error", err.Error()))
	m.publish(events.StreamError, s, map[string]any{"error": err.Error()})
}

func (m *Manager) publish(t events.Type, s *Stream, data map[string]any) {
	m.bus.Publish(events.Event{
		Type:       t,
		StreamID:   string(s.ID),
		ListenerID: s.ListenerID,
		Data:       data,
	})
}

// listenerLock returns the stripe guarding listenerID's registration.
func (m *Manager) listenerLock(listenerID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(listenerID))
	return &m.listenerLocks[h.Sum32()%listenerLockStripes]
}

func (m *Manager) newStreamID(listenerID, trackID string, now time.Time) StreamID {
	name := listenerID + ":" + trackID + ":" + strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatUint(m.seq.Add(1), 10)
	return StreamID(uuid.NewSHA1(streamNamespace, []byte(name)).String())
}

func statusErr(st Status) error {
	switch st {
	case StatusActive:
		return nil
	case StatusError:
		return ErrStreamFailed
	case StatusStopped:
		return ErrStreamNotFound
	default:
		return ErrStreamNotActive
	}
}

func segmentCount(duration float64, segDur time.Duration) int {
	return int(math.Ceil(duration / segDur.Seconds()))
}

func flightKey(trackID string, q quality.Name, index int) string {
	return trackID + "|" + string(q) + "|" + strconv.Itoa(index)
}
