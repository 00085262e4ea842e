package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

const (
	// SegmentTTL is how long a rendered segment stays cached.
	SegmentTTL = 24 * time.Hour

	// MetadataTTL is how long track metadata stays cached.
	MetadataTTL = 7 * 24 * time.Hour

	defaultFlushInterval       = 30 * time.Second
	defaultPrefetchConcurrency = 2
	prefetchTimeout            = 2 * time.Minute

	// Payloads below this size are stored as-is even when compression is requested.
	minCompressSize = 256
)

// Config configures a Manager. An empty Dir disables the durable tier.
type Config struct {
	MemoryEntries       int
	Dir                 string
	MaxDiskBytes        int64
	FlushInterval       time.Duration
	PrefetchConcurrency int

	// Now overrides the clock; used by tests.
	Now func() time.Time
}

// SetOptions controls a single write. NoPersist skips the durable tier.
type SetOptions struct {
	TTL       time.Duration
	Compress  bool
	NoPersist bool
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	MemoryHits      int64 `json:"memoryHits"`
	RemoteHits      int64 `json:"remoteHits"`
	DiskHits        int64 `json:"diskHits"`
	Sets            int64 `json:"sets"`
	Expired         int64 `json:"expired"`
	Evictions       int64 `json:"evictions"`
	MemoryEvictions int64 `json:"memoryEvictions"`
	TierErrors      int64 `json:"tierErrors"`
	MemoryEntries   int   `json:"memoryEntries"`
	DiskEntries     int   `json:"diskEntries"`
	DiskBytes       int64 `json:"diskBytes"`
}

type counters struct {
	misses     atomic.Int64
	memoryHits atomic.Int64
	remoteHits atomic.Int64
	diskHits   atomic.Int64
	sets       atomic.Int64
	expired    atomic.Int64
	tierErrors atomic.Int64
}

// Manager reads and writes through the memory, distributed and durable tiers.
// Tiers are consulted fastest first; a hit in a slower tier is promoted into
// every faster one.
type Manager struct {
	cfg    Config
	log    *slog.Logger
	now    func() time.Time
	memory *MemoryTier
	remote Tier
	disk   *DiskTier
	tiers  []Tier

	enc *zstd.Encoder
	dec *zstd.Decoder

	stats counters
}

// New builds a Manager. remote may be nil when no distributed tier is configured.
func New(cfg Config, remote Tier, log *slog.Logger) (*Manager, error) {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = defaultPrefetchConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	memory, err := NewMemoryTier(cfg.MemoryEntries)
	if err != nil {
		return nil, fmt.Errorf("memory tier: %w", err)
	}
	m := &Manager{cfg: cfg, log: log, now: now, memory: memory, remote: remote}
	m.tiers = append(m.tiers, memory)
	if remote != nil {
		m.tiers = append(m.tiers, remote)
	}
	if cfg.Dir != "" {
		disk, err := OpenDiskTier(cfg.Dir, cfg.MaxDiskBytes, log)
		if err != nil {
			return nil, fmt.Errorf("disk tier: %w", err)
		}
		disk.now = now
		m.disk = disk
		m.tiers = append(m.tiers, disk)
	}

	if m.enc, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	if m.dec, err = zstd.NewReader(nil); err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return m, nil
}

// Get returns the payload stored under key. Expired entries count as a miss
// and are removed from every tier.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, t := range m.tiers {
		e, ok, err := t.Get(ctx, key)
		if err != nil {
			m.tierError(t, "get", key, err)
			continue
		}
		if !ok {
			continue
		}
		if e.Expired(m.now()) {
			m.stats.expired.Add(1)
			m.removeAll(ctx, key)
			break
		}
		data, err := m.decode(e)
		if err != nil {
			m.log.Warn("cache entry undecodable, dropping", slog.String("key", key), slog.String("error", err.Error()))
			m.removeAll(ctx, key)
			break
		}
		for _, faster := range m.tiers[:i] {
			if err := faster.Set(ctx, key, e); err != nil {
				m.tierError(faster, "promote", key, err)
			}
		}
		m.hit(t)
		return data, true
	}
	m.stats.misses.Add(1)
	return nil, false
}

// Set stores data under key. The memory tier is always written; the
// distributed tier gets the TTL; the durable tier is skipped with NoPersist.
// Tier failures are logged and do not fail the write. data is copied, and Get
// returns a fresh copy, so callers may modify either slice.
func (m *Manager) Set(ctx context.Context, key string, data []byte, opts SetOptions) error {
	if key == "" {
		return ErrEmptyKey
	}
	e := &Entry{
		Data:      bytes.Clone(data),
		Timestamp: m.now().UnixMilli(),
		TTL:       opts.TTL.Milliseconds(),
		Size:      int64(len(data)),
	}
	if opts.Compress && len(data) >= minCompressSize {
		if packed := m.enc.EncodeAll(data, nil); len(packed) < len(data) {
			e.Data = packed
			e.Compressed = true
		}
	}

	m.stats.sets.Add(1)
	for _, t := range m.tiers {
		if t == Tier(m.disk) && opts.NoPersist {
			continue
		}
		if err := t.Set(ctx, key, e); err != nil {
			m.tierError(t, "set", key, err)
		}
	}
	return nil
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) {
	m.removeAll(ctx, key)
}

// Clear wipes every tier.
func (m *Manager) Clear(ctx context.Context) {
	for _, t := range m.tiers {
		if err := t.Clear(ctx); err != nil {
			m.tierError(t, "clear", "*", err)
		}
	}
	m.log.Info("cache cleared")
}

// CleanupOldFiles runs durable-tier eviction on demand.
func (m *Manager) CleanupOldFiles() int {
	if m.disk == nil {
		return 0
	}
	return m.disk.CleanupOldFiles()
}

// CacheAudioSegment stores a rendered segment for 24h.
func (m *Manager) CacheAudioSegment(ctx context.Context, trackID, quality string, index int, data []byte) error {
	return m.Set(ctx, SegmentKey(trackID, quality, index), data, SetOptions{TTL: SegmentTTL})
}

// GetAudioSegment returns a cached segment.
func (m *Manager) GetAudioSegment(ctx context.Context, trackID, quality string, index int) ([]byte, bool) {
	return m.Get(ctx, SegmentKey(trackID, quality, index))
}

// CacheTrackMetadata stores v as compressed JSON for 7 days.
func (m *Manager) CacheTrackMetadata(ctx context.Context, trackID string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	return m.Set(ctx, MetadataKey(trackID), raw, SetOptions{TTL: MetadataTTL, Compress: true})
}

// GetTrackMetadata decodes cached metadata into v and reports whether it was found.
func (m *Manager) GetTrackMetadata(ctx context.Context, trackID string, v any) (bool, error) {
	raw, ok := m.Get(ctx, MetadataKey(trackID))
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		m.Delete(ctx, MetadataKey(trackID))
		return false, fmt.Errorf("decode metadata: %w", err)
	}
	return true, nil
}

// Loader renders segment index on a prefetch miss. It is expected to leave
// the result in the cache (typically a read-through render).
type Loader func(ctx context.Context, index int) ([]byte, error)

// PrefetchNextSegments warms segments [from, from+count) for trackID/quality in
// the background. Segments already cached are promoted into the faster tiers;
// misses go through load when it is non-nil. Failures are logged, never
// returned. The returned channel is closed when the prefetch finishes.
func (m *Manager) PrefetchNextSegments(ctx context.Context, trackID, quality string, from, count int, load Loader) <-chan struct{} {
	done := make(chan struct{})
	if count <= 0 {
		close(done)
		return done
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), prefetchTimeout)
	go func() {
		defer close(done)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.PrefetchConcurrency)
		for i := from; i < from+count; i++ {
			g.Go(func() error {
				if _, ok := m.GetAudioSegment(gctx, trackID, quality, i); ok || load == nil {
					return nil
				}
				if _, err := load(gctx, i); err != nil {
					m.log.Debug("prefetch failed",
						slog.String("track_id", trackID),
						slog.String("quality", quality),
						slog.Int("segment", i),
						slog.String("error", err.Error()))
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return done
}

// Stats returns a snapshot of the cache counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		MemoryHits:      m.stats.memoryHits.Load(),
		RemoteHits:      m.stats.remoteHits.Load(),
		DiskHits:        m.stats.diskHits.Load(),
		Misses:          m.stats.misses.Load(),
		Sets:            m.stats.sets.Load(),
		Expired:         m.stats.expired.Load(),
		TierErrors:      m.stats.tierErrors.Load(),
		MemoryEvictions: m.memory.Evictions(),
		MemoryEntries:   m.memory.Len(),
	}
	s.Hits = s.MemoryHits + s.RemoteHits + s.DiskHits
	if m.disk != nil {
		s.Evictions = m.disk.Evictions()
		s.DiskEntries = m.disk.Len()
		s.DiskBytes = m.disk.Size()
	}
	return s
}

// Run flushes the durable tier's index every FlushInterval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.disk == nil {
		return
	}
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.disk.Flush(); err != nil {
				m.log.Warn("cache index flush failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close flushes the durable index and releases the compressor.
func (m *Manager) Close() error {
	var err error
	if m.disk != nil {
		err = m.disk.Flush()
	}
	m.enc.Close()
	m.dec.Close()
	return err
}

func (m *Manager) decode(e *Entry) ([]byte, error) {
	if !e.Compressed {
		return bytes.Clone(e.Data), nil
	}
	return m.dec.DecodeAll(e.Data, nil)
}

func (m *Manager) removeAll(ctx context.Context, key string) {
	for _, t := range m.tiers {
		if err := t.Delete(ctx, key); err != nil {
			m.tierError(t, "delete", key, err)
		}
	}
}

func (m *Manager) hit(t Tier) {
	switch t {
	case Tier(m.memory):
		m.stats.memoryHits.Add(1)
	case Tier(m.disk):
		m.stats.diskHits.Add(1)
	default:
		m.stats.remoteHits.Add(1)
	}
}

func (m *Manager) tierError(t Tier, op, key string, err error) {
	m.stats.tierErrors.Add(1)
	m.log.Warn("cache tier error",
		slog.String("tier", t.Name()),
		slog.String("op", op),
		slog.String("key", key),
		slog.String("error", err.Error()))
}
