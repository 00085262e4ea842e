package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	indexFileName = "index.json"

	// DefaultMaxDiskBytes caps the durable tier when no cap is configured.
	DefaultMaxDiskBytes int64 = 1 << 30

	// evictionTargetPercent is how full the tier may be after a cleanup.
	evictionTargetPercent = 80
)

// diskMeta is the per-key record kept in the index.
type diskMeta struct {
	Size       int64 `json:"size"`
	LastAccess int64 `json:"lastAccess"` // unix millis
}

// diskIndex is the on-disk form of the index, flushed periodically so a
// restart does not need to stat every file.
type diskIndex struct {
	UpdatedAt int64               `json:"updatedAt"`
	TotalSize int64               `json:"totalSize"`
	Entries   int                 `json:"entries"`
	Evictions int64               `json:"evictions"`
	Keys      map[string]diskMeta `json:"keys"`
}

// DiskTier persists one JSON envelope per key under a content-addressed path
// and keeps its total size under a cap by evicting least recently used files.
type DiskTier struct {
	dir      string
	maxBytes int64
	log      *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	index map[string]*diskMeta
	size  int64
	dirty bool

	evictions atomic.Int64
}

// OpenDiskTier opens (creating if needed) a durable tier rooted at dir.
func OpenDiskTier(dir string, maxBytes int64, log *slog.Logger) (*DiskTier, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDiskBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	d := &DiskTier{
		dir:      dir,
		maxBytes: maxBytes,
		log:      log,
		now:      time.Now,
		index:    make(map[string]*diskMeta),
	}
	if err := d.loadIndex(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.log.Warn("cache index unusable, rebuilding from directory", slog.String("error", err.Error()))
		}
		if err := d.rebuildIndex(); err != nil {
			return nil, fmt.Errorf("rebuild cache index: %w", err)
		}
	}
	return d, nil
}

func (d *DiskTier) Name() string { return "disk" }

func (d *DiskTier) path(key string) string {
	shard := "00"
	if len(key) >= 2 {
		shard = key[:2]
	}
	return filepath.Join(d.dir, shard, key+".json")
}

func (d *DiskTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	d.mu.Lock()
	_, ok := d.index[key]
	d.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	raw, err := os.ReadFile(d.path(key))
	if err != nil {
		d.forget(key)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read %s: %v", ErrTierUnavailable, key, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		d.forget(key)
		_ = os.Remove(d.path(key))
		return nil, false, nil
	}

	d.mu.Lock()
	if m, ok := d.index[key]; ok {
		m.LastAccess = d.now().UnixMilli()
		d.dirty = true
	}
	d.mu.Unlock()
	return &e, true, nil
}

func (d *DiskTier) Set(_ context.Context, key string, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	size := int64(len(raw))
	if size > d.maxBytes {
		return fmt.Errorf("%w: %s > %s", ErrEntryTooLarge, humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.maxBytes)))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if old, ok := d.index[key]; ok {
		d.size -= old.Size
		delete(d.index, key)
	}
	if d.size+size > d.maxBytes {
		d.cleanupOldFilesLocked(size)
	}

	p := d.path(key)
	if err := writeFileAtomic(p, raw); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTierUnavailable, key, err)
	}
	d.index[key] = &diskMeta{Size: size, LastAccess: d.now().UnixMilli()}
	d.size += size
	d.dirty = true
	return nil
}

func (d *DiskTier) Delete(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(key)
}

func (d *DiskTier) Clear(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for key := range d.index {
		if err := d.removeLocked(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.index = make(map[string]*diskMeta)
	d.size = 0
	d.dirty = true
	return firstErr
}

// CleanupOldFiles evicts least recently accessed files until the tier is at
// or below its eviction target. It returns the number of files removed.
func (d *DiskTier) CleanupOldFiles() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cleanupOldFilesLocked(0)
}

// cleanupOldFilesLocked makes room for incoming bytes: afterwards
// size+incoming is at most evictionTargetPercent of the cap, or the tier is empty.
// Caller must hold d.mu.
func (d *DiskTier) cleanupOldFilesLocked(incoming int64) int {
	target := d.maxBytes*evictionTargetPercent/100 - incoming

	keys := make([]string, 0, len(d.index))
	for k := range d.index {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return d.index[keys[i]].LastAccess < d.index[keys[j]].LastAccess
	})

	before := d.size
	removed := 0
	for _, k := range keys {
		if d.size <= target {
			break
		}
		if err := d.removeLocked(k); err != nil {
			d.log.Warn("cache eviction failed", slog.String("key", k), slog.String("error", err.Error()))
			continue
		}
		removed++
		d.evictions.Add(1)
	}
	if removed > 0 {
		d.log.Info("cache eviction",
			slog.Int("files", removed),
			slog.String("freed", humanize.IBytes(uint64(before-d.size))),
			slog.String("size", humanize.IBytes(uint64(d.size))),
			slog.String("cap", humanize.IBytes(uint64(d.maxBytes))),
		)
	}
	return removed
}

// removeLocked deletes a file and its index record. Caller must hold d.mu.
func (d *DiskTier) removeLocked(key string) error {
	m, ok := d.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", ErrTierUnavailable, key, err)
	}
	d.size -= m.Size
	delete(d.index, key)
	d.dirty = true
	return nil
}

func (d *DiskTier) forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.index[key]; ok {
		d.size -= m.Size
		delete(d.index, key)
		d.dirty = true
	}
}

// Size returns the tier's total bytes on disk.
func (d *DiskTier) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Len returns the number of persisted entries.
func (d *DiskTier) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index)
}

// MaxBytes returns the configured cap.
func (d *DiskTier) MaxBytes() int64 { return d.maxBytes }

// Evictions returns the number of files removed by size-based cleanup.
func (d *DiskTier) Evictions() int64 { return d.evictions.Load() }

// Flush writes the index file if it changed since the last flush.
func (d *DiskTier) Flush() error {
	d.mu.Lock()
	if !d.dirty {
		d.mu.Unlock()
		return nil
	}
	idx := diskIndex{
		UpdatedAt: d.now().UnixMilli(),
		TotalSize: d.size,
		Entries:   len(d.index),
		Evictions: d.evictions.Load(),
		Keys:      make(map[string]diskMeta, len(d.index)),
	}
	for k, m := range d.index {
		idx.Keys[k] = *m
	}
	d.dirty = false
	d.mu.Unlock()

	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(d.dir, indexFileName), raw); err != nil {
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return fmt.Errorf("write cache index: %w", err)
	}
	return nil
}

func (d *DiskTier) loadIndex() error {
	raw, err := os.ReadFile(filepath.Join(d.dir, indexFileName))
	if err != nil {
		return err
	}
	var idx diskIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	for k, m := range idx.Keys {
		// The index may predate a crash; trust only files that still exist.
		if _, err := os.Stat(d.path(k)); err != nil {
			d.dirty = true
			continue
		}
		d.index[k] = &m
		d.size += m.Size
	}
	d.evictions.Store(idx.Evictions)
	return nil
}

func (d *DiskTier) rebuildIndex() error {
	d.index = make(map[string]*diskMeta)
	d.size = 0
	err := filepath.WalkDir(d.dir, func(p string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || filepath.Dir(p) == d.dir || !strings.HasSuffix(p, ".json") {
			return nil
		}
		info, err := de.Info()
		if err != nil {
			return nil
		}
		key := strings.TrimSuffix(filepath.Base(p), ".json")
		d.index[key] = &diskMeta{Size: info.Size(), LastAccess: info.ModTime().UnixMilli()}
		d.size += info.Size()
		return nil
	})
	d.dirty = true
	return err
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
