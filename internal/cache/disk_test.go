package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func fixedEntry(n int) *Entry {
	return &Entry{Data: bytes.Repeat([]byte{'a'}, n), Timestamp: 1, Size: int64(n)}
}

func openTestDisk(t *testing.T, dir string, maxBytes int64, clock *fakeClock) *DiskTier {
	t.Helper()
	d, err := OpenDiskTier(dir, maxBytes, testLogger())
	if err != nil {
		t.Fatalf("OpenDiskTier: %v", err)
	}
	if clock != nil {
		d.now = clock.Now
	}
	return d
}

// entrySize measures the on-disk size of fixedEntry(n).
func entrySize(t *testing.T, n int) int64 {
	t.Helper()
	d := openTestDisk(t, t.TempDir(), 1<<20, nil)
	if err := d.Set(context.Background(), "probe", fixedEntry(n)); err != nil {
		t.Fatal(err)
	}
	return d.Size()
}

func TestDiskTier_eviction_is_lru_and_respects_cap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := entrySize(t, 500)
	maxBytes := 5*s + s/2
	d := openTestDisk(t, t.TempDir(), maxBytes, clock)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if err := d.Set(ctx, fmt.Sprintf("k%d", i), fixedEntry(500)); err != nil {
			t.Fatalf("Set k%d: %v", i, err)
		}
	}
	clock.Advance(time.Second)
	if _, ok, _ := d.Get(ctx, "k0"); !ok {
		t.Fatal("k0 should be present")
	}

	clock.Advance(time.Second)
	if err := d.Set(ctx, "k5", fixedEntry(500)); err != nil {
		t.Fatalf("Set k5: %v", err)
	}

	if d.Size() > maxBytes {
		t.Errorf("size %d exceeds cap %d after cleanup", d.Size(), maxBytes)
	}
	if d.Evictions() != 2 {
		t.Errorf("expected 2 evictions, got %d", d.Evictions())
	}
	for _, k := range []string{"k1", "k2"} {
		if _, ok, _ := d.Get(ctx, k); ok {
			t.Errorf("%s should have been evicted (least recently used)", k)
		}
	}
	for _, k := range []string{"k0", "k3", "k4", "k5"} {
		if _, ok, _ := d.Get(ctx, k); !ok {
			t.Errorf("%s should survive eviction", k)
		}
	}
}

func TestDiskTier_size_never_exceeds_cap(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := entrySize(t, 300)
	maxBytes := 4 * s
	d := openTestDisk(t, t.TempDir(), maxBytes, clock)

	for i := 0; i < 40; i++ {
		clock.Advance(time.Millisecond)
		if err := d.Set(ctx, fmt.Sprintf("k%d", i), fixedEntry(300)); err != nil {
			t.Fatalf("Set: %v", err)
		}
		if d.Size() > maxBytes {
			t.Fatalf("after set %d size %d > cap %d", i, d.Size(), maxBytes)
		}
	}
}

func TestDiskTier_rejects_oversized(t *testing.T) {
	d := openTestDisk(t, t.TempDir(), 100, nil)
	if err := d.Set(context.Background(), "big", fixedEntry(1000)); err == nil {
		t.Fatal("expected ErrEntryTooLarge")
	}
	if d.Len() != 0 {
		t.Error("oversized entry must not be stored")
	}
}

func TestDiskTier_overwrite_keeps_size_consistent(t *testing.T) {
	ctx := context.Background()
	d := openTestDisk(t, t.TempDir(), 1<<20, nil)
	_ = d.Set(ctx, "k", fixedEntry(100))
	first := d.Size()
	_ = d.Set(ctx, "k", fixedEntry(100))
	if d.Size() != first || d.Len() != 1 {
		t.Errorf("overwrite changed accounting: size %d->%d len %d", first, d.Size(), d.Len())
	}
}

func TestDiskTier_index_reload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := openTestDisk(t, dir, 1<<20, nil)
	for i := 0; i < 3; i++ {
		_ = d.Set(ctx, fmt.Sprintf("key%02d", i), fixedEntry(64))
	}
	if err := d.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	wantSize := d.Size()

	reopened := openTestDisk(t, dir, 1<<20, nil)
	if reopened.Len() != 3 || reopened.Size() != wantSize {
		t.Errorf("reloaded index: len=%d size=%d, want 3/%d", reopened.Len(), reopened.Size(), wantSize)
	}
	if _, ok, _ := reopened.Get(ctx, "key01"); !ok {
		t.Error("entry should be readable after reload")
	}
}

func TestDiskTier_rebuilds_without_index(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	d := openTestDisk(t, dir, 1<<20, nil)
	_ = d.Set(ctx, "abc", fixedEntry(10))
	_ = d.Set(ctx, "def", fixedEntry(10))
	_ = os.Remove(filepath.Join(dir, indexFileName))

	reopened := openTestDisk(t, dir, 1<<20, nil)
	if reopened.Len() != 2 {
		t.Errorf("rebuild found %d entries, want 2", reopened.Len())
	}
	if reopened.Size() != d.Size() {
		t.Errorf("rebuild size %d, want %d", reopened.Size(), d.Size())
	}
}

func TestDiskTier_missing_file_is_a_miss(t *testing.T) {
	ctx := context.Background()
	d := openTestDisk(t, t.TempDir(), 1<<20, nil)
	_ = d.Set(ctx, "gone", fixedEntry(10))
	_ = os.Remove(d.path("gone"))

	if _, ok, err := d.Get(ctx, "gone"); ok || err != nil {
		t.Errorf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if d.Len() != 0 || d.Size() != 0 {
		t.Error("missing file should be dropped from the index")
	}
}

func TestDiskTier_CleanupOldFiles(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := entrySize(t, 200)
	d := openTestDisk(t, t.TempDir(), 10*s, clock)

	for i := 0; i < 9; i++ {
		clock.Advance(time.Second)
		if err := d.Set(ctx, fmt.Sprintf("k%d", i), fixedEntry(200)); err != nil {
			t.Fatalf("Set k%d: %v", i, err)
		}
	}
	if d.Evictions() != 0 {
		t.Fatalf("no eviction expected below cap, got %d", d.Evictions())
	}

	if n := d.CleanupOldFiles(); n != 1 {
		t.Errorf("CleanupOldFiles: removed %d, want 1", n)
	}
	if _, ok, _ := d.Get(ctx, "k0"); ok {
		t.Error("k0 is the least recently used and should be gone")
	}
	if d.Size() > 8*s {
		t.Errorf("size %d above eviction target %d", d.Size(), 8*s)
	}
	if n := d.CleanupOldFiles(); n != 0 {
		t.Errorf("second cleanup removed %d, want 0", n)
	}
}
