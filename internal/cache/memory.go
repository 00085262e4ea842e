package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries bounds the memory tier when no size is configured.
const DefaultMemoryEntries = 256

// MemoryTier keeps the N most recently used entries in process.
type MemoryTier struct {
	lru       *lru.Cache[string, *Entry]
	evictions atomic.Int64
}

// NewMemoryTier returns a memory tier holding at most size entries.
func NewMemoryTier(size int) (*MemoryTier, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	c, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &MemoryTier{lru: c}, nil
}

func (m *MemoryTier) Name() string { return "memory" }

func (m *MemoryTier) Get(_ context.Context, key string) (*Entry, bool, error) {
	e, ok := m.lru.Get(key)
	return e, ok, nil
}

func (m *MemoryTier) Set(_ context.Context, key string, e *Entry) error {
	if m.lru.Add(key, e) {
		m.evictions.Add(1)
	}
	return nil
}

func (m *MemoryTier) Delete(_ context.Context, key string) error {
	m.lru.Remove(key)
	return nil
}

func (m *MemoryTier) Clear(context.Context) error {
	m.lru.Purge()
	return nil
}

// Len returns the number of resident entries.
func (m *MemoryTier) Len() int { return m.lru.Len() }

// Evictions returns how many entries were pushed out by capacity.
func (m *MemoryTier) Evictions() int64 { return m.evictions.Load() }
