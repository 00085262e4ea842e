package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrTrackNotFound is returned when the catalog has no record for a track id.
var ErrTrackNotFound = errors.New("track not found")

// Track is the catalog's read-only view of a playable track.
type Track struct {
	ID        string  `json:"id"`
	Duration  float64 `json:"duration"` // seconds
	Source    string  `json:"source"`   // file path or URL readable by the transcoder
	Codec     string  `json:"codec,omitempty"`
	Container string  `json:"container,omitempty"`
}

// Store is the lookup contract for track metadata.
// Implementations can be in-memory, file-based, or backed by the catalog database;
// the stream manager only reads a track once per stream.
type Store interface {
	GetTrackInfo(ctx context.Context, trackID string) (Track, error)
}

// InMemoryStore is a concurrency-safe in-memory implementation of Store.
type InMemoryStore struct {
	mu     sync.RWMutex
	tracks map[string]Track
}

// NewInMemoryStore returns a store holding the given tracks.
func NewInMemoryStore(tracks ...Track) *InMemoryStore {
	s := &InMemoryStore{tracks: make(map[string]Track, len(tracks))}
	for _, t := range tracks {
		s.tracks[t.ID] = t
	}
	return s
}

// LoadFile reads a JSON array of tracks from path into a new InMemoryStore.
func LoadFile(path string) (*InMemoryStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var tracks []Track
	if err := json.Unmarshal(raw, &tracks); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	for i, t := range tracks {
		if t.ID == "" || t.Duration <= 0 || t.Source == "" {
			return nil, fmt.Errorf("catalog entry %d: id, duration and source are required", i)
		}
	}
	return NewInMemoryStore(tracks...), nil
}

// GetTrackInfo implements Store.GetTrackInfo.
func (s *InMemoryStore) GetTrackInfo(_ context.Context, trackID string) (Track, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tracks[trackID]
	if !ok {
		return Track{}, fmt.Errorf("%w: %s", ErrTrackNotFound, trackID)
	}
	return t, nil
}

// PutTrack adds or replaces a track.
func (s *InMemoryStore) PutTrack(t Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks[t.ID] = t
}

// Len returns the number of tracks in the store.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
