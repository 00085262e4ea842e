package stream

import (
	"fmt"
	"sync"
)

// Repository defines the concurrency-safe contract for the registry of live streams.
type Repository interface {
	// Add registers s. It fails with ErrCapacityExceeded when the listener
	// already holds its maximum number of streams or the global ceiling is reached.
	Add(s *Stream) error

	// Get returns the stream with the given id.
	Get(id StreamID) (*Stream, bool)

	// Remove unregisters the stream and returns it together with the number of
	// streams its listener still holds. Removing an unknown id is a no-op.
	Remove(id StreamID) (s *Stream, remaining int, ok bool)

	// List returns every registered stream.
	List() []*Stream

	// Count returns the number of registered streams.
	Count() int
}

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
type InMemoryRepository struct {
	mu             sync.RWMutex
	streams        map[StreamID]*Stream
	perListener    map[string]int
	maxStreams     int
	maxPerListener int
}

// NewInMemoryRepository constructs a registry with the given limits.
// A limit <= 0 means unlimited.
func NewInMemoryRepository(maxStreams, maxPerListener int) *InMemoryRepository {
	return &InMemoryRepository{
		streams:        make(map[StreamID]*Stream),
		perListener:    make(map[string]int),
		maxStreams:     maxStreams,
		maxPerListener: maxPerListener,
	}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(s *Stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.streams[s.ID]; exists {
		return fmt.Errorf("%w: duplicate stream id %s", ErrInvalidInput, s.ID)
	}
	if r.maxStreams > 0 && len(r.streams) >= r.maxStreams {
		return fmt.Errorf("%w: server limit of %d streams reached", ErrCapacityExceeded, r.maxStreams)
	}
	if r.maxPerListener > 0 && r.perListener[s.ListenerID] >= r.maxPerListener {
		return fmt.Errorf("%w: user %s already holds %d streams", ErrCapacityExceeded, s.ListenerID, r.maxPerListener)
	}

	r.streams[s.ID] = s
	r.perListener[s.ListenerID]++
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id StreamID) (*Stream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id StreamID) (*Stream, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[id]
	if !ok {
		return nil, 0, false
	}
	delete(r.streams, id)
	r.perListener[s.ListenerID]--
	remaining := r.perListener[s.ListenerID]
	if remaining <= 0 {
		delete(r.perListener, s.ListenerID)
	}
	return s, remaining, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*Stream {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Count implements Repository.Count.
func (r *InMemoryRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
