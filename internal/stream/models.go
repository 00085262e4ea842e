package stream

import (
	"errors"
	"sync"
	"time"

	"audio-delivery/internal/catalog"
	"audio-delivery/internal/quality"
	"audio-delivery/internal/transcode"
)

var (
	// ErrStreamNotFound is returned for an unknown or already stopped stream id.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrCapacityExceeded is returned when a listener or the server holds the
	// maximum number of concurrent streams.
	ErrCapacityExceeded = errors.New("stream capacity exceeded")

	// ErrInvalidSegment is returned for a segment index outside [0, totalSegments).
	ErrInvalidSegment = errors.New("invalid segment")

	// ErrInvalidInput is returned for malformed create requests.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStreamNotActive is returned when fetching from a stream that was not started.
	ErrStreamNotActive = errors.New("stream not active")

	// ErrStreamFailed is returned for a stream in the terminal error state.
	// Such a stream cannot be resumed and must be recreated.
	ErrStreamFailed = errors.New("stream failed")

	ErrTrackNotFound    = catalog.ErrTrackNotFound
	ErrTranscode        = transcode.ErrTranscode
	ErrTranscodeTimeout = transcode.ErrTimeout
)

// StreamID uniquely identifies a playback session.
type StreamID string

// Status is a stream's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusStopped      Status = "stopped"
	StatusError        Status = "error"
)

// CreateOptions are the optional parameters of CreateStream. StartIndex lets a
// transport adapter model a seek as a new stream starting mid-track.
type CreateOptions struct {
	Quality    string
	StartIndex int
}

// Info describes a started stream.
type Info struct {
	StreamID        StreamID     `json:"streamId"`
	SegmentDuration float64      `json:"segmentDuration"` // seconds
	TotalSegments   int          `json:"totalSegments"`
	StartIndex      int          `json:"startIndex"`
	Quality         quality.Name `json:"quality"`
	ContentType     string       `json:"contentType"`
}

// Stats is a snapshot of a stream's progress.
type Stats struct {
	StreamID        StreamID     `json:"streamId"`
	ListenerID      string       `json:"userId"`
	TrackID         string       `json:"trackId"`
	Quality         quality.Name `json:"quality"`
	CurrentSegment  int          `json:"currentSegment"`
	TotalSegments   int          `json:"totalSegments"`
	BytesSent       int64        `json:"bytesSent"`
	Status          Status       `json:"status"`
	ProgressPercent float64      `json:"progressPercent"`
	Error           string       `json:"error,omitempty"`
}

// Segment is one delivered slice of audio.
type Segment struct {
	Index   int
	Quality quality.Name
	Data    []byte
}

// Stream is one listener's playback session. Fields below mu are guarded by it.
type Stream struct {
	ID         StreamID
	ListenerID string
	TrackID    string
	CreatedAt  time.Time

	mu              sync.Mutex
	status          Status
	quality         quality.Rendition
	track           catalog.Track
	segmentDuration time.Duration
	totalSegments   int
	startIndex      int
	cursor          int // index of the last segment served, -1 before the first
	bytesSent       int64
	lastActivity    time.Time
	failure         string

	done     chan struct{}
	stopOnce sync.Once
}

func newStream(id StreamID, listenerID, trackID string, r quality.Rendition, startIndex int, segDur time.Duration, now time.Time) *Stream {
	return &Stream{
		ID:              id,
		ListenerID:      listenerID,
		TrackID:         trackID,
		CreatedAt:       now,
		status:          StatusInitializing,
		quality:         r,
		segmentDuration: segDur,
		startIndex:      startIndex,
		cursor:          startIndex - 1,
		lastActivity:    now,
		done:            make(chan struct{}),
	}
}

// statsLocked builds a Stats snapshot. Caller must hold s.mu.
func (s *Stream) statsLocked() Stats {
	st := Stats{
		StreamID:       s.ID,
		ListenerID:     s.ListenerID,
		TrackID:        s.TrackID,
		Quality:        s.quality.Name,
		CurrentSegment: s.cursor,
		TotalSegments:  s.totalSegments,
		BytesSent:      s.bytesSent,
		Status:         s.status,
		Error:          s.failure,
	}
	if s.totalSegments > 0 {
		st.ProgressPercent = float64(s.cursor+1) / float64(s.totalSegments) * 100
	}
	return st
}

// infoLocked builds an Info. Caller must hold s.mu.
func (s *Stream) infoLocked() Info {
	return Info{
		StreamID:        s.ID,
		SegmentDuration: s.segmentDuration.Seconds(),
		TotalSegments:   s.totalSegments,
		StartIndex:      s.startIndex,
		Quality:         s.quality.Name,
		ContentType:     transcode.ContentType,
	}
}

// halt closes the stream's done channel once, ending any push loop.
func (s *Stream) halt() {
	s.stopOnce.Do(func() { close(s.done) })
}
