package stream

import (
	"fmt"
	"math"
	"strings"
)

// PlaylistContentType is the media type of an HLS playlist.
const PlaylistContentType = "application/vnd.apple.mpegurl"

// PlaylistEntry is one media segment line of a playlist.
type PlaylistEntry struct {
	Index    int
	Duration float64 // seconds
	URI      string
}

// BuildPlaylist renders entries (ordered by index ascending) as an HLS media
// playlist. Segments are self-initializing fragmented MP4, so no EXT-X-MAP is
// written. When complete is true the playlist is marked VOD and ends with
// #EXT-X-ENDLIST. An empty entries slice produces a minimal valid playlist.
func BuildPlaylist(entries []PlaylistEntry, complete bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	if complete {
		b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")
	}

	mediaSequence := 0
	if len(entries) > 0 {
		mediaSequence = entries[0].Index
	}
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(entries))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)

	for _, e := range entries {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", e.Duration)
		b.WriteString(e.URI)
		b.WriteString("\n")
	}

	if complete {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// longest entry in whole seconds, at least 1.
func targetDuration(entries []PlaylistEntry) int {
	longest := 0.0
	for _, e := range entries {
		longest = max(longest, e.Duration)
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}

// Playlist returns the media playlist of an active stream, from its start
// index to the end of the track. uriFor maps a segment index to its URI.
func (m *Manager) Playlist(id StreamID, uriFor func(index int) string) (string, error) {
	s, ok := m.repo.Get(id)
	if !ok {
		return "", ErrStreamNotFound
	}
	s.mu.Lock()
	if err := statusErr(s.status); err != nil {
		s.mu.Unlock()
		return "", err
	}
	start, total := s.startIndex, s.totalSegments
	trackDur := s.track.Duration
	segDur := s.segmentDuration.Seconds()
	s.mu.Unlock()

	entries := make([]PlaylistEntry, 0, total-start)
	for i := start; i < total; i++ {
		entries = append(entries, PlaylistEntry{
			Index:    i,
			Duration: math.Min(segDur, trackDur-float64(i)*segDur),
			URI:      uriFor(i),
		})
	}
	return BuildPlaylist(entries, true), nil
}
