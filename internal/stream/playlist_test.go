package stream

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestBuildPlaylist_empty(t *testing.T) {
	out := BuildPlaylist(nil, false)
	if !strings.HasPrefix(out, "#EXTM3U\n") {
		t.Error("expected #EXTM3U header")
	}
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:1") {
		t.Error("expected target duration 1 for empty")
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:0") {
		t.Error("expected media sequence 0")
	}
	if strings.Contains(out, "#EXT-X-ENDLIST") || strings.Contains(out, "VOD") {
		t.Error("incomplete playlist should not be VOD or ended")
	}
}

func TestBuildPlaylist_complete(t *testing.T) {
	entries := []PlaylistEntry{
		{Index: 10, Duration: 4, URI: "segments/10"},
		{Index: 11, Duration: 2.5, URI: "segments/11"},
	}
	out := BuildPlaylist(entries, true)

	for _, want := range []string{
		"#EXT-X-PLAYLIST-TYPE:VOD",
		"#EXT-X-TARGETDURATION:4",
		"#EXT-X-MEDIA-SEQUENCE:10",
		"#EXTINF:4.000,\nsegments/10\n",
		"#EXTINF:2.500,\nsegments/11\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "#EXT-X-ENDLIST\n") {
		t.Error("expected #EXT-X-ENDLIST at the end")
	}
}

func TestBuildPlaylist_targetDurationCeiling(t *testing.T) {
	out := BuildPlaylist([]PlaylistEntry{{Index: 0, Duration: 1.1, URI: "a"}}, false)
	if !strings.Contains(out, "#EXT-X-TARGETDURATION:2") {
		t.Errorf("expected TARGETDURATION 2 (ceil 1.1): %s", out)
	}
}

func TestManager_Playlist(t *testing.T) {
	f := newFixture(t, Config{SegmentDuration: 4 * time.Second}, nil)
	ctx := context.Background()

	id, err := f.mgr.CreateStream(ctx, "u1", "t-180", CreateOptions{StartIndex: 40})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.Playlist(id, strconv.Itoa); !errors.Is(err, ErrStreamNotActive) {
		t.Errorf("before start: expected ErrStreamNotActive, got %v", err)
	}
	if _, err := f.mgr.StartStream(ctx, id); err != nil {
		t.Fatal(err)
	}

	out, err := f.mgr.Playlist(id, func(i int) string { return "segments/" + strconv.Itoa(i) })
	if err != nil {
		t.Fatalf("Playlist: %v", err)
	}
	if n := strings.Count(out, "#EXTINF:"); n != 5 {
		t.Errorf("entries: got %d, want 5 (40..44)", n)
	}
	if !strings.Contains(out, "#EXT-X-MEDIA-SEQUENCE:40") || !strings.Contains(out, "segments/44\n") {
		t.Errorf("playlist:\n%s", out)
	}
}
