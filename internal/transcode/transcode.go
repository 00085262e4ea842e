package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"audio-delivery/internal/quality"
)

// ContentType is the container produced for every segment.
const ContentType = "audio/mp4"

var (
	// ErrTranscode wraps any failure of the external tool.
	ErrTranscode = errors.New("transcode failed")

	// ErrTimeout is returned when the transcode deadline passes before the tool exits.
	ErrTimeout = errors.New("transcode timed out")
)

// Request describes one segment render.
type Request struct {
	Source    string
	Start     float64 // seconds
	Duration  float64 // seconds
	Rendition quality.Rendition
}

// Transcoder renders a slice of a source into a streamable byte buffer.
type Transcoder interface {
	Transcode(ctx context.Context, req Request) ([]byte, error)
}

// FFmpeg shells out to an ffmpeg binary and reads the fragmented MP4 from stdout.
type FFmpeg struct {
	Path string
}

// NewFFmpeg returns an FFmpeg transcoder; an empty path means "ffmpeg" on $PATH.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{Path: path}
}

// Transcode implements Transcoder.
func (f *FFmpeg) Transcode(ctx context.Context, req Request) ([]byte, error) {
	if req.Duration <= 0 {
		return nil, fmt.Errorf("%w: non-positive duration %.3f", ErrTranscode, req.Duration)
	}
	cmd := exec.CommandContext(ctx, f.Path, BuildArgs(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v: %s", ErrTranscode, err, tail(stderr.String(), 512))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrTranscode)
	}
	return stdout.Bytes(), nil
}

// BuildArgs constructs the ffmpeg argument list for req.
// This is a pure function with no side effects.
func BuildArgs(req Request) []string {
	r := req.Rendition
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
	}
	if req.Start > 0 {
		args = append(args, "-ss", formatSeconds(req.Start))
	}
	if strings.HasPrefix(req.Source, "http://") || strings.HasPrefix(req.Source, "https://") {
		args = append(args, "-reconnect", "1", "-reconnect_streamed", "1")
	}
	args = append(args,
		"-i", req.Source,
		"-t", formatSeconds(req.Duration),
		"-map", "0:a:0",
		"-vn",
	)

	switch r.Codec {
	case "flac":
		args = append(args, "-c:a", "flac", "-strict", "experimental")
	default:
		args = append(args, "-c:a", "aac", "-b:a", strconv.Itoa(r.Bitrate)+"k")
	}
	args = append(args,
		"-ar", strconv.Itoa(r.SampleRate),
		"-ac", strconv.Itoa(r.Channels),
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof",
		"pipe:1",
	)
	return args
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
