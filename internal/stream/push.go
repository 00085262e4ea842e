package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// EmitFunc receives each pushed segment. Returning an error ends the push.
type EmitFunc func(Segment) error

// StreamSegments pushes segments from the cursor onward, one per segment
// duration, until the track ends, the stream is stopped or ctx is done.
// A failed fetch is retried after the same delay; PushRetries consecutive
// failures end the push with the last error.
func (m *Manager) StreamSegments(ctx context.Context, id StreamID, emit EmitFunc) error {
	s, ok := m.repo.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	s.mu.Lock()
	if err := statusErr(s.status); err != nil {
		s.mu.Unlock()
		return err
	}
	next := s.cursor + 1
	total := s.totalSegments
	interval := s.segmentDuration
	done := s.done
	s.mu.Unlock()

	m.log.InfoContext(ctx, "push started",
		slog.String("stream_id", string(id)),
		slog.Int("from", next),
		slog.Int("total_segments", total))

	failures := 0
	for next < total {
		seg, err := m.FetchSegment(ctx, id, next)
		switch {
		case err == nil:
			failures = 0
			if err := emit(seg); err != nil {
				return err
			}
			next++
		case errors.Is(err, ErrStreamNotFound):
			return nil
		case errors.Is(err, ErrStreamFailed), errors.Is(err, ErrInvalidSegment), ctx.Err() != nil:
			return err
		default:
			failures++
			if failures >= m.cfg.PushRetries {
				return err
			}
			m.log.WarnContext(ctx, "push fetch failed, retrying",
				slog.String("stream_id", string(id)),
				slog.Int("segment", next),
				slog.Int("attempt", failures),
				slog.String("error", err.Error()))
		}
		if next >= total {
			break
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	m.log.InfoContext(ctx, "push finished", slog.String("stream_id", string(id)))
	return nil
}
