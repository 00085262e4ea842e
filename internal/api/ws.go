package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"audio-delivery/internal/quality"
	"audio-delivery/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

// wsMessage is the JSON frame sent ahead of each binary segment frame and at
// the end of a push.
type wsMessage struct {
	Type    string       `json:"type"`
	Index   int          `json:"index,omitempty"`
	Quality quality.Name `json:"quality,omitempty"`
	Bytes   int          `json:"bytes,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// PushSegments handles GET /streams/{stream_id}/ws. After the upgrade every
// segment is sent as a JSON "segment" frame followed by a binary frame holding
// the audio. The push ends with an "end" or "error" frame and a close frame.
// The client closing the socket cancels the push; the stream stays registered.
func (h *Handler) PushSegments(w http.ResponseWriter, r *http.Request) {
	id := streamID(r)
	st, err := h.streams.GetStreamStats(id)
	if err != nil {
		h.writeError(w, r, "push rejected", err)
		return
	}
	if st.Status != stream.StatusActive {
		h.writeError(w, r, "push rejected", stream.ErrStreamNotActive)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go readPump(conn, cancel)
	go pingPump(ctx, conn)

	h.log.Info("ws push connected", slog.String("stream_id", string(id)))
	err = h.streams.StreamSegments(ctx, id, func(seg stream.Segment) error {
		hdr, err := json.Marshal(wsMessage{Type: "segment", Index: seg.Index, Quality: seg.Quality, Bytes: len(seg.Data)})
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, hdr); err != nil {
			return err
		}
		return conn.WriteMessage(websocket.BinaryMessage, seg.Data)
	})

	final := wsMessage{Type: "end"}
	code, reason := websocket.CloseNormalClosure, "stream complete"
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		h.log.Info("ws push closed by client", slog.String("stream_id", string(id)))
		return
	default:
		final = wsMessage{Type: "error", Error: err.Error()}
		code, reason = websocket.CloseInternalServerErr, "push failed"
		h.log.Warn("ws push failed", slog.String("stream_id", string(id)), slog.String("error", err.Error()))
	}

	if msg, err := json.Marshal(final); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.TextMessage, msg)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	h.log.Info("ws push finished", slog.String("stream_id", string(id)))
}

// readPump drains client frames so control frames are processed, and cancels
// the push when the connection drops.
func readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func pingPump(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
