package backend

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// FrameKind distinguishes the two payload shapes the duplex channel
// carries: JSON envelopes and raw binary (TTS/caller audio).
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
)

// Conn abstracts the physical duplex channel so the multiplexer can be
// exercised against an in-memory fake in tests, the way the teacher's
// TTS client talks to a single concrete websocket.
type Conn interface {
	WriteJSON(ctx context.Context, v *Envelope) error
	WriteBinary(ctx context.Context, b []byte) error
	Read(ctx context.Context) (FrameKind, []byte, error)
	Close() error
}

// wsConn adapts github.com/coder/websocket to Conn.
type wsConn struct {
	c *websocket.Conn
}

// Dial opens a websocket connection to the in-process local AI server
// and wraps it as a Conn. Grounded on the teacher's lokutor TTS client,
// generalised from a single-purpose TTS socket to the full-duplex
// STT+LLM+TTS channel this package multiplexes.
func Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("backend: dial %s: %w", url, err)
	}
	return &wsConn{c: c}, nil
}

func (w *wsConn) WriteJSON(ctx context.Context, v *Envelope) error {
	return wsjson.Write(ctx, w.c, v)
}

func (w *wsConn) WriteBinary(ctx context.Context, b []byte) error {
	return w.c.Write(ctx, websocket.MessageBinary, b)
}

func (w *wsConn) Read(ctx context.Context) (FrameKind, []byte, error) {
	mt, payload, err := w.c.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if mt == websocket.MessageBinary {
		return FrameBinary, payload, nil
	}
	return FrameText, payload, nil
}

func (w *wsConn) Close() error {
	return w.c.Close(websocket.StatusNormalClosure, "")
}
