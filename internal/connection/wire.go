// ABOUTME: JSON frame types for the WebSocket conversation transport
// ABOUTME: Client frames drive the session; server frames carry events, acks and errors

package connection

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/store"
)

// Client frame types.
const (
	FrameJoin    = "join"
	FrameMessage = "message"
	FrameLeave   = "leave"
)

// Server frame types.
const (
	FrameEvent = "event"
	FrameAck   = "ack"
	FrameError = "error"
)

// Error codes carried in error frames.
const (
	CodeRateLimited     = "RateLimited"
	CodeQueueFull       = "QueueFull"
	CodeContentRejected = "ContentRejected"
	CodeUnauthorized    = "Unauthorized"
	CodeNotFound        = "NotFound"
	CodeAlreadyMember   = "AlreadyMember"
	CodeStorageError    = "StorageError"
	CodeBadFrame        = "BadFrame"
)

// StatusAuthFailure is the close code for failed or timed-out authentication.
const StatusAuthFailure = websocket.StatusCode(4401)

// ClientFrame is any frame sent by a client. Type selects which fields apply.
type ClientFrame struct {
	Type string `json:"type"`

	// join
	ConversationID   string `json:"conversation_id,omitempty"`
	ShareToken       string `json:"share_token,omitempty"`
	LastSeenSequence uint64 `json:"last_seen_sequence,omitempty"`

	// message
	Content string `json:"content,omitempty"`
}

// ServerFrame is any frame sent to a client. Type selects which fields apply.
type ServerFrame struct {
	Type string `json:"type"`

	// event
	ConversationID string   `json:"conversation_id,omitempty"`
	Sequence       uint64   `json:"sequence,omitempty"`
	SenderID       string   `json:"sender_id,omitempty"`
	Kind           string   `json:"kind,omitempty"`
	Content        string   `json:"content,omitempty"`
	TimestampMS    int64    `json:"timestamp_ms,omitempty"`
	PIIFlags       []string `json:"pii_flags,omitempty"`
	Redacted       bool     `json:"redacted,omitempty"`

	// ack: Sequence is reused.

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func eventFrame(ev *store.Event) ServerFrame {
	return ServerFrame{
		Type:           FrameEvent,
		ConversationID: ev.ConversationID,
		Sequence:       ev.Seq,
		SenderID:       ev.SenderID,
		Kind:           string(ev.Kind),
		Content:        ev.Content,
		TimestampMS:    ev.TimestampMS,
		PIIFlags:       ev.PIICategories,
		Redacted:       ev.Redacted,
	}
}

func ackFrame(seq uint64) ServerFrame {
	return ServerFrame{Type: FrameAck, Sequence: seq}
}

func errorFrame(code, message string) ServerFrame {
	return ServerFrame{Type: FrameError, Code: code, Message: message}
}

// CodeForError maps submission and lookup errors onto wire error codes.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, actor.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, actor.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, actor.ErrContentRejected):
		return CodeContentRejected
	case errors.Is(err, actor.ErrNotMember):
		return CodeUnauthorized
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	default:
		return CodeStorageError
	}
}

// Conn is the framing surface a session needs from its transport. The
// production implementation wraps a WebSocket; tests substitute an in-memory
// pair so sessions can be driven without a network listener.
type Conn interface {
	ReadFrame(ctx context.Context) (ClientFrame, error)
	WriteFrame(ctx context.Context, f ServerFrame) error
	Close(code websocket.StatusCode, reason string) error
}

// WSConn adapts a coder/websocket connection to the Conn interface using
// JSON frames.
type WSConn struct {
	c *websocket.Conn
}

// NewWSConn wraps an upgraded WebSocket connection.
func NewWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{c: c}
}

func (w *WSConn) ReadFrame(ctx context.Context) (ClientFrame, error) {
	var f ClientFrame
	if err := wsjson.Read(ctx, w.c, &f); err != nil {
		return ClientFrame{}, err
	}
	return f, nil
}

func (w *WSConn) WriteFrame(ctx context.Context, f ServerFrame) error {
	return wsjson.Write(ctx, w.c, f)
}

func (w *WSConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
