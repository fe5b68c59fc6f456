// ABOUTME: One session per connected client, bound to a single conversation
// ABOUTME: Owns the replay cursor, the reader loop and the fan-out writer loop

package connection

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/store"
)

const writeTimeout = 10 * time.Second

// Session is the per-connection state. A session serves exactly one
// participant in exactly one conversation; reconnecting creates a new
// session with a fresh replay cursor.
type Session struct {
	ID             string
	Participant    auth.Identity
	ConversationID string

	conn Conn

	// cursor is the highest sequence number written to this connection.
	// Written by the serve flow during replay, then only by the writer loop.
	cursor uint64

	lastActive atomic.Int64

	writeMu sync.Mutex
	once    sync.Once
	closed  chan struct{}
}

func newSession(id string, participant auth.Identity, conversationID string, conn Conn, cursor uint64) *Session {
	s := &Session{
		ID:             id,
		Participant:    participant,
		ConversationID: conversationID,
		conn:           conn,
		cursor:         cursor,
		closed:         make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) idleSince() time.Time {
	return time.Unix(0, s.lastActive.Load())
}

// write serializes frame writes; the reader loop (acks, errors) and the
// writer loop (events) share the connection.
func (s *Session) write(f ServerFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.conn.WriteFrame(ctx, f)
}

// writeEvent delivers an event unless the cursor shows it was already sent
// during replay. Reconnecting clients therefore never see a duplicate.
func (s *Session) writeEvent(ev *store.Event) error {
	if ev.Seq <= s.cursor {
		return nil
	}
	if err := s.write(eventFrame(ev)); err != nil {
		return err
	}
	s.cursor = ev.Seq
	return nil
}

// close tears the connection down. Safe to call from any goroutine and more
// than once; only the first call's code and reason reach the client.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close(code, reason)
	})
}
