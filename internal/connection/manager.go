// ABOUTME: Connection Manager running the session lifecycle over WebSocket transports
// ABOUTME: Authenticates, replays history, bridges actor fan-out and reaps idle sessions

package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
)

const (
	// DefaultAuthTimeout bounds both token verification and the wait for the
	// initial join frame.
	DefaultAuthTimeout = 10 * time.Second
	// DefaultIdleTimeout is how long a session may go without a client frame
	// before the reaper disconnects it.
	DefaultIdleTimeout = 5 * time.Minute

	defaultReplayBatch = 500
)

// Config tunes session admission and lifetime.
type Config struct {
	AuthTimeout time.Duration
	IdleTimeout time.Duration
	ReplayBatch int
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.ReplayBatch <= 0 {
		c.ReplayBatch = defaultReplayBatch
	}
	return c
}

// Manager owns every live session. Sessions are registered on accept and
// deregistered on disconnect; a background loop reaps sessions whose clients
// have gone quiet past the idle timeout.
type Manager struct {
	registry *registry.Registry
	store    store.Store
	authn    auth.Authenticator
	shares   *auth.ShareTokens
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	stop       chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a Manager and starts its idle reaper. Call Close to
// stop the reaper and disconnect all sessions.
func NewManager(reg *registry.Registry, st store.Store, authn auth.Authenticator, shares *auth.ShareTokens, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		registry:   reg,
		store:      st,
		authn:      authn,
		shares:     shares,
		cfg:        cfg.withDefaults(),
		logger:     logger.With("component", "connection"),
		sessions:   make(map[string]*Session),
		stop:       make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Serve runs one connection to completion: authenticate, join, replay, then
// the reader loop. It returns when the client disconnects, leaves, is reaped,
// or an unrecoverable error occurs. Submission failures are not unrecoverable;
// they are reported to this client as error frames and the session continues.
func (m *Manager) Serve(ctx context.Context, conn Conn, token string) error {
	authCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	identity, err := m.authn.Authenticate(authCtx, token)
	cancel()
	if err != nil {
		_ = conn.Close(StatusAuthFailure, "authentication failed")
		return fmt.Errorf("authenticating connection: %w", err)
	}

	joinCtx, cancel := context.WithTimeout(ctx, m.cfg.AuthTimeout)
	frame, err := conn.ReadFrame(joinCtx)
	cancel()
	if err != nil {
		_ = conn.Close(StatusAuthFailure, "no join frame")
		return fmt.Errorf("waiting for join frame: %w", err)
	}
	if frame.Type != FrameJoin || frame.ConversationID == "" {
		writeAndClose(conn, errorFrame(CodeBadFrame, "first frame must be join"), websocket.StatusPolicyViolation, "expected join frame")
		return errors.New("first frame was not a join")
	}
	convID := frame.ConversationID

	if err := m.admit(ctx, convID, identity, frame.ShareToken); err != nil {
		code := CodeForError(err)
		if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrWrongConversation) {
			code = CodeUnauthorized
		}
		writeAndClose(conn, errorFrame(code, err.Error()), websocket.StatusPolicyViolation, "join refused")
		return fmt.Errorf("admitting %s to %s: %w", identity.UserID, convID, err)
	}

	a, err := m.registry.ActorFor(ctx, convID)
	if err != nil {
		writeAndClose(conn, errorFrame(CodeForError(err), err.Error()), websocket.StatusInternalError, "conversation unavailable")
		return err
	}

	sess := newSession(uuid.New().String(), identity, convID, conn, frame.LastSeenSequence)
	if err := m.add(sess); err != nil {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return err
	}
	defer m.remove(sess.ID)

	// Attach before replay so nothing committed mid-replay is missed; the
	// cursor suppresses anything delivered twice.
	sink, err := a.Attach(sess.ID)
	if err != nil {
		sess.close(websocket.StatusGoingAway, "conversation closed")
		return err
	}

	m.logger.Info("session started",
		"session_id", sess.ID,
		"conversation_id", convID,
		"participant_id", identity.UserID,
		"cursor", frame.LastSeenSequence,
	)

	if err := m.replay(ctx, sess); err != nil {
		a.Detach(sess.ID)
		drain(sink)
		sess.close(websocket.StatusInternalError, "replay failed")
		return err
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		m.writerLoop(sess, sink)
	}()

	m.readerLoop(ctx, sess, a)

	sess.close(websocket.StatusNormalClosure, "")
	a.Detach(sess.ID)
	<-writerDone

	m.logger.Info("session ended", "session_id", sess.ID, "conversation_id", convID)
	return nil
}

// admit checks membership, or joins via a valid share token. The share-token
// join is a single registry call, so the client is a member before any frame
// it sends can be processed.
func (m *Manager) admit(ctx context.Context, convID string, identity auth.Identity, shareToken string) error {
	if _, err := m.registry.Get(ctx, convID); err != nil {
		return err
	}

	member, err := m.registry.IsMember(ctx, convID, identity.UserID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}

	if shareToken == "" {
		return actor.ErrNotMember
	}
	if err := m.shares.Verify(shareToken, convID); err != nil {
		return err
	}

	err = m.registry.Join(ctx, convID, registry.Participant{
		ID:          identity.UserID,
		Role:        store.RoleHuman,
		DisplayName: identity.DisplayName,
	})
	if errors.Is(err, store.ErrAlreadyMember) {
		return nil
	}
	return err
}

// replay streams persisted events after the client's cursor, in order.
func (m *Manager) replay(ctx context.Context, sess *Session) error {
	after := sess.cursor
	for {
		events, err := m.store.ListEventsSince(ctx, sess.ConversationID, after, m.cfg.ReplayBatch)
		if err != nil {
			return fmt.Errorf("replaying events: %w", err)
		}
		for _, ev := range events {
			if err := sess.writeEvent(ev); err != nil {
				return fmt.Errorf("writing replay event %d: %w", ev.Seq, err)
			}
		}
		if len(events) < m.cfg.ReplayBatch {
			return nil
		}
		after = events[len(events)-1].Seq
	}
}

// writerLoop forwards fan-out events until the sink closes. A sink closed by
// the actor means either overflow (force-detach) or shutdown; either way the
// client must reconnect and resume from its cursor.
func (m *Manager) writerLoop(sess *Session, sink <-chan *store.Event) {
	for ev := range sink {
		if err := sess.writeEvent(ev); err != nil {
			m.logger.Warn("session write failed",
				"session_id", sess.ID,
				"seq", ev.Seq,
				"error", err,
			)
			sess.close(websocket.StatusInternalError, "write failed")
			drain(sink)
			return
		}
	}

	select {
	case <-sess.closed:
	default:
		m.logger.Warn("session fell behind, disconnecting", "session_id", sess.ID)
		sess.close(websocket.StatusPolicyViolation, "delivery backlog exceeded")
	}
}

// readerLoop handles message and leave frames until the connection drops.
func (m *Manager) readerLoop(ctx context.Context, sess *Session, a *actor.Actor) {
	for {
		frame, err := sess.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		sess.touch()

		switch frame.Type {
		case FrameMessage:
			seq, err := a.Submit(ctx, actor.Draft{
				SenderID: sess.Participant.UserID,
				Kind:     store.KindMessage,
				Content:  frame.Content,
			})
			if err != nil {
				if errors.Is(err, actor.ErrClosed) {
					return
				}
				// Recoverable: this sender alone sees the failure.
				_ = sess.write(errorFrame(CodeForError(err), err.Error()))
				continue
			}
			_ = sess.write(ackFrame(seq))

		case FrameLeave:
			if err := m.registry.Leave(ctx, sess.ConversationID, sess.Participant.UserID); err != nil {
				_ = sess.write(errorFrame(CodeForError(err), err.Error()))
				continue
			}
			sess.close(websocket.StatusNormalClosure, "left conversation")
			return

		default:
			_ = sess.write(errorFrame(CodeBadFrame, fmt.Sprintf("unknown frame type %q", frame.Type)))
		}
	}
}

// SessionCount reports the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close stops the reaper and disconnects every session. Safe to call once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	close(m.stop)
	<-m.reaperDone

	for _, s := range sessions {
		s.close(websocket.StatusGoingAway, "shutting down")
	}
}

func (m *Manager) add(s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("connection manager closed")
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)

	interval := m.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle(time.Now())
		}
	}
}

// reapIdle disconnects sessions whose clients have sent nothing for longer
// than the idle timeout. The reader loop observes the closed connection and
// runs normal teardown.
func (m *Manager) reapIdle(now time.Time) {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var stale []*Session
	for _, s := range m.sessions {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Info("reaping idle session",
			"session_id", s.ID,
			"conversation_id", s.ConversationID,
			"idle_since", s.idleSince().UnixMilli(),
		)
		s.close(websocket.StatusGoingAway, "idle timeout")
	}
}

func writeAndClose(conn Conn, f ServerFrame, code websocket.StatusCode, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = conn.WriteFrame(ctx, f)
	_ = conn.Close(code, reason)
}

func drain(sink <-chan *store.Event) {
	for range sink {
	}
}
