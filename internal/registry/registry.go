// ABOUTME: Conversation Registry owning lifecycle, membership and the actor map
// ABOUTME: Membership changes are emitted in-band through each conversation's actor

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/screen"
	"github.com/parley-chat/parley/internal/store"
)

// Participant identifies one human or agent taking part in conversations.
type Participant struct {
	ID          string
	Role        store.Role
	DisplayName string
}

// Snapshot is a point-in-time view of a conversation.
type Snapshot struct {
	Conversation *store.Conversation
	Members      []*store.Membership
	LastSequence uint64
}

// Registry owns conversation lifecycle and the one-actor-per-conversation
// map. All mutation of a conversation flows through its actor; the registry
// only creates, looks up and stops actors.
type Registry struct {
	store    store.Store
	limiter  *ratelimit.Limiter
	screener *screen.Screener
	actorCfg actor.Config
	logger   *slog.Logger
	base     *slog.Logger

	mu     sync.Mutex
	actors map[string]*actor.Actor
	closed bool
}

// New creates a Registry. Pass nil logger for the default.
func New(st store.Store, limiter *ratelimit.Limiter, screener *screen.Screener, actorCfg actor.Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    st,
		limiter:  limiter,
		screener: screener,
		actorCfg: actorCfg,
		logger:   logger.With("component", "registry"),
		base:     logger,
		actors:   make(map[string]*actor.Actor),
	}
}

// Create makes a new conversation with the creator auto-joined, so the
// membership set is never empty. No join event is emitted for the creator;
// the first event in every log is the creator's own doing.
func (r *Registry) Create(ctx context.Context, creator Participant, mode store.ConversationMode) (*store.Conversation, error) {
	if mode == "" {
		mode = store.ModeFreeForm
	}

	conv := &store.Conversation{
		ID:          uuid.New().String(),
		Mode:        mode,
		CreatedAtMS: time.Now().UnixMilli(),
	}
	membership := &store.Membership{
		ConversationID: conv.ID,
		ParticipantID:  creator.ID,
		Role:           creator.Role,
		DisplayName:    creator.DisplayName,
		JoinedAtMS:     conv.CreatedAtMS,
	}

	if err := r.store.CreateConversation(ctx, conv, membership); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	if _, err := r.ActorFor(ctx, conv.ID); err != nil {
		return nil, err
	}

	r.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"mode", conv.Mode,
		"creator", creator.ID,
	)
	return conv, nil
}

// Join adds a participant and emits a join event through the conversation's
// actor so every connected participant observes the membership change in
// order with regular messages. The membership write and its event commit
// together: if the event cannot be committed the write is rolled back.
func (r *Registry) Join(ctx context.Context, conversationID string, p Participant) error {
	m := &store.Membership{
		ConversationID: conversationID,
		ParticipantID:  p.ID,
		Role:           p.Role,
		DisplayName:    p.DisplayName,
		JoinedAtMS:     time.Now().UnixMilli(),
	}
	if err := r.store.AddMember(ctx, m); err != nil {
		return err
	}

	if err := r.emitMembershipEvent(ctx, conversationID, p, store.KindJoin); err != nil {
		r.rollbackJoin(conversationID, p.ID)
		return err
	}

	r.logger.Debug("participant joined",
		"conversation_id", conversationID,
		"participant_id", p.ID,
		"role", p.Role,
	)
	return nil
}

// Leave removes a participant and emits a leave event. The membership record
// is kept with a departure timestamp for history. Removing a participant who
// is not present fails with ErrNotFound. As with Join, the membership change
// and its event commit together: a failed event emission reactivates the
// membership.
func (r *Registry) Leave(ctx context.Context, conversationID, participantID string) error {
	if err := r.store.RemoveMember(ctx, conversationID, participantID, time.Now().UnixMilli()); err != nil {
		if errors.Is(err, store.ErrNotMember) {
			return store.ErrNotFound
		}
		return err
	}

	p := Participant{ID: participantID}
	if err := r.emitMembershipEvent(ctx, conversationID, p, store.KindLeave); err != nil {
		r.restoreMembership(conversationID, participantID)
		return err
	}

	r.logger.Debug("participant left",
		"conversation_id", conversationID,
		"participant_id", participantID,
	)
	return nil
}

// Get returns a point-in-time snapshot of the conversation.
func (r *Registry) Get(ctx context.Context, conversationID string) (*Snapshot, error) {
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	members, err := r.store.ListMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	last, err := r.store.LastSequence(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Conversation: conv, Members: members, LastSequence: last}, nil
}

// ListForUser returns summaries of the user's conversations, deduplicated
// by conversation id.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]*store.ConversationSummary, error) {
	return r.store.ListConversationsForUser(ctx, userID)
}

// IsMember reports whether the participant has an active membership.
func (r *Registry) IsMember(ctx context.Context, conversationID, participantID string) (bool, error) {
	return r.store.IsMember(ctx, conversationID, participantID)
}

// Redact replaces a persisted event's content with the redaction marker.
// Redacting twice is a no-op, not an error.
func (r *Registry) Redact(ctx context.Context, conversationID string, seq uint64) error {
	return r.store.RedactEvent(ctx, conversationID, seq, screen.RedactionMarker)
}

// ActorFor returns the conversation's actor, starting one if needed. After a
// process restart the first caller resurrects the actor, which reseeds its
// sequence counter from the persisted log.
func (r *Registry) ActorFor(ctx context.Context, conversationID string) (*actor.Actor, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, actor.ErrClosed
	}
	if a, ok := r.actors[conversationID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	r.mu.Unlock()

	// Verify existence outside the lock; store lookups can be slow.
	if _, err := r.store.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, actor.ErrClosed
	}
	if a, ok := r.actors[conversationID]; ok {
		return a, nil
	}

	a := actor.New(conversationID, r.store, r.limiter, r.screener, r.actorCfg, r.base)
	if err := a.Start(ctx); err != nil {
		return nil, err
	}
	r.actors[conversationID] = a
	return a, nil
}

// Close stops every actor. Subsequent lookups fail with ErrClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	actors := make([]*actor.Actor, 0, len(r.actors))
	for id, a := range r.actors {
		actors = append(actors, a)
		delete(r.actors, id)
	}
	r.mu.Unlock()

	for _, a := range actors {
		a.Stop()
	}
	r.logger.Debug("registry closed")
}

const compensateTimeout = 5 * time.Second

// rollbackJoin undoes a membership write whose join event never committed.
// Left active, the membership would fail a retried Join with ErrAlreadyMember
// while the log carries no join event. Runs on its own context; the caller's
// may already be cancelled.
func (r *Registry) rollbackJoin(conversationID, participantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	if err := r.store.RemoveMember(ctx, conversationID, participantID, time.Now().UnixMilli()); err != nil {
		r.logger.Error("join rollback failed",
			"conversation_id", conversationID,
			"participant_id", participantID,
			"error", err,
		)
	}
}

// restoreMembership reactivates a membership whose leave event never
// committed. The departed record still carries the original role, display
// name and join time, so it is restored exactly as it was.
func (r *Registry) restoreMembership(conversationID, participantID string) {
	ctx, cancel := context.WithTimeout(context.Background(), compensateTimeout)
	defer cancel()

	members, err := r.store.ListMembers(ctx, conversationID)
	if err == nil {
		err = store.ErrNotMember
		for _, m := range members {
			if m.ParticipantID != participantID {
				continue
			}
			err = r.store.AddMember(ctx, &store.Membership{
				ConversationID: conversationID,
				ParticipantID:  participantID,
				Role:           m.Role,
				DisplayName:    m.DisplayName,
				JoinedAtMS:     m.JoinedAtMS,
			})
			break
		}
	}
	if err != nil {
		r.logger.Error("leave rollback failed",
			"conversation_id", conversationID,
			"participant_id", participantID,
			"error", err,
		)
	}
}

func (r *Registry) emitMembershipEvent(ctx context.Context, conversationID string, p Participant, kind store.EventKind) error {
	a, err := r.ActorFor(ctx, conversationID)
	if err != nil {
		return err
	}

	content := fmt.Sprintf(`{"participant_id":%q,"display_name":%q,"role":%q}`, p.ID, p.DisplayName, p.Role)
	if _, err := a.SubmitInternal(ctx, actor.Draft{
		SenderID: p.ID,
		Kind:     kind,
		Content:  content,
	}); err != nil {
		return fmt.Errorf("emitting %s event: %w", kind, err)
	}
	return nil
}
