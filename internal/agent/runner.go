// ABOUTME: Runner subscribing an agent participant to a conversation
// ABOUTME: Feeds committed human messages to a QueryProcessor and submits replies

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
)

// historyWindow is how many preceding events accompany each query.
const historyWindow = 50

// Runner attaches an agent participant to one conversation. The agent is an
// ordinary member: its replies pass through the same screening, rate limiting
// and sequencing as human messages.
type Runner struct {
	id          string
	displayName string
	convID      string
	reg         *registry.Registry
	store       store.Store
	processor   QueryProcessor
	logger      *slog.Logger

	// roles caches member roles so agent-authored events are never fed back
	// into a processor. Refreshed when an unknown sender appears.
	roles map[string]store.Role

	stopOnce sync.Once
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewRunner creates a runner for one agent in one conversation.
func NewRunner(id, displayName, conversationID string, reg *registry.Registry, st store.Store, processor QueryProcessor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		id:          id,
		displayName: displayName,
		convID:      conversationID,
		reg:         reg,
		store:       st,
		processor:   processor,
		logger:      logger.With("component", "agent", "agent_id", id, "conversation_id", conversationID),
		roles:       make(map[string]store.Role),
		done:        make(chan struct{}),
	}
}

// Start joins the conversation (if not already a member) and begins consuming
// committed events. Returns once the subscription is live.
func (r *Runner) Start(ctx context.Context) error {
	member, err := r.reg.IsMember(ctx, r.convID, r.id)
	if err != nil {
		return fmt.Errorf("checking agent membership: %w", err)
	}
	if !member {
		err := r.reg.Join(ctx, r.convID, registry.Participant{
			ID:          r.id,
			Role:        store.RoleAgent,
			DisplayName: r.displayName,
		})
		if err != nil && !errors.Is(err, store.ErrAlreadyMember) {
			return fmt.Errorf("joining as agent: %w", err)
		}
	}

	a, err := r.reg.ActorFor(ctx, r.convID)
	if err != nil {
		return err
	}
	sink, err := a.Attach("agent-" + r.id)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	go r.loop(runCtx, a, sink)

	r.logger.Info("agent runner started")
	return nil
}

// Stop detaches the agent's sink and waits for in-flight processing to end.
// The agent stays a member; restarting the runner does not re-join.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel == nil {
			close(r.done)
			return
		}
		r.cancel()
		a, err := r.reg.ActorFor(context.Background(), r.convID)
		if err == nil {
			a.Detach("agent-" + r.id)
		}
	})
	<-r.done
}

func (r *Runner) loop(ctx context.Context, a *actor.Actor, sink <-chan *store.Event) {
	defer close(r.done)

	for ev := range sink {
		if !r.wantsEvent(ctx, ev) {
			continue
		}
		r.answer(ctx, a, ev)
	}
	r.logger.Debug("agent runner subscription closed")
}

// wantsEvent filters for committed messages from human senders. Join, leave
// and system events, the agent's own output and other agents' replies are
// all skipped.
func (r *Runner) wantsEvent(ctx context.Context, ev *store.Event) bool {
	if ev.Kind != store.KindMessage || ev.SenderID == r.id || ev.Redacted {
		return false
	}

	role, ok := r.roles[ev.SenderID]
	if !ok {
		r.refreshRoles(ctx)
		role, ok = r.roles[ev.SenderID]
		if !ok {
			return false
		}
	}
	return role == store.RoleHuman
}

func (r *Runner) refreshRoles(ctx context.Context) {
	members, err := r.store.ListMembers(ctx, r.convID)
	if err != nil {
		r.logger.Warn("refreshing member roles failed", "error", err)
		return
	}
	for _, m := range members {
		r.roles[m.ParticipantID] = m.Role
	}
}

// answer runs one query through the processor and submits each streamed
// reply. Queries are handled one at a time; the sink buffers meanwhile.
func (r *Runner) answer(ctx context.Context, a *actor.Actor, ev *store.Event) {
	history, err := r.history(ctx, ev.Seq)
	if err != nil {
		r.logger.Warn("loading history failed", "seq", ev.Seq, "error", err)
	}

	replies, err := r.processor.Process(ctx, ev.Content, history)
	if err != nil {
		r.logger.Error("query processing failed", "seq", ev.Seq, "error", err)
		return
	}

	for reply := range replies {
		seq, err := a.Submit(ctx, actor.Draft{
			SenderID: r.id,
			Kind:     store.KindMessage,
			Content:  reply.Content,
		})
		if err != nil {
			// The reply is dropped, never retried out of order.
			r.logger.Warn("agent reply rejected", "query_seq", ev.Seq, "error", err)
			continue
		}
		r.logger.Debug("agent reply committed", "query_seq", ev.Seq, "reply_seq", seq)
	}
}

// history returns up to historyWindow events preceding (and including) seq.
func (r *Runner) history(ctx context.Context, seq uint64) ([]*store.Event, error) {
	var after uint64
	if seq > historyWindow {
		after = seq - historyWindow
	}
	return r.store.ListEventsSince(ctx, r.convID, after, historyWindow)
}
