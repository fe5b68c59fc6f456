// ABOUTME: Per-conversation sequencer actor owning the event counter and fan-out
// ABOUTME: Single goroutine per conversation serializes all submissions

package actor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/screen"
	"github.com/parley-chat/parley/internal/store"
)

// Submission errors. Recoverable ones are reported to the originating sender
// only; conversation state is unaffected.
var (
	ErrRateLimited     = errors.New("rate limited")
	ErrContentRejected = errors.New("content rejected")
	ErrQueueFull       = errors.New("queue full")
	ErrNotMember       = errors.New("sender is not a member")
	ErrStorageFailure  = errors.New("storage failure")
	ErrClosed          = errors.New("conversation actor closed")
)

const (
	// DefaultQueueBound is the pending-submission bound per conversation.
	DefaultQueueBound = 128
	// DefaultSinkBuffer is the per-connection outbound buffer. A sink that
	// falls this far behind is force-detached rather than blocking others.
	DefaultSinkBuffer = 64

	persistTimeout = 5 * time.Second
)

// Draft is a submission before a sequence number is assigned.
type Draft struct {
	SenderID string
	Kind     store.EventKind
	Content  string
}

// Config bounds the actor's queue and per-sink buffers.
type Config struct {
	QueueBound int
	SinkBuffer int
}

func (c Config) withDefaults() Config {
	if c.QueueBound <= 0 {
		c.QueueBound = DefaultQueueBound
	}
	if c.SinkBuffer <= 0 {
		c.SinkBuffer = DefaultSinkBuffer
	}
	return c
}

type result struct {
	seq uint64
	err error
}

type envelope struct {
	draft    Draft
	piiFlags []string
	reply    chan result
}

type ctlKind int

const (
	ctlAttach ctlKind = iota
	ctlDetach
)

type ctlMsg struct {
	kind  ctlKind
	id    string
	ch    chan *store.Event
	reply chan struct{}
}

// Actor is the single writer of one conversation's sequence counter and
// pending queue. All mutable state is owned by the run goroutine; callers
// interact only through channels, so no fine-grained locking is needed.
// Different conversations proceed fully in parallel.
type Actor struct {
	conversationID string
	store          store.Store
	limiter        *ratelimit.Limiter
	screener       *screen.Screener
	cfg            Config
	logger         *slog.Logger

	inbox chan *envelope
	ctl   chan ctlMsg
	quit  chan struct{}
	done  chan struct{}
	stop  sync.Once

	// Owned exclusively by the run goroutine.
	seq   uint64
	sinks map[string]chan *store.Event
}

// New creates an actor for the conversation. Call Start before Submit.
func New(conversationID string, st store.Store, limiter *ratelimit.Limiter, screener *screen.Screener, cfg Config, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Actor{
		conversationID: conversationID,
		store:          st,
		limiter:        limiter,
		screener:       screener,
		cfg:            cfg,
		logger:         logger.With("component", "actor", "conversation_id", conversationID),
		inbox:          make(chan *envelope, cfg.QueueBound),
		ctl:            make(chan ctlMsg),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
		sinks:          make(map[string]chan *store.Event),
	}
}

// Start seeds the sequence counter from the persisted log and launches the
// run goroutine. A restarted process resumes exactly where the log ends.
func (a *Actor) Start(ctx context.Context) error {
	last, err := a.store.LastSequence(ctx, a.conversationID)
	if err != nil {
		return fmt.Errorf("seeding sequence counter: %w", err)
	}
	a.seq = last
	go a.run()
	return nil
}

// Submit admits a draft through rate limiting, screening and the queue bound,
// then hands it to the sequencer. Returns the assigned sequence number.
//
// Admission happens on the caller's goroutine: the rate limiter and screener
// have their own synchronization, so only sequencing itself must serialize.
// If ctx is cancelled while the draft is queued, the draft is still processed
// (a disconnect never cancels in-flight processing for the conversation);
// only the caller stops waiting for the result.
func (a *Actor) Submit(ctx context.Context, draft Draft) (uint64, error) {
	if !a.limiter.Allow(draft.SenderID) {
		return 0, ErrRateLimited
	}

	member, err := a.store.IsMember(ctx, a.conversationID, draft.SenderID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	if !member {
		return 0, ErrNotMember
	}

	verdict := a.screener.Screen(draft.Content)
	if verdict.Decision == screen.Reject {
		return 0, fmt.Errorf("%w: %s", ErrContentRejected, verdict.Reason)
	}

	return a.enqueue(ctx, draft, verdict.Categories, false)
}

// SubmitInternal bypasses admission for registry-originated join/leave/system
// events. Membership changes must appear in-band regardless of the sender's
// rate budget, and they wait for queue space instead of competing with
// regular messages for it; a membership event is never rejected with
// ErrQueueFull.
func (a *Actor) SubmitInternal(ctx context.Context, draft Draft) (uint64, error) {
	return a.enqueue(ctx, draft, nil, true)
}

func (a *Actor) enqueue(ctx context.Context, draft Draft, piiFlags []string, wait bool) (uint64, error) {
	env := &envelope{
		draft:    draft,
		piiFlags: piiFlags,
		reply:    make(chan result, 1),
	}

	if wait {
		select {
		case a.inbox <- env:
		case <-a.done:
			return 0, ErrClosed
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	} else {
		// Reject the newest submission when the queue is at its bound; never
		// displace an already-queued draft, which would reorder commits.
		select {
		case a.inbox <- env:
		case <-a.done:
			return 0, ErrClosed
		default:
			return 0, ErrQueueFull
		}
	}

	select {
	case res := <-env.reply:
		return res.seq, res.err
	case <-a.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Attach registers a delivery sink and returns its receive channel. The
// channel is closed when the sink overflows, is detached, or the actor stops.
func (a *Actor) Attach(id string) (<-chan *store.Event, error) {
	ch := make(chan *store.Event, a.cfg.SinkBuffer)
	msg := ctlMsg{kind: ctlAttach, id: id, ch: ch, reply: make(chan struct{})}

	select {
	case a.ctl <- msg:
	case <-a.done:
		return nil, ErrClosed
	}
	<-msg.reply
	return ch, nil
}

// Detach removes a delivery sink and closes its channel. Detaching an
// unknown id is a no-op.
func (a *Actor) Detach(id string) {
	msg := ctlMsg{kind: ctlDetach, id: id, reply: make(chan struct{})}

	select {
	case a.ctl <- msg:
		<-msg.reply
	case <-a.done:
	}
}

// Stop terminates the run goroutine. Queued submissions are failed with
// ErrClosed and all sinks are closed. Safe to call more than once.
func (a *Actor) Stop() {
	a.stop.Do(func() { close(a.quit) })
	<-a.done
}

func (a *Actor) run() {
	defer close(a.done)

	for {
		// Quit takes priority over queued work so Stop is prompt even
		// under a continuously full inbox.
		select {
		case <-a.quit:
			a.shutdown()
			return
		default:
		}

		select {
		case <-a.quit:
			a.shutdown()
			return
		case msg := <-a.ctl:
			a.handleCtl(msg)
		case env := <-a.inbox:
			a.process(env)
		}
	}
}

func (a *Actor) handleCtl(msg ctlMsg) {
	switch msg.kind {
	case ctlAttach:
		a.sinks[msg.id] = msg.ch
		a.logger.Debug("sink attached", "sink_id", msg.id, "total_sinks", len(a.sinks))
	case ctlDetach:
		if ch, ok := a.sinks[msg.id]; ok {
			delete(a.sinks, msg.id)
			close(ch)
			a.logger.Debug("sink detached", "sink_id", msg.id, "total_sinks", len(a.sinks))
		}
	}
	close(msg.reply)
}

// process assigns the next sequence number, persists, and fans out.
// Persistence uses its own timeout context so a departed submitter cannot
// abort the commit mid-flight.
func (a *Actor) process(env *envelope) {
	next := a.seq + 1
	event := &store.Event{
		ConversationID: a.conversationID,
		Seq:            next,
		SenderID:       env.draft.SenderID,
		Kind:           env.draft.Kind,
		Content:        env.draft.Content,
		TimestampMS:    time.Now().UnixMilli(),
		PIICategories:  env.piiFlags,
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	err := a.store.AppendEvent(persistCtx, event)
	cancel()

	if err != nil {
		// Counter is not advanced: a failed append must never create a gap.
		a.logger.Error("event persistence failed",
			"seq", next,
			"kind", env.draft.Kind,
			"error", err,
		)
		env.reply <- result{err: fmt.Errorf("%w: %v", ErrStorageFailure, err)}
		return
	}

	a.seq = next
	env.reply <- result{seq: next}
	a.fanOut(event)
}

// fanOut delivers to every sink best-effort. A full sink is force-detached
// so one slow connection never blocks delivery to the rest.
func (a *Actor) fanOut(event *store.Event) {
	for id, ch := range a.sinks {
		select {
		case ch <- event:
		default:
			delete(a.sinks, id)
			close(ch)
			a.logger.Warn("sink overflow, force-detached",
				"sink_id", id,
				"seq", event.Seq,
			)
		}
	}
}

func (a *Actor) shutdown() {
	// Fail queued submissions rather than dropping them silently.
	for {
		select {
		case env := <-a.inbox:
			env.reply <- result{err: ErrClosed}
		default:
			for id, ch := range a.sinks {
				delete(a.sinks, id)
				close(ch)
			}
			return
		}
	}
}
