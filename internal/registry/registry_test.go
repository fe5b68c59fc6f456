// ABOUTME: Tests for the conversation registry
// ABOUTME: Covers lifecycle, membership events, actor reuse and shutdown

package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/screen"
	"github.com/parley-chat/parley/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { _ = st.Close() })

	r := New(st, ratelimit.New(100, 100), screen.New(0), actor.Config{}, nil)
	t.Cleanup(r.Close)
	return r
}

func alice() Participant {
	return Participant{ID: "alice", Role: store.RoleHuman, DisplayName: "Alice"}
}

func TestCreate_AutoJoinsCreator(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	require.NotEmpty(t, conv.ID)

	member, err := r.IsMember(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.True(t, member)

	snap, err := r.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Members, 1)
	assert.Equal(t, uint64(0), snap.LastSequence, "creation emits no events")
}

func TestCreate_DefaultsToFreeForm(t *testing.T) {
	r := newTestRegistry(t)

	conv, err := r.Create(context.Background(), alice(), "")
	require.NoError(t, err)
	assert.Equal(t, store.ModeFreeForm, conv.Mode)
}

func TestCreatorFirstMessageIsSequenceOne(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	a, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)

	seq, err := a.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)
}

func TestJoin_EmitsOrderedJoinEvent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	a, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)
	_, err = a.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "hello"})
	require.NoError(t, err)

	bob := Participant{ID: "bob", Role: store.RoleHuman, DisplayName: "Bob"}
	require.NoError(t, r.Join(ctx, conv.ID, bob))

	member, err := r.IsMember(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.True(t, member)

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.KindMessage, events[0].Kind)
	assert.Equal(t, store.KindJoin, events[1].Kind)
	assert.Equal(t, "bob", events[1].SenderID)
	assert.Contains(t, events[1].Content, `"participant_id":"bob"`)
}

func TestJoin_UnknownConversation(t *testing.T) {
	r := newTestRegistry(t)

	err := r.Join(context.Background(), "missing", alice())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLeave_EmitsLeaveEventAndEndsMembership(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	require.NoError(t, r.Join(ctx, conv.ID, Participant{ID: "bob", Role: store.RoleHuman, DisplayName: "Bob"}))

	require.NoError(t, r.Leave(ctx, conv.ID, "bob"))

	member, err := r.IsMember(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.False(t, member)

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.KindLeave, events[1].Kind)

	// The leave event goes through SubmitInternal, which skips the
	// membership check; the departed sender can still be attributed.
	assert.Equal(t, "bob", events[1].SenderID)
}

func TestLeave_AbsentParticipantIsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	err = r.Leave(ctx, conv.ID, "stranger")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// flakyStore fails AppendEvent while failing is set, leaving every other
// operation intact.
type flakyStore struct {
	store.Store
	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *flakyStore) AppendEvent(ctx context.Context, event *store.Event) error {
	s.mu.Lock()
	failing := s.failing
	s.mu.Unlock()
	if failing {
		return errors.New("disk full")
	}
	return s.Store.AppendEvent(ctx, event)
}

func newFlakyRegistry(t *testing.T) (*Registry, *flakyStore) {
	t.Helper()
	st := &flakyStore{Store: store.NewMemoryStore()}
	t.Cleanup(func() { _ = st.Close() })

	r := New(st, ratelimit.New(100, 100), screen.New(0), actor.Config{}, nil)
	t.Cleanup(r.Close)
	return r, st
}

func TestJoin_RollsBackMembershipWhenEventFails(t *testing.T) {
	r, st := newFlakyRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	bob := Participant{ID: "bob", Role: store.RoleHuman, DisplayName: "Bob"}
	st.setFailing(true)
	err = r.Join(ctx, conv.ID, bob)
	require.ErrorIs(t, err, actor.ErrStorageFailure)

	member, err := r.IsMember(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.False(t, member, "failed join must not leave an active membership")

	// Once storage recovers the retry is a fresh join, not a duplicate.
	st.setFailing(false)
	require.NoError(t, r.Join(ctx, conv.ID, bob))

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.KindJoin, events[0].Kind)
	assert.Equal(t, "bob", events[0].SenderID)
}

func TestLeave_RestoresMembershipWhenEventFails(t *testing.T) {
	r, st := newFlakyRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	require.NoError(t, r.Join(ctx, conv.ID, Participant{ID: "bob", Role: store.RoleHuman, DisplayName: "Bob"}))

	st.setFailing(true)
	err = r.Leave(ctx, conv.ID, "bob")
	require.ErrorIs(t, err, actor.ErrStorageFailure)

	member, err := r.IsMember(ctx, conv.ID, "bob")
	require.NoError(t, err)
	assert.True(t, member, "failed leave must keep the membership active")

	st.setFailing(false)
	require.NoError(t, r.Leave(ctx, conv.ID, "bob"))

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.KindJoin, events[0].Kind)
	assert.Equal(t, store.KindLeave, events[1].Kind)
}

func TestActorFor_ReturnsSameActor(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	a1, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)
	a2, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)
	assert.Same(t, a1, a2)
}

func TestActorFor_UnknownConversation(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.ActorFor(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestActorFor_ResumesSequenceAfterRestart(t *testing.T) {
	st := store.NewMemoryStore()
	defer st.Close()
	ctx := context.Background()

	limiter := ratelimit.New(100, 100)
	screener := screen.New(0)

	r1 := New(st, limiter, screener, actor.Config{}, nil)
	conv, err := r1.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	a1, err := r1.ActorFor(ctx, conv.ID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := a1.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "msg"})
		require.NoError(t, err)
	}
	r1.Close()

	// A fresh registry over the same store stands in for a restarted process.
	r2 := New(st, limiter, screener, actor.Config{}, nil)
	defer r2.Close()
	a2, err := r2.ActorFor(ctx, conv.ID)
	require.NoError(t, err)

	seq, err := a2.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "after restart"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestListForUser(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	c1, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	c2, err := r.Create(ctx, alice(), store.ModeStructured)
	require.NoError(t, err)
	_, err = r.Create(ctx, Participant{ID: "bob", Role: store.RoleHuman, DisplayName: "Bob"}, store.ModeFreeForm)
	require.NoError(t, err)

	summaries, err := r.ListForUser(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	ids := []string{summaries[0].ID, summaries[1].ID}
	assert.ElementsMatch(t, []string{c1.ID, c2.ID}, ids)
}

func TestRedact_IsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	a, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)
	seq, err := a.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "sensitive"})
	require.NoError(t, err)

	require.NoError(t, r.Redact(ctx, conv.ID, seq))
	require.NoError(t, r.Redact(ctx, conv.ID, seq))

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, screen.RedactionMarker, events[0].Content)
	assert.True(t, events[0].Redacted)
}

func TestClose_StopsActorsAndRejectsLookups(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)
	a, err := r.ActorFor(ctx, conv.ID)
	require.NoError(t, err)

	r.Close()

	_, err = a.Submit(ctx, actor.Draft{SenderID: "alice", Kind: store.KindMessage, Content: "late"})
	assert.ErrorIs(t, err, actor.ErrClosed)

	_, err = r.ActorFor(ctx, conv.ID)
	assert.ErrorIs(t, err, actor.ErrClosed)
}

func TestConcurrentJoins(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	conv, err := r.Create(ctx, alice(), store.ModeFreeForm)
	require.NoError(t, err)

	const joiners = 10
	errs := make(chan error, joiners)
	for i := 0; i < joiners; i++ {
		id := string(rune('a'+i)) + "-user"
		go func(id string) {
			errs <- r.Join(ctx, conv.ID, Participant{ID: id, Role: store.RoleHuman, DisplayName: id})
		}(id)
	}
	for i := 0; i < joiners; i++ {
		require.NoError(t, <-errs)
	}

	events, err := r.store.ListEventsSince(ctx, conv.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, events, joiners)
	for i, ev := range events {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.Equal(t, store.KindJoin, ev.Kind)
	}

	snap, err := r.Get(ctx, conv.ID)
	require.NoError(t, err)
	assert.Len(t, snap.Members, joiners+1)
}
