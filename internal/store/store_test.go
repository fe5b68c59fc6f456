// ABOUTME: Contract tests for the Store interface
// ABOUTME: Runs the same suite against SQLiteStore and MemoryStore

package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeImpls(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

func createConversation(t *testing.T, s Store, convID, creatorID string) {
	t.Helper()
	err := s.CreateConversation(context.Background(),
		&Conversation{ID: convID, Mode: ModeFreeForm, CreatedAtMS: 1000},
		&Membership{ConversationID: convID, ParticipantID: creatorID, Role: RoleHuman, DisplayName: "Creator", JoinedAtMS: 1000},
	)
	require.NoError(t, err)
}

func TestStore_CreateConversation_AutoJoinsCreator(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			conv, err := s.GetConversation(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, ModeFreeForm, conv.Mode)

			members, err := s.ListMembers(ctx, "conv-1")
			require.NoError(t, err)
			require.Len(t, members, 1)
			assert.Equal(t, "alice", members[0].ParticipantID)
			assert.Nil(t, members[0].LeftAtMS)
		})
	}
}

func TestStore_GetConversation_NotFound(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.GetConversation(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_AddMember(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			err := s.AddMember(ctx, &Membership{
				ConversationID: "conv-1", ParticipantID: "bob",
				Role: RoleHuman, DisplayName: "Bob", JoinedAtMS: 2000,
			})
			require.NoError(t, err)

			ok, err := s.IsMember(ctx, "conv-1", "bob")
			require.NoError(t, err)
			assert.True(t, ok)

			// Duplicate add fails
			err = s.AddMember(ctx, &Membership{
				ConversationID: "conv-1", ParticipantID: "bob",
				Role: RoleHuman, DisplayName: "Bob", JoinedAtMS: 3000,
			})
			assert.ErrorIs(t, err, ErrAlreadyMember)

			// Absent conversation fails
			err = s.AddMember(ctx, &Membership{
				ConversationID: "missing", ParticipantID: "bob",
				Role: RoleHuman, DisplayName: "Bob", JoinedAtMS: 3000,
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_RemoveMember_AndRejoin(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			require.NoError(t, s.AddMember(ctx, &Membership{
				ConversationID: "conv-1", ParticipantID: "bob",
				Role: RoleHuman, DisplayName: "Bob", JoinedAtMS: 2000,
			}))

			require.NoError(t, s.RemoveMember(ctx, "conv-1", "bob", 3000))

			ok, err := s.IsMember(ctx, "conv-1", "bob")
			require.NoError(t, err)
			assert.False(t, ok)

			// Removing again fails
			err = s.RemoveMember(ctx, "conv-1", "bob", 4000)
			assert.ErrorIs(t, err, ErrNotMember)

			// Rejoin reactivates the membership
			require.NoError(t, s.AddMember(ctx, &Membership{
				ConversationID: "conv-1", ParticipantID: "bob",
				Role: RoleHuman, DisplayName: "Bob", JoinedAtMS: 5000,
			}))
			ok, err = s.IsMember(ctx, "conv-1", "bob")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_AppendAndListEvents(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			for seq := uint64(1); seq <= 5; seq++ {
				err := s.AppendEvent(ctx, &Event{
					ConversationID: "conv-1",
					Seq:            seq,
					SenderID:       "alice",
					Kind:           KindMessage,
					Content:        "hello",
					TimestampMS:    int64(seq) * 100,
				})
				require.NoError(t, err)
			}

			// Replay from cursor 2 returns exactly 3,4,5 ascending.
			events, err := s.ListEventsSince(ctx, "conv-1", 2, 0)
			require.NoError(t, err)
			require.Len(t, events, 3)
			for i, event := range events {
				assert.Equal(t, uint64(3+i), event.Seq)
			}

			// Replaying twice from the same cursor yields identical results.
			again, err := s.ListEventsSince(ctx, "conv-1", 2, 0)
			require.NoError(t, err)
			assert.Equal(t, events, again)

			// Limit applies.
			limited, err := s.ListEventsSince(ctx, "conv-1", 0, 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, uint64(1), limited[0].Seq)

			last, err := s.LastSequence(ctx, "conv-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(5), last)
		})
	}
}

func TestStore_AppendEvent_DuplicateSequence(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			event := &Event{
				ConversationID: "conv-1", Seq: 1, SenderID: "alice",
				Kind: KindMessage, Content: "hello", TimestampMS: 100,
			}
			require.NoError(t, s.AppendEvent(ctx, event))
			assert.ErrorIs(t, s.AppendEvent(ctx, event), ErrDuplicateSequence)
		})
	}
}

func TestStore_AppendEvent_PIICategories(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			require.NoError(t, s.AppendEvent(ctx, &Event{
				ConversationID: "conv-1", Seq: 1, SenderID: "alice",
				Kind: KindMessage, Content: "mail me at a@b.com",
				TimestampMS: 100, PIICategories: []string{"email"},
			}))

			events, err := s.ListEventsSince(ctx, "conv-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, []string{"email"}, events[0].PIICategories)
		})
	}
}

func TestStore_RedactEvent_Idempotent(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")

			require.NoError(t, s.AppendEvent(ctx, &Event{
				ConversationID: "conv-1", Seq: 1, SenderID: "alice",
				Kind: KindMessage, Content: "secret", TimestampMS: 100,
			}))

			require.NoError(t, s.RedactEvent(ctx, "conv-1", 1, "[redacted]"))
			require.NoError(t, s.RedactEvent(ctx, "conv-1", 1, "[redacted]"))

			events, err := s.ListEventsSince(ctx, "conv-1", 0, 0)
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.True(t, events[0].Redacted)
			assert.Equal(t, "[redacted]", events[0].Content)

			assert.ErrorIs(t, s.RedactEvent(ctx, "conv-1", 99, "[redacted]"), ErrNotFound)
		})
	}
}

func TestStore_ListConversationsForUser(t *testing.T) {
	for name, s := range storeImpls(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			createConversation(t, s, "conv-1", "alice")
			createConversation(t, s, "conv-2", "alice")
			createConversation(t, s, "conv-3", "bob")

			require.NoError(t, s.AppendEvent(ctx, &Event{
				ConversationID: "conv-1", Seq: 1, SenderID: "alice",
				Kind: KindMessage, Content: "hi", TimestampMS: 100,
			}))

			summaries, err := s.ListConversationsForUser(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, summaries, 2)

			seen := map[string]uint64{}
			for _, sum := range summaries {
				seen[sum.ID] = sum.LastSequence
			}
			assert.Equal(t, uint64(1), seen["conv-1"])
			assert.Equal(t, uint64(0), seen["conv-2"])

			// Departed memberships drop out of the listing.
			require.NoError(t, s.RemoveMember(ctx, "conv-2", "alice", 5000))
			summaries, err = s.ListConversationsForUser(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, summaries, 1)
			assert.Equal(t, "conv-1", summaries[0].ID)
		})
	}
}
