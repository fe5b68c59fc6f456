// ABOUTME: Store interface and data types for parley persistence
// ABOUTME: Defines Conversation, Membership, Event and the Store contract

package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyMember is returned when adding a participant that already has an
// active membership in the conversation.
var ErrAlreadyMember = errors.New("already a member")

// ErrNotMember is returned when removing a participant that has no active
// membership in the conversation.
var ErrNotMember = errors.New("not a member")

// ErrDuplicateSequence is returned when appending an event whose sequence
// number is already taken for the conversation.
var ErrDuplicateSequence = errors.New("duplicate sequence number")

// ConversationMode determines how content in the conversation is treated
// by upstream layers. This layer persists and reports it without enforcement.
type ConversationMode string

const (
	ModeFreeForm   ConversationMode = "free_form"
	ModeStructured ConversationMode = "structured"
)

// Role distinguishes human participants from agent participants. Both have
// the same capability set here: produce events, consume events.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// EventKind categorizes a conversation event.
type EventKind string

const (
	KindMessage EventKind = "message"
	KindJoin    EventKind = "join"
	KindLeave   EventKind = "leave"
	KindSystem  EventKind = "system"
)

// Conversation is a named channel with an ordered event log and a membership set.
// Timestamps are milliseconds since epoch; producers never exchange formatted dates.
type Conversation struct {
	ID          string
	Mode        ConversationMode
	CreatedAtMS int64
}

// Membership records one participant's membership in one conversation.
// Leaving sets LeftAtMS rather than deleting the row, so join/leave history
// survives for audit and replay.
type Membership struct {
	ConversationID string
	ParticipantID  string
	Role           Role
	DisplayName    string
	JoinedAtMS     int64
	LeftAtMS       *int64
}

// Event is one entry in a conversation's append-only log. Immutable once
// persisted, except for redaction which replaces content in place.
// Seq is the sole ordering key; TimestampMS is informational only.
type Event struct {
	ConversationID string
	Seq            uint64
	SenderID       string
	Kind           EventKind
	Content        string
	TimestampMS    int64
	PIICategories  []string
	Redacted       bool
}

// ConversationSummary is the per-user listing view of a conversation.
type ConversationSummary struct {
	ID           string
	Mode         ConversationMode
	CreatedAtMS  int64
	LastSequence uint64
}

// Store is the durable event log and membership record behind the
// conversation layer. Implementations must make AppendEvent durable before
// returning success: the sequencer treats a successful append as the commit
// point for the sequence number. Implementations are responsible for their
// own safety under concurrent calls from different conversations.
type Store interface {
	// CreateConversation persists the conversation and its creator membership
	// atomically, so a conversation is never observable without members.
	CreateConversation(ctx context.Context, conv *Conversation, creator *Membership) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AddMember activates a membership. Re-adding a departed participant
	// reactivates the existing record. Returns ErrNotFound if the conversation
	// is absent, ErrAlreadyMember if an active membership exists.
	AddMember(ctx context.Context, m *Membership) error
	// RemoveMember marks the membership as departed. Returns ErrNotFound if
	// the conversation is absent, ErrNotMember if no active membership exists.
	RemoveMember(ctx context.Context, conversationID, participantID string, leftAtMS int64) error
	ListMembers(ctx context.Context, conversationID string) ([]*Membership, error)
	IsMember(ctx context.Context, conversationID, participantID string) (bool, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]*ConversationSummary, error)

	// AppendEvent durably persists an event. The (conversation, seq) pair is
	// unique; callers must not advance their sequence counter on failure.
	AppendEvent(ctx context.Context, event *Event) error
	// ListEventsSince returns events with Seq > afterSeq in ascending
	// sequence order. limit <= 0 means no limit.
	ListEventsSince(ctx context.Context, conversationID string, afterSeq uint64, limit int) ([]*Event, error)
	// LastSequence returns the highest persisted sequence number for the
	// conversation, 0 if it has no events.
	LastSequence(ctx context.Context, conversationID string) (uint64, error)
	// RedactEvent replaces the stored content with the redaction marker and
	// sets the redacted flag. Redacting an already-redacted event is a no-op.
	RedactEvent(ctx context.Context, conversationID string, seq uint64, marker string) error

	Close() error
}
