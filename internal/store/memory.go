// ABOUTME: In-memory implementation of the Store interface
// ABOUTME: Used by tests and as the zero-config default backing store

package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore implements the Store interface with mutex-guarded maps.
// Events are "durable" for the lifetime of the process, which is enough to
// satisfy the append-before-commit contract in tests and single-node setups.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	memberships   map[string]map[string]*Membership // conversation id -> participant id
	events        map[string][]*Event               // conversation id -> ascending by seq
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		memberships:   make(map[string]map[string]*Membership),
		events:        make(map[string][]*Event),
	}
}

func (s *MemoryStore) CreateConversation(_ context.Context, conv *Conversation, creator *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *conv
	m := *creator
	m.ConversationID = c.ID
	m.LeftAtMS = nil

	s.conversations[c.ID] = &c
	s.memberships[c.ID] = map[string]*Membership{m.ParticipantID: &m}
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

func (s *MemoryStore) AddMember(_ context.Context, m *Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.memberships[m.ConversationID]
	if !ok {
		return ErrNotFound
	}

	if existing, ok := members[m.ParticipantID]; ok {
		if existing.LeftAtMS == nil {
			return ErrAlreadyMember
		}
		existing.Role = m.Role
		existing.DisplayName = m.DisplayName
		existing.JoinedAtMS = m.JoinedAtMS
		existing.LeftAtMS = nil
		return nil
	}

	cp := *m
	cp.LeftAtMS = nil
	members[m.ParticipantID] = &cp
	return nil
}

func (s *MemoryStore) RemoveMember(_ context.Context, conversationID, participantID string, leftAtMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.memberships[conversationID]
	if !ok {
		return ErrNotFound
	}
	m, ok := members[participantID]
	if !ok || m.LeftAtMS != nil {
		return ErrNotMember
	}
	m.LeftAtMS = &leftAtMS
	return nil
}

func (s *MemoryStore) ListMembers(_ context.Context, conversationID string) ([]*Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.memberships[conversationID]
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]*Membership, 0, len(members))
	for _, m := range members {
		cp := *m
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAtMS < out[j].JoinedAtMS })
	return out, nil
}

func (s *MemoryStore) IsMember(_ context.Context, conversationID, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	members, ok := s.memberships[conversationID]
	if !ok {
		return false, nil
	}
	m, ok := members[participantID]
	return ok && m.LeftAtMS == nil, nil
}

func (s *MemoryStore) ListConversationsForUser(_ context.Context, userID string) ([]*ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var summaries []*ConversationSummary
	for convID, members := range s.memberships {
		m, ok := members[userID]
		if !ok || m.LeftAtMS != nil {
			continue
		}
		conv := s.conversations[convID]
		sum := &ConversationSummary{
			ID:          conv.ID,
			Mode:        conv.Mode,
			CreatedAtMS: conv.CreatedAtMS,
		}
		if log := s.events[convID]; len(log) > 0 {
			sum.LastSequence = log[len(log)-1].Seq
		}
		summaries = append(summaries, sum)
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].CreatedAtMS < summaries[j].CreatedAtMS })
	return summaries, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[event.ConversationID]; !ok {
		return ErrNotFound
	}

	log := s.events[event.ConversationID]
	if len(log) > 0 && event.Seq <= log[len(log)-1].Seq {
		return ErrDuplicateSequence
	}

	cp := *event
	cp.PIICategories = append([]string(nil), event.PIICategories...)
	s.events[event.ConversationID] = append(log, &cp)
	return nil
}

func (s *MemoryStore) ListEventsSince(_ context.Context, conversationID string, afterSeq uint64, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[conversationID]
	// Log is ascending by seq; find the first entry past the cursor.
	start := sort.Search(len(log), func(i int) bool { return log[i].Seq > afterSeq })

	var out []*Event
	for i := start; i < len(log); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *log[i]
		cp.PIICategories = append([]string(nil), log[i].PIICategories...)
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LastSequence(_ context.Context, conversationID string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[conversationID]
	if len(log) == 0 {
		return 0, nil
	}
	return log[len(log)-1].Seq, nil
}

func (s *MemoryStore) RedactEvent(_ context.Context, conversationID string, seq uint64, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.events[conversationID] {
		if event.Seq == seq {
			if event.Redacted {
				return nil
			}
			event.Content = marker
			event.Redacted = true
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) Close() error {
	return nil
}
