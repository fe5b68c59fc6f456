// ABOUTME: HTTP API handlers for conversation management
// ABOUTME: JSON in, JSON out, with the shared error taxonomy on failures

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/connection"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/store"
)

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	Mode        string `json:"mode,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// ConversationResponse is the JSON shape of a conversation with its members.
type ConversationResponse struct {
	ID           string           `json:"id"`
	Mode         string           `json:"mode"`
	CreatedAtMS  int64            `json:"created_at_ms"`
	LastSequence uint64           `json:"last_sequence"`
	Members      []MemberResponse `json:"members"`
}

// MemberResponse is the JSON shape of one membership.
type MemberResponse struct {
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
	DisplayName   string `json:"display_name"`
	JoinedAtMS    int64  `json:"joined_at_ms"`
}

// SummaryResponse is one entry in GET /api/conversations.
type SummaryResponse struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	CreatedAtMS  int64  `json:"created_at_ms"`
	LastSequence uint64 `json:"last_sequence"`
}

// JoinRequest is the JSON request body for POST /api/conversations/{id}/join.
type JoinRequest struct {
	ShareToken  string `json:"share_token,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// EventResponse is the JSON shape of one committed event.
type EventResponse struct {
	ConversationID string   `json:"conversation_id"`
	Sequence       uint64   `json:"sequence"`
	SenderID       string   `json:"sender_id"`
	Kind           string   `json:"kind"`
	Content        string   `json:"content"`
	TimestampMS    int64    `json:"timestamp_ms"`
	PIIFlags       []string `json:"pii_flags,omitempty"`
	Redacted       bool     `json:"redacted,omitempty"`
}

// ShareResponse is the JSON response for POST /api/conversations/{id}/share.
type ShareResponse struct {
	ShareToken string `json:"share_token"`
}

type identityKey struct{}

// requireAuth wraps a handler with bearer-token authentication. The verified
// identity is placed on the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.sendError(w, http.StatusUnauthorized, connection.CodeUnauthorized, "missing bearer token")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Auth.AuthTimeout)
		identity, err := s.authn.Authenticate(ctx, token)
		cancel()
		if err != nil {
			s.sendError(w, http.StatusUnauthorized, connection.CodeUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	}
}

func callerIdentity(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return identity
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "invalid JSON body")
			return
		}
	}

	mode := store.ConversationMode(req.Mode)
	switch mode {
	case "", store.ModeFreeForm, store.ModeStructured:
	default:
		s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "mode must be free_form or structured")
		return
	}

	identity := callerIdentity(r)
	displayName := req.DisplayName
	if displayName == "" {
		displayName = identity.DisplayName
	}

	conv, err := s.registry.Create(r.Context(), registry.Participant{
		ID:          identity.UserID,
		Role:        store.RoleHuman,
		DisplayName: displayName,
	}, mode)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	s.startEchoRunner(r.Context(), conv.ID)

	snap, err := s.registry.Get(r.Context(), conv.ID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, conversationResponse(snap))
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)

	summaries, err := s.registry.ListForUser(r.Context(), identity.UserID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	out := make([]SummaryResponse, len(summaries))
	for i, c := range summaries {
		out[i] = SummaryResponse{
			ID:           c.ID,
			Mode:         string(c.Mode),
			CreatedAtMS:  c.CreatedAtMS,
			LastSequence: c.LastSequence,
		}
	}
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	if !s.requireMember(w, r, convID, identity.UserID) {
		return
	}

	snap, err := s.registry.Get(r.Context(), convID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(snap))
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	var req JoinRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "invalid JSON body")
			return
		}
	}

	if req.ShareToken != "" {
		if err := s.shares.Verify(req.ShareToken, convID); err != nil {
			s.sendError(w, http.StatusForbidden, connection.CodeUnauthorized, "invalid share token")
			return
		}
	}
	// Without a share token, joining by id is open to any authenticated
	// user; invitation enforcement belongs to the platform above.

	displayName := req.DisplayName
	if displayName == "" {
		displayName = identity.DisplayName
	}

	err := s.registry.Join(r.Context(), convID, registry.Participant{
		ID:          identity.UserID,
		Role:        store.RoleHuman,
		DisplayName: displayName,
	})
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	snap, err := s.registry.Get(r.Context(), convID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, conversationResponse(snap))
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	if err := s.registry.Leave(r.Context(), convID, identity.UserID); err != nil {
		s.sendMappedError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	if !s.requireMember(w, r, convID, identity.UserID) {
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "after must be a non-negative integer")
			return
		}
		after = parsed
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "limit must be a positive integer")
			return
		}
		limit = parsed
		if limit > 1000 {
			limit = 1000
		}
	}

	events, err := s.store.ListEventsSince(r.Context(), convID, after, limit)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}

	out := make([]EventResponse, len(events))
	for i, ev := range events {
		out[i] = EventResponse{
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
	s.sendJSON(w, http.StatusOK, out)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	if !s.requireMember(w, r, convID, identity.UserID) {
		return
	}

	token, err := s.shares.Mint(convID)
	if err != nil {
		s.sendMappedError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, ShareResponse{ShareToken: token})
}

func (s *Server) handleRedact(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")
	identity := callerIdentity(r)

	seq, err := strconv.ParseUint(r.PathValue("seq"), 10, 64)
	if err != nil || seq == 0 {
		s.sendError(w, http.StatusBadRequest, connection.CodeBadFrame, "sequence must be a positive integer")
		return
	}

	// Any current member may redact; finer-grained policy sits above this
	// layer.
	if !s.requireMember(w, r, convID, identity.UserID) {
		return
	}

	if err := s.registry.Redact(r.Context(), convID, seq); err != nil {
		s.sendMappedError(w, err)
		return
	}

	s.logger.Info("event redacted",
		"conversation_id", convID,
		"seq", seq,
		"by", identity.UserID,
	)
	w.WriteHeader(http.StatusNoContent)
}

// requireMember verifies membership, writing the error response itself when
// the caller is not an active member.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, convID, userID string) bool {
	member, err := s.registry.IsMember(r.Context(), convID, userID)
	if err != nil {
		s.sendMappedError(w, err)
		return false
	}
	if !member {
		// Probing for conversation existence is not distinguished.
		s.sendError(w, http.StatusForbidden, connection.CodeUnauthorized, "not a member of this conversation")
		return false
	}
	return true
}

func conversationResponse(snap *registry.Snapshot) ConversationResponse {
	members := make([]MemberResponse, len(snap.Members))
	for i, m := range snap.Members {
		members[i] = MemberResponse{
			ParticipantID: m.ParticipantID,
			Role:          string(m.Role),
			DisplayName:   m.DisplayName,
			JoinedAtMS:    m.JoinedAtMS,
		}
	}
	return ConversationResponse{
		ID:           snap.Conversation.ID,
		Mode:         string(snap.Conversation.Mode),
		CreatedAtMS:  snap.Conversation.CreatedAtMS,
		LastSequence: snap.LastSequence,
		Members:      members,
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("encoding response failed", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, code, message string) {
	s.sendJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

// sendMappedError translates component errors onto HTTP statuses and the
// shared error codes.
func (s *Server) sendMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.sendError(w, http.StatusNotFound, connection.CodeNotFound, "conversation not found")
	case errors.Is(err, store.ErrAlreadyMember):
		s.sendError(w, http.StatusConflict, connection.CodeAlreadyMember, "already a member")
	case errors.Is(err, store.ErrNotMember), errors.Is(err, actor.ErrNotMember):
		s.sendError(w, http.StatusForbidden, connection.CodeUnauthorized, "not a member of this conversation")
	case errors.Is(err, actor.ErrRateLimited):
		s.sendError(w, http.StatusTooManyRequests, connection.CodeRateLimited, "rate limit exceeded")
	case errors.Is(err, actor.ErrQueueFull):
		s.sendError(w, http.StatusServiceUnavailable, connection.CodeQueueFull, "conversation queue full")
	case errors.Is(err, actor.ErrContentRejected):
		s.sendError(w, http.StatusUnprocessableEntity, connection.CodeContentRejected, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, connection.CodeStorageError, "internal server error")
	}
}
