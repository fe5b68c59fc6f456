// ABOUTME: Conversation share tokens for joining without prior membership
// ABOUTME: Signed claims naming the conversation, verified at connect time

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrWrongConversation is returned when a share token names a different
// conversation than the one being joined.
var ErrWrongConversation = errors.New("share token is for a different conversation")

// DefaultShareTokenTTL is the share token lifetime when none is configured.
const DefaultShareTokenTTL = 24 * time.Hour

// ShareTokens mints and verifies conversation-scoped join tokens.
// A valid token lets its bearer be added as a member atomically at connect
// time, without a prior invitation record.
type ShareTokens struct {
	secret []byte
	ttl    time.Duration
}

// NewShareTokens creates a share-token signer/verifier. ttl <= 0 uses
// DefaultShareTokenTTL.
func NewShareTokens(secret []byte, ttl time.Duration) (*ShareTokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("share token secret must not be empty")
	}
	if ttl <= 0 {
		ttl = DefaultShareTokenTTL
	}
	return &ShareTokens{secret: secret, ttl: ttl}, nil
}

// Mint creates a share token granting join access to the conversation.
func (s *ShareTokens) Mint(conversationID string) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"conv": conversationID,
		"iat":  now.Unix(),
		"exp":  now.Add(s.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify checks the token and confirms it grants access to conversationID.
func (s *ShareTokens) Verify(tokenString, conversationID string) error {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return ErrExpiredToken
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}

	conv, ok := claims["conv"].(string)
	if !ok || conv == "" {
		return fmt.Errorf("%w: conv", ErrMissingClaim)
	}
	if conv != conversationID {
		return ErrWrongConversation
	}
	return nil
}
