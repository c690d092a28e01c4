package server

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/stream"
)

// Authenticator resolves bearer tokens to identities. The session layer
// (OPAQUE, TOTP, cookies) lives upstream; this core only consumes its
// tokens.
type Authenticator interface {
	// Account resolves a session token to an account id.
	Account(ctx context.Context, token string) (uuid.UUID, error)
	// Link resolves a link-guest token to the conversation and link it
	// grants access to.
	Link(ctx context.Context, token string) (conversationID, linkID uuid.UUID, err error)
}

// TokenAuthenticator is the dev-mode Authenticator: tokens are
// "acct:<uuid>" or "link:<conversation-uuid>:<link-uuid>", trusted as-is.
type TokenAuthenticator struct{}

func (TokenAuthenticator) Account(_ context.Context, token string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(token, "acct:")
	if !ok {
		return uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid session token")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid session token")
	}
	return id, nil
}

func (TokenAuthenticator) Link(_ context.Context, token string) (uuid.UUID, uuid.UUID, error) {
	raw, ok := strings.CutPrefix(token, "link:")
	if !ok {
		return uuid.Nil, uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid link token")
	}
	conv, link, ok := strings.Cut(raw, ":")
	if !ok {
		return uuid.Nil, uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid link token")
	}
	convID, err := uuid.Parse(conv)
	if err != nil {
		return uuid.Nil, uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid link token")
	}
	linkID, err := uuid.Parse(link)
	if err != nil {
		return uuid.Nil, uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "invalid link token")
	}
	return convID, linkID, nil
}

// bearerToken pulls the token from the Authorization header, falling back
// to the token query parameter for WebSocket upgrades.
func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
		return tok
	}
	return c.Query("token")
}

// actor resolves the caller as an account member or a link guest. Link
// tokens are scoped to one conversation; using one elsewhere reads as
// not-found later, never as a distinguishable denial here.
func (s *Server) actor(c *gin.Context, conversationID uuid.UUID) (stream.Actor, error) {
	token := bearerToken(c)
	if token == "" {
		return stream.Actor{}, apierr.New(apierr.CodeNotAuthenticated, "missing token")
	}
	if strings.HasPrefix(token, "link:") {
		convID, linkID, err := s.auth.Link(c.Request.Context(), token)
		if err != nil {
			return stream.Actor{}, err
		}
		if conversationID != uuid.Nil && convID != conversationID {
			return stream.Actor{}, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
		}
		name := c.GetHeader("X-Display-Name")
		if name == "" {
			name = "guest"
		}
		return stream.Actor{LinkID: &linkID, DisplayName: name}, nil
	}
	accountID, err := s.auth.Account(c.Request.Context(), token)
	if err != nil {
		return stream.Actor{}, err
	}
	return stream.Actor{AccountID: &accountID}, nil
}

// requireAccount resolves the caller as an authenticated account, rejecting
// link guests.
func (s *Server) requireAccount(c *gin.Context) (uuid.UUID, error) {
	a, err := s.actor(c, uuid.Nil)
	if err != nil {
		return uuid.Nil, err
	}
	if a.AccountID == nil {
		return uuid.Nil, apierr.New(apierr.CodeNotAuthenticated, "account session required")
	}
	return *a.AccountID, nil
}
