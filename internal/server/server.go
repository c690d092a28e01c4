// Package server is the HTTP/WebSocket surface of the core: request
// routing, token authentication, the SSE response for streaming sends, and
// the payment webhook. All business rules live in the pkg services; this
// layer only translates transport to calls and errors to the wire envelope.
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/config"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/membership"
	"github.com/veilchat/veilchat/pkg/ratelimit"
	"github.com/veilchat/veilchat/pkg/store"
	"github.com/veilchat/veilchat/pkg/stream"
	"github.com/veilchat/veilchat/pkg/wallet"
)

// Server wires the HTTP layer. Construct with New, then serve Router().
type Server struct {
	cfg        *config.Config
	store      store.Store
	members    *membership.Service
	epochs     *epoch.Manager
	wallets    *wallet.Service
	streams    *stream.Service
	shares     *stream.Shares
	hubs       *broadcast.Registry
	guestLimit ratelimit.Limiter
	auth       Authenticator
}

func New(cfg *config.Config, st store.Store, members *membership.Service, epochs *epoch.Manager, wallets *wallet.Service, streams *stream.Service, shares *stream.Shares, hubs *broadcast.Registry, guestLimit ratelimit.Limiter, auth Authenticator) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		members:    members,
		epochs:     epochs,
		wallets:    wallets,
		streams:    streams,
		shares:     shares,
		hubs:       hubs,
		guestLimit: guestLimit,
		auth:       auth,
	}
}

// Router builds the gin engine with all routes mounted.
func (s *Server) Router() *gin.Engine {
	if !s.cfg.DevMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })

	r.POST("/conversations", s.handleCreateConversation)
	r.GET("/conversations/:conversationId/messages", s.handleHistory)
	r.GET("/conversations/:conversationId/epoch", s.handleEpoch)

	r.POST("/stream", s.guestLimited(s.handleStream))
	r.POST("/message", s.guestLimited(s.handleUserMessage))
	r.DELETE("/messages/:messageId", s.handleDeleteMessage)
	r.POST("/rotation", s.handleRotation)

	r.POST("/members/add", s.handleAddMember)
	r.POST("/members/remove", s.handleRemoveMember)
	r.POST("/members/leave", s.handleLeave)
	r.POST("/members/privilege", s.handleSetPrivilege)
	r.POST("/links/create", s.handleCreateLink)
	r.POST("/links/revoke", s.handleRevokeLink)

	r.GET("/wallets", s.handleWallets)
	r.POST("/payments", s.handleRecordPayment)
	r.POST("/webhooks/payment", s.handlePaymentWebhook)

	r.POST("/shares", s.handleCreateShare)
	r.GET("/shares/:keyId", s.handleGetShare)

	r.DELETE("/account", s.handleDeleteAccount)

	r.GET("/ws/:conversationId", s.guestLimited(s.handleWS))

	return r
}

// guestLimited applies the per-IP rate limit to link-guest requests only;
// account sessions pass through.
func (s *Server) guestLimited(h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if tok := bearerToken(c); len(tok) >= 5 && tok[:5] == "link:" {
			ok, err := s.guestLimit.Allow(c.Request.Context(), c.ClientIP())
			if err != nil {
				respondErr(c, err)
				return
			}
			if !ok {
				respondErr(c, apierr.New(apierr.CodeRateLimited, "too many requests"))
				return
			}
		}
		h(c)
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.Writer.Status() >= http.StatusInternalServerError {
			zap.L().Error("request failed",
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()))
		}
	}
}

// respondErr writes the error envelope {code, message, details?} with the
// mapped HTTP status. Unknown errors become opaque 500s.
func respondErr(c *gin.Context, err error) {
	var e *apierr.Error
	if !errors.As(err, &e) {
		zap.L().Error("internal error", zap.String("path", c.FullPath()), zap.Error(err))
		e = apierr.From(err)
	}
	body := gin.H{"code": e.Code, "message": e.Message}
	if len(e.Details) > 0 {
		body["details"] = e.Details
	}
	c.AbortWithStatusJSON(e.HTTPStatus(), body)
}
