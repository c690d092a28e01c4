package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/llm"
	"github.com/veilchat/veilchat/pkg/membership"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/stream"
	"github.com/veilchat/veilchat/pkg/wallet"
)

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "bad-request", "message": err.Error()})
}

func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, errors.New("invalid "+name))
		return uuid.Nil, false
	}
	return id, true
}

// --- conversations ---

type createConversationReq struct {
	EpochPublicKey   []byte `json:"epochPublicKey" binding:"required"`
	ConfirmationHash []byte `json:"confirmationHash" binding:"required"`
	OwnerWrap        []byte `json:"ownerWrap" binding:"required"`
	EncryptedTitle   []byte `json:"encryptedTitle"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := s.members.CreateConversation(c.Request.Context(), &membership.NewConversation{
		OwnerID:          accountID,
		EpochPublicKey:   req.EpochPublicKey,
		ConfirmationHash: req.ConfirmationHash,
		OwnerWrap:        req.OwnerWrap,
		EncryptedTitle:   req.EncryptedTitle,
	})
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"conversationId": conv.ID, "epochNumber": conv.CurrentEpoch})
}

func (s *Server) handleHistory(c *gin.Context) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	actor, err := s.actor(c, convID)
	if err != nil {
		respondErr(c, err)
		return
	}
	msgs, err := s.streams.History(c.Request.Context(), actor, convID, 0)
	if err != nil {
		respondErr(c, err)
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"messageId":   m.ID,
			"epochNumber": m.EpochNumber,
			"sequence":    m.Sequence,
			"senderType":  m.SenderType,
			"senderId":    m.SenderID,
			"senderName":  m.SenderName,
			"blob":        m.Blob,
			"createdAt":   m.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

// handleEpoch returns the current epoch material plus the caller's own
// wrap, which is all a client needs to unwrap and read.
func (s *Server) handleEpoch(c *gin.Context) {
	convID, ok := pathUUID(c, "conversationId")
	if !ok {
		return
	}
	actor, err := s.actor(c, convID)
	if err != nil {
		respondErr(c, err)
		return
	}
	ctx := c.Request.Context()

	var pub []byte
	switch {
	case actor.AccountID != nil:
		if _, err := s.store.Members().ActiveByAccount(ctx, convID, *actor.AccountID); err != nil {
			respondErr(c, apierr.New(apierr.CodeConversationNotFound, "conversation not found"))
			return
		}
		acct, err := s.store.Accounts().Get(ctx, *actor.AccountID)
		if err != nil {
			respondErr(c, err)
			return
		}
		pub = acct.PublicKey
	case actor.LinkID != nil:
		if _, err := s.store.Members().ActiveByLink(ctx, convID, *actor.LinkID); err != nil {
			respondErr(c, apierr.New(apierr.CodeConversationNotFound, "conversation not found"))
			return
		}
		link, err := s.store.Links().Get(ctx, *actor.LinkID)
		if err != nil {
			respondErr(c, err)
			return
		}
		pub = link.PublicKey
	}

	conv, err := s.store.Conversations().Get(ctx, convID)
	if err != nil {
		respondErr(c, err)
		return
	}
	ep, err := s.store.Epochs().Get(ctx, convID, conv.CurrentEpoch)
	if err != nil {
		respondErr(c, err)
		return
	}
	wrap, err := s.store.Epochs().WrapFor(ctx, convID, conv.CurrentEpoch, pub)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"epochNumber":      ep.Number,
		"epochPublicKey":   ep.PublicKey,
		"chainLink":        ep.ChainLink,
		"wrap":             wrap.Wrap,
		"privilege":        wrap.Privilege,
		"visibleFromEpoch": wrap.VisibleFromEpoch,
		"rotationPending":  conv.RotationPending,
		"title":            conv.Title,
		"titleEpoch":       conv.TitleEpoch,
	})
}

// --- streaming send ---

type wireMessage struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content" binding:"required"`
}

type streamReq struct {
	ConversationID uuid.UUID `json:"conversationId" binding:"required"`
	Model          string    `json:"model" binding:"required"`
	UserMessage    struct {
		ID      uuid.UUID `json:"id" binding:"required"`
		Content string    `json:"content" binding:"required"`
	} `json:"userMessage" binding:"required"`
	MessagesForInference []wireMessage       `json:"messagesForInference" binding:"required"`
	FundingSource        model.FundingSource `json:"fundingSource"`
	// Rotation, when present, is applied before the send so a client hit
	// with rotation-required can rotate and retry in one call.
	Rotation *rotationReq `json:"rotation"`
}

// handleStream is the SSE endpoint for AI-producing sends. Errors before
// the first token are plain HTTP statuses; after that they arrive in-band
// as error events.
func (s *Server) handleStream(c *gin.Context) {
	var req streamReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := s.actor(c, req.ConversationID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if req.FundingSource != "" && !req.FundingSource.Valid() {
		badRequest(c, errors.New("invalid fundingSource"))
		return
	}

	if req.Rotation != nil {
		if _, err := s.submitRotation(c, actor, req.Rotation); err != nil {
			respondErr(c, err)
			return
		}
	}

	inference := make([]llm.Message, len(req.MessagesForInference))
	for i, m := range req.MessagesForInference {
		inference[i] = llm.Message{Role: m.Role, Content: m.Content}
	}

	// Events from this send are forwarded to the response through a
	// buffered channel; the send goroutine never blocks on a slow client.
	events := make(chan broadcast.Event, 256)
	type outcome struct {
		res *stream.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.streams.Send(c.Request.Context(), actor, &stream.SendRequest{
			ConversationID: req.ConversationID,
			Model:          req.Model,
			UserMessageID:  req.UserMessage.ID,
			Content:        req.UserMessage.Content,
			Inference:      inference,
			Funding:        req.FundingSource,
		}, func(ev broadcast.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		close(events)
		done <- outcome{res, err}
	}()

	first := true
	for ev := range events {
		if first {
			// Pre-stream failures surface as plain HTTP statuses.
			if ev.Type == broadcast.TypeMessageError {
				continue
			}
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.SSEvent("start", ev.Payload)
			c.Writer.Flush()
			first = false
			continue
		}
		switch ev.Type {
		case broadcast.TypeMessageStream:
			c.SSEvent("token", ev.Payload)
		case broadcast.TypeMessageComplete:
			c.SSEvent("done", ev.Payload)
		case broadcast.TypeMessageError:
			c.SSEvent("error", ev.Payload)
		}
		c.Writer.Flush()
	}

	out := <-done
	if out.err != nil && first {
		respondErr(c, out.err)
	}
}

// --- user-only message ---

type userMessageReq struct {
	ConversationID uuid.UUID `json:"conversationId" binding:"required"`
	MessageID      uuid.UUID `json:"messageId" binding:"required"`
	Content        string    `json:"content" binding:"required"`
}

func (s *Server) handleUserMessage(c *gin.Context) {
	var req userMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := s.actor(c, req.ConversationID)
	if err != nil {
		respondErr(c, err)
		return
	}
	msg, err := s.streams.SendUserOnly(c.Request.Context(), actor, req.ConversationID, req.MessageID, req.Content)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"messageId":      msg.ID,
		"sequenceNumber": msg.Sequence,
		"epochNumber":    msg.EpochNumber,
	})
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	msgID, ok := pathUUID(c, "messageId")
	if !ok {
		return
	}
	convID, err := uuid.Parse(c.Query("conversationId"))
	if err != nil {
		badRequest(c, errors.New("invalid conversationId"))
		return
	}
	actor, err := s.actor(c, convID)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := s.streams.Delete(c.Request.Context(), actor, convID, msgID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// --- rotation ---

type rotationReq struct {
	ConversationID    uuid.UUID `json:"conversationId" binding:"required"`
	ExpectedEpoch     int64     `json:"expectedEpoch" binding:"required"`
	NewEpochPublicKey []byte    `json:"newEpochPublicKey" binding:"required"`
	ConfirmationHash  []byte    `json:"confirmationHash" binding:"required"`
	MemberWraps       []struct {
		MemberPublicKey []byte `json:"memberPublicKey" binding:"required"`
		Wrap            []byte `json:"wrap" binding:"required"`
	} `json:"memberWraps" binding:"required"`
	ChainLink      []byte `json:"chainLink" binding:"required"`
	EncryptedTitle []byte `json:"encryptedTitle"`
}

func (s *Server) submitRotation(c *gin.Context, actor stream.Actor, req *rotationReq) (int64, error) {
	if actor.AccountID == nil {
		return 0, apierr.New(apierr.CodeNotAuthenticated, "account session required")
	}
	member, err := s.store.Members().ActiveByAccount(c.Request.Context(), req.ConversationID, *actor.AccountID)
	if err != nil {
		return 0, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	if !member.Privilege.CanSend() {
		return 0, apierr.New(apierr.CodePrivilegeInsufficient, "rotation requires write privilege")
	}
	wraps := make([]epoch.MemberWrap, len(req.MemberWraps))
	for i, w := range req.MemberWraps {
		wraps[i] = epoch.MemberWrap{MemberPublicKey: w.MemberPublicKey, Wrap: w.Wrap}
	}
	return s.epochs.SubmitRotation(c.Request.Context(), &epoch.Submission{
		ConversationID:   req.ConversationID,
		ExpectedEpoch:    req.ExpectedEpoch,
		NewPublicKey:     req.NewEpochPublicKey,
		ConfirmationHash: req.ConfirmationHash,
		Wraps:            wraps,
		ChainLink:        req.ChainLink,
		EncryptedTitle:   req.EncryptedTitle,
	})
}

func (s *Server) handleRotation(c *gin.Context) {
	var req rotationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor, err := s.actor(c, req.ConversationID)
	if err != nil {
		respondErr(c, err)
		return
	}
	n, err := s.submitRotation(c, actor, &req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newEpochNumber": n})
}

// --- membership ---

type addMemberReq struct {
	ConversationID uuid.UUID       `json:"conversationId" binding:"required"`
	AccountID      uuid.UUID       `json:"accountId" binding:"required"`
	Wrap           []byte          `json:"wrap" binding:"required"`
	Privilege      model.Privilege `json:"privilege" binding:"required"`
	VisibleFrom    int64           `json:"visibleFromEpoch"`
}

func (s *Server) handleAddMember(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req addMemberReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	m, err := s.members.AddMember(c.Request.Context(), accountID, req.ConversationID, req.AccountID, req.Wrap, req.Privilege, req.VisibleFrom)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"memberId": m.ID})
}

type memberTargetReq struct {
	ConversationID uuid.UUID `json:"conversationId" binding:"required"`
	MemberID       uuid.UUID `json:"memberId" binding:"required"`
}

func (s *Server) handleRemoveMember(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req memberTargetReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.members.RemoveMember(c.Request.Context(), accountID, req.ConversationID, req.MemberID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleLeave(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req struct {
		ConversationID uuid.UUID `json:"conversationId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.members.Leave(c.Request.Context(), accountID, req.ConversationID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

type setPrivilegeReq struct {
	ConversationID uuid.UUID       `json:"conversationId" binding:"required"`
	MemberID       uuid.UUID       `json:"memberId" binding:"required"`
	Privilege      model.Privilege `json:"privilege" binding:"required"`
}

func (s *Server) handleSetPrivilege(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req setPrivilegeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.members.SetPrivilege(c.Request.Context(), accountID, req.ConversationID, req.MemberID, req.Privilege); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

// --- links ---

type createLinkReq struct {
	ConversationID uuid.UUID       `json:"conversationId" binding:"required"`
	LinkPublicKey  []byte          `json:"linkPublicKey" binding:"required"`
	Wrap           []byte          `json:"wrap" binding:"required"`
	Privilege      model.Privilege `json:"privilege" binding:"required"`
	VisibleFrom    int64           `json:"visibleFromEpoch"`
}

func (s *Server) handleCreateLink(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req createLinkReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	link, err := s.members.CreateLink(c.Request.Context(), accountID, req.ConversationID, req.LinkPublicKey, req.Wrap, req.Privilege, req.VisibleFrom)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"linkId": link.ID})
}

func (s *Server) handleRevokeLink(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req struct {
		ConversationID uuid.UUID `json:"conversationId" binding:"required"`
		LinkID         uuid.UUID `json:"linkId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.members.RevokeLink(c.Request.Context(), accountID, req.ConversationID, req.LinkID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

// --- wallets & payments ---

func (s *Server) handleWallets(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	ws, err := s.wallets.Wallets(c.Request.Context(), accountID)
	if err != nil {
		respondErr(c, err)
		return
	}
	total := decimal.Zero
	out := make([]gin.H, 0, len(ws))
	for _, w := range ws {
		total = total.Add(w.Balance)
		out = append(out, gin.H{
			"walletId": w.ID,
			"type":     w.Type,
			"balance":  w.Balance.StringFixed(8),
			"priority": w.Priority,
		})
	}
	c.JSON(http.StatusOK, gin.H{"wallets": out, "totalBalance": total.StringFixed(8)})
}

type recordPaymentReq struct {
	ExternalID string          `json:"externalId" binding:"required"`
	Amount     decimal.Decimal `json:"amount" binding:"required"`
}

func (s *Server) handleRecordPayment(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	var req recordPaymentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := s.wallets.RecordPayment(c.Request.Context(), accountID, req.ExternalID, req.Amount)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"paymentId": p.ID, "status": p.Status})
}

type webhookReq struct {
	Type string `json:"type" binding:"required"`
	ID   string `json:"id" binding:"required"`
}

// handlePaymentWebhook consumes the payment processor's callback. The
// webhook can race the client's own payment registration, so an unknown
// transaction is retried briefly before the 500 that makes the processor
// redeliver.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, err)
		return
	}
	if !verifyWebhookSignature(body, c.GetHeader("X-Webhook-Signature"), s.cfg.WebhookSecret) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "invalid-signature", "message": "webhook signature mismatch"})
		return
	}
	var req webhookReq
	if err := json.Unmarshal(body, &req); err != nil {
		badRequest(c, err)
		return
	}
	var apply func(context.Context, string) error
	switch req.Type {
	case "payment.confirmed":
		apply = s.wallets.ConfirmDeposit
	case "payment.refunded":
		apply = s.wallets.RefundDeposit
	default:
		c.JSON(http.StatusOK, gin.H{"received": true, "ignored": true})
		return
	}

	var confirmErr error
	for attempt := 0; attempt < 3; attempt++ {
		confirmErr = apply(c.Request.Context(), req.ID)
		if !errors.Is(confirmErr, wallet.ErrUnknownPayment) {
			break
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		case <-c.Request.Context().Done():
			confirmErr = c.Request.Context().Err()
		}
	}
	if confirmErr != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "webhook-failed", "message": confirmErr.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// --- shares ---

type createShareReq struct {
	KeyID      []byte `json:"keyId" binding:"required"`
	Blob       []byte `json:"blob" binding:"required"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

func (s *Server) handleCreateShare(c *gin.Context) {
	if _, err := s.requireAccount(c); err != nil {
		respondErr(c, err)
		return
	}
	var req createShareReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	sm, err := s.shares.Create(c.Request.Context(), req.KeyID, req.Blob, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"shareId": sm.ID})
}

func (s *Server) handleGetShare(c *gin.Context) {
	keyID, err := base64.RawURLEncoding.DecodeString(c.Param("keyId"))
	if err != nil {
		badRequest(c, errors.New("invalid keyId"))
		return
	}
	sm, err := s.shares.Get(c.Request.Context(), keyID)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blob": sm.Blob, "createdAt": sm.CreatedAt})
}

// --- account ---

func (s *Server) handleDeleteAccount(c *gin.Context) {
	accountID, err := s.requireAccount(c)
	if err != nil {
		respondErr(c, err)
		return
	}
	if err := s.members.DeleteAccount(c.Request.Context(), accountID); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
