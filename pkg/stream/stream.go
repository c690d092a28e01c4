// Package stream orchestrates the send pipeline: reserve funds, stream the
// model's reply with real-time fan-out, then commit the user+AI message pair
// and its billing artifacts in one transaction. A stream failure leaves no
// trace: no messages, no charge, reservation released.
package stream

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/billing"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/ecies"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/llm"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

// Service runs the send pipeline. All collaborators are interfaces or
// pure-logic services; tests substitute them freely.
type Service struct {
	store   store.Store
	clock   store.Clock
	billing *billing.Engine
	epochs  *epoch.Manager
	llm     llm.Streamer
	pub     broadcast.Publisher

	streamTimeout time.Duration
	commitTimeout time.Duration
	batchInterval time.Duration
}

func NewService(st store.Store, clock store.Clock, eng *billing.Engine, epochs *epoch.Manager, streamer llm.Streamer, pub broadcast.Publisher, streamTimeout, commitTimeout, batchInterval time.Duration) *Service {
	return &Service{
		store:         st,
		clock:         clock,
		billing:       eng,
		epochs:        epochs,
		llm:           streamer,
		pub:           pub,
		streamTimeout: streamTimeout,
		commitTimeout: commitTimeout,
		batchInterval: batchInterval,
	}
}

// Actor identifies the sender: an authenticated account or a link guest.
type Actor struct {
	AccountID   *uuid.UUID
	LinkID      *uuid.UUID
	DisplayName string
}

// SendRequest is one AI-producing send. Inference is the client-assembled
// plaintext context; its last message must be the user's new turn.
type SendRequest struct {
	ConversationID uuid.UUID
	Model          string
	UserMessageID  uuid.UUID
	Content        string
	Inference      []llm.Message
	Funding        model.FundingSource
}

// SendResult reports a committed pair.
type SendResult struct {
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID
	EpochNumber        int64
	UserSequence       int64
	AISequence         int64
	Cost               decimal.Decimal
	Text               string
}

// Send runs the pipeline end to end. The requester observes progress the
// same way everyone else does: by subscribing to the conversation hub
// before calling Send. Once the model stream has succeeded the commit and
// the final broadcast always run, even if ctx is cancelled: other
// subscribers must receive the pair the requester initiated.
//
// observe, when non-nil, receives a copy of every event this send emits to
// the hub, in order. The SSE response is built from it; hub subscribers are
// unaffected.
func (s *Service) Send(ctx context.Context, actor Actor, req *SendRequest, observe func(broadcast.Event)) (*SendResult, error) {
	fan := func(ev broadcast.Event) {
		s.pub.Publish(req.ConversationID, ev)
		if observe != nil {
			observe(ev)
		}
	}

	member, conv, err := s.requireSender(ctx, actor, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if n := len(req.Inference); n == 0 || req.Inference[n-1].Role != "user" {
		return nil, apierr.New(apierr.CodeLastMessageNotUser, "inference context must end with the user's turn")
	}

	promptChars := 0
	for _, m := range req.Inference {
		promptChars += len(m.Content)
	}
	resolution, err := s.billing.Authorize(ctx, conv, member, req.Funding, req.Model, promptChars)
	if err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			s.billing.Release(context.WithoutCancel(ctx), resolution)
		}
	}
	defer release()

	if conv.RotationPending {
		return nil, s.epochs.RotationRequiredError(ctx, conv.ID, conv.CurrentEpoch)
	}

	userSeq, epochNumber, rotationPending, err := s.store.Conversations().ReserveSequences(ctx, conv.ID, 2)
	if err != nil {
		return nil, err
	}
	if rotationPending {
		// Flagged between the read above and the sequence grab. The two
		// reserved numbers are wasted; monotonicity is the invariant,
		// contiguity is not.
		return nil, s.epochs.RotationRequiredError(ctx, conv.ID, epochNumber)
	}
	aiSeq := userSeq + 1

	ep, err := s.store.Epochs().Get(ctx, conv.ID, epochNumber)
	if err != nil {
		return nil, err
	}

	aiMessageID := uuid.New()
	fan(broadcast.Event{
		Type:           broadcast.TypeMessageNew,
		ConversationID: req.ConversationID,
		At:             s.clock.Now(),
		Payload: broadcast.MessageNew{
			MessageID:          req.UserMessageID,
			SenderType:         model.SenderUser,
			SenderID:           actor.AccountID,
			SenderName:         actor.DisplayName,
			Content:            req.Content,
			AssistantMessageID: &aiMessageID,
		},
	})

	result, err := s.runStream(ctx, req, aiMessageID, fan)
	if err != nil {
		fan(s.errorEvent(req.ConversationID, aiMessageID, err))
		return nil, err
	}

	// The stream succeeded; from here on the requester's context no longer
	// matters. Commit and the final broadcast run to completion.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.commitTimeout)
	defer cancel()

	userBlob, err := ecies.EncryptPacked(ep.PublicKey, []byte(req.Content))
	if err != nil {
		fan(s.errorEvent(req.ConversationID, aiMessageID, err))
		return nil, err
	}
	aiBlob, err := ecies.EncryptPacked(ep.PublicKey, []byte(result.Text))
	if err != nil {
		fan(s.errorEvent(req.ConversationID, aiMessageID, err))
		return nil, err
	}

	cost := s.billing.Cost(req.Model, result.Usage, req.Content, result.Text)
	now := s.clock.Now()
	payerID := resolution.PayerAccountID

	err = s.store.Atomic(commitCtx, func(tx store.Store) error {
		if err := tx.Messages().Insert(commitCtx, &model.Message{
			ID:             req.UserMessageID,
			ConversationID: conv.ID,
			EpochNumber:    epochNumber,
			Sequence:       userSeq,
			SenderType:     model.SenderUser,
			SenderID:       actor.AccountID,
			SenderName:     actor.DisplayName,
			Blob:           userBlob,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		if err := tx.Messages().Insert(commitCtx, &model.Message{
			ID:             aiMessageID,
			ConversationID: conv.ID,
			EpochNumber:    epochNumber,
			Sequence:       aiSeq,
			SenderType:     model.SenderAI,
			PayerID:        &payerID,
			Cost:           cost,
			Blob:           aiBlob,
			CreatedAt:      now,
		}); err != nil {
			return err
		}

		record := &model.UsageRecord{
			ID:        uuid.New(),
			AccountID: &payerID,
			Status:    model.UsagePending,
			TotalCost: cost,
			CreatedAt: now,
		}
		if err := tx.Usage().InsertRecord(commitCtx, record); err != nil {
			return err
		}
		completion := &model.Completion{
			ID:            uuid.New(),
			UsageRecordID: record.ID,
			Model:         req.Model,
			Provider:      result.Provider,
		}
		if result.Usage != nil {
			completion.InputTokens = result.Usage.InputTokens
			completion.OutputTokens = result.Usage.OutputTokens
			completion.CachedTokens = result.Usage.CachedTokens
		}
		if err := tx.Usage().InsertCompletion(commitCtx, completion); err != nil {
			return err
		}

		if _, err := s.billing.ApplySpend(commitCtx, tx, resolution, conv.ID, cost, record.ID); err != nil {
			return err
		}
		return tx.Usage().SetRecordStatus(commitCtx, record.ID, model.UsageCompleted)
	})
	if err != nil {
		fan(s.errorEvent(req.ConversationID, aiMessageID, err))
		return nil, err
	}

	release()

	fan(broadcast.Event{
		Type:           broadcast.TypeMessageComplete,
		ConversationID: req.ConversationID,
		At:             s.clock.Now(),
		Payload: broadcast.MessageComplete{
			UserMessageID:      req.UserMessageID,
			AssistantMessageID: aiMessageID,
			EpochNumber:        epochNumber,
			UserSequence:       userSeq,
			AISequence:         aiSeq,
			PayerID:            &payerID,
			Cost:               cost,
			UserBlob:           userBlob,
			AssistantBlob:      aiBlob,
		},
	})

	return &SendResult{
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: aiMessageID,
		EpochNumber:        epochNumber,
		UserSequence:       userSeq,
		AISequence:         aiSeq,
		Cost:               cost,
		Text:               result.Text,
	}, nil
}

// runStream drives the model stream, batching tokens into message:stream
// events roughly every batchInterval.
func (s *Service) runStream(ctx context.Context, req *SendRequest, aiMessageID uuid.UUID, fan func(broadcast.Event)) (*llm.Result, error) {
	streamCtx, cancel := context.WithTimeout(ctx, s.streamTimeout)
	defer cancel()

	st, err := s.llm.Stream(streamCtx, &llm.Request{Model: req.Model, Messages: req.Inference})
	if err != nil {
		return nil, err
	}
	defer st.Close()

	var pending []byte
	lastFlush := s.clock.Now()
	flush := func() {
		if len(pending) == 0 {
			return
		}
		fan(broadcast.Event{
			Type:           broadcast.TypeMessageStream,
			ConversationID: req.ConversationID,
			At:             s.clock.Now(),
			Payload:        broadcast.MessageStream{MessageID: aiMessageID, Tokens: string(pending)},
		})
		pending = pending[:0]
		lastFlush = s.clock.Now()
	}

	for {
		chunk, done, result, err := st.Recv(streamCtx)
		if err != nil {
			return nil, err
		}
		if done {
			flush()
			return result, nil
		}
		pending = append(pending, chunk...)
		if s.clock.Now().Sub(lastFlush) >= s.batchInterval {
			flush()
		}
	}
}

// SendUserOnly persists a user turn with no AI reply: one sequence, one
// encrypted row, one transaction. The broadcast omits the plaintext; clients
// fetch the blob like any other history.
func (s *Service) SendUserOnly(ctx context.Context, actor Actor, conversationID, messageID uuid.UUID, content string) (*model.Message, error) {
	_, conv, err := s.requireSender(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}

	if conv.RotationPending {
		return nil, s.epochs.RotationRequiredError(ctx, conv.ID, conv.CurrentEpoch)
	}
	seq, epochNumber, rotationPending, err := s.store.Conversations().ReserveSequences(ctx, conv.ID, 1)
	if err != nil {
		return nil, err
	}
	if rotationPending {
		return nil, s.epochs.RotationRequiredError(ctx, conv.ID, epochNumber)
	}
	ep, err := s.store.Epochs().Get(ctx, conv.ID, epochNumber)
	if err != nil {
		return nil, err
	}
	blob, err := ecies.EncryptPacked(ep.PublicKey, []byte(content))
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             messageID,
		ConversationID: conv.ID,
		EpochNumber:    epochNumber,
		Sequence:       seq,
		SenderType:     model.SenderUser,
		SenderID:       actor.AccountID,
		SenderName:     actor.DisplayName,
		Blob:           blob,
		CreatedAt:      s.clock.Now(),
	}
	err = s.store.Atomic(ctx, func(tx store.Store) error {
		return tx.Messages().Insert(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	s.emit(conversationID, broadcast.Event{
		Type:           broadcast.TypeMessageNew,
		ConversationID: conversationID,
		At:             msg.CreatedAt,
		Payload: broadcast.MessageNew{
			MessageID:  messageID,
			SenderType: model.SenderUser,
			SenderID:   actor.AccountID,
			SenderName: actor.DisplayName,
		},
	})
	return msg, nil
}

// Delete hard-deletes a message. The sender may delete its own turns;
// admins may delete any.
func (s *Service) Delete(ctx context.Context, actor Actor, conversationID, messageID uuid.UUID) error {
	member, _, err := s.requireMember(ctx, actor, conversationID)
	if err != nil {
		return err
	}
	msg, err := s.store.Messages().Get(ctx, messageID)
	if err != nil || msg.ConversationID != conversationID {
		return apierr.New(apierr.CodeConversationNotFound, "message not found")
	}
	own := actor.AccountID != nil && msg.SenderID != nil && *actor.AccountID == *msg.SenderID
	if !own && !member.Privilege.CanManageMembers() {
		return apierr.New(apierr.CodePrivilegeInsufficient, "cannot delete another member's message")
	}
	if err := s.store.Messages().Delete(ctx, messageID); err != nil {
		return err
	}
	s.emit(conversationID, broadcast.Event{
		Type:           broadcast.TypeMessageDeleted,
		ConversationID: conversationID,
		At:             s.clock.Now(),
		Payload:        broadcast.MessageDeleted{MessageID: messageID},
	})
	return nil
}

// History returns the encrypted messages the actor may see, bounded below
// by the member's visibility floor.
func (s *Service) History(ctx context.Context, actor Actor, conversationID uuid.UUID, limit int) ([]model.Message, error) {
	member, _, err := s.requireMember(ctx, actor, conversationID)
	if err != nil {
		return nil, err
	}
	return s.store.Messages().List(ctx, conversationID, member.VisibleFromEpoch, limit)
}

// requireSender resolves the actor and checks write privilege.
func (s *Service) requireSender(ctx context.Context, actor Actor, conversationID uuid.UUID) (*model.Member, *model.Conversation, error) {
	member, conv, err := s.requireMember(ctx, actor, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !member.Privilege.CanSend() {
		return nil, nil, apierr.New(apierr.CodePrivilegeInsufficient, "write privilege required")
	}
	return member, conv, nil
}

// requireMember resolves the actor's active membership. Non-members get
// conversation-not-found, never a distinguishable denial.
func (s *Service) requireMember(ctx context.Context, actor Actor, conversationID uuid.UUID) (*model.Member, *model.Conversation, error) {
	var (
		member *model.Member
		err    error
	)
	switch {
	case actor.AccountID != nil:
		member, err = s.store.Members().ActiveByAccount(ctx, conversationID, *actor.AccountID)
	case actor.LinkID != nil:
		member, err = s.store.Members().ActiveByLink(ctx, conversationID, *actor.LinkID)
	default:
		return nil, nil, apierr.New(apierr.CodeNotAuthenticated, "no identity")
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.store.Conversations().Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, nil, err
	}
	return member, conv, nil
}

func (s *Service) emit(conversationID uuid.UUID, ev broadcast.Event) {
	s.pub.Publish(conversationID, ev)
}

// errorEvent maps a pipeline failure to the in-band message:error event.
// Nothing was persisted or charged when it fires.
func (s *Service) errorEvent(conversationID, aiMessageID uuid.UUID, cause error) broadcast.Event {
	code := apierr.CodeStreamError
	msg := "stream failed"
	switch {
	case errors.Is(cause, llm.ErrContextLength):
		code = apierr.CodeContextLengthExceeded
		msg = "inference context exceeds the model's window"
	default:
		var e *apierr.Error
		if errors.As(cause, &e) {
			code, msg = e.Code, e.Message
		}
	}
	zap.L().Info("stream failed",
		zap.String("conversation", conversationID.String()),
		zap.String("code", string(code)),
		zap.Error(cause))
	return broadcast.Event{
		Type:           broadcast.TypeMessageError,
		ConversationID: conversationID,
		At:             s.clock.Now(),
		Payload:        broadcast.MessageError{MessageID: aiMessageID, Code: string(code), Message: msg},
	}
}
