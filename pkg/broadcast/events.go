// Package broadcast is the real-time fan-out fabric: one hub per active
// conversation multiplexing encrypted blobs, streaming tokens and
// membership/rotation events to connected subscribers. The hub holds no
// keys, no store handle, and runs no business logic beyond multiplexing;
// membership-based authorization happens at connect time in the API layer.
package broadcast

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/model"
)

// Type enumerates hub event kinds.
type Type string

const (
	TypeMessageNew       Type = "message:new"
	TypeMessageStream    Type = "message:stream"
	TypeMessageComplete  Type = "message:complete"
	TypeMessageError     Type = "message:error"
	TypeMessageDeleted   Type = "message:deleted"
	TypeMemberAdded      Type = "member:added"
	TypeMemberRemoved    Type = "member:removed"
	TypeRotationPending  Type = "rotation:pending"
	TypeRotationComplete Type = "rotation:complete"
)

// Event is the envelope every subscriber receives.
type Event struct {
	Type           Type      `json:"type"`
	ConversationID uuid.UUID `json:"conversationId"`
	At             time.Time `json:"at"`
	Payload        any       `json:"payload,omitempty"`
}

// MessageNew announces the start of a send. Content carries the user's
// plaintext only on the AI-producing path, enabling synchronous UI; it is
// never persisted. The user-only path omits it (the dual shape is
// load-bearing for clients).
type MessageNew struct {
	MessageID  uuid.UUID        `json:"messageId"`
	SenderType model.SenderType `json:"senderType"`
	SenderID   *uuid.UUID       `json:"senderId,omitempty"`
	SenderName string           `json:"senderName,omitempty"`
	Content    string           `json:"content,omitempty"`
	// AssistantMessageID pre-announces the id the streamed reply will
	// commit under, so clients can correlate message:stream batches. Absent
	// on user-only sends.
	AssistantMessageID *uuid.UUID `json:"assistantMessageId,omitempty"`
}

// MessageStream carries a ~100ms batch of tokens for an in-flight AI reply.
type MessageStream struct {
	MessageID uuid.UUID `json:"messageId"`
	Tokens    string    `json:"tokens"`
}

// MessageComplete announces the atomic commit of a user+AI pair with the
// authoritative encrypted blobs.
type MessageComplete struct {
	UserMessageID      uuid.UUID       `json:"userMessageId"`
	AssistantMessageID uuid.UUID       `json:"assistantMessageId"`
	EpochNumber        int64           `json:"epochNumber"`
	UserSequence       int64           `json:"userSequence"`
	AISequence         int64           `json:"aiSequence"`
	PayerID            *uuid.UUID      `json:"payerId,omitempty"`
	Cost               decimal.Decimal `json:"cost"`
	UserBlob           []byte          `json:"userBlob"`
	AssistantBlob      []byte          `json:"assistantBlob"`
}

// MessageError reports a stream failure; nothing was persisted or charged.
type MessageError struct {
	MessageID uuid.UUID `json:"messageId"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
}

// MessageDeleted announces a hard delete.
type MessageDeleted struct {
	MessageID uuid.UUID `json:"messageId"`
}

// MemberChange references the member affected by member:added /
// member:removed.
type MemberChange struct {
	MemberID  uuid.UUID  `json:"memberId"`
	AccountID *uuid.UUID `json:"accountId,omitempty"`
	LinkID    *uuid.UUID `json:"linkId,omitempty"`
}

// RotationComplete announces the new epoch after a rotation transaction.
type RotationComplete struct {
	NewEpochNumber int64 `json:"newEpochNumber"`
}

// Publisher is the narrow interface components use to emit events. The
// Registry implements it; tests substitute a recorder.
type Publisher interface {
	Publish(conversationID uuid.UUID, ev Event)
}
