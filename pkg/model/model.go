// Package model defines the persistent data model of the chat core: accounts,
// wallets and ledger entries, conversations with their epochs, members, links
// and budgets, messages, and the per-message billing artifacts. All monetary
// amounts use decimal.Decimal with 8 fractional digits.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MoneyPrecision is the number of fractional digits carried by every stored
// monetary amount.
const MoneyPrecision = 8

// Account is a registered user. The X25519 private key is held only in
// wrapped form: once under a password-derived key, once under a
// recovery-phrase-derived key. Both wraps are opaque to the server.
type Account struct {
	ID        uuid.UUID
	Email     string
	Username  string
	PublicKey []byte // X25519, 32 bytes

	// PasswordWrap and RecoveryWrap are the same private key wrapped under
	// two independently derived keys. The server never sees the plaintext.
	PasswordWrap []byte
	RecoveryWrap []byte

	EmailVerified        bool
	TOTPEnabled          bool
	RecoveryAcknowledged bool

	CreatedAt time.Time
}

// WalletType distinguishes purchased balances from the daily free tier.
type WalletType string

const (
	WalletPurchased WalletType = "purchased"
	WalletFreeTier  WalletType = "free_tier"
)

// Wallet is a typed balance container. Wallets are debited in ascending
// Priority order. OwnerID is nil after account deletion: financial history
// outlives the account.
type Wallet struct {
	ID       uuid.UUID
	OwnerID  *uuid.UUID
	Type     WalletType
	Balance  decimal.Decimal
	Priority int

	CreatedAt time.Time
}

// EntryType tags a ledger entry variant.
type EntryType string

const (
	EntryDeposit       EntryType = "deposit"
	EntryUsageCharge   EntryType = "usage_charge"
	EntryRefund        EntryType = "refund"
	EntryRenewal       EntryType = "renewal"
	EntryWelcomeCredit EntryType = "welcome_credit"
)

// EntryRef is the exactly-one reference a ledger entry carries: the payment
// that funded a deposit, the usage record a charge settles, or the wallet an
// adjustment transfers from. The discriminated constructors below are the
// only way to build a valid entry.
type EntryRef struct {
	PaymentID      *uuid.UUID
	UsageRecordID  *uuid.UUID
	SourceWalletID *uuid.UUID
}

// LedgerEntry is an append-only record of one wallet balance change. Amount
// is signed (negative = debit); BalanceAfter snapshots the wallet balance
// resulting from this entry, making the ledger independently auditable.
type LedgerEntry struct {
	ID           uuid.UUID
	WalletID     uuid.UUID
	Amount       decimal.Decimal
	BalanceAfter decimal.Decimal
	Type         EntryType
	Ref          EntryRef
	CreatedAt    time.Time
}

// NewDepositEntry builds a deposit entry referencing the external payment.
func NewDepositEntry(walletID uuid.UUID, amount, balanceAfter decimal.Decimal, paymentID uuid.UUID, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:           uuid.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         EntryDeposit,
		Ref:          EntryRef{PaymentID: &paymentID},
		CreatedAt:    at,
	}
}

// NewUsageChargeEntry builds a usage_charge entry referencing the usage
// record it settles. Amount must be negative.
func NewUsageChargeEntry(walletID uuid.UUID, amount, balanceAfter decimal.Decimal, usageRecordID uuid.UUID, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:           uuid.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         EntryUsageCharge,
		Ref:          EntryRef{UsageRecordID: &usageRecordID},
		CreatedAt:    at,
	}
}

// NewRefundEntry builds a refund entry reversing an external payment.
// Amount is negative: the processor has already clawed the money back.
func NewRefundEntry(walletID uuid.UUID, amount, balanceAfter decimal.Decimal, paymentID uuid.UUID, at time.Time) LedgerEntry {
	return LedgerEntry{
		ID:           uuid.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         EntryRefund,
		Ref:          EntryRef{PaymentID: &paymentID},
		CreatedAt:    at,
	}
}

// NewRenewalEntry builds the daily free-tier top-up entry. Renewals are
// system-originated and reference the free-tier wallet itself as source.
func NewRenewalEntry(walletID uuid.UUID, amount, balanceAfter decimal.Decimal, at time.Time) LedgerEntry {
	src := walletID
	return LedgerEntry{
		ID:           uuid.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         EntryRenewal,
		Ref:          EntryRef{SourceWalletID: &src},
		CreatedAt:    at,
	}
}

// NewWelcomeCreditEntry builds the one-time signup credit entry.
func NewWelcomeCreditEntry(walletID uuid.UUID, amount, balanceAfter decimal.Decimal, at time.Time) LedgerEntry {
	src := walletID
	return LedgerEntry{
		ID:           uuid.New(),
		WalletID:     walletID,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Type:         EntryWelcomeCredit,
		Ref:          EntryRef{SourceWalletID: &src},
		CreatedAt:    at,
	}
}

// PaymentStatus tracks an external payment's lifecycle.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment mirrors an external payment-processor transaction. ExternalID is
// the processor's transaction id and is the idempotency key for webhook
// deposits.
type Payment struct {
	ID         uuid.UUID
	AccountID  *uuid.UUID
	ExternalID string
	Amount     decimal.Decimal
	Status     PaymentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// UsageStatus tracks a usage record's lifecycle inside the commit
// transaction.
type UsageStatus string

const (
	UsagePending   UsageStatus = "pending"
	UsageCompleted UsageStatus = "completed"
	UsageFailed    UsageStatus = "failed"
)

// UsageRecord is the per-message billing artifact. Exactly one exists per
// committed AI message.
type UsageRecord struct {
	ID        uuid.UUID
	AccountID *uuid.UUID
	Status    UsageStatus
	TotalCost decimal.Decimal
	CreatedAt time.Time
}

// Completion records what the LLM actually did for one usage record
// (one-to-one).
type Completion struct {
	ID            uuid.UUID
	UsageRecordID uuid.UUID
	Model         string
	Provider      string
	InputTokens   int64
	OutputTokens  int64
	CachedTokens  int64
}

// Conversation is an encrypted group chat. CurrentEpoch starts at 1 and only
// moves forward; NextSequence is the next unassigned message sequence
// number. Title is an ECIES blob under the public key of TitleEpoch.
type Conversation struct {
	ID              uuid.UUID
	OwnerID         uuid.UUID
	CurrentEpoch    int64
	NextSequence    int64
	RotationPending bool

	Title      []byte
	TitleEpoch int64

	// PerPersonBudget and ConversationBudget are optional caps on
	// owner-covered spend; nil = no cap at that level.
	PerPersonBudget    *decimal.Decimal
	ConversationBudget *decimal.Decimal

	CreatedAt time.Time
}

// Epoch is one key pair's tenure in a conversation. PublicKey is the X25519
// epoch public key; ConfirmationHash = blake3(privateKey); ChainLink is the
// previous epoch's private key ECIES-sealed under PublicKey (nil for epoch 1).
type Epoch struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	Number           int64
	PublicKey        []byte
	ConfirmationHash []byte
	ChainLink        []byte
	CreatedAt        time.Time
}

// Privilege orders member capabilities. See the CanX helpers for the server
// -enforced matrix.
type Privilege string

const (
	PrivilegeRead  Privilege = "read"
	PrivilegeWrite Privilege = "write"
	PrivilegeAdmin Privilege = "admin"
	PrivilegeOwner Privilege = "owner"
)

// rank orders privileges for comparisons; unknown values rank below read.
func (p Privilege) rank() int {
	switch p {
	case PrivilegeRead:
		return 1
	case PrivilegeWrite:
		return 2
	case PrivilegeAdmin:
		return 3
	case PrivilegeOwner:
		return 4
	}
	return 0
}

// AtLeast reports whether p grants everything q grants.
func (p Privilege) AtLeast(q Privilege) bool { return p.rank() >= q.rank() }

// CanSend reports whether the privilege permits sending messages (and with
// it, piggybacked rotation on send).
func (p Privilege) CanSend() bool { return p.AtLeast(PrivilegeWrite) }

// CanManageMembers reports whether the privilege permits adding/removing
// members and managing links.
func (p Privilege) CanManageMembers() bool { return p.AtLeast(PrivilegeAdmin) }

// Valid reports whether p is one of the defined privilege levels.
func (p Privilege) Valid() bool { return p.rank() > 0 }

// Member is an active or departed conversation member. Exactly one of
// AccountID / LinkID is set: links are virtual members. VisibleFromEpoch is
// the server-enforced floor on the history the member may fetch. LeftAt is
// nil while active.
type Member struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	AccountID        *uuid.UUID
	LinkID           *uuid.UUID
	Privilege        Privilege
	VisibleFromEpoch int64
	JoinedAt         time.Time
	LeftAt           *time.Time
}

// Active reports whether the member has not left.
func (m *Member) Active() bool { return m.LeftAt == nil }

// IsLink reports whether the member is backed by a shared link.
func (m *Member) IsLink() bool { return m.LinkID != nil }

// SharedLink is a virtual member backed by a secret carried in a URL
// fragment. The epoch machinery treats its PublicKey exactly like an account
// public key. Links carry at most write privilege.
type SharedLink struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	PublicKey        []byte
	Privilege        Privilege
	VisibleFromEpoch int64
	CreatedAt        time.Time
	RevokedAt        *time.Time
}

// Active reports whether the link has not been revoked.
func (l *SharedLink) Active() bool { return l.RevokedAt == nil }

// EpochWrap is the epoch private key ECIES-sealed under one principal's
// public key, replicated with the principal's privilege and visibility floor
// so that a single fetch answers "may this key holder read from where".
type EpochWrap struct {
	ID               uuid.UUID
	ConversationID   uuid.UUID
	EpochNumber      int64
	MemberPublicKey  []byte
	Wrap             []byte
	Privilege        Privilege
	VisibleFromEpoch int64
}

// MemberBudget is the per-(conversation, account) owner-covered allowance.
// An absent row means zero budget.
type MemberBudget struct {
	ConversationID uuid.UUID
	AccountID      uuid.UUID
	Budget         decimal.Decimal
	Spent          decimal.Decimal
}

// ConversationSpending accumulates owner-covered spend on behalf of
// non-owners. Owner self-spend never increments it.
type ConversationSpending struct {
	ConversationID uuid.UUID
	TotalSpent     decimal.Decimal
}

// PendingRemoval queues a member or link removal to be applied by the next
// rotation. MemberID always references the conversation_members row.
type PendingRemoval struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	MemberID       uuid.UUID
	QueuedAt       time.Time
}

// SenderType distinguishes user turns from AI turns.
type SenderType string

const (
	SenderUser SenderType = "user"
	SenderAI   SenderType = "ai"
)

// Message is one persisted, encrypted turn. Blob is ECIES under the public
// key of EpochNumber's epoch. SenderID is nil for AI turns and anonymous
// link guests; guests carry a display name instead. PayerID and Cost are set
// on the AI turn of a pair.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	EpochNumber    int64
	Sequence       int64
	SenderType     SenderType
	SenderID       *uuid.UUID
	SenderName     string
	PayerID        *uuid.UUID
	Cost           decimal.Decimal
	Blob           []byte
	CreatedAt      time.Time
}

// SharedMessage is a standalone share: an ECIES blob keyed by a random share
// secret, unrelated to any conversation or epoch. KeyID identifies the share
// without revealing the secret.
type SharedMessage struct {
	ID        uuid.UUID
	KeyID     []byte
	Blob      []byte
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// FundingSource is the client-declared payment origin for a send. The server
// resolution is authoritative; disagreement surfaces as billing-mismatch.
type FundingSource string

const (
	FundingPersonal FundingSource = "personal_balance"
	FundingOwner    FundingSource = "owner_balance"
	FundingFreeTier FundingSource = "free_allowance"
)

// Valid reports whether f is a known funding source.
func (f FundingSource) Valid() bool {
	switch f {
	case FundingPersonal, FundingOwner, FundingFreeTier:
		return true
	}
	return false
}
