// Package store defines the persistence capabilities of the chat core as
// narrow per-concern interfaces, plus the atomic-commit and per-conversation
// locking surface the pipeline and rotation transactions are built on.
// Implementations: memstore (in-memory, used by the daemon in dev mode and
// by every test); a SQL implementation can slot behind the same Store
// without touching callers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/model"
)

// ErrNotFound is returned by Get-style methods when the row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned for uniqueness violations (duplicate active
// member, duplicate external payment id, duplicate (conversation, epoch)).
var ErrConflict = errors.New("store: conflict")

// Clock abstracts time so billing renewals and tests can control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AccountStore persists accounts.
type AccountStore interface {
	Insert(ctx context.Context, a *model.Account) error
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ConversationStore persists conversations and owns the two hot counters:
// the current epoch and the next message sequence.
type ConversationStore interface {
	Insert(ctx context.Context, c *model.Conversation) error
	Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error)
	// ReserveSequences atomically advances NextSequence by n and returns the
	// first reserved number together with the conversation's current epoch
	// and rotation flag as of the same instant. This is the ordering
	// commitment for a send: reserved numbers are never reissued, even when
	// the commit later aborts.
	ReserveSequences(ctx context.Context, id uuid.UUID, n int64) (first int64, currentEpoch int64, rotationPending bool, err error)
	// SetRotationPending flags the conversation for lazy rotation.
	SetRotationPending(ctx context.Context, id uuid.UUID, pending bool) error
	// AdvanceEpoch bumps CurrentEpoch to next, clears the rotation flag, and
	// optionally replaces the title blob (when title != nil) recording the
	// epoch it is encrypted under.
	AdvanceEpoch(ctx context.Context, id uuid.UUID, next int64, title []byte, titleEpoch int64) error
	// Delete cascade-deletes the conversation and everything it owns.
	Delete(ctx context.Context, id uuid.UUID) error
}

// EpochStore persists epochs and per-epoch member wraps.
type EpochStore interface {
	Insert(ctx context.Context, e *model.Epoch) error
	Get(ctx context.Context, conversationID uuid.UUID, number int64) (*model.Epoch, error)
	InsertWraps(ctx context.Context, wraps []model.EpochWrap) error
	// WrapFor returns the wrap of the given epoch for one principal key.
	WrapFor(ctx context.Context, conversationID uuid.UUID, number int64, memberPub []byte) (*model.EpochWrap, error)
	WrapsForEpoch(ctx context.Context, conversationID uuid.UUID, number int64) ([]model.EpochWrap, error)
	// DeleteWrapsForEpoch enforces the bounded-storage invariant after a
	// rotation: only the current epoch keeps wraps.
	DeleteWrapsForEpoch(ctx context.Context, conversationID uuid.UUID, number int64) error
}

// MemberStore persists conversation members (accounts and links alike).
type MemberStore interface {
	Insert(ctx context.Context, m *model.Member) error
	Get(ctx context.Context, id uuid.UUID) (*model.Member, error)
	// ActiveByAccount returns the active membership of an account in a
	// conversation, ErrNotFound when none.
	ActiveByAccount(ctx context.Context, conversationID, accountID uuid.UUID) (*model.Member, error)
	// ActiveByLink is the link-principal analogue of ActiveByAccount.
	ActiveByLink(ctx context.Context, conversationID, linkID uuid.UUID) (*model.Member, error)
	Active(ctx context.Context, conversationID uuid.UUID) ([]model.Member, error)
	SetLeft(ctx context.Context, id uuid.UUID, at time.Time) error
	SetPrivilege(ctx context.Context, id uuid.UUID, p model.Privilege) error
	// ConversationsOf lists active memberships of an account across all
	// conversations (used by account deletion).
	ConversationsOf(ctx context.Context, accountID uuid.UUID) ([]model.Member, error)
}

// LinkStore persists shared links.
type LinkStore interface {
	Insert(ctx context.Context, l *model.SharedLink) error
	Get(ctx context.Context, id uuid.UUID) (*model.SharedLink, error)
	// GetByPublicKey resolves a link guest from its derived public key.
	GetByPublicKey(ctx context.Context, conversationID uuid.UUID, pub []byte) (*model.SharedLink, error)
	Revoke(ctx context.Context, id uuid.UUID, at time.Time) error
}

// WalletStore persists wallets.
type WalletStore interface {
	Insert(ctx context.Context, w *model.Wallet) error
	Get(ctx context.Context, id uuid.UUID) (*model.Wallet, error)
	// ForAccount returns the account's wallets ordered by ascending
	// priority (debit order).
	ForAccount(ctx context.Context, accountID uuid.UUID) ([]model.Wallet, error)
	SetBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error
	// DetachOwner nulls the owner reference, preserving financial history
	// across account deletion.
	DetachOwner(ctx context.Context, accountID uuid.UUID) error
}

// LedgerStore is append-only.
type LedgerStore interface {
	Append(ctx context.Context, e model.LedgerEntry) error
	ForWallet(ctx context.Context, walletID uuid.UUID) ([]model.LedgerEntry, error)
	// LastRenewal returns the creation time of the latest renewal entry for
	// the wallet; ok is false when the wallet has never renewed.
	LastRenewal(ctx context.Context, walletID uuid.UUID) (t time.Time, ok bool, err error)
}

// PaymentStore persists external payment transactions.
type PaymentStore interface {
	Insert(ctx context.Context, p *model.Payment) error
	GetByExternalID(ctx context.Context, externalID string) (*model.Payment, error)
	SetStatus(ctx context.Context, id uuid.UUID, s model.PaymentStatus, at time.Time) error
}

// UsageStore persists usage records and completions.
type UsageStore interface {
	InsertRecord(ctx context.Context, r *model.UsageRecord) error
	GetRecord(ctx context.Context, id uuid.UUID) (*model.UsageRecord, error)
	SetRecordStatus(ctx context.Context, id uuid.UUID, s model.UsageStatus) error
	InsertCompletion(ctx context.Context, c *model.Completion) error
}

// MessageStore persists encrypted messages. Insert-only plus hard delete.
type MessageStore interface {
	Insert(ctx context.Context, m *model.Message) error
	Get(ctx context.Context, id uuid.UUID) (*model.Message, error)
	// List returns messages of a conversation with epoch ≥ fromEpoch in
	// ascending sequence order, at most limit (0 = no limit). fromEpoch is
	// the caller's visibility floor.
	List(ctx context.Context, conversationID uuid.UUID, fromEpoch int64, limit int) ([]model.Message, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// BudgetStore persists member budgets and conversation spending.
type BudgetStore interface {
	GetMemberBudget(ctx context.Context, conversationID, accountID uuid.UUID) (*model.MemberBudget, error)
	SetMemberBudget(ctx context.Context, b *model.MemberBudget) error
	// AddMemberSpent increments accumulated spend for (conversation,
	// account), creating the row if absent.
	AddMemberSpent(ctx context.Context, conversationID, accountID uuid.UUID, delta decimal.Decimal) error
	GetSpending(ctx context.Context, conversationID uuid.UUID) (*model.ConversationSpending, error)
	AddSpending(ctx context.Context, conversationID uuid.UUID, delta decimal.Decimal) error
}

// RemovalStore queues member removals until the next rotation.
type RemovalStore interface {
	Enqueue(ctx context.Context, r *model.PendingRemoval) error
	ForConversation(ctx context.Context, conversationID uuid.UUID) ([]model.PendingRemoval, error)
	Clear(ctx context.Context, conversationID uuid.UUID) error
}

// ShareStore persists standalone shared messages.
type ShareStore interface {
	Insert(ctx context.Context, s *model.SharedMessage) error
	GetByKeyID(ctx context.Context, keyID []byte) (*model.SharedMessage, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Store aggregates all capabilities plus transactional composition.
type Store interface {
	Accounts() AccountStore
	Conversations() ConversationStore
	Epochs() EpochStore
	Members() MemberStore
	Links() LinkStore
	Wallets() WalletStore
	Ledger() LedgerStore
	Payments() PaymentStore
	Usage() UsageStore
	Messages() MessageStore
	Budgets() BudgetStore
	Removals() RemovalStore
	Shares() ShareStore

	// Atomic runs fn with transactional semantics: either every write fn
	// performs through tx commits, or none does.
	Atomic(ctx context.Context, fn func(tx Store) error) error

	// LockConversation holds the per-conversation advisory lock for the
	// duration of fn. Rotation submissions serialize here; ordinary sends
	// never take it.
	LockConversation(ctx context.Context, id uuid.UUID, fn func(s Store) error) error
}
