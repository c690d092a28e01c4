// Package memstore is the in-memory store.Store implementation. It backs
// every test in the repository and the daemon's dev mode. A coarse store
// -wide mutex gives the same isolation a SQL implementation gets from its
// transactions: Atomic holds the write lock for the whole critical section
// and rolls the dataset back to a snapshot on error.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

type epochKey struct {
	conv   uuid.UUID
	number int64
}

type budgetKey struct {
	conv    uuid.UUID
	account uuid.UUID
}

type data struct {
	accounts      map[uuid.UUID]model.Account
	conversations map[uuid.UUID]model.Conversation
	epochs        map[epochKey]model.Epoch
	wraps         map[uuid.UUID]model.EpochWrap
	members       map[uuid.UUID]model.Member
	links         map[uuid.UUID]model.SharedLink
	wallets       map[uuid.UUID]model.Wallet
	ledger        []model.LedgerEntry
	payments      map[uuid.UUID]model.Payment
	usage         map[uuid.UUID]model.UsageRecord
	completions   map[uuid.UUID]model.Completion
	messages      map[uuid.UUID]model.Message
	memberBudgets map[budgetKey]model.MemberBudget
	spending      map[uuid.UUID]model.ConversationSpending
	removals      map[uuid.UUID]model.PendingRemoval
	shares        map[uuid.UUID]model.SharedMessage
}

func newData() *data {
	return &data{
		accounts:      make(map[uuid.UUID]model.Account),
		conversations: make(map[uuid.UUID]model.Conversation),
		epochs:        make(map[epochKey]model.Epoch),
		wraps:         make(map[uuid.UUID]model.EpochWrap),
		members:       make(map[uuid.UUID]model.Member),
		links:         make(map[uuid.UUID]model.SharedLink),
		wallets:       make(map[uuid.UUID]model.Wallet),
		payments:      make(map[uuid.UUID]model.Payment),
		usage:         make(map[uuid.UUID]model.UsageRecord),
		completions:   make(map[uuid.UUID]model.Completion),
		messages:      make(map[uuid.UUID]model.Message),
		memberBudgets: make(map[budgetKey]model.MemberBudget),
		spending:      make(map[uuid.UUID]model.ConversationSpending),
		removals:      make(map[uuid.UUID]model.PendingRemoval),
		shares:        make(map[uuid.UUID]model.SharedMessage),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (d *data) clone() *data {
	c := &data{
		accounts:      cloneMap(d.accounts),
		conversations: cloneMap(d.conversations),
		epochs:        cloneMap(d.epochs),
		wraps:         cloneMap(d.wraps),
		members:       cloneMap(d.members),
		links:         cloneMap(d.links),
		wallets:       cloneMap(d.wallets),
		payments:      cloneMap(d.payments),
		usage:         cloneMap(d.usage),
		completions:   cloneMap(d.completions),
		messages:      cloneMap(d.messages),
		memberBudgets: cloneMap(d.memberBudgets),
		spending:      cloneMap(d.spending),
		removals:      cloneMap(d.removals),
		shares:        cloneMap(d.shares),
	}
	c.ledger = make([]model.LedgerEntry, len(d.ledger))
	copy(c.ledger, d.ledger)
	return c
}

// Mem implements store.Store.
type Mem struct {
	mu sync.Mutex
	d  *data
	// inTx marks a transactional view whose caller already holds mu.
	inTx bool
	root *Mem

	lockMu    sync.Mutex
	convLocks map[uuid.UUID]*sync.Mutex
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{d: newData(), convLocks: make(map[uuid.UUID]*sync.Mutex)}
}

// run executes fn against the dataset under the store lock, unless this view
// is already inside Atomic (the lock is then held by the transaction).
func (m *Mem) run(fn func(d *data) error) error {
	if m.inTx {
		return fn(m.d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.d)
}

// Atomic implements store.Store. The store lock is held for the whole
// transaction; on error the dataset is restored from a snapshot.
func (m *Mem) Atomic(ctx context.Context, fn func(tx store.Store) error) error {
	if m.inTx {
		// Nested Atomic joins the enclosing transaction.
		return fn(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.d.clone()
	tx := &Mem{d: m.d, inTx: true, root: m}
	if err := fn(tx); err != nil {
		m.d = snapshot
		return err
	}
	return nil
}

// LockConversation implements the per-conversation advisory lock. The lock
// is independent of the store mutex: fn runs with normal per-call locking
// and may itself call Atomic.
func (m *Mem) LockConversation(ctx context.Context, id uuid.UUID, fn func(s store.Store) error) error {
	root := m
	if m.root != nil {
		root = m.root
	}
	root.lockMu.Lock()
	l, ok := root.convLocks[id]
	if !ok {
		l = &sync.Mutex{}
		root.convLocks[id] = l
	}
	root.lockMu.Unlock()

	l.Lock()
	defer l.Unlock()
	return fn(m)
}

func (m *Mem) Accounts() store.AccountStore           { return accounts{m} }
func (m *Mem) Conversations() store.ConversationStore { return conversations{m} }
func (m *Mem) Epochs() store.EpochStore               { return epochs{m} }
func (m *Mem) Members() store.MemberStore             { return members{m} }
func (m *Mem) Links() store.LinkStore                 { return links{m} }
func (m *Mem) Wallets() store.WalletStore             { return wallets{m} }
func (m *Mem) Ledger() store.LedgerStore              { return ledger{m} }
func (m *Mem) Payments() store.PaymentStore           { return payments{m} }
func (m *Mem) Usage() store.UsageStore                { return usage{m} }
func (m *Mem) Messages() store.MessageStore           { return messages{m} }
func (m *Mem) Budgets() store.BudgetStore             { return budgets{m} }
func (m *Mem) Removals() store.RemovalStore           { return removals{m} }
func (m *Mem) Shares() store.ShareStore               { return shares{m} }

// ---- accounts ----

type accounts struct{ m *Mem }

func (s accounts) Insert(ctx context.Context, a *model.Account) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.accounts[a.ID]; ok {
			return store.ErrConflict
		}
		d.accounts[a.ID] = *a
		return nil
	})
}

func (s accounts) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	var out model.Account
	err := s.m.run(func(d *data) error {
		a, ok := d.accounts[id]
		if !ok {
			return store.ErrNotFound
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s accounts) Delete(ctx context.Context, id uuid.UUID) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.accounts[id]; !ok {
			return store.ErrNotFound
		}
		delete(d.accounts, id)
		return nil
	})
}

// ---- conversations ----

type conversations struct{ m *Mem }

func (s conversations) Insert(ctx context.Context, c *model.Conversation) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.conversations[c.ID]; ok {
			return store.ErrConflict
		}
		d.conversations[c.ID] = *c
		return nil
	})
}

func (s conversations) Get(ctx context.Context, id uuid.UUID) (*model.Conversation, error) {
	var out model.Conversation
	err := s.m.run(func(d *data) error {
		c, ok := d.conversations[id]
		if !ok {
			return store.ErrNotFound
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s conversations) ReserveSequences(ctx context.Context, id uuid.UUID, n int64) (int64, int64, bool, error) {
	var first, epoch int64
	var pending bool
	err := s.m.run(func(d *data) error {
		c, ok := d.conversations[id]
		if !ok {
			return store.ErrNotFound
		}
		first = c.NextSequence
		epoch = c.CurrentEpoch
		pending = c.RotationPending
		c.NextSequence += n
		d.conversations[id] = c
		return nil
	})
	return first, epoch, pending, err
}

func (s conversations) SetRotationPending(ctx context.Context, id uuid.UUID, pending bool) error {
	return s.m.run(func(d *data) error {
		c, ok := d.conversations[id]
		if !ok {
			return store.ErrNotFound
		}
		c.RotationPending = pending
		d.conversations[id] = c
		return nil
	})
}

func (s conversations) AdvanceEpoch(ctx context.Context, id uuid.UUID, next int64, title []byte, titleEpoch int64) error {
	return s.m.run(func(d *data) error {
		c, ok := d.conversations[id]
		if !ok {
			return store.ErrNotFound
		}
		c.CurrentEpoch = next
		c.RotationPending = false
		if title != nil {
			c.Title = title
			c.TitleEpoch = titleEpoch
		}
		d.conversations[id] = c
		return nil
	})
}

func (s conversations) Delete(ctx context.Context, id uuid.UUID) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.conversations[id]; !ok {
			return store.ErrNotFound
		}
		delete(d.conversations, id)
		for k := range d.epochs {
			if k.conv == id {
				delete(d.epochs, k)
			}
		}
		for k, w := range d.wraps {
			if w.ConversationID == id {
				delete(d.wraps, k)
			}
		}
		for k, mem := range d.members {
			if mem.ConversationID == id {
				delete(d.members, k)
			}
		}
		for k, l := range d.links {
			if l.ConversationID == id {
				delete(d.links, k)
			}
		}
		for k, msg := range d.messages {
			if msg.ConversationID == id {
				delete(d.messages, k)
			}
		}
		for k := range d.memberBudgets {
			if k.conv == id {
				delete(d.memberBudgets, k)
			}
		}
		delete(d.spending, id)
		for k, r := range d.removals {
			if r.ConversationID == id {
				delete(d.removals, k)
			}
		}
		return nil
	})
}

// ---- epochs ----

type epochs struct{ m *Mem }

func (s epochs) Insert(ctx context.Context, e *model.Epoch) error {
	return s.m.run(func(d *data) error {
		k := epochKey{e.ConversationID, e.Number}
		if _, ok := d.epochs[k]; ok {
			return store.ErrConflict
		}
		d.epochs[k] = *e
		return nil
	})
}

func (s epochs) Get(ctx context.Context, conversationID uuid.UUID, number int64) (*model.Epoch, error) {
	var out model.Epoch
	err := s.m.run(func(d *data) error {
		e, ok := d.epochs[epochKey{conversationID, number}]
		if !ok {
			return store.ErrNotFound
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s epochs) InsertWraps(ctx context.Context, ws []model.EpochWrap) error {
	return s.m.run(func(d *data) error {
		for _, w := range ws {
			if w.ID == uuid.Nil {
				w.ID = uuid.New()
			}
			d.wraps[w.ID] = w
		}
		return nil
	})
}

func (s epochs) WrapFor(ctx context.Context, conversationID uuid.UUID, number int64, memberPub []byte) (*model.EpochWrap, error) {
	var out model.EpochWrap
	err := s.m.run(func(d *data) error {
		for _, w := range d.wraps {
			if w.ConversationID == conversationID && w.EpochNumber == number && bytes.Equal(w.MemberPublicKey, memberPub) {
				out = w
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s epochs) WrapsForEpoch(ctx context.Context, conversationID uuid.UUID, number int64) ([]model.EpochWrap, error) {
	var out []model.EpochWrap
	err := s.m.run(func(d *data) error {
		for _, w := range d.wraps {
			if w.ConversationID == conversationID && w.EpochNumber == number {
				out = append(out, w)
			}
		}
		return nil
	})
	return out, err
}

func (s epochs) DeleteWrapsForEpoch(ctx context.Context, conversationID uuid.UUID, number int64) error {
	return s.m.run(func(d *data) error {
		for k, w := range d.wraps {
			if w.ConversationID == conversationID && w.EpochNumber == number {
				delete(d.wraps, k)
			}
		}
		return nil
	})
}

// ---- members ----

type members struct{ m *Mem }

func (s members) Insert(ctx context.Context, mem *model.Member) error {
	return s.m.run(func(d *data) error {
		for _, existing := range d.members {
			if existing.ConversationID != mem.ConversationID || !existing.Active() {
				continue
			}
			if mem.AccountID != nil && existing.AccountID != nil && *existing.AccountID == *mem.AccountID {
				return store.ErrConflict
			}
			if mem.LinkID != nil && existing.LinkID != nil && *existing.LinkID == *mem.LinkID {
				return store.ErrConflict
			}
		}
		d.members[mem.ID] = *mem
		return nil
	})
}

func (s members) Get(ctx context.Context, id uuid.UUID) (*model.Member, error) {
	var out model.Member
	err := s.m.run(func(d *data) error {
		mem, ok := d.members[id]
		if !ok {
			return store.ErrNotFound
		}
		out = mem
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s members) ActiveByAccount(ctx context.Context, conversationID, accountID uuid.UUID) (*model.Member, error) {
	var out model.Member
	err := s.m.run(func(d *data) error {
		for _, mem := range d.members {
			if mem.ConversationID == conversationID && mem.Active() && mem.AccountID != nil && *mem.AccountID == accountID {
				out = mem
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s members) ActiveByLink(ctx context.Context, conversationID, linkID uuid.UUID) (*model.Member, error) {
	var out model.Member
	err := s.m.run(func(d *data) error {
		for _, mem := range d.members {
			if mem.ConversationID == conversationID && mem.Active() && mem.LinkID != nil && *mem.LinkID == linkID {
				out = mem
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s members) Active(ctx context.Context, conversationID uuid.UUID) ([]model.Member, error) {
	var out []model.Member
	err := s.m.run(func(d *data) error {
		for _, mem := range d.members {
			if mem.ConversationID == conversationID && mem.Active() {
				out = append(out, mem)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, err
}

func (s members) SetLeft(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.m.run(func(d *data) error {
		mem, ok := d.members[id]
		if !ok {
			return store.ErrNotFound
		}
		mem.LeftAt = &at
		d.members[id] = mem
		return nil
	})
}

func (s members) SetPrivilege(ctx context.Context, id uuid.UUID, p model.Privilege) error {
	return s.m.run(func(d *data) error {
		mem, ok := d.members[id]
		if !ok {
			return store.ErrNotFound
		}
		mem.Privilege = p
		d.members[id] = mem
		return nil
	})
}

func (s members) ConversationsOf(ctx context.Context, accountID uuid.UUID) ([]model.Member, error) {
	var out []model.Member
	err := s.m.run(func(d *data) error {
		for _, mem := range d.members {
			if mem.Active() && mem.AccountID != nil && *mem.AccountID == accountID {
				out = append(out, mem)
			}
		}
		return nil
	})
	return out, err
}

// ---- links ----

type links struct{ m *Mem }

func (s links) Insert(ctx context.Context, l *model.SharedLink) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.links[l.ID]; ok {
			return store.ErrConflict
		}
		d.links[l.ID] = *l
		return nil
	})
}

func (s links) Get(ctx context.Context, id uuid.UUID) (*model.SharedLink, error) {
	var out model.SharedLink
	err := s.m.run(func(d *data) error {
		l, ok := d.links[id]
		if !ok {
			return store.ErrNotFound
		}
		out = l
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s links) GetByPublicKey(ctx context.Context, conversationID uuid.UUID, pub []byte) (*model.SharedLink, error) {
	var out model.SharedLink
	err := s.m.run(func(d *data) error {
		for _, l := range d.links {
			if l.ConversationID == conversationID && bytes.Equal(l.PublicKey, pub) {
				out = l
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s links) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	return s.m.run(func(d *data) error {
		l, ok := d.links[id]
		if !ok {
			return store.ErrNotFound
		}
		l.RevokedAt = &at
		d.links[id] = l
		return nil
	})
}

// ---- wallets ----

type wallets struct{ m *Mem }

func (s wallets) Insert(ctx context.Context, w *model.Wallet) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.wallets[w.ID]; ok {
			return store.ErrConflict
		}
		d.wallets[w.ID] = *w
		return nil
	})
}

func (s wallets) Get(ctx context.Context, id uuid.UUID) (*model.Wallet, error) {
	var out model.Wallet
	err := s.m.run(func(d *data) error {
		w, ok := d.wallets[id]
		if !ok {
			return store.ErrNotFound
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s wallets) ForAccount(ctx context.Context, accountID uuid.UUID) ([]model.Wallet, error) {
	var out []model.Wallet
	err := s.m.run(func(d *data) error {
		for _, w := range d.wallets {
			if w.OwnerID != nil && *w.OwnerID == accountID {
				out = append(out, w)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, err
}

func (s wallets) SetBalance(ctx context.Context, id uuid.UUID, balance decimal.Decimal) error {
	return s.m.run(func(d *data) error {
		w, ok := d.wallets[id]
		if !ok {
			return store.ErrNotFound
		}
		w.Balance = balance
		d.wallets[id] = w
		return nil
	})
}

func (s wallets) DetachOwner(ctx context.Context, accountID uuid.UUID) error {
	return s.m.run(func(d *data) error {
		for id, w := range d.wallets {
			if w.OwnerID != nil && *w.OwnerID == accountID {
				w.OwnerID = nil
				d.wallets[id] = w
			}
		}
		return nil
	})
}

// ---- ledger ----

type ledger struct{ m *Mem }

func (s ledger) Append(ctx context.Context, e model.LedgerEntry) error {
	return s.m.run(func(d *data) error {
		d.ledger = append(d.ledger, e)
		return nil
	})
}

func (s ledger) ForWallet(ctx context.Context, walletID uuid.UUID) ([]model.LedgerEntry, error) {
	var out []model.LedgerEntry
	err := s.m.run(func(d *data) error {
		for _, e := range d.ledger {
			if e.WalletID == walletID {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (s ledger) LastRenewal(ctx context.Context, walletID uuid.UUID) (time.Time, bool, error) {
	var latest time.Time
	var found bool
	err := s.m.run(func(d *data) error {
		for _, e := range d.ledger {
			if e.WalletID == walletID && e.Type == model.EntryRenewal && e.CreatedAt.After(latest) {
				latest = e.CreatedAt
				found = true
			}
		}
		return nil
	})
	return latest, found, err
}

// ---- payments ----

type payments struct{ m *Mem }

func (s payments) Insert(ctx context.Context, p *model.Payment) error {
	return s.m.run(func(d *data) error {
		for _, existing := range d.payments {
			if existing.ExternalID == p.ExternalID {
				return store.ErrConflict
			}
		}
		d.payments[p.ID] = *p
		return nil
	})
}

func (s payments) GetByExternalID(ctx context.Context, externalID string) (*model.Payment, error) {
	var out model.Payment
	err := s.m.run(func(d *data) error {
		for _, p := range d.payments {
			if p.ExternalID == externalID {
				out = p
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s payments) SetStatus(ctx context.Context, id uuid.UUID, status model.PaymentStatus, at time.Time) error {
	return s.m.run(func(d *data) error {
		p, ok := d.payments[id]
		if !ok {
			return store.ErrNotFound
		}
		p.Status = status
		p.UpdatedAt = at
		d.payments[id] = p
		return nil
	})
}

// ---- usage ----

type usage struct{ m *Mem }

func (s usage) InsertRecord(ctx context.Context, r *model.UsageRecord) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.usage[r.ID]; ok {
			return store.ErrConflict
		}
		d.usage[r.ID] = *r
		return nil
	})
}

func (s usage) GetRecord(ctx context.Context, id uuid.UUID) (*model.UsageRecord, error) {
	var out model.UsageRecord
	err := s.m.run(func(d *data) error {
		r, ok := d.usage[id]
		if !ok {
			return store.ErrNotFound
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s usage) SetRecordStatus(ctx context.Context, id uuid.UUID, status model.UsageStatus) error {
	return s.m.run(func(d *data) error {
		r, ok := d.usage[id]
		if !ok {
			return store.ErrNotFound
		}
		r.Status = status
		d.usage[id] = r
		return nil
	})
}

func (s usage) InsertCompletion(ctx context.Context, c *model.Completion) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.completions[c.ID]; ok {
			return store.ErrConflict
		}
		d.completions[c.ID] = *c
		return nil
	})
}

// ---- messages ----

type messages struct{ m *Mem }

func (s messages) Insert(ctx context.Context, msg *model.Message) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.messages[msg.ID]; ok {
			return store.ErrConflict
		}
		d.messages[msg.ID] = *msg
		return nil
	})
}

func (s messages) Get(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var out model.Message
	err := s.m.run(func(d *data) error {
		msg, ok := d.messages[id]
		if !ok {
			return store.ErrNotFound
		}
		out = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s messages) List(ctx context.Context, conversationID uuid.UUID, fromEpoch int64, limit int) ([]model.Message, error) {
	var out []model.Message
	err := s.m.run(func(d *data) error {
		for _, msg := range d.messages {
			if msg.ConversationID == conversationID && msg.EpochNumber >= fromEpoch {
				out = append(out, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s messages) Delete(ctx context.Context, id uuid.UUID) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.messages[id]; !ok {
			return store.ErrNotFound
		}
		delete(d.messages, id)
		return nil
	})
}

// ---- budgets ----

type budgets struct{ m *Mem }

func (s budgets) GetMemberBudget(ctx context.Context, conversationID, accountID uuid.UUID) (*model.MemberBudget, error) {
	var out model.MemberBudget
	err := s.m.run(func(d *data) error {
		b, ok := d.memberBudgets[budgetKey{conversationID, accountID}]
		if !ok {
			return store.ErrNotFound
		}
		out = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s budgets) SetMemberBudget(ctx context.Context, b *model.MemberBudget) error {
	return s.m.run(func(d *data) error {
		d.memberBudgets[budgetKey{b.ConversationID, b.AccountID}] = *b
		return nil
	})
}

func (s budgets) AddMemberSpent(ctx context.Context, conversationID, accountID uuid.UUID, delta decimal.Decimal) error {
	return s.m.run(func(d *data) error {
		k := budgetKey{conversationID, accountID}
		b, ok := d.memberBudgets[k]
		if !ok {
			b = model.MemberBudget{ConversationID: conversationID, AccountID: accountID}
		}
		b.Spent = b.Spent.Add(delta)
		d.memberBudgets[k] = b
		return nil
	})
}

func (s budgets) GetSpending(ctx context.Context, conversationID uuid.UUID) (*model.ConversationSpending, error) {
	out := model.ConversationSpending{ConversationID: conversationID}
	err := s.m.run(func(d *data) error {
		if sp, ok := d.spending[conversationID]; ok {
			out = sp
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s budgets) AddSpending(ctx context.Context, conversationID uuid.UUID, delta decimal.Decimal) error {
	return s.m.run(func(d *data) error {
		sp, ok := d.spending[conversationID]
		if !ok {
			sp = model.ConversationSpending{ConversationID: conversationID}
		}
		sp.TotalSpent = sp.TotalSpent.Add(delta)
		d.spending[conversationID] = sp
		return nil
	})
}

// ---- removals ----

type removals struct{ m *Mem }

func (s removals) Enqueue(ctx context.Context, r *model.PendingRemoval) error {
	return s.m.run(func(d *data) error {
		d.removals[r.ID] = *r
		return nil
	})
}

func (s removals) ForConversation(ctx context.Context, conversationID uuid.UUID) ([]model.PendingRemoval, error) {
	var out []model.PendingRemoval
	err := s.m.run(func(d *data) error {
		for _, r := range d.removals {
			if r.ConversationID == conversationID {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, err
}

func (s removals) Clear(ctx context.Context, conversationID uuid.UUID) error {
	return s.m.run(func(d *data) error {
		for k, r := range d.removals {
			if r.ConversationID == conversationID {
				delete(d.removals, k)
			}
		}
		return nil
	})
}

// ---- shares ----

type shares struct{ m *Mem }

func (s shares) Insert(ctx context.Context, sm *model.SharedMessage) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.shares[sm.ID]; ok {
			return store.ErrConflict
		}
		d.shares[sm.ID] = *sm
		return nil
	})
}

func (s shares) GetByKeyID(ctx context.Context, keyID []byte) (*model.SharedMessage, error) {
	var out model.SharedMessage
	err := s.m.run(func(d *data) error {
		for _, sm := range d.shares {
			if bytes.Equal(sm.KeyID, keyID) {
				out = sm
				return nil
			}
		}
		return store.ErrNotFound
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s shares) Delete(ctx context.Context, id uuid.UUID) error {
	return s.m.run(func(d *data) error {
		if _, ok := d.shares[id]; !ok {
			return store.ErrNotFound
		}
		delete(d.shares, id)
		return nil
	})
}
