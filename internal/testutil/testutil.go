// Package testutil provides the shared fixtures the service tests build
// on: a settable clock, an event recorder, and a wired environment with
// real crypto and the in-memory store.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/billing"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/ecies"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/membership"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store/memstore"
	"github.com/veilchat/veilchat/pkg/wallet"
)

// Clock is a settable store.Clock.
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock starts at a fixed instant so renewal-boundary tests are
// deterministic.
func NewClock() *Clock {
	return &Clock{t: time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// Recorder is a broadcast.Publisher that remembers every event.
type Recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *Recorder) Publish(_ uuid.UUID, ev broadcast.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []broadcast.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.Event, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recent event of the given type.
func (r *Recorder) Last(t broadcast.Type) (broadcast.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return broadcast.Event{}, false
}

// Count returns how many events of the given type were published.
func (r *Recorder) Count(t broadcast.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Principal is a test identity with its real key pair.
type Principal struct {
	ID         uuid.UUID
	PublicKey  []byte
	PrivateKey []byte
}

// Env is a fully wired service stack over the in-memory store.
type Env struct {
	T       *testing.T
	Store   *memstore.Mem
	Clock   *Clock
	Pub     *Recorder
	Wallets *wallet.Service
	Epochs  *epoch.Manager
	Members *membership.Service

	FreeAllowance decimal.Decimal
	MaxNegative   decimal.Decimal
}

// NewEnv wires the standard environment: $0.10 free allowance, $0.50
// negative floor.
func NewEnv(t *testing.T) *Env {
	t.Helper()
	st := memstore.New()
	clock := NewClock()
	pub := &Recorder{}
	free := decimal.RequireFromString("0.10")
	neg := decimal.RequireFromString("0.50")
	wallets := wallet.NewService(st, clock, free, neg)
	epochs := epoch.NewManager(st, clock, pub)
	members := membership.NewService(st, clock, epochs, pub, nil)
	return &Env{
		T:             t,
		Store:         st,
		Clock:         clock,
		Pub:           pub,
		Wallets:       wallets,
		Epochs:        epochs,
		Members:       members,
		FreeAllowance: free,
		MaxNegative:   neg,
	}
}

// NewAccount inserts an account with a real X25519 key pair and the
// standard wallet pair, seeding the purchased wallet with balance.
func (e *Env) NewAccount(name string, balance decimal.Decimal) *Principal {
	e.T.Helper()
	pub, priv, err := ecies.GenerateKeyPair()
	if err != nil {
		e.T.Fatalf("generate key pair: %v", err)
	}
	id := uuid.New()
	err = e.Store.Accounts().Insert(context.Background(), &model.Account{
		ID:        id,
		Email:     name + "@example.com",
		Username:  name,
		PublicKey: pub,
		CreatedAt: e.Clock.Now(),
	})
	if err != nil {
		e.T.Fatalf("insert account: %v", err)
	}
	if err := e.Wallets.CreateForAccount(context.Background(), id, balance); err != nil {
		e.T.Fatalf("create wallets: %v", err)
	}
	return &Principal{ID: id, PublicKey: pub, PrivateKey: priv}
}

// NewConversation creates a conversation owned by owner with a real first
// epoch, returning the conversation and the epoch 1 key material.
func (e *Env) NewConversation(owner *Principal) (*model.Conversation, *epoch.Created) {
	e.T.Helper()
	created, err := epoch.CreateFirst(owner.PublicKey)
	if err != nil {
		e.T.Fatalf("create first epoch: %v", err)
	}
	conv, err := e.Members.CreateConversation(context.Background(), &membership.NewConversation{
		OwnerID:          owner.ID,
		EpochPublicKey:   created.PublicKey,
		ConfirmationHash: created.ConfirmationHash,
		OwnerWrap:        created.OwnerWrap,
	})
	if err != nil {
		e.T.Fatalf("create conversation: %v", err)
	}
	return conv, created
}

// AddMember wraps the epoch key for target and adds it to the conversation.
func (e *Env) AddMember(actor *Principal, conv *model.Conversation, target *Principal, epochPriv []byte, p model.Privilege) *model.Member {
	e.T.Helper()
	wrap, err := epoch.WrapForMember(epochPriv, target.PublicKey)
	if err != nil {
		e.T.Fatalf("wrap for member: %v", err)
	}
	m, err := e.Members.AddMember(context.Background(), actor.ID, conv.ID, target.ID, wrap, p, conv.CurrentEpoch)
	if err != nil {
		e.T.Fatalf("add member: %v", err)
	}
	return m
}

// Engine builds a billing engine over the environment with an in-memory
// reservation store and the given pricing table.
func (e *Env) Engine(table map[string]billing.ModelPrice, devMode bool) *billing.Engine {
	e.T.Helper()
	pricing := billing.NewPricing(table, decimal.RequireFromString("0.15"), devMode)
	return billing.NewEngine(e.Store, e.Wallets, pricing, billing.NewMemoryReservations(), e.MaxNegative, 5*time.Minute)
}

// TestModelTable is a one-model pricing table used across billing and
// stream tests.
func TestModelTable() map[string]billing.ModelPrice {
	return map[string]billing.ModelPrice{
		"test-model": {
			Provider:         "test",
			InputPerMillion:  decimal.RequireFromString("1.00"),
			OutputPerMillion: decimal.RequireFromString("2.00"),
			CachedPerMillion: decimal.RequireFromString("0.25"),
			ContextTokens:    8192,
		},
	}
}
