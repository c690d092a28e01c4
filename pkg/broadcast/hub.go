package broadcast

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Identity names a subscriber at connect time: an authenticated account, a
// link guest (by link id), or an anonymous guest with a captured display
// name.
type Identity struct {
	AccountID   *uuid.UUID
	LinkID      *uuid.UUID
	DisplayName string
}

// Sink receives events for one subscriber. Send must not block indefinitely;
// returning an error marks the subscriber dead and the hub prunes it.
type Sink interface {
	Send(ev Event) error
	Close()
}

// Hub fans events out to the subscribers of one conversation. The mutex
// guards only the subscriber table; dispatch snapshots the table and writes
// outside the lock.
type Hub struct {
	conversationID uuid.UUID

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type subscription struct {
	identity Identity
	sink     Sink
}

func newHub(conversationID uuid.UUID) *Hub {
	return &Hub{conversationID: conversationID, subs: make(map[*subscription]struct{})}
}

// Subscribe registers a sink under an identity and returns the unsubscribe
// function. The API layer makes the membership decision before calling.
func (h *Hub) Subscribe(id Identity, sink Sink) func() {
	sub := &subscription{identity: id, sink: sink}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, sub)
		h.mu.Unlock()
		sink.Close()
	}
}

// Drop disconnects every subscriber matching the given account or link id.
// Used for the immediate server-side lockout on removal/revocation.
func (h *Hub) Drop(accountID, linkID *uuid.UUID) {
	h.mu.Lock()
	var victims []*subscription
	for sub := range h.subs {
		if accountID != nil && sub.identity.AccountID != nil && *sub.identity.AccountID == *accountID {
			victims = append(victims, sub)
		}
		if linkID != nil && sub.identity.LinkID != nil && *sub.identity.LinkID == *linkID {
			victims = append(victims, sub)
		}
	}
	for _, sub := range victims {
		delete(h.subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range victims {
		sub.sink.Close()
	}
}

// Publish dispatches ev to every live subscriber, pruning sinks that fail.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.ConversationID = h.conversationID

	h.mu.Lock()
	snapshot := make([]*subscription, 0, len(h.subs))
	for sub := range h.subs {
		snapshot = append(snapshot, sub)
	}
	h.mu.Unlock()

	var dead []*subscription
	for _, sub := range snapshot {
		if err := sub.sink.Send(ev); err != nil {
			dead = append(dead, sub)
		}
	}

	if len(dead) == 0 {
		return
	}
	h.mu.Lock()
	for _, sub := range dead {
		delete(h.subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range dead {
		sub.sink.Close()
	}
	zap.L().Debug("pruned dead subscribers",
		zap.Stringer("conversation", h.conversationID),
		zap.Int("count", len(dead)))
}

// Len returns the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Registry owns at most one hub per conversation and implements Publisher.
type Registry struct {
	mu   sync.Mutex
	hubs map[uuid.UUID]*Hub
}

// NewRegistry returns an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[uuid.UUID]*Hub)}
}

// Hub returns the conversation's hub, creating it on first use.
func (r *Registry) Hub(conversationID uuid.UUID) *Hub {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hubs[conversationID]
	if !ok {
		h = newHub(conversationID)
		r.hubs[conversationID] = h
	}
	return h
}

// Publish implements Publisher. Conversations with no hub yet get one
// lazily: events published before the first subscriber are simply dropped by
// an empty hub.
func (r *Registry) Publish(conversationID uuid.UUID, ev Event) {
	r.Hub(conversationID).Publish(ev)
}

// Release drops the hub when its last subscriber is gone. Safe to call at
// any time; a hub with subscribers is kept.
func (r *Registry) Release(conversationID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hubs[conversationID]; ok && h.Len() == 0 {
		delete(r.hubs, conversationID)
	}
}

// ChanSink is the standard Sink: a buffered channel drained by the transport
// writer (WebSocket or SSE). Send fails when the buffer is full; a slow
// consumer is indistinguishable from a dead one and gets pruned.
type ChanSink struct {
	ch     chan Event
	once   sync.Once
	closed chan struct{}
}

// NewChanSink returns a sink buffering up to n events.
func NewChanSink(n int) *ChanSink {
	return &ChanSink{ch: make(chan Event, n), closed: make(chan struct{})}
}

// Send implements Sink.
func (s *ChanSink) Send(ev Event) error {
	select {
	case <-s.closed:
		return errSinkClosed
	case s.ch <- ev:
		return nil
	default:
		return errSinkFull
	}
}

// Close implements Sink. Idempotent.
func (s *ChanSink) Close() {
	s.once.Do(func() { close(s.closed) })
}

// Events exposes the drain side for the transport writer.
func (s *ChanSink) Events() <-chan Event { return s.ch }

// Done is closed when the sink is closed.
func (s *ChanSink) Done() <-chan struct{} { return s.closed }

var (
	errSinkClosed = &sinkError{"sink closed"}
	errSinkFull   = &sinkError{"sink buffer full"}
)

type sinkError struct{ msg string }

func (e *sinkError) Error() string { return e.msg }
