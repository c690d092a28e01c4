package broadcast

import (
	"testing"

	"github.com/google/uuid"
)

func TestPublishReachesSubscribers(t *testing.T) {
	reg := NewRegistry()
	convID := uuid.New()
	acct := uuid.New()

	sink := NewChanSink(4)
	unsub := reg.Hub(convID).Subscribe(Identity{AccountID: &acct}, sink)
	defer unsub()

	reg.Publish(convID, Event{Type: TypeMessageNew})

	select {
	case ev := <-sink.Events():
		if ev.Type != TypeMessageNew {
			t.Fatalf("wrong event type %q", ev.Type)
		}
		if ev.ConversationID != convID {
			t.Fatalf("event not stamped with conversation id")
		}
		if ev.At.IsZero() {
			t.Fatalf("event not timestamped")
		}
	default:
		t.Fatalf("event never reached the sink")
	}
}

func TestPublishPrunesFullSink(t *testing.T) {
	reg := NewRegistry()
	convID := uuid.New()
	acct := uuid.New()
	hub := reg.Hub(convID)

	sink := NewChanSink(1)
	hub.Subscribe(Identity{AccountID: &acct}, sink)

	// Second publish overflows the undrained buffer; the hub treats the
	// slow consumer as dead.
	hub.Publish(Event{Type: TypeMessageStream})
	hub.Publish(Event{Type: TypeMessageStream})

	if hub.Len() != 0 {
		t.Fatalf("full sink not pruned, %d subscribers left", hub.Len())
	}
	select {
	case <-sink.Done():
	default:
		t.Fatalf("pruned sink not closed")
	}
}

func TestDropByIdentity(t *testing.T) {
	reg := NewRegistry()
	convID := uuid.New()
	hub := reg.Hub(convID)

	removed := uuid.New()
	kept := uuid.New()
	removedSink := NewChanSink(1)
	keptSink := NewChanSink(1)
	hub.Subscribe(Identity{AccountID: &removed}, removedSink)
	hub.Subscribe(Identity{AccountID: &kept}, keptSink)

	hub.Drop(&removed, nil)

	select {
	case <-removedSink.Done():
	default:
		t.Fatalf("dropped subscriber's sink not closed")
	}
	select {
	case <-keptSink.Done():
		t.Fatalf("unrelated subscriber was dropped")
	default:
	}
	if hub.Len() != 1 {
		t.Fatalf("expected 1 subscriber after drop, got %d", hub.Len())
	}
}

func TestDropByLink(t *testing.T) {
	hub := NewRegistry().Hub(uuid.New())
	linkID := uuid.New()
	sink := NewChanSink(1)
	hub.Subscribe(Identity{LinkID: &linkID, DisplayName: "guest"}, sink)

	hub.Drop(nil, &linkID)

	select {
	case <-sink.Done():
	default:
		t.Fatalf("revoked link's sink not closed")
	}
}

func TestUnsubscribeClosesSink(t *testing.T) {
	hub := NewRegistry().Hub(uuid.New())
	acct := uuid.New()
	sink := NewChanSink(1)
	unsub := hub.Subscribe(Identity{AccountID: &acct}, sink)

	unsub()

	if hub.Len() != 0 {
		t.Fatalf("subscriber survives unsubscribe")
	}
	select {
	case <-sink.Done():
	default:
		t.Fatalf("unsubscribed sink not closed")
	}
}

func TestReleaseKeepsBusyHub(t *testing.T) {
	reg := NewRegistry()
	convID := uuid.New()
	acct := uuid.New()
	hub := reg.Hub(convID)
	unsub := hub.Subscribe(Identity{AccountID: &acct}, NewChanSink(1))

	reg.Release(convID)
	if reg.Hub(convID) != hub {
		t.Fatalf("busy hub was released")
	}

	unsub()
	reg.Release(convID)
	if reg.Hub(convID) == hub {
		t.Fatalf("empty hub survived release")
	}
}

func TestChanSinkCloseIdempotent(t *testing.T) {
	sink := NewChanSink(1)
	sink.Close()
	sink.Close()

	if err := sink.Send(Event{Type: TypeMessageNew}); err == nil {
		t.Fatalf("send on closed sink should fail")
	}
}
