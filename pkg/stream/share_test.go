package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/veilchat/veilchat/internal/testutil"
	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/stream"
)

func TestShareRoundTrip(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	shares := stream.NewShares(env.Store, env.Clock)

	keyID := []byte("key-id-1")
	blob := []byte("opaque ciphertext")
	if _, err := shares.Create(ctx, keyID, blob, 0); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sm, err := shares.Get(ctx, keyID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(sm.Blob) != string(blob) {
		t.Fatalf("blob mismatch")
	}
	if sm.ExpiresAt != nil {
		t.Fatalf("zero ttl means no expiry")
	}
}

func TestShareExpires(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	shares := stream.NewShares(env.Store, env.Clock)

	keyID := []byte("key-id-2")
	if _, err := shares.Create(ctx, keyID, []byte("blob"), time.Hour); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := shares.Get(ctx, keyID); err != nil {
		t.Fatalf("Get before expiry: %v", err)
	}

	env.Clock.Advance(2 * time.Hour)
	_, err := shares.Get(ctx, keyID)
	if !apierr.IsCode(err, apierr.CodeConversationNotFound) {
		t.Fatalf("expired share must read as absent, got %v", err)
	}
}

func TestShareUnknownKey(t *testing.T) {
	env := testutil.NewEnv(t)
	shares := stream.NewShares(env.Store, env.Clock)
	_, err := shares.Get(context.Background(), []byte("never-stored"))
	if !apierr.IsCode(err, apierr.CodeConversationNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
