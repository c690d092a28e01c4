package epoch_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/internal/testutil"
	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

func TestSubmitRotationRemovesQueuedMember(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	other := env.NewAccount("other", decimal.Zero)

	conv, created := env.NewConversation(owner)
	member := env.AddMember(owner, conv, other, created.PrivateKey, model.PrivilegeWrite)

	if err := env.Members.RemoveMember(ctx, owner.ID, conv.ID, member.ID); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	got, err := env.Store.Conversations().Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !got.RotationPending {
		t.Fatal("removal must flag the conversation for rotation")
	}

	// Client-side rotation covering only the owner.
	rot, err := epoch.Rotate(created.PrivateKey, [][]byte{owner.PublicKey})
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	newEpoch, err := env.Epochs.SubmitRotation(ctx, &epoch.Submission{
		ConversationID:   conv.ID,
		ExpectedEpoch:    1,
		NewPublicKey:     rot.NewPublicKey,
		ConfirmationHash: rot.ConfirmationHash,
		Wraps:            rot.Wraps,
		ChainLink:        rot.ChainLink,
	})
	if err != nil {
		t.Fatalf("SubmitRotation: %v", err)
	}
	if newEpoch != 2 {
		t.Fatalf("expected epoch 2, got %d", newEpoch)
	}

	got, _ = env.Store.Conversations().Get(ctx, conv.ID)
	if got.CurrentEpoch != 2 || got.RotationPending {
		t.Fatalf("conversation not advanced: epoch=%d pending=%v", got.CurrentEpoch, got.RotationPending)
	}

	// Previous epoch's wraps are gone; the new epoch covers only the owner.
	oldWraps, err := env.Store.Epochs().WrapsForEpoch(ctx, conv.ID, 1)
	if err != nil {
		t.Fatalf("wraps for epoch 1: %v", err)
	}
	if len(oldWraps) != 0 {
		t.Fatalf("expected epoch 1 wraps deleted, found %d", len(oldWraps))
	}
	newWraps, _ := env.Store.Epochs().WrapsForEpoch(ctx, conv.ID, 2)
	if len(newWraps) != 1 {
		t.Fatalf("expected 1 wrap for epoch 2, found %d", len(newWraps))
	}

	// The removed member is marked left and the queue is clear.
	if _, err := env.Store.Members().ActiveByAccount(ctx, conv.ID, other.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("removed member still active: %v", err)
	}
	removals, _ := env.Store.Removals().ForConversation(ctx, conv.ID)
	if len(removals) != 0 {
		t.Fatalf("removal queue not cleared: %d left", len(removals))
	}

	if _, ok := env.Pub.Last(broadcast.TypeRotationComplete); !ok {
		t.Fatal("rotation:complete was not broadcast")
	}
}

func TestSubmitRotationRejectsStaleEpoch(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	conv, created := env.NewConversation(owner)

	rot, _ := epoch.Rotate(created.PrivateKey, [][]byte{owner.PublicKey})
	if _, err := env.Epochs.SubmitRotation(ctx, &epoch.Submission{
		ConversationID:   conv.ID,
		ExpectedEpoch:    1,
		NewPublicKey:     rot.NewPublicKey,
		ConfirmationHash: rot.ConfirmationHash,
		Wraps:            rot.Wraps,
		ChainLink:        rot.ChainLink,
	}); err != nil {
		t.Fatalf("first rotation: %v", err)
	}

	// A concurrent client lost the race and submits against epoch 1 again.
	rot2, _ := epoch.Rotate(created.PrivateKey, [][]byte{owner.PublicKey})
	_, err := env.Epochs.SubmitRotation(ctx, &epoch.Submission{
		ConversationID:   conv.ID,
		ExpectedEpoch:    1,
		NewPublicKey:     rot2.NewPublicKey,
		ConfirmationHash: rot2.ConfirmationHash,
		Wraps:            rot2.Wraps,
		ChainLink:        rot2.ChainLink,
	})
	if !apierr.IsCode(err, apierr.CodeStaleEpoch) {
		t.Fatalf("expected stale-epoch, got %v", err)
	}
}

func TestSubmitRotationRejectsWrapSetMismatch(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	other := env.NewAccount("other", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, other, created.PrivateKey, model.PrivilegeWrite)

	// Wraps cover only the owner although the other member remains.
	rot, _ := epoch.Rotate(created.PrivateKey, [][]byte{owner.PublicKey})
	_, err := env.Epochs.SubmitRotation(ctx, &epoch.Submission{
		ConversationID:   conv.ID,
		ExpectedEpoch:    1,
		NewPublicKey:     rot.NewPublicKey,
		ConfirmationHash: rot.ConfirmationHash,
		Wraps:            rot.Wraps,
		ChainLink:        rot.ChainLink,
	})
	if !apierr.IsCode(err, apierr.CodeWrapSetMismatch) {
		t.Fatalf("expected wrap-set-mismatch, got %v", err)
	}
}
