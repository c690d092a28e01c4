package epoch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/ecies"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

// Manager executes the server side of the epoch lifecycle. It never sees an
// epoch private key: clients submit wraps and chain links, the manager
// validates set coverage and commits atomically.
type Manager struct {
	store store.Store
	clock store.Clock
	pub   broadcast.Publisher
}

// NewManager wires a Manager.
func NewManager(st store.Store, clock store.Clock, pub broadcast.Publisher) *Manager {
	return &Manager{store: st, clock: clock, pub: pub}
}

// Submission is a client's atomic rotation request: the next epoch's public
// key material, a wrap for every remaining principal, the chain link, and
// optionally a re-encrypted conversation title.
type Submission struct {
	ConversationID   uuid.UUID
	ExpectedEpoch    int64
	NewPublicKey     []byte
	ConfirmationHash []byte
	Wraps            []MemberWrap
	ChainLink        []byte
	EncryptedTitle   []byte
}

// SubmitRotation runs the rotation transaction under the per-conversation
// advisory lock:
//
//  1. re-read the current epoch; reject stale-epoch when it moved,
//  2. verify the wrap set exactly covers the remaining principals
//     (active members ∪ active links, minus pending removals),
//  3. insert the new epoch row, its wraps, delete the previous epoch's
//     wraps, mark removed members left, clear the removal queue, advance
//     the conversation epoch, and optionally swap the title blob,
//  4. broadcast rotation:complete.
//
// Returns the new epoch number.
func (m *Manager) SubmitRotation(ctx context.Context, sub *Submission) (int64, error) {
	if len(sub.NewPublicKey) != ecies.KeySize || len(sub.ConfirmationHash) != 32 {
		return 0, apierr.New(apierr.CodeWrapSetMismatch, "malformed epoch key material")
	}

	var newEpoch int64
	err := m.store.LockConversation(ctx, sub.ConversationID, func(s store.Store) error {
		conv, err := s.Conversations().Get(ctx, sub.ConversationID)
		if err != nil {
			return convErr(err)
		}
		if conv.CurrentEpoch != sub.ExpectedEpoch {
			return apierr.New(apierr.CodeStaleEpoch, "conversation epoch advanced").
				WithDetail("currentEpoch", conv.CurrentEpoch)
		}

		removedIDs, required, err := m.remainingPrincipals(ctx, s, conv.ID)
		if err != nil {
			return err
		}
		if err := matchWrapSet(required, sub.Wraps); err != nil {
			return err
		}

		newEpoch = conv.CurrentEpoch + 1
		now := m.clock.Now()

		return s.Atomic(ctx, func(tx store.Store) error {
			if err := tx.Epochs().Insert(ctx, &model.Epoch{
				ID:               uuid.New(),
				ConversationID:   conv.ID,
				Number:           newEpoch,
				PublicKey:        sub.NewPublicKey,
				ConfirmationHash: sub.ConfirmationHash,
				ChainLink:        sub.ChainLink,
				CreatedAt:        now,
			}); err != nil {
				return err
			}

			wraps := make([]model.EpochWrap, 0, len(sub.Wraps))
			for _, w := range sub.Wraps {
				p := required[string(w.MemberPublicKey)]
				wraps = append(wraps, model.EpochWrap{
					ID:               uuid.New(),
					ConversationID:   conv.ID,
					EpochNumber:      newEpoch,
					MemberPublicKey:  w.MemberPublicKey,
					Wrap:             w.Wrap,
					Privilege:        p.privilege,
					VisibleFromEpoch: p.visibleFrom,
				})
			}
			if err := tx.Epochs().InsertWraps(ctx, wraps); err != nil {
				return err
			}
			if err := tx.Epochs().DeleteWrapsForEpoch(ctx, conv.ID, conv.CurrentEpoch); err != nil {
				return err
			}

			for _, memberID := range removedIDs {
				mem, err := tx.Members().Get(ctx, memberID)
				if err != nil {
					return err
				}
				if mem.Active() {
					if err := tx.Members().SetLeft(ctx, memberID, now); err != nil {
						return err
					}
				}
			}
			if err := tx.Removals().Clear(ctx, conv.ID); err != nil {
				return err
			}

			return tx.Conversations().AdvanceEpoch(ctx, conv.ID, newEpoch, sub.EncryptedTitle, newEpoch)
		})
	})
	if err != nil {
		return 0, err
	}

	zap.L().Info("epoch rotated",
		zap.Stringer("conversation", sub.ConversationID),
		zap.Int64("epoch", newEpoch))
	m.pub.Publish(sub.ConversationID, broadcast.Event{
		Type:    broadcast.TypeRotationComplete,
		Payload: broadcast.RotationComplete{NewEpochNumber: newEpoch},
	})
	return newEpoch, nil
}

// principal carries the replicated attributes a wrap inherits.
type principal struct {
	privilege   model.Privilege
	visibleFrom int64
}

// remainingPrincipals computes the exact public-key set a rotation's wraps
// must cover, plus the member ids queued for removal.
func (m *Manager) remainingPrincipals(ctx context.Context, s store.Store, conversationID uuid.UUID) ([]uuid.UUID, map[string]principal, error) {
	pending, err := s.Removals().ForConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	removed := make(map[uuid.UUID]bool, len(pending))
	removedIDs := make([]uuid.UUID, 0, len(pending))
	for _, r := range pending {
		removed[r.MemberID] = true
		removedIDs = append(removedIDs, r.MemberID)
	}

	active, err := s.Members().Active(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}

	required := make(map[string]principal)
	for _, mem := range active {
		if removed[mem.ID] {
			continue
		}
		var pub []byte
		switch {
		case mem.AccountID != nil:
			acct, err := s.Accounts().Get(ctx, *mem.AccountID)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve member account: %w", err)
			}
			pub = acct.PublicKey
		case mem.LinkID != nil:
			link, err := s.Links().Get(ctx, *mem.LinkID)
			if err != nil {
				return nil, nil, fmt.Errorf("resolve member link: %w", err)
			}
			if !link.Active() {
				continue
			}
			pub = link.PublicKey
		}
		required[string(pub)] = principal{privilege: mem.Privilege, visibleFrom: mem.VisibleFromEpoch}
	}
	return removedIDs, required, nil
}

// matchWrapSet rejects submissions whose wraps do not exactly cover the
// remaining membership.
func matchWrapSet(required map[string]principal, wraps []MemberWrap) error {
	seen := make(map[string]bool, len(wraps))
	for _, w := range wraps {
		k := string(w.MemberPublicKey)
		if _, ok := required[k]; !ok {
			return apierr.New(apierr.CodeWrapSetMismatch, "wrap for non-member key").
				WithDetail("publicKey", hex.EncodeToString(w.MemberPublicKey))
		}
		if seen[k] {
			return apierr.New(apierr.CodeWrapSetMismatch, "duplicate wrap")
		}
		seen[k] = true
	}
	if len(seen) != len(required) {
		return apierr.Newf(apierr.CodeWrapSetMismatch, "wrap set covers %d of %d principals", len(seen), len(required))
	}
	return nil
}

// FlagRotation marks a conversation rotation-pending and queues the member
// for removal; the next write-privileged send performs the actual rotation.
// Collapses naturally: multiple queued removals share one rotation.
func (m *Manager) FlagRotation(ctx context.Context, conversationID, memberID uuid.UUID) error {
	return m.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Removals().Enqueue(ctx, &model.PendingRemoval{
			ID:             uuid.New(),
			ConversationID: conversationID,
			MemberID:       memberID,
			QueuedAt:       m.clock.Now(),
		}); err != nil {
			return err
		}
		return tx.Conversations().SetRotationPending(ctx, conversationID, true)
	})
}

// RotationRequiredError builds the in-band rotation-required signal with the
// details a client needs to rotate and retry.
func (m *Manager) RotationRequiredError(ctx context.Context, conversationID uuid.UUID, currentEpoch int64) error {
	pending, err := m.store.Removals().ForConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(pending))
	for _, r := range pending {
		ids = append(ids, r.MemberID.String())
	}
	return apierr.New(apierr.CodeRotationRequired, "conversation has pending removals").
		WithDetail("currentEpoch", currentEpoch).
		WithDetail("pendingRemovalIds", ids)
}

func convErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	return err
}
