package stream

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

// Shares manages standalone shared messages: an opaque blob the client
// encrypted under a share secret it never sends us. KeyID is derived from
// the secret client-side and is the only lookup handle.
type Shares struct {
	store store.Store
	clock store.Clock
}

func NewShares(st store.Store, clock store.Clock) *Shares {
	return &Shares{store: st, clock: clock}
}

// Create stores a share. ttl of zero means the share never expires.
func (s *Shares) Create(ctx context.Context, keyID, blob []byte, ttl time.Duration) (*model.SharedMessage, error) {
	if len(keyID) == 0 || len(blob) == 0 {
		return nil, apierr.New(apierr.CodeInternal, "empty share")
	}
	sm := &model.SharedMessage{
		ID:        uuid.New(),
		KeyID:     keyID,
		Blob:      blob,
		CreatedAt: s.clock.Now(),
	}
	if ttl > 0 {
		exp := sm.CreatedAt.Add(ttl)
		sm.ExpiresAt = &exp
	}
	if err := s.store.Shares().Insert(ctx, sm); err != nil {
		return nil, err
	}
	return sm, nil
}

// Get fetches a share by key id. Expired shares read as absent and are
// reaped on the way.
func (s *Shares) Get(ctx context.Context, keyID []byte) (*model.SharedMessage, error) {
	sm, err := s.store.Shares().GetByKeyID(ctx, keyID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apierr.New(apierr.CodeConversationNotFound, "share not found")
	}
	if err != nil {
		return nil, err
	}
	if sm.ExpiresAt != nil && s.clock.Now().After(*sm.ExpiresAt) {
		_ = s.store.Shares().Delete(ctx, sm.ID)
		return nil, apierr.New(apierr.CodeConversationNotFound, "share not found")
	}
	return sm, nil
}
