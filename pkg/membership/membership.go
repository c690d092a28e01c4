// Package membership manages conversation principals: adding members without
// rotation, queued removals and voluntary leaves, shared-link creation and
// revocation, and privilege changes. All privilege checks are server
// -enforced; read-only members already hold the decryption key, so the
// matrix gates writes and management, not decryption.
package membership

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/broadcast"
	"github.com/veilchat/veilchat/pkg/ecies"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

// Service implements membership operations.
type Service struct {
	store  store.Store
	clock  store.Clock
	epochs *epoch.Manager
	pub    broadcast.Publisher
	hubs   *broadcast.Registry
}

// NewService wires a membership Service. hubs may be nil in tests that do
// not exercise subscriber lockout.
func NewService(st store.Store, clock store.Clock, epochs *epoch.Manager, pub broadcast.Publisher, hubs *broadcast.Registry) *Service {
	return &Service{store: st, clock: clock, epochs: epochs, pub: pub, hubs: hubs}
}

// NewConversation describes a conversation creation request: the owner's
// first-epoch material produced client-side (epoch.CreateFirst).
type NewConversation struct {
	OwnerID          uuid.UUID
	EpochPublicKey   []byte
	ConfirmationHash []byte
	OwnerWrap        []byte
	EncryptedTitle   []byte
}

// CreateConversation creates the conversation at epoch 1 with the owner as
// sole member.
func (s *Service) CreateConversation(ctx context.Context, req *NewConversation) (*model.Conversation, error) {
	owner, err := s.store.Accounts().Get(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(req.EpochPublicKey) != ecies.KeySize {
		return nil, apierr.New(apierr.CodeWrapSetMismatch, "malformed epoch public key")
	}

	now := s.clock.Now()
	conv := &model.Conversation{
		ID:           uuid.New(),
		OwnerID:      owner.ID,
		CurrentEpoch: 1,
		NextSequence: 1,
		Title:        req.EncryptedTitle,
		TitleEpoch:   1,
		CreatedAt:    now,
	}

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Conversations().Insert(ctx, conv); err != nil {
			return err
		}
		if err := tx.Epochs().Insert(ctx, &model.Epoch{
			ID:               uuid.New(),
			ConversationID:   conv.ID,
			Number:           1,
			PublicKey:        req.EpochPublicKey,
			ConfirmationHash: req.ConfirmationHash,
			CreatedAt:        now,
		}); err != nil {
			return err
		}
		ownerID := owner.ID
		member := &model.Member{
			ID:               uuid.New(),
			ConversationID:   conv.ID,
			AccountID:        &ownerID,
			Privilege:        model.PrivilegeOwner,
			VisibleFromEpoch: 1,
			JoinedAt:         now,
		}
		if err := tx.Members().Insert(ctx, member); err != nil {
			return err
		}
		return tx.Epochs().InsertWraps(ctx, []model.EpochWrap{{
			ID:               uuid.New(),
			ConversationID:   conv.ID,
			EpochNumber:      1,
			MemberPublicKey:  owner.PublicKey,
			Wrap:             req.OwnerWrap,
			Privilege:        model.PrivilegeOwner,
			VisibleFromEpoch: 1,
		}})
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// requireActor resolves the acting account's active membership, translating
// both missing conversations and non-membership to conversation-not-found
// (never disambiguated).
func (s *Service) requireActor(ctx context.Context, conversationID, accountID uuid.UUID) (*model.Conversation, *model.Member, error) {
	conv, err := s.store.Conversations().Get(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, nil, err
	}
	actor, err := s.store.Members().ActiveByAccount(ctx, conversationID, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apierr.New(apierr.CodeConversationNotFound, "conversation not found")
	}
	if err != nil {
		return nil, nil, err
	}
	return conv, actor, nil
}

// AddMember adds an account as member without rotating: the actor decrypted
// the current epoch key locally and submits a wrap for the target. New
// members see full history by default (visibleFromEpoch = 1) unless the
// caller floors it.
func (s *Service) AddMember(ctx context.Context, actorID, conversationID, targetID uuid.UUID, wrap []byte, privilege model.Privilege, visibleFrom int64) (*model.Member, error) {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Privilege.CanManageMembers() {
		return nil, apierr.New(apierr.CodePrivilegeInsufficient, "adding members requires admin")
	}
	if !privilege.Valid() || privilege == model.PrivilegeOwner {
		return nil, apierr.New(apierr.CodePrivilegeInsufficient, "invalid privilege for added member")
	}

	target, err := s.store.Accounts().Get(ctx, targetID)
	if err != nil {
		return nil, err
	}
	if visibleFrom < 1 {
		visibleFrom = 1
	}

	tid := target.ID
	member := &model.Member{
		ID:               uuid.New(),
		ConversationID:   conv.ID,
		AccountID:        &tid,
		Privilege:        privilege,
		VisibleFromEpoch: visibleFrom,
		JoinedAt:         s.clock.Now(),
	}

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Members().Insert(ctx, member); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apierr.New(apierr.CodeAlreadyMember, "account is already an active member")
			}
			return err
		}
		return tx.Epochs().InsertWraps(ctx, []model.EpochWrap{{
			ID:               uuid.New(),
			ConversationID:   conv.ID,
			EpochNumber:      conv.CurrentEpoch,
			MemberPublicKey:  target.PublicKey,
			Wrap:             wrap,
			Privilege:        privilege,
			VisibleFromEpoch: visibleFrom,
		}})
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(conv.ID, broadcast.Event{
		Type:    broadcast.TypeMemberAdded,
		Payload: broadcast.MemberChange{MemberID: member.ID, AccountID: member.AccountID},
	})
	return member, nil
}

// RemoveMember queues a member removal. The server-side lockout is
// immediate (leftAt set, hub connection dropped); the cryptographic
// rotation rides the next write-privileged send.
func (s *Service) RemoveMember(ctx context.Context, actorID, conversationID, memberID uuid.UUID) error {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !actor.Privilege.CanManageMembers() {
		return apierr.New(apierr.CodePrivilegeInsufficient, "removing members requires admin")
	}

	target, err := s.store.Members().Get(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return apierr.New(apierr.CodeConversationNotFound, "member not found")
	}
	if err != nil {
		return err
	}
	if target.ConversationID != conv.ID || !target.Active() {
		return apierr.New(apierr.CodeConversationNotFound, "member not found")
	}
	if target.Privilege == model.PrivilegeOwner {
		return apierr.New(apierr.CodeCannotRemoveOwner, "the owner cannot be removed")
	}
	if target.ID == actor.ID {
		return apierr.New(apierr.CodeCannotRemoveSelf, "use leave to remove yourself")
	}
	// Admins manage members below admin; only the owner demotes admins.
	if target.Privilege == model.PrivilegeAdmin && actor.Privilege != model.PrivilegeOwner {
		return apierr.New(apierr.CodePrivilegeInsufficient, "only the owner can remove an admin")
	}

	return s.retire(ctx, conv.ID, target)
}

// Leave is the voluntary self-removal path. An owner leaving deletes the
// conversation entirely (cascade).
func (s *Service) Leave(ctx context.Context, actorID, conversationID uuid.UUID) error {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if actor.Privilege == model.PrivilegeOwner {
		zap.L().Info("owner left, deleting conversation", zap.Stringer("conversation", conv.ID))
		return s.store.Conversations().Delete(ctx, conv.ID)
	}
	return s.retire(ctx, conv.ID, actor)
}

// retire applies the shared removal mechanics: immediate lockout, removal
// queue entry, rotation flag, notifications.
func (s *Service) retire(ctx context.Context, conversationID uuid.UUID, target *model.Member) error {
	now := s.clock.Now()
	err := s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Members().SetLeft(ctx, target.ID, now); err != nil {
			return err
		}
		if err := tx.Removals().Enqueue(ctx, &model.PendingRemoval{
			ID:             uuid.New(),
			ConversationID: conversationID,
			MemberID:       target.ID,
			QueuedAt:       now,
		}); err != nil {
			return err
		}
		return tx.Conversations().SetRotationPending(ctx, conversationID, true)
	})
	if err != nil {
		return err
	}

	if s.hubs != nil {
		s.hubs.Hub(conversationID).Drop(target.AccountID, target.LinkID)
	}
	s.pub.Publish(conversationID, broadcast.Event{
		Type:    broadcast.TypeMemberRemoved,
		Payload: broadcast.MemberChange{MemberID: target.ID, AccountID: target.AccountID, LinkID: target.LinkID},
	})
	s.pub.Publish(conversationID, broadcast.Event{Type: broadcast.TypeRotationPending})
	return nil
}

// CreateLink mints a shared link as a virtual member. The actor wraps the
// current epoch key under the link public key (derived client-side from the
// URL-fragment secret). Links carry read or write privilege only.
func (s *Service) CreateLink(ctx context.Context, actorID, conversationID uuid.UUID, linkPub, wrap []byte, privilege model.Privilege, visibleFrom int64) (*model.SharedLink, error) {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Privilege.CanManageMembers() {
		return nil, apierr.New(apierr.CodePrivilegeInsufficient, "managing links requires admin")
	}
	if privilege != model.PrivilegeRead && privilege != model.PrivilegeWrite {
		return nil, apierr.New(apierr.CodePrivilegeInsufficient, "links carry read or write privilege")
	}
	if len(linkPub) != ecies.KeySize {
		return nil, apierr.New(apierr.CodeWrapSetMismatch, "malformed link public key")
	}
	if visibleFrom < 1 {
		visibleFrom = conv.CurrentEpoch
	}

	now := s.clock.Now()
	link := &model.SharedLink{
		ID:               uuid.New(),
		ConversationID:   conv.ID,
		PublicKey:        linkPub,
		Privilege:        privilege,
		VisibleFromEpoch: visibleFrom,
		CreatedAt:        now,
	}
	linkID := link.ID
	member := &model.Member{
		ID:               uuid.New(),
		ConversationID:   conv.ID,
		LinkID:           &linkID,
		Privilege:        privilege,
		VisibleFromEpoch: visibleFrom,
		JoinedAt:         now,
	}

	err = s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Links().Insert(ctx, link); err != nil {
			return err
		}
		if err := tx.Members().Insert(ctx, member); err != nil {
			return err
		}
		return tx.Epochs().InsertWraps(ctx, []model.EpochWrap{{
			ID:               uuid.New(),
			ConversationID:   conv.ID,
			EpochNumber:      conv.CurrentEpoch,
			MemberPublicKey:  linkPub,
			Wrap:             wrap,
			Privilege:        privilege,
			VisibleFromEpoch: visibleFrom,
		}})
	})
	if err != nil {
		return nil, err
	}

	s.pub.Publish(conv.ID, broadcast.Event{
		Type:    broadcast.TypeMemberAdded,
		Payload: broadcast.MemberChange{MemberID: member.ID, LinkID: &linkID},
	})
	return link, nil
}

// RevokeLink revokes a shared link and queues its virtual member for
// rotation, with the same immediate lockout as member removal.
func (s *Service) RevokeLink(ctx context.Context, actorID, conversationID, linkID uuid.UUID) error {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !actor.Privilege.CanManageMembers() {
		return apierr.New(apierr.CodePrivilegeInsufficient, "managing links requires admin")
	}

	link, err := s.store.Links().Get(ctx, linkID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && link.ConversationID != conv.ID) {
		return apierr.New(apierr.CodeConversationNotFound, "link not found")
	}
	if err != nil {
		return err
	}
	if !link.Active() {
		return nil // revoking twice is a no-op
	}

	member, err := s.store.Members().ActiveByLink(ctx, conv.ID, link.ID)
	if err != nil {
		return err
	}

	if err := s.store.Links().Revoke(ctx, link.ID, s.clock.Now()); err != nil {
		return err
	}
	return s.retire(ctx, conv.ID, member)
}

// SetPrivilege updates a member's privilege. Only the owner touches admins
// (either direction); the owner's own row is immutable.
func (s *Service) SetPrivilege(ctx context.Context, actorID, conversationID, memberID uuid.UUID, p model.Privilege) error {
	conv, actor, err := s.requireActor(ctx, conversationID, actorID)
	if err != nil {
		return err
	}
	if !actor.Privilege.CanManageMembers() {
		return apierr.New(apierr.CodePrivilegeInsufficient, "changing privileges requires admin")
	}
	if !p.Valid() || p == model.PrivilegeOwner {
		return apierr.New(apierr.CodePrivilegeInsufficient, "cannot grant owner privilege")
	}

	target, err := s.store.Members().Get(ctx, memberID)
	if err != nil || target.ConversationID != conv.ID || !target.Active() {
		return apierr.New(apierr.CodeConversationNotFound, "member not found")
	}
	if target.Privilege == model.PrivilegeOwner {
		return apierr.New(apierr.CodeCannotRemoveOwner, "the owner's privilege is fixed")
	}
	if (target.Privilege == model.PrivilegeAdmin || p == model.PrivilegeAdmin) && actor.Privilege != model.PrivilegeOwner {
		return apierr.New(apierr.CodePrivilegeInsufficient, "only the owner manages admins")
	}
	if target.IsLink() && p != model.PrivilegeRead && p != model.PrivilegeWrite {
		return apierr.New(apierr.CodePrivilegeInsufficient, "links carry read or write privilege")
	}
	return s.store.Members().SetPrivilege(ctx, target.ID, p)
}

// DeleteAccount disassembles an account: voluntary leave of every
// conversation (queuing rotations), deletion of owned conversations,
// detachment of wallets (financial history survives with a nulled owner),
// and finally removal of the account row.
func (s *Service) DeleteAccount(ctx context.Context, accountID uuid.UUID) error {
	memberships, err := s.store.Members().ConversationsOf(ctx, accountID)
	if err != nil {
		return err
	}
	for _, mem := range memberships {
		if err := s.Leave(ctx, accountID, mem.ConversationID); err != nil {
			return err
		}
	}
	if err := s.store.Wallets().DetachOwner(ctx, accountID); err != nil {
		return err
	}
	return s.store.Accounts().Delete(ctx, accountID)
}
