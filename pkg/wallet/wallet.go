// Package wallet implements the multi-wallet billing substrate: priority
// -ordered debits with an owner-only negative floor, idempotent webhook
// deposits, lazy free-tier renewal at UTC midnight, and the append-only
// ledger every balance change flows through.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

// Debit priorities: purchased funds drain before the daily free allowance.
const (
	PriorityPurchased = 1
	PriorityFreeTier  = 2
)

// Service implements wallet operations. FreeAllowance and MaxNegative come
// from configuration; the clock is injected so renewal boundaries are
// testable.
type Service struct {
	store         store.Store
	clock         store.Clock
	freeAllowance decimal.Decimal
	maxNegative   decimal.Decimal
}

// NewService wires a wallet Service.
func NewService(st store.Store, clock store.Clock, freeAllowance, maxNegative decimal.Decimal) *Service {
	return &Service{store: st, clock: clock, freeAllowance: freeAllowance, maxNegative: maxNegative}
}

// CreateForAccount provisions the standard wallet pair for a new account: a
// purchased wallet (optionally seeded with a welcome credit) and a free-tier
// wallet filled to the daily allowance.
func (s *Service) CreateForAccount(ctx context.Context, accountID uuid.UUID, welcome decimal.Decimal) error {
	now := s.clock.Now()
	aid := accountID
	purchased := &model.Wallet{
		ID:        uuid.New(),
		OwnerID:   &aid,
		Type:      model.WalletPurchased,
		Balance:   welcome,
		Priority:  PriorityPurchased,
		CreatedAt: now,
	}
	free := &model.Wallet{
		ID:        uuid.New(),
		OwnerID:   &aid,
		Type:      model.WalletFreeTier,
		Balance:   s.freeAllowance,
		Priority:  PriorityFreeTier,
		CreatedAt: now,
	}

	return s.store.Atomic(ctx, func(tx store.Store) error {
		if err := tx.Wallets().Insert(ctx, purchased); err != nil {
			return err
		}
		if err := tx.Wallets().Insert(ctx, free); err != nil {
			return err
		}
		if welcome.IsPositive() {
			if err := tx.Ledger().Append(ctx, model.NewWelcomeCreditEntry(purchased.ID, welcome, welcome, now)); err != nil {
				return err
			}
		}
		return tx.Ledger().Append(ctx, model.NewRenewalEntry(free.ID, s.freeAllowance, s.freeAllowance, now))
	})
}

// Wallets returns the account's wallets in debit order after applying the
// lazy free-tier renewal. Every balance read passes through here, so the
// renewal needs no scheduler.
func (s *Service) Wallets(ctx context.Context, accountID uuid.UUID) ([]model.Wallet, error) {
	if err := s.renewFreeTier(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.Wallets().ForAccount(ctx, accountID)
}

// TotalBalance sums the account's wallet balances (after lazy renewal).
func (s *Service) TotalBalance(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	ws, err := s.Wallets(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, w := range ws {
		total = total.Add(w.Balance)
	}
	return total, nil
}

// renewFreeTier tops the free-tier wallet back up to the allowance when its
// last renewal predates today's UTC midnight. The balance < allowance guard
// makes concurrent reads idempotent: the second writer sees a full wallet
// and skips.
func (s *Service) renewFreeTier(ctx context.Context, accountID uuid.UUID) error {
	ws, err := s.store.Wallets().ForAccount(ctx, accountID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	for _, w := range ws {
		if w.Type != model.WalletFreeTier {
			continue
		}
		last, ok, err := s.store.Ledger().LastRenewal(ctx, w.ID)
		if err != nil {
			return err
		}
		if ok && !last.Before(midnight) {
			return nil
		}
		return s.store.Atomic(ctx, func(tx store.Store) error {
			fresh, err := tx.Wallets().Get(ctx, w.ID)
			if err != nil {
				return err
			}
			if fresh.Balance.GreaterThanOrEqual(s.freeAllowance) {
				return nil
			}
			delta := s.freeAllowance.Sub(fresh.Balance)
			if err := tx.Wallets().SetBalance(ctx, w.ID, s.freeAllowance); err != nil {
				return err
			}
			return tx.Ledger().Append(ctx, model.NewRenewalEntry(w.ID, delta, s.freeAllowance, now))
		})
	}
	return nil
}

// DebitResult reports which wallet paid and its post-debit balance.
type DebitResult struct {
	WalletID   uuid.UUID
	WalletType model.WalletType
	NewBalance decimal.Decimal
}

// Debit executes the debit protocol against the provided transactional
// store view (it must run inside the caller's commit transaction):
//
//  1. walk the payer's wallets in ascending priority,
//  2. take the first with sufficient balance,
//  3. otherwise, when allowNegative (owner covering group spend), permit a
//     purchased wallet to go as low as -maxNegative,
//  4. update the balance and append the usage_charge ledger entry.
func (s *Service) Debit(ctx context.Context, tx store.Store, payerID uuid.UUID, amount decimal.Decimal, usageRecordID uuid.UUID, allowNegative bool) (*DebitResult, error) {
	if !amount.IsPositive() {
		return nil, errors.New("wallet: debit amount must be positive")
	}

	ws, err := tx.Wallets().ForAccount(ctx, payerID)
	if err != nil {
		return nil, err
	}

	var chosen *model.Wallet
	for i := range ws {
		if ws[i].Balance.GreaterThanOrEqual(amount) {
			chosen = &ws[i]
			break
		}
	}
	if chosen == nil && allowNegative {
		floor := s.maxNegative.Neg()
		for i := range ws {
			if ws[i].Type != model.WalletPurchased {
				continue
			}
			if ws[i].Balance.Sub(amount).GreaterThanOrEqual(floor) {
				chosen = &ws[i]
				break
			}
		}
	}
	if chosen == nil {
		total := decimal.Zero
		for _, w := range ws {
			total = total.Add(w.Balance)
		}
		return nil, apierr.New(apierr.CodePremiumRequiresBalance, "insufficient funds").
			WithDetail("currentBalance", total.StringFixed(2))
	}

	newBalance := chosen.Balance.Sub(amount)
	if err := tx.Wallets().SetBalance(ctx, chosen.ID, newBalance); err != nil {
		return nil, err
	}
	if err := tx.Ledger().Append(ctx, model.NewUsageChargeEntry(chosen.ID, amount.Neg(), newBalance, usageRecordID, s.clock.Now())); err != nil {
		return nil, err
	}

	return &DebitResult{WalletID: chosen.ID, WalletType: chosen.Type, NewBalance: newBalance}, nil
}

// RecordPayment registers a pending external payment ahead of its webhook.
func (s *Service) RecordPayment(ctx context.Context, accountID uuid.UUID, externalID string, amount decimal.Decimal) (*model.Payment, error) {
	now := s.clock.Now()
	aid := accountID
	p := &model.Payment{
		ID:         uuid.New(),
		AccountID:  &aid,
		ExternalID: externalID,
		Amount:     amount,
		Status:     model.PaymentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Payments().Insert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ErrUnknownPayment signals a webhook referencing a transaction this system
// has never seen; the caller retries with backoff before surfacing 500 so
// the processor redelivers later.
var ErrUnknownPayment = errors.New("wallet: unknown payment transaction")

// ConfirmDeposit applies a payment-processor webhook idempotently: the
// payment state is checked before any write, and webhooks for already
// -confirmed payments succeed without touching the wallet or ledger.
func (s *Service) ConfirmDeposit(ctx context.Context, externalID string) error {
	p, err := s.store.Payments().GetByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownPayment
	}
	if err != nil {
		return err
	}
	if p.Status == model.PaymentConfirmed {
		zap.L().Info("duplicate payment webhook ignored", zap.String("external_id", externalID))
		return nil
	}
	if p.AccountID == nil {
		return errors.New("wallet: payment has no account")
	}

	now := s.clock.Now()
	return s.store.Atomic(ctx, func(tx store.Store) error {
		// Balance is read inside the transaction so a concurrent debit is
		// not overwritten.
		ws, err := tx.Wallets().ForAccount(ctx, *p.AccountID)
		if err != nil {
			return err
		}
		var purchased *model.Wallet
		for i := range ws {
			if ws[i].Type == model.WalletPurchased {
				purchased = &ws[i]
				break
			}
		}
		if purchased == nil {
			return errors.New("wallet: account has no purchased wallet")
		}
		newBalance := purchased.Balance.Add(p.Amount)
		if err := tx.Wallets().SetBalance(ctx, purchased.ID, newBalance); err != nil {
			return err
		}
		if err := tx.Ledger().Append(ctx, model.NewDepositEntry(purchased.ID, p.Amount, newBalance, p.ID, now)); err != nil {
			return err
		}
		return tx.Payments().SetStatus(ctx, p.ID, model.PaymentConfirmed, now)
	})
}

// RefundDeposit reverses a confirmed deposit after the processor claws the
// payment back. The purchased balance may go negative; the money is already
// gone. Idempotent on redelivery.
func (s *Service) RefundDeposit(ctx context.Context, externalID string) error {
	p, err := s.store.Payments().GetByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownPayment
	}
	if err != nil {
		return err
	}
	if p.Status == model.PaymentRefunded {
		zap.L().Info("duplicate refund webhook ignored", zap.String("external_id", externalID))
		return nil
	}
	if p.Status != model.PaymentConfirmed {
		return fmt.Errorf("wallet: refund of %s payment %s", p.Status, externalID)
	}
	if p.AccountID == nil {
		return errors.New("wallet: payment has no account")
	}

	now := s.clock.Now()
	return s.store.Atomic(ctx, func(tx store.Store) error {
		ws, err := tx.Wallets().ForAccount(ctx, *p.AccountID)
		if err != nil {
			return err
		}
		var purchased *model.Wallet
		for i := range ws {
			if ws[i].Type == model.WalletPurchased {
				purchased = &ws[i]
				break
			}
		}
		if purchased == nil {
			return errors.New("wallet: account has no purchased wallet")
		}
		newBalance := purchased.Balance.Sub(p.Amount)
		if err := tx.Wallets().SetBalance(ctx, purchased.ID, newBalance); err != nil {
			return err
		}
		if err := tx.Ledger().Append(ctx, model.NewRefundEntry(purchased.ID, p.Amount.Neg(), newBalance, p.ID, now)); err != nil {
			return err
		}
		return tx.Payments().SetStatus(ctx, p.ID, model.PaymentRefunded, now)
	})
}

// Audit recomputes a wallet's balance from its ledger and reports whether it
// matches the stored balance (the Σ-amounts invariant).
func (s *Service) Audit(ctx context.Context, walletID uuid.UUID) (bool, error) {
	w, err := s.store.Wallets().Get(ctx, walletID)
	if err != nil {
		return false, err
	}
	entries, err := s.store.Ledger().ForWallet(ctx, walletID)
	if err != nil {
		return false, err
	}
	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}
	return sum.Equal(w.Balance), nil
}
