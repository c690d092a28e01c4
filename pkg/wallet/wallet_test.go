package wallet_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/internal/testutil"
	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
	"github.com/veilchat/veilchat/pkg/wallet"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCreateForAccountSeedsBothWallets(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("alice", d("5.00"))

	ws, err := env.Wallets.Wallets(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Wallets: %v", err)
	}
	if len(ws) != 2 {
		t.Fatalf("expected 2 wallets, got %d", len(ws))
	}
	if ws[0].Type != model.WalletPurchased || !ws[0].Balance.Equal(d("5.00")) {
		t.Fatalf("first wallet should be purchased with the welcome credit, got %s %s", ws[0].Type, ws[0].Balance)
	}
	if ws[1].Type != model.WalletFreeTier || !ws[1].Balance.Equal(env.FreeAllowance) {
		t.Fatalf("second wallet should be free tier at the allowance, got %s %s", ws[1].Type, ws[1].Balance)
	}

	// Ledger entries match the seeded balances.
	for _, w := range ws {
		ok, err := env.Wallets.Audit(ctx, w.ID)
		if err != nil {
			t.Fatalf("Audit: %v", err)
		}
		if !ok {
			t.Fatalf("ledger does not sum to balance for %s wallet", w.Type)
		}
	}
}

func TestDebitPrefersPurchasedWallet(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("alice", d("10.00"))

	var res *wallet.DebitResult
	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		var err error
		res, err = env.Wallets.Debit(ctx, tx, acct.ID, d("1.50"), uuid.New(), false)
		return err
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.WalletType != model.WalletPurchased {
		t.Fatalf("expected the purchased wallet to pay, got %s", res.WalletType)
	}
	if !res.NewBalance.Equal(d("8.50")) {
		t.Fatalf("expected balance 8.50, got %s", res.NewBalance)
	}
}

func TestDebitFallsBackToFreeTier(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("bob", decimal.Zero)

	var res *wallet.DebitResult
	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		var err error
		res, err = env.Wallets.Debit(ctx, tx, acct.ID, d("0.05"), uuid.New(), false)
		return err
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.WalletType != model.WalletFreeTier {
		t.Fatalf("expected the free-tier wallet to pay, got %s", res.WalletType)
	}
}

func TestDebitDeniesWithoutFunds(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("broke", decimal.Zero)

	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := env.Wallets.Debit(ctx, tx, acct.ID, d("1.00"), uuid.New(), false)
		return err
	})
	if !apierr.IsCode(err, apierr.CodePremiumRequiresBalance) {
		t.Fatalf("expected premium-requires-balance, got %v", err)
	}

	e := apierr.From(err)
	if e.Details["currentBalance"] != "0.10" {
		t.Fatalf("expected currentBalance detail 0.10 (free allowance), got %v", e.Details["currentBalance"])
	}
}

func TestDebitNegativeFloorOnlyWhenAllowed(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("owner", d("0.20"))

	// 0.60 exceeds every wallet; with allowNegative the purchased wallet may
	// go down to -0.50.
	var res *wallet.DebitResult
	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		var err error
		res, err = env.Wallets.Debit(ctx, tx, acct.ID, d("0.60"), uuid.New(), true)
		return err
	})
	if err != nil {
		t.Fatalf("Debit with negative floor: %v", err)
	}
	if res.WalletType != model.WalletPurchased {
		t.Fatalf("only purchased wallets may go negative, got %s", res.WalletType)
	}
	if !res.NewBalance.Equal(d("-0.40")) {
		t.Fatalf("expected balance -0.40, got %s", res.NewBalance)
	}

	// Past the floor even with allowNegative: denied.
	err = env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := env.Wallets.Debit(ctx, tx, acct.ID, d("0.60"), uuid.New(), true)
		return err
	})
	if !apierr.IsCode(err, apierr.CodePremiumRequiresBalance) {
		t.Fatalf("expected denial past the floor, got %v", err)
	}
}

func TestFreeTierRenewsAfterUTCMidnight(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("carol", decimal.Zero)

	// Drain the free tier.
	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := env.Wallets.Debit(ctx, tx, acct.ID, d("0.10"), uuid.New(), false)
		return err
	})
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	// Same UTC day: no renewal.
	env.Clock.Advance(6 * time.Hour)
	total, err := env.Wallets.TotalBalance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("TotalBalance: %v", err)
	}
	if !total.IsZero() {
		t.Fatalf("renewed within the same day: %s", total)
	}

	// Past midnight: topped back up to the allowance.
	env.Clock.Advance(10 * time.Hour)
	total, err = env.Wallets.TotalBalance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("TotalBalance after midnight: %v", err)
	}
	if !total.Equal(env.FreeAllowance) {
		t.Fatalf("expected renewal to %s, got %s", env.FreeAllowance, total)
	}

	// Renewal wrote a ledger entry that still sums.
	ws, _ := env.Wallets.Wallets(ctx, acct.ID)
	for _, w := range ws {
		if w.Type != model.WalletFreeTier {
			continue
		}
		ok, err := env.Wallets.Audit(ctx, w.ID)
		if err != nil || !ok {
			t.Fatalf("free-tier ledger mismatch after renewal (ok=%v err=%v)", ok, err)
		}
	}
}

func TestWebhookDepositIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("dave", decimal.Zero)

	if _, err := env.Wallets.RecordPayment(ctx, acct.ID, "tx-123", d("25.00")); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}
	if err := env.Wallets.ConfirmDeposit(ctx, "tx-123"); err != nil {
		t.Fatalf("first ConfirmDeposit: %v", err)
	}
	// The processor redelivers: no double credit.
	if err := env.Wallets.ConfirmDeposit(ctx, "tx-123"); err != nil {
		t.Fatalf("redelivered ConfirmDeposit: %v", err)
	}

	total, _ := env.Wallets.TotalBalance(ctx, acct.ID)
	want := d("25.00").Add(env.FreeAllowance)
	if !total.Equal(want) {
		t.Fatalf("expected %s after one deposit, got %s", want, total)
	}
}

func TestRefundDepositReversesConfirmed(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("frank", decimal.Zero)

	if _, err := env.Wallets.RecordPayment(ctx, acct.ID, "tx-7", d("5.00")); err != nil {
		t.Fatalf("RecordPayment: %v", err)
	}

	// A refund can only reverse a confirmed deposit.
	if err := env.Wallets.RefundDeposit(ctx, "tx-7"); err == nil {
		t.Fatalf("refund of a pending payment must fail")
	}
	if err := env.Wallets.ConfirmDeposit(ctx, "tx-7"); err != nil {
		t.Fatalf("ConfirmDeposit: %v", err)
	}

	// Part of the deposit is spent before the processor claws it back: the
	// purchased balance goes negative, the money is gone either way.
	err := env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := env.Wallets.Debit(ctx, tx, acct.ID, d("2.00"), uuid.New(), false)
		return err
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}

	if err := env.Wallets.RefundDeposit(ctx, "tx-7"); err != nil {
		t.Fatalf("RefundDeposit: %v", err)
	}
	// Redelivered: no double reversal.
	if err := env.Wallets.RefundDeposit(ctx, "tx-7"); err != nil {
		t.Fatalf("redelivered RefundDeposit: %v", err)
	}

	ws, err := env.Wallets.Wallets(ctx, acct.ID)
	if err != nil {
		t.Fatalf("Wallets: %v", err)
	}
	for _, w := range ws {
		if w.Type == model.WalletPurchased && !w.Balance.Equal(d("-2.00")) {
			t.Fatalf("purchased balance %s after refund, want -2.00", w.Balance)
		}
		ok, err := env.Wallets.Audit(ctx, w.ID)
		if err != nil || !ok {
			t.Fatalf("ledger mismatch on %s wallet after refund (ok=%v err=%v)", w.Type, ok, err)
		}
	}
}

func TestRefundDepositUnknownPayment(t *testing.T) {
	env := testutil.NewEnv(t)
	err := env.Wallets.RefundDeposit(context.Background(), "never-seen")
	if err != wallet.ErrUnknownPayment {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}

func TestConfirmDepositSurvivesConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	acct := env.NewAccount("erin", d("10.00"))

	const n = 8
	for i := 0; i < n; i++ {
		if _, err := env.Wallets.RecordPayment(ctx, acct.ID, fmt.Sprintf("tx-%d", i), d("1.00")); err != nil {
			t.Fatalf("RecordPayment: %v", err)
		}
	}

	// Deposits and debits interleave freely; neither side may lose the
	// other's update.
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := env.Wallets.ConfirmDeposit(ctx, fmt.Sprintf("tx-%d", i)); err != nil {
				t.Errorf("ConfirmDeposit: %v", err)
			}
		}(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.Store.Atomic(ctx, func(tx store.Store) error {
				_, err := env.Wallets.Debit(ctx, tx, acct.ID, d("0.50"), uuid.New(), false)
				return err
			})
			if err != nil {
				t.Errorf("Debit: %v", err)
			}
		}()
	}
	wg.Wait()

	total, err := env.Wallets.TotalBalance(ctx, acct.ID)
	if err != nil {
		t.Fatalf("TotalBalance: %v", err)
	}
	want := d("10.00").Add(env.FreeAllowance).Add(d("8.00")).Sub(d("4.00"))
	if !total.Equal(want) {
		t.Fatalf("balance %s after racing deposits and debits, want %s", total, want)
	}

	ws, _ := env.Wallets.Wallets(ctx, acct.ID)
	for _, w := range ws {
		ok, err := env.Wallets.Audit(ctx, w.ID)
		if err != nil || !ok {
			t.Fatalf("ledger mismatch on %s wallet (ok=%v err=%v)", w.Type, ok, err)
		}
	}
}

func TestConfirmDepositUnknownPayment(t *testing.T) {
	env := testutil.NewEnv(t)
	err := env.Wallets.ConfirmDeposit(context.Background(), "never-seen")
	if err != wallet.ErrUnknownPayment {
		t.Fatalf("expected ErrUnknownPayment, got %v", err)
	}
}
