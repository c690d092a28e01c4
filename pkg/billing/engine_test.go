package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/internal/testutil"
	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/billing"
	"github.com/veilchat/veilchat/pkg/ecies"
	"github.com/veilchat/veilchat/pkg/epoch"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// engineWith wires an engine whose reservation store the test can inspect.
func engineWith(env *testutil.Env) (*billing.Engine, *billing.MemoryReservations) {
	res := billing.NewMemoryReservations()
	pricing := billing.NewPricing(testutil.TestModelTable(), d("0.15"), false)
	return billing.NewEngine(env.Store, env.Wallets, pricing, res, env.MaxNegative, 5*time.Minute), res
}

func activeMember(t *testing.T, env *testutil.Env, convID, accountID uuid.UUID) *model.Member {
	t.Helper()
	m, err := env.Store.Members().ActiveByAccount(context.Background(), convID, accountID)
	require.NoError(t, err)
	return m
}

func TestAuthorizeOwnerPaysSelf(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	conv, _ := env.NewConversation(owner)
	engine, resStore := engineWith(env)

	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), "", "test-model", 400)
	require.NoError(t, err)
	require.Equal(t, owner.ID, res.PayerAccountID)
	require.Equal(t, owner.ID, res.SenderPrincipal)
	require.False(t, res.OwnerCovered)
	require.Equal(t, model.FundingPersonal, res.Source)
	require.True(t, res.MaxCost.IsPositive())

	held := resStore.Held(billing.PayerKey(owner.ID.String()))
	require.True(t, held.Equal(res.MaxCost))

	engine.Release(ctx, res)
	require.True(t, resStore.Held(billing.PayerKey(owner.ID.String())).IsZero())
}

func TestAuthorizeFreeTierOnlyStillPasses(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	conv, _ := env.NewConversation(owner)
	engine, _ := engineWith(env)

	// $0.10 allowance, zero purchased: a lone in-budget send authorizes and
	// reports the free tier as the source.
	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), "", "test-model", 400)
	require.NoError(t, err)
	require.Equal(t, model.FundingFreeTier, res.Source)
	require.True(t, res.MaxCost.LessThanOrEqual(env.FreeAllowance))
}

func TestAuthorizeConcurrentSendsContend(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	conv, _ := env.NewConversation(owner)
	engine, _ := engineWith(env)
	member := activeMember(t, env, conv.ID, owner.ID)

	// The pessimistic cost of a 400-char prompt is ~$0.019; the sixth
	// concurrent stream would push past the $0.10 allowance.
	var authorized int
	for i := 0; i < 10; i++ {
		_, err := engine.Authorize(ctx, conv, member, "", "test-model", 400)
		if err != nil {
			require.True(t, apierr.IsCode(err, apierr.CodeBalanceReserved), "unexpected error %v", err)
			break
		}
		authorized++
	}
	require.Greater(t, authorized, 0)
	require.Less(t, authorized, 10, "reservations never filled the allowance")
}

func TestAuthorizeDeniesWhenBroke(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	conv, _ := env.NewConversation(owner)
	engine, resStore := engineWith(env)

	drainFreeTier(t, env, owner.ID)

	_, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), "", "test-model", 400)
	require.True(t, apierr.IsCode(err, apierr.CodePremiumRequiresBalance))
	require.Equal(t, "0.00", apierr.From(err).Details["currentBalance"])
	require.True(t, resStore.Held(billing.PayerKey(owner.ID.String())).IsZero(), "denial must not retain a reservation")
}

func TestAuthorizeDenialOutranksMismatch(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", decimal.Zero)
	conv, _ := env.NewConversation(owner)
	engine, _ := engineWith(env)

	drainFreeTier(t, env, owner.ID)

	// The declared source is also wrong, but insufficient funds wins.
	_, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), model.FundingFreeTier, "test-model", 400)
	require.True(t, apierr.IsCode(err, apierr.CodePremiumRequiresBalance), "got %v", err)
}

func TestAuthorizeFundingMismatch(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	conv, _ := env.NewConversation(owner)
	engine, _ := engineWith(env)

	_, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), model.FundingFreeTier, "test-model", 400)
	require.True(t, apierr.IsCode(err, apierr.CodeBillingMismatch))
	require.Equal(t, string(model.FundingPersonal), apierr.From(err).Details["serverFundingSource"])
}

func TestAuthorizeOwnerCoversMemberBudget(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	guest := env.NewAccount("guest", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, guest, created.PrivateKey, model.PrivilegeWrite)
	engine, resStore := engineWith(env)

	require.NoError(t, env.Store.Budgets().SetMemberBudget(ctx, &model.MemberBudget{
		ConversationID: conv.ID,
		AccountID:      guest.ID,
		Budget:         d("1.00"),
	}))

	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, guest.ID), "", "test-model", 400)
	require.NoError(t, err)
	require.True(t, res.OwnerCovered)
	require.Equal(t, owner.ID, res.PayerAccountID)
	require.Equal(t, guest.ID, res.SenderPrincipal)
	require.Equal(t, model.FundingOwner, res.Source)

	// Both the payer and the member-budget counters carry holds.
	require.True(t, resStore.Held(billing.PayerKey(owner.ID.String())).IsPositive())
	require.True(t, resStore.Held(billing.MemberKey(conv.ID.String(), guest.ID.String())).IsPositive())
}

func TestAuthorizeConversationCapHold(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	guest := env.NewAccount("guest", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, guest, created.PrivateKey, model.PrivilegeWrite)
	engine, resStore := engineWith(env)

	perPerson := d("1.00")
	convCap := d("2.00")
	conv.PerPersonBudget = &perPerson
	conv.ConversationBudget = &convCap

	_, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, guest.ID), "", "test-model", 400)
	require.NoError(t, err)
	require.True(t, resStore.Held(billing.ConversationKey(conv.ID.String())).IsPositive())
}

func TestAuthorizeMemberFallsBackToSelf(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	guest := env.NewAccount("guest", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, guest, created.PrivateKey, model.PrivilegeWrite)
	engine, _ := engineWith(env)

	// Budget fully spent: the member pays from its own free tier.
	require.NoError(t, env.Store.Budgets().SetMemberBudget(ctx, &model.MemberBudget{
		ConversationID: conv.ID,
		AccountID:      guest.ID,
		Budget:         d("1.00"),
		Spent:          d("1.00"),
	}))

	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, guest.ID), "", "test-model", 400)
	require.NoError(t, err)
	require.False(t, res.OwnerCovered)
	require.Equal(t, guest.ID, res.PayerAccountID)
	require.Equal(t, model.FundingFreeTier, res.Source)
}

func TestAuthorizeLinkGuestBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	conv, created := env.NewConversation(owner)
	engine, _ := engineWith(env)

	linkMember := newLinkMember(t, env, owner, conv, created.PrivateKey)

	// No budget row and no per-person default: a link guest has no wallets
	// of its own to fall back to.
	_, err := engine.Authorize(ctx, conv, linkMember, "", "test-model", 400)
	require.True(t, apierr.IsCode(err, apierr.CodeBudgetExhausted), "got %v", err)
}

func TestApplySpendOwnerCovered(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	guest := env.NewAccount("guest", decimal.Zero)
	conv, created := env.NewConversation(owner)
	env.AddMember(owner, conv, guest, created.PrivateKey, model.PrivilegeWrite)
	engine, _ := engineWith(env)

	require.NoError(t, env.Store.Budgets().SetMemberBudget(ctx, &model.MemberBudget{
		ConversationID: conv.ID,
		AccountID:      guest.ID,
		Budget:         d("1.00"),
	}))

	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, guest.ID), "", "test-model", 400)
	require.NoError(t, err)

	cost := d("0.25")
	err = env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := engine.ApplySpend(ctx, tx, res, conv.ID, cost, uuid.New())
		return err
	})
	require.NoError(t, err)
	engine.Release(ctx, res)

	total, err := env.Wallets.TotalBalance(ctx, owner.ID)
	require.NoError(t, err)
	require.True(t, total.Equal(d("10.00").Add(env.FreeAllowance).Sub(cost)))

	mb, err := env.Store.Budgets().GetMemberBudget(ctx, conv.ID, guest.ID)
	require.NoError(t, err)
	require.True(t, mb.Spent.Equal(cost))

	sp, err := env.Store.Budgets().GetSpending(ctx, conv.ID)
	require.NoError(t, err)
	require.True(t, sp.TotalSpent.Equal(cost))
}

func TestApplySpendOwnerSelfSkipsBudgets(t *testing.T) {
	ctx := context.Background()
	env := testutil.NewEnv(t)
	owner := env.NewAccount("owner", d("10.00"))
	conv, _ := env.NewConversation(owner)
	engine, _ := engineWith(env)

	res, err := engine.Authorize(ctx, conv, activeMember(t, env, conv.ID, owner.ID), "", "test-model", 400)
	require.NoError(t, err)

	err = env.Store.Atomic(ctx, func(tx store.Store) error {
		_, err := engine.ApplySpend(ctx, tx, res, conv.ID, d("0.10"), uuid.New())
		return err
	})
	require.NoError(t, err)
	engine.Release(ctx, res)

	_, err = env.Store.Budgets().GetSpending(ctx, conv.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

// drainFreeTier debits the full free allowance so the account's total
// balance is exactly zero.
func drainFreeTier(t *testing.T, env *testutil.Env, accountID uuid.UUID) {
	t.Helper()
	err := env.Store.Atomic(context.Background(), func(tx store.Store) error {
		_, err := env.Wallets.Debit(context.Background(), tx, accountID, env.FreeAllowance, uuid.New(), false)
		return err
	})
	require.NoError(t, err)
}

// newLinkMember creates a shared link on conv and returns its virtual member.
func newLinkMember(t *testing.T, env *testutil.Env, owner *testutil.Principal, conv *model.Conversation, epochPriv []byte) *model.Member {
	t.Helper()
	linkPub, _, err := ecies.GenerateKeyPair()
	require.NoError(t, err)
	wrap, err := epoch.WrapForMember(epochPriv, linkPub)
	require.NoError(t, err)
	link, err := env.Members.CreateLink(context.Background(), owner.ID, conv.ID, linkPub, wrap, model.PrivilegeWrite, conv.CurrentEpoch)
	require.NoError(t, err)
	m, err := env.Store.Members().ActiveByLink(context.Background(), conv.ID, link.ID)
	require.NoError(t, err)
	return m
}
