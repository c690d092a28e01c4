package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilchat/veilchat/pkg/apierr"
	"github.com/veilchat/veilchat/pkg/llm"
	"github.com/veilchat/veilchat/pkg/model"
	"github.com/veilchat/veilchat/pkg/store"
	"github.com/veilchat/veilchat/pkg/wallet"
)

// Engine decides who pays for a send, holds the speculative reservation
// while the stream runs, and applies the final spend inside the commit
// transaction.
type Engine struct {
	store        store.Store
	wallets      *wallet.Service
	pricing      *Pricing
	reservations ReservationStore
	maxNegative  decimal.Decimal
	ttl          time.Duration
}

func NewEngine(st store.Store, ws *wallet.Service, pricing *Pricing, rs ReservationStore, maxNegative decimal.Decimal, reservationTTL time.Duration) *Engine {
	return &Engine{
		store:        st,
		wallets:      ws,
		pricing:      pricing,
		reservations: rs,
		maxNegative:  maxNegative,
		ttl:          reservationTTL,
	}
}

// Resolution is the outcome of payer resolution for one send. When
// OwnerCovered is set, the commit increments the sender's member budget and
// the conversation-wide spending alongside the owner debit.
type Resolution struct {
	PayerAccountID uuid.UUID
	// SenderPrincipal is the sender's account id, or the link id for a
	// guest. Budget rows are keyed by it.
	SenderPrincipal uuid.UUID
	OwnerCovered    bool
	Source          model.FundingSource
	MaxCost         decimal.Decimal

	holds []Hold
}

// Authorize resolves the payer for a send by sender in conv, checks the
// client's declared funding source against the server's resolution, and
// places the speculative reservation. Denial outranks mismatch: an
// insufficient-funds error is returned even when the declared source is also
// wrong. The returned Resolution must be released with Release once the
// stream finishes, success or not.
func (e *Engine) Authorize(ctx context.Context, conv *model.Conversation, sender *model.Member, declared model.FundingSource, modelName string, promptChars int) (*Resolution, error) {
	res, err := e.resolve(ctx, conv, sender)
	if err != nil {
		return nil, err
	}

	pess := e.pricing.PessimisticMax(modelName, promptChars)

	// Effective balance is how far a single commit may legally drive the
	// payer down: to zero normally, to the negative floor when the owner
	// covers group spend.
	balance, err := e.wallets.TotalBalance(ctx, res.PayerAccountID)
	if err != nil {
		return nil, err
	}
	effective := balance
	if res.OwnerCovered {
		effective = effective.Add(e.maxNegative)
	}
	if !effective.IsPositive() {
		return nil, apierr.New(apierr.CodePremiumRequiresBalance, "insufficient funds").
			WithDetail("currentBalance", balance.StringFixed(2))
	}

	if declared != "" && declared != res.Source {
		return nil, apierr.New(apierr.CodeBillingMismatch, "declared funding source disagrees with server resolution").
			WithDetail("serverFundingSource", string(res.Source))
	}

	// Each hold reserves up to the pessimistic cost, clamped to what its
	// dimension has left so a lone in-budget send always passes; concurrent
	// streams then contend on the counters.
	res.MaxCost = decimal.Min(pess, effective)
	res.holds = []Hold{{
		Key:    PayerKey(res.PayerAccountID.String()),
		Amount: res.MaxCost,
		Limit:  effective,
	}}
	if res.OwnerCovered {
		remaining, capRemaining, hasCap, err := e.remainingBudget(ctx, conv, res.SenderPrincipal)
		if err != nil {
			return nil, err
		}
		res.holds = append(res.holds, Hold{
			Key:    MemberKey(conv.ID.String(), res.SenderPrincipal.String()),
			Amount: decimal.Min(pess, remaining),
			Limit:  remaining,
		})
		if hasCap {
			res.holds = append(res.holds, Hold{
				Key:    ConversationKey(conv.ID.String()),
				Amount: decimal.Min(pess, capRemaining),
				Limit:  capRemaining,
			})
		}
	}

	if err := e.reservations.Reserve(ctx, res.holds, e.ttl); err != nil {
		if errors.Is(err, ErrReserved) {
			return nil, apierr.New(apierr.CodeBalanceReserved, "concurrent reservations exceed available balance")
		}
		return nil, err
	}
	return res, nil
}

// Release drops the reservation. Idempotence is not required of callers;
// the pipeline calls it exactly once per Authorize.
func (e *Engine) Release(ctx context.Context, res *Resolution) {
	if res == nil || len(res.holds) == 0 {
		return
	}
	if err := e.reservations.Release(ctx, res.holds); err != nil {
		// The TTL self-heals a leaked hold; log and move on.
		zap.L().Warn("reservation release failed",
			zap.String("payer", res.PayerAccountID.String()),
			zap.Error(err))
	}
}

// resolve implements payer resolution: the owner always pays for itself;
// another member is owner-covered while budget remains, then falls back to
// its own wallets; a link guest with an exhausted budget is rejected.
func (e *Engine) resolve(ctx context.Context, conv *model.Conversation, sender *model.Member) (*Resolution, error) {
	if sender.AccountID != nil && *sender.AccountID == conv.OwnerID {
		src, err := e.selfSource(ctx, conv.OwnerID)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			PayerAccountID:  conv.OwnerID,
			SenderPrincipal: conv.OwnerID,
			Source:          src,
		}, nil
	}

	principal := sender.LinkID
	if sender.AccountID != nil {
		principal = sender.AccountID
	}

	remaining, capRemaining, hasCap, err := e.remainingBudget(ctx, conv, *principal)
	if err != nil {
		return nil, err
	}
	if remaining.IsPositive() && (!hasCap || capRemaining.IsPositive()) {
		return &Resolution{
			PayerAccountID:  conv.OwnerID,
			SenderPrincipal: *principal,
			OwnerCovered:    true,
			Source:          model.FundingOwner,
		}, nil
	}

	if sender.AccountID != nil {
		src, err := e.selfSource(ctx, *sender.AccountID)
		if err != nil {
			return nil, err
		}
		return &Resolution{
			PayerAccountID:  *sender.AccountID,
			SenderPrincipal: *sender.AccountID,
			Source:          src,
		}, nil
	}

	return nil, apierr.New(apierr.CodeBudgetExhausted, "link budget exhausted")
}

// remainingBudget returns what is left of the sender's owner-covered
// allowance and of the conversation-wide cap. A missing budget row means
// zero allowance unless the conversation sets a per-person default.
func (e *Engine) remainingBudget(ctx context.Context, conv *model.Conversation, principal uuid.UUID) (remaining, capRemaining decimal.Decimal, hasCap bool, err error) {
	budget := decimal.Zero
	spent := decimal.Zero
	mb, err := e.store.Budgets().GetMemberBudget(ctx, conv.ID, principal)
	switch {
	case err == nil:
		budget, spent = mb.Budget, mb.Spent
	case errors.Is(err, store.ErrNotFound):
	default:
		return decimal.Zero, decimal.Zero, false, err
	}
	if conv.PerPersonBudget != nil {
		budget = *conv.PerPersonBudget
	}
	remaining = budget.Sub(spent)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}

	if conv.ConversationBudget == nil {
		return remaining, decimal.Zero, false, nil
	}
	total := decimal.Zero
	sp, err := e.store.Budgets().GetSpending(ctx, conv.ID)
	switch {
	case err == nil:
		total = sp.TotalSpent
	case errors.Is(err, store.ErrNotFound):
	default:
		return decimal.Zero, decimal.Zero, false, err
	}
	capRemaining = conv.ConversationBudget.Sub(total)
	if capRemaining.IsNegative() {
		capRemaining = decimal.Zero
	}
	return remaining, capRemaining, true, nil
}

// selfSource picks the funding source a self-paying send would debit: the
// first wallet in priority order with funds. Triggers the lazy free-tier
// renewal on the way.
func (e *Engine) selfSource(ctx context.Context, accountID uuid.UUID) (model.FundingSource, error) {
	ws, err := e.wallets.Wallets(ctx, accountID)
	if err != nil {
		return "", err
	}
	for _, w := range ws {
		if !w.Balance.IsPositive() {
			continue
		}
		if w.Type == model.WalletFreeTier {
			return model.FundingFreeTier, nil
		}
		return model.FundingPersonal, nil
	}
	// Broke; denial is decided by the caller, report the default source.
	return model.FundingPersonal, nil
}

// Cost computes the actual cost of a finished completion. See Pricing.Cost
// for the three estimation paths.
func (e *Engine) Cost(modelName string, usage *llm.Usage, prompt, reply string) decimal.Decimal {
	return e.pricing.Cost(modelName, usage, prompt, reply)
}

// ApplySpend runs inside the commit transaction: debit the payer for the
// actual cost and, for owner-covered sends, advance the sender's budget and
// the conversation spending. Owner self-spend touches neither counter.
func (e *Engine) ApplySpend(ctx context.Context, tx store.Store, res *Resolution, conversationID uuid.UUID, cost decimal.Decimal, usageRecordID uuid.UUID) (*wallet.DebitResult, error) {
	dr, err := e.wallets.Debit(ctx, tx, res.PayerAccountID, cost, usageRecordID, res.OwnerCovered)
	if err != nil {
		return nil, err
	}
	if res.OwnerCovered {
		if err := tx.Budgets().AddMemberSpent(ctx, conversationID, res.SenderPrincipal, cost); err != nil {
			return nil, err
		}
		if err := tx.Budgets().AddSpending(ctx, conversationID, cost); err != nil {
			return nil, err
		}
	}
	return dr, nil
}
