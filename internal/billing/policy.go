package billing

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
)

// Verdict is the result of an admission check.
type Verdict struct {
	Allowed bool
	Balance decimal.Decimal
	// Source records where the balance came from: "cache", "db", or
	// "fail_open" when neither was reachable.
	Source string
}

// BalancePolicy decides whether a user may start a request or use a paid
// tool. Reads are cache-first; a full miss fails open because the handler
// re-checks against the database before charging.
type BalancePolicy struct {
	cache   userCache
	ledger  Ledger
	minimum decimal.Decimal
	logger  *observability.Logger
}

// NewBalancePolicy creates the policy. minimum is the strict lower bound for
// request admission and is typically negative to permit one overshoot.
func NewBalancePolicy(c userCache, ledger Ledger, minimum decimal.Decimal, logger *observability.Logger) *BalancePolicy {
	return &BalancePolicy{cache: c, ledger: ledger, minimum: minimum, logger: logger}
}

// CanMakeRequest admits a new request while balance > minimum. The
// comparison is strict: a balance exactly at the minimum is rejected.
func (p *BalancePolicy) CanMakeRequest(ctx context.Context, userID int64) Verdict {
	balance, source, ok := p.read(ctx, userID)
	if !ok {
		p.logger.Warn(ctx, "balance unavailable, admitting request", "user_id", userID)
		return Verdict{Allowed: true, Source: "fail_open"}
	}
	return Verdict{Allowed: balance.GreaterThan(p.minimum), Balance: balance, Source: source}
}

// CanUsePaidTool allows paid tools while balance >= 0. Unlike request
// admission this check fails closed on a full miss: tools have immediate
// external cost.
func (p *BalancePolicy) CanUsePaidTool(ctx context.Context, userID int64) bool {
	return p.PaidToolCheck(ctx, userID).Allowed
}

// PaidToolCheck is CanUsePaidTool with the balance attached, for structured
// rejection results.
func (p *BalancePolicy) PaidToolCheck(ctx context.Context, userID int64) Verdict {
	balance, source, ok := p.read(ctx, userID)
	if !ok {
		return Verdict{Allowed: false, Source: "fail_closed"}
	}
	return Verdict{Allowed: balance.GreaterThanOrEqual(decimal.Zero), Balance: balance, Source: source}
}

func (p *BalancePolicy) read(ctx context.Context, userID int64) (decimal.Decimal, string, bool) {
	if p.cache != nil {
		if raw, ok := p.cache.Get(ctx, cache.UserKey(userID)); ok {
			var u models.User
			if err := json.Unmarshal(raw, &u); err == nil {
				return u.Balance, "cache", true
			}
		}
	}
	if p.ledger == nil {
		return decimal.Zero, "", false
	}
	u, err := p.ledger.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, "", false
	}
	return u.Balance, "db", true
}
