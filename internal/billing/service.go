package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/cache"
	"github.com/castellanbot/castellan/internal/models"
	"github.com/castellanbot/castellan/internal/observability"
)

// Ledger is the storage surface the balance service needs. Applying an
// operation must atomically insert the ledger row and move the user's
// balance in one transaction.
type Ledger interface {
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	ApplyBalanceOperation(ctx context.Context, op *models.BalanceOperation) error
}

// userCache is the cache surface used for warm balance reads.
type userCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Delete(ctx context.Context, keys ...string)
}

var _ userCache = (*cache.Client)(nil)

// BalanceService mutates user balances through the append-only operation
// ledger. Every mutation satisfies before + amount == after.
type BalanceService struct {
	ledger  Ledger
	cache   userCache
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewBalanceService creates the service. cache may be nil in tests.
func NewBalanceService(ledger Ledger, c userCache, logger *observability.Logger, metrics *observability.Metrics) *BalanceService {
	return &BalanceService{ledger: ledger, cache: c, logger: logger, metrics: metrics, now: time.Now}
}

// Charge debits (negative amount) or credits the user and records the
// ledger operation. RelatedMessage ties a usage charge to the assistant
// message it paid for. The cached user entry is invalidated so the next
// policy read sees the new balance.
func (s *BalanceService) Charge(ctx context.Context, userID int64, amount decimal.Decimal, kind models.BalanceOpKind, description string, relatedMessage int64) (*models.BalanceOperation, error) {
	user, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load user %d for charge: %w", userID, err)
	}

	op := &models.BalanceOperation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Kind:           kind,
		Amount:         amount.Round(4),
		BalanceBefore:  user.Balance,
		BalanceAfter:   user.Balance.Add(amount.Round(4)),
		RelatedMessage: relatedMessage,
		Description:    description,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.ledger.ApplyBalanceOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("apply balance operation for user %d: %w", userID, err)
	}

	if s.cache != nil {
		s.cache.Delete(ctx, cache.UserKey(userID))
	}
	if s.metrics != nil {
		s.metrics.ChargeCounter.WithLabelValues(string(kind)).Inc()
	}
	s.logger.Info(ctx, "balance operation applied",
		"user_id", userID, "kind", string(kind), "amount", op.Amount.String(),
		"balance_after", op.BalanceAfter.String())
	return op, nil
}

// Balance returns the user's balance, preferring the cached user entry and
// falling back to the ledger. source is "cache" or "db".
func (s *BalanceService) Balance(ctx context.Context, userID int64) (decimal.Decimal, string, error) {
	if s.cache != nil {
		if raw, ok := s.cache.Get(ctx, cache.UserKey(userID)); ok {
			var u models.User
			if err := json.Unmarshal(raw, &u); err == nil {
				return u.Balance, "cache", nil
			}
		}
	}
	u, err := s.ledger.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("load user %d balance: %w", userID, err)
	}
	return u.Balance, "db", nil
}
