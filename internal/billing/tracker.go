package billing

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/models"
)

// ToolCost is one priced tool execution inside a turn.
type ToolCost struct {
	ToolName string
	Cost     decimal.Decimal
}

// CostTracker accumulates token usage and tool costs for a single turn and
// performs the one charge at finalization. It is not safe for concurrent
// use; each turn owns its own tracker.
type CostTracker struct {
	modelID    string
	usage      models.TokenUsage
	toolCosts  []ToolCost
	iterations int
}

// NewCostTracker starts tracking a turn billed against the given model.
func NewCostTracker(modelID string) *CostTracker {
	return &CostTracker{modelID: modelID}
}

// AddUsage accumulates one streaming request's token counts.
func (t *CostTracker) AddUsage(u models.TokenUsage) {
	t.usage.Add(u)
	t.iterations++
}

// AddToolCost records a fixed-cost tool execution (image generation,
// sandbox time). Token-metered tool calls go through AddUsage on their own
// tracker and are charged by their caller.
func (t *CostTracker) AddToolCost(toolName string, cost decimal.Decimal) {
	t.toolCosts = append(t.toolCosts, ToolCost{ToolName: toolName, Cost: cost})
}

// Usage returns the accumulated token totals.
func (t *CostTracker) Usage() models.TokenUsage {
	return t.usage
}

// Total computes the turn's USD cost: pricing table lookup times token
// counts plus fixed tool costs.
func (t *CostTracker) Total() decimal.Decimal {
	total := PricingFor(t.modelID).Cost(t.usage)
	for _, tc := range t.toolCosts {
		total = total.Add(tc.Cost)
	}
	return total.Round(4)
}

// FinalizeAndCharge applies the single usage charge for the turn through
// the balance service. A zero-cost turn writes no ledger entry.
func (t *CostTracker) FinalizeAndCharge(ctx context.Context, svc *BalanceService, userID, messageID int64) (*models.BalanceOperation, error) {
	total := t.Total()
	if total.IsZero() {
		return nil, nil
	}
	return svc.Charge(ctx, userID, total.Neg(), models.OpUsage, t.description(), messageID)
}

func (t *CostTracker) description() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d in / %d out", t.modelID, t.usage.Input, t.usage.Output)
	if t.usage.CacheRead > 0 || t.usage.CacheWrite > 0 {
		fmt.Fprintf(&b, " (cache %d read / %d write)", t.usage.CacheRead, t.usage.CacheWrite)
	}
	if t.iterations > 1 {
		fmt.Fprintf(&b, ", %d iterations", t.iterations)
	}
	for _, tc := range t.toolCosts {
		fmt.Fprintf(&b, ", %s $%s", tc.ToolName, tc.Cost.StringFixed(4))
	}
	return b.String()
}
