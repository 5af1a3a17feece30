// Package billing owns money: the pricing table, the per-turn cost tracker,
// the admission policy, and the balance ledger service.
package billing

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/castellanbot/castellan/internal/models"
)

// ModelPricing is USD per million tokens for one model.
type ModelPricing struct {
	InputPerMTok      decimal.Decimal
	OutputPerMTok     decimal.Decimal
	CacheReadPerMTok  decimal.Decimal
	CacheWritePerMTok decimal.Decimal
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the USD cost of the given token usage.
func (p ModelPricing) Cost(u models.TokenUsage) decimal.Decimal {
	cost := p.InputPerMTok.Mul(decimal.NewFromInt(int64(u.Input)))
	cost = cost.Add(p.OutputPerMTok.Mul(decimal.NewFromInt(int64(u.Output))))
	cost = cost.Add(p.CacheReadPerMTok.Mul(decimal.NewFromInt(int64(u.CacheRead))))
	cost = cost.Add(p.CacheWritePerMTok.Mul(decimal.NewFromInt(int64(u.CacheWrite))))
	return cost.Div(million)
}

func usd(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// pricingTable maps model ids to their current list prices. Cache writes
// cost 1.25x input; cache reads 0.1x.
var pricingTable = map[string]ModelPricing{
	"claude-sonnet-4-20250514": {
		InputPerMTok:      usd("3.00"),
		OutputPerMTok:     usd("15.00"),
		CacheReadPerMTok:  usd("0.30"),
		CacheWritePerMTok: usd("3.75"),
	},
	"claude-opus-4-20250514": {
		InputPerMTok:      usd("15.00"),
		OutputPerMTok:     usd("75.00"),
		CacheReadPerMTok:  usd("1.50"),
		CacheWritePerMTok: usd("18.75"),
	},
	"claude-3-5-haiku-20241022": {
		InputPerMTok:      usd("0.80"),
		OutputPerMTok:     usd("4.00"),
		CacheReadPerMTok:  usd("0.08"),
		CacheWritePerMTok: usd("1.00"),
	},
	"claude-3-haiku-20240307": {
		InputPerMTok:      usd("0.25"),
		OutputPerMTok:     usd("1.25"),
		CacheReadPerMTok:  usd("0.03"),
		CacheWritePerMTok: usd("0.30"),
	},
}

// defaultPricing is used for unknown model ids so a pricing gap never makes
// usage free. It matches the most expensive listed model.
var defaultPricing = pricingTable["claude-opus-4-20250514"]

// PricingFor returns the pricing for a model id, falling back to the most
// conservative table entry for unknown models.
func PricingFor(modelID string) ModelPricing {
	if p, ok := pricingTable[modelID]; ok {
		return p
	}
	return defaultPricing
}

// KnownModel reports whether the model id has an explicit pricing entry.
func KnownModel(modelID string) bool {
	_, ok := pricingTable[modelID]
	return ok
}

// Models lists the model ids with explicit pricing, sorted.
func Models() []string {
	out := make([]string, 0, len(pricingTable))
	for id := range pricingTable {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
