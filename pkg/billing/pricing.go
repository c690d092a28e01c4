// Package billing implements cost calculation, payer resolution (self vs.
// owner via group budgets), funding-source agreement, and the speculative
// reservation protocol that guards streams against overspend races.
package billing

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"github.com/veilchat/veilchat/pkg/llm"
)

// MinimumOutputTokens is the floor applied to completion token counts in
// every cost path; trivially short replies still bill a minimum.
const MinimumOutputTokens = 64

// estTokenChars is the chars-per-token heuristic used by the dev-mode and
// fallback estimators.
const estTokenChars = 4

// ModelPrice is the raw provider price for one model, in dollars per million
// tokens.
type ModelPrice struct {
	Provider         string          `json:"provider"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
	CachedPerMillion decimal.Decimal `json:"cached_per_million"`
	ContextTokens    int64           `json:"context_tokens"`
}

// Pricing computes message costs. Three paths, in order of authority:
// exact usage data from the provider, dev-mode character estimation, and
// token-count fallback.
type Pricing struct {
	table   map[string]ModelPrice
	feePct  decimal.Decimal
	devMode bool
}

// NewPricing builds a Pricing from an in-memory table.
func NewPricing(table map[string]ModelPrice, feePct decimal.Decimal, devMode bool) *Pricing {
	return &Pricing{table: table, feePct: feePct, devMode: devMode}
}

// LoadPricing reads the per-model table from the JSON file at path.
func LoadPricing(path string, feePct decimal.Decimal, devMode bool) (*Pricing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	var table map[string]ModelPrice
	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	return NewPricing(table, feePct, devMode), nil
}

// Model returns the price row for a model, with ok=false for unknown models.
func (p *Pricing) Model(model string) (ModelPrice, bool) {
	mp, ok := p.table[model]
	return mp, ok
}

var million = decimal.NewFromInt(1_000_000)

// perToken converts a per-million price into a per-token multiplier applied
// to a token count.
func perToken(pricePerMillion decimal.Decimal, tokens int64) decimal.Decimal {
	return pricePerMillion.Mul(decimal.NewFromInt(tokens)).Div(million)
}

// withFee applies the provider fee percentage.
func (p *Pricing) withFee(raw decimal.Decimal) decimal.Decimal {
	return raw.Mul(decimal.NewFromInt(1).Add(p.feePct)).Round(8)
}

// Cost computes the charge for one completed exchange. When the provider
// returned authoritative usage data, exact pricing applies (including the
// fee). In dev mode costs are estimated from character counts. Otherwise the
// token-count fallback estimates from text length. All paths clamp output
// tokens to MinimumOutputTokens.
func (p *Pricing) Cost(model string, usage *llm.Usage, prompt, reply string) decimal.Decimal {
	mp, ok := p.table[model]
	if !ok {
		mp = ModelPrice{}
	}

	if usage != nil {
		in := usage.InputTokens - usage.CachedTokens
		if in < 0 {
			in = 0
		}
		out := max(usage.OutputTokens, MinimumOutputTokens)
		raw := perToken(mp.InputPerMillion, in).
			Add(perToken(mp.CachedPerMillion, usage.CachedTokens)).
			Add(perToken(mp.OutputPerMillion, out))
		return p.withFee(raw)
	}

	// No authoritative usage: estimate. Dev mode prices raw characters so
	// local runs cost the same regardless of tokenizer; the fallback path
	// approximates tokens from text length.
	inTok := int64(len(prompt))
	outTok := int64(len(reply))
	if !p.devMode {
		inTok /= estTokenChars
		outTok /= estTokenChars
	}
	outTok = max(outTok, MinimumOutputTokens)
	raw := perToken(mp.InputPerMillion, inTok).Add(perToken(mp.OutputPerMillion, outTok))
	return p.withFee(raw)
}

// PessimisticMax computes the reservation ceiling for a stream before any
// token arrives: the full prompt at input price plus a maximal completion at
// output price, with fee. Reservations release down to the actual cost on
// completion, so overshooting here only narrows concurrency, never bills.
func (p *Pricing) PessimisticMax(model string, promptChars int) decimal.Decimal {
	mp, ok := p.table[model]
	if !ok {
		mp = ModelPrice{}
	}
	inTok := int64(promptChars / estTokenChars)
	outTok := mp.ContextTokens
	if outTok == 0 {
		outTok = 4096
	}
	raw := perToken(mp.InputPerMillion, inTok).Add(perToken(mp.OutputPerMillion, outTok))
	return p.withFee(raw)
}

func max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
