// Package pricing computes the cost of upstream usage from token counts.
package pricing

import (
	"strings"
	"sync"
)

// ModelPricing defines the pricing for a model. Model names ending in "*"
// match by prefix; the longest matching prefix wins.
type ModelPricing struct {
	Model           string  `yaml:"model"`
	InputCostPer1K  float64 `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `yaml:"output_cost_per_1k"`
}

// Cost is the priced outcome of one request.
type Cost struct {
	InputCost  float64 `json:"input_cost"`
	OutputCost float64 `json:"output_cost"`
	Total      float64 `json:"total"`
}

// DefaultPricing contains fallback pricing for common models, in USD per
// 1000 tokens.
var DefaultPricing = []ModelPricing{
	{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	{Model: "gpt-4o-mini", InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006},
	{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
	{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	{Model: "claude-3-haiku*", InputCostPer1K: 0.00025, OutputCostPer1K: 0.00125},
	{Model: "gemini-1.5-pro*", InputCostPer1K: 0.00125, OutputCostPer1K: 0.005},
	{Model: "gemini-1.5-flash*", InputCostPer1K: 0.000075, OutputCostPer1K: 0.0003},
	{Model: "deepseek-chat", InputCostPer1K: 0.00014, OutputCostPer1K: 0.00028},
	{Model: "llama-3*", InputCostPer1K: 0.0002, OutputCostPer1K: 0.0002},
}

// Calculator resolves model pricing and computes request costs.
// Safe for concurrent use; pricing updates swap the whole table.
type Calculator struct {
	mu      sync.RWMutex
	pricing map[string]ModelPricing
}

// NewCalculator creates a pricing calculator. A nil table selects DefaultPricing.
func NewCalculator(pricing []ModelPricing) *Calculator {
	if pricing == nil {
		pricing = DefaultPricing
	}
	c := &Calculator{}
	c.Replace(pricing)
	return c
}

// Replace swaps the pricing table, typically on config reload.
func (c *Calculator) Replace(pricing []ModelPricing) {
	table := make(map[string]ModelPricing, len(pricing))
	for _, p := range pricing {
		table[p.Model] = p
	}
	c.mu.Lock()
	c.pricing = table
	c.mu.Unlock()
}

// Calculate prices the given token counts for a model.
// Unknown models cost zero rather than failing the request.
func (c *Calculator) Calculate(model string, inputTokens, outputTokens int) Cost {
	p, ok := c.findPricing(model)
	if !ok {
		return Cost{}
	}

	in := float64(inputTokens) / 1000.0 * p.InputCostPer1K
	out := float64(outputTokens) / 1000.0 * p.OutputCostPer1K
	return Cost{InputCost: in, OutputCost: out, Total: in + out}
}

// GetPricing retrieves the pricing for a model.
func (c *Calculator) GetPricing(model string) (ModelPricing, bool) {
	return c.findPricing(model)
}

// findPricing tries an exact match first, then the longest wildcard prefix.
func (c *Calculator) findPricing(model string) (ModelPricing, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for pattern, p := range c.pricing {
		if strings.EqualFold(pattern, model) {
			return p, true
		}
	}

	modelLower := strings.ToLower(model)
	var best *ModelPricing
	bestLen := -1
	for pattern, p := range c.pricing {
		if !strings.HasSuffix(pattern, "*") {
			continue
		}
		prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
		if strings.HasPrefix(modelLower, prefix) && len(prefix) > bestLen {
			pCopy := p
			best = &pCopy
			bestLen = len(prefix)
		}
	}
	if best != nil {
		return *best, true
	}
	return ModelPricing{}, false
}
