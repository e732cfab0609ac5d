package pricing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculator_ExactMatch(t *testing.T) {
	calc := NewCalculator([]ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	})

	cost := calc.Calculate("gpt-4o", 1000, 2000)
	require.InDelta(t, 0.005, cost.InputCost, 1e-9)
	require.InDelta(t, 0.030, cost.OutputCost, 1e-9)
	require.InDelta(t, 0.035, cost.Total, 1e-9)
}

func TestCalculator_WildcardLongestPrefixWins(t *testing.T) {
	calc := NewCalculator([]ModelPricing{
		{Model: "gpt-4*", InputCostPer1K: 0.03, OutputCostPer1K: 0.06},
		{Model: "gpt-4o*", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	})

	cost := calc.Calculate("gpt-4o-2026-01-01", 1000, 0)
	require.InDelta(t, 0.005, cost.InputCost, 1e-9)

	cost = calc.Calculate("gpt-4-turbo", 1000, 0)
	require.InDelta(t, 0.03, cost.InputCost, 1e-9)
}

func TestCalculator_UnknownModelIsFree(t *testing.T) {
	calc := NewCalculator([]ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	})

	cost := calc.Calculate("mystery-model", 1000, 1000)
	require.Zero(t, cost.Total)
}

func TestCalculator_Replace(t *testing.T) {
	calc := NewCalculator([]ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
	})

	calc.Replace([]ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 0.001, OutputCostPer1K: 0.002},
	})

	cost := calc.Calculate("gpt-4o", 1000, 1000)
	require.InDelta(t, 0.003, cost.Total, 1e-9)
}

func TestCalculator_GetPricing(t *testing.T) {
	calc := NewCalculator([]ModelPricing{
		{Model: "gpt-4o", InputCostPer1K: 0.005, OutputCostPer1K: 0.015},
		{Model: "claude-3-5-sonnet*", InputCostPer1K: 0.003, OutputCostPer1K: 0.015},
	})

	p, ok := calc.GetPricing("gpt-4o")
	require.True(t, ok)
	require.Equal(t, "gpt-4o", p.Model)
	require.InDelta(t, 0.005, p.InputCostPer1K, 1e-9)

	// Wildcard rows resolve the same way Calculate does.
	p, ok = calc.GetPricing("claude-3-5-sonnet-20241022")
	require.True(t, ok)
	require.Equal(t, "claude-3-5-sonnet*", p.Model)

	_, ok = calc.GetPricing("mystery-model")
	require.False(t, ok)
}

func TestCalculator_DefaultTable(t *testing.T) {
	calc := NewCalculator(nil)
	cost := calc.Calculate("gpt-4o", 1000, 0)
	require.Greater(t, cost.Total, 0.0)
}
