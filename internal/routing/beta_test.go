package routing

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleBeta_Bounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		v := SampleBeta(rng, 2, 5)
		require.GreaterOrEqual(t, v, 0.0)
		require.LessOrEqual(t, v, 1.0)
	}
}

func TestSampleBeta_Mean(t *testing.T) {
	cases := []struct {
		alpha, beta float64
	}{
		{1, 1},
		{2, 5},
		{5, 2},
		{0.5, 0.5}, // shape < 1 exercises the boosting identity
		{30, 10},
	}

	rng := rand.New(rand.NewSource(42))
	const n = 200000
	for _, tc := range cases {
		var sum float64
		for i := 0; i < n; i++ {
			sum += SampleBeta(rng, tc.alpha, tc.beta)
		}
		mean := sum / n
		want := tc.alpha / (tc.alpha + tc.beta)
		require.InDeltaf(t, want, mean, 0.01,
			"Beta(%v,%v) mean = %v, want ≈ %v", tc.alpha, tc.beta, mean, want)
	}
}

func TestSampleBeta_Variance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const n = 200000
	alpha, beta := 2.0, 5.0

	var sum, sumSq float64
	for i := 0; i < n; i++ {
		v := SampleBeta(rng, alpha, beta)
		sum += v
		sumSq += v * v
	}
	mean := sum / n
	variance := sumSq/n - mean*mean

	want := alpha * beta / ((alpha + beta) * (alpha + beta) * (alpha + beta + 1))
	require.InDelta(t, want, variance, 0.005)
}

func TestSampleBeta_DegenerateShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	require.Equal(t, 0.5, SampleBeta(rng, 0, 1))
	require.Equal(t, 0.5, SampleBeta(rng, 1, -2))
	require.False(t, math.IsNaN(SampleBeta(rng, 1e-6, 1e-6)))
}
