package tpo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeBounded(t *testing.T) {
	closes := make([]float64, 0, 60)
	price := 100.0
	for i := 0; i < 60; i++ {
		price += math.Sin(float64(i)) * 2
		closes = append(closes, price)
	}
	normalized := Normalize(closes, 20)
	require.NotEmpty(t, normalized)
	for _, v := range normalized {
		require.GreaterOrEqual(t, v, -1.0001)
		require.LessOrEqual(t, v, 1.0001)
	}
}

func TestUpdateEmitsClampedVotes(t *testing.T) {
	closes := make([]float64, 0, 120)
	price := 100.0
	for i := 0; i < 120; i++ {
		price += math.Sin(float64(i)/5) * 3
		closes = append(closes, price)
	}
	cfg := DefaultConfig()
	cfg.RequireConfluence = false
	v := New(cfg)

	var sawVote bool
	for i := 30; i <= len(closes); i++ {
		votes := v.Update(closes[:i])
		for _, vote := range votes {
			sawVote = true
			require.GreaterOrEqual(t, vote.Strength, 0.0)
			require.LessOrEqual(t, vote.Strength, 1.0)
		}
	}
	require.True(t, sawVote, "oscillating price series should cross at least once")
}

func TestTooShortSeriesNoVote(t *testing.T) {
	v := New(DefaultConfig())
	require.Empty(t, v.Update([]float64{100, 101, 102}))
}
