package tamper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

func TestSelector_ConvergesOnRewardedChain(t *testing.T) {
	s := NewSelector("", 0, zap.NewNop()) // epsilon 0: pure exploitation

	winner := schemas.TamperChain{"randomcase", "space2comment"}
	for i := 0; i < 20; i++ {
		s.UpdateStats(winner, RewardConfirmed)
	}
	s.UpdateStats(schemas.TamperChain{"equaltolike"}, RewardBlocked)
	s.UpdateStats(schemas.TamperChain{"versionedkeywords"}, RewardNeutral)

	for i := 0; i < 10; i++ {
		assert.True(t, winner.Equal(s.SelectChain()))
	}
}

func TestSelector_IncrementalMean(t *testing.T) {
	s := NewSelector("", 0.2, zap.NewNop())
	chain := schemas.TamperChain{"space2comment"}

	s.UpdateStats(chain, 1)
	assert.InDelta(t, 1.0, s.Value(chain), 1e-9)

	s.UpdateStats(chain, -1)
	assert.InDelta(t, 0.0, s.Value(chain), 1e-9)

	s.UpdateStats(chain, 1)
	assert.InDelta(t, 1.0/3.0, s.Value(chain), 1e-9)
}

func TestSelector_RegistersUnknownChains(t *testing.T) {
	s := NewSelector("", 0, zap.NewNop())
	novel := schemas.TamperChain{"functionsynonyms", "addnullbyte"}
	s.UpdateStats(novel, RewardConfirmed)
	assert.True(t, novel.Equal(s.SelectChain()))
}

func TestSelector_WAFPriming(t *testing.T) {
	s := NewSelector("Cloudflare", 0, zap.NewNop())
	// With no other stats, exploitation must pick one of the primed chains.
	primed := wafChains["Cloudflare"]
	got := s.SelectChain()
	found := false
	for _, c := range primed {
		if c.Equal(got) {
			found = true
		}
	}
	assert.True(t, found, "expected a primed chain, got %v", got)
	assert.InDelta(t, 0.5, s.Value(primed[0]), 1e-9)
}

func TestSelector_EmptyStatsExplores(t *testing.T) {
	s := NewSelector("", 0, zap.NewNop())
	// No stats at all: must still return some known chain, not panic.
	got := s.SelectChain()
	assert.True(t, Compatible(got))
}

func TestOptimizer_BudgetValidation(t *testing.T) {
	obj := func(context.Context, schemas.TamperChain) float64 { return 0 }
	_, err := NewOptimizer(obj, 3, 10, 10, zap.NewNop())
	require.Error(t, err)

	_, err = NewOptimizer(nil, 3, 5, 20, zap.NewNop())
	require.Error(t, err)
}

func TestOptimizer_FindsRewardedChain(t *testing.T) {
	// The objective rewards any chain containing space2comment and
	// penalizes chardoubleencode, simulating a WAF with a known bypass.
	objective := func(_ context.Context, chain schemas.TamperChain) float64 {
		for _, name := range chain {
			if name == "chardoubleencode" {
				return 1 // blocked
			}
		}
		for _, name := range chain {
			if name == "space2comment" {
				return -1 // vulnerability signal
			}
		}
		return 0
	}

	opt, err := NewOptimizer(objective, 3, 10, 40, zap.NewNop())
	require.NoError(t, err)

	best, score, err := opt.Optimize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1.0, score)
	assert.Contains(t, best, "space2comment")
}

func TestOptimizer_HonorsContextCancellation(t *testing.T) {
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	objective := func(context.Context, schemas.TamperChain) float64 {
		calls++
		if calls == 5 {
			cancel()
		}
		return 0
	}

	opt, err := NewOptimizer(objective, 3, 2, 50, zap.NewNop())
	require.NoError(t, err)

	_, _, err = opt.Optimize(ctx)
	require.Error(t, err)
	assert.Less(t, calls, 10)
}
