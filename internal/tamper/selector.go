package tamper

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

// Reward values fed back into the selector after each probe.
const (
	RewardBlocked   = -1.0 // request blocked by the WAF
	RewardNeutral   = 0.0  // inconclusive
	RewardConfirmed = 1.0  // technique confirmed a vulnerability with this chain
)

// chainStats is the running reward estimate for one chain.
type chainStats struct {
	value float64
	count int
}

// wafChains maps a fingerprinted WAF name to chains known to be effective
// against it. Primed chains start with a small positive value so early
// exploitation is biased toward them.
var wafChains = map[string][]schemas.TamperChain{
	"Cloudflare": {
		{"versionedkeywords"},
		{"space2randomblank", "randomcase"},
	},
	"AWS WAF": {
		{"space2comment"},
	},
	"Imperva": {
		{"chardoubleencode", "randomcase"},
	},
}

// defaultChains is the starting arm set for the bandit.
var defaultChains = []schemas.TamperChain{
	{},
	{"space2comment"},
	{"randomcase", "space2comment"},
	{"versionedkeywords"},
	{"space2randomblank", "randomcase"},
	{"equaltolike"},
	{"hexencodekeywords", "addnullbyte"},
	{"chardoubleencode"},
}

// Selector picks tamper chains with an epsilon-greedy multi-armed bandit.
// Chain statistics are shared append-mostly state across all scan workers,
// so every access is serialized internally.
type Selector struct {
	mu      sync.Mutex
	epsilon float64
	chains  []schemas.TamperChain
	stats   map[string]*chainStats
	logger  *zap.Logger
}

// NewSelector builds a selector, optionally primed for a detected WAF.
func NewSelector(wafName string, epsilon float64, logger *zap.Logger) *Selector {
	s := &Selector{
		epsilon: epsilon,
		chains:  append([]schemas.TamperChain(nil), defaultChains...),
		stats:   make(map[string]*chainStats),
		logger:  logger.Named("tamper_selector"),
	}

	if primed, ok := wafChains[wafName]; ok {
		s.logger.Info("Priming tamper selector for detected WAF", zap.String("waf", wafName))
		for _, chain := range primed {
			if !s.knownLocked(chain) {
				s.chains = append(s.chains, chain)
			}
			// Pretend each primed chain was tried once with a mild reward.
			s.stats[chain.Key()] = &chainStats{value: 0.5, count: 1}
		}
	}
	return s
}

// SelectChain returns a chain: with probability epsilon a uniformly random
// known chain (exploration), otherwise the chain with the highest current
// value (exploitation). With no statistics yet it always explores.
func (s *Selector) SelectChain() schemas.TamperChain {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rand.Float64() < s.epsilon || len(s.stats) == 0 {
		return s.chains[rand.Intn(len(s.chains))]
	}

	var best schemas.TamperChain
	bestVal := 0.0
	first := true
	for _, chain := range s.chains {
		st, ok := s.stats[chain.Key()]
		if !ok {
			continue
		}
		if first || st.value > bestVal {
			best = chain
			bestVal = st.value
			first = false
		}
	}
	if first {
		return s.chains[rand.Intn(len(s.chains))]
	}
	return best
}

// UpdateStats folds a reward into the chain's running mean using the
// incremental formula v += (r - v) / (count + 1). Chains seen for the
// first time are registered.
func (s *Selector) UpdateStats(chain schemas.TamperChain, reward float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.knownLocked(chain) {
		s.chains = append(s.chains, chain)
	}
	st, ok := s.stats[chain.Key()]
	if !ok {
		st = &chainStats{}
		s.stats[chain.Key()] = st
	}
	st.value += (reward - st.value) / float64(st.count+1)
	st.count++
}

// Value returns the current reward estimate for a chain, zero when the
// chain has never been updated.
func (s *Selector) Value(chain schemas.TamperChain) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[chain.Key()]; ok {
		return st.value
	}
	return 0
}

func (s *Selector) knownLocked(chain schemas.TamperChain) bool {
	for _, c := range s.chains {
		if c.Equal(chain) {
			return true
		}
	}
	return false
}
