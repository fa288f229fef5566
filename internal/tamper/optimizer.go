package tamper

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

// noneSlot marks an empty position in the fixed-length chain encoding.
const noneSlot = "none"

// Objective scores a candidate chain. The scale mirrors the bandit's
// rewards with the sign flipped for minimization: negative = vulnerability
// signal, positive = WAF block, zero = inconclusive.
type Objective func(ctx context.Context, chain schemas.TamperChain) float64

// Optimizer searches the fixed-depth categorical chain space under a hard
// evaluation budget. It warms up with random samples, then fits a per-slot
// surrogate of mean scores and proposes candidates that minimize the
// surrogate, with decaying exploration noise.
type Optimizer struct {
	objective   Objective
	chainLength int
	warmup      int
	calls       int
	categories  []string
	logger      *zap.Logger
}

// NewOptimizer validates the budget and builds an optimizer. The total
// call budget must exceed the number of random warm-up points.
func NewOptimizer(objective Objective, chainLength, warmup, calls int, logger *zap.Logger) (*Optimizer, error) {
	if objective == nil {
		return nil, errors.New("objective function is required")
	}
	if chainLength <= 0 {
		chainLength = 3
	}
	if warmup >= calls {
		return nil, errors.New("optimizer call budget must be greater than the warm-up point count")
	}
	categories := append([]string{noneSlot}, Names()...)
	return &Optimizer{
		objective:   objective,
		chainLength: chainLength,
		warmup:      warmup,
		calls:       calls,
		categories:  categories,
		logger:      logger.Named("tamper_optimizer"),
	}, nil
}

// slotModel accumulates observed scores per (slot, category).
type slotModel struct {
	sum   [][]float64
	count [][]int
}

func newSlotModel(slots, categories int) *slotModel {
	m := &slotModel{
		sum:   make([][]float64, slots),
		count: make([][]int, slots),
	}
	for i := range m.sum {
		m.sum[i] = make([]float64, categories)
		m.count[i] = make([]int, categories)
	}
	return m
}

func (m *slotModel) observe(encoded []int, score float64) {
	for slot, cat := range encoded {
		m.sum[slot][cat] += score
		m.count[slot][cat]++
	}
}

// mean returns the expected score of a category in a slot; unobserved
// categories are optimistic (slightly below neutral) so they still get
// tried.
func (m *slotModel) mean(slot, cat int) float64 {
	if m.count[slot][cat] == 0 {
		return -0.05
	}
	return m.sum[slot][cat] / float64(m.count[slot][cat])
}

// Optimize runs the full evaluation budget and returns the best-scoring
// chain together with its score. The context aborts the search between
// evaluations.
func (o *Optimizer) Optimize(ctx context.Context) (schemas.TamperChain, float64, error) {
	model := newSlotModel(o.chainLength, len(o.categories))

	bestScore := math.Inf(1)
	var bestEncoded []int
	seen := make(map[string]struct{})

	evaluate := func(encoded []int) {
		chain := o.decode(encoded)
		score := o.objective(ctx, chain)
		model.observe(encoded, score)
		if score < bestScore {
			bestScore = score
			bestEncoded = append([]int(nil), encoded...)
			o.logger.Debug("New incumbent chain",
				zap.Strings("chain", chain), zap.Float64("score", score))
		}
	}

	for call := 0; call < o.calls; call++ {
		if err := ctx.Err(); err != nil {
			return o.decode(bestEncoded), bestScore, err
		}

		var encoded []int
		if call < o.warmup {
			encoded = o.randomPoint()
		} else {
			encoded = o.propose(model, call)
		}
		if key := encodeKey(encoded); key != "" {
			if _, dup := seen[key]; dup && call >= o.warmup {
				// Re-proposing a known point wastes budget; perturb it.
				encoded = o.mutate(encoded)
			}
			seen[encodeKey(encoded)] = struct{}{}
		}
		evaluate(encoded)
	}

	best := o.decode(bestEncoded)
	o.logger.Info("Chain optimization finished",
		zap.Strings("best_chain", best), zap.Float64("score", bestScore))
	return best, bestScore, nil
}

func (o *Optimizer) randomPoint() []int {
	encoded := make([]int, o.chainLength)
	for {
		for i := range encoded {
			encoded[i] = rand.Intn(len(o.categories))
		}
		if Compatible(o.decode(encoded)) {
			return encoded
		}
	}
}

// propose picks, per slot, the category minimizing the surrogate mean,
// with exploration noise that decays as the budget is spent.
func (o *Optimizer) propose(model *slotModel, call int) []int {
	explore := 0.3 * float64(o.calls-call) / float64(o.calls)
	encoded := make([]int, o.chainLength)
	for attempt := 0; attempt < 16; attempt++ {
		for slot := range encoded {
			if rand.Float64() < explore {
				encoded[slot] = rand.Intn(len(o.categories))
				continue
			}
			best, bestMean := 0, math.Inf(1)
			for cat := range o.categories {
				if m := model.mean(slot, cat); m < bestMean {
					best, bestMean = cat, m
				}
			}
			encoded[slot] = best
		}
		if Compatible(o.decode(encoded)) {
			return encoded
		}
	}
	return o.randomPoint()
}

func (o *Optimizer) mutate(encoded []int) []int {
	out := append([]int(nil), encoded...)
	out[rand.Intn(len(out))] = rand.Intn(len(o.categories))
	if !Compatible(o.decode(out)) {
		return o.randomPoint()
	}
	return out
}

// decode strips the "none" slots, yielding the concrete chain.
func (o *Optimizer) decode(encoded []int) schemas.TamperChain {
	chain := make(schemas.TamperChain, 0, len(encoded))
	for _, cat := range encoded {
		if name := o.categories[cat]; name != noneSlot {
			chain = append(chain, name)
		}
	}
	return chain
}

func encodeKey(encoded []int) string {
	if encoded == nil {
		return ""
	}
	b := make([]byte, len(encoded))
	for i, v := range encoded {
		b[i] = byte(v)
	}
	return string(b)
}
