package detect

import (
	"context"
	"errors"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/fingerprint"
	"github.com/0xf61/sqlhound/internal/httpx"
	"github.com/0xf61/sqlhound/internal/observability"
	"github.com/0xf61/sqlhound/internal/payload"
	"github.com/0xf61/sqlhound/internal/results"
	"github.com/0xf61/sqlhound/internal/tamper"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Detector runs the full detection state machine for one injection point
// at a time: baseline, taint, then error, time, boolean, and union
// confirmation in strict order, short-circuiting on the first finding.
// One Detector is shared by all workers; per-parameter state lives on the
// stack of Scan.
type Detector struct {
	transport httpx.Transport
	selector  *tamper.Selector
	scorer    Scorer
	cfg       *config.Config
	store     *results.Store
	oob       *OOBTracker
	logger    *zap.Logger
}

// NewDetector wires the detector. A nil scorer gets the keyword default;
// a nil oob tracker disables out-of-band probing.
func NewDetector(transport httpx.Transport, selector *tamper.Selector, scorer Scorer, cfg *config.Config, store *results.Store, oob *OOBTracker, logger *zap.Logger) *Detector {
	if scorer == nil {
		scorer = KeywordScorer{}
	}
	if logger == nil {
		logger = observability.GetLogger().Named("detect")
	}
	return &Detector{
		transport: transport,
		selector:  selector,
		scorer:    scorer,
		cfg:       cfg,
		store:     store,
		oob:       oob,
		logger:    logger,
	}
}

// Scan processes one injection point end to end under the configured
// point timeout. It never returns an error: timeouts and dead targets are
// recorded as skips, findings go to the result store.
func (d *Detector) Scan(ctx context.Context, point *schemas.InjectionPoint) {
	if d.store.Has(point.URL, point.Parameter) {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Engine.PointTimeout)
	defer cancel()

	logger := d.logger.With(
		zap.String("url", point.URL),
		zap.String("parameter", point.Parameter))

	found, err := d.scan(ctx, point, logger)
	switch {
	case errors.Is(err, ErrBaselineUnreachable):
		logger.Warn("parameter skipped, baseline unreachable")
		d.store.MarkSkipped(point.URL, point.Parameter, "baseline unreachable")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("parameter skipped, scan timeout",
			zap.Duration("timeout", d.cfg.Engine.PointTimeout))
		d.store.MarkSkipped(point.URL, point.Parameter, fmt.Sprintf("timeout after %s", d.cfg.Engine.PointTimeout))
	case err != nil:
		// Cancellation of the whole run; nothing to record.
	case !found:
		logger.Debug("parameter clean, no technique confirmed")
	}
}

func (d *Detector) scan(ctx context.Context, point *schemas.InjectionPoint, logger *zap.Logger) (bool, error) {
	base, err := establishBaseline(ctx, d.transport, point, d.cfg.Detection.BaselineSamples, logger)
	if err != nil {
		return false, err
	}

	rc := analyzeTaint(ctx, d.transport, point, logger)

	dialect := d.dialectHint()

	if d.oob != nil {
		if err := d.fireOOB(ctx, point, rc, dialect); err != nil {
			return false, err
		}
	}

	// Fast opening pass: anomaly-score a handful of cheap probes and, on a
	// high score, jump straight to a boolean confirmation round.
	confirmed, inferred, err := d.fuzzAndScore(ctx, point, base, rc, dialect)
	if err != nil {
		return false, err
	}
	if inferred != schemas.DialectUnknown {
		dialect = inferred
	}
	if confirmed {
		return true, nil
	}

	found, inferred, err := d.errorBased(ctx, point, base, rc, dialect)
	if err != nil || found {
		return found, err
	}
	if inferred != schemas.DialectUnknown {
		dialect = inferred
	}

	found, err = d.timeBased(ctx, point, base, rc, dialect)
	if err != nil || found {
		return found, err
	}

	found, err = d.booleanBased(ctx, point, base, rc, dialect)
	if err != nil || found {
		return found, err
	}

	return d.unionBased(ctx, point, base, dialect)
}

func (d *Detector) dialectHint() schemas.Dialect {
	switch hint := schemas.Dialect(d.cfg.Detection.DialectHint); hint {
	case schemas.DialectMySQL, schemas.DialectPostgreSQL, schemas.DialectMSSQL,
		schemas.DialectOracle, schemas.DialectSQLite:
		return hint
	default:
		return schemas.DialectUnknown
	}
}

// candidates returns the dialects worth generating payloads for.
func candidates(dialect schemas.Dialect) []schemas.Dialect {
	if dialect != schemas.DialectUnknown {
		return []schemas.Dialect{dialect}
	}
	return schemas.AllDialects
}

// probe applies a tamper chain to a payload body and sends it. Blocked
// responses feed the chain's reward before returning.
func (d *Detector) probe(ctx context.Context, point *schemas.InjectionPoint, body string, chain schemas.TamperChain) (*httpx.Response, bool, error) {
	tampered := tamper.Apply(body, chain)
	resp, err := d.transport.Do(ctx, specFor(point, injected(point, tampered)))
	if err != nil {
		return nil, false, err
	}
	if httpx.IsBlocked(resp) {
		d.selector.UpdateStats(chain, tamper.RewardBlocked)
		return resp, true, nil
	}
	return resp, false, nil
}

func (d *Detector) record(point *schemas.InjectionPoint, typ string, p schemas.Payload, chain schemas.TamperChain, dialect schemas.Dialect, info *schemas.UnionInfo, evidence any) {
	v := schemas.Vulnerability{
		URL:         point.URL,
		Parameter:   point.Parameter,
		Type:        typ,
		Technique:   p.Technique,
		Payload:     p,
		TamperChain: chain,
		Dialect:     dialect,
		UnionInfo:   info,
	}
	if evidence != nil {
		if raw, err := json.Marshal(evidence); err == nil {
			v.Evidence = raw
		}
	}
	if d.store.Add(v) {
		d.selector.UpdateStats(chain, tamper.RewardConfirmed)
	}
}

// -- Fuzz-and-score opening pass --

func (d *Detector) fuzzAndScore(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (bool, schemas.Dialect, error) {
	probes := payload.Generate(schemas.TechniqueErrorBased, dialect, rc, payload.Options{})
	if len(probes) > 4 {
		probes = probes[:4]
	}

	for _, p := range probes {
		chain := d.selector.SelectChain()
		resp, blocked, err := d.probe(ctx, point, p.Body, chain)
		if err != nil {
			return false, schemas.DialectUnknown, err
		}

		type attempt struct {
			resp  *httpx.Response
			chain schemas.TamperChain
		}
		var attempts []attempt
		if blocked {
			// A filtered probe gets a second look through a couple of
			// randomly re-signed variants, each scored against the chain
			// that produced it.
			for _, vchain := range tamper.Permute(p.Body, 2, d.cfg.Tamper.MaxChainLength) {
				vresp, vblocked, verr := d.probe(ctx, point, p.Body, vchain)
				if verr != nil {
					return false, schemas.DialectUnknown, verr
				}
				if vblocked || vresp.TransportErr != nil {
					continue
				}
				attempts = append(attempts, attempt{vresp, vchain})
			}
		} else if resp.TransportErr == nil {
			attempts = append(attempts, attempt{resp, chain})
		}

		for _, a := range attempts {
			resp := a.resp
			_, _, sigHit := payload.MatchError(resp.Body)
			score := d.scorer.Score(featuresFor(resp, base, sigHit))
			if score < d.cfg.Detection.AnomalyThreshold {
				d.selector.UpdateStats(a.chain, tamper.RewardNeutral)
				continue
			}

			d.logger.Debug("anomaly score above threshold, running boolean confirmation",
				zap.Float64("score", score), zap.String("family", p.Family))

			// The score alone never reports; only a boolean confirmation does.
			confirmedPayload, confirmedChain, ok, err := d.booleanConfirm(ctx, point, base, rc, dialect)
			if err != nil {
				return false, schemas.DialectUnknown, err
			}
			if ok {
				inferred, _, _ := payload.MatchError(resp.Body)
				d.record(point, "SQL Injection (Boolean-Based)", confirmedPayload, confirmedChain, inferred, nil, map[string]any{
					"anomaly_score":  score,
					"trigger_family": p.Family,
				})
				return true, inferred, nil
			}
			return false, schemas.DialectUnknown, nil
		}
	}
	return false, schemas.DialectUnknown, nil
}

// -- Error-based --

func (d *Detector) errorBased(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (bool, schemas.Dialect, error) {
	sent, blockedCount := 0, 0
	// The generic breakout probes are dialect-independent; send each body
	// once no matter how many candidate dialects repeat it.
	seen := make(map[string]struct{})
	for _, cand := range candidates(dialect) {
		for _, p := range payload.Generate(schemas.TechniqueErrorBased, cand, rc, payload.Options{}) {
			if _, dup := seen[p.Body]; dup {
				continue
			}
			seen[p.Body] = struct{}{}
			chain := d.selector.SelectChain()
			resp, blocked, err := d.probe(ctx, point, p.Body, chain)
			if err != nil {
				return false, schemas.DialectUnknown, err
			}
			sent++
			if blocked {
				blockedCount++
				continue
			}
			if resp.TransportErr != nil {
				continue
			}

			inferred, pattern, ok := payload.MatchError(resp.Body)
			if !ok {
				d.selector.UpdateStats(chain, tamper.RewardNeutral)
				continue
			}
			// The clean page must not already carry the error text.
			if _, _, baseHit := payload.MatchError(base.Body); baseHit {
				d.selector.UpdateStats(chain, tamper.RewardNeutral)
				continue
			}

			evidence := map[string]any{"matched_pattern": pattern}
			if inferred == schemas.DialectMySQL {
				if extracted := d.extractScalars(ctx, point, rc, chain); len(extracted) > 0 {
					evidence["extracted"] = extracted
				}
			}
			d.record(point, "SQL Injection (Error-Based)", p, chain, inferred, nil, evidence)
			return true, inferred, nil
		}
		if dialect != schemas.DialectUnknown {
			break
		}
	}

	// A WAF that blocked every single probe earns the budgeted chain
	// optimizer a shot at finding a bypass.
	if sent > 0 && blockedCount == sent {
		return d.deepEvade(ctx, point, base, rc, dialect)
	}
	return false, schemas.DialectUnknown, nil
}

// extractScalars runs the proof-of-concept extraction probes and pulls
// the leaked values out of the error text.
func (d *Detector) extractScalars(ctx context.Context, point *schemas.InjectionPoint, rc schemas.ReflectionContext, chain schemas.TamperChain) map[string]string {
	out := make(map[string]string)
	for _, p := range payload.ExtractionProbes(schemas.DialectMySQL, rc) {
		resp, blocked, err := d.probe(ctx, point, p.Body, chain)
		if err != nil || blocked || resp.TransportErr != nil {
			continue
		}
		if value, ok := payload.ExtractLeakedScalar(resp.Body); ok {
			out[p.Family] = value
		}
	}
	return out
}

// -- Time-based --

func (d *Detector) timeBased(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (bool, error) {
	sleep := time.Duration(d.cfg.Detection.SleepSeconds) * time.Second
	threshold := base.MedianLatency + time.Duration(d.cfg.Detection.TimeConfirmFactor*float64(sleep))
	samples := d.cfg.Detection.TimeSamples
	if samples < 2 {
		samples = 2
	}

	for _, cand := range candidates(dialect) {
		payloads := payload.Generate(schemas.TechniqueTimeBased, cand, rc, payload.Options{
			SleepSeconds: d.cfg.Detection.SleepSeconds,
		})
		for _, p := range payloads {
			chain := d.selector.SelectChain()

			confirms := 0
			var latencies []time.Duration
			for i := 0; i < samples; i++ {
				resp, blocked, err := d.probe(ctx, point, p.Body, chain)
				if err != nil {
					return false, err
				}
				// A blocked or failed response is a neutral sample, never
				// a confirming one.
				if blocked || resp.TransportErr != nil {
					continue
				}
				latencies = append(latencies, resp.Latency)
				if resp.Latency > threshold {
					confirms++
				}
			}
			if confirms < samples {
				d.selector.UpdateStats(chain, tamper.RewardNeutral)
				continue
			}

			d.record(point, "SQL Injection (Time-Based)", p, chain, cand, nil, map[string]any{
				"baseline_median_ms": base.MedianLatency.Milliseconds(),
				"threshold_ms":       threshold.Milliseconds(),
				"latencies_ms":       toMillis(latencies),
			})
			return true, nil
		}
	}
	return false, nil
}

func toMillis(ds []time.Duration) []int64 {
	out := make([]int64, len(ds))
	for i, d := range ds {
		out[i] = d.Milliseconds()
	}
	return out
}

// -- Boolean-based --

func (d *Detector) booleanBased(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (bool, error) {
	p, chain, ok, err := d.booleanConfirm(ctx, point, base, rc, dialect)
	if err != nil || !ok {
		return false, err
	}
	d.record(point, "SQL Injection (Boolean-Based)", p, chain, dialect, nil, nil)
	return true, nil
}

// booleanConfirm sends TRUE/FALSE pairs and requires both distance
// checks: TRUE close to baseline, FALSE far from TRUE.
func (d *Detector) booleanConfirm(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, rc schemas.ReflectionContext, dialect schemas.Dialect) (schemas.Payload, schemas.TamperChain, bool, error) {
	for _, p := range payload.Generate(schemas.TechniqueBooleanBased, dialect, rc, payload.Options{}) {
		chain := d.selector.SelectChain()

		trueResp, blocked, err := d.probe(ctx, point, p.TrueBody, chain)
		if err != nil {
			return schemas.Payload{}, nil, false, err
		}
		if blocked || trueResp.TransportErr != nil {
			continue
		}
		falseResp, blocked, err := d.probe(ctx, point, p.FalseBody, chain)
		if err != nil {
			return schemas.Payload{}, nil, false, err
		}
		if blocked || falseResp.TransportErr != nil {
			continue
		}

		trueFP := fingerprint.Hash(trueResp.Body)
		falseFP := fingerprint.Hash(falseResp.Body)

		trueSame := fingerprint.Same(trueFP, base.Fingerprint, d.cfg.Detection.SameDistance)
		falseDifferent := fingerprint.Different(falseFP, trueFP, d.cfg.Detection.DifferentDistance)
		if trueSame && falseDifferent {
			return p, chain, true, nil
		}
		d.selector.UpdateStats(chain, tamper.RewardNeutral)
	}
	return schemas.Payload{}, nil, false, nil
}

// -- Union-based --

func (d *Detector) unionBased(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, dialect schemas.Dialect) (bool, error) {
	info, p, err := d.unionScan(ctx, point, base, d.logger)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}
	p.Dialect = dialect
	d.record(point, "SQL Injection (UNION-Based)", p, nil, dialect, info, nil)
	return true, nil
}

// -- Out-of-band --

// fireOOB sends one correlated OOB payload per candidate dialect and
// registers the tokens. Nothing waits here; callbacks are checked once
// at the end of the whole run.
func (d *Detector) fireOOB(ctx context.Context, point *schemas.InjectionPoint, rc schemas.ReflectionContext, dialect schemas.Dialect) error {
	for _, cand := range candidates(dialect) {
		token := newMarker()
		payloads := payload.Generate(schemas.TechniqueOOB, cand, rc, payload.Options{
			Collaborator: d.oob.Collaborator(),
			Token:        token,
		})
		for _, p := range payloads {
			chain := d.selector.SelectChain()
			if _, _, err := d.probe(ctx, point, p.Body, chain); err != nil {
				return err
			}
			d.oob.Register(token, *point, p, chain)
		}
	}
	return nil
}
