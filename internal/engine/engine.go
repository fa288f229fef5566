// Package engine is the scan orchestrator: it fingerprints the target's
// WAF, runs a bounded pool of workers over the injection-point queue, and
// assembles the final report.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/detect"
	"github.com/0xf61/sqlhound/internal/httpx"
	"github.com/0xf61/sqlhound/internal/observability"
	"github.com/0xf61/sqlhound/internal/results"
	"github.com/0xf61/sqlhound/internal/tamper"
	"github.com/0xf61/sqlhound/internal/waf"
)

// Engine ties the scan pipeline together. Construct with New, optionally
// call CheckWAF, then Run with a target queue.
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	client    *httpx.Client
	selector  *tamper.Selector
	store     *results.Store
	oob       *detect.OOBTracker
	detector  *detect.Detector
	wafReport schemas.WAFReport
}

// New wires a scan engine from configuration.
func New(cfg *config.Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = observability.GetLogger().Named("engine")
	}

	client := httpx.NewClient(cfg.Network, logger.Named("httpx"))
	selector := tamper.NewSelector("", cfg.Tamper.Epsilon, logger.Named("tamper"))
	store := results.NewStore(logger.Named("results"))
	oob := detect.NewOOBTracker(cfg.OOB.Collaborator, cfg.OOB.PollDelay, nil, logger.Named("oob"))

	e := &Engine{
		cfg:      cfg,
		logger:   logger,
		client:   client,
		selector: selector,
		store:    store,
		oob:      oob,
	}
	e.detector = detect.NewDetector(client, selector, nil, cfg, store, oob, logger.Named("detect"))
	return e
}

// CheckWAF fingerprints the WAF in front of baseURL before scanning. On
// identification the tamper selector is re-primed with chains known to
// work against the product and host backoff starts at its tolerated
// tempo.
func (e *Engine) CheckWAF(ctx context.Context, baseURL string) error {
	if !e.cfg.WAF.Enabled {
		return nil
	}

	fp := waf.NewFingerprinter(e.client, e.cfg.WAF, e.logger.Named("waf"))
	report, err := fp.Check(ctx, baseURL)
	if err != nil {
		return err
	}
	e.wafReport = report
	if report.WAF == nil {
		return nil
	}

	e.selector = tamper.NewSelector(*report.WAF, e.cfg.Tamper.Epsilon, e.logger.Named("tamper"))
	e.detector = detect.NewDetector(e.client, e.selector, nil, e.cfg, e.store, e.oob, e.logger.Named("detect"))

	if tempo := waf.TempoFor(*report.WAF); tempo > 0 {
		if u, parseErr := url.Parse(baseURL); parseErr == nil {
			e.client.Backoff().Prime(u.Host, tempo)
		}
	}
	return nil
}

// Run consumes the target queue with a bounded worker pool. Each worker
// scans one target's parameters fully before taking the next; a nil item
// or a closed channel stops a worker. Run returns after all workers
// exited and the out-of-band tracker has been drained.
func (e *Engine) Run(ctx context.Context, targets <-chan *schemas.Target) (schemas.Report, error) {
	concurrency := e.cfg.Engine.WorkerConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	g, workerCtx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		worker := e.logger.Named("worker").With(zap.Int("worker_id", i))
		g.Go(func() error {
			return e.workerLoop(workerCtx, targets, worker)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return schemas.Report{}, err
	}

	if e.oob != nil && e.oob.Pending() > 0 {
		e.logger.Info("checking out-of-band callbacks",
			zap.Int("pending", e.oob.Pending()))
		for _, v := range e.oob.CheckPending(ctx) {
			e.store.Add(v)
		}
	}

	report := e.store.Report(uuid.NewString(), e.wafReport)
	e.logger.Info("scan complete",
		zap.Int("vulnerabilities", len(report.Vulnerabilities)),
		zap.Int("skipped", len(report.Skipped)))
	return report, nil
}

func (e *Engine) workerLoop(ctx context.Context, targets <-chan *schemas.Target, logger *zap.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case target, open := <-targets:
			if !open || target == nil {
				logger.Debug("worker exiting")
				return nil
			}
			for i := range target.Parameters {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.detector.Scan(ctx, &target.Parameters[i])
			}
		}
	}
}

// TargetFromURL expands a raw URL into a target with one injection point
// per query parameter.
func TargetFromURL(raw string) (*schemas.Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing target %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target %q: unsupported scheme %q", raw, u.Scheme)
	}

	query := u.Query()
	if len(query) == 0 {
		return nil, fmt.Errorf("target %q has no query parameters to test", raw)
	}

	// The full URL stays on each point so untested parameters keep their
	// original values on the wire.
	points := make([]schemas.InjectionPoint, 0, len(query))
	for name, values := range query {
		original := ""
		if len(values) > 0 {
			original = values[0]
		}
		points = append(points, schemas.InjectionPoint{
			URL:           raw,
			Method:        http.MethodGet,
			Parameter:     name,
			OriginalValue: original,
			Carrier:       schemas.CarrierQuery,
		})
	}

	return &schemas.Target{
		Type:       schemas.TargetURL,
		URL:        raw,
		Method:     http.MethodGet,
		Parameters: points,
	}, nil
}
