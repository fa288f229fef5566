package detect

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

// Resolver is the DNS lookup used to check whether an out-of-band probe
// fired. net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// pendingProbe is one fired OOB payload awaiting its callback.
type pendingProbe struct {
	point   schemas.InjectionPoint
	payload schemas.Payload
	chain   schemas.TamperChain
	firedAt time.Time
}

// OOBTracker correlates out-of-band payloads with later DNS resolutions.
// Probes are fire-and-forget: the worker registers a token, moves on, and
// a final pass checks every pending token after the poll delay.
type OOBTracker struct {
	mu           sync.Mutex
	pending      map[string]pendingProbe
	collaborator string
	pollDelay    time.Duration
	resolver     Resolver
	logger       *zap.Logger
}

// NewOOBTracker builds a tracker for the collaborator domain; nil when no
// collaborator is configured.
func NewOOBTracker(collaborator string, pollDelay time.Duration, resolver Resolver, logger *zap.Logger) *OOBTracker {
	if collaborator == "" {
		return nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if pollDelay <= 0 {
		pollDelay = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OOBTracker{
		pending:      make(map[string]pendingProbe),
		collaborator: collaborator,
		pollDelay:    pollDelay,
		resolver:     resolver,
		logger:       logger,
	}
}

// Collaborator returns the configured OOB base domain.
func (t *OOBTracker) Collaborator() string { return t.collaborator }

// Register records a fired probe under its correlation token.
func (t *OOBTracker) Register(token string, point schemas.InjectionPoint, payload schemas.Payload, chain schemas.TamperChain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[token] = pendingProbe{
		point:   point,
		payload: payload,
		chain:   chain,
		firedAt: time.Now(),
	}
}

// Pending returns the number of unresolved probes.
func (t *OOBTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CheckPending waits out the poll delay, then resolves every registered
// token's subdomain against the collaborator. A resolution means the
// database followed the payload out of band; each hit becomes a finding.
func (t *OOBTracker) CheckPending(ctx context.Context) []schemas.Vulnerability {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]pendingProbe, len(t.pending))
	for token, probe := range t.pending {
		snapshot[token] = probe
	}
	t.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(t.pollDelay):
	}

	var findings []schemas.Vulnerability
	for token, probe := range snapshot {
		host := token + "." + t.collaborator
		if _, err := t.resolver.LookupHost(ctx, host); err != nil {
			continue
		}
		t.logger.Info("out-of-band callback confirmed",
			zap.String("parameter", probe.point.Parameter),
			zap.String("token", token))
		findings = append(findings, schemas.Vulnerability{
			URL:         probe.point.URL,
			Parameter:   probe.point.Parameter,
			Type:        "SQL Injection (Out-of-Band)",
			Technique:   schemas.TechniqueOOB,
			Payload:     probe.payload,
			TamperChain: probe.chain,
			Dialect:     probe.payload.Dialect,
		})

		t.mu.Lock()
		delete(t.pending, token)
		t.mu.Unlock()
	}
	return findings
}
