package httpx

import (
	"context"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/internal/config"
)

// hostBackoff tracks the pacing state for one host: a static tempo seeded
// by WAF fingerprinting and an adaptive delay that is inactive until the
// host answers 429 or 503. The tempo never decays; only the adaptive part
// follows the double/halve rules.
type hostBackoff struct {
	tempo      time.Duration
	active     bool
	delay      time.Duration
	cleanCount int
}

// RateLimitState holds per-host backoff state shared by all workers. A
// throttling response doubles the host's delay up to the ceiling; a run of
// clean responses halves it, and reaching the floor deactivates backoff
// entirely.
type RateLimitState struct {
	mu    sync.Mutex
	hosts map[string]*hostBackoff

	floor        time.Duration
	ceiling      time.Duration
	cleanToHalve int
	jitter       float64

	logger *zap.Logger
}

// NewRateLimitState builds the shared backoff tracker from network config,
// clamping nonsense values to usable defaults.
func NewRateLimitState(cfg config.NetworkConfig, logger *zap.Logger) *RateLimitState {
	floor := cfg.BackoffFloor
	if floor <= 0 {
		floor = time.Second
	}
	ceiling := cfg.BackoffCeiling
	if ceiling < floor {
		ceiling = 60 * time.Second
	}
	clean := cfg.CleanToHalve
	if clean <= 0 {
		clean = 10
	}
	jitter := cfg.JitterFraction
	if jitter < 0 || jitter >= 1 {
		jitter = 0.2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitState{
		hosts:        make(map[string]*hostBackoff),
		floor:        floor,
		ceiling:      ceiling,
		cleanToHalve: clean,
		jitter:       jitter,
		logger:       logger,
	}
}

// Observe feeds one response status into the host's backoff state.
func (s *RateLimitState) Observe(host string, statusCode int) {
	throttled := statusCode == http.StatusTooManyRequests || statusCode == http.StatusServiceUnavailable

	s.mu.Lock()
	defer s.mu.Unlock()

	hb := s.hosts[host]
	if hb == nil {
		if !throttled {
			return
		}
		hb = &hostBackoff{}
		s.hosts[host] = hb
	}

	if throttled {
		hb.cleanCount = 0
		if !hb.active {
			hb.active = true
			hb.delay = s.floor
		} else {
			hb.delay *= 2
			if hb.delay > s.ceiling {
				hb.delay = s.ceiling
			}
		}
		s.logger.Warn("host is throttling, backing off",
			zap.String("host", host),
			zap.Int("status", statusCode),
			zap.Duration("delay", hb.delay))
		return
	}

	if !hb.active {
		return
	}
	hb.cleanCount++
	if hb.cleanCount < s.cleanToHalve {
		return
	}
	hb.cleanCount = 0
	hb.delay /= 2
	if hb.delay <= s.floor {
		// Recovered; stop penalizing the host.
		hb.active = false
		hb.delay = 0
		s.logger.Info("host backoff cleared", zap.String("host", host))
		return
	}
	s.logger.Info("host backoff relaxed",
		zap.String("host", host), zap.Duration("delay", hb.delay))
}

// Prime sets the static tempo for a host. Used after WAF fingerprinting so
// every request honors the product's known tolerated pace; throttling
// responses still layer the adaptive backoff on top of it.
func (s *RateLimitState) Prime(host string, tempo time.Duration) {
	if tempo <= 0 {
		return
	}
	if tempo > s.ceiling {
		tempo = s.ceiling
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.hosts[host]
	if hb == nil {
		hb = &hostBackoff{}
		s.hosts[host] = hb
	}
	hb.tempo = tempo
}

// Delay returns the current jittered wait for a host: the static tempo
// plus the adaptive delay while backoff is active, zero when neither
// applies. Jitter spreads worker wakeups so relaxed probes do not arrive
// as a synchronized burst.
func (s *RateLimitState) Delay(host string) time.Duration {
	s.mu.Lock()
	hb := s.hosts[host]
	var base time.Duration
	if hb != nil {
		base = hb.tempo
		if hb.active {
			base += hb.delay
		}
	}
	jitter := s.jitter
	s.mu.Unlock()

	if base == 0 {
		return 0
	}
	span := float64(base) * jitter
	offset := (rand.Float64()*2 - 1) * span
	return time.Duration(float64(base) + offset)
}

// Wait blocks for the host's current jittered delay, returning early only
// when the context is cancelled.
func (s *RateLimitState) Wait(ctx context.Context, host string) error {
	d := s.Delay(host)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Active reports whether backoff is currently engaged for a host.
func (s *RateLimitState) Active(host string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := s.hosts[host]
	return hb != nil && hb.active
}
