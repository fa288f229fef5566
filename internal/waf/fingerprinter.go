package waf

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/httpx"
	"github.com/0xf61/sqlhound/internal/observability"
)

// probePayload is deliberately noisy: an XSS-shaped string any inline
// inspection rule fires on, without doing the target any harm.
const probePayload = "<script>alert('sqlhound')</script>"

// Per-signal weights for the fallback classifier. Deterministic rules use
// raw counts against MinMatches; the fallback sums these instead.
const (
	weightHeader   = 1.0
	weightCookie   = 1.0
	weightBody     = 0.5
	weightDelay    = 0.5
	weightH2Match  = 1.5
	weightBlocked  = 0.25
	benignLatFloor = 10 * time.Millisecond
)

// Fingerprinter identifies the WAF protecting a base URL.
type Fingerprinter struct {
	transport httpx.Transport
	cfg       config.WAFConfig
	logger    *zap.Logger

	// h2Probe fetches the server's advertised HTTP/2 SETTINGS; nil when
	// the transport cannot speak raw h2 (plain-HTTP targets, tests).
	h2Probe func(ctx context.Context, host string) (map[uint16]uint32, error)
}

// NewFingerprinter builds a fingerprinter over the given transport.
func NewFingerprinter(transport httpx.Transport, cfg config.WAFConfig, logger *zap.Logger) *Fingerprinter {
	if logger == nil {
		logger = observability.GetLogger().Named("waf")
	}
	return &Fingerprinter{
		transport: transport,
		cfg:       cfg,
		logger:    logger,
		h2Probe:   ProbeH2Settings,
	}
}

// candidate accumulates evidence for one product across all signals.
type candidate struct {
	matches int     // deterministic signal hits
	score   float64 // weighted fallback score
}

// Check sends one benign and one malicious probe and classifies the WAF.
// It returns the product name, or empty when nothing is identified. Probe
// transport failures degrade to "no WAF", never to an error: a target we
// cannot reach at all is the engine's problem, not the fingerprinter's.
func (f *Fingerprinter) Check(ctx context.Context, baseURL string) (schemas.WAFReport, error) {
	if err := ctx.Err(); err != nil {
		return schemas.WAFReport{}, err
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return schemas.WAFReport{}, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	benign, err := f.transport.Do(probeCtx, &schemas.RequestSpec{
		Method: http.MethodGet,
		URL:    baseURL,
		Query:  url.Values{},
	})
	if err != nil {
		return schemas.WAFReport{}, err
	}

	malicious, err := f.transport.Do(probeCtx, &schemas.RequestSpec{
		Method: http.MethodGet,
		URL:    baseURL,
		Query:  url.Values{"id": {probePayload}},
	})
	if err != nil {
		return schemas.WAFReport{}, err
	}

	var h2Settings map[uint16]uint32
	if f.h2Probe != nil && u.Scheme == "https" {
		host := u.Host
		if u.Port() == "" {
			host += ":443"
		}
		if settings, probeErr := f.h2Probe(probeCtx, host); probeErr == nil {
			h2Settings = settings
		} else {
			f.logger.Debug("h2 settings probe failed", zap.Error(probeErr))
		}
	}

	candidates := f.scoreCandidates(benign, malicious, h2Settings)

	// Deterministic pass: any product whose independent signal count
	// reaches its own threshold wins outright.
	bestName, bestMatches := "", 0
	for _, sig := range Signatures {
		c := candidates[sig.Name]
		if c == nil || c.matches < sig.MinMatches {
			continue
		}
		if c.matches > bestMatches {
			bestName, bestMatches = sig.Name, c.matches
		}
	}
	if bestName != "" {
		f.logger.Info("waf identified",
			zap.String("waf", bestName), zap.Int("signals", bestMatches))
		name := bestName
		return schemas.WAFReport{WAF: &name}, nil
	}

	// Fallback: weighted sum over every partial signal; report the top
	// scorer only if it clears the minimum bar.
	var fallbackName string
	var fallbackScore float64
	for name, c := range candidates {
		if c.score > fallbackScore {
			fallbackName, fallbackScore = name, c.score
		}
	}
	if fallbackScore >= f.cfg.FallbackMinBar {
		f.logger.Info("waf identified by fallback classifier",
			zap.String("waf", fallbackName), zap.Float64("score", fallbackScore))
		return schemas.WAFReport{WAF: &fallbackName}, nil
	}

	f.logger.Info("no waf identified")
	return schemas.WAFReport{}, nil
}

func (f *Fingerprinter) scoreCandidates(benign, malicious *httpx.Response, h2 map[uint16]uint32) map[string]*candidate {
	out := make(map[string]*candidate, len(Signatures))
	get := func(name string) *candidate {
		if out[name] == nil {
			out[name] = &candidate{}
		}
		return out[name]
	}

	delayRatio := 0.0
	if benign.TransportErr == nil && malicious.TransportErr == nil {
		benignLat := benign.Latency
		if benignLat < benignLatFloor {
			benignLat = benignLatFloor
		}
		delayRatio = float64(malicious.Latency) / float64(benignLat)
	}
	blocked := httpx.IsBlocked(malicious) && !httpx.IsBlocked(benign)

	for _, sig := range Signatures {
		c := get(sig.Name)

		for header, want := range sig.Headers {
			for _, resp := range []*httpx.Response{benign, malicious} {
				if resp.Headers == nil {
					continue
				}
				got := resp.Headers.Get(header)
				if got == "" {
					continue
				}
				if want == "" || strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
					c.matches++
					c.score += weightHeader
					break
				}
			}
		}

		for _, prefix := range sig.Cookies {
			if hasCookiePrefix(benign, prefix) || hasCookiePrefix(malicious, prefix) {
				c.matches++
				c.score += weightCookie
			}
		}

		if sig.Body != nil && (sig.Body.Match(malicious.Body) || sig.Body.Match(benign.Body)) {
			c.matches++
			c.score += weightBody
		}

		if sig.DelayRatioMin > 0 && delayRatio >= sig.DelayRatioMin {
			c.score += weightDelay
		}

		if len(sig.H2Settings) > 0 && h2 != nil {
			all := true
			for id, want := range sig.H2Settings {
				if h2[id] != want {
					all = false
					break
				}
			}
			if all {
				c.matches++
				c.score += weightH2Match
			}
		}

		if blocked {
			c.score += weightBlocked
		}
	}
	return out
}

func hasCookiePrefix(resp *httpx.Response, prefix string) bool {
	if resp == nil || resp.Headers == nil {
		return false
	}
	for _, setCookie := range resp.Headers.Values("Set-Cookie") {
		name, _, ok := strings.Cut(setCookie, "=")
		if ok && strings.HasPrefix(strings.TrimSpace(name), prefix) {
			return true
		}
	}
	return false
}
