// Package httpx is the single egress path for every probe the scanner
// sends. It owns the pooled transport, the global request pacer, per-host
// rate-limit backoff, and the block-page heuristic the detection layers
// key off.
package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	defaultDialTimeout         = 5 * time.Second
	defaultKeepAliveInterval   = 15 * time.Second
	defaultTLSHandshakeTimeout = 5 * time.Second

	// Pool sizes above stdlib defaults; a scanner holds many concurrent
	// conversations with the same handful of hosts.
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 20
	defaultMaxConnsPerHost     = 50
	defaultIdleConnTimeout     = 30 * time.Second

	// Response bodies are capped so a hostile endpoint cannot balloon
	// memory; everything the analyzers need fits well under this.
	maxBodyBytes = 4 << 20
)

// Response is the transport-level result of one probe. TransportErr is set
// for network-layer failures (reset, refused, timeout); the detection
// layers treat those as signal, not as fatal errors.
type Response struct {
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Latency      time.Duration
	TransportErr error
}

// Transport is the probe-sending interface the detection layers depend
// on. The concrete client paces, backs off, and retries-after-backoff;
// tests substitute scripted implementations.
type Transport interface {
	Do(ctx context.Context, spec *schemas.RequestSpec) (*Response, error)
}

// Client implements Transport over a pooled net/http client with a global
// token-bucket pacer and per-host adaptive backoff.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    *RateLimitState
	cookie     string
	userAgent  string
	logger     *zap.Logger
}

// NewClient builds the shared probe client from network configuration.
func NewClient(cfg config.NetworkConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = observability.GetLogger().Named("httpx")
	}

	dialer := &net.Dialer{
		Timeout:   defaultDialTimeout,
		KeepAlive: defaultKeepAliveInterval,
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.IgnoreTLSErrors, //nolint:gosec // operator opt-in for lab targets
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcp, ok := conn.(*net.TCPConn); ok {
				// Probes are small and latency-sensitive; Nagle hurts here.
				_ = tcp.SetNoDelay(true)
			}
			return conn, nil
		},
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: defaultTLSHandshakeTimeout,
		MaxIdleConns:        defaultMaxIdleConns,
		MaxIdleConnsPerHost: defaultMaxIdleConnsPerHost,
		MaxConnsPerHost:     defaultMaxConnsPerHost,
		IdleConnTimeout:     defaultIdleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 20
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			// Redirects are inspected, never followed. Following one can
			// re-send an injected parameter out of scope and it destroys
			// the status-code signal boolean detection relies on.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		backoff:   NewRateLimitState(cfg, logger),
		cookie:    cfg.Cookie,
		userAgent: cfg.UserAgent,
		logger:    logger,
	}
}

// Backoff exposes the per-host backoff state, mainly so the WAF
// fingerprinter can seed a tempo delay for a recognized product.
func (c *Client) Backoff() *RateLimitState { return c.backoff }

// Do sends one probe. Pacing and backoff happen before the wire; timing
// is measured around the wire only, so latency reflects the server alone.
// A network-level failure returns a Response carrying TransportErr; the
// error return is reserved for malformed specs and cancelled contexts.
func (c *Client) Do(ctx context.Context, spec *schemas.RequestSpec) (*Response, error) {
	req, err := buildRequest(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := c.backoff.Wait(ctx, req.URL.Host); err != nil {
		return nil, err
	}

	c.applyIdentity(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Debug("probe transport error",
			zap.String("host", req.URL.Host), zap.Error(err))
		return &Response{Latency: latency, TransportErr: err}, nil
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if readErr != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.backoff.Observe(req.URL.Host, resp.StatusCode)

	return &Response{
		StatusCode:   resp.StatusCode,
		Headers:      resp.Header,
		Body:         body,
		Latency:      latency,
		TransportErr: readErr,
	}, nil
}

func (c *Client) applyIdentity(req *http.Request) {
	if c.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if c.cookie != "" && req.Header.Get("Cookie") == "" {
		req.Header.Set("Cookie", c.cookie)
	}
}

// buildRequest materializes a RequestSpec into a concrete http.Request,
// encoding whichever single carrier the spec populates.
func buildRequest(ctx context.Context, spec *schemas.RequestSpec) (*http.Request, error) {
	if spec == nil {
		return nil, fmt.Errorf("nil request spec")
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	contentType := ""
	target := spec.URL

	switch {
	case spec.JSON != nil:
		raw, err := json.Marshal(spec.JSON)
		if err != nil {
			return nil, fmt.Errorf("encoding json body: %w", err)
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	case spec.Form != nil:
		body = strings.NewReader(spec.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case spec.Query != nil:
		u, err := url.Parse(spec.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing target url: %w", err)
		}
		merged := u.Query()
		for k, vs := range spec.Query {
			merged[k] = vs
		}
		u.RawQuery = merged.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// blockKeywords mark WAF interstitial pages that arrive with an innocuous
// status code.
var blockKeywords = []string{
	"access denied",
	"request blocked",
	"security policy",
	"forbidden by administrative rules",
	"the requested url was rejected",
	"attention required",
}

// IsBlocked reports whether a response looks like a WAF rejection rather
// than an application answer.
func IsBlocked(resp *Response) bool {
	if resp == nil {
		return false
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotAcceptable {
		return true
	}
	lower := strings.ToLower(string(resp.Body))
	for _, kw := range blockKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
