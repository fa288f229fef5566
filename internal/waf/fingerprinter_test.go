package waf

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/config"
	"github.com/0xf61/sqlhound/internal/httpx"
	"github.com/0xf61/sqlhound/internal/observability"
)

func TestMain(m *testing.M) {
	observability.InitializeLogger(config.LoggerConfig{
		Level:  "error",
		Format: "console",
	})
	os.Exit(m.Run())
}

// scriptedTransport returns responses in order, repeating the last one.
type scriptedTransport struct {
	responses []*httpx.Response
	calls     int
}

func (s *scriptedTransport) Do(_ context.Context, _ *schemas.RequestSpec) (*httpx.Response, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func testWAFConfig() config.WAFConfig {
	return config.WAFConfig{
		Enabled:        true,
		ProbeTimeout:   15 * time.Second,
		DelayRatioMin:  3.0,
		FallbackMinBar: 1.0,
	}
}

func newTestFingerprinter(t *testing.T, transport httpx.Transport) *Fingerprinter {
	t.Helper()
	f := NewFingerprinter(transport, testWAFConfig(), zap.NewNop())
	f.h2Probe = nil
	return f
}

func okResponse() *httpx.Response {
	return &httpx.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte("<html>welcome</html>"),
		Latency:    50 * time.Millisecond,
	}
}

func TestCheck_CloudflareDeterministic(t *testing.T) {
	blocked := &httpx.Response{
		StatusCode: http.StatusForbidden,
		Headers: http.Header{
			"Server":     {"cloudflare"},
			"Cf-Ray":     {"8a2b3c4d5e6f-IAD"},
			"Set-Cookie": {"__cf_bm=abc; Path=/"},
		},
		Body:    []byte("Attention Required! | Cloudflare. Ray ID: 8a2b3c4d5e6f"),
		Latency: 60 * time.Millisecond,
	}
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{okResponse(), blocked}})

	report, err := f.Check(context.Background(), "https://target.example/")
	require.NoError(t, err)
	require.NotNil(t, report.WAF)
	assert.Equal(t, "Cloudflare", *report.WAF)
}

func TestCheck_NoWAF(t *testing.T) {
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{okResponse(), okResponse()}})

	report, err := f.Check(context.Background(), "https://target.example/")
	require.NoError(t, err)
	assert.Nil(t, report.WAF)
}

func TestCheck_SingleWeakSignalIsNotEnough(t *testing.T) {
	// One body keyword alone must not produce a deterministic verdict,
	// and its fallback weight (0.5) stays under the 1.0 bar.
	weak := &httpx.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{},
		Body:       []byte("our CDN partner akamai keeps this page fast"),
		Latency:    50 * time.Millisecond,
	}
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{okResponse(), weak}})

	report, err := f.Check(context.Background(), "https://target.example/")
	require.NoError(t, err)
	assert.Nil(t, report.WAF)
}

func TestCheck_FallbackClassifier(t *testing.T) {
	// Header hit (1.0) plus delay ratio (0.5) plus block page (0.25):
	// below Imperva's MinMatches of 2 but above the 1.0 fallback bar.
	slow := &httpx.Response{
		StatusCode: http.StatusForbidden,
		Headers:    http.Header{"X-Iinfo": {"13-12345-67890"}},
		Body:       []byte("<html>nope</html>"),
		Latency:    400 * time.Millisecond,
	}
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{okResponse(), slow}})

	report, err := f.Check(context.Background(), "https://target.example/")
	require.NoError(t, err)
	require.NotNil(t, report.WAF)
	assert.Equal(t, "Imperva", *report.WAF)
}

func TestCheck_H2SettingsSignal(t *testing.T) {
	// Cookie plus a matching H2 SETTINGS fingerprint reach Cloudflare's
	// threshold even when headers and body are scrubbed.
	scrubbed := &httpx.Response{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Set-Cookie": {"cf_clearance=xyz; Path=/"}},
		Body:       []byte("<html>welcome</html>"),
		Latency:    50 * time.Millisecond,
	}
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{scrubbed, scrubbed}})
	f.h2Probe = func(_ context.Context, _ string) (map[uint16]uint32, error) {
		return map[uint16]uint32{
			settingInitialWindowSize: 65536,
			settingMaxConcurrent:     256,
		}, nil
	}

	report, err := f.Check(context.Background(), "https://target.example/")
	require.NoError(t, err)
	require.NotNil(t, report.WAF)
	assert.Equal(t, "Cloudflare", *report.WAF)
}

func TestCheck_TransportErrorDegradesToNoWAF(t *testing.T) {
	failed := &httpx.Response{TransportErr: context.DeadlineExceeded}
	f := newTestFingerprinter(t, &scriptedTransport{responses: []*httpx.Response{failed, failed}})

	report, err := f.Check(context.Background(), "https://unreachable.example/")
	require.NoError(t, err)
	assert.Nil(t, report.WAF)
}

func TestTempoFor(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, TempoFor("Cloudflare"))
	assert.Zero(t, TempoFor("NoSuchProduct"))
}
