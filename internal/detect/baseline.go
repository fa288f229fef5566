package detect

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/fingerprint"
	"github.com/0xf61/sqlhound/internal/httpx"
)

// ErrBaselineUnreachable means every baseline request failed or was
// blocked; the parameter cannot be scanned.
var ErrBaselineUnreachable = errors.New("all baseline requests failed or were blocked")

// Baseline is the unperturbed behavior of one parameter: status, median
// latency, and a locality-sensitive content fingerprint. It is built from
// sequential clean requests and owned by a single worker.
type Baseline struct {
	StatusCode    int
	MedianLatency time.Duration
	Fingerprint   fingerprint.Simhash
	Body          []byte
}

// establishBaseline sends n unperturbed requests and aggregates the
// usable ones. Failed or blocked samples are dropped; only a fully dead
// parameter is an error.
func establishBaseline(ctx context.Context, transport httpx.Transport, point *schemas.InjectionPoint, n int, logger *zap.Logger) (*Baseline, error) {
	if n < 3 {
		n = 3
	}

	var latencies []time.Duration
	var last *httpx.Response
	for i := 0; i < n; i++ {
		resp, err := transport.Do(ctx, specFor(point, point.OriginalValue))
		if err != nil {
			return nil, err
		}
		if resp.TransportErr != nil || httpx.IsBlocked(resp) {
			continue
		}
		latencies = append(latencies, resp.Latency)
		last = resp
	}
	if last == nil {
		return nil, ErrBaselineUnreachable
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	median := latencies[len(latencies)/2]

	b := &Baseline{
		StatusCode:    last.StatusCode,
		MedianLatency: median,
		Fingerprint:   fingerprint.Hash(last.Body),
		Body:          last.Body,
	}
	logger.Debug("baseline established",
		zap.String("parameter", point.Parameter),
		zap.Int("status", b.StatusCode),
		zap.Duration("median_latency", b.MedianLatency),
		zap.Int("usable_samples", len(latencies)))
	return b, nil
}
