package detect

import (
	"strings"

	"github.com/0xf61/sqlhound/internal/fingerprint"
	"github.com/0xf61/sqlhound/internal/httpx"
)

// Features summarizes one probe response relative to baseline for the
// anomaly scorer.
type Features struct {
	// SignatureHits counts database error keywords found in the body.
	SignatureHits int
	// FingerprintDistance is the Simhash Hamming distance from baseline.
	FingerprintDistance int
	// TimingDeviation is (latency - baseline median) in seconds, floored
	// at zero.
	TimingDeviation float64
	// StatusChanged reports a status code different from baseline.
	StatusChanged bool
}

// Scorer maps probe features to an anomaly confidence in [0, 1]. A score
// above the confirmation threshold triggers a targeted boolean round; it
// is never sufficient on its own to report a finding.
type Scorer interface {
	Score(f Features) float64
}

// KeywordScorer is the default heuristic scorer: a weighted sum of
// signature hits, normalized fingerprint distance, and timing deviation.
type KeywordScorer struct{}

func (KeywordScorer) Score(f Features) float64 {
	score := 0.0

	score += 0.45 * normalized(float64(f.SignatureHits), 2)
	score += 0.30 * normalized(float64(f.FingerprintDistance), 16)
	score += 0.20 * normalized(f.TimingDeviation, 3)
	if f.StatusChanged {
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}

func normalized(v, ceiling float64) float64 {
	if v >= ceiling {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v / ceiling
}

// anomalyKeywords are weak indicators counted into SignatureHits when the
// strict error-pattern table does not match.
var anomalyKeywords = []string{
	"sql", "syntax", "query", "database", "odbc", "jdbc",
	"warning:", "fatal", "exception", "stack trace", "traceback",
}

// featuresFor derives scorer inputs from one probe response.
func featuresFor(resp *httpx.Response, base *Baseline, signatureMatched bool) Features {
	f := Features{
		FingerprintDistance: fingerprint.Distance(fingerprint.Hash(resp.Body), base.Fingerprint),
		StatusChanged:       resp.StatusCode != base.StatusCode,
	}

	if signatureMatched {
		f.SignatureHits = 2
	} else {
		lower := strings.ToLower(string(resp.Body))
		baseLower := strings.ToLower(string(base.Body))
		for _, kw := range anomalyKeywords {
			// Only keywords the clean page does not already contain count.
			if strings.Contains(lower, kw) && !strings.Contains(baseLower, kw) {
				f.SignatureHits++
			}
		}
	}

	if dev := resp.Latency - base.MedianLatency; dev > 0 {
		f.TimingDeviation = dev.Seconds()
	}
	return f
}
