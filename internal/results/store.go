// Package results is the shared, deduplicated sink for confirmed
// findings. All workers write into one Store; it is the only component
// besides the tamper selector with cross-worker mutable state.
package results

import (
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store collects vulnerabilities and skipped parameters for one scan run.
type Store struct {
	mu      sync.Mutex
	order   []string
	byParam map[string]schemas.Vulnerability
	skipped []string
	logger  *zap.Logger
}

// NewStore creates an empty result store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		byParam: make(map[string]schemas.Vulnerability),
		logger:  logger,
	}
}

func paramKey(url, parameter string) string {
	return url + "\x00" + parameter
}

// Add records a finding. The first finding for a (url, parameter) pair
// wins; later ones are dropped and Add reports false.
func (s *Store) Add(v schemas.Vulnerability) bool {
	key := paramKey(v.URL, v.Parameter)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byParam[key]; exists {
		return false
	}
	s.byParam[key] = v
	s.order = append(s.order, key)

	s.logger.Info("vulnerability confirmed",
		zap.String("url", v.URL),
		zap.String("parameter", v.Parameter),
		zap.String("type", v.Type),
		zap.String("technique", string(v.Technique)))
	return true
}

// Has reports whether a finding already exists for the pair, letting the
// engine short-circuit before spending requests on a confirmed parameter.
func (s *Store) Has(url, parameter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byParam[paramKey(url, parameter)]
	return ok
}

// MarkSkipped records a parameter abandoned by timeout or a dead target.
func (s *Store) MarkSkipped(url, parameter, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipped = append(s.skipped, fmt.Sprintf("%s [%s]: %s", url, parameter, reason))
}

// Vulnerabilities returns all findings in insertion order.
func (s *Store) Vulnerabilities() []schemas.Vulnerability {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.Vulnerability, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byParam[key])
	}
	return out
}

// Report assembles the final scan output. A second grouping pass collapses
// findings that share (url, parameter, payload family), ignoring payload
// specifics, so re-confirmations never inflate the report.
func (s *Store) Report(scanID string, wafReport schemas.WAFReport) schemas.Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(s.order))
	vulns := make([]schemas.Vulnerability, 0, len(s.order))
	for _, key := range s.order {
		v := s.byParam[key]
		groupKey := paramKey(v.URL, v.Parameter) + "\x00" + v.Payload.Family
		if seen[groupKey] {
			continue
		}
		seen[groupKey] = true
		vulns = append(vulns, v)
	}

	return schemas.Report{
		ScanID:          scanID,
		WAF:             wafReport.WAF,
		Vulnerabilities: vulns,
		Skipped:         append([]string(nil), s.skipped...),
	}
}

// MarshalReport serializes a report for the output file.
func MarshalReport(r schemas.Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
