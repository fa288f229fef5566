package results

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
)

func finding(url, param, family string) schemas.Vulnerability {
	return schemas.Vulnerability{
		URL:       url,
		Parameter: param,
		Type:      "SQL Injection (Time-Based)",
		Technique: schemas.TechniqueTimeBased,
		Payload:   schemas.Payload{Family: family},
	}
}

func TestStore_DeduplicatesByURLAndParameter(t *testing.T) {
	s := NewStore(zap.NewNop())

	assert.True(t, s.Add(finding("http://a/item", "id", "MYSQL_SLEEP")))
	assert.False(t, s.Add(finding("http://a/item", "id", "MYSQL_BENCHMARK")),
		"second finding for the same parameter must be dropped")
	assert.True(t, s.Add(finding("http://a/item", "q", "MYSQL_SLEEP")))
	assert.True(t, s.Add(finding("http://b/item", "id", "MYSQL_SLEEP")))

	vulns := s.Vulnerabilities()
	require.Len(t, vulns, 3)
	assert.Equal(t, "MYSQL_SLEEP", vulns[0].Payload.Family, "first finding wins")
}

func TestStore_Has(t *testing.T) {
	s := NewStore(nil)
	assert.False(t, s.Has("http://a/item", "id"))
	s.Add(finding("http://a/item", "id", "F"))
	assert.True(t, s.Has("http://a/item", "id"))
	assert.False(t, s.Has("http://a/item", "other"))
}

func TestStore_ConcurrentAddsKeepOne(t *testing.T) {
	s := NewStore(nil)

	var wg sync.WaitGroup
	added := make(chan bool, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			added <- s.Add(finding("http://a/item", "id", "F"))
		}()
	}
	wg.Wait()
	close(added)

	wins := 0
	for ok := range added {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, s.Vulnerabilities(), 1)
}

func TestStore_Report(t *testing.T) {
	s := NewStore(nil)
	s.Add(finding("http://a/item", "id", "MYSQL_SLEEP"))
	s.Add(finding("http://a/item", "q", "LOGICAL_AND"))
	s.MarkSkipped("http://a/slow", "p", "timeout after 600s")

	waf := "Cloudflare"
	report := s.Report("scan-1", schemas.WAFReport{WAF: &waf})

	assert.Equal(t, "scan-1", report.ScanID)
	require.NotNil(t, report.WAF)
	assert.Equal(t, "Cloudflare", *report.WAF)
	assert.Len(t, report.Vulnerabilities, 2)
	require.Len(t, report.Skipped, 1)
	assert.Contains(t, report.Skipped[0], "timeout after 600s")

	raw, err := MarshalReport(report)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"scan_id": "scan-1"`)
}
