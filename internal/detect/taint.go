package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xf61/sqlhound/api/schemas"
	"github.com/0xf61/sqlhound/internal/httpx"
)

// newMarker returns a unique alphanumeric token that cannot collide with
// page content or trip inspection rules on its own.
func newMarker() string {
	return "zqx" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// analyzeTaint injects a unique marker and classifies where it reflects.
// A marker that never comes back defaults to HTML_TEXT; the engine still
// probes blind techniques either way.
func analyzeTaint(ctx context.Context, transport httpx.Transport, point *schemas.InjectionPoint, logger *zap.Logger) schemas.ReflectionContext {
	marker := newMarker()
	resp, err := transport.Do(ctx, specFor(point, point.OriginalValue+marker))
	if err != nil || resp.TransportErr != nil {
		return schemas.ContextHTMLText
	}

	rc := classifyReflection(string(resp.Body), marker)
	logger.Debug("taint analysis complete",
		zap.String("parameter", point.Parameter),
		zap.String("context", string(rc)))
	return rc
}

// classifyReflection inspects the characters around every occurrence of
// the marker. Script-block occurrences are checked first since a JS string
// needs different breakout syntax than an HTML attribute.
func classifyReflection(body, marker string) schemas.ReflectionContext {
	if !strings.Contains(body, marker) {
		return schemas.ContextHTMLText
	}

	if ctx := classifyInScripts(body, marker); ctx != schemas.ContextUnknown {
		return ctx
	}

	idx := strings.Index(body, marker)
	for idx >= 0 {
		before := body[:idx]
		after := body[idx+len(marker):]

		switch {
		case attrOpen(before, '\'') && strings.HasPrefix(after, "'"):
			return schemas.ContextHTMLAttrSingle
		case attrOpen(before, '"') && strings.HasPrefix(after, `"`):
			return schemas.ContextHTMLAttrDouble
		}

		next := strings.Index(body[idx+len(marker):], marker)
		if next < 0 {
			break
		}
		idx += len(marker) + next
	}
	return schemas.ContextHTMLText
}

var scriptBlockRx = regexp.MustCompile(`(?is)<script[^>]*>(.*?)</script>`)

func classifyInScripts(body, marker string) schemas.ReflectionContext {
	for _, m := range scriptBlockRx.FindAllStringSubmatch(body, -1) {
		script := m[1]
		idx := strings.Index(script, marker)
		if idx < 0 {
			continue
		}
		before := script[:idx]
		after := script[idx+len(marker):]
		switch {
		case strings.HasSuffix(strings.TrimRight(before, " \t"), "'") && strings.HasPrefix(after, "'"):
			return schemas.ContextJSStringSingle
		case strings.HasSuffix(strings.TrimRight(before, " \t"), `"`) && strings.HasPrefix(after, `"`):
			return schemas.ContextJSStringDouble
		}
	}
	return schemas.ContextUnknown
}

// attrOpen reports whether the text ends inside an attribute value opened
// with the given quote, i.e. `... attr=<q>` immediately precedes the
// marker.
func attrOpen(before string, quote byte) bool {
	if len(before) < 2 {
		return false
	}
	if before[len(before)-1] != quote {
		return false
	}
	rest := strings.TrimRight(before[:len(before)-1], " \t")
	return strings.HasSuffix(rest, "=")
}
