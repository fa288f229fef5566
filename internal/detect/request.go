// Package detect implements the per-parameter detection state machine:
// baseline sampling, reflection-context taint analysis, the anomaly-scored
// opening pass, and the error/time/boolean/union confirmation techniques.
package detect

import (
	"net/http"
	"net/url"

	"github.com/0xf61/sqlhound/api/schemas"
)

// specFor builds the request that sends value in the point's parameter,
// leaving every other aspect of the original request untouched.
func specFor(point *schemas.InjectionPoint, value string) *schemas.RequestSpec {
	method := point.Method
	if method == "" {
		method = http.MethodGet
	}

	spec := &schemas.RequestSpec{Method: method, URL: point.URL}
	switch point.Carrier {
	case schemas.CarrierForm:
		spec.Form = url.Values{}
		for name, v := range point.Siblings {
			spec.Form.Set(name, v)
		}
	case schemas.CarrierJSON:
		spec.JSON = make(map[string]any, len(point.Siblings)+1)
		for name, v := range point.Siblings {
			spec.JSON[name] = v
		}
	default:
		// Query siblings ride along on the URL; the transport merges the
		// tested parameter over the existing query string.
		spec.Query = url.Values{}
	}
	spec.SetParam(point.Parameter, value)
	return spec
}

// injected returns the parameter value carrying a payload appended to the
// original value, the way a vulnerable query concatenates it.
func injected(point *schemas.InjectionPoint, payloadBody string) string {
	return point.OriginalValue + payloadBody
}
