// Package schemas defines the shared data model of the scanner: injection
// points, request variants, payloads, and confirmed vulnerabilities. These
// types cross package boundaries and are kept free of behavior beyond
// cheap accessors so every component can depend on them.
package schemas

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Carrier identifies where an injectable parameter travels in the request.
type Carrier string

const (
	CarrierQuery Carrier = "query"
	CarrierForm  Carrier = "form"
	CarrierJSON  Carrier = "json"
)

// InjectionPoint is a single discovered parameter under test. It is
// immutable once enqueued; the detection engine owns it for the duration
// of one scan.
type InjectionPoint struct {
	URL           string  `json:"url"`
	Method        string  `json:"method"`
	Parameter     string  `json:"parameter"`
	OriginalValue string  `json:"original_value"`
	Carrier       Carrier `json:"carrier"`

	// Siblings holds the original values of the other parameters sharing
	// this point's carrier, so probes keep the full request body intact.
	// Query parameters need no entry; they survive via the URL itself.
	Siblings map[string]string `json:"siblings,omitempty"`
}

// Host returns the host portion of the point's URL, used to scope
// rate-limit state. Empty when the URL does not parse.
func (p *InjectionPoint) Host() string {
	u, err := url.Parse(p.URL)
	if err != nil {
		return ""
	}
	return u.Host
}

// TargetType categorizes queue items produced by the crawler.
type TargetType string

const (
	TargetURL     TargetType = "url"
	TargetForm    TargetType = "form"
	TargetJSONAPI TargetType = "json-api"
)

// Target is one item on the injection-point queue. A nil *Target is the
// sentinel that tells a worker to exit.
type Target struct {
	Type       TargetType       `json:"type"`
	URL        string           `json:"url"`
	Method     string           `json:"method"`
	Parameters []InjectionPoint `json:"parameters"`
	CSRFField  string           `json:"csrf_field,omitempty"`
}

// RequestSpec is the tagged request variant consumed uniformly by the
// transport. Exactly one of Query, Form, or JSON carries the parameters.
type RequestSpec struct {
	Method  string
	URL     string
	Query   url.Values
	Form    url.Values
	JSON    map[string]any
	Headers map[string]string
}

// Clone returns a deep copy so probes can mutate a parameter without
// touching the original spec.
func (r *RequestSpec) Clone() *RequestSpec {
	out := &RequestSpec{Method: r.Method, URL: r.URL}
	if r.Query != nil {
		out.Query = url.Values{}
		for k, v := range r.Query {
			out.Query[k] = append([]string(nil), v...)
		}
	}
	if r.Form != nil {
		out.Form = url.Values{}
		for k, v := range r.Form {
			out.Form[k] = append([]string(nil), v...)
		}
	}
	if r.JSON != nil {
		out.JSON = make(map[string]any, len(r.JSON))
		for k, v := range r.JSON {
			out.JSON[k] = v
		}
	}
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return out
}

// SetParam sets the value of the named parameter in whichever carrier the
// spec uses.
func (r *RequestSpec) SetParam(name, value string) {
	switch {
	case r.Query != nil:
		r.Query.Set(name, value)
	case r.Form != nil:
		r.Form.Set(name, value)
	case r.JSON != nil:
		r.JSON[name] = value
	}
}

// ReflectionContext describes where an injected marker lands syntactically
// in the response document. Derived once per parameter and never changed.
type ReflectionContext string

const (
	ContextHTMLText       ReflectionContext = "HTML_TEXT"
	ContextHTMLAttrSingle ReflectionContext = "HTML_ATTR_SINGLE_QUOTED"
	ContextHTMLAttrDouble ReflectionContext = "HTML_ATTR_DOUBLE_QUOTED"
	ContextJSStringSingle ReflectionContext = "JS_STRING_SINGLE_QUOTED"
	ContextJSStringDouble ReflectionContext = "JS_STRING_DOUBLE_QUOTED"
	ContextUnknown        ReflectionContext = "UNKNOWN"
)

// SingleQuoted reports whether the context requires a leading single quote
// to break out of the surrounding literal.
func (c ReflectionContext) SingleQuoted() bool {
	return c == ContextHTMLAttrSingle || c == ContextJSStringSingle
}

// DoubleQuoted reports whether the context requires a leading double quote.
func (c ReflectionContext) DoubleQuoted() bool {
	return c == ContextHTMLAttrDouble || c == ContextJSStringDouble
}

// Dialect is the SQL engine behind the target, inferred from behavioral
// probes or supplied as a hint.
type Dialect string

const (
	DialectMySQL      Dialect = "mysql"
	DialectPostgreSQL Dialect = "postgresql"
	DialectMSSQL      Dialect = "mssql"
	DialectOracle     Dialect = "oracle"
	DialectSQLite     Dialect = "sqlite"
	DialectUnknown    Dialect = "unknown"
)

// AllDialects lists the concrete dialects, used when no hint narrows the
// payload space.
var AllDialects = []Dialect{
	DialectMySQL, DialectPostgreSQL, DialectMSSQL, DialectOracle, DialectSQLite,
}

// Technique is the confirmation strategy that proved (or probes for) an
// injection.
type Technique string

const (
	TechniqueErrorBased   Technique = "ERROR_BASED"
	TechniqueBooleanBased Technique = "BOOLEAN_BASED"
	TechniqueTimeBased    Technique = "TIME_BASED"
	TechniqueUnionBased   Technique = "UNION_BASED"
	TechniqueOOB          Technique = "OOB"
)

// Payload is a generated probe body. Boolean payloads carry a TRUE/FALSE
// pair; every other technique uses Body alone.
type Payload struct {
	Technique Technique         `json:"technique"`
	Dialect   Dialect           `json:"dialect"`
	Context   ReflectionContext `json:"context"`
	Body      string            `json:"body,omitempty"`
	TrueBody  string            `json:"true_body,omitempty"`
	FalseBody string            `json:"false_body,omitempty"`
	Family    string            `json:"family"`
}

// TamperChain is an ordered sequence of tamper-function names. Two chains
// are equal iff they contain the same names in the same order.
type TamperChain []string

// Key returns a canonical map key for the chain.
func (c TamperChain) Key() string { return strings.Join(c, "|") }

// Equal reports order-sensitive equality.
func (c TamperChain) Equal(other TamperChain) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// UnionInfo records the structure discovered by a UNION-based probe.
type UnionInfo struct {
	ColumnCount     int    `json:"column_count"`
	ReflectedColumn int    `json:"reflected_column"`
	Prefix          string `json:"prefix"`
}

// Vulnerability is one confirmed finding. The result store deduplicates by
// (URL, Parameter); once a parameter has a confirmed vulnerability no
// further techniques are attempted on it.
type Vulnerability struct {
	URL         string          `json:"url"`
	Parameter   string          `json:"parameter"`
	Type        string          `json:"type"`
	Technique   Technique       `json:"technique"`
	Payload     Payload         `json:"payload"`
	TamperChain TamperChain     `json:"tamper_chain"`
	Dialect     Dialect         `json:"dialect,omitempty"`
	UnionInfo   *UnionInfo      `json:"union_info,omitempty"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
}

// WAFReport is persisted for downstream tooling after fingerprinting.
type WAFReport struct {
	WAF *string `json:"waf"`
}

// Report is the final serializable scan output.
type Report struct {
	ScanID          string          `json:"scan_id"`
	WAF             *string         `json:"waf"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Skipped         []string        `json:"skipped,omitempty"`
}
