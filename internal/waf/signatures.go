// Package waf classifies the web application firewall in front of a
// target. Classification combines deterministic signature rules, a
// behavioral delay-ratio signal, and HTTP/2 connection settings; a
// fallback weighted classifier covers products that only partially match.
package waf

import (
	"regexp"
	"time"
)

// Signature describes one WAF product. A deterministic identification
// requires MinMatches independent signal hits; weaker evidence only feeds
// the fallback classifier.
type Signature struct {
	Name string

	// Headers maps lowercase header names to substrings expected in their
	// values.
	Headers map[string]string

	// Cookies lists cookie-name prefixes the product sets.
	Cookies []string

	// Body matches text on block or challenge pages.
	Body *regexp.Regexp

	// MinMatches is the signal count needed for a deterministic verdict.
	MinMatches int

	// DelayRatioMin marks the product as a behavioral candidate when the
	// malicious-probe latency exceeds benign latency by this factor.
	DelayRatioMin float64

	// Tempo is the inter-request delay the product is known to tolerate;
	// the engine primes host backoff with it after identification.
	Tempo time.Duration

	// H2Settings holds server-advertised HTTP/2 SETTINGS values
	// characteristic of the product's edge, keyed by setting ID.
	H2Settings map[uint16]uint32
}

// HTTP/2 setting identifiers (RFC 7540 §6.5.2) used in signatures.
const (
	settingHeaderTableSize   uint16 = 0x1
	settingMaxConcurrent     uint16 = 0x3
	settingInitialWindowSize uint16 = 0x4
	settingMaxFrameSize      uint16 = 0x5
)

// Signatures is the built-in product table. Header and cookie patterns
// follow each vendor's published block-page behavior; H2 settings reflect
// the values their edges advertise in the initial SETTINGS frame.
var Signatures = []Signature{
	{
		Name:          "Cloudflare",
		Headers:       map[string]string{"server": "cloudflare", "cf-ray": ""},
		Cookies:       []string{"__cfduid", "cf_clearance", "__cf_bm"},
		Body:          regexp.MustCompile(`(?i)cloudflare|ray id|checking your browser`),
		MinMatches:    2,
		DelayRatioMin: 3.0,
		Tempo:         500 * time.Millisecond,
		H2Settings: map[uint16]uint32{
			settingInitialWindowSize: 65536,
			settingMaxConcurrent:     256,
		},
	},
	{
		Name:          "Akamai",
		Headers:       map[string]string{"server": "AkamaiGHost", "x-akamai-transformed": ""},
		Cookies:       []string{"ak_bmsc", "bm_sz"},
		Body:          regexp.MustCompile(`(?i)akamai|the page you requested was blocked`),
		MinMatches:    2,
		DelayRatioMin: 3.0,
		Tempo:         time.Second,
		H2Settings: map[uint16]uint32{
			settingMaxConcurrent: 100,
		},
	},
	{
		Name:          "Sucuri",
		Headers:       map[string]string{"server": "Sucuri/Cloudproxy", "x-sucuri-id": ""},
		Cookies:       []string{"sucuri_cloudproxy_uuid"},
		Body:          regexp.MustCompile(`(?i)sucuri web site firewall|access denied - sucuri`),
		MinMatches:    2,
		DelayRatioMin: 2.5,
		Tempo:         time.Second,
	},
	{
		Name:          "Imperva",
		Headers:       map[string]string{"x-iinfo": ""},
		Cookies:       []string{"incap_ses", "visid_incap"},
		Body:          regexp.MustCompile(`(?i)incapsula|request unsuccessful`),
		MinMatches:    2,
		DelayRatioMin: 3.5,
		Tempo:         2 * time.Second,
	},
	{
		Name:          "AWS WAF",
		Headers:       map[string]string{"server": "awselb", "x-amzn-requestid": ""},
		Cookies:       []string{"aws-waf-token"},
		Body:          regexp.MustCompile(`(?i)aws|amazon-web-services`),
		MinMatches:    2,
		DelayRatioMin: 3.0,
		Tempo:         time.Second,
		H2Settings: map[uint16]uint32{
			settingMaxFrameSize: 16777215,
		},
	},
	{
		Name:          "F5 BIG-IP",
		Headers:       map[string]string{"server": "big-ip"},
		Cookies:       []string{"BIGipServer", "TS"},
		Body:          regexp.MustCompile(`(?i)the requested url was rejected|big-?ip`),
		MinMatches:    2,
		DelayRatioMin: 2.5,
		Tempo:         time.Second,
	},
	{
		Name:          "Barracuda",
		Headers:       map[string]string{"server": "barracuda"},
		Cookies:       []string{"barra_counter_session", "barracuda_waf_cookie"},
		Body:          regexp.MustCompile(`(?i)barracuda`),
		MinMatches:    2,
		DelayRatioMin: 2.5,
		Tempo:         time.Second,
	},
	{
		Name:          "ModSecurity",
		Headers:       map[string]string{"server": "mod_security"},
		Cookies:       nil,
		Body:          regexp.MustCompile(`(?i)mod_security|modsecurity|not acceptable`),
		MinMatches:    1,
		DelayRatioMin: 2.0,
		Tempo:         500 * time.Millisecond,
	},
}

// TempoFor returns the known tolerated request tempo for a named product,
// zero when the product is unknown.
func TempoFor(name string) time.Duration {
	for _, sig := range Signatures {
		if sig.Name == name {
			return sig.Tempo
		}
	}
	return 0
}
