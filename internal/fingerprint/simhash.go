// Package fingerprint implements the locality-sensitive content hash used
// to cheaply compare "sameness" of two response bodies. Two bodies whose
// fingerprints differ by only a few bits render the same page; a large
// Hamming distance means a genuinely different page or behavior.
package fingerprint

import (
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// Simhash is a 64-bit locality-sensitive hash of a document.
type Simhash uint64

// shingleSize is the number of consecutive tokens hashed together. Word
// bigrams keep small textual edits local while still reflecting structure.
const shingleSize = 2

// Hash computes the Simhash of a body. Tokenization is lower-cased runs of
// letters and digits, so markup punctuation and whitespace churn do not
// dominate the fingerprint.
func Hash(body []byte) Simhash {
	tokens := tokenize(string(body))
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for i := 0; i+shingleSize <= len(tokens); i++ {
		h := hashShingle(tokens[i : i+shingleSize])
		for b := 0; b < 64; b++ {
			if h&(1<<uint(b)) != 0 {
				weights[b]++
			} else {
				weights[b]--
			}
		}
	}
	// Degenerate case: fewer tokens than one shingle.
	if len(tokens) < shingleSize {
		h := hashShingle(tokens)
		for b := 0; b < 64; b++ {
			if h&(1<<uint(b)) != 0 {
				weights[b]++
			} else {
				weights[b]--
			}
		}
	}

	var out uint64
	for b := 0; b < 64; b++ {
		if weights[b] > 0 {
			out |= 1 << uint(b)
		}
	}
	return Simhash(out)
}

// Distance returns the Hamming distance between two fingerprints.
func Distance(a, b Simhash) int {
	return bits.OnesCount64(uint64(a) ^ uint64(b))
}

// Same reports whether two fingerprints identify the same page under the
// given distance threshold.
func Same(a, b Simhash, threshold int) bool {
	return Distance(a, b) < threshold
}

// Different reports whether two fingerprints identify distinct pages under
// the given distance threshold.
func Different(a, b Simhash, threshold int) bool {
	return Distance(a, b) > threshold
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hashShingle(tokens []string) uint64 {
	h := fnv.New64a()
	for i, t := range tokens {
		if i > 0 {
			h.Write([]byte{0x1f})
		}
		h.Write([]byte(t))
	}
	return h.Sum64()
}
