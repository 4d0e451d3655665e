// Package dedup reconciles near-duplicate assistant messages produced by
// racing saves.
package dedup

import "strings"

const (
	// Below shortLimit, edit distance is noise: only exact matches count.
	shortLimit = 16
	// Above longLimit, full edit distance is too expensive; fall back to
	// prefix/suffix/substring heuristics.
	longLimit = 768

	// A shared reasoning prefix must cover this fraction of the shorter
	// reasoning text to count as the complete-vs-truncated case.
	reasoningPrefixFraction = 0.8
	reasoningPrefixMinChars = 64
)

// TextSimilarity scores two plain-text bodies in [0, 1].
func TextSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a == "" || b == "" {
		return 0.0
	}
	shorter, longer := orderByLen(a, b)
	if len(longer) <= shortLimit {
		return 0.0
	}
	if len(longer) <= longLimit {
		dist := levenshtein(a, b)
		return 1.0 - float64(dist)/float64(len(longer))
	}
	return longTextSimilarity(shorter, longer)
}

// longTextSimilarity approximates similarity for bodies too large for full
// edit distance: shared prefix/suffix coverage, plus containment.
func longTextSimilarity(shorter, longer string) float64 {
	ratio := float64(len(shorter)) / float64(len(longer))
	if strings.Contains(longer, shorter) {
		return ratio
	}
	prefix := commonPrefixLen(shorter, longer)
	suffix := commonSuffixLen(shorter, longer)
	if prefix+suffix > len(shorter) {
		// Overlapping prefix and suffix double-count the middle.
		suffix = len(shorter) - prefix
	}
	return float64(prefix+suffix) / float64(len(longer))
}

// ReasoningSimilarity scores the reasoning channel. Reasoning is streamed,
// so one copy is often a truncated prefix of the other; a long shared
// prefix scores as near-identity.
func ReasoningSimilarity(a, b string) float64 {
	if SharedReasoningPrefix(a, b) {
		return 1.0
	}
	return TextSimilarity(a, b)
}

// SharedReasoningPrefix reports whether one reasoning text is a prefix of
// the other and the shared part is long enough to be meaningful.
func SharedReasoningPrefix(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	shorter, longer := orderByLen(a, b)
	prefix := commonPrefixLen(shorter, longer)
	if prefix < reasoningPrefixMinChars {
		return false
	}
	return float64(prefix) >= reasoningPrefixFraction*float64(len(shorter))
}

func orderByLen(a, b string) (shorter, longer string) {
	if len(a) <= len(b) {
		return a, b
	}
	return b, a
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

func commonSuffixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[len(a)-1-i] != b[len(b)-1-i] {
			return i
		}
	}
	return n
}

// levenshtein computes edit distance using two rows instead of the full
// matrix.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	if len(a) < len(b) {
		a, b = b, a
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(min(prev[j]+1, curr[j-1]+1), prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
