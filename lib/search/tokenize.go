package search

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC normalization and Unicode case folding, so that
// compatibility forms and letter case do not affect matching.
func Normalize(s string) string {
	// a Caser keeps state, one per call
	return cases.Fold().String(norm.NFKC.String(s))
}

// Tokenize splits s into normalized terms. Terms are maximal runs of
// letters and digits.
func Tokenize(s string) []string {
	return strings.FieldsFunc(Normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// termFrequencies counts the terms of s, every occurrence weighted by w.
func termFrequencies(into map[string]float64, s string, w float64) int {
	terms := Tokenize(s)
	for _, t := range terms {
		into[t] += w
	}
	return len(terms)
}

// snippet returns up to width runes of text around the first occurrence of
// one of terms.
func snippet(text string, terms []string, width int) string {
	runes := []rune(text)
	if len(runes) <= width {
		return strings.TrimSpace(text)
	}

	folded := []rune(Normalize(text))
	start := 0
	if len(folded) == len(runes) {
		lower := string(folded)
		for _, t := range terms {
			if i := strings.Index(lower, t); i >= 0 {
				start = max(0, len([]rune(lower[:i]))-width/4)
				break
			}
		}
	}
	end := min(len(runes), start+width)
	out := strings.TrimSpace(string(runes[start:end]))
	if start > 0 {
		out = "…" + out
	}
	if end < len(runes) {
		out += "…"
	}
	return out
}
