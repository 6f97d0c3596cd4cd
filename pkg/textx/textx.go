// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	// strip control chars outside tab/newline/carriage return
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Tokenize lower-cases s and splits it into alphanumeric word tokens.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// WordJaccard computes the Jaccard similarity of the word sets of a and b.
func WordJaccard(a, b string) float64 {
	wa := map[string]struct{}{}
	for _, w := range Tokenize(a) {
		wa[w] = struct{}{}
	}
	wb := map[string]struct{}{}
	for _, w := range Tokenize(b) {
		wb[w] = struct{}{}
	}
	if len(wa) == 0 && len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// LooksGarbled reports whether extracted text shows OCR-worthy damage:
// replacement characters or a high ratio of non-printable/symbol runes.
func LooksGarbled(s string) bool {
	if s == "" {
		return false
	}
	if strings.ContainsRune(s, '�') {
		return true
	}
	var total, odd int
	for _, r := range s {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) && !unicode.IsPunct(r) {
			odd++
		}
	}
	return total > 0 && float64(odd)/float64(total) > 0.3
}

// TruncateAtSentence cuts s to at most max runes, backing up to the last
// sentence terminator when one exists past the halfway point, and appends
// an ellipsis.
func TruncateAtSentence(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	cut := runes[:max]
	last := -1
	for i, r := range cut {
		if r == '.' || r == '!' || r == '?' {
			last = i
		}
	}
	if last > max/2 {
		cut = cut[:last+1]
	}
	return strings.TrimSpace(string(cut)) + "..."
}
