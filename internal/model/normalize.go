package model

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeDescription canonicalizes a free-text description for hashing:
// case fold, decompose and strip diacritics, collapse whitespace. Punctuation
// survives so that distinct reference numbers keep distinct hashes.
// A Caser is constructed per call; the cases package does not guarantee
// concurrent use of a shared instance, and callers run under errgroup.
func NormalizeDescription(s string) string {
	s = cases.Fold().String(s)
	s = stripMarks(s)
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeForSimilarity goes further than NormalizeDescription: it also
// drops punctuation, keeping only letters, digits and single spaces. Fuzzy
// scoring wants "COFFEE SHOP 0042" and "Coffee Shop #42" close together.
func NormalizeForSimilarity(s string) string {
	s = cases.Fold().String(s)
	s = stripMarks(s)

	var b strings.Builder
	b.Grow(len(s))
	lastSpace := true
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case !lastSpace:
			b.WriteByte(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func stripMarks(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return norm.NFC.String(b.String())
}
