/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

// Package fuzzy decides whether a free-text guess names a song.
package fuzzy

import (
	"math"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Seednode/coverbox/catalog"
)

// MinCandidateLen excludes very short names, which would match almost anything.
const MinCandidateLen = 3

// Threshold is the similarity a guess must exceed against a candidate of
// the given length in code points. Longer names tolerate more typos.
func Threshold(length int) float64 {
	switch {
	case length < 5:
		return 0.6
	case length > 30:
		return 0.45
	}
	return 0.2*math.Exp(-0.1*float64(length-5)) + 0.45
}

// Candidates lists every name a song may be guessed by, in evaluation order.
func Candidates(s catalog.Song) []string {
	out := make([]string, 0, 4+len(s.Aliases))
	out = append(out, s.Title, s.Reading, s.RomanizedTitle, s.FullRomanizedTitle)
	return append(out, s.Aliases...)
}

func normalize(s string) string {
	return cases.Lower(language.Und).String(norm.NFC.String(s))
}

// IsCorrectGuess reports whether guess is close enough to any candidate
// name of s.
func IsCorrectGuess(guess string, s catalog.Song) bool {
	g := normalize(guess)

	for _, c := range Candidates(s) {
		n := utf8.RuneCountInString(c)
		if n < MinCandidateLen {
			continue
		}
		if Ratio(g, normalize(c)) > Threshold(n) {
			return true
		}
	}

	return false
}
