/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package fuzzy

import (
	"github.com/pmezard/go-difflib/difflib"
)

// runes splits s into one-element strings, one per code point, so the
// matcher compares characters rather than lines.
func runes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Ratio measures how similar a and b are, from 0 (nothing in common) to 1
// (identical): twice the number of matched code points over the total.
// Two empty strings are identical.
func Ratio(a, b string) float64 {
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}
