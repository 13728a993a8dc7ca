package model

import "unicode/utf8"

// Clip returns the longest prefix of s that is at most n bytes and ends on
// a rune boundary.
func Clip(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
