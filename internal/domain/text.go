package domain

import "unicode/utf8"

// Ellipsis marks text that was cut short.
const Ellipsis = "..."

// Truncate returns the first max runes of s and whether anything was cut.
func Truncate(s string, max int) (string, bool) {
	if max < 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i], true
		}
		n++
	}
	return s, false
}

// Excerpt truncates s to max runes and appends Ellipsis when it was cut.
func Excerpt(s string, max int) string {
	out, cut := Truncate(s, max)
	if cut {
		return out + Ellipsis
	}
	return out
}
