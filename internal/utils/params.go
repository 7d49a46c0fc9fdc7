// Package utils holds small parsing helpers shared by the HTTP layer and the
// command-line tools. Nothing here knows about views.
package utils

import (
	"strconv"
	"strings"
)

// AtoiDefault parses s as a base-10 int, returning def when s is empty or
// not a number. Surrounding whitespace is not trimmed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// Clamp bounds n to [lo, hi].
func Clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

// LimitParam reads a list limit such as ?limit=10: unparsable values use def
// and the result is clamped to [1, max].
func LimitParam(raw string, def, max int) int {
	return Clamp(AtoiDefault(strings.TrimSpace(raw), def), 1, max)
}
