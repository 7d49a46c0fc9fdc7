package domain

import (
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var enPrinter = message.NewPrinter(language.English)

// FormatViewCount renders n with thousands separators ("1,234").
func FormatViewCount(n int64) string {
	return enPrinter.Sprintf("%d", n)
}

// FormatViewCountFor renders n with the separators of the given locale.
func FormatViewCountFor(tag language.Tag, n int64) string {
	return message.NewPrinter(tag).Sprintf("%d", n)
}

// CompactViewCount renders n in the short form used on cards:
// 999, 1k, 1.2k, 12k, 999k, 1M, 1.5M. Fractions are truncated, not rounded,
// so the output never jumps to the next unit early.
func CompactViewCount(n int64) string {
	switch {
	case n < 1000:
		return strconv.FormatInt(n, 10)
	case n < 10_000:
		return tenths(n/100) + "k"
	case n < 1_000_000:
		return strconv.FormatInt(n/1000, 10) + "k"
	default:
		return tenths(n/100_000) + "M"
	}
}

// tenths formats t/10 with one decimal, dropping a trailing ".0".
func tenths(t int64) string {
	whole, frac := t/10, t%10
	if frac == 0 {
		return strconv.FormatInt(whole, 10)
	}
	return strconv.FormatInt(whole, 10) + "." + strconv.FormatInt(frac, 10)
}
