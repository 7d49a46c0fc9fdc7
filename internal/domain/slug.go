package domain

import (
	"errors"
	"regexp"
	"strings"
)

// MaxSlugLen caps slug length in bytes.
const MaxSlugLen = 200

// ErrInvalidSlug is returned for empty or malformed slugs.
var ErrInvalidSlug = errors.New("invalid slug")

var slugRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateSlug trims s and checks it is a usable content identifier.
func ValidateSlug(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || len(s) > MaxSlugLen || !slugRE.MatchString(s) || strings.Contains(s, "..") {
		return "", ErrInvalidSlug
	}
	return s, nil
}

// NormalizeSlugs splits a comma-separated list, trims entries, drops blanks
// and duplicates, and keeps the first-seen order. It does not validate.
func NormalizeSlugs(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
