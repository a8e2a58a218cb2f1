// Package slug builds URL slugs for published places.
package slug

import (
	"strings"
	"unicode"
)

// Make joins parts with spaces, lower-cases the result, turns whitespace
// into hyphens and strips everything that is not a letter, digit or hyphen.
func Make(parts ...string) string {
	joined := strings.ToLower(strings.Join(parts, " "))

	var b strings.Builder
	b.Grow(len(joined))
	lastHyphen := true // suppresses a leading hyphen
	for _, r := range joined {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case unicode.IsSpace(r) || r == '-' || r == '_':
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

// Locality picks the most specific locality available.
func Locality(neighborhood, subregion string) string {
	if strings.TrimSpace(neighborhood) != "" {
		return neighborhood
	}
	return subregion
}

// WithSuffix appends a disambiguating suffix.
func WithSuffix(base, suffix string) string {
	if base == "" {
		return Make(suffix)
	}
	return base + "-" + Make(suffix)
}
