package miner

import (
	"regexp"
	"strings"
)

// Normalizer maps a failure description to its signature. Implementations
// must be deterministic.
type Normalizer interface {
	Normalize(description string) string
}

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(string) string

// Normalize implements Normalizer.
func (f NormalizerFunc) Normalize(s string) string { return f(s) }

var (
	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	quotedPattern = regexp.MustCompile("'[^']*'|\"[^\"]*\"|`[^`]*`")
	hexPattern    = regexp.MustCompile(`(?i)\b0x[0-9a-f]+\b`)
	numberPattern = regexp.MustCompile(`\d+(\.\d+)?`)
)

// DefaultNormalizer replaces ids, quoted literals and numbers with
// placeholders, lowercases and collapses whitespace.
//
//	Cannot read property 'x' of undefined at line 12
//	-> cannot read property <str> of undefined at line <num>
func DefaultNormalizer() Normalizer {
	return NormalizerFunc(normalize)
}

func normalize(s string) string {
	s = uuidPattern.ReplaceAllString(s, "<id>")
	s = quotedPattern.ReplaceAllString(s, "<str>")
	s = hexPattern.ReplaceAllString(s, "<num>")
	s = numberPattern.ReplaceAllString(s, "<num>")
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
