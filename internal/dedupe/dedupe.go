// Package dedupe derives the idempotent upsert key for planned tasks.
//
// The normalization is deliberately lossy: sufficiently short or templated
// titles can collide after stripping. That matches the recorded policy; no
// collision detection is layered on top.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Normalize lowercases, trims, collapses whitespace runs to a single space,
// and strips every character outside [a-z0-9 _-./].
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			space = true
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' || r == '.' || r == '/':
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Key computes the dedupe key over the three normalized identity fields.
func Key(originatingSpec, title, acceptanceCriteria string) string {
	joined := Normalize(originatingSpec) + "|" + Normalize(title) + "|" + Normalize(acceptanceCriteria)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}
