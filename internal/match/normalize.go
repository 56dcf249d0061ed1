// Package match provides text canonicalization and fuzzy string comparison
// used wherever entity names are compared.
package match

import "strings"

// quote and dash characters stripped from the ends of a label,
// straight and "smart" variants alike.
const edgeTrimSet = "\"'‘’“”«»`-–—"

// Normalize canonicalizes an entity label: lowercase, trim, collapse internal
// whitespace, strip surrounding quotes/dashes, trailing punctuation and a
// trailing possessive. The strip steps run to a fixed point, so a possessive
// exposed by punctuation removal ("marcus's.") is still removed.
// Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.Join(strings.Fields(s), " ")

	for {
		prev := s
		s = strings.Trim(s, edgeTrimSet)
		s = strings.TrimRight(s, ".,!?;:")
		// Trailing possessive: "marcus's" / "marcus’s" -> "marcus"
		for _, suffix := range []string{"'s", "’s"} {
			if strings.HasSuffix(s, suffix) {
				s = strings.TrimSuffix(s, suffix)
				break
			}
		}
		s = strings.TrimSpace(s)
		if s == prev {
			return s
		}
	}
}
