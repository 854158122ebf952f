package dedupe

import (
	"regexp"
	"strings"
)

// Normalization strips a fixed, versioned set of bracketed tag prefixes
// before comparing titles. Extending this list is a breaking normalization
// change: rows indexed under the old form stop matching their upstream
// counterparts, so any addition requires a reindex of existing mappings.
var tagPrefixes = regexp.MustCompile(
	`(?i)^(\[(P[0-4]|PERF[^\]]*|TIER \d+|ACTION|BUG|FIXED|EPIC|WIP)\]\s*)+`)

// Normalize canonicalizes a title for duplicate detection: trim, strip the
// well-known bracketed tag prefixes, lowercase, trim again.
func Normalize(title string) string {
	t := strings.TrimSpace(title)
	t = tagPrefixes.ReplaceAllString(t, "")
	return strings.ToLower(strings.TrimSpace(t))
}
