package core

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	nonIdentChars = regexp.MustCompile(`[^\p{L}\p{N}_]+`)
	underscoreRun = regexp.MustCompile(`_+`)
)

// CleanIdentifier converts an arbitrary header into a column or table name:
// special characters become underscores, runs collapse, edges are trimmed.
func CleanIdentifier(s string) string {
	s = strings.TrimSpace(s)
	s = nonIdentChars.ReplaceAllString(s, "_")
	s = underscoreRun.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// CleanColumnNames cleans every header and resolves empties and duplicates.
func CleanColumnNames(headers []string) []string {
	seen := make(map[string]bool, len(headers))
	out := make([]string, len(headers))
	for i, h := range headers {
		name := CleanIdentifier(h)
		if name == "" {
			name = fmt.Sprintf("column_%d", i)
		}
		if seen[strings.ToLower(name)] {
			base := name
			for n := 1; ; n++ {
				name = fmt.Sprintf("%s_%d", base, n)
				if !seen[strings.ToLower(name)] {
					break
				}
			}
		}
		seen[strings.ToLower(name)] = true
		out[i] = name
	}
	return out
}

// QuoteIdentifier quotes a name for SQLite/PostgreSQL style double-quoted identifiers.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
