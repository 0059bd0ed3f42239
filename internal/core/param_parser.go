package core

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder styles of the supported dialects.
type PlaceholderStyle int

const (
	PlaceholderQuestion PlaceholderStyle = iota // ?  (sqlite, mysql, odbc)
	PlaceholderDollar                           // $1 (postgres)
	PlaceholderAtP                              // @p1 (sqlserver)
)

// SQLParser handles parsing of named parameters {var} to positional parameters
type SQLParser struct {
	regex *regexp.Regexp
}

func NewSQLParser() *SQLParser {
	// Matches {varname} at the scan position, varname is alphanumeric
	return &SQLParser{
		regex: regexp.MustCompile(`^\{([a-zA-Z_][a-zA-Z0-9_]*)\}`),
	}
}

// ParseResult contains the transformed SQL and the list of parameter names in order
type ParseResult struct {
	SQL        string
	ParamNames []string
}

type marker struct {
	start, end int
	name       string
}

// markers returns the {name} markers of sqlText that sit outside quoted strings,
// quoted identifiers and comments. An unterminated quote or comment runs to the end.
func (p *SQLParser) markers(sqlText string) []marker {
	var out []marker
	for i := 0; i < len(sqlText); {
		switch c := sqlText[i]; {
		case c == '\'' || c == '"' || c == '`':
			end := strings.IndexByte(sqlText[i+1:], c)
			if end < 0 {
				return out
			}
			i += end + 2
		case strings.HasPrefix(sqlText[i:], "--"):
			end := strings.IndexByte(sqlText[i:], '\n')
			if end < 0 {
				return out
			}
			i += end + 1
		case strings.HasPrefix(sqlText[i:], "/*"):
			end := strings.Index(sqlText[i+2:], "*/")
			if end < 0 {
				return out
			}
			i += end + 4
		case c == '{':
			loc := p.regex.FindStringSubmatchIndex(sqlText[i:])
			if loc == nil {
				i++
				continue
			}
			out = append(out, marker{start: i, end: i + loc[1], name: sqlText[i+loc[2] : i+loc[3]]})
			i += loc[1]
		default:
			i++
		}
	}
	return out
}

// Parse rewrites every {name} marker outside literals and comments to the
// positional placeholder of style. Quoted text is left as written.
func (p *SQLParser) Parse(sqlText string, style PlaceholderStyle) *ParseResult {
	paramNames := []string{}
	found := p.markers(sqlText)
	if len(found) == 0 {
		return &ParseResult{SQL: sqlText, ParamNames: paramNames}
	}

	var b strings.Builder
	last := 0
	for _, m := range found {
		b.WriteString(sqlText[last:m.start])
		paramNames = append(paramNames, m.name)
		switch style {
		case PlaceholderDollar:
			fmt.Fprintf(&b, "$%d", len(paramNames))
		case PlaceholderAtP:
			fmt.Fprintf(&b, "@p%d", len(paramNames))
		default:
			b.WriteString("?")
		}
		last = m.end
	}
	b.WriteString(sqlText[last:])

	return &ParseResult{
		SQL:        b.String(),
		ParamNames: paramNames,
	}
}

// MapValues takes the list of param names and a map of values, returning the slice of values in order
func (p *SQLParser) MapValues(paramNames []string, values map[string]string) ([]any, error) {
	result := make([]any, len(paramNames))
	missing := []string{}
	seen := map[string]bool{}

	for i, name := range paramNames {
		val, ok := values[name]
		if !ok {
			if !seen[name] {
				seen[name] = true
				missing = append(missing, name)
			}
			continue
		}
		result[i] = val
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing parameters: %s", strings.Join(missing, ", "))
	}

	return result, nil
}

// Names returns the distinct {name} markers in sqlText in order of appearance.
func (p *SQLParser) Names(sqlText string) []string {
	seen := map[string]bool{}
	names := []string{}
	for _, m := range p.markers(sqlText) {
		if !seen[m.name] {
			seen[m.name] = true
			names = append(names, m.name)
		}
	}
	return names
}
