// Package hosters loads organization → CIDR-list mappings from the mapping
// files that feed the attribution index. Two layouts are supported: the
// simple pipe format ("name|prefix1,prefix2") and headered CSV exports in
// the MaxMind style ("Organization|Ranges|..."), with either pipe or comma
// delimiters. Malformed CIDR cells are passed through untouched; parsing
// and validation of individual CIDRs is the attribution index's job.
package hosters

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
)

var cidrV4Re = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}/\d{1,2}\b`)

var nameColumns = []string{"organization", "org", "hoster", "name"}
var rangeColumns = []string{"ranges", "cidrs", "prefixes", "prefix"}

// Load reads a mapping file and returns organization → CIDR strings.
// Duplicate CIDRs for the same organization collapse; organizations with an
// empty range list are kept so downstream reports still emit a row for them.
func Load(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hosters: read %s: %w", path, err)
	}
	text := string(data)

	head := firstNonEmptyLine(text)
	delim := byte('|')
	if strings.Count(head, ",") > strings.Count(head, "|") {
		delim = ','
	}

	if hasHeader(head, delim) {
		return loadHeadered(text, delim)
	}
	return loadSimple(text, delim)
}

// hasHeader reports whether the first line looks like a column header with a
// recognizable name column and range column.
func hasHeader(head string, delim byte) bool {
	cols := strings.Split(head, string(delim))
	var haveName, haveRanges bool
	for _, c := range cols {
		c = strings.ToLower(strings.TrimSpace(c))
		for _, n := range nameColumns {
			if c == n {
				haveName = true
			}
		}
		for _, r := range rangeColumns {
			if c == r {
				haveRanges = true
			}
		}
	}
	return haveName && haveRanges
}

func loadHeadered(text string, delim byte) (map[string][]string, error) {
	r := csv.NewReader(strings.NewReader(text))
	r.Comma = rune(delim)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("hosters: header: %w", err)
	}
	nameIdx, rangeIdx := -1, -1
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if nameIdx < 0 {
			for _, n := range nameColumns {
				if h == n {
					nameIdx = i
				}
			}
		}
		if rangeIdx < 0 {
			for _, rc := range rangeColumns {
				if h == rc {
					rangeIdx = i
				}
			}
		}
	}
	if nameIdx < 0 || rangeIdx < 0 {
		return nil, fmt.Errorf("hosters: missing name/range columns in header %v", header)
	}

	out := make(map[string][]string)
	for {
		row, err := r.Read()
		if err != nil {
			break
		}
		if nameIdx >= len(row) {
			continue
		}
		org := CleanName(row[nameIdx])
		if org == "" {
			continue
		}
		var ranges []string
		if rangeIdx < len(row) {
			ranges = ParseRangeCell(row[rangeIdx])
		}
		out[org] = appendUnique(out[org], ranges)
	}
	return out, nil
}

func loadSimple(text string, delim byte) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		name, rest, _ := strings.Cut(line, string(delim))
		org := CleanName(name)
		if org == "" {
			continue
		}
		out[org] = appendUnique(out[org], ParseRangeCell(rest))
	}
	return out, nil
}

// ParseRangeCell extracts CIDR strings from a cell that may hold a JSON
// array, a bracketed python-style list, a delimited string, or free text
// (IPv4 CIDR regex fallback, mirroring the reference loader).
func ParseRangeCell(raw string) []string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}

	// JSON array cell, possibly with doubled quotes from CSV re-export.
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		norm := strings.ReplaceAll(s, `""`, `"`)
		var arr []string
		if err := json.Unmarshal([]byte(norm), &arr); err == nil {
			return trimAll(arr)
		}
		// Python-style list with single quotes.
		inner := strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
		parts := strings.Split(inner, ",")
		if out := trimAll(parts); len(out) > 0 {
			return out
		}
	}

	if strings.Contains(s, "|") {
		if out := trimAll(strings.Split(s, "|")); len(out) > 0 {
			return out
		}
	}
	if strings.Contains(s, ",") {
		if out := trimAll(strings.Split(s, ",")); len(out) > 0 {
			return out
		}
	}
	if strings.Contains(s, "/") {
		return []string{s}
	}
	return cidrV4Re.FindAllString(s, -1)
}

// CleanName normalizes organization names so rows join across files:
// surrounding whitespace and wrapping quote pairs (including doubled ones)
// are stripped.
func CleanName(s string) string {
	s = strings.TrimSpace(s)
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '\'' && last == '\'') || (first == '"' && last == '"') {
			s = strings.TrimSpace(s[1 : len(s)-1])
			continue
		}
		break
	}
	return s
}

func trimAll(in []string) []string {
	var out []string
	for _, v := range in {
		v = strings.Trim(strings.TrimSpace(v), `'"`)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(dst, src []string) []string {
	seen := make(map[string]struct{}, len(dst))
	for _, v := range dst {
		seen[v] = struct{}{}
	}
	for _, v := range src {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		dst = append(dst, v)
	}
	return dst
}

func firstNonEmptyLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			return strings.TrimRight(line, "\r")
		}
	}
	return ""
}
