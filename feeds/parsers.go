package feeds

import (
	"fmt"
	"regexp"
	"strings"
)

// Record is one observation extracted from a feed line. IP is required,
// Domain is set only by parsers that carry domain context.
type Record struct {
	IP     string
	Domain string
}

// Parser turns raw feed lines into records. Implementations are stateless
// and safe to share.
type Parser interface {
	// Name returns the registry name the parser is configured under.
	Name() string
	// CountsDomains reports whether records from this parser contribute
	// to per-feed domain counts.
	CountsDomains() bool
	// Parse extracts zero or more records from one line. Header and
	// comment lines yield nil.
	Parse(line string) []Record
}

// NewParser resolves a registry name to a parser. Unknown names are an
// error so a typo in feeds.yaml fails the run instead of silently
// ingesting nothing.
func NewParser(name string) (Parser, error) {
	switch name {
	case "apwg_csv_ip":
		return apwgCSVIP{}, nil
	case "dshield_daily":
		return dshieldDaily{}, nil
	case "generic_csv":
		return genericCSV{}, nil
	default:
		return nil, fmt.Errorf("feeds: unknown feed parser %q", name)
	}
}

var ipv4Pattern = regexp.MustCompile(`(?:\d{1,3}\.){3}\d{1,3}`)
var ipv4Exact = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)

// apwgCSVIP parses APWG CSV lines with no header and a python-repr list
// of IPs in the fourth column, e.g. "[u'1.2.3.4', u'5.6.7.8']".
type apwgCSVIP struct{}

func (apwgCSVIP) Name() string        { return "apwg_csv_ip" }
func (apwgCSVIP) CountsDomains() bool { return false }

func (apwgCSVIP) Parse(line string) []Record {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) < 4 {
		return nil
	}
	ips := ipv4Pattern.FindAllString(parts[3], -1)
	recs := make([]Record, 0, len(ips))
	for _, ip := range ips {
		recs = append(recs, Record{IP: ip})
	}
	return recs
}

// dshieldDaily parses DShield daily_sources TSV, source IP in the first
// column.
type dshieldDaily struct{}

func (dshieldDaily) Name() string        { return "dshield_daily" }
func (dshieldDaily) CountsDomains() bool { return false }

func (dshieldDaily) Parse(line string) []Record {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(s, "#") || strings.HasPrefix(strings.ToLower(s), "source ip") {
		return nil
	}
	ip := strings.TrimSpace(strings.Split(s, "\t")[0])
	if !ipv4Exact.MatchString(ip) {
		return nil
	}
	return []Record{{IP: ip}}
}

// genericCSV parses headered CSV lines of the form
// "timestamp,source_ip[,domain[,...]]". When a third column is present it
// is treated as a domain observation.
type genericCSV struct{}

func (genericCSV) Name() string        { return "generic_csv" }
func (genericCSV) CountsDomains() bool { return true }

func (genericCSV) Parse(line string) []Record {
	s := strings.TrimSpace(line)
	if s == "" || strings.HasPrefix(strings.ToLower(s), "timestamp") {
		return nil
	}
	parts := strings.Split(s, ",")
	if len(parts) < 2 {
		return nil
	}
	ip := strings.TrimSpace(parts[1])
	if !ipv4Exact.MatchString(ip) {
		return nil
	}
	rec := Record{IP: ip}
	if len(parts) >= 3 {
		rec.Domain = strings.TrimSpace(parts[2])
	}
	return []Record{rec}
}
