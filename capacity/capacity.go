// Package capacity derives address-space capacity metrics per organization
// from normalized CIDR lists and distinct-domain counts.
package capacity

import (
	"math"
	"net/netip"
	"sort"
	"strings"
)

// Record is one organization's capacity row. TotalAddresses is a float64
// magnitude because IPv6 blocks overflow any integer width; IPv4-only totals
// stay exact.
type Record struct {
	Org               string
	DomainCount       int
	CIDRCount         int
	TotalAddresses    float64
	AvgDomainsPerAddr float64
	CIDRs             []string // normalized, deduplicated, order preserved
}

// Stats tallies entries dropped during normalization.
type Stats struct {
	Invalid      int // CIDR strings that failed to parse
	SkippedIPv6  int // v6 prefixes dropped when IPv6 sizing is off
	Deduplicated int // repeated prefixes within one organization's list
}

// Estimate produces a capacity row for every organization in domainCounts,
// sizing the address space from cidrsByOrg. Rows are ordered by descending
// domain count, ascending organization name on ties.
//
// Overlapping ranges within one organization's list are intentionally NOT
// collapsed into a minimal covering set before summing; an organization
// listing both 10.0.0.0/8 and 10.1.0.0/16 has both sizes counted. This
// mirrors the reference behavior and can overstate totals for overlapping
// inputs.
//
// AvgDomainsPerAddr is exactly 0.0 whenever TotalAddresses is 0.
func Estimate(cidrsByOrg map[string][]string, domainCounts map[string]int, includeIPv6 bool) ([]Record, Stats) {
	var stats Stats
	records := make([]Record, 0, len(domainCounts))

	for org, count := range domainCounts {
		norm, s := normalize(cidrsByOrg[org], includeIPv6)
		stats.Invalid += s.Invalid
		stats.SkippedIPv6 += s.SkippedIPv6
		stats.Deduplicated += s.Deduplicated

		rec := Record{
			Org:         org,
			DomainCount: count,
			CIDRCount:   len(norm),
			CIDRs:       make([]string, 0, len(norm)),
		}
		for _, pfx := range norm {
			rec.CIDRs = append(rec.CIDRs, pfx.String())
			rec.TotalAddresses += prefixSize(pfx)
		}
		if rec.TotalAddresses > 0 {
			rec.AvgDomainsPerAddr = float64(rec.DomainCount) / rec.TotalAddresses
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].DomainCount != records[j].DomainCount {
			return records[i].DomainCount > records[j].DomainCount
		}
		return records[i].Org < records[j].Org
	})
	return records, stats
}

// normalize parses and masks each CIDR string, dropping invalid entries and
// repeats while preserving first-seen order.
func normalize(raw []string, includeIPv6 bool) ([]netip.Prefix, Stats) {
	var stats Stats
	var out []netip.Prefix
	seen := make(map[netip.Prefix]struct{}, len(raw))
	for _, c := range raw {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		pfx, err := netip.ParsePrefix(c)
		if err != nil {
			stats.Invalid++
			continue
		}
		pfx = pfx.Masked()
		if !includeIPv6 && pfx.Addr().Is6() {
			stats.SkippedIPv6++
			continue
		}
		if _, dup := seen[pfx]; dup {
			stats.Deduplicated++
			continue
		}
		seen[pfx] = struct{}{}
		out = append(out, pfx)
	}
	return out, stats
}

// prefixSize returns the number of addresses covered by pfx.
func prefixSize(pfx netip.Prefix) float64 {
	host := pfx.Addr().BitLen() - pfx.Bits()
	if host < 63 {
		return float64(uint64(1) << host)
	}
	return math.Pow(2, float64(host))
}
