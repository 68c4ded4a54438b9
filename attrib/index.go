// Package attrib maps IP addresses to the hosting organization that owns the
// covering network block, using longest-prefix-match over the registered
// CIDR ranges. The index is built once per run and never mutated afterwards,
// so parallel workers may share one instance without locking.
package attrib

import (
	"log"
	"net/netip"
	"sort"
	"strings"

	"github.com/gaissmai/bart"
)

// Unknown is returned for addresses not covered by any registered range and
// for addresses that fail to parse. Callers exclude this bucket from
// per-organization counts.
const Unknown = "UNKNOWN"

// BuildStats reports what happened to the input mapping during Build.
// Malformed and duplicate entries are never fatal; they are dropped and
// tallied here so callers can surface them.
type BuildStats struct {
	Organizations int
	Prefixes      int // distinct prefixes registered
	Malformed     int // CIDR strings that failed to parse
	Duplicates    int // identical (org, prefix) pairs registered again
	Conflicts     int // identical prefix claimed by a different org (loser dropped)
}

// Index resolves addresses to organization names. Read-only after Build.
type Index struct {
	table  bart.Table[string]
	owners map[netip.Prefix]string
}

// Build constructs an Index from an organization → CIDR-strings mapping.
//
// Each CIDR string is parsed and normalized to its masked form; bare
// addresses are accepted as host routes (/32 or /128). Malformed entries are
// skipped and counted. Registering the identical (organization, CIDR) pair
// twice is a no-op.
//
// Tie-break policy: when two different organizations register the identical
// normalized prefix, the first-registered organization wins. Build walks
// organizations in sorted name order and each CIDR list in declaration
// order, so the outcome is deterministic; every dropped claim is counted in
// Conflicts and logged. Between prefixes of different length the longest
// match always wins at resolve time.
func Build(pairs map[string][]string) (*Index, BuildStats) {
	idx := &Index{
		owners: make(map[netip.Prefix]string),
	}
	var stats BuildStats

	orgs := make([]string, 0, len(pairs))
	for org := range pairs {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)

	for _, org := range orgs {
		registered := false
		for _, raw := range pairs[org] {
			pfx, ok := parsePrefix(raw)
			if !ok {
				stats.Malformed++
				continue
			}
			if owner, exists := idx.owners[pfx]; exists {
				if owner == org {
					stats.Duplicates++
				} else {
					stats.Conflicts++
					log.Printf("attrib: %s already registered to %s, dropping claim by %s", pfx, owner, org)
				}
				continue
			}
			idx.owners[pfx] = org
			idx.table.Insert(pfx, org)
			stats.Prefixes++
			registered = true
		}
		if registered {
			stats.Organizations++
		}
	}
	return idx, stats
}

// parsePrefix normalizes a CIDR string, accepting bare addresses as host
// routes. Returns false for anything that does not parse.
func parsePrefix(raw string) (netip.Prefix, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return netip.Prefix{}, false
	}
	if pfx, err := netip.ParsePrefix(raw); err == nil {
		return pfx.Masked(), true
	}
	if addr, err := netip.ParseAddr(raw); err == nil {
		return netip.PrefixFrom(addr, addr.BitLen()), true
	}
	return netip.Prefix{}, false
}

// Resolve returns the organization owning the longest registered prefix
// covering addr, or Unknown when no range covers it. An IPv6 address against
// a v4-only index (and vice versa) resolves to Unknown, not an error.
func (idx *Index) Resolve(addr netip.Addr) string {
	if idx == nil || !addr.IsValid() {
		return Unknown
	}
	if org, ok := idx.table.Lookup(addr); ok {
		return org
	}
	return Unknown
}

// ResolveString parses s and resolves it; parse failures resolve to Unknown.
func (idx *Index) ResolveString(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return Unknown
	}
	return idx.Resolve(addr)
}

// Size returns the number of registered prefixes.
func (idx *Index) Size() int {
	if idx == nil {
		return 0
	}
	return len(idx.owners)
}

// Prefixes returns the normalized prefixes registered for org, in sorted
// string order. Used by the capacity step, which sizes the address space
// from the same normalized data the resolver uses.
func (idx *Index) Prefixes(org string) []netip.Prefix {
	if idx == nil {
		return nil
	}
	var out []netip.Prefix
	for pfx, owner := range idx.owners {
		if owner == org {
			out = append(out, pfx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Organizations returns the sorted set of organizations holding at least one
// registered prefix.
func (idx *Index) Organizations() []string {
	if idx == nil {
		return nil
	}
	seen := make(map[string]struct{})
	for _, owner := range idx.owners {
		seen[owner] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for org := range seen {
		out = append(out, org)
	}
	sort.Strings(out)
	return out
}
