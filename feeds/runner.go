package feeds

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"

	"hosterbench/attrib"
	"hosterbench/feedstore"
	"hosterbench/hosters"
)

// Per-organization dedup categories in the feed store. Per-feed
// categories are derived with a feed-name suffix.
const (
	catIPsSeen     = "ips_seen"
	catDomainsSeen = "domains_seen"
)

func feedIPCategory(feed string) string     { return "ips:" + feed }
func feedDomainCategory(feed string) string { return "domains:" + feed }

// IngestStats tallies one ingest run across all configured feeds.
type IngestStats struct {
	Files   int
	Lines   int
	Records int
	Unknown int
}

// Ingest reads every configured feed and records attributed observations
// in the store. Observations landing in the UNKNOWN bucket are dropped.
// Unreadable files are logged and skipped so one bad download does not
// abort the run, but a store write failure is fatal: continuing past one
// would report counts with an entire file's records silently missing.
func Ingest(specs []Spec, idx *attrib.Index, store *feedstore.Store) (IngestStats, error) {
	var stats IngestStats
	for _, spec := range specs {
		parser, err := NewParser(spec.Name)
		if err != nil {
			return stats, err
		}
		files, err := expandFiles(spec.Path)
		if err != nil {
			return stats, fmt.Errorf("feeds: expand %s: %w", spec.Path, err)
		}
		log.Printf("step5: [%s] found %d files matching %s", spec.Name, len(files), spec.Path)
		for _, path := range files {
			if err := ingestFile(path, parser, idx, store, &stats); err != nil {
				return stats, fmt.Errorf("feeds: ingest %s: %w", path, err)
			}
		}
	}
	if err := store.Flush(); err != nil {
		return stats, fmt.Errorf("feeds: flush store: %w", err)
	}
	log.Printf("step5: ingested %s records from %d files, %s unattributed",
		humanize.Comma(int64(stats.Records)), stats.Files, humanize.Comma(int64(stats.Unknown)))
	return stats, nil
}

// ingestFile records one feed file. Input trouble (open or scan errors)
// is logged and absorbed here; only store write errors are returned.
func ingestFile(path string, parser Parser, idx *attrib.Index, store *feedstore.Store, stats *IngestStats) error {
	f, err := os.Open(path)
	if err != nil {
		log.Printf("step5: [%s] skipping %s: %v", parser.Name(), path, err)
		return nil
	}
	defer f.Close()
	stats.Files++

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		stats.Lines++
		for _, rec := range parser.Parse(scanner.Text()) {
			org := idx.ResolveString(rec.IP)
			if org == attrib.Unknown {
				stats.Unknown++
				continue
			}
			if err := store.Record(org, feedIPCategory(parser.Name()), rec.IP); err != nil {
				return err
			}
			if err := store.Record(org, catIPsSeen, rec.IP); err != nil {
				return err
			}
			if parser.CountsDomains() && rec.Domain != "" {
				if err := store.Record(org, feedDomainCategory(parser.Name()), rec.Domain); err != nil {
					return err
				}
				if err := store.Record(org, catDomainsSeen, rec.Domain); err != nil {
					return err
				}
			}
			stats.Records++
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("step5: [%s] read %s: %v", parser.Name(), path, err)
	}
	return nil
}

// capacityRow holds the step 4 columns carried verbatim into the feed
// export.
type capacityRow struct {
	DomainCount string
	CIDRCount   string
	TotalIPs    string
	AvgPerIP    string
	CIDRs       string
}

// Export writes the per-organization feed counts CSV. Rows cover the
// union of attributed organizations and capacity rows, so organizations
// with capacity data but no feed hits still appear. Counts come from the
// dedup store, capacity columns from the step 4 CSV joined by cleaned
// name.
func Export(outCSV string, specs []Spec, store *feedstore.Store, idx *attrib.Index, capacityCSV string) error {
	capacity, err := loadCapacity(capacityCSV)
	if err != nil {
		return err
	}

	names := map[string]struct{}{}
	for _, org := range idx.Organizations() {
		if n := hosters.CleanName(org); n != "" {
			names[n] = struct{}{}
		}
	}
	for n := range capacity {
		names[n] = struct{}{}
	}
	all := make([]string, 0, len(names))
	for n := range names {
		all = append(all, n)
	}
	sort.Strings(all)

	header := []string{"hoster"}
	type feedCounts struct {
		spec    Spec
		domains bool
		ips     map[string]int
		doms    map[string]int
	}
	perFeed := make([]feedCounts, 0, len(specs))
	for _, spec := range specs {
		parser, err := NewParser(spec.Name)
		if err != nil {
			return err
		}
		fc := feedCounts{spec: spec, domains: parser.CountsDomains()}
		if fc.domains {
			header = append(header, spec.Name+"_domains")
			if fc.doms, err = store.GroupedCount(feedDomainCategory(spec.Name)); err != nil {
				return fmt.Errorf("feeds: count %s domains: %w", spec.Name, err)
			}
		}
		header = append(header, spec.Name+"_ips")
		if fc.ips, err = store.GroupedCount(feedIPCategory(spec.Name)); err != nil {
			return fmt.Errorf("feeds: count %s ips: %w", spec.Name, err)
		}
		perFeed = append(perFeed, fc)
	}
	header = append(header, "domaincount_seen", "ipcount_seen", "ipcount_shared", "domaincount_shared")
	header = append(header, "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs")

	domainsSeen, err := store.GroupedCount(catDomainsSeen)
	if err != nil {
		return fmt.Errorf("feeds: count domains seen: %w", err)
	}
	ipsSeen, err := store.GroupedCount(catIPsSeen)
	if err != nil {
		return fmt.Errorf("feeds: count ips seen: %w", err)
	}
	cleaned := func(m map[string]int) map[string]int {
		out := make(map[string]int, len(m))
		for org, n := range m {
			out[hosters.CleanName(org)] += n
		}
		return out
	}
	domainsSeen = cleaned(domainsSeen)
	ipsSeen = cleaned(ipsSeen)
	for i := range perFeed {
		perFeed[i].ips = cleaned(perFeed[i].ips)
		if perFeed[i].doms != nil {
			perFeed[i].doms = cleaned(perFeed[i].doms)
		}
	}

	if dir := filepath.Dir(outCSV); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("feeds: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(outCSV)
	if err != nil {
		return fmt.Errorf("feeds: create %s: %w", outCSV, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("feeds: write header: %w", err)
	}
	for _, name := range all {
		row := []string{name}
		for _, fc := range perFeed {
			if fc.domains {
				row = append(row, strconv.Itoa(fc.doms[name]))
			}
			row = append(row, strconv.Itoa(fc.ips[name]))
		}
		// Shared-IP accounting is not implemented; the columns stay for
		// downstream consumers that expect them.
		row = append(row,
			strconv.Itoa(domainsSeen[name]),
			strconv.Itoa(ipsSeen[name]),
			"0",
			"0",
		)
		if cr, ok := capacity[name]; ok {
			row = append(row, cr.DomainCount, cr.CIDRCount, cr.TotalIPs, cr.AvgPerIP, cr.CIDRs)
		} else {
			row = append(row, "", "", "", "", "")
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("feeds: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("feeds: flush %s: %w", outCSV, err)
	}
	log.Printf("step5: wrote %s (%d rows)", outCSV, len(all))
	return nil
}

// loadCapacity reads the step 4 capacity CSV keyed by cleaned
// organization name. A missing file is logged and treated as empty.
func loadCapacity(path string) (map[string]capacityRow, error) {
	out := map[string]capacityRow{}
	if path == "" {
		return out, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("step5: capacity CSV missing: %s", path)
			return out, nil
		}
		return nil, fmt.Errorf("feeds: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("feeds: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return out, nil
	}
	col := map[string]int{}
	for i, name := range rows[0] {
		col[name] = i
	}
	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	for _, row := range rows[1:] {
		org := hosters.CleanName(field(row, "Organization"))
		if org == "" {
			continue
		}
		out[org] = capacityRow{
			DomainCount: field(row, "domaincount"),
			CIDRCount:   field(row, "cidr_count"),
			TotalIPs:    field(row, "total_ips"),
			AvgPerIP:    field(row, "avg_domains_per_ip"),
			CIDRs:       field(row, "cidrs"),
		}
	}
	log.Printf("step5: loaded %d capacity rows from %s", len(out), path)
	return out, nil
}

// expandFiles turns a directory or glob into a sorted list of regular
// files.
func expandFiles(pathlike string) ([]string, error) {
	if info, err := os.Stat(pathlike); err == nil && info.IsDir() {
		entries, err := os.ReadDir(pathlike)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			if e.Type().IsRegular() {
				files = append(files, filepath.Join(pathlike, e.Name()))
			}
		}
		sort.Strings(files)
		return files, nil
	}
	matches, err := filepath.Glob(pathlike)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}
