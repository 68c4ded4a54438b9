// Package sldcount implements the third pipeline step: counting distinct
// registrable domains (SLDs) per organization across all enriched files.
// The distinct-key universe is far larger than memory for a full DNSDB
// corpus, so counting is routed through the external-sort counter rather
// than an in-memory set.
package sldcount

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/net/publicsuffix"

	"hosterbench/attrib"
	"hosterbench/extsort"
)

// Stats tallies scan outcomes; per-line problems are never fatal.
type Stats struct {
	Files     int
	Lines     int
	Counted   int
	Malformed int
	NoSLD     int
	Unknown   int
}

// Run scans every enriched file matching glob, feeds (org, sld) pairs into
// an external-sort counter spilling under scratchDir, and writes rows with
// at least threshold distinct domains to outCSV (pipe-delimited:
// Organization|domaincount|cidrs). The full distinct-count map is returned
// for downstream steps. UNKNOWN rows are excluded from per-organization
// counts. Spill or merge failure aborts with no partial output.
func Run(glob, scratchDir, outCSV string, cidrsByOrg map[string][]string, threshold, flushThreshold int) (map[string]int, Stats, error) {
	files, err := expandGlob(glob)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("sldcount: glob %s: %w", glob, err)
	}
	if len(files) == 0 {
		log.Printf("step3: no input files matched %s", glob)
	} else {
		log.Printf("step3: counting distinct SLDs from %d files", len(files))
	}

	counter, err := extsort.NewCounter(scratchDir, flushThreshold)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("sldcount: %w", err)
	}
	defer counter.Close()

	var stats Stats
	for _, path := range files {
		if err := scanFile(path, counter, &stats); err != nil {
			return nil, stats, err
		}
	}

	counts, err := counter.Counts()
	if err != nil {
		return nil, stats, fmt.Errorf("sldcount: %w", err)
	}
	log.Printf("step3: %s lines scanned, %d organizations with distinct SLDs",
		humanize.Comma(int64(stats.Lines)), len(counts))

	if err := writeCSV(outCSV, counts, cidrsByOrg, threshold); err != nil {
		return nil, stats, err
	}
	log.Printf("step3: wrote %s", outCSV)
	return counts, stats, nil
}

func scanFile(path string, counter *extsort.Counter, stats *Stats) error {
	stats.Files++
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("sldcount: open %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("sldcount: gzip %s: %w", path, err)
		}
		defer gzr.Close()
		reader = gzr
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		stats.Lines++
		line := scanner.Text()
		if !strings.Contains(line, "|") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			stats.Malformed++
			continue
		}
		domain := strings.TrimSpace(parts[0])
		org := strings.TrimSpace(parts[2])
		if org == "" || org == attrib.Unknown {
			stats.Unknown++
			continue
		}
		sld := ToSLD(domain)
		if sld == "" {
			stats.NoSLD++
			continue
		}
		if err := counter.Add(org, sld); err != nil {
			return fmt.Errorf("sldcount: %w", err)
		}
		stats.Counted++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("sldcount: read %s: %w", path, err)
	}
	return nil
}

// ToSLD derives the registrable domain, falling back to the last two labels
// when the public-suffix list cannot place the name.
func ToSLD(domain string) string {
	d := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if d == "" {
		return ""
	}
	if sld, err := publicsuffix.EffectiveTLDPlusOne(d); err == nil {
		return sld
	}
	parts := strings.Split(d, ".")
	if len(parts) >= 2 {
		return strings.Join(parts[len(parts)-2:], ".")
	}
	return d
}

func writeCSV(outCSV string, counts map[string]int, cidrsByOrg map[string][]string, threshold int) error {
	if dir := filepath.Dir(outCSV); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("sldcount: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(outCSV)
	if err != nil {
		return fmt.Errorf("sldcount: create %s: %w", outCSV, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '|'
	if err := w.Write([]string{"Organization", "domaincount", "cidrs"}); err != nil {
		return fmt.Errorf("sldcount: write header: %w", err)
	}

	type row struct {
		org   string
		count int
	}
	rows := make([]row, 0, len(counts))
	for org, count := range counts {
		if count >= threshold {
			rows = append(rows, row{org, count})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].org < rows[j].org
	})

	for _, r := range rows {
		cidrs := cidrsByOrg[r.org]
		if cidrs == nil {
			cidrs = []string{}
		}
		cell, err := json.Marshal(cidrs)
		if err != nil {
			return fmt.Errorf("sldcount: encode cidrs for %s: %w", r.org, err)
		}
		if err := w.Write([]string{r.org, strconv.Itoa(r.count), string(cell)}); err != nil {
			return fmt.Errorf("sldcount: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("sldcount: flush %s: %w", outCSV, err)
	}
	return nil
}

func expandGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}
