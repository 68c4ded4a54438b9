package report

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lev "github.com/agnivade/levenshtein"

	"hosterbench/hosters"
)

// capacity columns carried into the merged output, joined from the
// capacity CSV.
var mergeCapacityColumns = []string{
	"domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs",
}

type table struct {
	header []string
	col    map[string]int
	rows   [][]string
}

func (t *table) field(row []string, name string) string {
	i, ok := t.col[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	all, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("report: read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("report: %s is empty", path)
	}
	t := &table{header: all[0], col: map[string]int{}, rows: all[1:]}
	for i, name := range t.header {
		t.col[name] = i
	}
	return t, nil
}

func (t *table) joinKey(candidates ...string) (string, error) {
	for _, c := range candidates {
		if _, ok := t.col[c]; ok {
			return c, nil
		}
	}
	return "", fmt.Errorf("report: no join key among %v in columns %v", candidates, t.header)
}

// Merge left-joins the feed counts CSV with the capacity CSV by cleaned
// organization name and writes the merged CSV. Feed rows always survive;
// capacity columns are blank when no capacity row matches. When fuzzy is
// set, rows without an exact match fall back to the nearest capacity name
// within edit distance one. avg_domains_per_ip is recomputed from the
// joined domaincount and total_ips. Returns the number of merged rows.
func Merge(feedsCSV, capacityCSV, outCSV string, fuzzy bool) (int, error) {
	feeds, err := readTable(feedsCSV)
	if err != nil {
		return 0, err
	}
	capTab, err := readTable(capacityCSV)
	if err != nil {
		return 0, err
	}
	leftKey, err := feeds.joinKey("hoster", "Organization")
	if err != nil {
		return 0, err
	}
	rightKey, err := capTab.joinKey("Organization", "org")
	if err != nil {
		return 0, err
	}
	for _, name := range mergeCapacityColumns {
		if _, ok := capTab.col[name]; !ok {
			return 0, fmt.Errorf("report: capacity CSV %s missing column %s", capacityCSV, name)
		}
	}

	capByName := map[string][]string{}
	for _, row := range capTab.rows {
		name := hosters.CleanName(capTab.field(row, rightKey))
		if name != "" {
			capByName[name] = row
		}
	}

	// Merged header keeps the feed columns, dropping any stale capacity
	// columns the feed export already carried, then appends the joined
	// capacity columns.
	capCols := map[string]bool{}
	for _, name := range mergeCapacityColumns {
		capCols[name] = true
	}
	var outHeader []string
	var keepIdx []int
	for i, name := range feeds.header {
		if capCols[name] {
			continue
		}
		outHeader = append(outHeader, name)
		keepIdx = append(keepIdx, i)
	}
	outHeader = append(outHeader, mergeCapacityColumns...)

	if dir := filepath.Dir(outCSV); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("report: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(outCSV)
	if err != nil {
		return 0, fmt.Errorf("report: create %s: %w", outCSV, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(outHeader); err != nil {
		return 0, fmt.Errorf("report: write header: %w", err)
	}

	fuzzyHits := 0
	for _, row := range feeds.rows {
		out := make([]string, 0, len(outHeader))
		for _, i := range keepIdx {
			if i < len(row) {
				out = append(out, row[i])
			} else {
				out = append(out, "")
			}
		}

		name := hosters.CleanName(feeds.field(row, leftKey))
		capRow, ok := capByName[name]
		if !ok && fuzzy && name != "" {
			if match := nearestName(name, capByName); match != "" {
				capRow = capByName[match]
				ok = true
				fuzzyHits++
			}
		}
		if ok {
			for _, colName := range mergeCapacityColumns {
				if colName == "avg_domains_per_ip" {
					out = append(out, recomputeAvg(capTab.field(capRow, "domaincount"), capTab.field(capRow, "total_ips")))
					continue
				}
				out = append(out, capTab.field(capRow, colName))
			}
		} else {
			out = append(out, "", "", "", "0", "")
		}
		if err := w.Write(out); err != nil {
			return 0, fmt.Errorf("report: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, fmt.Errorf("report: flush %s: %w", outCSV, err)
	}
	if fuzzy && fuzzyHits > 0 {
		log.Printf("step6: %d rows joined by fuzzy name match", fuzzyHits)
	}
	log.Printf("step6: wrote %s (%d rows)", outCSV, len(feeds.rows))
	return len(feeds.rows), nil
}

// nearestName returns the single capacity name within edit distance one
// of name, comparing case-insensitively. Ambiguous or distant names stay
// unmatched rather than risking a wrong join.
func nearestName(name string, capByName map[string][]string) string {
	lower := strings.ToLower(name)
	match := ""
	for candidate := range capByName {
		if lev.ComputeDistance(lower, strings.ToLower(candidate)) <= 1 {
			if match != "" {
				return ""
			}
			match = candidate
		}
	}
	return match
}

// recomputeAvg derives domaincount/total_ips, 0 when the total is absent
// or zero.
func recomputeAvg(domainCount, totalIPs string) string {
	dc, err1 := strconv.ParseFloat(strings.TrimSpace(domainCount), 64)
	ti, err2 := strconv.ParseFloat(strings.TrimSpace(totalIPs), 64)
	if err1 != nil || err2 != nil || ti <= 0 {
		return "0"
	}
	return strconv.FormatFloat(dc/ti, 'g', -1, 64)
}
