// Package report writes the pipeline's output artifacts: the capacity
// CSV, the merged counts-with-capacity CSV, and the SQLite report
// database.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"hosterbench/capacity"
)

// capacityHeader is the column order consumers of the capacity CSV
// expect.
var capacityHeader = []string{
	"Organization", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs",
}

// WriteCapacityCSV writes capacity estimates as comma-separated CSV with
// the cidrs column JSON-encoded. Records are written in the order given.
func WriteCapacityCSV(path string, records []capacity.Record) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(capacityHeader); err != nil {
		return fmt.Errorf("report: write header: %w", err)
	}
	for _, rec := range records {
		cidrs := rec.CIDRs
		if cidrs == nil {
			cidrs = []string{}
		}
		cell, err := json.Marshal(cidrs)
		if err != nil {
			return fmt.Errorf("report: encode cidrs for %s: %w", rec.Org, err)
		}
		row := []string{
			rec.Org,
			strconv.Itoa(rec.DomainCount),
			strconv.Itoa(rec.CIDRCount),
			formatTotal(rec.TotalAddresses),
			formatFloat(rec.AvgDomainsPerAddr),
			string(cell),
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("report: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush %s: %w", path, err)
	}
	log.Printf("step4: wrote %s (%d rows)", path, len(records))
	return nil
}

// formatTotal renders address-space totals without exponent notation for
// whole values in the float64-exact range, so IPv4-only totals stay
// integral in the CSV.
func formatTotal(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
