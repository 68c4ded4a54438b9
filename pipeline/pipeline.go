// Package pipeline wires the six hosterbench steps together: extract,
// enrich, distinct-SLD counting, capacity estimation, feed ingestion,
// and the final merge. Each step is also callable on its own through the
// step functions so partial reruns stay cheap.
package pipeline

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"

	"hosterbench/attrib"
	"hosterbench/capacity"
	"hosterbench/config"
	"hosterbench/enrich"
	"hosterbench/extract"
	"hosterbench/feeds"
	"hosterbench/feedstore"
	"hosterbench/hosters"
	"hosterbench/report"
	"hosterbench/sldcount"
)

// Env holds the shared inputs every step needs: the hoster CIDR map and
// the attribution index built from it.
type Env struct {
	Cfg     *config.Config
	CIDRs   map[string][]string
	Index   *attrib.Index
	Domains map[string]int
}

// NewEnv loads hosters and builds the attribution index.
func NewEnv(cfg *config.Config) (*Env, error) {
	if cfg.HostersFile == "" {
		return nil, fmt.Errorf("pipeline: config must specify hosters_file")
	}
	cidrs, err := hosters.Load(cfg.HostersFile)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	idx, stats := attrib.Build(cidrs)
	log.Printf("pipeline: attribution index covers %d prefixes from %d organizations",
		stats.Prefixes, stats.Organizations)
	return &Env{Cfg: cfg, CIDRs: cidrs, Index: idx}, nil
}

// Extract runs step 1: DNSDB JSONL to domain/IP pair files.
func (e *Env) Extract() error {
	_, err := extract.Run(e.Cfg.Paths.DNSDBGlob, e.Cfg.Paths.Step1OutDir, e.Cfg.Params.Processes)
	return err
}

// Enrich runs step 2: attribute each pair to its owning organization.
func (e *Env) Enrich() error {
	_, err := enrich.Run(e.Cfg.Step1Glob(), e.Cfg.Paths.Step2OutDir, e.Index, e.Cfg.Params.Processes)
	return err
}

// CountSLDs runs step 3 and caches the per-organization distinct counts
// for the capacity step.
func (e *Env) CountSLDs() error {
	counts, _, err := sldcount.Run(
		e.Cfg.Step2Glob(),
		e.Cfg.Paths.ScratchDir,
		e.Cfg.Outputs.OrgsOverThreshold,
		e.CIDRs,
		e.Cfg.Params.ThresholdSLDCount,
		e.Cfg.Params.FlushThreshold,
	)
	if err != nil {
		return err
	}
	e.Domains = counts
	return nil
}

// Capacity runs step 4. When step 3 did not run in this process the
// distinct counts are reloaded from its output CSV.
func (e *Env) Capacity() error {
	if e.Domains == nil {
		counts, err := loadDomainCounts(e.Cfg.Outputs.OrgsOverThreshold)
		if err != nil {
			return err
		}
		e.Domains = counts
	}
	records, stats := capacity.Estimate(e.CIDRs, e.Domains, e.Cfg.Params.IncludeIPv6)
	if stats.Invalid > 0 || stats.SkippedIPv6 > 0 {
		log.Printf("step4: skipped %d invalid and %d IPv6 prefixes", stats.Invalid, stats.SkippedIPv6)
	}
	return report.WriteCapacityCSV(e.Cfg.Outputs.CapacityCSV, records)
}

// Ingest runs step 5: feed ingestion plus the per-hoster counts export.
func (e *Env) Ingest() error {
	specs, err := feeds.LoadSpecs(e.Cfg.FeedsFile)
	if err != nil {
		return err
	}
	store, err := feedstore.Open(e.Cfg.Paths.StoreDir, feedstore.Options{
		CommitEvery: e.Cfg.Params.CommitEvery,
	})
	if err != nil {
		return fmt.Errorf("pipeline: open feed store: %w", err)
	}
	defer store.Close()

	if _, err := feeds.Ingest(specs, e.Index, store); err != nil {
		return err
	}
	return feeds.Export(e.Cfg.Outputs.HosterCountsCSV, specs, store, e.Index, e.Cfg.Outputs.CapacityCSV)
}

// Merge runs step 6 and, when a report database is configured, persists
// the merged rows there as well.
func (e *Env) Merge() error {
	if _, err := report.Merge(
		e.Cfg.Outputs.HosterCountsCSV,
		e.Cfg.Outputs.CapacityCSV,
		e.Cfg.Outputs.MergedCSV,
		e.Cfg.Params.FuzzyJoin,
	); err != nil {
		return err
	}
	if e.Cfg.Outputs.ReportDB == "" {
		return nil
	}
	return saveMergedDB(e.Cfg.Outputs.ReportDB, e.Cfg.Outputs.MergedCSV)
}

// Run executes the whole pipeline in order. The first failing step
// aborts the run.
func Run(cfg *config.Config) error {
	env, err := NewEnv(cfg)
	if err != nil {
		return err
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"extract", env.Extract},
		{"enrich", env.Enrich},
		{"count-slds", env.CountSLDs},
		{"capacity", env.Capacity},
		{"ingest", env.Ingest},
		{"merge", env.Merge},
	}
	for _, step := range steps {
		log.Printf("pipeline: running %s", step.name)
		if err := step.fn(); err != nil {
			return fmt.Errorf("pipeline: step %s: %w", step.name, err)
		}
	}
	log.Printf("pipeline: complete")
	return nil
}

// loadDomainCounts reads the step 3 output back in. Only rows at or over
// the threshold were written, so a rerun of later steps works from the
// filtered set.
func loadDomainCounts(path string) (map[string]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: open %s (run count-slds first): %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = '|'
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("pipeline: read %s: %w", path, err)
	}
	counts := map[string]int{}
	for i, row := range rows {
		if i == 0 || len(row) < 2 {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(row[1], "%d", &n); err != nil {
			continue
		}
		counts[row[0]] = n
	}
	return counts, nil
}

func saveMergedDB(dbPath, mergedCSV string) error {
	f, err := os.Open(mergedCSV)
	if err != nil {
		return fmt.Errorf("pipeline: open %s: %w", mergedCSV, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("pipeline: read %s: %w", mergedCSV, err)
	}
	if len(rows) == 0 {
		return nil
	}
	store, err := report.OpenStore(dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveMerged(rows[0], rows[1:]); err != nil {
		return err
	}
	log.Printf("pipeline: saved %d merged rows to %s", len(rows)-1, dbPath)
	return nil
}
