// Package config loads the YAML pipeline configuration shared by every
// hosterbench step.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	HostersFile string  `yaml:"hosters_file"`
	FeedsFile   string  `yaml:"feeds_file"`
	Paths       Paths   `yaml:"paths"`
	Params      Params  `yaml:"params"`
	Outputs     Outputs `yaml:"outputs"`
}

// Paths contains input globs and working directories.
type Paths struct {
	DNSDBGlob   string `yaml:"dnsdb_glob"`
	Step1OutDir string `yaml:"step1_out_dir"`
	Step2OutDir string `yaml:"step2_out_dir"`
	ScratchDir  string `yaml:"scratch_dir"`
	StoreDir    string `yaml:"store_dir"`
}

// Params contains tunables with conservative defaults.
type Params struct {
	Processes         int  `yaml:"processes"`
	CommitEvery       int  `yaml:"commit_every"`
	FlushThreshold    int  `yaml:"flush_threshold"`
	ThresholdSLDCount int  `yaml:"threshold_sld_count"`
	IncludeIPv6       bool `yaml:"include_ipv6"`
	FuzzyJoin         bool `yaml:"fuzzy_join"`
}

// Outputs contains report file destinations.
type Outputs struct {
	OrgsOverThreshold string `yaml:"orgs_over_threshold"`
	CapacityCSV       string `yaml:"capacity_csv"`
	HosterCountsCSV   string `yaml:"hoster_counts_csv"`
	MergedCSV         string `yaml:"merged_csv"`
	ReportDB          string `yaml:"report_db"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Paths.Step1OutDir == "" {
		c.Paths.Step1OutDir = "data/work/step1"
	}
	if c.Paths.Step2OutDir == "" {
		c.Paths.Step2OutDir = "data/work/step2"
	}
	if c.Paths.ScratchDir == "" {
		c.Paths.ScratchDir = "data/work/scratch"
	}
	if c.Paths.StoreDir == "" {
		c.Paths.StoreDir = "data/work/feedstore"
	}
	if c.Params.Processes <= 0 {
		c.Params.Processes = 1
	}
	if c.Params.CommitEvery <= 0 {
		c.Params.CommitEvery = 10000
	}
	if c.Params.ThresholdSLDCount <= 0 {
		c.Params.ThresholdSLDCount = 100
	}
	if c.Outputs.OrgsOverThreshold == "" {
		c.Outputs.OrgsOverThreshold = "data/output/orgs.csv"
	}
	if c.Outputs.CapacityCSV == "" {
		c.Outputs.CapacityCSV = "data/output/org_ip_capacity.csv"
	}
	if c.Outputs.HosterCountsCSV == "" {
		c.Outputs.HosterCountsCSV = "data/output/hoster_abuse_counts.csv"
	}
	if c.Outputs.MergedCSV == "" {
		c.Outputs.MergedCSV = "data/output/merged_counts_with_capacity.csv"
	}
}

// Step2Glob returns the glob matching enriched files produced by step 2.
func (c *Config) Step2Glob() string {
	return filepath.Join(c.Paths.Step2OutDir, "step3_enriched_*")
}

// Step1Glob returns the glob matching pair files produced by step 1.
func (c *Config) Step1Glob() string {
	return filepath.Join(c.Paths.Step1OutDir, "2lds_*.gz")
}

// Print displays the effective configuration.
func (c *Config) Print() {
	fmt.Printf("Hosters: %s\n", c.HostersFile)
	if c.FeedsFile != "" {
		fmt.Printf("Feeds: %s\n", c.FeedsFile)
	}
	fmt.Printf("DNSDB glob: %s\n", c.Paths.DNSDBGlob)
	fmt.Printf("Work dirs: step1=%s step2=%s scratch=%s store=%s\n",
		c.Paths.Step1OutDir, c.Paths.Step2OutDir, c.Paths.ScratchDir, c.Paths.StoreDir)
	fmt.Printf("Params: processes=%d commit_every=%d flush_threshold=%d sld_threshold=%d ipv6=%v\n",
		c.Params.Processes, c.Params.CommitEvery, c.Params.FlushThreshold,
		c.Params.ThresholdSLDCount, c.Params.IncludeIPv6)
}
