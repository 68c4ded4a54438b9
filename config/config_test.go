package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := `
hosters_file: data/hosters.csv
paths:
  dnsdb_glob: "/data/dnsdb/*.gz"
params:
  processes: 8
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HostersFile != "data/hosters.csv" {
		t.Errorf("hosters_file = %q", cfg.HostersFile)
	}
	if cfg.Params.Processes != 8 {
		t.Errorf("processes = %d, want 8", cfg.Params.Processes)
	}
	if cfg.Params.CommitEvery != 10000 {
		t.Errorf("commit_every default = %d, want 10000", cfg.Params.CommitEvery)
	}
	if cfg.Params.ThresholdSLDCount != 100 {
		t.Errorf("threshold default = %d, want 100", cfg.Params.ThresholdSLDCount)
	}
	if cfg.Outputs.OrgsOverThreshold == "" || cfg.Outputs.MergedCSV == "" {
		t.Errorf("output defaults missing: %+v", cfg.Outputs)
	}
	if cfg.Step2Glob() != filepath.Join("data/work/step2", "step3_enriched_*") {
		t.Errorf("step2 glob = %q", cfg.Step2Glob())
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("params: [not a map"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
