package pipeline

import (
	"compress/gzip"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hosterbench/config"
)

func writeGzLines(t *testing.T, path string, lines []string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gzw := gzip.NewWriter(f)
	if _, err := gzw.Write([]byte(strings.Join(lines, "\n") + "\n")); err != nil {
		t.Fatal(err)
	}
	if err := gzw.Close(); err != nil {
		t.Fatal(err)
	}
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	hostersFile := filepath.Join(dir, "hosters.txt")
	hosters := "OrgA|10.0.0.0/8\nOrgB|192.0.2.0/24\n"
	if err := os.WriteFile(hostersFile, []byte(hosters), 0o644); err != nil {
		t.Fatal(err)
	}
	feedsFile := filepath.Join(dir, "feeds.yaml")
	feedsYAML := "feeds:\n  - name: dshield_daily\n    path: " + filepath.Join(dir, "dshield.txt") + "\n"
	if err := os.WriteFile(feedsFile, []byte(feedsYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	dshield := "# header\n10.0.0.1\t4\t2\n10.0.0.1\t5\t1\n192.0.2.9\t1\t1\n"
	if err := os.WriteFile(filepath.Join(dir, "dshield.txt"), []byte(dshield), 0o644); err != nil {
		t.Fatal(err)
	}

	return &config.Config{
		HostersFile: hostersFile,
		FeedsFile:   feedsFile,
		Paths: config.Paths{
			DNSDBGlob:   filepath.Join(dir, "dnsdb", "*.jsonl.gz"),
			Step1OutDir: filepath.Join(dir, "step1"),
			Step2OutDir: filepath.Join(dir, "step2"),
			ScratchDir:  filepath.Join(dir, "scratch"),
			StoreDir:    filepath.Join(dir, "store"),
		},
		Params: config.Params{
			Processes:         2,
			CommitEvery:       5,
			ThresholdSLDCount: 1,
		},
		Outputs: config.Outputs{
			OrgsOverThreshold: filepath.Join(dir, "out", "orgs.csv"),
			CapacityCSV:       filepath.Join(dir, "out", "capacity.csv"),
			HosterCountsCSV:   filepath.Join(dir, "out", "hoster_counts.csv"),
			MergedCSV:         filepath.Join(dir, "out", "merged.csv"),
			ReportDB:          filepath.Join(dir, "out", "report.db"),
		},
	}
}

func TestRunEndToEnd(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "dnsdb"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeGzLines(t, filepath.Join(dir, "dnsdb", "batch1.jsonl.gz"), []string{
		`{"rrname":"www.example.com.","rdata":["10.0.0.1"]}`,
		`{"rrname":"mail.example.com.","rdata":["10.0.0.2"]}`,
		`{"rrname":"other.net.","rdata":"10.0.0.3"}`,
		`{"rrname":"site.org.","rdata":["192.0.2.5"]}`,
		`{"rrname":"nowhere.test.","rdata":["203.0.113.1"]}`,
	})

	cfg := testConfig(t, dir)
	if err := Run(cfg); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(cfg.Outputs.MergedCSV)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) < 3 {
		t.Fatalf("merged rows = %d, want at least header plus OrgA and OrgB", len(rows))
	}
	col := map[string]int{}
	for i, name := range rows[0] {
		col[name] = i
	}
	byOrg := map[string][]string{}
	for _, row := range rows[1:] {
		byOrg[row[0]] = row
	}

	orgA := byOrg["OrgA"]
	if orgA == nil {
		t.Fatalf("no OrgA row in %v", rows)
	}
	// example.com and other.net are distinct SLDs inside OrgA's /8.
	if got := orgA[col["domaincount"]]; got != "2" {
		t.Errorf("OrgA domaincount = %s, want 2", got)
	}
	// 10.0.0.1 counted once despite appearing twice in the feed.
	if got := orgA[col["dshield_daily_ips"]]; got != "1" {
		t.Errorf("OrgA dshield ips = %s, want 1", got)
	}
	if got := orgA[col["total_ips"]]; got != "16777216" {
		t.Errorf("OrgA total_ips = %s", got)
	}

	orgB := byOrg["OrgB"]
	if orgB == nil {
		t.Fatalf("no OrgB row in %v", rows)
	}
	if got := orgB[col["domaincount"]]; got != "1" {
		t.Errorf("OrgB domaincount = %s, want 1", got)
	}

	if _, err := os.Stat(cfg.Outputs.ReportDB); err != nil {
		t.Errorf("report db missing: %v", err)
	}
}

func TestCapacityReloadsCountsFromCSV(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)

	if err := os.MkdirAll(filepath.Dir(cfg.Outputs.OrgsOverThreshold), 0o755); err != nil {
		t.Fatal(err)
	}
	orgs := "Organization|domaincount|cidrs\nOrgA|7|[\"10.0.0.0/8\"]\n"
	if err := os.WriteFile(cfg.Outputs.OrgsOverThreshold, []byte(orgs), 0o644); err != nil {
		t.Fatal(err)
	}

	env, err := NewEnv(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Capacity(); err != nil {
		t.Fatal(err)
	}
	if env.Domains["OrgA"] != 7 {
		t.Errorf("reloaded count = %d, want 7", env.Domains["OrgA"])
	}
	if _, err := os.Stat(cfg.Outputs.CapacityCSV); err != nil {
		t.Errorf("capacity csv missing: %v", err)
	}
}
