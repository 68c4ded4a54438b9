package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"hosterbench/capacity"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
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
	return rows
}

func TestWriteCapacityCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "capacity.csv")
	records := []capacity.Record{
		{
			Org:               "OrgA",
			DomainCount:       100,
			CIDRCount:         1,
			TotalAddresses:    16777216,
			AvgDomainsPerAddr: 100.0 / 16777216,
			CIDRs:             []string{"10.0.0.0/8"},
		},
		{Org: "Empty", DomainCount: 5},
	}
	if err := WriteCapacityCSV(path, records); err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, path)
	if !reflect.DeepEqual(rows[0], capacityHeader) {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][0] != "OrgA" || rows[1][3] != "16777216" {
		t.Errorf("row = %v", rows[1])
	}
	if rows[1][5] != `["10.0.0.0/8"]` {
		t.Errorf("cidrs cell = %q", rows[1][5])
	}
	if rows[2][3] != "0" || rows[2][4] != "0" || rows[2][5] != "[]" {
		t.Errorf("empty org row = %v", rows[2])
	}
}

func writeCSV(t *testing.T, path string, rows [][]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.WriteAll(rows); err != nil {
		t.Fatal(err)
	}
}

func TestMergeLeftJoin(t *testing.T) {
	dir := t.TempDir()
	feedsCSV := filepath.Join(dir, "feeds.csv")
	capCSV := filepath.Join(dir, "capacity.csv")
	outCSV := filepath.Join(dir, "merged.csv")

	writeCSV(t, feedsCSV, [][]string{
		{"hoster", "dshield_daily_ips", "ipcount_seen"},
		{"OrgA", "3", "3"},
		{"NoCap", "1", "1"},
	})
	writeCSV(t, capCSV, [][]string{
		{"Organization", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs"},
		{"OrgA", "200", "2", "100", "", `["10.0.0.0/25","10.0.0.128/25"]`},
	})

	n, err := Merge(feedsCSV, capCSV, outCSV, false)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("merged rows = %d, want 2", n)
	}

	rows := readRows(t, outCSV)
	wantHeader := []string{"hoster", "dshield_daily_ips", "ipcount_seen", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs"}
	if !reflect.DeepEqual(rows[0], wantHeader) {
		t.Fatalf("header = %v", rows[0])
	}
	// avg is recomputed: 200/100 = 2.
	if rows[1][0] != "OrgA" || rows[1][3] != "200" || rows[1][6] != "2" {
		t.Errorf("OrgA row = %v", rows[1])
	}
	// Left join keeps feed-only rows with blank capacity and zero avg.
	if rows[2][0] != "NoCap" || rows[2][3] != "" || rows[2][6] != "0" {
		t.Errorf("NoCap row = %v", rows[2])
	}
}

func TestMergeDropsStaleCapacityColumns(t *testing.T) {
	dir := t.TempDir()
	feedsCSV := filepath.Join(dir, "feeds.csv")
	capCSV := filepath.Join(dir, "capacity.csv")
	outCSV := filepath.Join(dir, "merged.csv")

	writeCSV(t, feedsCSV, [][]string{
		{"hoster", "ipcount_seen", "domaincount", "total_ips"},
		{"OrgA", "3", "stale", "stale"},
	})
	writeCSV(t, capCSV, [][]string{
		{"Organization", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs"},
		{"OrgA", "50", "1", "10", "5", "[]"},
	})

	if _, err := Merge(feedsCSV, capCSV, outCSV, false); err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, outCSV)
	wantHeader := []string{"hoster", "ipcount_seen", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs"}
	if !reflect.DeepEqual(rows[0], wantHeader) {
		t.Fatalf("header = %v", rows[0])
	}
	if rows[1][2] != "50" || rows[1][4] != "10" || rows[1][5] != "5" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestMergeFuzzyJoin(t *testing.T) {
	dir := t.TempDir()
	feedsCSV := filepath.Join(dir, "feeds.csv")
	capCSV := filepath.Join(dir, "capacity.csv")
	outCSV := filepath.Join(dir, "merged.csv")

	writeCSV(t, feedsCSV, [][]string{
		{"hoster", "ipcount_seen"},
		{"TranslP", "2"}, // one edit away from TransIP
	})
	writeCSV(t, capCSV, [][]string{
		{"Organization", "domaincount", "cidr_count", "total_ips", "avg_domains_per_ip", "cidrs"},
		{"TransIP", "40", "1", "20", "", "[]"},
	})

	if _, err := Merge(feedsCSV, capCSV, outCSV, false); err != nil {
		t.Fatal(err)
	}
	rows := readRows(t, outCSV)
	if rows[1][2] != "" {
		t.Errorf("exact join matched unexpectedly: %v", rows[1])
	}

	if _, err := Merge(feedsCSV, capCSV, outCSV, true); err != nil {
		t.Fatal(err)
	}
	rows = readRows(t, outCSV)
	if rows[1][2] != "40" {
		t.Errorf("fuzzy join missed: %v", rows[1])
	}
}

func TestStoreSaveAndQuery(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "report.db")
	store, err := OpenStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	header := []string{"hoster", "dshield_daily_ips", "ipcount_seen", "domaincount", "total_ips", "avg_domains_per_ip"}
	rows := [][]string{
		{"OrgA", "5", "5", "100", "256", "0.390625"},
		{"OrgB", "9", "9", "10", "16", "0.625"},
		{"", "1", "1", "0", "0", "0"},
	}
	if err := store.SaveMerged(header, rows); err != nil {
		t.Fatal(err)
	}

	top, err := store.TopByAbuse(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 2 {
		t.Fatalf("top rows = %d, want 2 (blank hoster skipped)", len(top))
	}
	if top[0].Hoster != "OrgB" || top[0].IPCountSeen != 9 {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].Hoster != "OrgA" || top[1].DomainCount != 100 || top[1].TotalIPs != 256 {
		t.Errorf("top[1] = %+v", top[1])
	}

	// Saving again replaces rather than appends.
	if err := store.SaveMerged(header, rows[:1]); err != nil {
		t.Fatal(err)
	}
	top, err = store.TopByAbuse(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(top) != 1 || top[0].Hoster != "OrgA" {
		t.Errorf("after resave top = %+v", top)
	}
}
