package report

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

// Store persists merged per-organization rows to SQLite so results can
// be queried across pipeline runs without re-parsing CSVs.
type Store struct {
	db *sql.DB
}

// OpenStore initializes the report database at path, creating parent
// directories and the schema as needed.
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("report: mkdir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("report: open db: %w", err)
	}
	if _, err := db.Exec(`pragma journal_mode=WAL; pragma synchronous=NORMAL; pragma busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("report: pragmas: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMerged replaces the merged_counts table with the given rows inside
// a single transaction. Known columns map to typed fields; anything else
// (per-feed counts and the like) lands in the extra JSON column. Header
// and rows come straight from the merged CSV.
func (s *Store) SaveMerged(header []string, rows [][]string) error {
	col := map[string]int{}
	for i, name := range header {
		col[name] = i
	}
	hosterIdx, ok := col["hoster"]
	if !ok {
		if hosterIdx, ok = col["Organization"]; !ok {
			return fmt.Errorf("report: merged header has no hoster column: %v", header)
		}
	}

	known := map[string]bool{
		"hoster": true, "Organization": true,
		"domaincount": true, "cidr_count": true, "total_ips": true,
		"avg_domains_per_ip": true, "ipcount_seen": true, "domaincount_seen": true,
		"cidrs": true,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("report: begin tx: %w", err)
	}
	if _, err := tx.Exec(`delete from merged_counts`); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("report: clear table: %w", err)
	}
	stmt, err := tx.Prepare(`insert into merged_counts(hoster, domaincount, cidr_count, total_ips, avg_domains_per_ip, ipcount_seen, domaincount_seen, cidrs, extra) values(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("report: prepare: %w", err)
	}

	field := func(row []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}
	for _, row := range rows {
		if hosterIdx >= len(row) || strings.TrimSpace(row[hosterIdx]) == "" {
			continue
		}
		extra := map[string]string{}
		for name, i := range col {
			if !known[name] && i < len(row) {
				extra[name] = row[i]
			}
		}
		extraJSON, err := json.Marshal(extra)
		if err != nil {
			extraJSON = []byte("{}")
		}
		if _, err := stmt.Exec(
			row[hosterIdx],
			parseInt(field(row, "domaincount")),
			parseInt(field(row, "cidr_count")),
			parseFloat(field(row, "total_ips")),
			parseFloat(field(row, "avg_domains_per_ip")),
			parseInt(field(row, "ipcount_seen")),
			parseInt(field(row, "domaincount_seen")),
			field(row, "cidrs"),
			string(extraJSON),
		); err != nil {
			log.Printf("report: insert %s failed: %v", row[hosterIdx], err)
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("report: commit: %w", err)
	}
	return nil
}

// OrgSummary is one queried row from the report database.
type OrgSummary struct {
	Hoster          string
	DomainCount     int64
	TotalIPs        float64
	AvgDomainsPerIP float64
	IPCountSeen     int64
}

// TopByAbuse returns up to limit organizations ordered by observed
// distinct abuse IPs, descending, name ascending on ties.
func (s *Store) TopByAbuse(limit int) ([]OrgSummary, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(`select hoster, domaincount, total_ips, avg_domains_per_ip, ipcount_seen from merged_counts order by ipcount_seen desc, hoster asc limit ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("report: query top: %w", err)
	}
	defer rows.Close()

	var out []OrgSummary
	for rows.Next() {
		var o OrgSummary
		if err := rows.Scan(&o.Hoster, &o.DomainCount, &o.TotalIPs, &o.AvgDomainsPerIP, &o.IPCountSeen); err != nil {
			return nil, fmt.Errorf("report: scan top: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: iterate top: %w", err)
	}
	return out, nil
}

func ensureSchema(db *sql.DB) error {
	schema := `
	create table if not exists merged_counts (
		hoster text primary key,
		domaincount integer,
		cidr_count integer,
		total_ips real,
		avg_domains_per_ip real,
		ipcount_seen integer,
		domaincount_seen integer,
		cidrs text,
		extra text
	);
	create index if not exists idx_merged_ipcount on merged_counts(ipcount_seen);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("report: schema: %w", err)
	}
	return nil
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
