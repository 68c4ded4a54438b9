// Package extract implements the first pipeline step: reading gzipped DNSDB
// JSONL files and emitting gzipped "domain|ip" pair files, one per input.
// The registrable domain (eTLD+1) is kept, not the bare second-level label,
// so multi-part suffixes like co.uk survive.
package extract

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"log"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/errgroup"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// dnsdbRecord is the subset of a DNSDB JSONL record the extractor needs.
// Rdata is either a string or a list of strings in the wild.
type dnsdbRecord struct {
	Rrname string      `json:"rrname"`
	Rdata  interface{} `json:"rdata"`
}

// Stats tallies per-file and aggregate outcomes. Per-record problems are
// counted, never fatal.
type Stats struct {
	Files            int
	Lines            int
	Written          int
	SkippedNoFQDN    int
	SkippedBadDomain int
	SkippedNoIPs     int
	Errors           int
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Lines += o.Lines
	s.Written += o.Written
	s.SkippedNoFQDN += o.SkippedNoFQDN
	s.SkippedBadDomain += o.SkippedBadDomain
	s.SkippedNoIPs += o.SkippedNoIPs
	s.Errors += o.Errors
}

var hostnameLabelRe = regexp.MustCompile(`^[A-Za-z0-9-]{1,63}$`)

// validHostname checks all labels of hostname against DNS label rules.
func validHostname(hostname string) bool {
	hostname = strings.TrimSuffix(strings.TrimSpace(hostname), ".")
	if hostname == "" || strings.Contains(hostname, "..") {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if !hostnameLabelRe.MatchString(label) {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}

// registrableDomain returns the eTLD+1 for an FQDN, or "" when none can be
// derived.
func registrableDomain(fqdn string) string {
	fqdn = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(fqdn), "."))
	if fqdn == "" {
		return ""
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		return ""
	}
	return domain
}

// rdataIPs extracts the IPv4 addresses from a DNSDB rdata field.
func rdataIPs(rdata interface{}) []string {
	var cand []string
	switch v := rdata.(type) {
	case []interface{}:
		for _, x := range v {
			if s, ok := x.(string); ok {
				cand = append(cand, s)
			}
		}
	case string:
		cand = []string{v}
	}
	var out []string
	for _, s := range cand {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil || !addr.Is4() {
			continue
		}
		out = append(out, addr.String())
	}
	return out
}

// Run extracts every file matching glob into outDir, processing up to
// `processes` files in parallel. Output files are named 2lds_<base> and stay
// gzipped. Per-file failures are logged and tallied; Run fails only when the
// output directory cannot be created.
func Run(glob, outDir string, processes int) (Stats, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("extract: mkdir %s: %w", outDir, err)
	}
	files, err := expandGlob(glob)
	if err != nil {
		return Stats{}, fmt.Errorf("extract: glob %s: %w", glob, err)
	}
	if len(files) == 0 {
		log.Printf("step1: no input files matched %s", glob)
		return Stats{}, nil
	}
	if processes <= 0 {
		processes = 1
	}
	log.Printf("step1: extracting from %d files using %d worker(s)", len(files), processes)

	var mu sync.Mutex
	var total Stats
	var g errgroup.Group
	g.SetLimit(processes)
	for _, path := range files {
		path := path
		g.Go(func() error {
			st := processFile(path, outDir)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("step1: done, wrote %s pairs from %s lines (errors=%d)",
		humanize.Comma(int64(total.Written)), humanize.Comma(int64(total.Lines)), total.Errors)
	return total, nil
}

// processFile extracts one gz JSONL file to outDir/2lds_<base>.
func processFile(inPath, outDir string) Stats {
	st := Stats{Files: 1}
	base := filepath.Base(inPath)
	outPath := filepath.Join(outDir, "2lds_"+base)
	if !strings.HasSuffix(outPath, ".gz") {
		outPath += ".gz"
	}

	in, err := os.Open(inPath)
	if err != nil {
		log.Printf("step1: [%s] open: %v", base, err)
		st.Errors++
		return st
	}
	defer in.Close()
	gzr, err := gzip.NewReader(in)
	if err != nil {
		log.Printf("step1: [%s] gzip: %v", base, err)
		st.Errors++
		return st
	}
	defer gzr.Close()

	out, err := os.Create(outPath)
	if err != nil {
		log.Printf("step1: [%s] create output: %v", base, err)
		st.Errors++
		return st
	}
	gzw := gzip.NewWriter(out)
	w := bufio.NewWriter(gzw)

	scanner := bufio.NewScanner(gzr)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		st.Lines++
		var rec dnsdbRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			st.Errors++
			continue
		}
		fqdn := strings.TrimSuffix(strings.TrimSpace(rec.Rrname), ".")
		if fqdn == "" || strings.Contains(fqdn, "|") {
			st.SkippedNoFQDN++
			continue
		}
		domain := registrableDomain(fqdn)
		if domain == "" || !validHostname(domain) {
			st.SkippedBadDomain++
			continue
		}
		ips := rdataIPs(rec.Rdata)
		if len(ips) == 0 {
			st.SkippedNoIPs++
			continue
		}
		for _, ip := range ips {
			fmt.Fprintf(w, "%s|%s\n", domain, ip)
			st.Written++
		}
	}
	if err := scanner.Err(); err != nil {
		log.Printf("step1: [%s] read: %v", base, err)
		st.Errors++
	}

	if err := w.Flush(); err == nil {
		err = gzw.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			log.Printf("step1: [%s] finalize output: %v", base, err)
			st.Errors++
		}
	} else {
		log.Printf("step1: [%s] write: %v", base, err)
		st.Errors++
		_ = gzw.Close()
		_ = out.Close()
	}

	log.Printf("step1: [%s] lines=%d written=%d no_fqdn=%d bad_domain=%d no_ips=%d errors=%d",
		base, st.Lines, st.Written, st.SkippedNoFQDN, st.SkippedBadDomain, st.SkippedNoIPs, st.Errors)
	return st
}

// expandGlob resolves a glob pattern to a sorted list of regular files.
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
