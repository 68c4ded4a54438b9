// Package enrich implements the second pipeline step: attributing the
// "domain|ip" pairs from step 1 to their owning organization through a
// shared, immutable attribution index. Workers run in parallel per file and
// share the index without locking; it is never mutated after build.
package enrich

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"hosterbench/attrib"
)

// Stats tallies enrichment outcomes per file and in aggregate.
type Stats struct {
	Files      int
	Lines      int
	Written    int
	Malformed  int // lines without a parsable "domain|ip" shape
	Unknown    int // pairs attributed to the UNKNOWN bucket
	Duplicates int // pairs suppressed by the seen-pair cache
	Errors     int
}

func (s *Stats) add(o Stats) {
	s.Files += o.Files
	s.Lines += o.Lines
	s.Written += o.Written
	s.Malformed += o.Malformed
	s.Unknown += o.Unknown
	s.Duplicates += o.Duplicates
	s.Errors += o.Errors
}

// Run enriches every file matching glob into outDir as
// step3_enriched_<base>.txt, resolving each IP through idx. Unattributed
// pairs are written with the UNKNOWN organization rather than dropped, so
// downstream steps can observe the unresolved share.
func Run(glob, outDir string, idx *attrib.Index, processes int) (Stats, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Stats{}, fmt.Errorf("enrich: mkdir %s: %w", outDir, err)
	}
	files, err := expandGlob(glob)
	if err != nil {
		return Stats{}, fmt.Errorf("enrich: glob %s: %w", glob, err)
	}
	if len(files) == 0 {
		log.Printf("step2: no input files matched %s", glob)
		return Stats{}, nil
	}
	if processes <= 0 {
		processes = 1
	}
	log.Printf("step2: enriching %d files with %d worker(s), %d prefixes registered",
		len(files), processes, idx.Size())

	var mu sync.Mutex
	var total Stats
	var g errgroup.Group
	g.SetLimit(processes)
	for _, path := range files {
		path := path
		g.Go(func() error {
			st := processFile(path, outDir, idx)
			mu.Lock()
			total.add(st)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("step2: done, wrote %s lines (unknown=%s duplicates=%s errors=%d)",
		humanize.Comma(int64(total.Written)), humanize.Comma(int64(total.Unknown)),
		humanize.Comma(int64(total.Duplicates)), total.Errors)
	return total, nil
}

// processFile enriches one input file. The seen-pair cache is scoped to
// the file: identical pairs are suppressed within a file only, so output
// per file does not depend on worker scheduling.
func processFile(inPath, outDir string, idx *attrib.Index) Stats {
	st := Stats{Files: 1}
	cache := newPairCache(0)
	base := filepath.Base(inPath)

	outBase := strings.TrimSuffix(base, ".gz")
	if !strings.HasSuffix(outBase, ".txt") {
		outBase += ".txt"
	}
	outPath := filepath.Join(outDir, "step3_enriched_"+outBase)

	in, err := os.Open(inPath)
	if err != nil {
		log.Printf("step2: [%s] open: %v", base, err)
		st.Errors++
		return st
	}
	defer in.Close()

	var reader io.Reader = in
	if strings.HasSuffix(inPath, ".gz") {
		gzr, err := gzip.NewReader(in)
		if err != nil {
			log.Printf("step2: [%s] gzip: %v", base, err)
			st.Errors++
			return st
		}
		defer gzr.Close()
		reader = gzr
	}

	out, err := os.Create(outPath)
	if err != nil {
		log.Printf("step2: [%s] create output: %v", base, err)
		st.Errors++
		return st
	}
	w := bufio.NewWriter(out)

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		st.Lines++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		domain, ip, ok := strings.Cut(line, "|")
		if !ok {
			st.Malformed++
			continue
		}
		domain = strings.TrimSpace(domain)
		ip = strings.TrimSpace(ip)
		if domain == "" || ip == "" {
			st.Malformed++
			continue
		}
		if cache.Seen(domain + "|" + ip) {
			st.Duplicates++
			continue
		}
		org := idx.ResolveString(ip)
		if org == attrib.Unknown {
			st.Unknown++
		}
		fmt.Fprintf(w, "%s | %s | %s\n", domain, ip, org)
		st.Written++
	}
	if err := scanner.Err(); err != nil {
		log.Printf("step2: [%s] read: %v", base, err)
		st.Errors++
	}

	if err := w.Flush(); err != nil {
		log.Printf("step2: [%s] write: %v", base, err)
		st.Errors++
	}
	if err := out.Close(); err != nil {
		log.Printf("step2: [%s] close output: %v", base, err)
		st.Errors++
	}

	log.Printf("step2: [%s] lines=%d written=%d unknown=%d duplicates=%d errors=%d",
		base, st.Lines, st.Written, st.Unknown, st.Duplicates, st.Errors)
	return st
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
