// Package extsort computes exact distinct counts of (organization, key)
// pairs over inputs far larger than memory. Pairs accumulate in a bounded
// buffer; full buffers are sorted and spilled to temporary files; a final
// k-way merge collapses duplicates and reduces to per-organization counts.
// The result is independent of the flush threshold and of how the input was
// partitioned across spills. Peak memory is O(threshold) regardless of input
// volume.
package extsort

import (
	"bufio"
	"container/heap"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const defaultFlushThreshold = 1 << 20

const maxLineBytes = 1 << 20

var errCounterFinished = errors.New("extsort: counter already finished")

type pair struct {
	org string
	key string
}

// Counter is a single-use, bounded-memory distinct counter. It is not safe
// for concurrent use; the buffer-then-spill mechanism is the backpressure
// device, so Add blocks the caller for the duration of a spill.
type Counter struct {
	dir       string
	threshold int
	buf       []pair
	spills    []string
	finished  bool
}

// NewCounter creates a counter spilling into a fresh subdirectory of
// scratchDir (the deployment-owned scratch area). A flushThreshold <= 0
// selects the default. The caller must Close the counter to guarantee the
// scratch space is released on all paths.
func NewCounter(scratchDir string, flushThreshold int) (*Counter, error) {
	if flushThreshold <= 0 {
		flushThreshold = defaultFlushThreshold
	}
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("extsort: scratch dir: %w", err)
	}
	dir, err := os.MkdirTemp(scratchDir, "extsort-*")
	if err != nil {
		return nil, fmt.Errorf("extsort: scratch dir: %w", err)
	}
	return &Counter{
		dir:       dir,
		threshold: flushThreshold,
		buf:       make([]pair, 0, min(flushThreshold, 1<<16)),
	}, nil
}

// Add buffers one pair. When the buffer reaches the flush threshold it is
// sorted and spilled before Add returns. A spill failure cleans up all
// temporary files and leaves the counter unusable.
func (c *Counter) Add(org, key string) error {
	if c.finished {
		return errCounterFinished
	}
	c.buf = append(c.buf, pair{org: org, key: key})
	if len(c.buf) >= c.threshold {
		return c.spill()
	}
	return nil
}

// spill writes the sorted buffer to a new temp file and clears it.
func (c *Counter) spill() error {
	if len(c.buf) == 0 {
		return nil
	}
	sort.Slice(c.buf, func(i, j int) bool {
		if c.buf[i].org != c.buf[j].org {
			return c.buf[i].org < c.buf[j].org
		}
		return c.buf[i].key < c.buf[j].key
	})

	path := filepath.Join(c.dir, fmt.Sprintf("spill-%06d.tmp", len(c.spills)))
	f, err := os.Create(path)
	if err != nil {
		c.abort()
		return fmt.Errorf("extsort: create spill: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, p := range c.buf {
		if _, err := w.WriteString(encodePair(p)); err != nil {
			f.Close()
			c.abort()
			return fmt.Errorf("extsort: write spill: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		c.abort()
		return fmt.Errorf("extsort: flush spill: %w", err)
	}
	if err := f.Close(); err != nil {
		c.abort()
		return fmt.Errorf("extsort: close spill: %w", err)
	}
	c.spills = append(c.spills, path)
	c.buf = c.buf[:0]
	return nil
}

// Counts spills the final buffer, merges all runs, collapses consecutive
// duplicate pairs, and returns distinct keys per organization. All temporary
// files are deleted before returning, on success and on failure alike; a
// merge error yields no partial result.
func (c *Counter) Counts() (map[string]int, error) {
	if c.finished {
		return nil, errCounterFinished
	}
	defer c.abort() // scratch space is gone on every exit path

	if err := c.spill(); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	if len(c.spills) == 0 {
		c.finished = true
		return counts, nil
	}

	runs := make([]*runReader, 0, len(c.spills))
	defer func() {
		for _, r := range runs {
			r.close()
		}
	}()
	h := &mergeHeap{}
	for i, path := range c.spills {
		r, err := openRun(path, i)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
		if r.valid {
			heap.Push(h, r)
		}
	}

	var last pair
	var have bool
	for h.Len() > 0 {
		r := (*h)[0]
		cur := r.current
		if err := r.advance(); err != nil {
			return nil, err
		}
		if r.valid {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}

		if have && cur == last {
			continue
		}
		counts[cur.org]++
		last = cur
		have = true
	}

	c.finished = true
	return counts, nil
}

// Close removes any remaining temporary state. Idempotent; safe after both
// successful and failed runs.
func (c *Counter) Close() {
	c.abort()
}

func (c *Counter) abort() {
	if c.dir != "" {
		_ = os.RemoveAll(c.dir)
	}
	c.spills = nil
	c.buf = nil
	c.finished = true
}

// encodePair frames a pair as one escaped line so arbitrary orgs and keys
// round-trip. Merge comparisons use the decoded fields, matching the order
// the buffer was sorted in before spilling.
func encodePair(p pair) string {
	return escapeField(p.org) + "|" + escapeField(p.key) + "\n"
}

func decodePair(line string) (pair, error) {
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '|':
			return pair{org: unescapeField(line[:i]), key: unescapeField(line[i+1:])}, nil
		}
	}
	return pair{}, fmt.Errorf("extsort: malformed spill line %q", line)
}

func escapeField(s string) string {
	if !strings.ContainsAny(s, "|\\\n") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			b.WriteString(`\\`)
		case '|':
			b.WriteString(`\p`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func unescapeField(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'p':
				b.WriteByte('|')
			case 'n':
				b.WriteByte('\n')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// runReader streams one sorted spill file during the merge.
type runReader struct {
	file    *os.File
	scan    *bufio.Scanner
	current pair
	valid   bool
	seq     int
}

func openRun(path string, seq int) (*runReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("extsort: open run: %w", err)
	}
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 64*1024), maxLineBytes)
	r := &runReader{file: f, scan: scan, seq: seq}
	if err := r.advance(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *runReader) advance() error {
	if !r.scan.Scan() {
		r.valid = false
		if err := r.scan.Err(); err != nil {
			return fmt.Errorf("extsort: read run: %w", err)
		}
		return nil
	}
	p, err := decodePair(r.scan.Text())
	if err != nil {
		return err
	}
	r.current = p
	r.valid = true
	return nil
}

func (r *runReader) close() {
	if r.file != nil {
		_ = r.file.Close()
	}
}

// mergeHeap orders runs by their current pair, run sequence as tiebreak for
// determinism.
type mergeHeap []*runReader

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	a, b := h[i].current, h[j].current
	if a.org != b.org {
		return a.org < b.org
	}
	if a.key != b.key {
		return a.key < b.key
	}
	return h[i].seq < h[j].seq
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(*runReader)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
