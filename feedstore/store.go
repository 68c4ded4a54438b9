// Package feedstore persists (organization, category, key) observations in a
// Pebble key/value store and answers distinct-key counts per organization
// without ever holding the full key set in process memory. Recording a triple
// is an idempotent set-insert: submitting the same triple any number of times
// contributes exactly 1 to the corresponding count.
//
// Writes are staged into a batch and committed atomically every CommitEvery
// records. A crash loses at most the staged tail since the last commit and
// never a partially applied batch, so callers get at-most-once semantics
// across failures in exchange for commit throughput.
package feedstore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const seenPrefix = "s|"

var errStoreClosed = errors.New("feedstore: store is closed")

const (
	defaultCommitEvery       = 10000
	defaultCacheSizeBytes    = int64(32 << 20)
	defaultMemTableSizeBytes = uint64(32 << 20)
	defaultBloomFilterBits   = 10
)

// Options controls commit cadence and Pebble tuning. Zero or negative fields
// are replaced with safe defaults.
type Options struct {
	CommitEvery           int
	CacheSizeBytes        int64
	MemTableSizeBytes     uint64
	BloomFilterBitsPerKey int
}

func sanitizeOptions(opts Options) Options {
	if opts.CommitEvery <= 0 {
		opts.CommitEvery = defaultCommitEvery
	}
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	return opts
}

// Store is the persistent dedup store. One goroutine owns all Record/Flush
// calls; GroupedCount may run concurrently from other goroutines and reads
// the committed state.
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
	opts  Options

	mu       sync.Mutex
	batch    *pebble.Batch
	staged   int
	recorded uint64
	closed   bool
}

// Open opens (or creates) the store in dir.
func Open(dir string, opts Options) (*Store, error) {
	opts = sanitizeOptions(opts)

	cache := pebble.NewCache(opts.CacheSizeBytes)
	pebbleOpts := &pebble.Options{
		Cache:                 cache,
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: 4,
		L0StopWritesThreshold: 16,
	}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts.Levels = make([]pebble.LevelOptions, 7)
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}

	db, err := pebble.Open(dir, pebbleOpts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("feedstore: open %s: %w", dir, err)
	}
	return &Store{
		db:    db,
		cache: cache,
		opts:  opts,
		batch: db.NewBatch(),
	}, nil
}

// Record stages the triple for commit. After this call returns nil the key
// is guaranteed counted at most once for (org, category) regardless of how
// many times the same triple is submitted. Every CommitEvery staged records
// the batch is committed durably.
func (s *Store) Record(org, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.batch.Set(seenKey(category, org, key), nil, nil); err != nil {
		return fmt.Errorf("feedstore: stage record: %w", err)
	}
	s.staged++
	s.recorded++
	if s.staged >= s.opts.CommitEvery {
		return s.commitLocked()
	}
	return nil
}

// Flush commits any staged records immediately.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	return s.commitLocked()
}

// commitLocked atomically applies the staged batch. Caller holds s.mu.
func (s *Store) commitLocked() error {
	if s.staged == 0 {
		return nil
	}
	if err := s.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("feedstore: commit: %w", err)
	}
	_ = s.batch.Close()
	s.batch = s.db.NewBatch()
	s.staged = 0
	return nil
}

// GroupedCount returns the distinct-key count per organization for category,
// computed by scanning the category's key range. Only committed records are
// visible; call Flush first when counting at the end of an ingestion run.
func (s *Store) GroupedCount(category string) (map[string]int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errStoreClosed
	}
	db := s.db
	s.mu.Unlock()

	lower := []byte(seenPrefix + escapeField(category) + "|")
	iter, err := db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return nil, fmt.Errorf("feedstore: iterator: %w", err)
	}
	defer iter.Close()

	counts := make(map[string]int)
	for iter.First(); iter.Valid(); iter.Next() {
		rest := string(iter.Key()[len(lower):])
		org, _, ok := splitEscaped(rest)
		if !ok {
			continue
		}
		counts[org]++
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("feedstore: scan %s: %w", category, err)
	}
	return counts, nil
}

// Recorded returns the number of Record calls accepted since Open, staged or
// committed. Exposed for progress logging.
func (s *Store) Recorded() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recorded
}

// Close flushes pending writes and releases all resources. Any later call
// fails with errStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var firstErr error
	if s.staged > 0 {
		if err := s.batch.Commit(pebble.Sync); err != nil {
			firstErr = fmt.Errorf("feedstore: final commit: %w", err)
		}
	}
	_ = s.batch.Close()
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("feedstore: close db: %w", err)
	}
	s.cache.Unref()
	s.closed = true
	return firstErr
}

// seenKey builds "s|<category>|<org>|<key>" with each field escaped so that
// separators inside values cannot collide with the layout. Category leads so
// GroupedCount can bound its scan to one category.
func seenKey(category, org, key string) []byte {
	var b strings.Builder
	b.Grow(len(seenPrefix) + len(category) + len(org) + len(key) + 6)
	b.WriteString(seenPrefix)
	b.WriteString(escapeField(category))
	b.WriteByte('|')
	b.WriteString(escapeField(org))
	b.WriteByte('|')
	b.WriteString(escapeField(key))
	return []byte(b.String())
}

// escapeField makes a field safe to embed between '|' separators.
func escapeField(s string) string {
	if !strings.ContainsAny(s, `|\`) {
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
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitEscaped splits "esc(org)|esc(key)" at the first unescaped separator.
func splitEscaped(s string) (org, key string, ok bool) {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '|':
			return unescapeField(s[:i]), unescapeField(s[i+1:]), true
		}
	}
	return "", "", false
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	out := append([]byte(nil), prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xFF, no upper bound
}
