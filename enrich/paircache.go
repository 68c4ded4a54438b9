package enrich

import (
	"sync"

	"github.com/zeebo/xxh3"
)

// shardCount must remain a power of two so shard selection can bit-mask the
// hash.
const shardCount = 64

// defaultShardCap bounds each shard; a full shard is reset wholesale, so
// suppression is best-effort while memory stays bounded. Exactness is not
// affected: the distinct-counting step downstream deduplicates again.
const defaultShardCap = 1 << 16

// pairCache suppresses repeated "domain|ip" pairs across the enrichment
// run. Shard-locked so parallel file workers can share one instance.
// Membership is exact string comparison; the hash only selects the shard, so
// a collision can never drop a distinct pair.
type pairCache struct {
	shardCap int
	shards   [shardCount]pairShard
}

type pairShard struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	reset uint64
}

func newPairCache(shardCap int) *pairCache {
	if shardCap <= 0 {
		shardCap = defaultShardCap
	}
	c := &pairCache{shardCap: shardCap}
	for i := range c.shards {
		c.shards[i].seen = make(map[string]struct{})
	}
	return c
}

// Seen records the pair and reports whether it was already present. When a
// shard hits its cap it is cleared before the insert.
func (c *pairCache) Seen(pair string) bool {
	shard := &c.shards[xxh3.HashString(pair)&(shardCount-1)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if _, ok := shard.seen[pair]; ok {
		return true
	}
	if len(shard.seen) >= c.shardCap {
		shard.seen = make(map[string]struct{})
		shard.reset++
	}
	shard.seen[pair] = struct{}{}
	return false
}

// Resets returns how many shard evictions occurred, for observability.
func (c *pairCache) Resets() uint64 {
	var n uint64
	for i := range c.shards {
		c.shards[i].mu.Lock()
		n += c.shards[i].reset
		c.shards[i].mu.Unlock()
	}
	return n
}
