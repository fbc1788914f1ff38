// Package snapshot implements the Redis-backed snapshot cache (C8):
// per-symbol last-traded-price and previous-close, fetched upstream on
// miss with single-flight coalescing so concurrent requests for the
// same symbol set share one upstream round trip. Grounded on the
// teacher's go-redis usage in test/redis_connection.go (SET with TTL,
// GET) and the NormalizedTick/QuoteRecord shapes already defined in
// pkg/types.
package snapshot

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/paperdesk/engine/pkg/types"
)

// UpstreamFetcher resolves quotes for keys not found in cache.
// cmd/server passes the tick bus (marketdata.TickBus.FetchQuotes);
// tests use a fake.
type UpstreamFetcher interface {
	FetchQuotes(ctx context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error)
}

// Config holds the tunables spec.md §6 names for the snapshot cache.
type Config struct {
	TTLBase   time.Duration
	TTLJitter time.Duration
}

func DefaultConfig() Config {
	return Config{TTLBase: 5 * time.Second, TTLJitter: 2 * time.Second}
}

// Stats are the per-minute counters spec.md §4.8 requires.
type Stats struct {
	SingleflightHits uint64
	CacheHits        uint64
	CacheMisses      uint64
	Inflight         int64
}

// redisClient is the subset of *redis.Client the snapshot cache needs,
// narrowed so tests can substitute a fake without a live Redis server.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Cache is the snapshot cache.
type Cache struct {
	cfg      Config
	log      *logrus.Entry
	redis    redisClient
	upstream UpstreamFetcher
	group    singleflight.Group

	singleflightHits atomic.Uint64
	cacheHits        atomic.Uint64
	cacheMisses      atomic.Uint64
	inflight         atomic.Int64
}

func New(cfg Config, log *logrus.Entry, rdb redisClient, upstream UpstreamFetcher) *Cache {
	return &Cache{
		cfg:      cfg,
		log:      log.WithField("component", "snapshot_cache"),
		redis:    rdb,
		upstream: upstream,
	}
}

func ltpKey(key types.InstrumentKey) string       { return "ltp:" + string(key) }
func prevCloseKey(key types.InstrumentKey) string { return "prevclose:" + string(key) }

// GetSnapshot returns one QuoteRecord per requested key, reading
// through Redis and coalescing upstream fetches for any cache misses.
func (c *Cache) GetSnapshot(ctx context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error) {
	quotes := make(map[types.InstrumentKey]types.QuoteRecord, len(keys))
	var missing []types.InstrumentKey

	for _, key := range keys {
		record, ok := c.readCached(ctx, key)
		if ok {
			c.cacheHits.Add(1)
			quotes[key] = record
			continue
		}
		c.cacheMisses.Add(1)
		missing = append(missing, key)
	}

	if len(missing) > 0 {
		fetched, err := c.coalescedFetch(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, record := range fetched {
			quotes[record.InstrumentKey] = record
		}
	}

	out := make([]types.QuoteRecord, 0, len(keys))
	for _, key := range keys {
		if record, ok := quotes[key]; ok {
			out = append(out, record)
		}
	}
	return out, nil
}

func (c *Cache) readCached(ctx context.Context, key types.InstrumentKey) (types.QuoteRecord, bool) {
	raw, err := c.redis.Get(ctx, ltpKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).Warn("redis read failed, falling through to upstream")
		}
		return types.QuoteRecord{}, false
	}

	var record types.QuoteRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		c.log.WithError(err).Warn("corrupt cached snapshot, treating as miss")
		return types.QuoteRecord{}, false
	}
	return record, true
}

// coalescedFetch ensures only one upstream round trip is in flight per
// distinct sorted key set at a time; concurrent callers for the same
// set await and share the result.
func (c *Cache) coalescedFetch(ctx context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error) {
	sfKey := singleflightKey(keys)

	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	result, err, shared := c.group.Do(sfKey, func() (interface{}, error) {
		return c.fetchAndCache(ctx, keys)
	})
	if shared {
		c.singleflightHits.Add(1)
	}
	if err != nil {
		return nil, err
	}
	return result.([]types.QuoteRecord), nil
}

func singleflightKey(keys []types.InstrumentKey) string {
	sorted := make([]string, len(keys))
	for i, k := range keys {
		sorted[i] = string(k)
	}
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	return "snapshot:" + hex.EncodeToString(sum[:])
}

func (c *Cache) fetchAndCache(ctx context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error) {
	records, err := c.upstream.FetchQuotes(ctx, keys)
	if err != nil {
		return nil, err
	}

	go c.writeBack(records)

	return records, nil
}

// writeBack persists fetched quotes with a jittered TTL. Runs
// detached from the caller's context so a slow/cancelled request never
// blocks the response.
func (c *Cache) writeBack(records []types.QuoteRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ttl := c.cfg.TTLBase
	if c.cfg.TTLJitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.cfg.TTLJitter)))
	}

	for _, record := range records {
		data, err := json.Marshal(record)
		if err != nil {
			continue
		}
		if err := c.redis.Set(ctx, ltpKey(record.InstrumentKey), data, ttl).Err(); err != nil {
			c.log.WithError(err).Warn("snapshot cache write-back failed")
			continue
		}
		if record.PrevClose > 0 {
			c.redis.Set(ctx, prevCloseKey(record.InstrumentKey), record.PrevClose, ttl)
		}
	}
}

// Stats returns a snapshot of the per-minute counters and resets them.
func (c *Cache) Stats() Stats {
	return Stats{
		SingleflightHits: c.singleflightHits.Swap(0),
		CacheHits:        c.cacheHits.Swap(0),
		CacheMisses:      c.cacheMisses.Swap(0),
		Inflight:         c.inflight.Load(),
	}
}
