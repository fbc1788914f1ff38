package snapshot

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperdesk/engine/pkg/types"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeRedis struct {
	mu    sync.Mutex
	store map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{store: make(map[string]string)}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.store[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(val, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case string:
		f.store[key] = v
	case []byte:
		f.store[key] = string(v)
	default:
		data, _ := json.Marshal(v)
		f.store[key] = string(data)
	}
	return redis.NewStatusResult("OK", nil)
}

type fakeUpstream struct {
	calls   atomic.Int64
	records map[types.InstrumentKey]types.QuoteRecord
	delay   time.Duration
}

func (f *fakeUpstream) FetchQuotes(ctx context.Context, keys []types.InstrumentKey) ([]types.QuoteRecord, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	out := make([]types.QuoteRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, f.records[k])
	}
	return out, nil
}

func TestSnapshotCacheMissThenHit(t *testing.T) {
	rdb := newFakeRedis()
	up := &fakeUpstream{records: map[types.InstrumentKey]types.QuoteRecord{
		"NSE_EQ|A": {InstrumentKey: "NSE_EQ|A", Price: 100, PrevClose: 90},
	}}
	cache := New(DefaultConfig(), testLogger(), rdb, up)

	quotes, err := cache.GetSnapshot(context.Background(), []types.InstrumentKey{"NSE_EQ|A"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 100.0, quotes[0].Price)
	assert.EqualValues(t, 1, up.calls.Load())

	// writeBack runs in a goroutine; wait for the cache entry to appear.
	require.Eventually(t, func() bool {
		_, ok := rdb.store[ltpKey("NSE_EQ|A")]
		return ok
	}, time.Second, 10*time.Millisecond)

	quotes2, err := cache.GetSnapshot(context.Background(), []types.InstrumentKey{"NSE_EQ|A"})
	require.NoError(t, err)
	require.Len(t, quotes2, 1)
	assert.Equal(t, 100.0, quotes2[0].Price)
	assert.EqualValues(t, 1, up.calls.Load(), "second read should be served from cache, not upstream")

	stats := cache.Stats()
	assert.Equal(t, uint64(1), stats.CacheHits)
	assert.Equal(t, uint64(1), stats.CacheMisses)
}

func TestSnapshotCacheSingleflightCoalescesConcurrentMisses(t *testing.T) {
	rdb := newFakeRedis()
	up := &fakeUpstream{
		delay: 50 * time.Millisecond,
		records: map[types.InstrumentKey]types.QuoteRecord{
			"NSE_EQ|A": {InstrumentKey: "NSE_EQ|A", Price: 200},
		},
	}
	cache := New(DefaultConfig(), testLogger(), rdb, up)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetSnapshot(context.Background(), []types.InstrumentKey{"NSE_EQ|A"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, up.calls.Load(), "ten concurrent misses for the same key set must share one upstream fetch")
	stats := cache.Stats()
	assert.Greater(t, stats.SingleflightHits, uint64(0))
}

func TestSnapshotCacheCorruptEntryTreatedAsMiss(t *testing.T) {
	rdb := newFakeRedis()
	rdb.store[ltpKey("NSE_EQ|A")] = "not json"

	up := &fakeUpstream{records: map[types.InstrumentKey]types.QuoteRecord{
		"NSE_EQ|A": {InstrumentKey: "NSE_EQ|A", Price: 50},
	}}
	cache := New(DefaultConfig(), testLogger(), rdb, up)

	quotes, err := cache.GetSnapshot(context.Background(), []types.InstrumentKey{"NSE_EQ|A"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)
	assert.Equal(t, 50.0, quotes[0].Price)
}
