package redis_cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements the few redis commands RedisCache uses.
type fakeRedis struct {
	redis.Cmdable

	mu   sync.Mutex
	m    map[string][]byte
	ttls map[string]time.Duration
	fail bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{m: make(map[string][]byte), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return redis.NewStringResult("", errors.New("connection refused"))
	}
	v, ok := f.m[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := value.([]byte)
	f.m[key] = append([]byte(nil), b...)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("", errors.New("connection refused"))
}

func TestRedisCache_storeGet(t *testing.T) {
	fr := newFakeRedis()
	rc, err := NewRedisCache(RedisCacheOpts{Client: fr})
	require.NoError(t, err)

	stored := time.Now().Truncate(time.Second)
	expire := stored.Add(time.Minute)
	v := []byte("some dns wire bytes some dns wire bytes")

	rc.Store(context.Background(), "k\x00\x01", v, stored, expire)
	require.Len(t, fr.m, 1)
	for key, ttl := range fr.ttls {
		assert.Equal(t, "tsein:6b0001", key)
		assert.Greater(t, ttl, 50*time.Second)
	}

	got, st, et, ok := rc.Get(context.Background(), "k\x00\x01")
	require.True(t, ok)
	assert.Equal(t, v, got)
	assert.True(t, st.Equal(stored))
	assert.True(t, et.Equal(expire))

	_, _, _, ok = rc.Get(context.Background(), "other")
	assert.False(t, ok)
}

func TestRedisCache_skipsExpired(t *testing.T) {
	fr := newFakeRedis()
	rc, err := NewRedisCache(RedisCacheOpts{Client: fr})
	require.NoError(t, err)

	now := time.Now()
	rc.Store(context.Background(), "k", []byte{1}, now.Add(-time.Minute), now)
	assert.Empty(t, fr.m)
}

func TestRedisCache_disabledAfterError(t *testing.T) {
	fr := newFakeRedis()
	fr.fail = true
	rc, err := NewRedisCache(RedisCacheOpts{Client: fr})
	require.NoError(t, err)

	_, _, _, ok := rc.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.True(t, rc.disabled())

	// Writes are skipped while disabled.
	rc.Store(context.Background(), "k", []byte{1}, time.Now(), time.Now().Add(time.Minute))
	fr.mu.Lock()
	assert.Empty(t, fr.m)
	fr.mu.Unlock()
}

func TestUnpackRedisValue_invalid(t *testing.T) {
	_, _, _, err := unpackRedisValue([]byte{1, 2, 3})
	assert.Error(t, err)
	_, _, _, err = unpackRedisValue(make([]byte, 20))
	assert.Error(t, err)
}

func TestNewRedisCache_nilClient(t *testing.T) {
	_, err := NewRedisCache(RedisCacheOpts{})
	assert.Error(t, err)
}
