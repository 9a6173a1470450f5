/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of tsein.
 *
 * tsein is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tsein is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/concurrent_lru"
	"github.com/pmkol/tsein/pkg/dnsutils"
	"github.com/pmkol/tsein/pkg/utils"
)

const (
	defaultCapacity        = 4096
	defaultMaxTTL          = 600
	defaultCleanerInterval = time.Minute
	l2Timeout              = 200 * time.Millisecond
)

// ErrCorruptedEntry is reported for entries that break an internal
// invariant. Such entries are dropped and treated as misses.
var ErrCorruptedEntry = errors.New("corrupted cache entry")

var nopLogger = zap.NewNop()

// Backend is an optional second level store, usually shared by several
// resolver instances.
type Backend interface {
	// Get returns the value of key. ok is false on a miss or any error.
	Get(ctx context.Context, key string) (v []byte, storedTime, expireTime time.Time, ok bool)

	// Store stores v until expireTime.
	Store(ctx context.Context, key string, v []byte, storedTime, expireTime time.Time)

	io.Closer
}

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Capacity is the max number of entries. Default is 4096.
	Capacity int

	// Shards is the number of independently locked LRUs, a power of 2.
	// Default is 1, an exact LRU over Capacity entries. With more shards
	// recency and capacity are per shard, so eviction is approximate and
	// may drop a recent entry before the cache is full.
	Shards int

	// MinTTL and MaxTTL clamp the TTL of positive answers, in seconds.
	// MaxTTL defaults to 600.
	MinTTL uint32
	MaxTTL uint32

	// DisableNegativeCaching stops NXDOMAIN and NODATA answers from being
	// cached.
	DisableNegativeCaching bool

	// CleanerInterval is the interval of the expired entry cleaner.
	// Default is 1 minute. Negative disables the cleaner.
	CleanerInterval time.Duration

	// L2 is an optional second level cache.
	L2 Backend
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNum(&opts.Capacity, defaultCapacity)
	utils.SetDefaultNum(&opts.Shards, 1)
	utils.SetDefaultNum(&opts.MaxTTL, defaultMaxTTL)
	if opts.MinTTL > opts.MaxTTL {
		opts.MinTTL = opts.MaxTTL
	}
	if opts.CleanerInterval == 0 {
		opts.CleanerInterval = defaultCleanerInterval
	}
}

// entry is immutable once stored.
type entry struct {
	msg      *dns.Msg
	storedAt time.Time
	expireAt time.Time
	negative bool
}

func (e *entry) check() error {
	switch {
	case e.msg == nil:
		return fmt.Errorf("%w: nil msg", ErrCorruptedEntry)
	case !e.expireAt.After(e.storedAt):
		return fmt.Errorf("%w: non-positive ttl", ErrCorruptedEntry)
	}
	return nil
}

// Cache is an in-memory dns answer cache keyed by question.
// Hits are returned as copies with their TTLs reduced by the time spent
// in the cache.
type Cache struct {
	opts    Opts
	lru     *concurrent_lru.ShardedLRU[*entry]
	metrics *metrics

	closeOnce   sync.Once
	closeNotify chan struct{}
}

func New(opts Opts) *Cache {
	opts.init()
	perShard := (opts.Capacity + opts.Shards - 1) / opts.Shards
	c := &Cache{
		opts:        opts,
		closeNotify: make(chan struct{}),
	}
	c.metrics = newMetrics(c)
	c.lru = concurrent_lru.NewShardedLRU[*entry](opts.Shards, perShard, func(string, *entry) {
		c.metrics.evicted.Inc()
	})
	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c
}

// Lookup returns a copy of the cached answer to q if it has not expired
// at now. A hit marks the entry as recently used.
func (c *Cache) Lookup(q dns.Question, now time.Time) (*dns.Msg, bool) {
	key := dnsutils.QuestionKey(q)
	e, ok := c.lru.Get(key)
	if !ok {
		c.metrics.miss.Inc()
		return nil, false
	}
	if err := e.check(); err != nil {
		c.opts.Logger.Warn("dropping cache entry", zap.String("question", dnsutils.QuestionString(q)), zap.Error(err))
		c.drop(key, e)
		c.metrics.miss.Inc()
		return nil, false
	}
	if !now.Before(e.expireAt) {
		c.drop(key, e)
		c.metrics.miss.Inc()
		return nil, false
	}

	c.metrics.hit.Inc()
	if e.negative {
		c.metrics.negativeHit.Inc()
	}
	return e.reply(now), true
}

func (e *entry) reply(now time.Time) *dns.Msg {
	m := e.msg.Copy()
	if elapsed := now.Sub(e.storedAt); elapsed >= time.Second {
		dnsutils.SubtractTTL(m, uint32(elapsed/time.Second))
	}
	return m
}

// Peek is like Lookup but neither updates recency nor counts as a lookup.
func (c *Cache) Peek(q dns.Question, now time.Time) (*dns.Msg, bool) {
	e, ok := c.lru.Peek(dnsutils.QuestionKey(q))
	if !ok || e.check() != nil || !now.Before(e.expireAt) {
		return nil, false
	}
	return e.reply(now), true
}

// drop removes e only if it is still the entry stored under key.
func (c *Cache) drop(key string, e *entry) {
	c.lru.DelIf(key, func(v *entry) bool { return v == e })
}

// Insert caches m as the answer to q, replacing any previous entry.
// Positive answers live for their smallest TTL clamped to
// [MinTTL, MaxTTL]. NXDOMAIN and NODATA answers carrying a SOA live for
// the negative TTL of that SOA. Anything else is not cached.
// It returns the TTL the entry was stored with.
func (c *Cache) Insert(q dns.Question, m *dns.Msg, now time.Time) (ttl uint32, ok bool) {
	m, ttl, negative, ok := c.prepare(m)
	if !ok {
		return 0, false
	}
	e := &entry{
		msg:      m,
		storedAt: now,
		expireAt: now.Add(time.Duration(ttl) * time.Second),
		negative: negative,
	}
	key := dnsutils.QuestionKey(q)
	c.lru.Add(key, e)
	c.storeL2(key, e)
	return ttl, true
}

// prepare returns a private copy of m with clamped TTLs.
func (c *Cache) prepare(m *dns.Msg) (_ *dns.Msg, ttl uint32, negative bool, ok bool) {
	switch {
	case m.Rcode == dns.RcodeSuccess && len(m.Answer) > 0:
		m = m.Copy()
		dnsutils.ApplyMaximumTTL(m, c.opts.MaxTTL)
		if c.opts.MinTTL > 0 {
			dnsutils.ApplyMinimalTTL(m, c.opts.MinTTL)
		}
		ttl = dnsutils.GetMinimalTTL(m)
	case dnsutils.IsNXDomain(m) || dnsutils.IsNoData(m):
		if c.opts.DisableNegativeCaching {
			return nil, 0, false, false
		}
		negTTL, hasSOA := dnsutils.NegativeTTL(m)
		if !hasSOA {
			return nil, 0, false, false
		}
		if negTTL > c.opts.MaxTTL {
			negTTL = c.opts.MaxTTL
		}
		m = m.Copy()
		dnsutils.ApplyMaximumTTL(m, negTTL)
		ttl, negative = negTTL, true
	default:
		return nil, 0, false, false
	}
	if ttl == 0 {
		return nil, 0, false, false
	}
	return m, ttl, negative, true
}

// Evict removes the entry of q. It reports whether there was one.
func (c *Cache) Evict(q dns.Question) bool {
	return c.lru.Del(dnsutils.QuestionKey(q))
}

func (c *Cache) Len() int {
	return c.lru.Len()
}

// LookupL2 looks q up in the second level cache. A hit is also stored
// in memory, keeping its original store and expiry times.
func (c *Cache) LookupL2(ctx context.Context, q dns.Question, now time.Time) (*dns.Msg, bool) {
	if c.opts.L2 == nil {
		return nil, false
	}
	key := dnsutils.QuestionKey(q)
	ctx, cancel := context.WithTimeout(ctx, l2Timeout)
	defer cancel()
	v, storedAt, expireAt, ok := c.opts.L2.Get(ctx, key)
	if !ok || !now.Before(expireAt) {
		return nil, false
	}
	m := new(dns.Msg)
	if err := m.Unpack(v); err != nil {
		c.opts.Logger.Warn("invalid l2 cache value", zap.String("question", dnsutils.QuestionString(q)), zap.Error(err))
		return nil, false
	}
	e := &entry{
		msg:      m,
		storedAt: storedAt,
		expireAt: expireAt,
		negative: m.Rcode != dns.RcodeSuccess || len(m.Answer) == 0,
	}
	if err := e.check(); err != nil {
		return nil, false
	}
	c.lru.Add(key, e)
	c.metrics.l2Hit.Inc()
	return e.reply(now), true
}

func (c *Cache) storeL2(key string, e *entry) {
	if c.opts.L2 == nil {
		return
	}
	v, err := e.msg.Pack()
	if err != nil {
		c.opts.Logger.Warn("failed to pack l2 cache value", zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l2Timeout)
		defer cancel()
		c.opts.L2.Store(ctx, key, v, e.storedAt, e.expireAt)
	}()
}

func (c *Cache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closeNotify:
			return
		case now := <-ticker.C:
			if n := c.clean(now); n > 0 {
				c.opts.Logger.Debug("expired cache entries removed", zap.Int("n", n))
			}
		}
	}
}

func (c *Cache) clean(now time.Time) int {
	return c.lru.Clean(func(_ string, e *entry) bool {
		return e.check() != nil || !now.Before(e.expireAt)
	})
}

// Close stops the cleaner and closes the second level cache.
func (c *Cache) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeNotify)
		if c.opts.L2 != nil {
			err = c.opts.L2.Close()
		}
	})
	return err
}
