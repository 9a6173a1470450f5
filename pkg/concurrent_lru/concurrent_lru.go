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

package concurrent_lru

import (
	"fmt"
	"hash/maphash"
	"sync"

	"github.com/pmkol/tsein/pkg/lru"
)

// ShardedLRU spreads string keys over a power of two number of
// independently locked LRUs. With one shard it is an exact LRU.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64
}

func NewShardedLRU[V any](shardNum, maxSizePerShard int, onEvict func(key string, v V)) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic(fmt.Sprintf("concurrent_lru: shard num must be a power of 2, got %d", shardNum))
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[string, V](maxSizePerShard, onEvict)
	}
	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *ConcurrentLRU[string, V] {
	return c.l[maphash.String(c.seed, key)&c.mask]
}

func (c *ShardedLRU[V]) Add(key string, v V) {
	c.getShard(key).Add(key, v)
}

func (c *ShardedLRU[V]) Del(key string) bool {
	return c.getShard(key).Del(key)
}

// DelIf atomically removes key if f reports true for its value.
func (c *ShardedLRU[V]) DelIf(key string, f func(v V) bool) bool {
	return c.getShard(key).DelIf(key, f)
}

func (c *ShardedLRU[V]) Get(key string) (v V, ok bool) {
	return c.getShard(key).Get(key)
}

func (c *ShardedLRU[V]) Peek(key string) (v V, ok bool) {
	return c.getShard(key).Peek(key)
}

func (c *ShardedLRU[V]) Clean(f func(key string, v V) bool) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(f)
	}
	return
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// ConcurrentLRU is a lru.LRU guarded by a mutex.
type ConcurrentLRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{lru: lru.NewLRU[K, V](maxSize, onEvict)}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(key, v)
}

func (c *ConcurrentLRU[K, V]) Del(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Del(key)
}

func (c *ConcurrentLRU[K, V]) DelIf(key K, f func(v V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.DelIf(key, f)
}

func (c *ConcurrentLRU[K, V]) Get(key K) (v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

func (c *ConcurrentLRU[K, V]) Peek(key K) (v V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Peek(key)
}

func (c *ConcurrentLRU[K, V]) Clean(f func(key K, v V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Clean(f)
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
