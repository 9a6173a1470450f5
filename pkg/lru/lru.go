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

package lru

import (
	"fmt"
)

// LRU is a fixed capacity map that evicts its least recently used entry.
// Both Add and Get mark an entry as most recently used. Peek does not.
// LRU is not safe for concurrent use.
type LRU[K comparable, V any] struct {
	maxSize int
	onEvict func(key K, v V)

	root elem[K, V] // sentinel. root.next is the oldest, root.prev the newest.
	n    int
	m    map[K]*elem[K, V]
}

type elem[K comparable, V any] struct {
	prev, next *elem[K, V]
	key        K
	v          V
}

// NewLRU returns a LRU holding at most maxSize entries.
// onEvict, if not nil, is called every time an entry leaves the LRU,
// including explicit deletes. It is called with the LRU locked by the
// caller (if any), so it must not call back into the LRU.
func NewLRU[K comparable, V any](maxSize int, onEvict func(key K, v V)) *LRU[K, V] {
	if maxSize <= 0 {
		panic(fmt.Sprintf("lru: invalid max size: %d", maxSize))
	}
	q := &LRU[K, V]{
		maxSize: maxSize,
		onEvict: onEvict,
		m:       make(map[K]*elem[K, V]),
	}
	q.root.next = &q.root
	q.root.prev = &q.root
	return q
}

func (q *LRU[K, V]) unlink(e *elem[K, V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.prev, e.next = nil, nil
	q.n--
}

func (q *LRU[K, V]) pushNewest(e *elem[K, V]) {
	e.prev = q.root.prev
	e.next = &q.root
	q.root.prev.next = e
	q.root.prev = e
	q.n++
}

func (q *LRU[K, V]) touch(e *elem[K, V]) {
	if q.root.prev == e {
		return
	}
	q.unlink(e)
	q.pushNewest(e)
}

// Add inserts or replaces the value of key. If the LRU is full,
// the least recently used entry is evicted first.
func (q *LRU[K, V]) Add(key K, v V) {
	if e, ok := q.m[key]; ok {
		e.v = v
		q.touch(e)
		return
	}

	if q.n >= q.maxSize {
		e := q.root.next
		q.unlink(e)
		delete(q.m, e.key)
		if q.onEvict != nil {
			q.onEvict(e.key, e.v)
		}
		// Reuse the evicted element.
		e.key, e.v = key, v
		q.m[key] = e
		q.pushNewest(e)
		return
	}

	e := &elem[K, V]{key: key, v: v}
	q.m[key] = e
	q.pushNewest(e)
}

// Get returns the value of key and marks it as most recently used.
func (q *LRU[K, V]) Get(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	q.touch(e)
	return e.v, true
}

// Peek returns the value of key without updating its recency.
func (q *LRU[K, V]) Peek(key K) (v V, ok bool) {
	e, ok := q.m[key]
	if !ok {
		return
	}
	return e.v, true
}

// Del removes key. It reports whether key was present.
func (q *LRU[K, V]) Del(key K) bool {
	e := q.m[key]
	if e == nil {
		return false
	}
	q.delElem(e)
	return true
}

// DelIf removes key if f returns true for its current value.
func (q *LRU[K, V]) DelIf(key K, f func(v V) bool) bool {
	e := q.m[key]
	if e == nil || !f(e.v) {
		return false
	}
	q.delElem(e)
	return true
}

// Oldest returns the least recently used entry without removing it.
func (q *LRU[K, V]) Oldest() (key K, v V, ok bool) {
	if q.n == 0 {
		return
	}
	e := q.root.next
	return e.key, e.v, true
}

// PopOldest removes and returns the least recently used entry.
// onEvict is not called.
func (q *LRU[K, V]) PopOldest() (key K, v V, ok bool) {
	if q.n == 0 {
		return
	}
	e := q.root.next
	q.unlink(e)
	delete(q.m, e.key)
	return e.key, e.v, true
}

// Clean removes all entries for which f returns true, oldest first.
func (q *LRU[K, V]) Clean(f func(key K, v V) bool) (removed int) {
	for e := q.root.next; e != &q.root; {
		next := e.next
		if f(e.key, e.v) {
			q.delElem(e)
			removed++
		}
		e = next
	}
	return
}

func (q *LRU[K, V]) Len() int {
	return q.n
}

func (q *LRU[K, V]) delElem(e *elem[K, V]) {
	q.unlink(e)
	delete(q.m, e.key)
	if q.onEvict != nil {
		q.onEvict(e.key, e.v)
	}
}
