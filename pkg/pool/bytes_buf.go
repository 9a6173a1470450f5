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

package pool

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"

	"github.com/miekg/dns"
)

// Buffers are allocated from size classes of 2^minShift ... 2^maxShift bytes.
// 2^17 covers a max size dns message plus its 2-byte length header.
const (
	minShift = 6
	maxShift = 17
)

var bufPools = func() (p [maxShift + 1]*sync.Pool) {
	for i := minShift; i <= maxShift; i++ {
		size := 1 << i
		p[i] = &sync.Pool{New: func() any {
			return &Buffer{b: make([]byte, size), shift: i}
		}}
	}
	return
}()

// Buffer is a pooled byte slice.
type Buffer struct {
	b     []byte
	shift int
	n     int
}

// Bytes returns the requested length of the underlying slice.
func (b *Buffer) Bytes() []byte {
	return b.b[:b.n]
}

// Release puts b back to the pool. b must not be used after Release.
func (b *Buffer) Release() {
	if b.shift == 0 {
		return
	}
	bufPools[b.shift].Put(b)
}

// GetBuf returns a *Buffer with Bytes() of length size.
// Buffers larger than the biggest size class are allocated directly.
func GetBuf(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("pool: invalid buf size %d", size))
	}
	shift := shiftOf(size)
	if shift > maxShift {
		return &Buffer{b: make([]byte, size), n: size}
	}
	b := bufPools[shift].Get().(*Buffer)
	b.n = size
	return b
}

func shiftOf(size int) int {
	if size <= 1<<minShift {
		return minShift
	}
	return bits.Len(uint(size - 1))
}

// ErrMsgTooLarge is returned when a packed message does not fit in a
// 2-byte length prefixed frame.
var ErrMsgTooLarge = errors.New("dns msg is too large")

// PackBuffer packs m into a pooled buffer.
// The returned []byte is only valid until buf.Release().
func PackBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	l := m.Len()
	buf = GetBuf(l + 1)
	wire, err = m.PackBuffer(buf.b)
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	return wire, buf, nil
}

// PackTCPBuffer packs m into a pooled buffer with a 2-byte length header.
func PackTCPBuffer(m *dns.Msg) (wire []byte, buf *Buffer, err error) {
	l := m.Len()
	if l > dns.MaxMsgSize {
		return nil, nil, fmt.Errorf("%w: estimated size %d", ErrMsgTooLarge, l)
	}
	buf = GetBuf(l + 2 + 1)
	b, err := m.PackBuffer(buf.b[2:])
	if err != nil {
		buf.Release()
		return nil, nil, err
	}
	if len(b) > dns.MaxMsgSize {
		buf.Release()
		return nil, nil, fmt.Errorf("%w: packed size %d", ErrMsgTooLarge, len(b))
	}
	// PackBuffer may reallocate if m.Len() underestimates.
	if &b[0] != &buf.b[2] {
		nb := GetBuf(len(b) + 2)
		copy(nb.b[2:], b)
		buf.Release()
		buf = nb
	}
	buf.b[0] = byte(len(b) >> 8)
	buf.b[1] = byte(len(b))
	return buf.b[:len(b)+2], buf, nil
}
