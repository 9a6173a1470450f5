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

package dnsutils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/miekg/dns"

	"github.com/pmkol/tsein/pkg/pool"
)

var (
	ErrInvalidDNSMsg = errors.New("invalid dns message")
	errZeroLenMsg    = errors.New("zero length msg")
)

// ReadRawMsgFromTCP reads a length-prefixed message from c.
// The returned buffer must be released by the caller.
// Any error other than io.EOF means the stream is no longer usable.
func ReadRawMsgFromTCP(c io.Reader) (*pool.Buffer, int, error) {
	h := pool.GetBuf(2)
	defer h.Release()
	hb := h.Bytes()

	n1, err := io.ReadFull(c, hb)
	if err != nil {
		return nil, n1, err
	}

	length := binary.BigEndian.Uint16(hb)
	if length == 0 {
		return nil, n1, errZeroLenMsg
	}

	buf := pool.GetBuf(int(length))
	n2, err := io.ReadFull(c, buf.Bytes())
	if err != nil {
		buf.Release()
		return nil, n1 + n2, err
	}
	return buf, n1 + n2, nil
}

// ReadMsgFromTCP reads a length-prefixed message from c and unpacks it.
// A frame that can be read but not unpacked returns an error wrapping
// ErrInvalidDNSMsg; the stream stays usable in that case.
func ReadMsgFromTCP(c io.Reader) (*dns.Msg, int, error) {
	b, n, err := ReadRawMsgFromTCP(c)
	if err != nil {
		return nil, n, err
	}
	defer b.Release()

	m, err := unpackMsg(b.Bytes())
	if err != nil {
		return nil, n, err
	}
	return m, n, nil
}

func unpackMsg(b []byte) (*dns.Msg, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return nil, &MalformedMsgError{ID: GetMsgID(b), Err: err}
	}
	return m, nil
}

// MalformedMsgError is returned when a complete frame was read but the
// message inside cannot be parsed.
type MalformedMsgError struct {
	// ID is the header id if the frame was long enough, otherwise zero.
	ID  uint16
	Err error
}

func (e *MalformedMsgError) Error() string {
	return fmt.Sprintf("malformed msg (id %d): %v", e.ID, e.Err)
}

func (e *MalformedMsgError) Unwrap() error { return ErrInvalidDNSMsg }

// UnpackMsg unpacks b. See MalformedMsgError.
func UnpackMsg(b []byte) (*dns.Msg, error) {
	return unpackMsg(b)
}

// WriteMsgToTCP packs m and writes it to c with a length header in one write.
func WriteMsgToTCP(c io.Writer, m *dns.Msg) (n int, err error) {
	wire, buf, err := pool.PackTCPBuffer(m)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	return c.Write(wire)
}

// WriteRawMsgToTCP writes b to c with a length header in one write.
func WriteRawMsgToTCP(c io.Writer, b []byte) (n int, err error) {
	if len(b) > dns.MaxMsgSize {
		return 0, fmt.Errorf("payload length %d is greater than dns max msg size", len(b))
	}

	buf := pool.GetBuf(len(b) + 2)
	defer buf.Release()
	wb := buf.Bytes()
	binary.BigEndian.PutUint16(wb[:2], uint16(len(b)))
	copy(wb[2:], b)
	return c.Write(wb)
}

// WriteMsgToUDP packs and writes m to c.
func WriteMsgToUDP(c io.Writer, m *dns.Msg) (int, error) {
	b, buf, err := pool.PackBuffer(m)
	if err != nil {
		return 0, err
	}
	defer buf.Release()
	return c.Write(b)
}

// GetMsgID returns the header id of a raw message, or 0 if b is too short.
func GetMsgID(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b[:2])
}

// HeaderInfo contains basic information from a DNS header.
type HeaderInfo struct {
	ID       uint16
	Response bool
	Rcode    int
	ANCount  uint16
}

// GetHeaderInfo parses the DNS header without allocations.
func GetHeaderInfo(msg []byte) (HeaderInfo, error) {
	if len(msg) < 12 {
		return HeaderInfo{Rcode: -1}, ErrInvalidDNSMsg
	}
	return HeaderInfo{
		ID:       binary.BigEndian.Uint16(msg[0:2]),
		Response: msg[2]&0x80 != 0,
		Rcode:    int(msg[3] & 0xF),
		ANCount:  binary.BigEndian.Uint16(msg[6:8]),
	}, nil
}
