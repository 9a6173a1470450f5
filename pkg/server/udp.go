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

package server

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/dnsutils"
	"github.com/pmkol/tsein/pkg/pool"
	C "github.com/pmkol/tsein/pkg/query_context"
	"github.com/pmkol/tsein/pkg/utils"
)

// cmcUDPConn can read and write cmsg.
type cmcUDPConn interface {
	readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error)
	writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error)
}

// udpResponder answers a datagram query to the address it came from,
// from the local address it was sent to. It holds no connection.
type udpResponder struct {
	c         cmcUDPConn
	localAddr net.IP
	ifIndex   int
	remote    net.Addr
	udpSize   int
}

func (r *udpResponder) WriteMsg(m *dns.Msg) error {
	m.Truncate(r.udpSize)
	b, buf, err := pool.PackBuffer(m)
	if err != nil {
		return fmt.Errorf("failed to pack response, %w", err)
	}
	defer buf.Release()
	_, err = r.c.writeTo(b, r.localAddr, r.ifIndex, r.remote)
	return err
}

func (r *udpResponder) Done() {}

func (s *Server) ServeUDP(c net.PacketConn) error {
	defer c.Close()

	if s.opts.Handler == nil {
		return errMissingDNSHandler
	}

	if ok := s.trackCloser(c, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(c, false)

	readBuf := pool.GetBuf(64 * 1024)
	defer readBuf.Release()
	rb := readBuf.Bytes()

	var cmc cmcUDPConn
	var err error
	uc, ok := c.(*net.UDPConn)
	if ok && uc.LocalAddr().(*net.UDPAddr).IP.IsUnspecified() {
		cmc, err = newCmc(uc)
		if err != nil {
			return fmt.Errorf("failed to control socket cmsg, %w", err)
		}
	} else {
		cmc = newDummyCmc(c)
	}

	for {
		n, localAddr, ifIndex, remoteAddr, err := cmc.readFrom(rb)
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			return fmt.Errorf("unexpected read err: %w", err)
		}

		q, err := dnsutils.UnpackMsg(rb[:n])
		if err != nil {
			s.opts.Logger.Debug("invalid msg", zap.Error(err), zap.Stringer("from", remoteAddr))
			continue
		}

		rsp := &udpResponder{
			c:         cmc,
			localAddr: localAddr,
			ifIndex:   ifIndex,
			remote:    remoteAddr,
			udpSize:   getUDPSize(q),
		}
		if q.Response || q.Opcode != dns.OpcodeQuery || len(q.Question) != 1 {
			if !q.Response {
				if err := rsp.WriteMsg(dnsutils.GenEmptyReply(q, dns.RcodeFormatError)); err != nil {
					s.opts.Logger.Debug("failed to write response", zap.Stringer("client", remoteAddr), zap.Error(err))
				}
			}
			continue
		}

		meta := C.NewRequestMeta(utils.GetAddrFromAddr(remoteAddr))
		meta.SetProtocol(C.ProtocolUDP)
		s.opts.Handler.Submit(q, rsp, meta, s.deadline())
	}
}

func getUDPSize(m *dns.Msg) int {
	var s uint16
	if opt := m.IsEdns0(); opt != nil {
		s = opt.UDPSize()
	}
	if s < dns.MinMsgSize {
		s = dns.MinMsgSize
	}
	return int(s)
}

func newDummyCmc(c net.PacketConn) cmcUDPConn {
	return dummyCmcWrapper{c: c}
}

type dummyCmcWrapper struct {
	c net.PacketConn
}

func (w dummyCmcWrapper) readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error) {
	n, src, err = w.c.ReadFrom(b)
	return
}

func (w dummyCmcWrapper) writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error) {
	return w.c.WriteTo(b, dst)
}
