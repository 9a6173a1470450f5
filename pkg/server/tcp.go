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
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/pipe"
	C "github.com/pmkol/tsein/pkg/query_context"
	"github.com/pmkol/tsein/pkg/utils"
)

const (
	defaultTCPIdleTimeout = time.Second * 10
	tcpFirstReadTimeout   = time.Millisecond * 500
)

// pipeResponder answers on the client pipe the query came from and gives
// the connection back to the pool when the transaction is over.
type pipeResponder struct {
	p    *pipe.Pipe
	done func()
}

func (r *pipeResponder) WriteMsg(m *dns.Msg) error {
	return r.p.WriteMsg(m)
}

func (r *pipeResponder) Done() {
	r.done()
}

// ServeTCP serves DNS over TCP on l. If l returns *eTLS.Conn the
// connections are served as DoT.
func (s *Server) ServeTCP(l net.Listener) error {
	defer l.Close()

	if s.opts.Handler == nil {
		return errMissingDNSHandler
	}
	if s.opts.Pool == nil {
		return errMissingPool
	}

	if ok := s.trackCloser(l, true); !ok {
		return ErrServerClosed
	}
	defer s.trackCloser(l, false)

	for {
		c, err := l.Accept()
		if err != nil {
			if s.Closed() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("unexpected listener err: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnectionTCP(c)
		}()
	}
}

func (s *Server) handleConnectionTCP(c net.Conn) {
	meta := C.NewRequestMeta(utils.GetAddrFromAddr(c.RemoteAddr()))

	// The slot is taken before the tls handshake. A handshaking
	// connection is idle and may be evicted.
	pc, err := s.opts.Pool.Admit(c, pipe.Opts{
		Logger:           s.opts.Logger,
		IdleTimeout:      s.opts.IdleTimeout,
		FirstReadTimeout: tcpFirstReadTimeout,
	})
	if err != nil {
		s.opts.Logger.Debug("connection refused", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
		c.Close()
		return
	}
	p := pc.Pipe()
	if !s.trackCloser(p, true) {
		p.Close()
		return
	}
	defer s.trackCloser(p, false)

	protocol := C.ProtocolTCP
	if tlsConn, ok := c.(*eTLS.Conn); ok {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.IdleTimeout)
		err := tlsConn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			s.opts.Logger.Debug("handshake failed", zap.Stringer("from", c.RemoteAddr()), zap.Error(err))
			p.Close()
			return
		}
		meta.SetServerName(tlsConn.ConnectionState().ServerName)
		protocol = C.ProtocolTLS
	}
	meta.SetProtocol(protocol)

	err = p.Serve(func(p *pipe.Pipe, q *dns.Msg, done func()) {
		if !s.opts.Pool.Hold(pc) {
			done()
			return
		}
		s.opts.Handler.Submit(q, &pipeResponder{p: p, done: s.releaser(pc, done)}, meta, s.deadline())
	})
	if err != nil {
		s.opts.Logger.Debug("connection closed", zap.Stringer("pipe", p), zap.Error(err))
	}
}

func (s *Server) releaser(pc *connpool.Conn, done func()) func() {
	return func() {
		s.opts.Pool.Release(pc)
		done()
	}
}
