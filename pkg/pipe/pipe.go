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

package pipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/dnsutils"
	"github.com/pmkol/tsein/pkg/pool"
)

var (
	// ErrConnectionLost is returned to every transaction still waiting on
	// a pipe when its connection dies.
	ErrConnectionLost = errors.New("connection lost")

	ErrNoFreeID        = errors.New("no free dns id available")
	errWrongRole       = errors.New("operation not supported by pipe role")
	errPipeClosed      = errors.New("pipe closed")
	errRepeatedInvalid = errors.New("repeated invalid queries")
)

var nopLogger = zap.NewNop()

// Role tells which side of the dns exchange the local end is on.
type Role uint8

const (
	// RoleClient pipes carry queries from a client and answers back to it.
	RoleClient Role = iota + 1
	// RoleUpstream pipes carry our queries to a name server.
	RoleUpstream
)

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// OnClose is called exactly once after the pipe is closed, by either
	// side. err is the reason.
	OnClose func(p *Pipe, err error)

	// IdleTimeout limits how long a client pipe may wait for the next query
	// while no query is in flight. Zero means no limit.
	IdleTimeout time.Duration

	// FirstReadTimeout limits the wait for the first query on a client pipe.
	// Zero means IdleTimeout.
	FirstReadTimeout time.Duration

	// WriteTimeout limits a single write. Zero means no limit.
	WriteTimeout time.Duration
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
}

// Pipe is a length-prefixed dns message stream over one connection.
// Many transactions can be in flight on a pipe at the same time. Answers
// are matched to queries by the wire id, not by order.
type Pipe struct {
	c    net.Conn
	role Role
	opts Opts

	writeMu sync.Mutex

	pmu     sync.Mutex
	pending map[uint16]*pendingTxn // nil after close
	nextID  uint32

	inflight atomic.Int32
	strays   atomic.Uint64

	closeOnce   sync.Once
	closeNotify chan struct{}
	closeErr    error
}

type pendingTxn struct {
	q  dns.Question
	ch chan result
}

type result struct {
	m   *dns.Msg
	err error
}

// New wraps c. An upstream pipe starts reading answers immediately.
// A client pipe reads nothing until Serve is called.
func New(c net.Conn, role Role, opts Opts) *Pipe {
	opts.init()
	p := &Pipe{
		c:           c,
		role:        role,
		opts:        opts,
		pending:     make(map[uint16]*pendingTxn),
		closeNotify: make(chan struct{}),
	}
	if role == RoleUpstream {
		go p.readAnswers()
	}
	return p
}

func (p *Pipe) Role() Role { return p.role }

func (p *Pipe) Conn() net.Conn { return p.c }

// Inflight returns the number of transactions currently using the pipe.
func (p *Pipe) Inflight() int { return int(p.inflight.Load()) }

// Strays returns the number of inbound messages that matched no pending query.
func (p *Pipe) Strays() uint64 { return p.strays.Load() }

func (p *Pipe) String() string {
	return p.role.String() + "/" + p.c.RemoteAddr().String()
}

// Done is closed after the pipe is closed.
func (p *Pipe) Done() <-chan struct{} { return p.closeNotify }

// Close closes the pipe. Pending transactions fail with ErrConnectionLost.
func (p *Pipe) Close() error {
	p.closeWithErr(errPipeClosed)
	return nil
}

func (p *Pipe) closeWithErr(err error) {
	p.closeOnce.Do(func() {
		p.closeErr = err
		_ = p.c.Close()

		p.pmu.Lock()
		p.pending = nil
		p.pmu.Unlock()

		close(p.closeNotify)
		if p.opts.OnClose != nil {
			p.opts.OnClose(p, err)
		}
	})
}

func (p *Pipe) lostErr() error {
	return fmt.Errorf("%w: %v", ErrConnectionLost, p.closeErr)
}

// Exchange sends q and waits for its answer, the context deadline or the
// death of the connection. q is not modified. The answer carries q's id.
func (p *Pipe) Exchange(ctx context.Context, q *dns.Msg) (*dns.Msg, error) {
	if p.role != RoleUpstream {
		return nil, errWrongRole
	}

	p.inflight.Add(1)
	defer p.inflight.Add(-1)

	id, t, err := p.claimID(q)
	if err != nil {
		return nil, err
	}
	defer p.unclaimID(id)

	wq := new(dns.Msg)
	*wq = *q
	wq.Id = id
	if err := p.writeMsg(wq); err != nil {
		return nil, err
	}

	select {
	case r := <-t.ch:
		return p.finish(q, r)
	case <-p.closeNotify:
		// The answer may have been delivered right before the connection died.
		select {
		case r := <-t.ch:
			return p.finish(q, r)
		default:
			return nil, p.lostErr()
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) finish(q *dns.Msg, r result) (*dns.Msg, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.m.Id = q.Id
	return r.m, nil
}

func (p *Pipe) claimID(q *dns.Msg) (uint16, *pendingTxn, error) {
	t := &pendingTxn{ch: make(chan result, 1)}
	if len(q.Question) > 0 {
		t.q = q.Question[0]
	}

	p.pmu.Lock()
	defer p.pmu.Unlock()
	if p.pending == nil {
		return 0, nil, p.lostErr()
	}
	for i := 0; i < 65536; i++ {
		p.nextID++
		id := uint16(p.nextID)
		if _, exists := p.pending[id]; !exists {
			p.pending[id] = t
			return id, t, nil
		}
	}
	return 0, nil, ErrNoFreeID
}

func (p *Pipe) unclaimID(id uint16) {
	p.pmu.Lock()
	if p.pending != nil {
		delete(p.pending, id)
	}
	p.pmu.Unlock()
}

func (p *Pipe) readAnswers() {
	for {
		b, _, err := dnsutils.ReadRawMsgFromTCP(p.c)
		if err != nil {
			p.opts.Logger.Debug("upstream pipe read failed", zap.Stringer("pipe", p), zap.Error(err))
			p.closeWithErr(err)
			return
		}
		p.deliver(b.Bytes())
		b.Release()
	}
}

// deliver passes raw to the transaction waiting for its id. Messages that
// match nothing are dropped before being unpacked.
func (p *Pipe) deliver(raw []byte) {
	h, err := dnsutils.GetHeaderInfo(raw)
	if err != nil || !h.Response {
		p.stray(h.ID, "not a response")
		return
	}

	p.pmu.Lock()
	t, ok := p.pending[h.ID]
	p.pmu.Unlock()
	if !ok {
		p.stray(h.ID, "no pending query")
		return
	}

	m, err := dnsutils.UnpackMsg(raw)
	if err != nil {
		p.resolve(h.ID, t, result{err: err})
		return
	}
	if len(m.Question) > 0 && t.q.Name != "" && !sameQuestion(m.Question[0], t.q) {
		p.stray(h.ID, "question mismatch")
		return
	}
	p.resolve(h.ID, t, result{m: m})
}

func (p *Pipe) resolve(id uint16, t *pendingTxn, r result) {
	p.pmu.Lock()
	if p.pending == nil || p.pending[id] != t {
		p.pmu.Unlock()
		return
	}
	delete(p.pending, id)
	p.pmu.Unlock()

	select {
	case t.ch <- r:
	default:
	}
}

func (p *Pipe) stray(id uint16, reason string) {
	p.strays.Add(1)
	p.opts.Logger.Debug("stray msg discarded", zap.Stringer("pipe", p), zap.Uint16("id", id), zap.String("reason", reason))
}

func sameQuestion(a, b dns.Question) bool {
	return a.Qtype == b.Qtype && a.Qclass == b.Qclass && strings.EqualFold(a.Name, b.Name)
}

// WriteMsg writes m to the pipe. A message that is too large for the
// stream is replaced by a SERVFAIL with the same id and question.
func (p *Pipe) WriteMsg(m *dns.Msg) error {
	err := p.writeMsg(m)
	if errors.Is(err, pool.ErrMsgTooLarge) {
		p.opts.Logger.Warn("response too large, replaced by servfail", zap.Stringer("pipe", p), zap.Uint16("id", m.Id))
		r := new(dns.Msg)
		r.Id = m.Id
		r.Response = true
		r.Opcode = m.Opcode
		r.RecursionDesired = m.RecursionDesired
		r.RecursionAvailable = true
		r.Rcode = dns.RcodeServerFailure
		r.Question = m.Question
		return p.writeMsg(r)
	}
	return err
}

func (p *Pipe) writeMsg(m *dns.Msg) error {
	wire, buf, err := pool.PackTCPBuffer(m)
	if err != nil {
		return err
	}
	defer buf.Release()

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	select {
	case <-p.closeNotify:
		return p.lostErr()
	default:
	}

	if p.opts.WriteTimeout > 0 {
		_ = p.c.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
	}
	if _, err := p.c.Write(wire); err != nil {
		p.closeWithErr(err)
		return p.lostErr()
	}
	return nil
}

// Handler is called by Serve for each query, on the read goroutine.
// It must not block: the answer is written later with p.WriteMsg, after
// which done must be called exactly once.
type Handler func(p *Pipe, q *dns.Msg, done func())

// Serve reads queries from a client pipe until it is closed or fails.
// A frame that cannot be parsed or is not a query is answered with
// FORMERR, and the second such frame in a row closes the connection. Serve returns nil when the client closes the
// connection cleanly.
func (p *Pipe) Serve(h Handler) error {
	if p.role != RoleClient {
		return errWrongRole
	}

	first := true
	suspected := false
	for {
		if timeout := p.readTimeout(first); timeout > 0 {
			_ = p.c.SetReadDeadline(time.Now().Add(timeout))
		}

		q, n, err := dnsutils.ReadMsgFromTCP(p.c)
		if err != nil {
			var me *dnsutils.MalformedMsgError
			if errors.As(err, &me) {
				p.opts.Logger.Debug("malformed query", zap.Stringer("pipe", p), zap.Error(err))
				if suspected || p.writeFailure(me.ID, dns.OpcodeQuery, dns.RcodeFormatError) != nil {
					p.closeWithErr(err)
					return err
				}
				suspected = true
				continue
			}

			var ne net.Error
			if n == 0 && errors.As(err, &ne) && ne.Timeout() && p.inflight.Load() > 0 {
				// Not idle while answers are still pending.
				continue
			}

			p.closeWithErr(err)
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		first = false

		if q.Response || q.Opcode != dns.OpcodeQuery || len(q.Question) != 1 {
			p.opts.Logger.Debug("unexpected msg", zap.Stringer("pipe", p), zap.Uint16("id", q.Id))
			if suspected || p.writeFailure(q.Id, q.Opcode, dns.RcodeFormatError) != nil {
				p.closeWithErr(errRepeatedInvalid)
				return nil
			}
			suspected = true
			continue
		}
		suspected = false

		p.inflight.Add(1)
		var once sync.Once
		h(p, q, func() {
			once.Do(func() { p.inflight.Add(-1) })
		})
	}
}

func (p *Pipe) readTimeout(first bool) time.Duration {
	if first && p.opts.FirstReadTimeout > 0 {
		if p.opts.IdleTimeout <= 0 || p.opts.FirstReadTimeout < p.opts.IdleTimeout {
			return p.opts.FirstReadTimeout
		}
	}
	return p.opts.IdleTimeout
}

func (p *Pipe) writeFailure(id uint16, opcode int, rcode int) error {
	r := new(dns.Msg)
	r.Id = id
	r.Response = true
	r.Opcode = opcode
	r.Rcode = rcode
	return p.writeMsg(r)
}
