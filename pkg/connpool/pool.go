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

package connpool

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pmkol/tsein/pkg/lru"
	"github.com/pmkol/tsein/pkg/pipe"
	"github.com/pmkol/tsein/pkg/utils"
)

const (
	defaultFdBudget     = 1024
	defaultMaxPipeline  = 64
	defaultIdleTimeout  = 120 * time.Second
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// FdBudget is the ceiling of open connections, client-facing and
	// upstream together. Default is 1024.
	FdBudget int

	// MaxPipeline is the number of concurrent transactions an upstream
	// connection carries before another one is dialed. Default is 64.
	MaxPipeline int

	// IdleTimeout closes connections that stayed idle for longer.
	// Default is 120s.
	IdleTimeout time.Duration

	// DialTimeout bounds a dial including the TLS handshake. Default is 5s.
	DialTimeout time.Duration

	// WriteTimeout bounds a single write on a pooled connection. Default is 5s.
	WriteTimeout time.Duration

	// DialRate limits new upstream dials per second. Zero means no limit.
	DialRate  float64
	DialBurst int

	// InsecureSkipVerify disables verification of upstream TLS certificates.
	InsecureSkipVerify bool

	// Dialer replaces the default tcp/tls dialer.
	Dialer func(ctx context.Context, ep Endpoint) (net.Conn, error)
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNum(&opts.FdBudget, defaultFdBudget)
	utils.SetDefaultNum(&opts.MaxPipeline, defaultMaxPipeline)
	utils.SetDefaultNum(&opts.IdleTimeout, defaultIdleTimeout)
	utils.SetDefaultNum(&opts.DialTimeout, defaultDialTimeout)
	utils.SetDefaultNum(&opts.WriteTimeout, defaultWriteTimeout)
	if opts.DialRate > 0 && opts.DialBurst <= 0 {
		opts.DialBurst = 1
	}
}

// Conn is a connection owned by a Pool. Callers hold a reference between
// Acquire (or Hold) and Release. The pool never evicts a Conn while it is
// referenced.
type Conn struct {
	p    *pipe.Pipe
	ep   Endpoint
	role pipe.Role

	// Guarded by Pool.mu.
	refs      int
	idleSince time.Time
	removed   bool
}

func (c *Conn) Pipe() *pipe.Pipe { return c.p }

func (c *Conn) Endpoint() Endpoint { return c.ep }

func (c *Conn) Role() pipe.Role { return c.role }

// Pool owns every client-facing and upstream-facing connection and keeps
// their number within the fd budget.
// Idle means no caller holds a reference. Only idle connections are
// ever evicted, least recently released first.
type Pool struct {
	opts    Opts
	limiter *rate.Limiter
	metrics *metrics

	mu       sync.Mutex
	open     int // includes dials in progress
	upstream map[Endpoint][]*Conn
	clients  map[*Conn]struct{}
	idle     *lru.LRU[*Conn, struct{}]
	closed   bool

	closeOnce   sync.Once
	closeNotify chan struct{}
	oneShots    atomic.Int64
}

func New(opts Opts) *Pool {
	opts.init()
	p := &Pool{
		opts:        opts,
		upstream:    make(map[Endpoint][]*Conn),
		clients:     make(map[*Conn]struct{}),
		idle:        lru.NewLRU[*Conn, struct{}](opts.FdBudget, nil),
		closeNotify: make(chan struct{}),
	}
	if opts.DialRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.DialRate), opts.DialBurst)
	}
	p.metrics = newMetrics(p)

	if limit, ok := fdLimit(); ok && uint64(opts.FdBudget) > limit {
		opts.Logger.Warn("fd budget is higher than the process open file limit",
			zap.Int("fd_budget", opts.FdBudget), zap.Uint64("rlimit_nofile", limit))
	}

	go p.janitor()
	return p
}

// OpenCount returns the number of connections counted against the budget.
func (p *Pool) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *Pool) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.idle.Len()
}

// Acquire returns a referenced upstream connection to ep, sharing an
// established one when it has room for another transaction. Otherwise
// a new connection is dialed, evicting the least recently used idle
// connection if the budget is full. Acquire fails with
// ErrResourceExhausted if nothing can be evicted, or with a
// *ConnectError if the dial fails.
func (p *Pool) Acquire(ctx context.Context, ep Endpoint) (*Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	best := p.leastLoadedLocked(ep)
	if best != nil && best.refs < p.opts.MaxPipeline {
		p.holdLocked(best)
		p.mu.Unlock()
		return best, nil
	}

	victim, err := p.reserveLocked()
	if err != nil {
		if best != nil {
			// Over the pipeline cap is still better than failing.
			p.holdLocked(best)
			p.mu.Unlock()
			return best, nil
		}
		p.mu.Unlock()
		p.metrics.exhausted.Inc()
		return nil, err
	}
	p.mu.Unlock()
	p.closeVictim(victim)

	c, err := p.dialConn(ctx, ep)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.closed || c.removed {
		if !c.removed {
			c.removed = true
			p.open--
		}
		p.mu.Unlock()
		c.p.Close()
		return nil, &ConnectError{Endpoint: ep, Err: pipe.ErrConnectionLost}
	}
	c.refs = 1
	p.upstream[ep] = append(p.upstream[ep], c)
	p.mu.Unlock()
	return c, nil
}

func (p *Pool) leastLoadedLocked(ep Endpoint) *Conn {
	var best *Conn
	for _, c := range p.upstream[ep] {
		if best == nil || c.refs < best.refs {
			best = c
		}
	}
	return best
}

// reserveLocked takes one slot of the budget. If the budget is full the
// least recently used idle connection is removed and returned so it can
// be closed after the lock is released.
func (p *Pool) reserveLocked() (victim *Conn, err error) {
	if p.open >= p.opts.FdBudget {
		c, _, ok := p.idle.PopOldest()
		if !ok {
			return nil, ErrResourceExhausted
		}
		p.removeLocked(c)
		victim = c
	}
	p.open++
	return victim, nil
}

func (p *Pool) closeVictim(c *Conn) {
	if c == nil {
		return
	}
	p.metrics.evictions.Inc()
	p.opts.Logger.Debug("evicting idle connection", zap.Stringer("conn", c.p))
	c.p.Close()
}

func (p *Pool) holdLocked(c *Conn) {
	if c.refs == 0 {
		p.idle.Del(c)
	}
	c.refs++
}

// removeLocked detaches c from every index and frees its budget slot.
func (p *Pool) removeLocked(c *Conn) {
	if c.removed {
		return
	}
	c.removed = true
	p.open--
	p.idle.Del(c)
	if c.role == pipe.RoleClient {
		delete(p.clients, c)
		return
	}
	conns := p.upstream[c.ep]
	for i, x := range conns {
		if x == c {
			conns[i] = conns[len(conns)-1]
			conns[len(conns)-1] = nil
			conns = conns[:len(conns)-1]
			break
		}
	}
	if len(conns) == 0 {
		delete(p.upstream, c.ep)
	} else {
		p.upstream[c.ep] = conns
	}
}

// Release drops a reference taken by Acquire or Hold. The last release
// makes the connection idle. It never closes the socket.
func (p *Pool) Release(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.refs > 0 {
		c.refs--
	}
	if c.refs == 0 && !c.removed && !p.closed {
		c.idleSince = time.Now()
		p.idle.Add(c, struct{}{})
	}
}

// Hold takes a reference on a connection that is already in the pool.
// It reports false if the connection was removed.
func (p *Pool) Hold(c *Conn) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.removed {
		return false
	}
	p.holdLocked(c)
	return true
}

// EvictOne closes the least recently used idle connection. It reports
// false if every connection is in use.
func (p *Pool) EvictOne() bool {
	p.mu.Lock()
	c, _, ok := p.idle.PopOldest()
	if ok {
		p.removeLocked(c)
	}
	p.mu.Unlock()
	if ok {
		p.closeVictim(c)
	}
	return ok
}

// OnPeerClose removes c after its connection was closed or reset.
// Transactions still waiting on it fail with pipe.ErrConnectionLost.
func (p *Pool) OnPeerClose(c *Conn, err error) {
	p.mu.Lock()
	if c.removed {
		p.mu.Unlock()
		return
	}
	p.removeLocked(c)
	p.mu.Unlock()

	p.opts.Logger.Debug("connection closed by peer", zap.Stringer("endpoint", c.ep), zap.Stringer("role", c.role), zap.Error(err))
	// The pipe is closed already, this only makes sure.
	go c.p.Close()
}

// Admit registers an accepted client connection. It starts idle and is
// marked busy with Hold while a query is being answered. If the budget is
// full and nothing is idle, Admit returns ErrResourceExhausted and the
// caller must close conn.
func (p *Pool) Admit(conn net.Conn, popts pipe.Opts) (*Conn, error) {
	c := &Conn{
		ep:   Endpoint{Addr: conn.RemoteAddr().String()},
		role: pipe.RoleClient,
	}
	if _, ok := conn.(*eTLS.Conn); ok {
		c.ep.Transport = TransportTLS
	}
	userOnClose := popts.OnClose
	popts.OnClose = func(pp *pipe.Pipe, err error) {
		p.OnPeerClose(c, err)
		if userOnClose != nil {
			userOnClose(pp, err)
		}
	}
	if popts.Logger == nil {
		popts.Logger = p.opts.Logger
	}
	if popts.WriteTimeout <= 0 {
		popts.WriteTimeout = p.opts.WriteTimeout
	}
	c.p = pipe.New(conn, pipe.RoleClient, popts)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	victim, err := p.reserveLocked()
	if err != nil {
		p.mu.Unlock()
		p.metrics.exhausted.Inc()
		return nil, err
	}
	p.clients[c] = struct{}{}
	c.idleSince = time.Now()
	p.idle.Add(c, struct{}{})
	p.mu.Unlock()

	p.closeVictim(victim)
	return c, nil
}

// DialOneShot dials ep outside the budget. The caller must close the
// returned pipe right after use.
func (p *Pool) DialOneShot(ctx context.Context, ep Endpoint) (*pipe.Pipe, error) {
	conn, err := p.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	p.metrics.oneShots.Inc()
	p.oneShots.Add(1)
	return pipe.New(conn, pipe.RoleUpstream, pipe.Opts{
		Logger:       p.opts.Logger,
		WriteTimeout: p.opts.WriteTimeout,
	}), nil
}

func (p *Pool) dialConn(ctx context.Context, ep Endpoint) (*Conn, error) {
	conn, err := p.dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	c := &Conn{ep: ep, role: pipe.RoleUpstream}
	c.p = pipe.New(conn, pipe.RoleUpstream, pipe.Opts{
		Logger:       p.opts.Logger,
		WriteTimeout: p.opts.WriteTimeout,
		OnClose:      func(_ *pipe.Pipe, err error) { p.OnPeerClose(c, err) },
	})
	return c, nil
}

func (p *Pool) dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, &ConnectError{Endpoint: ep, Err: err}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	p.metrics.dials.Inc()
	conn, err := p.dialContext(ctx, ep)
	if err != nil {
		p.metrics.dialErrors.Inc()
		return nil, &ConnectError{Endpoint: ep, Err: err}
	}
	return conn, nil
}

func (p *Pool) dialContext(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if p.opts.Dialer != nil {
		return p.opts.Dialer(ctx, ep)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", ep.Addr)
	if err != nil {
		return nil, err
	}
	if ep.Transport != TransportTLS {
		return conn, nil
	}

	tlsConn := eTLS.Client(conn, &eTLS.Config{
		ServerName:         ep.ServerName,
		InsecureSkipVerify: p.opts.InsecureSkipVerify,
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// janitor closes connections idle for longer than IdleTimeout.
func (p *Pool) janitor() {
	interval := p.opts.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := p.closeIdle(time.Now()); n > 0 {
				p.opts.Logger.Debug("idle connections closed", zap.Int("n", n))
			}
		case <-p.closeNotify:
			return
		}
	}
}

func (p *Pool) closeIdle(now time.Time) int {
	var victims []*Conn
	p.mu.Lock()
	for {
		c, _, ok := p.idle.Oldest()
		if !ok || now.Sub(c.idleSince) < p.opts.IdleTimeout {
			break
		}
		p.idle.PopOldest()
		p.removeLocked(c)
		victims = append(victims, c)
	}
	p.mu.Unlock()

	for _, c := range victims {
		p.closeVictim(c)
	}
	return len(victims)
}

// Close closes every connection of the pool. Later calls to Acquire or
// Admit fail with ErrPoolClosed.
func (p *Pool) Close() error {
	p.closeOnce.Do(func() {
		var all []*Conn
		p.mu.Lock()
		p.closed = true
		for _, conns := range p.upstream {
			all = append(all, conns...)
		}
		for c := range p.clients {
			all = append(all, c)
		}
		for _, c := range all {
			p.removeLocked(c)
		}
		p.mu.Unlock()

		close(p.closeNotify)
		for _, c := range all {
			c.p.Close()
		}
	})
	return nil
}
