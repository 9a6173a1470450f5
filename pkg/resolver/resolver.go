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

package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pmkol/tsein/pkg/cache"
	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/dnsutils"
	"github.com/pmkol/tsein/pkg/utils"
)

const (
	defaultMaxReferralDepth  = 16
	defaultResolutionTimeout = 10 * time.Second
	defaultQueryTimeout      = 2 * time.Second
	maxCNAMEChain            = 8
	maxGluelessNesting       = 3
	ednsUDPSize              = 1232
)

var nopLogger = zap.NewNop()

// Mode selects how misses are resolved.
type Mode uint8

const (
	// ModeIterative follows referrals from the seed servers down to an
	// authoritative server.
	ModeIterative Mode = iota
	// ModeForward asks the upstream servers, in order, to recurse for us.
	ModeForward
)

func (m Mode) String() string {
	if m == ModeForward {
		return "forward"
	}
	return "iterative"
}

// ParseMode parses "iterative" or "forward". An empty string is iterative.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "iterative":
		return ModeIterative, nil
	case "forward":
		return ModeForward, nil
	default:
		return 0, fmt.Errorf("invalid resolver mode %q", s)
	}
}

type Opts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	Mode Mode

	// Upstreams are the forwarders in forward mode and the root or seed
	// servers in iterative mode. Required.
	Upstreams []connpool.Endpoint

	// MaxReferralDepth bounds the number of referrals followed for one
	// question. Default is 16.
	MaxReferralDepth int

	// ResolutionTimeout bounds one shared resolution, independently of
	// the deadlines of the callers waiting for it. Default is 10s.
	ResolutionTimeout time.Duration

	// QueryTimeout bounds a single query to a single server. Default is 2s.
	QueryTimeout time.Duration

	// Exchanger sends queries upstream. Required.
	Exchanger Exchanger

	// Cache stores answers. Required.
	Cache *cache.Cache

	// Now returns the current time. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) init() error {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if len(opts.Upstreams) == 0 {
		return errors.New("no upstream server")
	}
	if opts.Exchanger == nil {
		return errors.New("nil exchanger")
	}
	if opts.Cache == nil {
		return errors.New("nil cache")
	}
	utils.SetDefaultNum(&opts.MaxReferralDepth, defaultMaxReferralDepth)
	utils.SetDefaultNum(&opts.ResolutionTimeout, defaultResolutionTimeout)
	utils.SetDefaultNum(&opts.QueryTimeout, defaultQueryTimeout)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return nil
}

// Resolver answers questions from its cache and resolves misses upstream.
// Concurrent misses for the same question share one resolution.
type Resolver struct {
	opts    Opts
	cache   *cache.Cache
	flights singleflight.Group
	metrics *metrics
}

func New(opts Opts) (*Resolver, error) {
	if err := opts.init(); err != nil {
		return nil, err
	}
	return &Resolver{
		opts:    opts,
		cache:   opts.Cache,
		metrics: newMetrics(),
	}, nil
}

// Resolve returns the answer to q. A cached answer is returned at once.
// Otherwise the caller joins the resolution in flight for q, starting one
// if there is none, and waits for it or for ctx, whichever ends first.
// A caller that gives up does not cancel the shared resolution.
// The returned msg is owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, q dns.Question) (*dns.Msg, error) {
	q = dnsutils.NormalizeQuestion(q)
	if m, ok := r.cache.Lookup(q, r.opts.Now()); ok {
		return m, nil
	}

	ch := r.flights.DoChan(dnsutils.QuestionKey(q), func() (any, error) {
		return r.flight(q)
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.metrics.sharedResult.Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*dns.Msg).Copy(), nil
	case <-ctx.Done():
		r.metrics.callerTimeout.Inc()
		return nil, newError(KindTimeout, q, ctx.Err())
	}
}

// flight runs once per question at a time.
func (r *Resolver) flight(q dns.Question) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ResolutionTimeout)
	defer cancel()

	// The previous flight may have filled the cache after our caller missed it.
	now := r.opts.Now()
	if m, ok := r.cache.Peek(q, now); ok {
		return m, nil
	}
	if m, ok := r.cache.LookupL2(ctx, q, now); ok {
		return m, nil
	}

	r.metrics.resolutions.Inc()
	start := time.Now()
	var (
		m   *dns.Msg
		err error
	)
	switch r.opts.Mode {
	case ModeForward:
		m, err = r.forward(ctx, q)
	default:
		m, err = r.iterate(ctx, q, 0)
	}
	r.metrics.resolutionTime.Observe(time.Since(start).Seconds())

	if err != nil {
		var re *ResolutionError
		if !errors.As(err, &re) {
			re = newError(KindServerFailure, q, err)
		}
		re.Question = q
		r.metrics.failures.WithLabelValues(re.Kind.String()).Inc()
		r.opts.Logger.Debug("resolution failed", zap.String("question", dnsutils.QuestionString(q)), zap.Error(re))
		return nil, re
	}

	now = r.opts.Now()
	if _, ok := r.cache.Insert(q, m, now); ok {
		if cm, ok := r.cache.Peek(q, now); ok {
			return cm, nil
		}
	}
	return m, nil
}

// publish stores m, an answer to q found outside q's flight, from within
// a flight for q so that the cache has a single writer per question.
// If a flight for q is running already it stores its own answer and m is
// dropped. publish does not wait.
func (r *Resolver) publish(q dns.Question, m *dns.Msg) {
	q = dnsutils.NormalizeQuestion(q)
	r.flights.DoChan(dnsutils.QuestionKey(q), func() (any, error) {
		now := r.opts.Now()
		if cm, ok := r.cache.Peek(q, now); ok {
			return cm, nil
		}
		if _, ok := r.cache.Insert(q, m, now); ok {
			if cm, ok := r.cache.Peek(q, now); ok {
				return cm, nil
			}
		}
		return m, nil
	})
}

// forward asks each upstream in order until one answers.
func (r *Resolver) forward(ctx context.Context, q dns.Question) (*dns.Msg, error) {
	resp, err := r.queryServers(ctx, r.opts.Upstreams, q, true, nil, "")
	if err != nil {
		return nil, err
	}
	return newReply(q, resp.Rcode, resp.Answer, resp.Ns, stripOPT(resp.Extra)), nil
}

// queryServers sends q to each candidate in turn and returns the first
// usable response: NOERROR or NXDOMAIN. Candidates already tried for
// zone are skipped. If visited is nil nothing is skipped.
func (r *Resolver) queryServers(
	ctx context.Context,
	candidates []connpool.Endpoint,
	q dns.Question,
	recursionDesired bool,
	visited map[string]struct{},
	zone string,
) (*dns.Msg, error) {
	qm := new(dns.Msg)
	qm.Id = dns.Id()
	qm.RecursionDesired = recursionDesired
	qm.Question = []dns.Question{q}
	qm.SetEdns0(ednsUDPSize, false)

	var (
		tried     int
		servfails int
		malformed int
		errs      []error
	)
	for _, ep := range candidates {
		if visited != nil {
			k := ep.Addr + "|" + zone
			if _, ok := visited[k]; ok {
				continue
			}
			visited[k] = struct{}{}
		}
		tried++

		resp, err := r.exchange(ctx, ep, qm)
		if err != nil {
			if ctx.Err() != nil {
				return nil, newError(KindTimeout, q, ctx.Err())
			}
			r.opts.Logger.Debug("upstream query failed", zap.Stringer("server", ep), zap.Error(err))
			if errors.Is(err, dnsutils.ErrInvalidDNSMsg) {
				malformed++
			}
			errs = append(errs, fmt.Errorf("%s: %w", ep, err))
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess, dns.RcodeNameError:
			return resp, nil
		default:
			servfails++
			errs = append(errs, fmt.Errorf("%s: rcode %s", ep, dns.RcodeToString[resp.Rcode]))
		}
	}

	switch {
	case tried == 0:
		return nil, newError(KindReferralLoop, q, fmt.Errorf("every server for %q was visited", zone))
	case servfails > 0:
		return nil, newError(KindServerFailure, q, errors.Join(errs...))
	case malformed > 0:
		return nil, newError(KindMalformedResponse, q, errors.Join(errs...))
	default:
		return nil, newError(KindNoReachableServer, q, errors.Join(errs...))
	}
}

func (r *Resolver) exchange(ctx context.Context, ep connpool.Endpoint, q *dns.Msg) (*dns.Msg, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opts.QueryTimeout)
	defer cancel()
	r.metrics.upstreamQuery.Inc()
	return r.opts.Exchanger.Exchange(ctx, ep, q)
}

func newReply(q dns.Question, rcode int, answer, ns, extra []dns.RR) *dns.Msg {
	m := new(dns.Msg)
	m.Response = true
	m.RecursionAvailable = true
	m.Rcode = rcode
	m.Question = []dns.Question{q}
	m.Answer = answer
	m.Ns = ns
	m.Extra = extra
	return m
}

func stripOPT(rrs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype != dns.TypeOPT {
			out = append(out, rr)
		}
	}
	return out
}
