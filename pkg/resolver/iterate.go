package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/dnsutils"
)

// iterate resolves q starting from the seed servers and following
// referrals down the tree. It is a loop over candidate sets: visited
// (server, zone) pairs detect loops and depth bounds the chain.
// nest counts how deep we are in resolving glueless name server names.
func (r *Resolver) iterate(ctx context.Context, q dns.Question, nest int) (*dns.Msg, error) {
	var (
		chain   []dns.RR
		qname   = q.Name
		zone    = "."
		servers = r.opts.Upstreams
		visited = make(map[string]struct{})
		depth   int
	)

	for {
		sq := dns.Question{Name: qname, Qtype: q.Qtype, Qclass: q.Qclass}
		resp, err := r.queryServers(ctx, servers, sq, false, visited, zone)
		if err != nil {
			return nil, err
		}

		final, links, next := followAnswer(resp.Answer, qname, q.Qtype)
		if len(chain)+len(links) > maxCNAMEChain {
			return nil, newError(KindServerFailure, q, fmt.Errorf("cname chain longer than %d", maxCNAMEChain))
		}
		chain = append(chain, links...)
		if len(final) > 0 {
			return newReply(q, dns.RcodeSuccess, append(chain, final...), nil, nil), nil
		}

		if next != qname {
			if resp.Rcode == dns.RcodeNameError || dnsutils.GetSOA(resp) != nil {
				return newReply(q, resp.Rcode, chain, soaOnly(resp.Ns), nil), nil
			}
			// Chase the alias from the top.
			qname, zone, servers = next, ".", r.opts.Upstreams
			visited = make(map[string]struct{})
			continue
		}

		if resp.Rcode == dns.RcodeNameError {
			return newReply(q, dns.RcodeNameError, chain, soaOnly(resp.Ns), nil), nil
		}

		nsZone, nsNames := referral(resp)
		if len(nsNames) == 0 {
			if resp.Authoritative || dnsutils.GetSOA(resp) != nil {
				// NODATA
				return newReply(q, dns.RcodeSuccess, chain, soaOnly(resp.Ns), nil), nil
			}
			return nil, newError(KindServerFailure, q, fmt.Errorf("lame response for %s from zone %s", qname, zone))
		}
		if !dns.IsSubDomain(nsZone, qname) || !dns.IsSubDomain(zone, nsZone) {
			return nil, newError(KindServerFailure, q, fmt.Errorf("out of bailiwick referral to %s from zone %s", nsZone, zone))
		}

		depth++
		if depth > r.opts.MaxReferralDepth {
			return nil, newError(KindReferralLoop, q, fmt.Errorf("more than %d referrals", r.opts.MaxReferralDepth))
		}

		nextServers := glue(resp, nsNames)
		if len(nextServers) == 0 {
			nextServers = r.resolveGlueless(ctx, nsNames, nest)
		}
		if len(nextServers) == 0 {
			return nil, newError(KindNoReachableServer, q, fmt.Errorf("no address for any name server of %s", nsZone))
		}
		r.opts.Logger.Debug("following referral",
			zap.String("qname", qname), zap.String("zone", nsZone), zap.Int("servers", len(nextServers)), zap.Int("depth", depth))
		zone, servers = nsZone, nextServers
	}
}

// followAnswer walks the CNAME chain starting at qname inside answer.
// It returns the records of the final name matching qtype, the CNAME
// links followed and the final name.
func followAnswer(answer []dns.RR, qname string, qtype uint16) (final, links []dns.RR, next string) {
	next = qname
	for hops := 0; hops <= maxCNAMEChain; hops++ {
		var cname *dns.CNAME
		for _, rr := range answer {
			h := rr.Header()
			if !strings.EqualFold(h.Name, next) {
				continue
			}
			if h.Rrtype == qtype || qtype == dns.TypeANY {
				final = append(final, rr)
				continue
			}
			if c, ok := rr.(*dns.CNAME); ok && cname == nil {
				cname = c
			}
		}
		if len(final) > 0 || cname == nil {
			return final, links, next
		}
		links = append(links, cname)
		next = dnsutils.NormalizeQuestion(dns.Question{Name: cname.Target}).Name
	}
	return nil, links, next
}

// referral returns the zone and name server names delegated to in resp.
func referral(resp *dns.Msg) (zone string, names []string) {
	if len(resp.Answer) > 0 || dnsutils.GetSOA(resp) != nil {
		return "", nil
	}
	for _, rr := range resp.Ns {
		ns, ok := rr.(*dns.NS)
		if !ok {
			continue
		}
		owner := strings.ToLower(dns.Fqdn(ns.Hdr.Name))
		if zone == "" {
			zone = owner
		} else if owner != zone {
			continue
		}
		names = append(names, strings.ToLower(dns.Fqdn(ns.Ns)))
	}
	return zone, names
}

// glue returns endpoints for the addresses of names found in resp.Extra.
func glue(resp *dns.Msg, names []string) []connpool.Endpoint {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[n] = struct{}{}
	}
	var v4, v6 []connpool.Endpoint
	for _, rr := range resp.Extra {
		if _, ok := want[strings.ToLower(rr.Header().Name)]; !ok {
			continue
		}
		switch a := rr.(type) {
		case *dns.A:
			v4 = append(v4, endpointOf(a.A))
		case *dns.AAAA:
			v6 = append(v6, endpointOf(a.AAAA))
		}
	}
	return append(v4, v6...)
}

func endpointOf(ip net.IP) connpool.Endpoint {
	return connpool.Endpoint{Addr: net.JoinHostPort(ip.String(), "53"), Transport: connpool.TransportTCP}
}

// resolveGlueless finds the address of the first name server name that
// can be resolved, from the cache or with a nested iteration.
func (r *Resolver) resolveGlueless(ctx context.Context, names []string, nest int) []connpool.Endpoint {
	for _, name := range names {
		q := dns.Question{Name: name, Qtype: dns.TypeA, Qclass: dns.ClassINET}
		m, ok := r.cache.Peek(q, r.opts.Now())
		if !ok {
			if nest >= maxGluelessNesting {
				continue
			}
			var err error
			m, err = r.iterate(ctx, q, nest+1)
			if err != nil {
				r.opts.Logger.Debug("failed to resolve name server", zap.String("ns", name), zap.Error(err))
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			r.publish(q, m)
		}

		var eps []connpool.Endpoint
		for _, rr := range m.Answer {
			if a, ok := rr.(*dns.A); ok {
				eps = append(eps, endpointOf(a.A))
			}
		}
		if len(eps) > 0 {
			return eps
		}
	}
	return nil
}

func soaOnly(rrs []dns.RR) []dns.RR {
	var out []dns.RR
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeSOA {
			out = append(out, rr)
		}
	}
	return out
}
