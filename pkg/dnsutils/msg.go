package dnsutils

import (
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

// NormalizeQuestion returns q with a lower-cased, fully qualified name.
func NormalizeQuestion(q dns.Question) dns.Question {
	q.Name = strings.ToLower(dns.Fqdn(q.Name))
	return q
}

// QuestionKey generates a compact binary key for q.
// Names are compared case-insensitively, so the name is lower-cased first.
func QuestionKey(q dns.Question) string {
	name := strings.ToLower(dns.Fqdn(q.Name))
	buf := make([]byte, 0, len(name)+4)
	buf = append(buf, name...)
	buf = append(buf, byte(q.Qtype>>8), byte(q.Qtype))
	buf = append(buf, byte(q.Qclass>>8), byte(q.Qclass))
	return string(buf)
}

// QuestionString is a human readable form of q for logging.
func QuestionString(q dns.Question) string {
	return q.Name + " " + QclassToString(q.Qclass) + " " + QtypeToString(q.Qtype)
}

// --- TTL Management ---

// GetMinimalTTL returns the smallest TTL in the message, skipping OPT records.
func GetMinimalTTL(m *dns.Msg) uint32 {
	minTTL := ^uint32(0)
	hasRecord := false
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype != dns.TypeOPT {
				hasRecord = true
				if hdr.Ttl < minTTL {
					minTTL = hdr.Ttl
				}
			}
		}
	}
	if !hasRecord {
		return 0
	}
	return minTTL
}

const (
	ttlSet = iota
	ttlMaximum
	ttlMinimal
)

func applyTTL(m *dns.Msg, ttl uint32, mode int) {
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype == dns.TypeOPT {
				continue
			}
			switch mode {
			case ttlMaximum:
				if hdr.Ttl > ttl {
					hdr.Ttl = ttl
				}
			case ttlMinimal:
				if hdr.Ttl < ttl {
					hdr.Ttl = ttl
				}
			default:
				hdr.Ttl = ttl
			}
		}
	}
}

func SetTTL(m *dns.Msg, ttl uint32)          { applyTTL(m, ttl, ttlSet) }
func ApplyMaximumTTL(m *dns.Msg, ttl uint32) { applyTTL(m, ttl, ttlMaximum) }
func ApplyMinimalTTL(m *dns.Msg, ttl uint32) { applyTTL(m, ttl, ttlMinimal) }

// SubtractTTL reduces all RRs' TTL by delta. Returns overflowed=true if floor (1s) is hit.
func SubtractTTL(m *dns.Msg, delta uint32) (overflowed bool) {
	for _, section := range [...][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range section {
			hdr := rr.Header()
			if hdr.Rrtype == dns.TypeOPT {
				continue
			}
			if hdr.Ttl > delta {
				hdr.Ttl -= delta
			} else {
				hdr.Ttl = 1
				overflowed = true
			}
		}
	}
	return
}

// GetSOA returns the first SOA record in the authority section.
func GetSOA(m *dns.Msg) *dns.SOA {
	for _, rr := range m.Ns {
		if soa, ok := rr.(*dns.SOA); ok {
			return soa
		}
	}
	return nil
}

// NegativeTTL returns the negative caching ttl of m as defined by rfc 2308,
// which is min(SOA.TTL, SOA.MINIMUM). ok is false if m has no SOA.
func NegativeTTL(m *dns.Msg) (ttl uint32, ok bool) {
	soa := GetSOA(m)
	if soa == nil {
		return 0, false
	}
	ttl = soa.Hdr.Ttl
	if soa.Minttl < ttl {
		ttl = soa.Minttl
	}
	return ttl, true
}

// IsNXDomain reports whether m is an NXDOMAIN response.
func IsNXDomain(m *dns.Msg) bool {
	return m.Rcode == dns.RcodeNameError
}

// IsNoData reports whether m is a NODATA response: NOERROR with no records
// of the questioned type and no delegation.
func IsNoData(m *dns.Msg) bool {
	return m.Rcode == dns.RcodeSuccess && len(m.Answer) == 0 && GetSOA(m) != nil
}

// --- Helpers ---

func QclassToString(u uint16) string {
	return uint16Conv(u, dns.ClassToString)
}

func QtypeToString(u uint16) string {
	return uint16Conv(u, dns.TypeToString)
}

func uint16Conv(u uint16, m map[uint16]string) string {
	if s, ok := m[u]; ok {
		return s
	}
	return strconv.Itoa(int(u))
}

// GenEmptyReply creates an empty response for q with rcode.
func GenEmptyReply(q *dns.Msg, rcode int) *dns.Msg {
	r := new(dns.Msg)
	r.SetRcode(q, rcode)
	r.RecursionAvailable = true
	return r
}
