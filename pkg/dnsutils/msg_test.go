package dnsutils

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
)

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatal(err)
	}
	return rr
}

func TestQuestionKey_caseInsensitive(t *testing.T) {
	a := QuestionKey(dns.Question{Name: "Example.COM.", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	b := QuestionKey(dns.Question{Name: "example.com", Qtype: dns.TypeA, Qclass: dns.ClassINET})
	c := QuestionKey(dns.Question{Name: "example.com.", Qtype: dns.TypeAAAA, Qclass: dns.ClassINET})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestTTLHelpers(t *testing.T) {
	m := new(dns.Msg)
	m.Answer = []dns.RR{
		mustRR(t, "example.com. 30 IN A 1.1.1.1"),
		mustRR(t, "example.com. 900 IN A 1.1.1.2"),
	}
	m.SetEdns0(1232, false)
	assert.Equal(t, uint32(30), GetMinimalTTL(m))

	ApplyMinimalTTL(m, 60)
	assert.Equal(t, uint32(60), GetMinimalTTL(m))

	ApplyMaximumTTL(m, 600)
	assert.Equal(t, uint32(600), m.Answer[1].Header().Ttl)

	overflowed := SubtractTTL(m, 100)
	assert.True(t, overflowed)
	assert.Equal(t, uint32(1), m.Answer[0].Header().Ttl)
	assert.Equal(t, uint32(500), m.Answer[1].Header().Ttl)

	assert.Equal(t, uint32(0), GetMinimalTTL(new(dns.Msg)))
}

func TestNegativeTTL(t *testing.T) {
	m := new(dns.Msg)
	m.Rcode = dns.RcodeNameError
	_, ok := NegativeTTL(m)
	assert.False(t, ok)

	m.Ns = []dns.RR{mustRR(t, "example.com. 3600 IN SOA ns.example.com. admin.example.com. 1 7200 3600 1209600 300")}
	ttl, ok := NegativeTTL(m)
	assert.True(t, ok)
	assert.Equal(t, uint32(300), ttl)
	assert.True(t, IsNXDomain(m))

	m.Rcode = dns.RcodeSuccess
	assert.True(t, IsNoData(m))
}
