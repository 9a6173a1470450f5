package dns_handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	C "github.com/pmkol/tsein/pkg/query_context"
	"github.com/pmkol/tsein/pkg/resolver"
)

type dummyResolver struct {
	wantMsg *dns.Msg
	wantErr error
	wait    bool
}

func (d *dummyResolver) Resolve(ctx context.Context, q dns.Question) (*dns.Msg, error) {
	if d.wait {
		<-ctx.Done()
		return nil, &resolver.ResolutionError{Kind: resolver.KindTimeout, Question: q, Err: ctx.Err()}
	}
	if d.wantErr != nil {
		return nil, d.wantErr
	}
	return d.wantMsg.Copy(), nil
}

type chanResponder struct {
	msgs chan *dns.Msg
	done chan struct{}
}

func newChanResponder() *chanResponder {
	return &chanResponder{msgs: make(chan *dns.Msg, 4), done: make(chan struct{})}
}

func (r *chanResponder) WriteMsg(m *dns.Msg) error {
	r.msgs <- m
	return nil
}

func (r *chanResponder) Done() { close(r.done) }

func (r *chanResponder) wait(t *testing.T) *dns.Msg {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("transaction never finished")
	}
	select {
	case m := <-r.msgs:
		return m
	default:
		t.Fatal("no response written")
		return nil
	}
}

func query(name string, qtype uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, qtype)
	q.Id = 777
	return q
}

func TestEntryHandler_answer(t *testing.T) {
	rr, err := dns.NewRR("example.com. 300 IN A 192.0.2.1")
	require.NoError(t, err)
	ans := new(dns.Msg)
	ans.Answer = []dns.RR{rr}

	h, err := NewEntryHandler(EntryHandlerOpts{Resolver: &dummyResolver{wantMsg: ans}})
	require.NoError(t, err)

	q := query("Example.COM.", dns.TypeA)
	q.SetEdns0(4096, false)
	rsp := newChanResponder()
	meta := new(C.RequestMeta)
	meta.SetProtocol(C.ProtocolTCP)
	h.Submit(q, rsp, meta, time.Time{})

	r := rsp.wait(t)
	assert.Equal(t, uint16(777), r.Id)
	assert.True(t, r.Response)
	assert.True(t, r.RecursionAvailable)
	assert.Equal(t, dns.RcodeSuccess, r.Rcode)
	assert.Equal(t, "Example.COM.", r.Question[0].Name)
	require.Len(t, r.Answer, 1)
	assert.NotNil(t, r.IsEdns0())
}

func TestEntryHandler_servfail(t *testing.T) {
	tests := []struct {
		name string
		res  *dummyResolver
	}{
		{"resolution error", &dummyResolver{wantErr: &resolver.ResolutionError{Kind: resolver.KindReferralLoop, Err: errors.New("loop")}}},
		{"plain error", &dummyResolver{wantErr: errors.New("boom")}},
		{"deadline", &dummyResolver{wait: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := NewEntryHandler(EntryHandlerOpts{Resolver: tt.res})
			require.NoError(t, err)
			rsp := newChanResponder()
			h.Submit(query("x.example.", dns.TypeA), rsp, nil, time.Now().Add(50*time.Millisecond))
			r := rsp.wait(t)
			assert.Equal(t, dns.RcodeServerFailure, r.Rcode)
			assert.Equal(t, uint16(777), r.Id)
		})
	}
}

func TestEntryHandler_zoneTransferNotImplemented(t *testing.T) {
	h, err := NewEntryHandler(EntryHandlerOpts{Resolver: &dummyResolver{wantErr: errors.New("must not be called")}})
	require.NoError(t, err)
	rsp := newChanResponder()
	h.Submit(query("example.", dns.TypeAXFR), rsp, nil, time.Time{})
	assert.Equal(t, dns.RcodeNotImplemented, rsp.wait(t).Rcode)
}

func TestNewEntryHandler_missingResolver(t *testing.T) {
	_, err := NewEntryHandler(EntryHandlerOpts{})
	assert.Error(t, err)
}
