package query_context

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	msgs  []*dns.Msg
	dones int
}

func (r *recorder) WriteMsg(m *dns.Msg) error {
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) Done() { r.dones++ }

func TestTransaction(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("example.com.", dns.TypeA)
	q.Id = 4242

	meta := NewRequestMeta(netip.MustParseAddr("::ffff:192.0.2.1"))
	meta.SetProtocol(ProtocolTCP)
	assert.Equal(t, "192.0.2.1", meta.GetClientAddr().String())

	rec := new(recorder)
	deadline := time.Now().Add(time.Second)
	txn := NewTransaction(q, rec, meta, deadline)
	assert.Equal(t, uint16(4242), txn.ID())
	assert.Equal(t, "example.com.", txn.Question().Name)
	assert.Contains(t, txn.String(), "example.com. IN A 4242")

	ctx, cancel := txn.Context(context.Background())
	defer cancel()
	d, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, deadline, d)

	assert.Error(t, txn.Reply())

	r := new(dns.Msg)
	r.SetReply(q)
	r.Id = 1
	txn.SetResponse(r)
	require.NoError(t, txn.Reply())
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, uint16(4242), rec.msgs[0].Id)

	txn.Finish()
	txn.Finish()
	assert.Equal(t, 1, rec.dones)
}

func TestNewTransaction_uniqueUid(t *testing.T) {
	q := new(dns.Msg)
	q.SetQuestion("a.", dns.TypeA)
	a := NewTransaction(q, nil, nil, time.Time{})
	b := NewTransaction(q, nil, nil, time.Time{})
	assert.NotEqual(t, a.Uid(), b.Uid())
	assert.NotNil(t, a.ReqMeta())

	ctx, cancel := a.Context(context.Background())
	defer cancel()
	_, ok := ctx.Deadline()
	assert.False(t, ok)
}

func TestNewTransaction_panicsWithoutQuestion(t *testing.T) {
	assert.Panics(t, func() { NewTransaction(new(dns.Msg), nil, nil, time.Time{}) })
}
