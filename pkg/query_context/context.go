package query_context

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/dnsutils"
)

const (
	ProtocolUDP = "udp"
	ProtocolTCP = "tcp"
	ProtocolTLS = "tls"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	serverName string
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) SetServerName(serverName string) {
	m.serverName = serverName
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

func (m *RequestMeta) GetServerName() string {
	return m.serverName
}

// Responder is where the answer of a Transaction goes: the client pipe
// it came from or the datagram socket and address it was read from.
type Responder interface {
	WriteMsg(m *dns.Msg) error

	// Done is called once when the transaction is over, answered or not.
	Done()
}

// Transaction is one question and its answer.
type Transaction struct {
	uid       uint32
	startTime time.Time
	deadline  time.Time
	q         *dns.Msg
	reqMeta   *RequestMeta
	responder Responder

	r        *dns.Msg
	doneOnce sync.Once
}

var (
	transactionUid  uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewTransaction creates a Transaction for query q which must carry
// exactly one question.
func NewTransaction(q *dns.Msg, responder Responder, meta *RequestMeta, deadline time.Time) *Transaction {
	if q == nil || len(q.Question) != 1 {
		panic("query_context: query must have exactly one question")
	}
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Transaction{
		uid:       atomic.AddUint32(&transactionUid, 1),
		startTime: time.Now(),
		deadline:  deadline,
		q:         q,
		reqMeta:   meta,
		responder: responder,
	}
}

// String returns a short summary of its query.
func (t *Transaction) String() string {
	q := t.q.Question[0]
	return fmt.Sprintf("%s %s %s %d %d",
		q.Name,
		dnsutils.QclassToString(q.Qclass),
		dnsutils.QtypeToString(q.Qtype),
		t.q.Id,
		t.uid,
	)
}

// Q returns the query msg.
func (t *Transaction) Q() *dns.Msg {
	return t.q
}

// Question returns the single question of the query.
func (t *Transaction) Question() dns.Question {
	return t.q.Question[0]
}

// ID returns the wire id of the query. The answer must carry it.
func (t *Transaction) ID() uint16 {
	return t.q.Id
}

// Uid returns the process-wide id of the Transaction, used in logs.
func (t *Transaction) Uid() uint32 {
	return t.uid
}

func (t *Transaction) Deadline() time.Time {
	return t.deadline
}

// Context returns a context that expires at the Transaction deadline.
func (t *Transaction) Context(parent context.Context) (context.Context, context.CancelFunc) {
	if t.deadline.IsZero() {
		return context.WithCancel(parent)
	}
	return context.WithDeadline(parent, t.deadline)
}

func (t *Transaction) ReqMeta() *RequestMeta {
	return t.reqMeta
}

// R returns the response. It is nil before SetResponse.
func (t *Transaction) R() *dns.Msg {
	return t.r
}

func (t *Transaction) SetResponse(r *dns.Msg) {
	t.r = r
}

func (t *Transaction) StartTime() time.Time {
	return t.startTime
}

// InfoField returns a zap.Field.
func (t *Transaction) InfoField() zap.Field {
	return zap.Stringer("query", t)
}

// Reply writes the response to the responder. The id of the response is
// forced to the id of the query.
func (t *Transaction) Reply() error {
	if t.r == nil {
		return fmt.Errorf("transaction %d has no response", t.uid)
	}
	t.r.Id = t.q.Id
	if t.responder == nil {
		return nil
	}
	return t.responder.WriteMsg(t.r)
}

// Finish tells the responder the Transaction is over. Calls after the
// first are no-ops.
func (t *Transaction) Finish() {
	t.doneOnce.Do(func() {
		if t.responder != nil {
			t.responder.Done()
		}
	})
}
