package dns_handler

import (
	"context"
	"errors"
	"time"

	"github.com/miekg/dns"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/dnsutils"
	C "github.com/pmkol/tsein/pkg/query_context"
	"github.com/pmkol/tsein/pkg/resolver"
	"github.com/pmkol/tsein/pkg/utils"
)

const (
	defaultQueryTimeout = 5 * time.Second
	ednsUDPSize         = 1232
)

var nopLogger = zap.NewNop()

// Resolver answers a single question.
type Resolver interface {
	Resolve(ctx context.Context, q dns.Question) (*dns.Msg, error)
}

type EntryHandlerOpts struct {
	// Logger optionally specifies a logger. A nil Logger disables logging.
	Logger *zap.Logger

	// Resolver is required.
	Resolver Resolver

	// QueryTimeout is the deadline given to transactions by Submit
	// when the caller passes a zero deadline. Default is 5s.
	QueryTimeout time.Duration
}

func (opts *EntryHandlerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	utils.SetDefaultNum(&opts.QueryTimeout, defaultQueryTimeout)
}

// EntryHandler answers transactions from the resolver and writes the
// answer back through the responder they came from.
type EntryHandler struct {
	opts EntryHandlerOpts

	queryTotal  *prometheus.CounterVec
	errTotal    *prometheus.CounterVec
	responseLat prometheus.Histogram
}

func NewEntryHandler(opts EntryHandlerOpts) (*EntryHandler, error) {
	if opts.Resolver == nil {
		return nil, errors.New("missing resolver")
	}
	opts.init()
	return &EntryHandler{
		opts: opts,
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "query_total",
			Help: "The total number of queries received, by protocol",
		}, []string{"protocol"}),
		errTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "err_total",
			Help: "The total number of queries answered with SERVFAIL, by failure kind",
		}, []string{"kind"}),
		responseLat: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "response_latency_millisecond",
			Help:    "The response latency in millisecond",
			Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000},
		}),
	}, nil
}

func (h *EntryHandler) RegMetricsTo(r prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{h.queryTotal, h.errTotal, h.responseLat} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Submit creates a Transaction for q and answers it in a new goroutine.
// A zero deadline means now plus the configured query timeout.
func (h *EntryHandler) Submit(q *dns.Msg, responder C.Responder, meta *C.RequestMeta, deadline time.Time) *C.Transaction {
	if deadline.IsZero() {
		deadline = time.Now().Add(h.opts.QueryTimeout)
	}
	txn := C.NewTransaction(q, responder, meta, deadline)
	go h.ServeTransaction(context.Background(), txn)
	return txn
}

// ServeTransaction resolves txn and writes its answer. Resolution
// failures are answered with SERVFAIL. It always finishes txn.
func (h *EntryHandler) ServeTransaction(ctx context.Context, txn *C.Transaction) {
	defer txn.Finish()
	h.queryTotal.WithLabelValues(txn.ReqMeta().GetProtocol()).Inc()

	ctx, cancel := txn.Context(ctx)
	defer cancel()

	txn.SetResponse(h.answer(ctx, txn))
	if err := txn.Reply(); err != nil {
		h.opts.Logger.Debug("failed to write response", txn.InfoField(), zap.Error(err))
		return
	}
	h.responseLat.Observe(float64(time.Since(txn.StartTime()).Milliseconds()))
}

func (h *EntryHandler) answer(ctx context.Context, txn *C.Transaction) *dns.Msg {
	q := txn.Q()
	switch txn.Question().Qtype {
	case dns.TypeAXFR, dns.TypeIXFR:
		return dnsutils.GenEmptyReply(q, dns.RcodeNotImplemented)
	}

	m, err := h.opts.Resolver.Resolve(ctx, txn.Question())
	if err != nil {
		kind := "unknown"
		var re *resolver.ResolutionError
		if errors.As(err, &re) {
			kind = re.Kind.String()
		}
		h.errTotal.WithLabelValues(kind).Inc()
		if errors.Is(err, resolver.ErrTimeout) {
			h.opts.Logger.Debug("query timed out", txn.InfoField(), zap.Error(err))
		} else {
			h.opts.Logger.Warn("query failed", txn.InfoField(), zap.Error(err))
		}
		return dnsutils.GenEmptyReply(q, dns.RcodeServerFailure)
	}

	r := new(dns.Msg)
	r.SetReply(q)
	r.RecursionAvailable = true
	r.Rcode = m.Rcode
	r.Answer = m.Answer
	r.Ns = m.Ns
	r.Extra = m.Extra
	if q.IsEdns0() != nil {
		r.SetEdns0(ednsUDPSize, false)
	}
	return r
}
