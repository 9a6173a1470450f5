package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/connpool"
	C "github.com/pmkol/tsein/pkg/query_context"
)

var (
	ErrServerClosed      = errors.New("server closed")
	errMissingDNSHandler = errors.New("missing dns handler")
	errMissingPool       = errors.New("missing connection pool")
)

var nopLogger = zap.NewNop()

// Handler turns a query into a Transaction and answers it through the
// responder, asynchronously.
type Handler interface {
	Submit(q *dns.Msg, responder C.Responder, meta *C.RequestMeta, deadline time.Time) *C.Transaction
}

type ServerOpts struct {
	// Logger optionally specifies a logger for the server logging.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// Handler is required by all servers.
	Handler Handler

	// Pool owns the accepted TCP and DoT connections. Required by stream servers.
	Pool *connpool.Pool

	// Certificate files to start DoT server.
	Cert, Key string

	// KernelTX and KernelRX control whether kernel TLS offloading is enabled.
	KernelRX, KernelTX bool

	// AllowedSNI rejects TLS clients asking for another server name.
	AllowedSNI string

	// IdleTimeout limits the maximum time period that a connection can idle.
	IdleTimeout time.Duration

	// QueryTimeout is the deadline of each query. Zero leaves it to the Handler.
	QueryTimeout time.Duration
}

func (opts *ServerOpts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}

	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = defaultTCPIdleTimeout
	}
}

type Server struct {
	opts ServerOpts

	m             sync.Mutex
	closed        bool
	closerTracker map[io.Closer]struct{}
	wg            sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	opts.init()
	return &Server{
		opts: opts,
	}
}

// Closed returns true if server was closed.
func (s *Server) Closed() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closed
}

func (s *Server) deadline() time.Time {
	if s.opts.QueryTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(s.opts.QueryTimeout)
}

// trackCloser adds or removes c to the Server and return true if Server is not closed.
func (s *Server) trackCloser(c io.Closer, add bool) bool {
	s.m.Lock()
	defer s.m.Unlock()

	if s.closerTracker == nil {
		s.closerTracker = make(map[io.Closer]struct{})
	}

	if add {
		if s.closed {
			return false
		}
		s.closerTracker[c] = struct{}{}
	} else {
		delete(s.closerTracker, c)
	}
	return true
}

// Close closes the Server, its listeners and the connections they accepted.
func (s *Server) Close() {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	s.closed = true

	closers := make([]io.Closer, 0, len(s.closerTracker))
	for c := range s.closerTracker {
		closers = append(closers, c)
	}
	s.closerTracker = nil
	s.m.Unlock()

	for _, c := range closers {
		_ = c.Close()
	}

	s.wg.Wait()
}
