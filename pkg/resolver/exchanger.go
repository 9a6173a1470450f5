package resolver

import (
	"context"
	"errors"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/pipe"
)

// Exchanger sends one query to one server.
type Exchanger interface {
	Exchange(ctx context.Context, ep connpool.Endpoint, q *dns.Msg) (*dns.Msg, error)
}

// PoolExchanger exchanges queries over pooled, pipelined connections.
type PoolExchanger struct {
	Pool *connpool.Pool

	// OneShotFallback dials a connection outside the fd budget when the
	// pool is exhausted. The connection is closed right after the exchange.
	OneShotFallback bool

	Logger *zap.Logger
}

func (e *PoolExchanger) logger() *zap.Logger {
	if e.Logger == nil {
		return nopLogger
	}
	return e.Logger
}

func (e *PoolExchanger) Exchange(ctx context.Context, ep connpool.Endpoint, q *dns.Msg) (*dns.Msg, error) {
	r, err := e.exchangePooled(ctx, ep, q)
	if errors.Is(err, pipe.ErrConnectionLost) && ctx.Err() == nil {
		// The connection died under us, try once more on a fresh one.
		e.logger().Debug("retrying on a new connection", zap.Stringer("endpoint", ep), zap.Error(err))
		r, err = e.exchangePooled(ctx, ep, q)
	}
	return r, err
}

func (e *PoolExchanger) exchangePooled(ctx context.Context, ep connpool.Endpoint, q *dns.Msg) (*dns.Msg, error) {
	c, err := e.Pool.Acquire(ctx, ep)
	if err != nil {
		if errors.Is(err, connpool.ErrResourceExhausted) && e.OneShotFallback {
			return e.exchangeOneShot(ctx, ep, q)
		}
		return nil, err
	}
	defer e.Pool.Release(c)
	return c.Pipe().Exchange(ctx, q)
}

func (e *PoolExchanger) exchangeOneShot(ctx context.Context, ep connpool.Endpoint, q *dns.Msg) (*dns.Msg, error) {
	p, err := e.Pool.DialOneShot(ctx, ep)
	if err != nil {
		return nil, err
	}
	defer p.Close()
	return p.Exchange(ctx, q)
}
