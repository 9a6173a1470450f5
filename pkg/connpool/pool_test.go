package connpool

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/tsein/pkg/pipe"
)

type fakeNet struct {
	mu    sync.Mutex
	peers []net.Conn
	dials atomic.Int32
	fail  bool
}

func (f *fakeNet) dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	f.dials.Add(1)
	if f.fail {
		return nil, errors.New("connection refused")
	}
	c1, c2 := net.Pipe()
	f.mu.Lock()
	f.peers = append(f.peers, c2)
	f.mu.Unlock()
	return c1, nil
}

func (f *fakeNet) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.peers {
		c.Close()
	}
}

func newTestPool(t *testing.T, opts Opts) (*Pool, *fakeNet) {
	t.Helper()
	fn := new(fakeNet)
	opts.Dialer = fn.dial
	p := New(opts)
	t.Cleanup(func() {
		p.Close()
		fn.close()
	})
	return p, fn
}

var (
	ep1 = Endpoint{Addr: "192.0.2.1:53"}
	ep2 = Endpoint{Addr: "192.0.2.2:53"}
	ep3 = Endpoint{Addr: "192.0.2.3:53"}
)

func isClosed(c *Conn) bool {
	select {
	case <-c.Pipe().Done():
		return true
	default:
		return false
	}
}

func TestPool_reuse(t *testing.T) {
	p, fn := newTestPool(t, Opts{FdBudget: 4, MaxPipeline: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, int32(1), fn.dials.Load())
	assert.Equal(t, 1, p.OpenCount())
}

func TestPool_pipelineSharing(t *testing.T) {
	p, fn := newTestPool(t, Opts{FdBudget: 4, MaxPipeline: 2})
	ctx := context.Background()

	a, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	assert.Same(t, a, b)

	c, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	assert.Equal(t, int32(2), fn.dials.Load())
}

func TestPool_budgetExhausted(t *testing.T) {
	p, _ := newTestPool(t, Opts{FdBudget: 2, MaxPipeline: 1})
	ctx := context.Background()

	c1, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	_, err = p.Acquire(ctx, ep2)
	require.NoError(t, err)

	_, err = p.Acquire(ctx, ep3)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, 2, p.OpenCount())

	// An idle connection makes room.
	p.Release(c1)
	c3, err := p.Acquire(ctx, ep3)
	require.NoError(t, err)
	assert.Equal(t, ep3, c3.Endpoint())
	assert.True(t, isClosed(c1))
	assert.Equal(t, 2, p.OpenCount())
}

func TestPool_budgetNeverExceeded(t *testing.T) {
	const budget = 4
	p, _ := newTestPool(t, Opts{FdBudget: budget, MaxPipeline: 1})
	ctx := context.Background()
	eps := []Endpoint{ep1, ep2, ep3}
	r := rand.New(rand.NewSource(1))

	var held []*Conn
	for i := 0; i < 2000; i++ {
		if len(held) > 0 && r.Intn(2) == 0 {
			j := r.Intn(len(held))
			p.Release(held[j])
			held = append(held[:j], held[j+1:]...)
		} else {
			c, err := p.Acquire(ctx, eps[r.Intn(len(eps))])
			if err != nil {
				require.ErrorIs(t, err, ErrResourceExhausted)
			} else {
				held = append(held, c)
			}
		}
		require.LessOrEqual(t, p.OpenCount(), budget)
	}
}

func TestPool_evictOneIsLRU(t *testing.T) {
	p, _ := newTestPool(t, Opts{FdBudget: 4})
	ctx := context.Background()

	assert.False(t, p.EvictOne())

	a, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ep2)
	require.NoError(t, err)
	assert.False(t, p.EvictOne())

	p.Release(a)
	p.Release(b)
	require.True(t, p.EvictOne())
	assert.True(t, isClosed(a))
	assert.False(t, isClosed(b))
	assert.Equal(t, 1, p.OpenCount())
}

func TestPool_onPeerClose(t *testing.T) {
	p, fn := newTestPool(t, Opts{FdBudget: 4})
	ctx := context.Background()

	c, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	require.Equal(t, 1, p.OpenCount())

	fn.close()
	select {
	case <-c.Pipe().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipe not closed after peer close")
	}
	require.Eventually(t, func() bool { return p.OpenCount() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, p.Hold(c))

	// The next caller gets a fresh connection.
	c2, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
}

func TestPool_admitClients(t *testing.T) {
	p, _ := newTestPool(t, Opts{FdBudget: 1})

	a1, a2 := net.Pipe()
	defer a2.Close()
	ca, err := p.Admit(a1, pipe.Opts{})
	require.NoError(t, err)
	assert.Equal(t, pipe.RoleClient, ca.Role())

	// ca is idle and gets evicted for the new client.
	b1, b2 := net.Pipe()
	defer b2.Close()
	cb, err := p.Admit(b1, pipe.Opts{})
	require.NoError(t, err)
	assert.True(t, isClosed(ca))
	assert.Equal(t, 1, p.OpenCount())

	require.True(t, p.Hold(cb))
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()
	_, err = p.Admit(c1, pipe.Opts{})
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// Upstream connections share the same budget.
	_, err = p.Acquire(context.Background(), ep1)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	p.Release(cb)
	assert.Equal(t, 1, p.IdleCount())
}

func TestPool_connectError(t *testing.T) {
	p, fn := newTestPool(t, Opts{FdBudget: 2})
	fn.fail = true

	_, err := p.Acquire(context.Background(), ep1)
	var ce *ConnectError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, ep1, ce.Endpoint)
	assert.Equal(t, 0, p.OpenCount())
}

func TestPool_closeIdle(t *testing.T) {
	p, _ := newTestPool(t, Opts{FdBudget: 4, IdleTimeout: time.Minute})
	ctx := context.Background()

	a, err := p.Acquire(ctx, ep1)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, ep2)
	require.NoError(t, err)
	p.Release(a)

	assert.Equal(t, 0, p.closeIdle(time.Now()))
	assert.Equal(t, 1, p.closeIdle(time.Now().Add(2*time.Minute)))
	assert.True(t, isClosed(a))
	assert.False(t, isClosed(b))
	assert.Equal(t, 1, p.OpenCount())
}

func TestPool_dialOneShotOutsideBudget(t *testing.T) {
	p, _ := newTestPool(t, Opts{FdBudget: 1, MaxPipeline: 1})
	_, err := p.Acquire(context.Background(), ep1)
	require.NoError(t, err)

	pp, err := p.DialOneShot(context.Background(), ep2)
	require.NoError(t, err)
	defer pp.Close()
	assert.Equal(t, 1, p.OpenCount())
}

func TestPool_closed(t *testing.T) {
	p, _ := newTestPool(t, Opts{})
	c, err := p.Acquire(context.Background(), ep1)
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, isClosed(c))
	assert.Equal(t, 0, p.OpenCount())

	_, err = p.Acquire(context.Background(), ep1)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "1.1.1.1", want: Endpoint{Addr: "1.1.1.1:53"}},
		{in: "tcp://8.8.8.8:5353", want: Endpoint{Addr: "8.8.8.8:5353"}},
		{in: "tls://1.1.1.1", want: Endpoint{Addr: "1.1.1.1:853", Transport: TransportTLS}},
		{in: "tls://dns.example.net:8853", want: Endpoint{Addr: "dns.example.net:8853", Transport: TransportTLS, ServerName: "dns.example.net"}},
		{in: "tcp://[2001:db8::1]", want: Endpoint{Addr: "[2001:db8::1]:53"}},
		{in: "https://dns.example.net", wantErr: true},
		{in: "tls://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
