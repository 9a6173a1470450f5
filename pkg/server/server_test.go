package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	eTLS "gitlab.com/go-extension/tls"

	"github.com/pmkol/tsein/pkg/connpool"
	"github.com/pmkol/tsein/pkg/dnsutils"
	"github.com/pmkol/tsein/pkg/server/dns_handler"
)

// fixedResolver answers every question with n A records.
type fixedResolver struct {
	n int
}

func (r fixedResolver) Resolve(_ context.Context, q dns.Question) (*dns.Msg, error) {
	m := new(dns.Msg)
	for i := 0; i < r.n; i++ {
		rr, err := dns.NewRR(fmt.Sprintf("%s 60 IN A 10.0.%d.%d", q.Name, i/250, i%250+1))
		if err != nil {
			return nil, err
		}
		m.Answer = append(m.Answer, rr)
	}
	return m, nil
}

func newTestServer(t *testing.T, answers int, budget int) (*Server, *connpool.Pool) {
	t.Helper()
	h, err := dns_handler.NewEntryHandler(dns_handler.EntryHandlerOpts{Resolver: fixedResolver{n: answers}})
	require.NoError(t, err)
	p := connpool.New(connpool.Opts{FdBudget: budget})
	s := NewServer(ServerOpts{Handler: h, Pool: p, IdleTimeout: 5 * time.Second})
	t.Cleanup(func() {
		s.Close()
		p.Close()
	})
	return s, p
}

func newQuery(name string, id uint16) *dns.Msg {
	q := new(dns.Msg)
	q.SetQuestion(name, dns.TypeA)
	q.Id = id
	return q
}

func TestServer_ServeTCP(t *testing.T) {
	s, p := newTestServer(t, 1, 4)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP(l)

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	// Pipelined queries.
	for _, id := range []uint16{1, 2, 3} {
		_, err := dnsutils.WriteMsgToTCP(c, newQuery(fmt.Sprintf("q%d.example.", id), id))
		require.NoError(t, err)
	}
	got := make(map[uint16]string)
	for i := 0; i < 3; i++ {
		r, _, err := dnsutils.ReadMsgFromTCP(c)
		require.NoError(t, err)
		require.Len(t, r.Answer, 1)
		got[r.Id] = r.Question[0].Name
	}
	assert.Equal(t, map[uint16]string{1: "q1.example.", 2: "q2.example.", 3: "q3.example."}, got)

	assert.Eventually(t, func() bool { return p.IdleCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, p.OpenCount())
}

func TestServer_ServeTCP_malformed(t *testing.T) {
	s, _ := newTestServer(t, 1, 4)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP(l)

	c, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	garbage := []byte{0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff}
	_, err = dnsutils.WriteRawMsgToTCP(c, garbage)
	require.NoError(t, err)
	r, _, err := dnsutils.ReadMsgFromTCP(c)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), r.Id)
	assert.Equal(t, dns.RcodeFormatError, r.Rcode)

	// The second one in a row closes the connection.
	_, err = dnsutils.WriteRawMsgToTCP(c, garbage)
	require.NoError(t, err)
	_, _, err = dnsutils.ReadMsgFromTCP(c)
	assert.Error(t, err)
}

func TestServer_ServeTCP_evictsIdleClient(t *testing.T) {
	s, p := newTestServer(t, 1, 1)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeTCP(l)

	a, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = dnsutils.WriteMsgToTCP(a, newQuery("a.example.", 1))
	require.NoError(t, err)
	_, _, err = dnsutils.ReadMsgFromTCP(a)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return p.IdleCount() == 1 }, time.Second, 10*time.Millisecond)

	b, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.SetDeadline(time.Now().Add(5*time.Second)))
	_, err = dnsutils.WriteMsgToTCP(b, newQuery("b.example.", 2))
	require.NoError(t, err)
	r, _, err := dnsutils.ReadMsgFromTCP(b)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), r.Id)

	// a was the idle connection and made room for b.
	_, _, err = dnsutils.ReadMsgFromTCP(a)
	assert.Error(t, err)
	assert.Equal(t, 1, p.OpenCount())
}

func TestServer_handshakeWithinBudget(t *testing.T) {
	s, p := newTestServer(t, 1, 2)

	// Clients that never send a ClientHello keep the server side
	// handshaking until their slot is taken by a newer connection.
	var clients []net.Conn
	var dones []chan struct{}
	for i := 0; i < 5; i++ {
		srv, cli := net.Pipe()
		clients = append(clients, cli)
		done := make(chan struct{})
		dones = append(dones, done)
		go func() {
			defer close(done)
			s.handleConnectionTCP(eTLS.Server(srv, &eTLS.Config{}))
		}()

		want := i + 1
		if want > 2 {
			want = 2
		}
		require.Eventually(t, func() bool { return p.OpenCount() == want && p.IdleCount() == want }, time.Second, 5*time.Millisecond)
		if i >= 2 {
			select {
			case <-dones[i-2]:
			case <-time.After(time.Second):
				t.Fatalf("handshake %d was not evicted", i-2)
			}
		}
		assert.LessOrEqual(t, p.OpenCount(), 2)
	}

	for _, c := range clients {
		c.Close()
	}
	for _, done := range dones {
		<-done
	}
	assert.Equal(t, 0, p.OpenCount())
}

func TestServer_ServeUDP(t *testing.T) {
	s, _ := newTestServer(t, 100, 4)
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	go s.ServeUDP(pc)

	c, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))

	tests := []struct {
		name      string
		edns      uint16
		truncated bool
	}{
		{"no edns0", 0, true},
		{"edns0 4096", 4096, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newQuery("big.example.", uint16(100+i))
			if tt.edns > 0 {
				q.SetEdns0(tt.edns, false)
			}
			_, err := dnsutils.WriteMsgToUDP(c, q)
			require.NoError(t, err)

			b := make([]byte, 65535)
			n, err := c.Read(b)
			require.NoError(t, err)
			r := new(dns.Msg)
			require.NoError(t, r.Unpack(b[:n]))
			assert.Equal(t, q.Id, r.Id)
			assert.Equal(t, tt.truncated, r.Truncated)
			if tt.truncated {
				assert.LessOrEqual(t, n, dns.MinMsgSize)
			} else {
				assert.Len(t, r.Answer, 100)
			}
		})
	}
}

func TestServer_missingHandler(t *testing.T) {
	s := NewServer(ServerOpts{})
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, s.ServeTCP(l), errMissingDNSHandler)
}

func TestServer_Close(t *testing.T) {
	s, _ := newTestServer(t, 1, 4)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- s.ServeTCP(l) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", l.Addr().String())
		if err == nil {
			c.Close()
		}
		return err == nil
	}, time.Second, 10*time.Millisecond)
	s.Close()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeTCP did not return")
	}
}
