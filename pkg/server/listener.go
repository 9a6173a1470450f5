package server

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

const proxyHeaderTimeout = 5 * time.Second

// WithProxyProtocol makes l read a PROXY protocol header from every
// accepted connection. The client address of a query is then the one
// carried by the header.
func WithProxyProtocol(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: proxyHeaderTimeout,
	}
}
