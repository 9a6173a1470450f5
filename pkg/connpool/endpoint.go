package connpool

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Transport is the stream transport used to reach an Endpoint.
type Transport uint8

const (
	TransportTCP Transport = iota
	TransportTLS
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportTLS:
		return "tls"
	default:
		return "unknown"
	}
}

func (t Transport) defaultPort() string {
	if t == TransportTLS {
		return "853"
	}
	return "53"
}

// Endpoint identifies a remote server. Connections are shared per Endpoint.
type Endpoint struct {
	// Addr is host:port.
	Addr      string
	Transport Transport
	// ServerName is used for TLS verification and SNI.
	ServerName string
}

func (e Endpoint) String() string {
	return e.Transport.String() + "://" + e.Addr
}

// ParseEndpoint parses "[tcp|tls]://host[:port]" or a bare "host[:port]"
// which means tcp. For tls, a non-IP host also becomes the server name.
func ParseEndpoint(s string) (Endpoint, error) {
	var e Endpoint
	addr := s
	if scheme, rest, ok := strings.Cut(s, "://"); ok {
		switch strings.ToLower(scheme) {
		case "tcp":
			e.Transport = TransportTCP
		case "tls":
			e.Transport = TransportTLS
		default:
			return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", scheme)
		}
		addr = rest
	}
	if len(addr) == 0 {
		return Endpoint{}, fmt.Errorf("empty endpoint address in %q", s)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = strings.Trim(addr, "[]")
		port = e.Transport.defaultPort()
	}
	if len(host) == 0 {
		return Endpoint{}, fmt.Errorf("empty endpoint host in %q", s)
	}
	e.Addr = net.JoinHostPort(host, port)
	if e.Transport == TransportTLS {
		if _, err := netip.ParseAddr(host); err != nil {
			e.ServerName = host
		}
	}
	return e, nil
}
