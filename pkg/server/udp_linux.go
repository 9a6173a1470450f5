//go:build linux

package server

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

type ipv4cmc struct {
	c *ipv4.PacketConn
}

func (i *ipv4cmc) readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error) {
	n, cm, src, err := i.c.ReadFrom(b)
	if cm != nil {
		dst, IfIndex = cm.Dst, cm.IfIndex
	}
	return
}

func (i *ipv4cmc) writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error) {
	cm := &ipv4.ControlMessage{
		Src:     src,
		IfIndex: IfIndex,
	}
	return i.c.WriteTo(b, cm, dst)
}

type ipv6cmc struct {
	c *ipv6.PacketConn
}

func (i *ipv6cmc) readFrom(b []byte) (n int, dst net.IP, IfIndex int, src net.Addr, err error) {
	n, cm, src, err := i.c.ReadFrom(b)
	if cm != nil {
		dst, IfIndex = cm.Dst, cm.IfIndex
	}
	return
}

func (i *ipv6cmc) writeTo(b []byte, src net.IP, IfIndex int, dst net.Addr) (n int, err error) {
	cm := &ipv6.ControlMessage{
		Src:     src,
		IfIndex: IfIndex,
	}
	return i.c.WriteTo(b, cm, dst)
}

// newCmc makes replies leave from the address the query was sent to,
// which matters for sockets bound to a wildcard address.
func newCmc(c *net.UDPConn) (cmcUDPConn, error) {
	if c.LocalAddr().(*net.UDPAddr).IP.To4() != nil {
		p := ipv4.NewPacketConn(c)
		if err := p.SetControlMessage(ipv4.FlagDst|ipv4.FlagInterface, true); err != nil {
			return nil, fmt.Errorf("failed to set ipv4 cmsg flags, %w", err)
		}
		return &ipv4cmc{c: p}, nil
	}
	p := ipv6.NewPacketConn(c)
	if err := p.SetControlMessage(ipv6.FlagDst|ipv6.FlagInterface, true); err != nil {
		return nil, fmt.Errorf("failed to set ipv6 cmsg flags, %w", err)
	}
	return &ipv6cmc{c: p}, nil
}
