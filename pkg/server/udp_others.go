//go:build !linux

package server

import "net"

func newCmc(c *net.UDPConn) (cmcUDPConn, error) {
	return newDummyCmc(c), nil
}
