/*
 * Copyright (C) 2020-2025, pmkol
 *
 * This file is part of tsein.
 *
 * tsein is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * tsein is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package utils

import (
	"net"
	"net/netip"
	"time"
)

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// SetDefaultNum sets *p to d if *p <= 0.
func SetDefaultNum[T number](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SecToDuration converts a config value in seconds to time.Duration.
func SecToDuration[T ~int | ~uint | ~uint32](s T) time.Duration {
	return time.Duration(s) * time.Second
}

// GetAddrFromAddr returns the ip of addr. It returns an invalid netip.Addr
// if addr is not a tcp/udp/ip addr.
func GetAddrFromAddr(addr net.Addr) netip.Addr {
	switch v := addr.(type) {
	case *net.TCPAddr:
		a, _ := netip.AddrFromSlice(v.IP)
		return a.Unmap()
	case *net.UDPAddr:
		a, _ := netip.AddrFromSlice(v.IP)
		return a.Unmap()
	case *net.IPAddr:
		a, _ := netip.AddrFromSlice(v.IP)
		return a.Unmap()
	case nil:
		return netip.Addr{}
	default:
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return netip.Addr{}
		}
		return ap.Addr().Unmap()
	}
}
