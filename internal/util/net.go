// Copyright 2025 The Tiller Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"net"
	"net/netip"
	"strings"
)

// InsecureEndpoint reports whether dialing a debugging endpoint with
// the given URL scheme and host (host or host:port) would send
// protocol traffic in cleartext off the local machine. Debugging
// endpoints normally live on loopback; wss is encrypted wherever it
// goes, and ws is fine as long as the peer is local. A hostname other
// than localhost is treated as remote: it resolves wherever DNS says.
func InsecureEndpoint(scheme, host string) bool {
	if !strings.EqualFold(scheme, "ws") {
		return false
	}
	h, _, err := net.SplitHostPort(host)
	if err != nil {
		// No port, or not splittable; treat the whole thing as a host.
		h = strings.Trim(host, "[]")
	}
	if strings.EqualFold(h, "localhost") {
		return false
	}
	ip, err := netip.ParseAddr(h)
	if err != nil {
		return true
	}
	return !ip.IsLoopback()
}
