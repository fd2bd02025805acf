// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"fmt"
	"net"
	"net/netip"
)

const unknownRoute = "unknown"

// Route is the local side the operating system would use to reach a remote address.
// It is purely diagnostic; fields which could not be determined are "unknown".
type Route struct {
	Remote    netip.Addr
	Source    string
	Interface string
}

func (route Route) String() string {
	return fmt.Sprintf("remote=%v src=%s iface=%s", route.Remote, route.Source, route.Interface)
}

// ProbeRoute asks the operating system for the route towards remote. It never fails.
func ProbeRoute(remote netip.Addr) Route {
	route := Route{Remote: remote, Source: unknownRoute, Interface: unknownRoute}
	probeSystemRoute(&route)

	if route.Source == unknownRoute || route.Interface == unknownRoute {
		probeConnectedRoute(&route)
	}
	return route
}

// probeConnectedRoute lets the kernel pick a source address by connecting a UDP
// socket, which sends no packet, and looks up the interface owning it.
func probeConnectedRoute(route *Route) {
	conn, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(netip.AddrPortFrom(route.Remote, 9)))
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	source := conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap()
	if route.Source == unknownRoute {
		route.Source = source.String()
	}

	if route.Interface != unknownRoute {
		return
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if prefix, ok := addr.(*net.IPNet); ok && prefix.IP.Equal(source.AsSlice()) {
				route.Interface = iface.Name
				return
			}
		}
	}
}
