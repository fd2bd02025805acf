// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package quicecho

import (
	"net"

	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

// probeSystemRoute performs the equivalent of `ip route get` via rtnetlink.
func probeSystemRoute(route *Route) {
	routes, err := netlink.RouteGet(net.IP(route.Remote.AsSlice()))
	if err != nil || len(routes) == 0 {
		log.WithFields(log.Fields{
			"remote": route.Remote,
			"error":  err,
		}).Debug("Route lookup via netlink failed")
		return
	}

	if src := routes[0].Src; src != nil {
		route.Source = src.String()
	}

	if link, err := netlink.LinkByIndex(routes[0].LinkIndex); err == nil {
		route.Interface = link.Attrs().Name
	}
}
