// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProbeRouteLoopback(t *testing.T) {
	route := ProbeRoute(netip.MustParseAddr("127.0.0.1"))

	require.Equal(t, netip.MustParseAddr("127.0.0.1"), route.Remote)
	require.Equal(t, "127.0.0.1", route.Source)
	require.NotEmpty(t, route.Interface)
	require.Contains(t, route.String(), "remote=127.0.0.1")
}
