// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

//go:build !linux

package quicecho

// probeSystemRoute has no native implementation here; ProbeRoute falls back to a
// connected UDP socket.
func probeSystemRoute(*Route) {}
