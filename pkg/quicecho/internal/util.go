// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// GenerateListenerTLSConfig generates the server side TLS config presenting cert.
// Clients are not authenticated.
func GenerateListenerTLSConfig(cert tls.Certificate, alpn string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

// GenerateDialerTLSConfig generates a bare-bones TLS config for the dialer.
// Certificate verification is left to the caller, which has to install a policy.
func GenerateDialerTLSConfig(serverName, alpn string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		NextProtos: []string{alpn},
		MinVersion: tls.VersionTLS13,
	}
}

// GenerateQUICConfig returns a datagram enabled QUIC config.
func GenerateQUICConfig(maxIdleTimeout, keepAlivePeriod, handshakeIdleTimeout time.Duration, maxIncomingStreams int64) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: handshakeIdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
		MaxIdleTimeout:       maxIdleTimeout,
		EnableDatagrams:      true,
		MaxIncomingStreams:   maxIncomingStreams,
	}
}
