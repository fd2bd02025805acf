// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package internal

import "github.com/quic-go/quic-go"

const (
	// NoError closes a connection after a successful exchange.
	NoError quic.ApplicationErrorCode = 0
	// UnknownError is the catchall for everything not listed below.
	UnknownError quic.ApplicationErrorCode = 1
	// LocalError designates errors that happen on this machine.
	LocalError quic.ApplicationErrorCode = 2
	// ResponseTimeout abandons a client connection whose echo did not arrive in time.
	ResponseTimeout quic.ApplicationErrorCode = 3
	// ApplicationShutdown is sent to every peer when the server is shut down.
	ApplicationShutdown quic.ApplicationErrorCode = 5

	// StreamEchoError aborts a stream whose echo could not be completed.
	StreamEchoError quic.StreamErrorCode = 2
	// StreamAbandoned aborts a client stream after the response deadline passed.
	StreamAbandoned quic.StreamErrorCode = 3
)

// TLS alerts as carried in QUIC CRYPTO_ERROR codes, RFC 9001 section 4.8.
const (
	cryptoErrorBase quic.TransportErrorCode = 0x100

	AlertBadCertificate         uint8 = 42
	AlertUnsupportedCertificate uint8 = 43
	AlertCertificateRevoked     uint8 = 44
	AlertCertificateExpired     uint8 = 45
	AlertCertificateUnknown     uint8 = 46
	AlertUnknownCA              uint8 = 48
	AlertNoApplicationProtocol  uint8 = 120
)

// TLSAlert extracts the TLS alert from a CRYPTO_ERROR transport error code.
func TLSAlert(code quic.TransportErrorCode) (alert uint8, ok bool) {
	if !code.IsCryptoError() {
		return 0, false
	}
	return uint8(code - cryptoErrorBase), true
}

// IsCertificateAlert reports whether a TLS alert signals a rejected certificate.
func IsCertificateAlert(alert uint8) bool {
	switch alert {
	case AlertBadCertificate, AlertUnsupportedCertificate, AlertCertificateRevoked,
		AlertCertificateExpired, AlertCertificateUnknown, AlertUnknownCA:
		return true
	default:
		return false
	}
}
