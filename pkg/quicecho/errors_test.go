// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"

	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

func cryptoError(alert uint8) error {
	return &quic.TransportError{ErrorCode: quic.TransportErrorCode(0x100 + uint64(alert))}
}

func TestClassifyHandshakeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want HandshakeReason
	}{
		{"no application protocol", cryptoError(internal.AlertNoApplicationProtocol), ProtocolMismatch},
		{"bad certificate", cryptoError(internal.AlertBadCertificate), CertificateRejected},
		{"unknown ca", cryptoError(internal.AlertUnknownCA), CertificateRejected},
		{"expired", cryptoError(internal.AlertCertificateExpired), CertificateRejected},
		{"other alert", cryptoError(40), HandshakeFailed},
		{"non crypto transport error", &quic.TransportError{ErrorCode: quic.ProtocolViolation}, HandshakeFailed},
		{"policy rejection", fmt.Errorf("wrapped: %w", &certpolicy.RejectedError{Reason: "test"}), CertificateRejected},
		{"handshake timeout", &quic.HandshakeTimeoutError{}, HandshakeTimeout},
		{"idle timeout", &quic.IdleTimeoutError{}, HandshakeTimeout},
		{"deadline", context.DeadlineExceeded, HandshakeTimeout},
		{"other", errors.New("something"), HandshakeFailed},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.want, classifyHandshakeError(test.err))
		})
	}
}

func TestHandshakeErrorIs(t *testing.T) {
	err := fmt.Errorf("dial: %w", newHandshakeError("127.0.0.1:1", cryptoError(internal.AlertNoApplicationProtocol)))
	require.ErrorIs(t, err, ErrProtocolMismatch)
	require.NotErrorIs(t, err, ErrCertificateRejected)

	err = newHandshakeError("127.0.0.1:1", cryptoError(internal.AlertBadCertificate))
	require.ErrorIs(t, err, ErrCertificateRejected)
	require.NotErrorIs(t, err, ErrProtocolMismatch)
}

func TestConnectionErrorIsClosed(t *testing.T) {
	err := &ConnectionError{Remote: "127.0.0.1:1", Cause: &quic.IdleTimeoutError{}}
	require.ErrorIs(t, err, ErrConnectionClosed)

	var idle *quic.IdleTimeoutError
	require.ErrorAs(t, err, &idle)
}

func TestDescribeCloseReason(t *testing.T) {
	require.Equal(t, "closed", describeCloseReason(nil))
	require.Equal(t, "idle timeout", describeCloseReason(&ConnectionError{Cause: &quic.IdleTimeoutError{}}))
	require.Equal(t, "closed by peer (code 5)",
		describeCloseReason(&quic.ApplicationError{Remote: true, ErrorCode: internal.ApplicationShutdown}))
	require.Equal(t, "closed locally (code 0)",
		describeCloseReason(&quic.ApplicationError{ErrorCode: internal.NoError}))
}

func TestEchoMismatchError(t *testing.T) {
	err := &EchoMismatchError{Sent: []byte("ping"), Received: []byte("pong")}
	require.Contains(t, err.Error(), `"ping"`)
	require.Contains(t, err.Error(), `"pong"`)
}
