// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

var (
	// ErrProtocolMismatch is matched by handshake errors caused by diverging ALPN identifiers.
	ErrProtocolMismatch = errors.New("application protocol mismatch")
	// ErrCertificateRejected is matched by handshake errors caused by certificate validation.
	ErrCertificateRejected = errors.New("certificate rejected")
	// ErrConnectionClosed is matched by every ConnectionError.
	ErrConnectionClosed = errors.New("connection closed")

	errNoAddress = errors.New("no address found")
)

// BindError reports that an Endpoint could not be created. It is fatal for the
// process owning the Endpoint.
type BindError struct {
	Address string
	Cause   error
}

func (err *BindError) Error() string {
	return fmt.Sprintf("binding %s: %v", err.Address, err.Cause)
}

func (err *BindError) Unwrap() error {
	return err.Cause
}

// HandshakeReason classifies a failed handshake.
type HandshakeReason int

const (
	HandshakeFailed HandshakeReason = iota
	ProtocolMismatch
	CertificateRejected
	HandshakeTimeout
)

func (reason HandshakeReason) String() string {
	switch reason {
	case ProtocolMismatch:
		return "protocol mismatch"
	case CertificateRejected:
		return "certificate rejected"
	case HandshakeTimeout:
		return "timeout"
	default:
		return "handshake failed"
	}
}

// HandshakeError is a failed connection attempt. It only affects this attempt.
type HandshakeError struct {
	Remote string
	Reason HandshakeReason
	Cause  error
}

func newHandshakeError(remote string, cause error) *HandshakeError {
	return &HandshakeError{
		Remote: remote,
		Reason: classifyHandshakeError(cause),
		Cause:  cause,
	}
}

func (err *HandshakeError) Error() string {
	return fmt.Sprintf("handshake with %s failed (%v): %v", err.Remote, err.Reason, err.Cause)
}

func (err *HandshakeError) Unwrap() error {
	return err.Cause
}

func (err *HandshakeError) Is(target error) bool {
	switch target {
	case ErrProtocolMismatch:
		return err.Reason == ProtocolMismatch
	case ErrCertificateRejected:
		return err.Reason == CertificateRejected
	default:
		return false
	}
}

// Timeout makes a HandshakeError usable as net.Error.
func (err *HandshakeError) Timeout() bool {
	return err.Reason == HandshakeTimeout
}

// ConnectionError reports the loss of an established connection, e.g., by an idle
// timeout, a peer reset or because it was used after being closed.
type ConnectionError struct {
	Remote string
	Cause  error
}

func (err *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s: %v", err.Remote, err.Cause)
}

func (err *ConnectionError) Unwrap() error {
	return err.Cause
}

func (err *ConnectionError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// StreamError is a failure confined to a single stream.
type StreamError struct {
	StreamID quic.StreamID
	Op       string
	Cause    error
}

func (err *StreamError) Error() string {
	return fmt.Sprintf("stream %d: %s: %v", err.StreamID, err.Op, err.Cause)
}

func (err *StreamError) Unwrap() error {
	return err.Cause
}

// DatagramSendError is a datagram which could not be sent. Transient errors leave the
// connection usable; the datagram is simply lost.
type DatagramSendError struct {
	Transient bool
	Cause     error
}

func (err *DatagramSendError) Error() string {
	if err.Transient {
		return fmt.Sprintf("datagram dropped: %v", err.Cause)
	}
	return fmt.Sprintf("datagram send on closed connection: %v", err.Cause)
}

func (err *DatagramSendError) Unwrap() error {
	return err.Cause
}

// ResolutionError reports that a target host yielded no usable address.
type ResolutionError struct {
	Host  string
	Cause error
}

func (err *ResolutionError) Error() string {
	return fmt.Sprintf("resolving %s: %v", err.Host, err.Cause)
}

func (err *ResolutionError) Unwrap() error {
	return err.Cause
}

// TimeoutError reports that no response arrived within the session's deadline.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Cause   error
}

func (err *TimeoutError) Error() string {
	return fmt.Sprintf("%s: no response within %v", err.Op, err.Timeout)
}

func (err *TimeoutError) Unwrap() error {
	return err.Cause
}

// EchoMismatchError is returned when the echoed bytes differ from the sent ones.
type EchoMismatchError struct {
	Sent     []byte
	Received []byte
}

func (err *EchoMismatchError) Error() string {
	return fmt.Sprintf("echo mismatch: sent %d bytes %q, received %d bytes %q",
		len(err.Sent), truncate(err.Sent), len(err.Received), truncate(err.Received))
}

func truncate(data []byte) []byte {
	const limit = 32
	if len(data) > limit {
		return data[:limit]
	}
	return data
}

func classifyHandshakeError(err error) HandshakeReason {
	var (
		transportErr     *quic.TransportError
		handshakeTimeout *quic.HandshakeTimeoutError
		idleTimeout      *quic.IdleTimeoutError
		netErr           net.Error
	)

	switch {
	case errors.As(err, &transportErr):
		alert, ok := internal.TLSAlert(transportErr.ErrorCode)
		switch {
		case ok && alert == internal.AlertNoApplicationProtocol:
			return ProtocolMismatch
		case ok && internal.IsCertificateAlert(alert):
			return CertificateRejected
		}
		return HandshakeFailed

	case errors.Is(err, certpolicy.ErrRejected):
		return CertificateRejected

	case errors.As(err, &handshakeTimeout), errors.As(err, &idleTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return HandshakeTimeout

	case errors.As(err, &netErr) && netErr.Timeout():
		return HandshakeTimeout

	default:
		return HandshakeFailed
	}
}

// describeCloseReason renders why an established connection ended, for logging.
func describeCloseReason(err error) string {
	var (
		appErr       *quic.ApplicationError
		idleTimeout  *quic.IdleTimeoutError
		resetErr     *quic.StatelessResetError
		transportErr *quic.TransportError
	)

	switch {
	case err == nil:
		return "closed"
	case errors.As(err, &appErr):
		if appErr.Remote {
			return fmt.Sprintf("closed by peer (code %d)", appErr.ErrorCode)
		}
		return fmt.Sprintf("closed locally (code %d)", appErr.ErrorCode)
	case errors.As(err, &idleTimeout):
		return "idle timeout"
	case errors.As(err, &resetErr):
		return "stateless reset"
	case errors.As(err, &transportErr):
		return fmt.Sprintf("transport error %v", transportErr.ErrorCode)
	default:
		return err.Error()
	}
}
