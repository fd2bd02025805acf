// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

const (
	// DefaultTimeout bounds the wait for an echo.
	DefaultTimeout = 5 * time.Second
	// DefaultMaxResponseSize limits the bytes read back from a stream.
	DefaultMaxResponseSize = 64 * 1024
)

// ProbePayload is sent by Ping.
var ProbePayload = []byte("ping")

// Mode selects the channel type of a round trip.
type Mode int

const (
	ModeStream Mode = iota
	ModeDatagram
)

func (mode Mode) String() string {
	switch mode {
	case ModeStream:
		return "stream"
	case ModeDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("Mode(%d)", int(mode))
	}
}

// ParseMode parses "stream" or "datagram".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "stream":
		return ModeStream, nil
	case "datagram", "dgram":
		return ModeDatagram, nil
	default:
		return 0, fmt.Errorf("unknown mode %q, expected stream or datagram", s)
	}
}

// ClientConfig configures a client Session.
type ClientConfig struct {
	Host string
	Port int

	// Policy validates the server's certificate. A nil Policy selects certpolicy.Strict
	// with the system roots; accepting everything has to be requested explicitly.
	Policy certpolicy.Policy
	// ALPN defaults to DefaultALPN.
	ALPN string

	// Timeout bounds each RoundTrip's wait for the echo, defaults to DefaultTimeout.
	Timeout time.Duration
	// MaxResponseSize defaults to DefaultMaxResponseSize.
	MaxResponseSize int

	Transport TransportOptions
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Policy == nil {
		cfg.Policy = certpolicy.Strict(nil)
	}
	if cfg.ALPN == "" {
		cfg.ALPN = DefaultALPN
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxResponseSize <= 0 {
		cfg.MaxResponseSize = DefaultMaxResponseSize
	}
	return cfg
}

// Session is one client connection to an echo server.
type Session struct {
	endpoint *Endpoint
	conn     quic.Connection
	remote   netip.AddrPort

	timeout         time.Duration
	maxResponseSize int

	// datagramMutex pairs each sent datagram with the next received one.
	datagramMutex sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Resolve looks up host and returns its first address combined with port.
func Resolve(ctx context.Context, host string, port int) (netip.AddrPort, error) {
	if port <= 0 || port > 65535 {
		return netip.AddrPort{}, &ResolutionError{Host: host, Cause: fmt.Errorf("invalid port %d", port)}
	}

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, &ResolutionError{Host: host, Cause: err}
	}
	if len(addrs) == 0 {
		return netip.AddrPort{}, &ResolutionError{Host: host, Cause: errNoAddress}
	}

	return netip.AddrPortFrom(addrs[0].Unmap(), uint16(port)), nil
}

// Dial resolves cfg's target and connects to it.
func Dial(ctx context.Context, cfg ClientConfig) (*Session, error) {
	remote, err := Resolve(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	return DialAddr(ctx, cfg, remote)
}

// DialAddr binds an ephemeral local Endpoint and connects to the already resolved remote.
// cfg.Host is still used as the name the server certificate is checked against.
func DialAddr(ctx context.Context, cfg ClientConfig, remote netip.AddrPort) (*Session, error) {
	cfg = cfg.withDefaults()

	localAddress := "0.0.0.0:0"
	if remote.Addr().Is6() {
		localAddress = "[::]:0"
	}

	serverName := cfg.Host
	if serverName == "" {
		serverName = remote.Addr().String()
	}

	endpoint, err := Bind(localAddress, ClientTLSConfig(cfg.Policy, serverName, cfg.ALPN), cfg.Transport)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"remote": remote,
		"local":  endpoint.LocalAddr(),
		"policy": cfg.Policy.Name(),
	}).Debug("Connecting to QUIC echo server")

	conn, err := endpoint.Dial(ctx, net.UDPAddrFromAddrPort(remote))
	if err != nil {
		_ = endpoint.Close()
		return nil, err
	}

	if proto := conn.ConnectionState().TLS.NegotiatedProtocol; proto != cfg.ALPN {
		_ = conn.CloseWithError(internal.LocalError, "application protocol mismatch")
		_ = endpoint.Close()
		return nil, &HandshakeError{
			Remote: remote.String(),
			Reason: ProtocolMismatch,
			Cause:  fmt.Errorf("negotiated %q instead of %q", proto, cfg.ALPN),
		}
	}

	return &Session{
		endpoint:        endpoint,
		conn:            conn,
		remote:          remote,
		timeout:         cfg.Timeout,
		maxResponseSize: cfg.MaxResponseSize,
	}, nil
}

func (session *Session) String() string {
	return fmt.Sprintf("Session{Remote: %v, Local: %v}", session.remote, session.LocalAddr())
}

// NegotiatedProtocol is the ALPN identifier agreed upon during the handshake.
func (session *Session) NegotiatedProtocol() string {
	return session.conn.ConnectionState().TLS.NegotiatedProtocol
}

func (session *Session) RemoteAddr() netip.AddrPort {
	return session.remote
}

func (session *Session) LocalAddr() net.Addr {
	return session.endpoint.LocalAddr()
}

// RoundTrip sends payload through the channel selected by mode and returns the echo.
// The wait is bounded by the session's timeout; exceeding it yields a *TimeoutError
// and abandons the session, so a late echo is never taken for a later answer.
// Stream round trips may run concurrently, datagram round trips are serialized.
func (session *Session) RoundTrip(ctx context.Context, mode Mode, payload []byte) ([]byte, error) {
	if err := session.closedError(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, session.timeout)
	defer cancel()

	var (
		response []byte
		err      error
	)
	switch mode {
	case ModeStream:
		response, err = session.roundTripStream(ctx, payload)
	case ModeDatagram:
		response, err = session.roundTripDatagram(ctx, payload)
	default:
		return nil, fmt.Errorf("unsupported mode %v", mode)
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		session.abandon(timeoutErr)
	}
	return response, err
}

// abandon closes the connection after a missed deadline. The Endpoint is still
// released by Close.
func (session *Session) abandon(cause error) {
	log.WithFields(log.Fields{
		"remote": session.remote,
		"error":  cause,
	}).Debug("Abandoning session")

	_ = session.conn.CloseWithError(internal.ResponseTimeout, "response deadline exceeded")
}

func (session *Session) roundTripStream(ctx context.Context, payload []byte) ([]byte, error) {
	stream, err := session.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, session.wrapError(ctx, "opening stream", err)
	}

	// Unblocks Read and Write once the deadline passed or ctx was cancelled.
	stop := context.AfterFunc(ctx, func() { abandonStream(stream) })

	// Writing concurrently keeps both flow control windows moving for large payloads.
	writeErr := make(chan error, 1)
	go func() {
		if _, err := stream.Write(payload); err != nil {
			writeErr <- &StreamError{StreamID: stream.StreamID(), Op: "write", Cause: err}
			return
		}
		if err := stream.Close(); err != nil {
			writeErr <- &StreamError{StreamID: stream.StreamID(), Op: "finish", Cause: err}
			return
		}
		writeErr <- nil
	}()

	response, err := io.ReadAll(io.LimitReader(stream, int64(session.maxResponseSize)+1))
	if err != nil {
		abandonStream(stream)
		return nil, session.wrapError(ctx, "reading stream echo", &StreamError{StreamID: stream.StreamID(), Op: "read", Cause: err})
	}
	if len(response) > session.maxResponseSize {
		abandonStream(stream)
		return nil, &StreamError{
			StreamID: stream.StreamID(),
			Op:       "read",
			Cause:    fmt.Errorf("response exceeds %d bytes", session.maxResponseSize),
		}
	}

	if err := <-writeErr; err != nil {
		abandonStream(stream)
		return nil, session.wrapError(ctx, "writing stream", err)
	}

	stop()
	return response, nil
}

func abandonStream(stream quic.Stream) {
	stream.CancelRead(internal.StreamAbandoned)
	stream.CancelWrite(internal.StreamAbandoned)
}

func (session *Session) roundTripDatagram(ctx context.Context, payload []byte) ([]byte, error) {
	if !session.conn.ConnectionState().SupportsDatagrams {
		return nil, errors.New("server does not support datagrams")
	}

	session.datagramMutex.Lock()
	defer session.datagramMutex.Unlock()

	if err := sendDatagram(session.conn, payload); err != nil {
		return nil, session.wrapError(ctx, "sending datagram", err)
	}

	response, err := session.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, session.wrapError(ctx, "receiving datagram echo", err)
	}
	return response, nil
}

// wrapError turns an expired ctx into a *TimeoutError and a closed connection into a
// *ConnectionError. Other errors are returned as they are.
func (session *Session) wrapError(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Op: op, Timeout: session.timeout, Cause: err}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
	if closedErr := session.closedError(); closedErr != nil {
		return closedErr
	}
	return err
}

func (session *Session) closedError() error {
	if session.conn.Context().Err() == nil {
		return nil
	}

	cause := context.Cause(session.conn.Context())
	if cause == nil || errors.Is(cause, context.Canceled) {
		cause = ErrConnectionClosed
	}
	return &ConnectionError{Remote: session.remote.String(), Cause: cause}
}

// Close closes the connection and releases the local Endpoint.
func (session *Session) Close() error {
	session.closeOnce.Do(func() {
		var errs error
		if err := session.conn.CloseWithError(internal.NoError, ""); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := session.endpoint.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		session.closeErr = errs
	})
	return session.closeErr
}

// PingResult describes a successful Ping.
type PingResult struct {
	Mode     Mode
	Remote   netip.AddrPort
	Local    net.Addr
	ALPN     string
	Response []byte
	RTT      time.Duration
}

// Ping connects, sends ProbePayload once through mode and verifies the echo. The
// session is closed afterwards; there is no retry.
func Ping(ctx context.Context, cfg ClientConfig, mode Mode) (*PingResult, error) {
	remote, err := Resolve(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	return PingAddr(ctx, cfg, remote, mode)
}

// PingAddr is Ping for an already resolved remote.
func PingAddr(ctx context.Context, cfg ClientConfig, remote netip.AddrPort, mode Mode) (*PingResult, error) {
	session, err := DialAddr(ctx, cfg, remote)
	if err != nil {
		return nil, err
	}
	defer func() { _ = session.Close() }()

	return session.Ping(ctx, mode)
}

// Ping sends ProbePayload once through mode and verifies the echo.
func (session *Session) Ping(ctx context.Context, mode Mode) (*PingResult, error) {
	start := time.Now()
	response, err := session.RoundTrip(ctx, mode, ProbePayload)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(response, ProbePayload) {
		return nil, &EchoMismatchError{Sent: ProbePayload, Received: response}
	}

	return &PingResult{
		Mode:     mode,
		Remote:   session.RemoteAddr(),
		Local:    session.LocalAddr(),
		ALPN:     session.NegotiatedProtocol(),
		Response: response,
		RTT:      time.Since(start),
	}, nil
}
