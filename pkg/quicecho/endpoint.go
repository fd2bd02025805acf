// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

const (
	// DefaultALPN is the application protocol identifier both peers must agree on.
	DefaultALPN = "freven-quic-test"
	// DefaultPort is the server's default UDP port.
	DefaultPort = 12806

	DefaultDatagramReceiveBuffer = 64 * 1024
	DefaultDatagramSendBuffer    = 2 * 1024 * 1024
)

// TransportOptions tunes the QUIC transport of an Endpoint.
type TransportOptions struct {
	// DatagramReceiveBuffer bounds the bytes of received datagrams waiting to be echoed.
	// Datagrams exceeding it are dropped.
	DatagramReceiveBuffer int
	// DatagramSendBuffer is requested as the socket's send buffer. The QUIC stack may
	// enlarge it further.
	DatagramSendBuffer int

	MaxIdleTimeout       time.Duration
	KeepAlivePeriod      time.Duration
	HandshakeIdleTimeout time.Duration
	MaxIncomingStreams   int64
}

// DefaultTransportOptions returns the reference transport parameters.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		DatagramReceiveBuffer: DefaultDatagramReceiveBuffer,
		DatagramSendBuffer:    DefaultDatagramSendBuffer,
		MaxIdleTimeout:        30 * time.Second,
		KeepAlivePeriod:       0,
		HandshakeIdleTimeout:  5 * time.Second,
		MaxIncomingStreams:    2048,
	}
}

// withDefaults replaces unset values by the defaults.
func (opts TransportOptions) withDefaults() TransportOptions {
	defaults := DefaultTransportOptions()
	if opts.DatagramReceiveBuffer <= 0 {
		opts.DatagramReceiveBuffer = defaults.DatagramReceiveBuffer
	}
	if opts.DatagramSendBuffer <= 0 {
		opts.DatagramSendBuffer = defaults.DatagramSendBuffer
	}
	if opts.MaxIdleTimeout <= 0 {
		opts.MaxIdleTimeout = defaults.MaxIdleTimeout
	}
	if opts.HandshakeIdleTimeout <= 0 {
		opts.HandshakeIdleTimeout = defaults.HandshakeIdleTimeout
	}
	if opts.MaxIncomingStreams <= 0 {
		opts.MaxIncomingStreams = defaults.MaxIncomingStreams
	}
	return opts
}

// ServerTLSConfig creates the listener's TLS config, presenting cert and offering alpn.
func ServerTLSConfig(cert tls.Certificate, alpn string) *tls.Config {
	return internal.GenerateListenerTLSConfig(cert, alpn)
}

// ClientTLSConfig creates a dialer TLS config whose server certificate check is
// performed by policy.
func ClientTLSConfig(policy certpolicy.Policy, serverName, alpn string) *tls.Config {
	cfg := internal.GenerateDialerTLSConfig(serverName, alpn)
	policy.Apply(cfg, serverName)
	return cfg
}

// Endpoint is a bound UDP socket plus the security configuration connections are
// accepted or initiated with. Many connections share one Endpoint.
type Endpoint struct {
	address   string
	conn      *net.UDPConn
	transport *quic.Transport
	tlsConf   *tls.Config
	quicConf  *quic.Config
	opts      TransportOptions

	closeOnce sync.Once
	closeErr  error
}

// Bind opens an Endpoint on localAddress. The TLS config must name exactly one
// application protocol.
func Bind(localAddress string, tlsConf *tls.Config, opts TransportOptions) (*Endpoint, error) {
	if tlsConf == nil {
		return nil, &BindError{Address: localAddress, Cause: errors.New("no TLS configuration")}
	}
	if len(tlsConf.NextProtos) != 1 || tlsConf.NextProtos[0] == "" {
		return nil, &BindError{Address: localAddress, Cause: fmt.Errorf("expected exactly one application protocol, got %q", tlsConf.NextProtos)}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", localAddress)
	if err != nil {
		return nil, &BindError{Address: localAddress, Cause: err}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, &BindError{Address: localAddress, Cause: err}
	}

	opts = opts.withDefaults()
	if err := conn.SetWriteBuffer(opts.DatagramSendBuffer); err != nil {
		log.WithFields(log.Fields{
			"address": localAddress,
			"size":    opts.DatagramSendBuffer,
			"error":   err,
		}).Warn("Failed to set socket send buffer")
	}

	endpoint := &Endpoint{
		address:   conn.LocalAddr().String(),
		conn:      conn,
		transport: &quic.Transport{Conn: conn},
		tlsConf:   tlsConf,
		quicConf: internal.GenerateQUICConfig(
			opts.MaxIdleTimeout, opts.KeepAlivePeriod, opts.HandshakeIdleTimeout, opts.MaxIncomingStreams),
		opts: opts,
	}

	log.WithFields(log.Fields{
		"address": endpoint.address,
		"alpn":    endpoint.ALPN(),
	}).Debug("Bound QUIC endpoint")

	return endpoint, nil
}

func (endpoint *Endpoint) String() string {
	return fmt.Sprintf("Endpoint{Address: %v, ALPN: %v}", endpoint.address, endpoint.ALPN())
}

// LocalAddr is the socket's bound address, including an assigned ephemeral port.
func (endpoint *Endpoint) LocalAddr() net.Addr {
	return endpoint.conn.LocalAddr()
}

// ALPN is the configured application protocol identifier.
func (endpoint *Endpoint) ALPN() string {
	return endpoint.tlsConf.NextProtos[0]
}

// Listen starts accepting connections on this Endpoint.
func (endpoint *Endpoint) Listen() (*quic.Listener, error) {
	if len(endpoint.tlsConf.Certificates) == 0 && endpoint.tlsConf.GetCertificate == nil {
		return nil, &BindError{Address: endpoint.address, Cause: errors.New("no server certificate")}
	}

	listener, err := endpoint.transport.Listen(endpoint.tlsConf, endpoint.quicConf)
	if err != nil {
		return nil, &BindError{Address: endpoint.address, Cause: err}
	}
	return listener, nil
}

// Dial connects to remote. Failures are returned as *HandshakeError.
func (endpoint *Endpoint) Dial(ctx context.Context, remote net.Addr) (quic.Connection, error) {
	conn, err := endpoint.transport.Dial(ctx, remote, endpoint.tlsConf, endpoint.quicConf)
	if err != nil {
		return nil, newHandshakeError(remote.String(), err)
	}
	return conn, nil
}

// Close closes all connections of this Endpoint and releases its socket.
func (endpoint *Endpoint) Close() error {
	endpoint.closeOnce.Do(func() {
		var errs error
		if err := endpoint.transport.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := endpoint.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierror.Append(errs, err)
		}
		endpoint.closeErr = errs

		log.WithField("address", endpoint.address).Debug("Closed QUIC endpoint")
	})
	return endpoint.closeErr
}
