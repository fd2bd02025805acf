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
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

// ServerConfig configures an echo Server.
type ServerConfig struct {
	Host        string
	Port        int
	Certificate tls.Certificate
	// ALPN defaults to DefaultALPN.
	ALPN      string
	Transport TransportOptions
}

// Server accepts QUIC connections and echoes every stream and datagram back to its peer.
type Server struct {
	listenAddress string
	endpoint      *Endpoint
	listener      *quic.Listener
	opts          TransportOptions

	connections sync.Map
	handlers    sync.WaitGroup

	// stateMutex orders handler registration against Close.
	stateMutex sync.Mutex
	closed     bool

	handshakeFailures atomic.Uint64
	droppedDatagrams  atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the Server's Endpoint. A returned error is a *BindError.
func Listen(cfg ServerConfig) (*Server, error) {
	if cfg.ALPN == "" {
		cfg.ALPN = DefaultALPN
	}

	listenAddress := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	if len(cfg.Certificate.Certificate) == 0 {
		return nil, &BindError{Address: listenAddress, Cause: errors.New("no server certificate")}
	}

	endpoint, err := Bind(listenAddress, ServerTLSConfig(cfg.Certificate, cfg.ALPN), cfg.Transport)
	if err != nil {
		return nil, err
	}

	server := &Server{
		listenAddress: endpoint.LocalAddr().String(),
		endpoint:      endpoint,
		opts:          endpoint.opts,
	}
	endpoint.quicConf.Tracer = server.traceConnection

	if server.listener, err = endpoint.Listen(); err != nil {
		_ = endpoint.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"address": server.listenAddress,
		"alpn":    cfg.ALPN,
	}).Info("QUIC echo server listening")

	return server, nil
}

func (server *Server) String() string {
	return fmt.Sprintf("QUICEchoServer{Address: %v}", server.listenAddress)
}

// Addr is the address the Server is listening on.
func (server *Server) Addr() net.Addr {
	return server.endpoint.LocalAddr()
}

// HandshakeFailures counts connection attempts which did not complete their handshake.
func (server *Server) HandshakeFailures() uint64 {
	return server.handshakeFailures.Load()
}

// DroppedDatagrams counts datagrams which were received but not echoed, over all
// connections.
func (server *Server) DroppedDatagrams() uint64 {
	return server.droppedDatagrams.Load()
}

// Serve runs the accept loop until ctx is done or the Server is closed, both of which
// return nil. Failed handshakes and broken connections never end the loop.
func (server *Server) Serve(ctx context.Context) error {
	log.WithField("address", server.listenAddress).Info("Accepting QUIC connections")

	for {
		conn, err := server.listener.Accept(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				log.WithField("address", server.listenAddress).Debug("Accept loop cancelled")
				return nil

			case errors.Is(err, quic.ErrServerClosed):
				log.WithField("address", server.listenAddress).Info("Shutting this place down")
				return nil

			default:
				log.WithFields(log.Fields{
					"address": server.listenAddress,
					"error":   err,
				}).Error("Unrecoverable error accepting QUIC connection")
				return fmt.Errorf("accepting on %s: %w", server.listenAddress, err)
			}
		}

		server.stateMutex.Lock()
		if server.closed {
			server.stateMutex.Unlock()
			_ = conn.CloseWithError(internal.ApplicationShutdown, "server shutting down")
			return nil
		}
		server.handlers.Add(1)
		server.stateMutex.Unlock()

		go func() {
			defer server.handlers.Done()
			server.handleConnection(conn)
		}()
	}
}

// Close stops accepting, closes every connection and waits for all handlers to finish.
func (server *Server) Close() error {
	server.closeOnce.Do(func() {
		log.WithField("address", server.listenAddress).Info("Shutting ourselves down")

		server.stateMutex.Lock()
		server.closed = true
		server.stateMutex.Unlock()

		var errs error
		if err := server.listener.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		server.connections.Range(func(_, value any) bool {
			conn := value.(*connection)
			if err := conn.conn.CloseWithError(internal.ApplicationShutdown, "server shutting down"); err != nil {
				errs = multierror.Append(errs, err)
			}
			return true
		})

		if err := server.endpoint.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		server.handlers.Wait()
		server.closeErr = errs
	})
	return server.closeErr
}

// traceConnection reports connection attempts which ended before their handshake
// completed. quic-go never hands those to the accept loop.
func (server *Server) traceConnection(_ context.Context, perspective logging.Perspective, _ quic.ConnectionID) *logging.ConnectionTracer {
	if perspective != logging.PerspectiveServer {
		return nil
	}

	var (
		established atomic.Bool
		remote      atomic.Value
	)

	return &logging.ConnectionTracer{
		StartedConnection: func(_, remoteAddr net.Addr, _, _ logging.ConnectionID) {
			remote.Store(remoteAddr.String())
		},
		DroppedEncryptionLevel: func(level logging.EncryptionLevel) {
			if level == logging.EncryptionHandshake {
				established.Store(true)
			}
		},
		ClosedConnection: func(err error) {
			if established.Load() {
				return
			}

			server.handshakeFailures.Add(1)

			peer, _ := remote.Load().(string)
			herr := newHandshakeError(peer, err)
			log.WithFields(log.Fields{
				"address": server.listenAddress,
				"peer":    peer,
				"reason":  herr.Reason,
				"error":   err,
			}).Warn("Handshake failure")
		},
	}
}
