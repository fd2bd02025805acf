// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// connection is one established peer of a Server. Its handlers only share the
// quic.Connection handle, never state of other connections.
type connection struct {
	id     string
	conn   quic.Connection
	opts   TransportOptions
	logger *log.Entry

	droppedDatagrams *atomic.Uint64
}

func newConnection(conn quic.Connection, opts TransportOptions, droppedDatagrams *atomic.Uint64) *connection {
	id := uuid.NewString()
	return &connection{
		id:               id,
		conn:             conn,
		opts:             opts,
		droppedDatagrams: droppedDatagrams,
		logger: log.WithFields(log.Fields{
			"connection": id,
			"peer":       conn.RemoteAddr().String(),
		}),
	}
}

func (c *connection) String() string {
	return fmt.Sprintf("Connection{ID: %v, Peer: %v}", c.id, c.conn.RemoteAddr())
}

// handleConnection runs the datagram echo and the stream accept loop of an established
// connection and returns once the connection is gone.
func (server *Server) handleConnection(conn quic.Connection) {
	c := newConnection(conn, server.opts, &server.droppedDatagrams)
	server.connections.Store(c.id, c)
	defer server.connections.Delete(c.id)

	state := conn.ConnectionState()
	c.logger.WithFields(log.Fields{
		"alpn":      state.TLS.NegotiatedProtocol,
		"datagrams": state.SupportsDatagrams,
	}).Info("QUIC echo server accepted new connection")

	var group errgroup.Group
	group.Go(c.echoDatagrams)
	group.Go(func() error {
		return c.acceptStreams(&group)
	})
	err := group.Wait()

	c.logger.WithField("reason", describeCloseReason(err)).Info("Connection to peer closed")
}

// acceptStreams starts one echo handler per incoming bidirectional stream. Handlers
// are joined through group and never return an error themselves.
func (c *connection) acceptStreams(group *errgroup.Group) error {
	for {
		stream, err := c.conn.AcceptStream(context.Background())
		if err != nil {
			return &ConnectionError{Remote: c.conn.RemoteAddr().String(), Cause: err}
		}

		group.Go(func() error {
			c.echoStream(stream)
			return nil
		})
	}
}
