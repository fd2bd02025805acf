// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const datagramQueueLength = 256

var (
	errReceiveBufferExhausted = errors.New("receive buffer exhausted")
	errEchoQueueFull          = errors.New("echo queue full")
)

// datagramEcho decouples receiving from sending, so a slow send never stalls the
// receive loop. Queued bytes are bounded by a semaphore sized to the receive buffer.
type datagramEcho struct {
	conn   quic.Connection
	logger *log.Entry

	budget  *semaphore.Weighted
	pending chan []byte

	warnings *rate.Limiter
	dropped  atomic.Uint64
	// total is shared by all connections of a Server and may be nil.
	total *atomic.Uint64
}

func newDatagramEcho(conn quic.Connection, logger *log.Entry, budget, queueLength int, total *atomic.Uint64) *datagramEcho {
	return &datagramEcho{
		conn:     conn,
		logger:   logger,
		budget:   semaphore.NewWeighted(int64(budget)),
		pending:  make(chan []byte, queueLength),
		warnings: rate.NewLimiter(rate.Every(10*time.Second), 1),
		total:    total,
	}
}

// echoDatagrams sends every received datagram back unmodified. It returns exactly
// when the connection is closed.
func (c *connection) echoDatagrams() error {
	if !c.conn.ConnectionState().SupportsDatagrams {
		c.logger.Debug("Peer does not support datagrams")
		<-c.conn.Context().Done()
		return &ConnectionError{Remote: c.conn.RemoteAddr().String(), Cause: context.Cause(c.conn.Context())}
	}

	echo := newDatagramEcho(c.conn, c.logger, c.opts.DatagramReceiveBuffer, datagramQueueLength, c.droppedDatagrams)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		echo.send()
	}()

	err := echo.receive()
	close(echo.pending)
	wg.Wait()

	if dropped := echo.dropped.Load(); dropped > 0 {
		c.logger.WithField("dropped", dropped).Info("Datagrams dropped during connection")
	}
	return err
}

func (echo *datagramEcho) receive() error {
	for {
		data, err := echo.conn.ReceiveDatagram(context.Background())
		if err != nil {
			return &ConnectionError{Remote: echo.conn.RemoteAddr().String(), Cause: err}
		}
		echo.enqueue(data)
	}
}

// enqueue hands data to the send loop without blocking. It reports false if data was
// dropped because the receive buffer or the queue is full.
func (echo *datagramEcho) enqueue(data []byte) bool {
	// Empty datagrams still occupy a queue slot.
	weight := int64(max(len(data), 1))
	if !echo.budget.TryAcquire(weight) {
		echo.drop(len(data), errReceiveBufferExhausted)
		return false
	}

	select {
	case echo.pending <- data:
		return true
	default:
		echo.budget.Release(weight)
		echo.drop(len(data), errEchoQueueFull)
		return false
	}
}

func (echo *datagramEcho) send() {
	for data := range echo.pending {
		echo.budget.Release(int64(max(len(data), 1)))

		err := sendDatagram(echo.conn, data)
		if err == nil {
			continue
		}

		var sendErr *DatagramSendError
		if errors.As(err, &sendErr) && sendErr.Transient {
			echo.drop(len(data), err)
			continue
		}

		echo.logger.WithError(err).Debug("Stopping datagram echo")
		return
	}
}

func (echo *datagramEcho) drop(size int, reason error) {
	echo.dropped.Add(1)
	if echo.total != nil {
		echo.total.Add(1)
	}

	if echo.warnings.Allow() {
		echo.logger.WithFields(log.Fields{
			"size":    size,
			"dropped": echo.dropped.Load(),
			"error":   reason,
		}).Warn("Dropping datagram")
	}
}

// sendDatagram sends data as one datagram. A failure on a live connection, e.g. a
// datagram too large for the peer or a full send queue, is reported as transient.
// Once the connection is closed no failure is transient.
func sendDatagram(conn quic.Connection, data []byte) error {
	err := conn.SendDatagram(data)
	if err == nil {
		return nil
	}

	return &DatagramSendError{Transient: conn.Context().Err() == nil, Cause: err}
}
