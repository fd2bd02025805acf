// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicecho

import (
	"errors"
	"io"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/quicecho/internal"
)

const streamChunkSize = 16 * 1024

// echoStream copies everything read from stream back onto it and finishes the write
// direction when the peer finished theirs. Failures only abort this stream.
func (c *connection) echoStream(stream quic.Stream) {
	logger := c.logger.WithField("stream", stream.StreamID())
	logger.Debug("Echoing stream")

	n, err := echo(stream)
	if err != nil {
		logger.WithFields(log.Fields{
			"bytes": n,
			"error": err,
		}).Debug("Stream echo aborted")

		stream.CancelRead(internal.StreamEchoError)
		stream.CancelWrite(internal.StreamEchoError)
		return
	}

	logger.WithField("bytes", n).Debug("Finished handling stream")
}

// echo writes each chunk as soon as it was read, so the payload is never buffered
// as a whole. A zero-length payload results in an immediate FIN.
func echo(stream quic.Stream) (int64, error) {
	var (
		buf     = make([]byte, streamChunkSize)
		written int64
	)

	for {
		n, readErr := stream.Read(buf)
		if n > 0 {
			if _, err := stream.Write(buf[:n]); err != nil {
				return written, &StreamError{StreamID: stream.StreamID(), Op: "write", Cause: err}
			}
			written += int64(n)
		}

		switch {
		case errors.Is(readErr, io.EOF):
			if err := stream.Close(); err != nil {
				return written, &StreamError{StreamID: stream.StreamID(), Op: "finish", Cause: err}
			}
			return written, nil

		case readErr != nil:
			return written, &StreamError{StreamID: stream.StreamID(), Op: "read", Cause: readErr}
		}
	}
}
