// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package quicecho implements an echo service on top of QUIC.
Every byte a peer sends is sent back to it, both over bidirectional streams and over
unreliable datagrams.


Endpoints
An Endpoint owns one UDP socket and the TLS configuration connections are accepted or
initiated with. Both sides have to configure the same application protocol identifier
(ALPN, DefaultALPN by default); otherwise the handshake fails before any payload is
exchanged. The server always presents its certificate chain, while the client decides
whether to trust it through a certpolicy.Policy chosen when the session is created.


Server
The Server's accept loop spawns a goroutine per established connection.
This goroutine starts the datagram echo and accepts the connection's streams, launching
one handler goroutine per stream. A stream handler writes every chunk back as soon as it
was read and closes its write direction once the peer closed theirs.
Errors stay where they happen: a broken stream only ends its own handler, a broken
connection only its own handlers, and a failed handshake is merely logged.

Datagrams are echoed for the lifetime of the connection. A datagram which cannot be
queued or sent while the connection is alive is dropped, as the transport itself
gives no delivery guarantee for datagrams anyway.


Client
A Session resolves the server, binds an ephemeral local port and connects.
RoundTrip sends a payload through a new stream or as a single datagram and waits for
the echo, bounded by the session's timeout. Ping combines these steps for ProbePayload
and checks that the echo equals what was sent.
*/
package quicecho
