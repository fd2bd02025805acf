// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quicecho-server echoes every QUIC stream and datagram back to its peer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/quicecho"
)

func main() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s [-config configuration.toml] [flags]:\n\n", os.Args[0])
		_, _ = fmt.Fprintf(os.Stderr, "  Flags which are set explicitly override the configuration file.\n\n")
		flag.PrintDefaults()
	}

	values := registerFlags(flag.CommandLine)
	flag.Parse()

	conf, err := loadConfig(values.configFile)
	if err != nil {
		log.WithFields(log.Fields{
			"file":  values.configFile,
			"error": err,
		}).Fatal("Failed to parse config")
	}
	values.override(&conf, flag.CommandLine)
	conf.Logging.Apply()

	serverConf, err := parseServer(conf)
	if err != nil {
		log.WithFields(log.Fields{
			"address": listenAddress(conf),
			"error":   err,
		}).Fatal("Invalid server configuration")
	}

	server, err := quicecho.Listen(serverConf)
	if err != nil {
		var bindErr *quicecho.BindError
		if errors.As(err, &bindErr) {
			log.WithFields(log.Fields{
				"address": bindErr.Address,
				"error":   bindErr.Cause,
			}).Fatal("Failed to bind QUIC echo server")
		}
		log.WithError(err).Fatal("Failed to start QUIC echo server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down..")
		err = nil

	case err = <-serveErr:
	}

	if closeErr := server.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("Closing the server errored")
	}

	if err != nil {
		log.WithError(err).Fatal("QUIC echo server stopped")
	}
}
