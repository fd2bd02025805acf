// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// quicecho-client sends a single probe to a QUIC echo server and verifies its echo.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/pkg/quicecho"
)

func main() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage of %s -host server [-config configuration.toml] [flags]:\n\n", os.Args[0])
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

	clientConf, mode, err := parseClient(conf)
	if err != nil {
		log.WithError(err).Error("Invalid client configuration")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = ping(ctx, clientConf, mode)
	stop()

	if err != nil {
		log.WithFields(log.Fields{
			"host":  clientConf.Host,
			"port":  clientConf.Port,
			"mode":  mode,
			"error": err,
		}).Error("Ping failed")
		os.Exit(exitCode(err))
	}
}

func ping(ctx context.Context, clientConf quicecho.ClientConfig, mode quicecho.Mode) error {
	remote, err := quicecho.Resolve(ctx, clientConf.Host, clientConf.Port)
	if err != nil {
		return err
	}

	route := quicecho.ProbeRoute(remote.Addr())

	session, err := quicecho.DialAddr(ctx, clientConf, remote)
	if err != nil {
		log.WithFields(routeFields(route, nil)).Info("Route to QUIC echo server")
		return err
	}
	defer func() { _ = session.Close() }()

	log.WithFields(routeFields(route, session.LocalAddr())).Info("Route to QUIC echo server")
	log.WithFields(log.Fields{
		"remote": session.RemoteAddr(),
		"alpn":   session.NegotiatedProtocol(),
	}).Info("Connection established")

	result, err := session.Ping(ctx, mode)
	if err != nil {
		return err
	}

	fmt.Printf("%s echo from %v: %q in %v\n", result.Mode, result.Remote, result.Response, result.RTT)
	return nil
}

// routeFields describes the route as source address plus the session's local port.
func routeFields(route quicecho.Route, local net.Addr) log.Fields {
	port := "unknown"
	if udpAddr, ok := local.(*net.UDPAddr); ok {
		port = strconv.Itoa(udpAddr.Port)
	}

	return log.Fields{
		"remote":    route.Remote,
		"local":     net.JoinHostPort(route.Source, port),
		"interface": route.Interface,
	}
}

// exitCode distinguishes a missing echo from other failures.
func exitCode(err error) int {
	var timeoutErr *quicecho.TimeoutError
	if errors.As(err, &timeoutErr) {
		return 3
	}
	return 1
}
