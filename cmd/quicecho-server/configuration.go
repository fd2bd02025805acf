// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/tls"
	"flag"
	"net"
	"strconv"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/internal/cmdconf"
	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Listen    listenConf
	TLS       tlsConf `toml:"tls"`
	Transport transportConf
	Logging   cmdconf.LogConf
}

// listenConf describes the Listen-configuration block.
type listenConf struct {
	Host string
	Port int
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Cert       string
	Key        string
	SelfSigned bool   `toml:"self-signed"`
	ALPN       string `toml:"alpn"`
}

// transportConf describes the Transport-configuration block.
type transportConf struct {
	DatagramReceiveBuffer int    `toml:"datagram-receive-buffer"`
	DatagramSendBuffer    int    `toml:"datagram-send-buffer"`
	MaxIdleTimeout        string `toml:"max-idle-timeout"`
	KeepAlive             string `toml:"keep-alive"`
}

func defaultConfig() tomlConfig {
	return tomlConfig{
		Listen: listenConf{
			Host: "0.0.0.0",
			Port: quicecho.DefaultPort,
		},
		TLS: tlsConf{
			Cert: "cert.pem",
			Key:  "key.pem",
			ALPN: quicecho.DefaultALPN,
		},
		Transport: transportConf{
			DatagramReceiveBuffer: quicecho.DefaultDatagramReceiveBuffer,
			DatagramSendBuffer:    quicecho.DefaultDatagramSendBuffer,
		},
	}
}

// loadConfig reads filename on top of the defaults. An empty filename only yields the defaults.
func loadConfig(filename string) (conf tomlConfig, err error) {
	conf = defaultConfig()
	if filename == "" {
		return
	}

	md, err := toml.DecodeFile(filename, &conf)
	if err != nil {
		return
	}

	for _, key := range md.Undecoded() {
		log.WithFields(log.Fields{
			"file": filename,
			"key":  key.String(),
		}).Warn("Ignoring unknown configuration key")
	}
	return
}

// flagValues are the command line options. Only explicitly set flags override the file.
type flagValues struct {
	configFile string
	host       string
	port       int
	cert       string
	key        string
	selfSigned bool
	alpn       string
	logLevel   string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	defaults := defaultConfig()
	values := &flagValues{}

	fs.StringVar(&values.configFile, "config", "", "TOML configuration file")
	fs.StringVar(&values.host, "host", defaults.Listen.Host, "address to listen on")
	fs.IntVar(&values.port, "port", defaults.Listen.Port, "UDP port to listen on")
	fs.StringVar(&values.cert, "cert", defaults.TLS.Cert, "PEM certificate chain file")
	fs.StringVar(&values.key, "key", defaults.TLS.Key, "PEM private key file")
	fs.BoolVar(&values.selfSigned, "self-signed", false, "serve an in-memory self-signed certificate instead of -cert/-key")
	fs.StringVar(&values.alpn, "alpn", defaults.TLS.ALPN, "application protocol identifier")
	fs.StringVar(&values.logLevel, "log-level", "", "panic, fatal, error, warn, info, debug or trace")

	return values
}

func (values *flagValues) override(conf *tomlConfig, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			conf.Listen.Host = values.host
		case "port":
			conf.Listen.Port = values.port
		case "cert":
			conf.TLS.Cert = values.cert
		case "key":
			conf.TLS.Key = values.key
		case "self-signed":
			conf.TLS.SelfSigned = values.selfSigned
		case "alpn":
			conf.TLS.ALPN = values.alpn
		case "log-level":
			conf.Logging.Level = values.logLevel
		}
	})
}

// parseServer validates conf and turns it into a quicecho.ServerConfig. Certificate
// material is loaded here, so broken files fail before any socket is opened.
func parseServer(conf tomlConfig) (serverConf quicecho.ServerConfig, err error) {
	var v cmdconf.Validator
	v.NonEmpty("tls.alpn", conf.TLS.ALPN)
	v.Port("listen.port", conf.Listen.Port, true)
	v.NonNegative("transport.datagram-receive-buffer", conf.Transport.DatagramReceiveBuffer)
	v.NonNegative("transport.datagram-send-buffer", conf.Transport.DatagramSendBuffer)

	transport := quicecho.DefaultTransportOptions()
	if conf.Transport.DatagramReceiveBuffer > 0 {
		transport.DatagramReceiveBuffer = conf.Transport.DatagramReceiveBuffer
	}
	if conf.Transport.DatagramSendBuffer > 0 {
		transport.DatagramSendBuffer = conf.Transport.DatagramSendBuffer
	}
	if d := v.Duration("transport.max-idle-timeout", conf.Transport.MaxIdleTimeout); d > 0 {
		transport.MaxIdleTimeout = d
	}
	transport.KeepAlivePeriod = v.Duration("transport.keep-alive", conf.Transport.KeepAlive)

	if !conf.TLS.SelfSigned {
		v.NonEmpty("tls.cert", conf.TLS.Cert)
		v.NonEmpty("tls.key", conf.TLS.Key)
	}

	if err = v.Err(); err != nil {
		return
	}

	cert, err := loadCertificate(conf)
	if err != nil {
		return
	}

	serverConf = quicecho.ServerConfig{
		Host:        conf.Listen.Host,
		Port:        conf.Listen.Port,
		Certificate: cert,
		ALPN:        conf.TLS.ALPN,
		Transport:   transport,
	}
	return
}

func loadCertificate(conf tomlConfig) (tls.Certificate, error) {
	if !conf.TLS.SelfSigned {
		return certpolicy.LoadKeyPair(conf.TLS.Cert, conf.TLS.Key)
	}

	hosts := selfSignedHosts(conf.Listen.Host)
	log.WithFields(log.Fields{
		"hosts": hosts,
	}).Warn("Serving a self-signed certificate, clients need the insecure-accept-all policy")

	return certpolicy.GenerateSelfSignedKeyPair(hosts...)
}

// selfSignedHosts names the listen host, or the loopback names for a wildcard address.
func selfSignedHosts(host string) []string {
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return []string{"localhost", "127.0.0.1", "::1"}
	}
	return []string{host}
}

func listenAddress(conf tomlConfig) string {
	return net.JoinHostPort(conf.Listen.Host, strconv.Itoa(conf.Listen.Port))
}
