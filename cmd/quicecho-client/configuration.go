// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"crypto/x509"
	"flag"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"

	"github.com/dtn7/quicecho/internal/cmdconf"
	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Target  targetConf
	TLS     tlsConf `toml:"tls"`
	Session sessionConf
	Logging cmdconf.LogConf
}

// targetConf describes the Target-configuration block.
type targetConf struct {
	Host string
	Port int
	Mode string
}

// tlsConf describes the TLS-configuration block.
type tlsConf struct {
	Policy string
	Roots  []string
	ALPN   string `toml:"alpn"`
}

// sessionConf describes the Session-configuration block.
type sessionConf struct {
	Timeout string
}

func defaultConfig() tomlConfig {
	return tomlConfig{
		Target: targetConf{
			Port: quicecho.DefaultPort,
			Mode: quicecho.ModeStream.String(),
		},
		TLS: tlsConf{
			Policy: certpolicy.StrictName,
			ALPN:   quicecho.DefaultALPN,
		},
		Session: sessionConf{
			Timeout: quicecho.DefaultTimeout.String(),
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
	configFile        string
	host              string
	port              int
	mode              string
	datagram          bool
	policy            string
	insecureAcceptAll bool
	roots             string
	alpn              string
	timeout           time.Duration
	logLevel          string
}

func registerFlags(fs *flag.FlagSet) *flagValues {
	defaults := defaultConfig()
	values := &flagValues{}

	fs.StringVar(&values.configFile, "config", "", "TOML configuration file")
	fs.StringVar(&values.host, "host", "", "echo server host name or address")
	fs.IntVar(&values.port, "port", defaults.Target.Port, "echo server UDP port")
	fs.StringVar(&values.mode, "mode", defaults.Target.Mode, "stream or datagram")
	fs.BoolVar(&values.datagram, "datagram", false, "shorthand for -mode datagram")
	fs.StringVar(&values.policy, "policy", defaults.TLS.Policy,
		"certificate policy, "+certpolicy.StrictName+" or "+certpolicy.InsecureAcceptAllName)
	fs.BoolVar(&values.insecureAcceptAll, "insecure-accept-all", false,
		"DANGER: accept every server certificate, shorthand for -policy "+certpolicy.InsecureAcceptAllName)
	fs.StringVar(&values.roots, "roots", "", "comma separated PEM files trusted in addition to the system roots")
	fs.StringVar(&values.alpn, "alpn", defaults.TLS.ALPN, "application protocol identifier")
	fs.DurationVar(&values.timeout, "timeout", quicecho.DefaultTimeout, "deadline for the echo")
	fs.StringVar(&values.logLevel, "log-level", "", "panic, fatal, error, warn, info, debug or trace")

	return values
}

func (values *flagValues) override(conf *tomlConfig, fs *flag.FlagSet) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			conf.Target.Host = values.host
		case "port":
			conf.Target.Port = values.port
		case "mode":
			conf.Target.Mode = values.mode
		case "datagram":
			if values.datagram {
				conf.Target.Mode = quicecho.ModeDatagram.String()
			}
		case "policy":
			conf.TLS.Policy = values.policy
		case "insecure-accept-all":
			if values.insecureAcceptAll {
				conf.TLS.Policy = certpolicy.InsecureAcceptAllName
			}
		case "roots":
			conf.TLS.Roots = splitList(values.roots)
		case "alpn":
			conf.TLS.ALPN = values.alpn
		case "timeout":
			conf.Session.Timeout = values.timeout.String()
		case "log-level":
			conf.Logging.Level = values.logLevel
		}
	})
}

func splitList(s string) (items []string) {
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return
}

// parseClient validates conf and turns it into a quicecho.ClientConfig and the mode
// of the single round trip.
func parseClient(conf tomlConfig) (clientConf quicecho.ClientConfig, mode quicecho.Mode, err error) {
	var v cmdconf.Validator
	v.NonEmpty("target.host", conf.Target.Host)
	v.Port("target.port", conf.Target.Port, false)
	v.NonEmpty("tls.alpn", conf.TLS.ALPN)
	timeout := v.Duration("session.timeout", conf.Session.Timeout)

	mode, modeErr := quicecho.ParseMode(conf.Target.Mode)
	if modeErr != nil {
		v.Errorf("target.mode", "%v", modeErr)
	}

	var roots *x509.CertPool
	if len(conf.TLS.Roots) > 0 {
		if conf.TLS.Policy == certpolicy.InsecureAcceptAllName {
			v.Errorf("tls.roots", "trusted roots are meaningless with the %s policy", certpolicy.InsecureAcceptAllName)
		} else if pool, rootsErr := certpolicy.LoadSystemRootPool(conf.TLS.Roots...); rootsErr != nil {
			v.Errorf("tls.roots", "%v", rootsErr)
		} else {
			roots = pool
		}
	}

	policy, policyErr := certpolicy.FromName(conf.TLS.Policy, roots)
	if policyErr != nil {
		v.Errorf("tls.policy", "%v", policyErr)
	}

	if err = v.Err(); err != nil {
		return
	}

	if policy.Name() == certpolicy.InsecureAcceptAllName {
		log.WithField("policy", policy.Name()).Warn(
			"Certificate verification is disabled, the connection is open to man-in-the-middle attacks")
	}

	clientConf = quicecho.ClientConfig{
		Host:    conf.Target.Host,
		Port:    conf.Target.Port,
		Policy:  policy,
		ALPN:    conf.TLS.ALPN,
		Timeout: timeout,
	}
	return
}
