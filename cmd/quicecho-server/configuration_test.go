// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dtn7/quicecho/pkg/certpolicy"
	"github.com/dtn7/quicecho/pkg/quicecho"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	conf, err := loadConfig("")
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), conf)
	require.Equal(t, "0.0.0.0:12806", listenAddress(conf))
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	certPEM, keyPEM, err := certpolicy.GenerateSelfSigned("localhost")
	require.NoError(t, err)
	certFile := writeFile(t, dir, "cert.pem", certPEM)
	keyFile := writeFile(t, dir, "key.pem", keyPEM)

	configFile := writeFile(t, dir, "server.toml", []byte(`
[listen]
host = "127.0.0.1"
port = 4433

[tls]
cert = "`+certFile+`"
key = "`+keyFile+`"
alpn = "echo-test"

[transport]
datagram-receive-buffer = 1024
max-idle-timeout = "10s"
keep-alive = "2s"

[logging]
level = "debug"
format = "json"
`))

	conf, err := loadConfig(configFile)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:4433", listenAddress(conf))
	require.Equal(t, "debug", conf.Logging.Level)

	serverConf, err := parseServer(conf)
	require.NoError(t, err)
	require.Equal(t, "echo-test", serverConf.ALPN)
	require.NotEmpty(t, serverConf.Certificate.Certificate)
	require.Equal(t, 1024, serverConf.Transport.DatagramReceiveBuffer)
	require.Equal(t, quicecho.DefaultDatagramSendBuffer, serverConf.Transport.DatagramSendBuffer)
	require.Equal(t, 10*time.Second, serverConf.Transport.MaxIdleTimeout)
	require.Equal(t, 2*time.Second, serverConf.Transport.KeepAlivePeriod)
}

func TestFlagsOverrideFile(t *testing.T) {
	configFile := writeFile(t, t.TempDir(), "server.toml", []byte(`
[listen]
host = "127.0.0.1"
port = 4433
`))

	fs := flag.NewFlagSet("quicecho-server", flag.ContinueOnError)
	values := registerFlags(fs)
	require.NoError(t, fs.Parse([]string{"-config", configFile, "-port", "5555", "-self-signed"}))

	conf, err := loadConfig(values.configFile)
	require.NoError(t, err)
	values.override(&conf, fs)

	// Unset flags keep the file's values, even though their defaults differ.
	require.Equal(t, "127.0.0.1", conf.Listen.Host)
	require.Equal(t, 5555, conf.Listen.Port)
	require.True(t, conf.TLS.SelfSigned)

	serverConf, err := parseServer(conf)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", serverConf.Certificate.Leaf.Subject.CommonName)
}

func TestParseServerErrors(t *testing.T) {
	conf := defaultConfig()
	conf.Listen.Port = 70000
	conf.TLS.ALPN = ""
	conf.Transport.MaxIdleTimeout = "forever"
	_, err := parseServer(conf)
	require.Error(t, err)
	require.Contains(t, err.Error(), "listen.port")
	require.Contains(t, err.Error(), "tls.alpn")
	require.Contains(t, err.Error(), "transport.max-idle-timeout")

	conf = defaultConfig()
	conf.TLS.Cert = filepath.Join(t.TempDir(), "missing.pem")
	_, err = parseServer(conf)
	require.Error(t, err)
}

func TestSelfSignedHosts(t *testing.T) {
	require.Equal(t, []string{"localhost", "127.0.0.1", "::1"}, selfSignedHosts("0.0.0.0"))
	require.Equal(t, []string{"localhost", "127.0.0.1", "::1"}, selfSignedHosts("::"))
	require.Equal(t, []string{"echo.example.org"}, selfSignedHosts("echo.example.org"))
}
