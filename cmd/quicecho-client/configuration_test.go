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

func parseFlags(t *testing.T, args ...string) tomlConfig {
	fs := flag.NewFlagSet("quicecho-client", flag.ContinueOnError)
	values := registerFlags(fs)
	require.NoError(t, fs.Parse(args))

	conf, err := loadConfig(values.configFile)
	require.NoError(t, err)
	values.override(&conf, fs)
	return conf
}

func TestDefaultPolicyIsStrict(t *testing.T) {
	clientConf, mode, err := parseClient(parseFlags(t, "-host", "localhost"))
	require.NoError(t, err)
	require.Equal(t, certpolicy.StrictName, clientConf.Policy.Name())
	require.Equal(t, quicecho.ModeStream, mode)
	require.Equal(t, quicecho.DefaultTimeout, clientConf.Timeout)
	require.Equal(t, quicecho.DefaultPort, clientConf.Port)
	require.Equal(t, quicecho.DefaultALPN, clientConf.ALPN)
}

func TestInsecureAcceptAllFlag(t *testing.T) {
	clientConf, mode, err := parseClient(parseFlags(t,
		"-host", "127.0.0.1", "-port", "4433", "-insecure-accept-all", "-datagram", "-timeout", "2s"))
	require.NoError(t, err)
	require.Equal(t, certpolicy.InsecureAcceptAllName, clientConf.Policy.Name())
	require.Equal(t, quicecho.ModeDatagram, mode)
	require.Equal(t, 4433, clientConf.Port)
	require.Equal(t, 2*time.Second, clientConf.Timeout)
}

func TestConfigFileWithFlagOverride(t *testing.T) {
	dir := t.TempDir()
	certPEM, _, err := certpolicy.GenerateSelfSigned("localhost")
	require.NoError(t, err)
	rootFile := filepath.Join(dir, "root.pem")
	require.NoError(t, os.WriteFile(rootFile, certPEM, 0600))

	configFile := filepath.Join(dir, "client.toml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
[target]
host = "localhost"
port = 4433
mode = "datagram"

[tls]
policy = "strict"
roots = ["`+rootFile+`"]

[session]
timeout = "1500ms"
`), 0600))

	clientConf, mode, err := parseClient(parseFlags(t, "-config", configFile, "-mode", "stream"))
	require.NoError(t, err)
	require.Equal(t, "localhost", clientConf.Host)
	require.Equal(t, 4433, clientConf.Port)
	require.Equal(t, quicecho.ModeStream, mode)
	require.Equal(t, 1500*time.Millisecond, clientConf.Timeout)
	require.Equal(t, certpolicy.StrictName, clientConf.Policy.Name())
}

func TestParseClientErrors(t *testing.T) {
	conf := defaultConfig()
	conf.Target.Mode = "carrier-pigeon"
	conf.TLS.Policy = "trust-me"
	conf.Session.Timeout = "soon"

	_, _, err := parseClient(conf)
	require.Error(t, err)
	for _, field := range []string{"target.host", "target.mode", "tls.policy", "session.timeout"} {
		require.Contains(t, err.Error(), field)
	}

	conf = defaultConfig()
	conf.Target.Host = "localhost"
	conf.TLS.Policy = certpolicy.InsecureAcceptAllName
	conf.TLS.Roots = []string{"root.pem"}
	_, _, err = parseClient(conf)
	require.ErrorContains(t, err, "tls.roots")
}

func TestSplitList(t *testing.T) {
	require.Equal(t, []string{"a.pem", "b.pem"}, splitList(" a.pem, ,b.pem"))
	require.Nil(t, splitList(""))
}

func TestExitCode(t *testing.T) {
	require.Equal(t, 3, exitCode(&quicecho.TimeoutError{Op: "reading stream echo"}))
	require.Equal(t, 1, exitCode(&quicecho.ResolutionError{Host: "nowhere"}))
}
