// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package certpolicy decides whether a server's certificate chain is trusted.
//
// A Policy is chosen once, when the client's TLS configuration is built, and is never
// inferred from the certificate the peer presents. Two policies exist: Strict, which
// validates the chain against trust anchors, and InsecureAcceptAll, which trusts
// everything and must only be used for testing against self-signed servers.
package certpolicy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

const (
	// StrictName selects the Strict policy. It is the default.
	StrictName = "strict"
	// InsecureAcceptAllName selects the InsecureAcceptAll policy.
	InsecureAcceptAllName = "insecure-accept-all"
)

// ErrRejected is matched by every RejectedError.
var ErrRejected = errors.New("certificate rejected")

// RejectedError explains why a Policy refused a certificate chain.
type RejectedError struct {
	Hostname string
	Reason   string
	Cause    error
}

func (err *RejectedError) Error() string {
	return fmt.Sprintf("certificate for %q rejected: %s", err.Hostname, err.Reason)
}

func (err *RejectedError) Unwrap() error {
	return err.Cause
}

func (err *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// Policy validates a presented certificate chain for a target hostname.
type Policy interface {
	// Name identifies the policy in logs and configuration files.
	Name() string

	// Verify returns nil if the chain is trusted for hostname, a *RejectedError otherwise.
	// The first element of chain is the leaf certificate.
	Verify(chain []*x509.Certificate, hostname string) error

	// Apply installs the policy into a client-side tls.Config.
	Apply(cfg *tls.Config, hostname string)
}

// Strict returns a Policy validating chain-to-root, the validity window and the hostname.
// A nil roots pool selects the system trust store.
func Strict(roots *x509.CertPool) Policy {
	return &strictPolicy{roots: roots, now: time.Now}
}

// InsecureAcceptAll returns a Policy which trusts every certificate.
// It removes all protection against man-in-the-middle attacks.
func InsecureAcceptAll() Policy {
	return insecurePolicy{}
}

// FromName resolves a configured policy name. An empty name selects Strict.
func FromName(name string, roots *x509.CertPool) (Policy, error) {
	switch name {
	case "", StrictName:
		return Strict(roots), nil
	case InsecureAcceptAllName:
		return InsecureAcceptAll(), nil
	default:
		return nil, fmt.Errorf("unknown certificate policy %q, expected %q or %q", name, StrictName, InsecureAcceptAllName)
	}
}

type strictPolicy struct {
	roots *x509.CertPool
	now   func() time.Time
}

func (policy *strictPolicy) Name() string {
	return StrictName
}

func (policy *strictPolicy) Verify(chain []*x509.Certificate, hostname string) error {
	if len(chain) == 0 {
		return &RejectedError{Hostname: hostname, Reason: "no certificate presented"}
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	_, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         policy.roots,
		Intermediates: intermediates,
		DNSName:       hostname,
		CurrentTime:   policy.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	})
	if err != nil {
		return &RejectedError{Hostname: hostname, Reason: rejectionReason(err), Cause: err}
	}
	return nil
}

// Apply disables the built-in verification and routes it through Verify instead, so the
// handshake and a direct Verify call can never disagree.
func (policy *strictPolicy) Apply(cfg *tls.Config, hostname string) {
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = func(state tls.ConnectionState) error {
		return policy.Verify(state.PeerCertificates, hostname)
	}
}

type insecurePolicy struct{}

func (insecurePolicy) Name() string {
	return InsecureAcceptAllName
}

func (insecurePolicy) Verify([]*x509.Certificate, string) error {
	return nil
}

func (insecurePolicy) Apply(cfg *tls.Config, _ string) {
	cfg.InsecureSkipVerify = true
	cfg.VerifyConnection = nil
}

func rejectionReason(err error) string {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostnameErr      x509.HostnameError
		invalidErr       x509.CertificateInvalidError
	)

	switch {
	case errors.As(err, &unknownAuthority):
		return "signed by unknown authority"
	case errors.As(err, &hostnameErr):
		return "hostname mismatch"
	case errors.As(err, &invalidErr):
		if invalidErr.Reason == x509.Expired {
			return "outside validity window"
		}
		return "invalid certificate"
	default:
		return err.Error()
	}
}
