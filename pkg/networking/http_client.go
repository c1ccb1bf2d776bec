// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used to reach identity
// provider endpoints (JWKS, OIDC discovery, Microsoft Graph).
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// HttpTimeout is the default timeout for outgoing HTTP requests
const HttpTimeout = 30 * time.Second

// HTTPClient is the subset of *http.Client used by the fetch helpers.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIp(address)
}

// ValidatingTransport rejects plain-HTTP requests before they leave the process.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || req.URL.Scheme != "https" {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL)
	}
	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
	allowHTTP             bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout overrides the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	if timeout > 0 {
		b.clientTimeout = timeout
	}
	return b
}

// WithCABundle sets the CA certificate bundle path
func (b *HttpClientBuilder) WithCABundle(path string) *HttpClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private IP addresses
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithInsecureAllowHTTP allows plain HTTP endpoints. Only meant for local
// development against a mock identity provider.
func (b *HttpClientBuilder) WithInsecureAllowHTTP(allow bool) *HttpClientBuilder {
	b.allowHTTP = allow
	return b
}

// Build creates the configured HTTP client
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig.RootCAs = caCertPool
	}

	var clientTransport http.RoundTripper = transport
	if !b.allowHTTP {
		clientTransport = &ValidatingTransport{Transport: transport}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}
