// Package session builds the authenticated streaming HTTP clients used to
// talk to ESGF data nodes. One client is constructed per host slot and
// reused by every worker downloading from that host.
package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// maxRedirects is the redirect ceiling for data node requests. ESGF nodes
// bounce downloads through the orp/openid endpoints a couple of times;
// anything deeper is a misconfigured node.
const maxRedirects = 5

// Config controls how per-host clients are built.
type Config struct {
	// Credentials is the path to the PEM bundle holding the proxy
	// certificate and its private key.
	// Default: $HOME/.esg/credentials.pem
	Credentials string `mapstructure:"credentials" yaml:"credentials"`

	// TLSVerify enables server certificate verification. Off by default:
	// ESGF data nodes routinely serve certificates signed by federation
	// CAs that are not in system trust stores.
	TLSVerify bool `mapstructure:"tls_verify" yaml:"tls_verify"`

	// CABundle optionally points at a PEM file of additional trusted CAs,
	// only consulted when TLSVerify is on.
	CABundle string `mapstructure:"ca_bundle" yaml:"ca_bundle"`

	// ResponseHeaderTimeout bounds the wait for response headers after a
	// request is written. Zero disables it.
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`

	// IdleConnTimeout closes idle keep-alive connections.
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Credentials == "" {
		c.Credentials = DefaultCredentialsPath()
	}
	if c.ResponseHeaderTimeout == 0 {
		c.ResponseHeaderTimeout = 60 * time.Second
	}
	if c.IdleConnTimeout == 0 {
		c.IdleConnTimeout = 90 * time.Second
	}
}

// DefaultCredentialsPath returns the conventional ESGF proxy certificate
// location.
func DefaultCredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".esg", "credentials.pem")
	}
	return filepath.Join(home, ".esg", "credentials.pem")
}

// Factory produces per-host HTTP clients bound to the proxy certificate.
type Factory struct {
	config Config
}

// NewFactory creates a session factory. The credential file is loaded per
// NewClient call so a refreshed proxy certificate is picked up by new
// host slots without restarting.
func NewFactory(config Config) *Factory {
	config.ApplyDefaults()
	return &Factory{config: config}
}

// Credentials returns the configured credential file path.
func (f *Factory) Credentials() string {
	return f.config.Credentials
}

// NewClient builds a streaming HTTP client for one data node: client
// certificate, bounded redirects, header and idle timeouts. Response
// bodies are never buffered; the caller streams them.
func (f *Factory) NewClient() (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(f.config.Credentials, f.config.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate %q: %w", f.config.Credentials, err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: !f.config.TLSVerify, //nolint:gosec // federation CAs, see Config.TLSVerify
	}

	if f.config.TLSVerify && f.config.CABundle != "" {
		pem, err := os.ReadFile(f.config.CABundle)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA bundle %q: %w", f.config.CABundle, err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA bundle %q", f.config.CABundle)
		}
		tlsConfig.RootCAs = pool
	}

	transport := &http.Transport{
		TLSClientConfig:       tlsConfig,
		ResponseHeaderTimeout: f.config.ResponseHeaderTimeout,
		IdleConnTimeout:       f.config.IdleConnTimeout,
	}

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}, nil
}

// StatusError reports a non-200 response mapped to its catalog error tag.
type StatusError struct {
	Code int
	Tag  string
}

func (e *StatusError) Error() string {
	return e.Tag
}

// statusTags maps the HTTP status codes ESGF nodes commonly return to
// short catalog error tags. Unlisted codes are stored numerically.
var statusTags = map[int]string{
	http.StatusForbidden:           "AUTH_FAIL",
	http.StatusNotFound:            "FILE_NOT_FOUND",
	http.StatusInternalServerError: "SERVER_ERROR",
}

// Get issues an authenticated GET and returns the open response on 200.
// Non-200 responses drain and close the body and come back as a
// *StatusError carrying the catalog tag.
func Get(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %q: %w", url, err)
	}

	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if res.StatusCode != http.StatusOK {
		// Drain the error page so the connection can be reused; data
		// nodes serve short HTML bodies on failure.
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		_ = res.Body.Close()
		tag, ok := statusTags[res.StatusCode]
		if !ok {
			tag = fmt.Sprintf("%d", res.StatusCode)
		}
		return nil, &StatusError{Code: res.StatusCode, Tag: tag}
	}

	return res, nil
}
