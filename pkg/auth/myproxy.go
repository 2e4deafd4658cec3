package auth

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
)

const (
	// DefaultMyProxyPort is the conventional MyProxy server port.
	DefaultMyProxyPort = 7512

	// DefaultLifetime is the validity requested for new credentials.
	DefaultLifetime = 12 * time.Hour

	// expiryMargin is how much remaining validity IsLoggedOn demands.
	expiryMargin = 30 * time.Minute

	myProxyVersion = "VERSION=MYPROXYv2"
	commandGet     = "COMMAND=0"
)

// MyProxyConfig controls the logon client.
type MyProxyConfig struct {
	// Credentials is where the PEM bundle (certificate + key + chain)
	// is written. Default: $HOME/.esg/credentials.pem
	Credentials string `mapstructure:"credentials" yaml:"credentials,omitempty"`

	// Port overrides the MyProxy server port.
	Port int `mapstructure:"port" yaml:"port,omitempty"`

	// Lifetime is the requested credential lifetime.
	Lifetime time.Duration `mapstructure:"lifetime" yaml:"lifetime,omitempty"`

	// TLSVerify enables verification of the MyProxy server certificate.
	// Off by default: the trust roots for a federation's MyProxy server
	// are usually bootstrapped through this very channel.
	TLSVerify bool `mapstructure:"tls_verify" yaml:"tls_verify,omitempty"`
}

// ApplyDefaults fills unset fields.
func (c *MyProxyConfig) ApplyDefaults() {
	if c.Credentials == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Credentials = filepath.Join(home, ".esg", "credentials.pem")
		} else {
			c.Credentials = filepath.Join(".esg", "credentials.pem")
		}
	}
	if c.Port == 0 {
		c.Port = DefaultMyProxyPort
	}
	if c.Lifetime == 0 {
		c.Lifetime = DefaultLifetime
	}
}

// MyProxyManager implements Manager against a MyProxy server using the
// plain "get" exchange: credential request, CSR upload, signed chain back.
type MyProxyManager struct {
	config MyProxyConfig
}

// NewMyProxyManager builds a manager with defaults applied.
func NewMyProxyManager(config MyProxyConfig) *MyProxyManager {
	config.ApplyDefaults()
	return &MyProxyManager{config: config}
}

// Credentials returns the credential bundle path.
func (m *MyProxyManager) Credentials() string {
	return m.config.Credentials
}

// IsLoggedOn reports whether the stored credential is valid and not about
// to expire.
func (m *MyProxyManager) IsLoggedOn() bool {
	return CredentialValid(m.config.Credentials, expiryMargin)
}

// Logon performs the MyProxy get exchange and writes the credential
// bundle. server may carry an explicit port, otherwise the default is
// appended.
func (m *MyProxyManager) Logon(ctx context.Context, username, password, server string) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanLogon)
	defer span.End()

	addr := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		addr = net.JoinHostPort(server, strconv.Itoa(m.config.Port))
	}

	logger.InfoCtx(ctx, "Requesting credential", "server", addr, "username", username)

	dialer := &tls.Dialer{
		Config: &tls.Config{
			InsecureSkipVerify: !m.config.TLSVerify, //nolint:gosec // trust roots come from the federation, see MyProxyConfig.TLSVerify
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to reach myproxy server %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(time.Minute))
	}

	cert, key, chain, err := m.exchange(conn, username, password)
	if err != nil {
		telemetry.RecordError(ctx, err)
		return err
	}

	if err := m.store(cert, key, chain); err != nil {
		return err
	}

	logger.InfoCtx(ctx, "Credential stored",
		logger.KeyFile, m.config.Credentials,
		"not_after", cert.NotAfter.Format(time.RFC3339))
	return nil
}

// exchange runs the wire protocol on an established connection: NUL
// terminated request header, server response header, DER CSR out, cert
// count byte plus DER chain back.
func (m *MyProxyManager) exchange(conn net.Conn, username, password string) (*x509.Certificate, *rsa.PrivateKey, []*x509.Certificate, error) {
	lifetime := int(m.config.Lifetime.Seconds())
	request := fmt.Sprintf("%s\n%s\nUSERNAME=%s\nPASSPHRASE=%s\nLIFETIME=%d\x00",
		myProxyVersion, commandGet, username, password, lifetime)
	if _, err := io.WriteString(conn, request); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send logon request: %w", err)
	}

	r := bufio.NewReader(conn)
	if err := readResponse(r); err != nil {
		return nil, nil, nil, err
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	// The server replaces the subject when signing; a placeholder CN is
	// enough.
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: username},
	}, key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to build certificate request: %w", err)
	}
	if _, err := conn.Write(csr); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to send certificate request: %w", err)
	}

	count, err := r.ReadByte()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read certificate count: %w", err)
	}
	if count == 0 {
		return nil, nil, nil, fmt.Errorf("myproxy server returned no certificates")
	}

	der, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read certificates: %w", err)
	}
	certs, err := x509.ParseCertificates(der)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to parse certificates: %w", err)
	}
	if len(certs) != int(count) {
		logger.Warn("Certificate count mismatch", "announced", count, "received", len(certs))
	}

	return certs[0], key, certs[1:], nil
}

// readResponse parses the NUL terminated response header. RESPONSE=0 is
// success; anything else carries ERROR lines.
func readResponse(r *bufio.Reader) error {
	raw, err := r.ReadString('\x00')
	if err != nil && raw == "" {
		return fmt.Errorf("failed to read logon response: %w", err)
	}
	raw = strings.TrimSuffix(raw, "\x00")

	response := ""
	var reasons []string
	for _, line := range strings.Split(raw, "\n") {
		switch {
		case strings.HasPrefix(line, "RESPONSE="):
			response = strings.TrimPrefix(line, "RESPONSE=")
		case strings.HasPrefix(line, "ERROR="):
			reasons = append(reasons, strings.TrimPrefix(line, "ERROR="))
		}
	}

	switch response {
	case "0":
		return nil
	case "":
		return fmt.Errorf("malformed myproxy response %q", raw)
	default:
		if len(reasons) > 0 {
			return fmt.Errorf("myproxy logon refused: %s: %w", strings.Join(reasons, "; "), ErrNotLoggedOn)
		}
		return fmt.Errorf("myproxy logon refused (response %s): %w", response, ErrNotLoggedOn)
	}
}

// store writes the credential bundle: certificate, key, then the chain,
// owner-readable only.
func (m *MyProxyManager) store(cert *x509.Certificate, key *rsa.PrivateKey, chain []*x509.Certificate) error {
	if err := os.MkdirAll(filepath.Dir(m.config.Credentials), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	var bundle strings.Builder
	if err := pem.Encode(&bundle, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	if err := pem.Encode(&bundle, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return fmt.Errorf("failed to encode key: %w", err)
	}
	for _, c := range chain {
		if err := pem.Encode(&bundle, &pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}); err != nil {
			return fmt.Errorf("failed to encode chain certificate: %w", err)
		}
	}

	if err := os.WriteFile(m.config.Credentials, []byte(bundle.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write credentials to %q: %w", m.config.Credentials, err)
	}
	return nil
}
