// Package auth acquires and validates ESGF proxy credentials.
//
// ESGF data nodes authorize downloads with short-lived X.509 proxy
// certificates issued by the federation's MyProxy servers. This package
// implements the MyProxy "get" exchange and the local validity check the
// download engine consults before starting.
package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotLoggedOn is returned when no valid proxy credential is available
// and logon did not produce one.
var ErrNotLoggedOn = errors.New("NOAUTH")

// Manager acquires and checks ESGF proxy credentials.
type Manager interface {
	// IsLoggedOn reports whether a currently valid credential exists.
	IsLoggedOn() bool

	// Logon obtains a short-lived certificate from a MyProxy server and
	// stores it at the credential path.
	Logon(ctx context.Context, username, password, server string) error
}

// EnsureLoggedOn makes at most one logon attempt when mgr holds no valid
// credential. It returns ErrNotLoggedOn when mgr still reports logged off
// afterwards, including when the attempt itself failed.
func EnsureLoggedOn(ctx context.Context, mgr Manager, username, password, server string) error {
	if mgr.IsLoggedOn() {
		return nil
	}
	if username != "" && password != "" && server != "" {
		if err := mgr.Logon(ctx, username, password, server); err != nil {
			return fmt.Errorf("%w: logon failed: %v", ErrNotLoggedOn, err)
		}
	}
	if !mgr.IsLoggedOn() {
		return ErrNotLoggedOn
	}
	return nil
}

// CredentialValid reports whether path holds a PEM certificate currently
// within its validity window. The margin guards against the credential
// expiring mid-download.
func CredentialValid(path string, margin time.Duration) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return false
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return false
		}
		now := time.Now()
		return now.After(cert.NotBefore) && now.Add(margin).Before(cert.NotAfter)
	}
	return false
}
