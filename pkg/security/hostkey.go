// Package security manages the SFTP server's host key (spec.md §6
// "[sftp] host_key"). Adapted from the teacher's pkg/security certificate
// lifecycle (generate-if-absent, load, persist to a configured path) but
// generalized from X.509/mTLS node certificates to an SSH host key pair,
// since the SFTP handler authenticates transport via golang.org/x/crypto/ssh
// rather than TLS.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// EnsureHostKey loads the ed25519 host key at path, generating and persisting
// a new one if absent.
func EnsureHostKey(path string) (ssh.Signer, error) {
	if _, err := os.Stat(path); err == nil {
		return loadHostKey(path)
	}
	return generateHostKey(path)
}

func loadHostKey(path string) (ssh.Signer, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read host key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse host key: %w", err)
	}
	return signer, nil
}

func generateHostKey(path string) (ssh.Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(priv, "warden sftp host key")
	if err != nil {
		return nil, fmt.Errorf("marshal host key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create host key directory: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return nil, fmt.Errorf("write host key: %w", err)
	}

	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	_ = pub
	return signer, nil
}
