// Package crypto manages the host identity key and the ad hoc TLS
// certificate peers present to each other.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const identityPEMType = "ED25519 PRIVATE KEY"

// EnsureIdentityKey loads the Ed25519 identity key from disk, generating and
// persisting it on first run.
func EnsureIdentityKey(path string) (ed25519.PrivateKey, error) {
	key, err := LoadIdentityKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate Ed25519 key: %w", err)
	}
	if err := SaveIdentityKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadIdentityKey loads an Ed25519 private key from a PEM file.
func LoadIdentityKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode identity PEM: no PEM block")
	}
	if block.Type != identityPEMType {
		return nil, fmt.Errorf("decode identity PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("decode identity PEM: invalid key size %d", len(block.Bytes))
	}

	return ed25519.PrivateKey(block.Bytes), nil
}

// SaveIdentityKey writes an Ed25519 private key PEM file with 0600 permissions.
func SaveIdentityKey(path string, key ed25519.PrivateKey) error {
	if len(key) != ed25519.PrivateKeySize {
		return fmt.Errorf("save identity key: invalid key size %d", len(key))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	block := &pem.Block{Type: identityPEMType, Bytes: key}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// KeyFingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func KeyFingerprint(publicKey ed25519.PublicKey) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:16])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(clean[i:min(i+4, len(clean))])
	}
	return b.String()
}
