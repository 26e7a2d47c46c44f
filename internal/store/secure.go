// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/opentalk-app/opentalk/internal/util"
)

// At-rest encryption for sensitive setting values (the API key).
// Format: ENC:base64(salt | nonce | ciphertext+tag), AES-256-GCM with a
// PBKDF2-derived key from a locally generated secret file.

const (
	// encPrefix marks an encrypted value.
	encPrefix = "ENC:"

	// nonceSize is the AES-GCM nonce length.
	nonceSize = 12

	// keySize is the AES-256 key length.
	keySize = 32

	// saltSize is the per-value PBKDF2 salt length.
	saltSize = 16

	// pbkdf2Iterations follows current OWASP guidance for PBKDF2-SHA-256.
	pbkdf2Iterations = 600000

	// secretSize is the length of the generated local secret.
	secretSize = 32
)

var (
	// ErrInvalidCiphertext indicates a malformed encrypted value.
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed indicates a wrong key or tampered data.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// IsEncrypted reports whether a stored value carries the encrypted marker.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Cipher encrypts and decrypts setting values with a secret loaded from a
// key file in the data directory.
type Cipher struct {
	secret []byte
}

// NewCipher loads the secret from keyPath, generating it on first use.
// The key file is created with owner-only permissions.
func NewCipher(keyPath string) (*Cipher, error) {
	secret, err := os.ReadFile(keyPath)
	if err == nil && len(secret) == secretSize {
		return &Cipher{secret: secret}, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	secret = make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	if err := util.AtomicWriteFile(keyPath, secret, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return &Cipher{secret: secret}, nil
}

// deriveKey stretches the local secret with a per-value salt.
func (c *Cipher) deriveKey(salt []byte) []byte {
	return pbkdf2.Key(c.secret, salt, pbkdf2Iterations, keySize, sha256.New)
}

// Encrypt seals plaintext and returns the ENC:-prefixed encoding.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, saltSize+nonceSize+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return encPrefix + base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens an ENC:-prefixed value.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return "", ErrInvalidCiphertext
	}
	blob, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(blob) < saltSize+nonceSize {
		return "", ErrInvalidCiphertext
	}

	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+nonceSize]
	sealed := blob[saltSize+nonceSize:]

	block, err := aes.NewCipher(c.deriveKey(salt))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
