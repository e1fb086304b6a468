// Package crypto encrypts individual database columns with AES-256-GCM.
//
// Stored values look like "enc:v1:<base64(nonce+ciphertext)>". Each value is
// bound to a caller supplied context string (typically the owning row id) so
// a ciphertext copied onto another row fails to decrypt.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const prefix = "enc:v1:"

// ErrMalformed is returned for values carrying the prefix that cannot be decoded.
var ErrMalformed = errors.New("crypto: malformed ciphertext")

// FieldEncryptor encrypts and decrypts string fields. Safe for concurrent use.
type FieldEncryptor struct {
	gcm cipher.AEAD
}

// DeriveFieldEncryptor derives an AES-256 key from masterSecret with HKDF.
// purpose separates keys derived from the same secret.
func DeriveFieldEncryptor(masterSecret []byte, purpose string) (*FieldEncryptor, error) {
	if len(masterSecret) < 16 {
		return nil, errors.New("crypto: master secret must be at least 16 bytes")
	}
	hkdfReader := hkdf.New(sha256.New, masterSecret, []byte("bosun-field-encryption"), []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &FieldEncryptor{gcm: gcm}, nil
}

// Encrypt seals plaintext bound to boundTo. Empty plaintext stays empty.
func (fe *FieldEncryptor) Encrypt(plaintext, boundTo string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, fe.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}
	ciphertext := fe.gcm.Seal(nonce, nonce, []byte(plaintext), []byte(boundTo))
	return prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt with the same boundTo. Values
// without the prefix are returned unchanged so rows written before
// encryption was enabled keep working.
func (fe *FieldEncryptor) Decrypt(stored, boundTo string) (string, error) {
	if !strings.HasPrefix(stored, prefix) {
		return stored, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, prefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	nonceSize := fe.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: too short", ErrMalformed)
	}
	plaintext, err := fe.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(boundTo))
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether stored carries the encryption prefix.
func IsEncrypted(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}
