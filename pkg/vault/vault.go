// Package vault encrypts OAuth credentials at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const keySize = 32

var (
	// ErrCryptoConfig indicates an unusable key at startup. Fatal: the
	// process must not run without a valid key.
	ErrCryptoConfig = errors.New("invalid crypto configuration")

	// ErrDecryptFailed is returned for any decrypt failure. Deliberately
	// opaque: the message never carries plaintext or key material.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Vault performs symmetric AEAD encryption with a process-wide key.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a base64-encoded key that must decode to exactly
// 32 bytes. Any other length or a decode failure is a startup error.
func New(encodedKey string) (*Vault, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("%w: key is not set", ErrCryptoConfig)
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key is not valid base64", ErrCryptoConfig)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: key decodes to %d bytes, want %d", ErrCryptoConfig, len(key), keySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoConfig, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoConfig, err)
	}

	return &Vault{aead: aead}, nil
}

// Binding is the associated data bound into every ciphertext so encrypted
// tokens cannot be replayed across tenants, providers, or accounts.
type Binding struct {
	TenantID          string
	ProviderName      string
	ExternalAccountID string
}

func (b Binding) bytes() []byte {
	return []byte(b.TenantID + "\x00" + b.ProviderName + "\x00" + b.ExternalAccountID)
}

// Encrypt seals plaintext with a fresh random nonce. The nonce is prepended
// to the returned ciphertext.
func (v *Vault) Encrypt(plaintext []byte, binding Binding) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nil, nonce, plaintext, binding.bytes())
	return append(nonce, sealed...), nil
}

// Decrypt opens ciphertext produced by Encrypt with the same binding.
func (v *Vault) Decrypt(ciphertext []byte, binding Binding) ([]byte, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return nil, ErrDecryptFailed
	}

	nonce := ciphertext[:v.aead.NonceSize()]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext[v.aead.NonceSize():], binding.bytes())
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string tokens.
func (v *Vault) EncryptString(plaintext string, binding Binding) ([]byte, error) {
	return v.Encrypt([]byte(plaintext), binding)
}

// DecryptString is Decrypt for string tokens.
func (v *Vault) DecryptString(ciphertext []byte, binding Binding) (string, error) {
	plaintext, err := v.Decrypt(ciphertext, binding)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
