// Package cryptoutils seals small secrets with AES-256-GCM under a key derived from the site secret.
package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// ErrEmptySecret is returned when no site secret is supplied.
var ErrEmptySecret = errors.New("site secret is empty")

func deriveKey(siteSecret string) ([]byte, error) {
	if siteSecret == "" {
		return nil, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(siteSecret))
	return sum[:], nil
}

func newGCM(siteSecret string) (cipher.AEAD, error) {
	key, err := deriveKey(siteSecret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func Seal(plaintext, siteSecret string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(siteSecret)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(nonce, ciphertext...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Open reverses Seal.
func Open(sealed, siteSecret string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	gcm, err := newGCM(siteSecret)
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce := raw[:gcm.NonceSize()]
	ciphertext := raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
