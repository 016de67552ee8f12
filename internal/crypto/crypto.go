// Package crypto encrypts queued patient data at rest.
// Uses AES-256-GCM for authenticated encryption.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

var (
	// ErrInvalidCiphertext is returned when decryption fails.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrInvalidKey is returned when the key is invalid.
	ErrInvalidKey = errors.New("invalid key")
)

// sealedPrefix tags values produced by PayloadCipher so plaintext rows written
// before encryption was enabled can still be read.
const sealedPrefix = "gcm1:"

// Encrypt encrypts plaintext using AES-256-GCM.
// The key is derived from the input using SHA-256.
func Encrypt(plaintext, key []byte) (string, error) {
	derivedKey := sha256.Sum256(key)

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)

	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts ciphertext that was encrypted with Encrypt.
func Decrypt(ciphertext string, key []byte) ([]byte, error) {
	derivedKey := sha256.Sum256(key)

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(derivedKey[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrInvalidCiphertext
	}

	nonce, cipherData := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, cipherData, nil)
	if err != nil {
		return nil, ErrInvalidCiphertext
	}

	return plaintext, nil
}

// PayloadCipher seals queue payloads before they reach the local database.
type PayloadCipher struct {
	key []byte
}

// NewPayloadCipher creates a cipher from a configured secret.
func NewPayloadCipher(secret string) (*PayloadCipher, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	return &PayloadCipher{key: DeriveKey(secret)}, nil
}

// Seal encrypts value and tags it so Open can recognise it.
func (c *PayloadCipher) Seal(value []byte) (string, error) {
	enc, err := Encrypt(value, c.key)
	if err != nil {
		return "", err
	}
	return sealedPrefix + enc, nil
}

// Open decrypts a sealed value. Untagged values are returned as-is.
func (c *PayloadCipher) Open(stored string) ([]byte, error) {
	if !IsSealed(stored) {
		return []byte(stored), nil
	}
	return Decrypt(strings.TrimPrefix(stored, sealedPrefix), c.key)
}

// IsSealed reports whether stored was produced by PayloadCipher.Seal.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, sealedPrefix)
}

const (
	keySize          = 32
	pbkdf2Iterations = 100000
)

// keySalt is fixed: the same secret must open payloads written by an
// earlier run.
var keySalt = []byte("clinicsync/local-queue/v1")

// DeriveKey derives a consistent key from a configured secret.
func DeriveKey(secret string) []byte {
	return pbkdf2.Key([]byte(secret), keySalt, pbkdf2Iterations, keySize, sha256.New)
}
