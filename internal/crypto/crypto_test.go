// Package crypto tests for payload encryption.
package crypto

import (
	"errors"
	"strings"
	"testing"
)

// TestEncryptDecrypt_roundtrip verifies basic encryption and decryption.
func TestEncryptDecrypt_roundtrip(t *testing.T) {
	plaintext := []byte(`{"name":"Jane Doe","phone":"9876543210"}`)
	key := []byte("test-key-12345")

	ciphertext, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if ciphertext == "" {
		t.Fatal("Encrypt() returned empty string")
	}

	decrypted, err := Decrypt(ciphertext, key)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Errorf("Decrypt() = %q, want %q", decrypted, plaintext)
	}
}

// TestEncrypt_sameKeyDifferentNonce verifies each encryption produces unique ciphertext.
func TestEncrypt_sameKeyDifferentNonce(t *testing.T) {
	plaintext := []byte("Hello, World!")
	key := []byte("test-key-12345")

	c1, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := Encrypt(plaintext, key)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if c1 == c2 {
		t.Error("Encrypt() twice with same key produced same ciphertext")
	}
}

// TestDecrypt_wrongKey verifies authentication fails with another key.
func TestDecrypt_wrongKey(t *testing.T) {
	ciphertext, err := Encrypt([]byte("secret"), []byte("right"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	_, err = Decrypt(ciphertext, []byte("wrong"))
	if !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt() error = %v, want ErrInvalidCiphertext", err)
	}
}

// TestDecrypt_invalidInput verifies malformed ciphertext is rejected.
func TestDecrypt_invalidInput(t *testing.T) {
	key := []byte("k")
	for _, in := range []string{"not base64!!", "", "AAAA"} {
		if _, err := Decrypt(in, key); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("Decrypt(%q) error = %v, want ErrInvalidCiphertext", in, err)
		}
	}
}

// TestNewPayloadCipher_emptySecret verifies an empty secret is refused.
func TestNewPayloadCipher_emptySecret(t *testing.T) {
	if _, err := NewPayloadCipher(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("NewPayloadCipher(\"\") error = %v, want ErrInvalidKey", err)
	}
}

// TestPayloadCipher_SealOpen verifies tagged roundtrip.
func TestPayloadCipher_SealOpen(t *testing.T) {
	c, err := NewPayloadCipher("clinic-secret")
	if err != nil {
		t.Fatalf("NewPayloadCipher() error = %v", err)
	}

	sealed, err := c.Seal([]byte(`{"diagnosis":"OA knee"}`))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if !IsSealed(sealed) {
		t.Fatalf("Seal() output %q is not tagged", sealed)
	}
	if strings.Contains(sealed, "OA knee") {
		t.Error("sealed value leaks plaintext")
	}

	opened, err := c.Open(sealed)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(opened) != `{"diagnosis":"OA knee"}` {
		t.Errorf("Open() = %q", opened)
	}
}

// TestPayloadCipher_OpenPlaintext verifies rows written before encryption
// was enabled pass through unchanged.
func TestPayloadCipher_OpenPlaintext(t *testing.T) {
	c, _ := NewPayloadCipher("clinic-secret")

	got, err := c.Open(`{"a":1}`)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if string(got) != `{"a":1}` {
		t.Errorf("Open() = %q, want passthrough", got)
	}
}

// TestDeriveKey verifies derivation is deterministic and 32 bytes.
func TestDeriveKey(t *testing.T) {
	a := DeriveKey("x")
	b := DeriveKey("x")
	if len(a) != 32 {
		t.Fatalf("len(DeriveKey) = %d, want 32", len(a))
	}
	if string(a) != string(b) {
		t.Error("DeriveKey is not deterministic")
	}
	if string(a) == string(DeriveKey("y")) {
		t.Error("different secrets produced the same key")
	}
}
