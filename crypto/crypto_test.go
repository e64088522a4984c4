package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestEncryptor(t *testing.T) *AESEncryptor {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	enc, err := NewAESEncryptor(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}
	return enc
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{name: "empty key", key: "", errorMsg: "encryption key is empty"},
		{name: "invalid base64", key: "not-valid-base64!@#$", errorMsg: "base64 decode failed"},
		{name: "key too short", key: base64.StdEncoding.EncodeToString(make([]byte, 16)), errorMsg: "must be 32 bytes"},
		{name: "valid key", key: base64.StdEncoding.EncodeToString(make([]byte, 32))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewAESEncryptor(tt.key)
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("NewAESEncryptor() error = %v, want error containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil || enc == nil {
				t.Fatalf("NewAESEncryptor() = %v, %v", enc, err)
			}
		})
	}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	enc := newTestEncryptor(t)
	for _, pt := range []string{"x", "oauth-access-token", strings.Repeat("a", 1000), "héal 💓"} {
		ct, err := enc.Encrypt([]byte(pt))
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", pt, err)
		}
		if bytes.Contains(ct, []byte(pt)) {
			t.Errorf("ciphertext leaks plaintext %q", pt)
		}
		got, err := enc.Decrypt(ct)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if string(got) != pt {
			t.Errorf("Decrypt() = %q, want %q", got, pt)
		}
	}
}

func TestEncrypt_FreshNonce(t *testing.T) {
	enc := newTestEncryptor(t)
	a, _ := enc.Encrypt([]byte("same"))
	b, _ := enc.Encrypt([]byte("same"))
	if bytes.Equal(a, b) {
		t.Error("two encryptions of the same plaintext produced identical ciphertexts")
	}
}

func TestDecrypt_Rejects(t *testing.T) {
	enc := newTestEncryptor(t)
	other := newTestEncryptor(t)

	sealed, err := enc.Encrypt([]byte("sensitive data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01

	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil || !strings.Contains(err.Error(), "too short") {
		t.Errorf("short ciphertext: err = %v", err)
	}
	if _, err := enc.Decrypt(tampered); !errors.Is(err, ErrOpen) {
		t.Errorf("tampered ciphertext: err = %v, want ErrOpen", err)
	}
	if _, err := other.Decrypt(sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("wrong key: err = %v, want ErrOpen", err)
	}
}

func TestEncryptString(t *testing.T) {
	enc := newTestEncryptor(t)
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", s, err)
	}
	sealed, err := EncryptString(enc, "refresh-token")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(sealed); err != nil {
		t.Errorf("EncryptString() result is not base64: %v", err)
	}
	got, err := DecryptString(enc, sealed)
	if err != nil || got != "refresh-token" {
		t.Errorf("DecryptString() = %q, %v", got, err)
	}
	if _, err := DecryptString(enc, "%%%"); err == nil {
		t.Error("DecryptString() accepted invalid base64")
	}
}
