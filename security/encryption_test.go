package security

import (
	"strings"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	if !enc.IsEnabled() {
		t.Fatal("encryptor with key should be enabled")
	}

	for _, plaintext := range []string{"upstream-access-token", strings.Repeat("x", 4096), "ünïcødé"} {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if sealed == plaintext {
			t.Fatal("Encrypt() returned plaintext")
		}
		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if opened != plaintext {
			t.Errorf("Decrypt() = %q, want %q", opened, plaintext)
		}
	}
}

func TestEncryptor_NonceIsFresh(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Error("two encryptions of the same plaintext should differ")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatalf("NewEncryptor(nil) error = %v", err)
	}
	if enc.IsEnabled() {
		t.Fatal("encryptor without key should be disabled")
	}
	got, _ := enc.Encrypt("plain")
	if got != "plain" {
		t.Errorf("disabled Encrypt() = %q, want passthrough", got)
	}

	var nilEnc *Encryptor
	if nilEnc.IsEnabled() {
		t.Error("nil encryptor should report disabled")
	}
}

func TestEncryptor_EmptyStringPassesThrough(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)

	sealed, err := enc.Encrypt("")
	if err != nil || sealed != "" {
		t.Errorf("Encrypt(\"\") = %q, %v; want empty, nil", sealed, err)
	}
}

func TestEncryptor_Tampering(t *testing.T) {
	key, _ := GenerateKey()
	enc, _ := NewEncryptor(key)
	otherKey, _ := GenerateKey()
	other, _ := NewEncryptor(otherKey)

	sealed, _ := enc.Encrypt("secret")

	if _, err := other.Decrypt(sealed); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
	if _, err := enc.Decrypt("%%%"); err == nil {
		t.Error("Decrypt() of invalid base64 should fail")
	}
	if _, err := enc.Decrypt("AAAA"); err == nil {
		t.Error("Decrypt() of short ciphertext should fail")
	}
}

func TestNewEncryptor_InvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("too-short")); err == nil {
		t.Error("NewEncryptor() with short key should fail")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if string(decoded) != string(key) {
		t.Error("key did not round-trip")
	}
	if _, err := KeyFromBase64(KeyToBase64([]byte("short"))); err == nil {
		t.Error("KeyFromBase64() should reject short keys")
	}
}
