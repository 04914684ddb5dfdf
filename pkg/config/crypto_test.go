package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("test-key")
	if err != nil {
		t.Fatalf("NewCipher() error = %v", err)
	}

	for _, plain := range []string{"", "sk-abc123", "senha com espaços e acentuação"} {
		enc, err := c.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plain, err)
		}
		if !strings.HasPrefix(enc, EncPrefix) {
			t.Errorf("Encrypt(%q) = %q, missing %q prefix", plain, enc, EncPrefix)
		}
		dec, err := c.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if dec != plain {
			t.Errorf("round trip = %q, want %q", dec, plain)
		}
	}
}

func TestCipherEncryptIdempotent(t *testing.T) {
	c, _ := NewCipher("test-key")
	enc, _ := c.Encrypt("value")
	again, err := c.Encrypt(enc)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if again != enc {
		t.Error("re-encrypting a ciphertext should be a no-op")
	}
}

func TestCipherDecryptPlaintextPassthrough(t *testing.T) {
	c, _ := NewCipher("test-key")
	got, err := c.Decrypt("not-encrypted")
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if got != "not-encrypted" {
		t.Errorf("Decrypt() = %q, want passthrough", got)
	}
}

func TestCipherWrongKey(t *testing.T) {
	c1, _ := NewCipher("key-one")
	c2, _ := NewCipher("key-two")
	enc, _ := c1.Encrypt("secret")
	if _, err := c2.Decrypt(enc); err == nil {
		t.Error("Decrypt() with wrong key should fail")
	}
}

func TestNewCipherEmptyKey(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("NewCipher(\"\") should fail")
	}
}

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"senha", true},
		{"api_key", true},
		{"APIKEY", true},
		{"qdrant_api_key", true},
		{"encryption_key", true},
		{"token", true},
		{"model", false},
		{"system_prompt", false},
		{"keyboard", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveKey(tt.key); got != tt.want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestEncryptSensitiveWalksNested(t *testing.T) {
	c, _ := NewCipher("test-key")

	in := map[string]interface{}{
		"id":      "agent-1",
		"api_key": "sk-secret",
		"rag": map[string]interface{}{
			"index_name": "docs",
		},
		"tools": []interface{}{
			map[string]interface{}{"name": "lookup", "token": "tok-1"},
		},
	}

	encAny, err := c.EncryptSensitive(in)
	if err != nil {
		t.Fatalf("EncryptSensitive() error = %v", err)
	}
	enc := encAny.(map[string]interface{})

	if enc["id"] != "agent-1" {
		t.Error("non-sensitive field should be unchanged")
	}
	if !strings.HasPrefix(enc["api_key"].(string), EncPrefix) {
		t.Error("api_key should be encrypted")
	}
	toolTok := enc["tools"].([]interface{})[0].(map[string]interface{})["token"].(string)
	if !strings.HasPrefix(toolTok, EncPrefix) {
		t.Error("nested tool token should be encrypted")
	}

	dec, err := c.DecryptSensitive(enc)
	require.NoError(t, err)
	require.Equal(t, in, dec, "decrypting the encrypted document must restore it")
}
