package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// EncPrefix tags encrypted string values in persisted agent configuration so
// plaintext and ciphertext can be told apart at rest.
const EncPrefix = "enc:"

// sensitiveKeys are config field names whose string values are encrypted
// before persisting. Any key ending in "_key" is also treated as sensitive.
var sensitiveKeys = map[string]struct{}{
	"password": {},
	"senha":    {},
	"secret":   {},
	"token":    {},
	"api_key":  {},
	"apikey":   {},
}

// Cipher encrypts and decrypts sensitive configuration values with
// AES-256-GCM. The key is derived from the configured encryption key by
// SHA-256, so any non-empty secret works.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the configured encryption key.
func NewCipher(key string) (*Cipher, error) {
	if key == "" {
		return nil, fmt.Errorf("config: encryption_key is not set")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("config: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("config: create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext value and returns it tagged with the enc: prefix.
// Already-encrypted values are returned unchanged.
func (c *Cipher) Encrypt(value string) (string, error) {
	if strings.HasPrefix(value, EncPrefix) {
		return value, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("config: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), nil)
	return EncPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an enc:-tagged value. Untagged values are returned as-is so
// plaintext configs keep working.
func (c *Cipher) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, EncPrefix) {
		return value, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncPrefix))
	if err != nil {
		return "", fmt.Errorf("config: decode ciphertext: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("config: ciphertext too short")
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt: %w", err)
	}
	return string(plain), nil
}

// IsSensitiveKey reports whether a config key holds a secret value.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	return strings.HasSuffix(k, "_key")
}

// EncryptSensitive walks a decoded config value (maps, slices, scalars) and
// encrypts every string stored under a sensitive key.
func (c *Cipher) EncryptSensitive(v interface{}) (interface{}, error) {
	return c.walkSensitive(v, "", c.Encrypt)
}

// DecryptSensitive is the inverse of EncryptSensitive: every enc:-tagged
// string under a sensitive key is decrypted in the returned copy.
func (c *Cipher) DecryptSensitive(v interface{}) (interface{}, error) {
	return c.walkSensitive(v, "", c.Decrypt)
}

func (c *Cipher) walkSensitive(v interface{}, key string, apply func(string) (string, error)) (interface{}, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, child := range t {
			converted, err := c.walkSensitive(child, k, apply)
			if err != nil {
				return nil, err
			}
			out[k] = converted
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, child := range t {
			converted, err := c.walkSensitive(child, key, apply)
			if err != nil {
				return nil, err
			}
			out[i] = converted
		}
		return out, nil
	case string:
		if IsSensitiveKey(key) {
			return apply(t)
		}
		return t, nil
	default:
		return v, nil
	}
}
