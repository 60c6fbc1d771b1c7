package config

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// DecodeKey accepts a hex or base64 encoded 16/24/32-byte key.
func DecodeKey(raw string) ([]byte, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("key is empty")
	}
	if b, err := hex.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(value); err == nil && validAESKeyLen(len(b)) {
		return b, nil
	}
	return nil, fmt.Errorf("key must be hex or base64 encoded 16/24/32-byte value")
}

func validAESKeyLen(n int) bool {
	return n == 16 || n == 24 || n == 32
}

// SigningKey returns the decoded token signing key.
func (c *Config) SigningKey() ([]byte, error) {
	key, err := DecodeKey(c.TokenSigningKey)
	if err != nil {
		return nil, fmt.Errorf("invalid token signing key: %w", err)
	}
	return key, nil
}

// IdentityKey returns the key used to encode public user identifiers.
// Falls back to the token signing key when no dedicated key is configured.
func (c *Config) IdentityKey() ([]byte, error) {
	raw := c.IDTokenKey
	if strings.TrimSpace(raw) == "" {
		raw = c.TokenSigningKey
	}
	key, err := DecodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid identity key: %w", err)
	}
	return key, nil
}
