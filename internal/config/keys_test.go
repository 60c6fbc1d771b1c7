package config

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeKey(t *testing.T) {
	hexKey := "000102030405060708090a0b0c0d0e0f"
	key, err := DecodeKey(hexKey)
	require.NoError(t, err)
	assert.Len(t, key, 16)

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err = DecodeKey(base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	key, err = DecodeKey(base64.RawStdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, key)

	_, err = DecodeKey("")
	assert.Error(t, err)
	_, err = DecodeKey("too short")
	assert.Error(t, err)
	// Valid hex but not an AES key length.
	_, err = DecodeKey("0001")
	assert.Error(t, err)
}

func TestIdentityKeyFallsBackToSigningKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TokenSigningKey = "000102030405060708090a0b0c0d0e0f"

	key, err := cfg.IdentityKey()
	require.NoError(t, err)
	signing, err := cfg.SigningKey()
	require.NoError(t, err)
	assert.Equal(t, signing, key)

	cfg.IDTokenKey = "0f0e0d0c0b0a09080706050403020100"
	key, err = cfg.IdentityKey()
	require.NoError(t, err)
	assert.NotEqual(t, signing, key)
}
