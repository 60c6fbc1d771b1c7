// Package identity encodes numeric user IDs as opaque public identifiers.
// The encoding is deterministic and reversible with the configured key, so
// the same user always gets the same identifier but clients cannot derive
// the underlying ID or enumerate users.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"

	"github.com/centrorum/community-service/internal/config"
)

// ErrInvalidIdentifier is returned for identifiers that do not decode to a
// user ID.
var ErrInvalidIdentifier = errors.New("invalid user identifier")

// magic fills the high half of the encrypted block so decode can reject
// tokens produced with a different key.
var magic = [8]byte{'c', 'm', 'u', 'i', 'd', 0x01, 0x00, 0x00}

// Codec converts between numeric user IDs and opaque identifiers.
type Codec struct {
	block cipher.Block
}

// NewCodec builds a Codec from the application config's identity key.
func NewCodec(cfg *config.Config) (*Codec, error) {
	key, err := cfg.IdentityKey()
	if err != nil {
		return nil, err
	}
	return NewCodecWithKey(key)
}

// NewCodecWithKey builds a Codec from a raw 16/24/32-byte AES key.
func NewCodecWithKey(key []byte) (*Codec, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &Codec{block: block}, nil
}

// Encode returns the opaque identifier for a user ID.
func (c *Codec) Encode(userID uint64) string {
	var plain [aes.BlockSize]byte
	copy(plain[:8], magic[:])
	binary.BigEndian.PutUint64(plain[8:], userID)

	var enc [aes.BlockSize]byte
	c.block.Encrypt(enc[:], plain[:])
	return base64.RawURLEncoding.EncodeToString(enc[:])
}

// Decode reverses Encode. Returns ErrInvalidIdentifier for malformed input
// or identifiers produced with a different key.
func (c *Codec) Decode(identifier string) (uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(identifier)
	if err != nil || len(raw) != aes.BlockSize {
		return 0, ErrInvalidIdentifier
	}

	var plain [aes.BlockSize]byte
	c.block.Decrypt(plain[:], raw)
	for i := range magic {
		if plain[i] != magic[i] {
			return 0, ErrInvalidIdentifier
		}
	}
	return binary.BigEndian.Uint64(plain[8:]), nil
}

// Resolve maps a public identifier to a user ID. Tries the opaque form
// first and falls back to a bare numeric ID, which older clients still send.
func (c *Codec) Resolve(identifier string) (uint64, error) {
	if identifier == "" {
		return 0, ErrInvalidIdentifier
	}
	if id, err := c.Decode(identifier); err == nil {
		return id, nil
	}
	id, err := strconv.ParseUint(identifier, 10, 64)
	if err != nil {
		return 0, ErrInvalidIdentifier
	}
	return id, nil
}
