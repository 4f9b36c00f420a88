// Package codec provides the optional symmetric wrap/unwrap applied to
// whole wire frames. Keys are derived from a shared password with
// PBKDF2-HMAC-SHA256 so both ends only need to agree on the password.
package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	iterations = 100_000
	keyLen     = 32
)

// staticSalt must match the peer side; the password carries the secrecy.
var staticSalt = []byte("omnibridge-frame-salt-v1")

// Codec encrypts and decrypts frame payloads with AES-256-GCM. The zero
// value is not usable; construct via New. A nil *Codec passes payloads
// through unchanged, so callers need no enabled/disabled branching.
type Codec struct {
	aead cipher.AEAD
}

// New derives a key from the shared password and prepares the AEAD.
func New(password string) (*Codec, error) {
	key := pbkdf2.Key([]byte(password), staticSalt, iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Encrypt wraps plaintext as base64(nonce || ciphertext).
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	if c == nil {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// Decrypt unwraps data produced by Encrypt. Any failure — bad base64,
// short input, authentication error — returns the input unchanged. Clients
// that never encrypt keep working: their plaintext frames fall through and
// the JSON layer decides whether they parse.
func (c *Codec) Decrypt(data []byte) []byte {
	if c == nil {
		return data
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
	n, err := base64.StdEncoding.Decode(raw, data)
	if err != nil {
		return data
	}
	raw = raw[:n]
	if len(raw) <= c.aead.NonceSize() {
		return data
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return data
	}
	return plain
}
