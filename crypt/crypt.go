// Package crypt derives the session API key and seals tunnel credentials.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"io"

	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/tynkerbase/tynkerbase-agent/wire"
)

const (
	apiKeySize = 32
	aesKeySize = 32
)

var (
	hkdfInfoAPIKey = []byte("tynkerbase.apikey.v1")
	hkdfInfoAES    = []byte("tynkerbase.aes.v1")
)

// SHA256 returns the lowercase hex sha256 of s.
func SHA256(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SHA384 returns the lowercase hex sha384 of s.
func SHA384(s string) string {
	sum := sha512.Sum384([]byte(s))
	return hex.EncodeToString(sum[:])
}

// GenAPIKey derives the session API key from the password's sha384 and the
// salt issued by the control plane at login.
func GenAPIKey(passSHA384, salt string) string {
	return hex.EncodeToString(derive(sha512.New384, []byte(passSHA384), []byte(salt), hkdfInfoAPIKey, apiKeySize))
}

func derive(h func() hash.Hash, secret, salt, info []byte, size int) []byte {
	out := make([]byte, size)
	r := hkdf.New(h, secret, salt, info)
	if _, err := io.ReadFull(r, out); err != nil {
		// hkdf only fails when asked for more than 255 hash lengths.
		panic("crypt: hkdf: " + err.Error())
	}
	return out
}

// Message is a possibly encrypted payload. The control plane stores tunnel
// tokens in this form.
type Message struct {
	Data      []byte `cbor:"data"`
	Nonce     []byte `cbor:"nonce"`
	Encrypted bool   `cbor:"is_encrypted"`
}

// ErrNotEncrypted is returned when opening a Message that carries plaintext.
var ErrNotEncrypted = errors.New("message is not encrypted")

// Cipher seals messages with AES-256-GCM under a key derived from the API key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the AES key from the session API key.
func NewCipher(apiKey string) (*Cipher, error) {
	key := derive(sha256.New, []byte(apiKey), nil, hkdfInfoAES, aesKeySize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "could not init aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "could not init gcm")
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext into a Message.
func (c *Cipher) Seal(plaintext []byte) (Message, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return Message{}, errors.Wrap(err, "could not generate nonce")
	}
	return Message{
		Data:      c.aead.Seal(nil, nonce, plaintext, nil),
		Nonce:     nonce,
		Encrypted: true,
	}, nil
}

// Open decrypts a Message. Messages not marked encrypted are rejected.
func (c *Cipher) Open(m Message) ([]byte, error) {
	if !m.Encrypted {
		return nil, ErrNotEncrypted
	}
	if len(m.Nonce) != c.aead.NonceSize() {
		return nil, errors.Errorf("nonce is %d bytes, expected %d", len(m.Nonce), c.aead.NonceSize())
	}
	plaintext, err := c.aead.Open(nil, m.Nonce, m.Data, nil)
	if err != nil {
		return nil, errors.Wrap(err, "could not decrypt message")
	}
	return plaintext, nil
}

// SealBytes encrypts b and encodes the resulting Message.
func (c *Cipher) SealBytes(b []byte) ([]byte, error) {
	m, err := c.Seal(b)
	if err != nil {
		return nil, err
	}
	return wire.Marshal(m)
}

// OpenBytes decodes an encoded Message and decrypts it.
func (c *Cipher) OpenBytes(b []byte) ([]byte, error) {
	var m Message
	if err := wire.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "could not decode message")
	}
	return c.Open(m)
}

func (c *Cipher) SealString(s string) ([]byte, error) {
	return c.SealBytes([]byte(s))
}

func (c *Cipher) OpenString(b []byte) (string, error) {
	plaintext, err := c.OpenBytes(b)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
