// Package secret handles decryption of stored server credentials.
//
// Credentials are persisted as ciphertext in server_configurations and only
// decrypted at the moment a connection is opened. The orchestration layer
// depends on the Decryptor interface so tests and plaintext deployments can
// substitute the no-op implementation.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	"github.com/halyardhq/halyard/errors"
)

// Decryptor turns a stored credential ciphertext into plaintext.
type Decryptor interface {
	Decrypt(ciphertext string) (string, error)
}

// Plaintext is a no-op Decryptor for deployments that store credentials
// unencrypted (development, tests).
type Plaintext struct{}

func (Plaintext) Decrypt(ciphertext string) (string, error) {
	return ciphertext, nil
}

// AESGCM decrypts credentials sealed with AES-256-GCM. The ciphertext wire
// format is base64(nonce || sealed).
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM creates an AESGCM from a hex-encoded 32-byte key.
func NewAESGCM(hexKey string) (*AESGCM, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.Wrap(err, "credential key is not valid hex")
	}
	if len(key) != 32 {
		return nil, errors.Newf("credential key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return &AESGCM{aead: aead}, nil
}

// FromKey returns an AESGCM when hexKey is non-empty, otherwise Plaintext.
func FromKey(hexKey string) (Decryptor, error) {
	if hexKey == "" {
		return Plaintext{}, nil
	}
	return NewAESGCM(hexKey)
}

// Decrypt opens a base64(nonce || sealed) ciphertext.
func (a *AESGCM) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", errors.Wrap(err, "ciphertext is not valid base64")
	}

	nonceSize := a.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("ciphertext shorter than nonce")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := a.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt credential")
	}
	return string(plain), nil
}

// Encrypt seals a plaintext credential for storage. Used by provisioning
// tooling and tests.
func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}
