package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/dbelyaev/tabkeeper/internal/common"
)

// Cipher provides authenticated encryption of arbitrary payloads keyed by
// an identity context. Each call to Encrypt uses a fresh salt and nonce,
// so the same plaintext encrypted twice yields unlinkable blobs.
//
// Blob layout, base64-encoded: salt (32) ‖ nonce (12) ‖ ciphertext+tag.
// A blob is self-contained: the correct identity context plus the blob
// string are sufficient to decrypt, no auxiliary state needed.
type Cipher struct {
	deriver *Deriver
}

// NewCipher returns a Cipher backed by the given key deriver.
func NewCipher(deriver *Deriver) *Cipher {
	return &Cipher{deriver: deriver}
}

// Encrypt derives a key with a fresh salt, encrypts plaintext with
// AES-256-GCM under a fresh nonce, and returns the encoded blob.
// Fails closed with common.ErrMissingIdentity when the identity context
// is incomplete; never falls back to storing plaintext.
func (c *Cipher) Encrypt(plaintext []byte, userID, userEmail string) (string, error) {
	key, salt, err := c.deriver.Derive(userID, userEmail, nil)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(key)

	nonce := common.GenerateRandByteArray(NonceSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}

	ciphertext := aesgcm.Seal(nil, nonce, plaintext, nil)

	blob := make([]byte, 0, SaltSize+NonceSize+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt splits the blob by fixed offsets, re-derives the key with the
// embedded salt, and authenticates-and-decrypts. Any tampering, truncation
// or wrong identity surfaces as common.ErrDecryptionFailed; partial or
// best-effort plaintext is never returned.
func (c *Cipher) Decrypt(blob string, userID, userEmail string) ([]byte, error) {
	if userID == "" || userEmail == "" {
		return nil, common.ErrMissingIdentity
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, fmt.Errorf("%w: not base64: %v", common.ErrDecryptionFailed, err)
	}
	// GCM tag alone is 16 bytes, so anything shorter cannot be a valid blob.
	if len(raw) < SaltSize+NonceSize+16 {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", common.ErrDecryptionFailed, len(raw))
	}

	salt := raw[:SaltSize]
	nonce := raw[SaltSize : SaltSize+NonceSize]
	ciphertext := raw[SaltSize+NonceSize:]

	key, _, err := c.deriver.Derive(userID, userEmail, salt)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrKeyDerivation, err)
	}

	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
