// Package cryptox implements the client-side credential protection
// primitives: per-identity key derivation and authenticated encryption of
// cached secrets into self-contained blobs.
package cryptox

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dbelyaev/tabkeeper/internal/common"
)

const (
	// SaltSize is the length of the random salt embedded in every blob.
	SaltSize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// KeySize is the derived symmetric key length (AES-256).
	KeySize = 32

	// DefaultIterations is the PBKDF2 iteration count used in production.
	// Tests inject smaller counts through NewDeriver.
	DefaultIterations = 1_000_000

	// keyDomain is mixed into the key material so keys derived here can
	// never collide with keys derived for another purpose from the same
	// identity.
	keyDomain = "tabkeeper.credential.v1"
)

// Deriver turns an identity context (user id, user email) plus a salt into
// a symmetric encryption key. Derivation is deterministic for identical
// inputs, so a second tab can decrypt data encrypted by the first.
type Deriver struct {
	iterations int
}

// NewDeriver returns a Deriver using the given PBKDF2 iteration count.
// Non-positive values fall back to DefaultIterations.
func NewDeriver(iterations int) *Deriver {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Deriver{iterations: iterations}
}

// Derive stretches (userID, userEmail, keyDomain) through PBKDF2-SHA256
// into a 256-bit key. If salt is nil a fresh random salt is generated.
// The salt actually used is always returned so callers can embed it in
// the resulting blob.
func (d *Deriver) Derive(userID, userEmail string, salt []byte) (key, usedSalt []byte, err error) {
	if userID == "" || userEmail == "" {
		return nil, nil, common.ErrMissingIdentity
	}

	if salt == nil {
		salt = common.GenerateRandByteArray(SaltSize)
	}
	if len(salt) != SaltSize {
		return nil, nil, fmt.Errorf("%w: salt must be %d bytes, got %d", common.ErrKeyDerivation, SaltSize, len(salt))
	}

	material := userID + ":" + userEmail + ":" + keyDomain
	key = pbkdf2.Key([]byte(material), salt, d.iterations, KeySize, sha256.New)

	return key, salt, nil
}
