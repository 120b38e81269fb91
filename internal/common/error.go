// Package common defines shared constants and sentinel errors used across
// the tabkeeper client layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// API-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrorUnauthorized = errors.New("unauthorized")

	// Crypto errors. ErrKeyDerivation is fatal to the current operation:
	// there is never a plaintext fallback for user-scoped data.
	ErrKeyDerivation    = errors.New("key derivation failed")
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrMissingIdentity is returned when an encrypt/decrypt of user-scoped
	// data is attempted without an identity context (fail closed).
	ErrMissingIdentity = errors.New("missing identity context")

	// ErrInvalidToken is returned for a token whose expiry claim cannot
	// be read. Expired tokens are not an error; reads past expiry simply
	// yield no credential.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidRecord indicates a persisted session record that failed
	// shape validation and must be treated as corrupted.
	ErrInvalidRecord = errors.New("invalid session record")
)
