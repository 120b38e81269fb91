// Package vault holds the live bearer token decrypted in process memory
// with a bounded lifetime. The token is re-encrypted under an ephemeral
// per-process key that is never persisted and is regenerated every time
// the tab starts, so the token never sits as plaintext in a long-lived
// field.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dbelyaev/tabkeeper/internal/common"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

const nonceSize = 12

// obfuscationMask is the fallback applied when no ephemeral key could be
// created. Not a security boundary, only a defense against casual
// inspection of process memory.
var obfuscationMask = []byte{0x5a, 0xa5, 0x3c, 0xc3, 0x0f, 0xf0}

// Vault is the in-memory token holder. One vault per tab, explicitly
// constructed and owned by the session controller.
type Vault struct {
	mu sync.Mutex

	aead       cipher.AEAD // nil when running in obfuscation fallback
	sealed     []byte      // nonce ‖ ciphertext, or obfuscated bytes
	obfuscated bool
	expiresAt  time.Time
	timer      *time.Timer

	// gen is bumped on every SetToken. The expiry callback captures the
	// generation it was armed for, so a timer that fired for an old
	// token and then parked on the mutex cannot wipe a newer one.
	gen uint64

	// cached is the synchronous read-through copy, refreshed on SetToken
	// and on every successful Token call. It may be stale by one read.
	cached string

	log logging.Logger
	now func() time.Time
}

// New constructs a vault with a fresh ephemeral key. If the platform
// cannot supply key material the vault degrades to reversible
// obfuscation and logs that encryption is degraded.
func New(log logging.Logger) *Vault {
	v := &Vault{log: log, now: time.Now}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		v.log.Warn(context.Background(), "vault encryption degraded to obfuscation", "error", err)
		return v
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		v.log.Warn(context.Background(), "vault encryption degraded to obfuscation", "error", err)
		return v
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		v.log.Warn(context.Background(), "vault encryption degraded to obfuscation", "error", err)
		return v
	}
	v.aead = aead
	return v
}

// SetToken parses the expiry claim from the token, seals the token under
// the ephemeral key, and arms a one-shot timer to clear the vault at the
// expiry instant. A token whose expiry is already past is stored but the
// very next read observes it as absent.
func (v *Vault) SetToken(token string) error {
	expiresAt, err := parseExpiry(token)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.wipeLocked()

	if v.aead != nil {
		nonce := common.GenerateRandByteArray(nonceSize)
		v.sealed = append(nonce, v.aead.Seal(nil, nonce, []byte(token), nil)...)
		v.obfuscated = false
	} else {
		v.sealed = xorMask([]byte(token))
		v.obfuscated = true
		v.log.Warn(context.Background(), "storing token with degraded obfuscation")
	}

	v.cached = token
	v.expiresAt = expiresAt

	v.gen++
	gen := v.gen
	until := expiresAt.Sub(v.now())
	if until < 0 {
		until = 0
	}
	v.timer = time.AfterFunc(until, func() { v.expire(gen) })

	return nil
}

// expire is the timer callback. Stop cannot cancel a callback that has
// already fired and is waiting on the mutex, so the generation check is
// what keeps a stale timer from wiping a token set after it fired.
func (v *Vault) expire(gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if gen != v.gen {
		return
	}
	v.wipeLocked()
}

// Token decrypts and returns the live token. Past expiry (or after
// Clear) it returns ok=false; a missed expiry, e.g. after suspension,
// clears the vault on this read.
func (v *Vault) Token() (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.liveLocked() {
		return "", false
	}

	var token string
	if v.obfuscated {
		token = string(xorMask(v.sealed))
	} else {
		plain, err := v.aead.Open(nil, v.sealed[:nonceSize], v.sealed[nonceSize:], nil)
		if err != nil {
			v.log.Error(context.Background(), "vault unseal failed, clearing", "error", err)
			v.wipeLocked()
			return "", false
		}
		token = string(plain)
	}

	v.cached = token
	return token, true
}

// TokenSync returns the synchronous cached copy, or "" when the vault is
// empty or expired. It never blocks on the decrypt path.
func (v *Vault) TokenSync() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.liveLocked() {
		return ""
	}
	return v.cached
}

// Clear overwrites the sealed token before releasing it, resets expiry,
// and invalidates the synchronous cache.
func (v *Vault) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipeLocked()
}

// ExpiresAt reports the current expiry instant (zero when empty).
func (v *Vault) ExpiresAt() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.expiresAt
}

// liveLocked reports whether a non-expired token is held, clearing state
// when the timer missed the expiry instant.
func (v *Vault) liveLocked() bool {
	if v.sealed == nil {
		return false
	}
	if !v.now().Before(v.expiresAt) {
		v.wipeLocked()
		return false
	}
	return true
}

func (v *Vault) wipeLocked() {
	common.WipeByteArray(v.sealed)
	v.sealed = nil
	v.obfuscated = false
	v.cached = ""
	v.expiresAt = time.Time{}
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

// parseExpiry extracts the absolute expiry instant from the token's exp
// claim. The signature is deliberately not verified here: the vault is a
// cache, the server remains the authority on token validity.
func parseExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", common.ErrInvalidToken, err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp claim", common.ErrInvalidToken)
	}
	return claims.ExpiresAt.Time, nil
}

func xorMask(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[i] = b ^ obfuscationMask[i%len(obfuscationMask)]
	}
	return out
}
