// Package securestore is the facade over the cache store for cached
// account projections: the API-key list and the account balance. API keys
// are encrypted at rest under the identity context; the balance is kept
// as a plaintext numeric string, a deliberate trade of encryption
// overhead against its low sensitivity.
package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/dbelyaev/tabkeeper/internal/client/store"
	"github.com/dbelyaev/tabkeeper/internal/common"
	"github.com/dbelyaev/tabkeeper/internal/cryptox"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

// IdentityProvider supplies the identity context for key derivation.
// ok=false means anonymous: every user-scoped operation then fails
// closed, nothing is ever written as plaintext instead.
type IdentityProvider interface {
	Identity() (id, email string, ok bool)
}

// APIKey is the cached projection of one platform API key.
type APIKey struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	Key       string `json:"key"`
	CreatedAt int64  `json:"createdAt,omitempty"`
}

// SecureStorage reads and writes cached account projections.
type SecureStorage struct {
	store    store.Store
	cipher   *cryptox.Cipher
	identity IdentityProvider
	log      logging.Logger

	// legacyFallback permits one best-effort plaintext parse when a
	// cached value fails decryption, re-encrypting it on success. The
	// single sanctioned exception to fail-closed, kept behind this flag
	// so it can be retired once no legacy unencrypted data remains.
	legacyFallback bool
}

// Option configures a SecureStorage.
type Option func(*SecureStorage)

// WithLegacyPlaintextFallback toggles the legacy-format migration path.
func WithLegacyPlaintextFallback(enabled bool) Option {
	return func(s *SecureStorage) { s.legacyFallback = enabled }
}

// New constructs a SecureStorage bound to one tab's cache store.
func New(st store.Store, cipher *cryptox.Cipher, identity IdentityProvider, log logging.Logger, opts ...Option) *SecureStorage {
	s := &SecureStorage{store: st, cipher: cipher, identity: identity, log: log}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAPIKeys encrypts and caches the API-key list. Fails closed without
// an identity context; no entry is written.
func (s *SecureStorage) SetAPIKeys(ctx context.Context, keys []APIKey) error {
	id, email, ok := s.identity.Identity()
	if !ok {
		return common.ErrMissingIdentity
	}

	plain, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode api keys: %w", err)
	}
	blob, err := s.cipher.Encrypt(plain, id, email)
	if err != nil {
		return fmt.Errorf("failed to encrypt api keys: %w", err)
	}
	if err := s.store.Set(ctx, common.CacheKeyAPIKeys, blob); err != nil {
		return fmt.Errorf("failed to cache api keys: %w", err)
	}
	return nil
}

// GetAPIKeys returns the cached API-key list, or nil when nothing usable
// is cached. Undecryptable or unparsable entries are treated as absent
// and cleared, driving the caller to re-fetch from the origin server;
// raw decryption errors never surface as account data.
func (s *SecureStorage) GetAPIKeys(ctx context.Context) ([]APIKey, error) {
	id, email, ok := s.identity.Identity()
	if !ok {
		return nil, common.ErrMissingIdentity
	}

	raw, err := s.store.Get(ctx, common.CacheKeyAPIKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to read api keys cache: %w", err)
	}
	if raw == "" {
		return nil, nil
	}

	plain, err := s.cipher.Decrypt(raw, id, email)
	if err != nil {
		if !errors.Is(err, common.ErrDecryptionFailed) {
			return nil, err
		}
		if keys, ok := s.migrateLegacy(ctx, raw, id, email); ok {
			return keys, nil
		}
		s.log.Warn(ctx, "api keys cache undecryptable, clearing", "error", err)
		_ = s.store.Remove(ctx, common.CacheKeyAPIKeys)
		return nil, nil
	}

	var keys []APIKey
	if err := json.Unmarshal(plain, &keys); err != nil {
		// Parse failure after a successful decrypt is corruption, not
		// "no data" from a foreign key.
		s.log.Warn(ctx, "api keys cache corrupted, clearing", "error", err)
		_ = s.store.Remove(ctx, common.CacheKeyAPIKeys)
		return nil, nil
	}
	return keys, nil
}

// migrateLegacy attempts one plaintext-JSON parse of a value that failed
// decryption. On success the value is immediately re-encrypted and the
// legacy entry overwritten.
func (s *SecureStorage) migrateLegacy(ctx context.Context, raw, id, email string) ([]APIKey, bool) {
	if !s.legacyFallback {
		return nil, false
	}

	var keys []APIKey
	if err := json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, false
	}

	s.log.Info(ctx, "migrating legacy unencrypted api keys cache")
	if err := s.SetAPIKeys(ctx, keys); err != nil {
		s.log.Warn(ctx, "legacy api keys re-encryption failed", "error", err)
	}
	return keys, true
}

// SetBalance caches the account balance as a plaintext numeric string.
// Still requires an identity context: presence of the entry alone is
// user-scoped information.
func (s *SecureStorage) SetBalance(ctx context.Context, balance string) error {
	if _, _, ok := s.identity.Identity(); !ok {
		return common.ErrMissingIdentity
	}
	if _, err := strconv.ParseFloat(balance, 64); err != nil {
		return fmt.Errorf("balance is not numeric: %w", err)
	}
	if err := s.store.Set(ctx, common.CacheKeyBalance, balance); err != nil {
		return fmt.Errorf("failed to cache balance: %w", err)
	}
	return nil
}

// GetBalance returns the cached balance, or "" when absent. A
// non-numeric entry is treated as corrupted and cleared.
func (s *SecureStorage) GetBalance(ctx context.Context) (string, error) {
	if _, _, ok := s.identity.Identity(); !ok {
		return "", common.ErrMissingIdentity
	}

	raw, err := s.store.Get(ctx, common.CacheKeyBalance)
	if err != nil {
		return "", fmt.Errorf("failed to read balance cache: %w", err)
	}
	if raw == "" {
		return "", nil
	}
	if _, err := strconv.ParseFloat(raw, 64); err != nil {
		s.log.Warn(ctx, "balance cache corrupted, clearing", "error", err)
		_ = s.store.Remove(ctx, common.CacheKeyBalance)
		return "", nil
	}
	return raw, nil
}

// ClearAll removes every cached secret entry.
func (s *SecureStorage) ClearAll(ctx context.Context) error {
	for _, key := range []string{
		common.CacheKeyEncryptedJWT,
		common.CacheKeyAPIKeys,
		common.CacheKeyBalance,
	} {
		if err := s.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	return nil
}

// SecureLogout wipes all cached secrets plus the session record and
// writes the logout flag, so a tab that missed the logout broadcast
// still starts anonymous.
func (s *SecureStorage) SecureLogout(ctx context.Context, at int64) error {
	if err := s.ClearAll(ctx); err != nil {
		return err
	}
	if err := s.store.Remove(ctx, common.CacheKeyUserSession); err != nil {
		return fmt.Errorf("failed to remove session record: %w", err)
	}
	if err := s.store.Set(ctx, common.CacheKeyLogoutFlag, strconv.FormatInt(at, 10)); err != nil {
		return fmt.Errorf("failed to write logout flag: %w", err)
	}
	return nil
}
