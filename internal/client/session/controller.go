package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dbelyaev/tabkeeper/internal/client/store"
	"github.com/dbelyaev/tabkeeper/internal/client/vault"
	"github.com/dbelyaev/tabkeeper/internal/common"
	"github.com/dbelyaev/tabkeeper/internal/cryptox"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

// DefaultCleanupDelay is how long a broadcast message stays in its slot
// before the author removes it.
const DefaultCleanupDelay = 100 * time.Millisecond

// WalletSession is the held external wallet connection, disconnected on
// logout. The wallet UI and signing flows themselves live outside this
// package.
type WalletSession interface {
	Disconnect(ctx context.Context) error
}

// Controller orchestrates credential storage: it owns the identity
// context, persists the session record and the encrypted token, populates
// the vault, and drives the cross-tab synchronization protocol.
//
// State machine: anonymous → pending-authentication (external login flow)
// → authenticated (SetUser) → anonymous (Logout, expiry, or a logout
// broadcast from another tab).
type Controller struct {
	store  store.Store
	cipher *cryptox.Cipher
	vault  *vault.Vault
	log    logging.Logger
	wallet WalletSession

	tabID        string
	cleanupDelay time.Duration

	mu      sync.Mutex
	current *Record

	unsub func()
	now   func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithWallet attaches an external wallet session to disconnect on logout.
func WithWallet(w WalletSession) Option {
	return func(c *Controller) { c.wallet = w }
}

// WithCleanupDelay overrides the broadcast cleanup delay.
func WithCleanupDelay(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.cleanupDelay = d
		}
	}
}

// NewController constructs a controller bound to one tab's cache store
// and vault, and subscribes to cross-tab change notifications.
func NewController(st store.Store, cipher *cryptox.Cipher, v *vault.Vault, log logging.Logger, opts ...Option) *Controller {
	c := &Controller{
		store:        st,
		cipher:       cipher,
		vault:        v,
		log:          log,
		tabID:        uuid.NewString(),
		cleanupDelay: DefaultCleanupDelay,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.unsub = st.Subscribe(c.handleChange)
	return c
}

// TabID returns this tab's process-lifetime-stable identifier.
func (c *Controller) TabID() string { return c.tabID }

// Start restores state on tab start. The logout flag wins over any stale
// persisted session; otherwise the persisted session record and encrypted
// token are reloaded.
func (c *Controller) Start(ctx context.Context) error {
	flag, err := c.store.Get(ctx, common.CacheKeyLogoutFlag)
	if err != nil {
		return fmt.Errorf("failed to read logout flag: %w", err)
	}
	if flag != "" {
		c.log.Info(ctx, "logout flag present, starting anonymous")
		c.clearLocalState()
		return nil
	}
	c.reconcile(ctx)
	return nil
}

// SetUser transitions pending-authentication → authenticated. A nil
// record is a logout. The token is optional: without it only the session
// record is refreshed and an update is broadcast (e.g. a profile change).
func (c *Controller) SetUser(ctx context.Context, rec *Record, token string) error {
	if rec == nil {
		return c.Logout(ctx)
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	stamped := *rec
	stamped.LoginTimestamp = c.nextLoginTimestampLocked(ctx)
	c.mu.Unlock()

	// All fallible work first: a rejected token or failed encryption
	// must not leave a persisted record other tabs would reconcile into.
	raw, err := json.Marshal(&stamped)
	if err != nil {
		return fmt.Errorf("failed to encode session record: %w", err)
	}
	action := ActionUpdate
	var blob string
	if token != "" {
		blob, err = c.cipher.Encrypt([]byte(token), stamped.ID, stamped.Email)
		if err != nil {
			return fmt.Errorf("failed to encrypt token: %w", err)
		}
		if err := c.vault.SetToken(token); err != nil {
			return err
		}
		action = ActionLogin
	}

	if token != "" {
		if err := c.store.Set(ctx, common.CacheKeyEncryptedJWT, blob); err != nil {
			return fmt.Errorf("failed to persist token: %w", err)
		}
	}
	// Record last: a persisted record always implies its token blob made
	// it to the store. An orphaned blob without a record is ignored by
	// reconciliation.
	if err := c.store.Set(ctx, common.CacheKeyUserSession, string(raw)); err != nil {
		return fmt.Errorf("failed to persist session record: %w", err)
	}

	if err := c.store.Remove(ctx, common.CacheKeyLogoutFlag); err != nil {
		c.log.Warn(ctx, "failed to clear logout flag", "error", err)
	}

	c.mu.Lock()
	c.current = &stamped
	c.mu.Unlock()

	c.broadcast(ctx, action)
	c.log.Info(ctx, "session established", "user", stamped.ID, "action", string(action))
	return nil
}

// Logout transitions authenticated → anonymous: clears the vault and all
// cached-secret entries, writes the logout flag, broadcasts logout on the
// primary and the dedicated logout channels, and disconnects the wallet.
func (c *Controller) Logout(ctx context.Context) error {
	c.vault.Clear()

	for _, key := range []string{
		common.CacheKeyEncryptedJWT,
		common.CacheKeyAPIKeys,
		common.CacheKeyBalance,
		common.CacheKeyUserSession,
	} {
		if err := c.store.Remove(ctx, key); err != nil {
			c.log.Warn(ctx, "failed to remove cache entry on logout", "key", key, "error", err)
		}
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()

	flag := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.store.Set(ctx, common.CacheKeyLogoutFlag, flag); err != nil {
		c.log.Warn(ctx, "failed to write logout flag", "error", err)
	}

	c.broadcast(ctx, ActionLogout)

	if c.wallet != nil {
		if err := c.wallet.Disconnect(ctx); err != nil {
			c.log.Warn(ctx, "wallet disconnect failed", "error", err)
		}
	}

	c.log.Info(ctx, "logged out", "tab", c.tabID)
	return nil
}

// CurrentUser returns a copy of the current session record, or nil when
// anonymous.
func (c *Controller) CurrentUser() *Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	rec := *c.current
	return &rec
}

// Identity returns the identity context for key derivation. ok is false
// when anonymous; callers must fail closed in that case.
func (c *Controller) Identity() (id, email string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return "", "", false
	}
	return c.current.ID, c.current.Email, true
}

// Token returns the live token from the vault.
func (c *Controller) Token() (string, bool) { return c.vault.Token() }

// TokenSync returns the vault's synchronous cached token.
func (c *Controller) TokenSync() string { return c.vault.TokenSync() }

// Close unsubscribes from store notifications and clears the vault.
func (c *Controller) Close() error {
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.vault.Clear()
	return nil
}

// nextLoginTimestampLocked stamps a monotonically increasing login
// timestamp, so dependent views can detect a new login even when id and
// email are unchanged (re-login with the same wallet).
func (c *Controller) nextLoginTimestampLocked(ctx context.Context) int64 {
	ts := c.now().UnixMilli()

	prev := int64(0)
	if c.current != nil {
		prev = c.current.LoginTimestamp
	}
	if raw, err := c.store.Get(ctx, common.CacheKeyUserSession); err == nil && raw != "" {
		if rec, err := ParseRecord(raw); err == nil && rec.LoginTimestamp > prev {
			prev = rec.LoginTimestamp
		}
	}
	if ts <= prev {
		ts = prev + 1
	}
	return ts
}

// broadcast writes a message to the well-known slot, then removes it
// after the cleanup delay if it is still the same value, so a newer
// message is never clobbered. Logout is additionally written to the
// dedicated logout slot for tabs that miss the primary channel.
func (c *Controller) broadcast(ctx context.Context, action Action) {
	msg := Message{TabID: c.tabID, Action: action, Timestamp: c.now().UnixMilli()}
	payload, err := json.Marshal(&msg)
	if err != nil {
		c.log.Error(ctx, "failed to encode broadcast", "error", err)
		return
	}

	keys := []string{common.CacheKeySessionBroadcast}
	if action == ActionLogout {
		keys = append(keys, common.CacheKeyLogoutBroadcast)
	}

	for _, key := range keys {
		key := key
		if err := c.store.Set(ctx, key, string(payload)); err != nil {
			c.log.Warn(ctx, "broadcast write failed", "key", key, "error", err)
			continue
		}
		time.AfterFunc(c.cleanupDelay, func() {
			ctx := context.Background()
			cur, err := c.store.Get(ctx, key)
			if err != nil || cur != string(payload) {
				return
			}
			if err := c.store.Remove(ctx, key); err != nil {
				c.log.Warn(ctx, "broadcast cleanup failed", "key", key, "error", err)
			}
		})
	}
}
