package session

import (
	"context"
	"errors"

	"github.com/dbelyaev/tabkeeper/internal/common"
)

// handleChange is the store change-notification entry point. It runs for
// every key another tab writes; only the broadcast slots matter here.
// Malformed messages are logged and ignored, never crashing the
// reconciliation path.
func (c *Controller) handleChange(key, value string) {
	if key != common.CacheKeySessionBroadcast && key != common.CacheKeyLogoutBroadcast {
		return
	}
	// Empty value is the author's cleanup removal, not a signal.
	if value == "" {
		return
	}

	ctx := context.Background()

	msg, err := ParseMessage(value)
	if err != nil {
		c.log.Warn(ctx, "ignoring broadcast", "key", key, "error", err)
		return
	}
	if msg.TabID == c.tabID {
		return
	}

	switch msg.Action {
	case ActionLogout:
		c.log.Info(ctx, "logout broadcast received", "from", msg.TabID)
		c.clearLocalState()
	case ActionLogin, ActionUpdate:
		c.log.Debug(ctx, "session broadcast received", "from", msg.TabID, "action", string(msg.Action))
		c.reconcile(ctx)
	}
}

// reconcile reloads state from the authoritative persisted record instead
// of trusting message payloads, so duplicate or reordered broadcasts are
// harmless. The logout flag is checked first: a logout that raced an
// update always wins.
func (c *Controller) reconcile(ctx context.Context) {
	flag, err := c.store.Get(ctx, common.CacheKeyLogoutFlag)
	if err != nil {
		c.log.Warn(ctx, "failed to read logout flag, keeping local state", "error", err)
		return
	}
	if flag != "" {
		c.clearLocalState()
		return
	}

	raw, err := c.store.Get(ctx, common.CacheKeyUserSession)
	if err != nil {
		c.log.Warn(ctx, "failed to read session record", "error", err)
		return
	}
	if raw == "" {
		c.clearLocalState()
		return
	}

	rec, err := ParseRecord(raw)
	if err != nil {
		// Corrupted record: clear it and fall back to anonymous, same
		// path as a decryption failure.
		c.log.Warn(ctx, "corrupted session record, clearing", "error", err)
		_ = c.store.Remove(ctx, common.CacheKeyUserSession)
		c.clearLocalState()
		return
	}

	blob, err := c.store.Get(ctx, common.CacheKeyEncryptedJWT)
	if err != nil {
		c.log.Warn(ctx, "failed to read encrypted token", "error", err)
		return
	}

	var token string
	if blob != "" {
		plain, err := c.cipher.Decrypt(blob, rec.ID, rec.Email)
		switch {
		case errors.Is(err, common.ErrDecryptionFailed):
			c.log.Warn(ctx, "cached token undecryptable, clearing entry", "error", err)
			_ = c.store.Remove(ctx, common.CacheKeyEncryptedJWT)
		case err != nil:
			c.log.Error(ctx, "token decrypt failed", "error", err)
			return
		default:
			token = string(plain)
		}
	}

	// A logout may have raced the decrypt above; discard the result if
	// the persisted state changed underneath us.
	if flag, err := c.store.Get(ctx, common.CacheKeyLogoutFlag); err == nil && flag != "" {
		c.clearLocalState()
		return
	}

	c.mu.Lock()
	c.current = rec
	c.mu.Unlock()

	if token != "" {
		if err := c.vault.SetToken(token); err != nil {
			c.log.Warn(ctx, "restored token rejected by vault", "error", err)
		}
	}
	c.log.Info(ctx, "session reconciled", "user", rec.ID)
}

// clearLocalState drops the in-memory session and vault without touching
// the shared store; the tab that initiated the logout owns the store
// cleanup.
func (c *Controller) clearLocalState() {
	c.vault.Clear()
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}
