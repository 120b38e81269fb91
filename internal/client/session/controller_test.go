package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbelyaev/tabkeeper/internal/client/store"
	"github.com/dbelyaev/tabkeeper/internal/client/vault"
	"github.com/dbelyaev/tabkeeper/internal/common"
	"github.com/dbelyaev/tabkeeper/internal/cryptox"
	"github.com/dbelyaev/tabkeeper/internal/logging"
)

func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

// newTestTab wires one simulated tab: its own store view, vault, and
// controller, all over the shared in-memory core.
func newTestTab(t *testing.T, core *store.Memory) (*Controller, store.Store) {
	t.Helper()
	log := logging.NewNopLogger()
	tab := core.Tab()
	cipher := cryptox.NewCipher(cryptox.NewDeriver(1000))
	ctrl := NewController(tab, cipher, vault.New(log), log,
		WithCleanupDelay(20*time.Millisecond))
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl, tab
}

func testRecord() *Record {
	return &Record{ID: "u1", Email: "0xabc"}
}

func TestSetUser_PersistsEncryptedSession(t *testing.T) {
	ctx := context.Background()
	ctrl, tab := newTestTab(t, store.NewMemory())
	token := mintToken(t, time.Now().Add(time.Hour))

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), token))

	user := ctrl.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)
	assert.Positive(t, user.LoginTimestamp)

	got, ok := ctrl.Token()
	require.True(t, ok)
	assert.Equal(t, token, got)

	// The persisted record is plaintext JSON with no token field.
	raw, err := tab.Get(ctx, common.CacheKeyUserSession)
	require.NoError(t, err)
	rec, err := ParseRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.ID)
	assert.NotContains(t, raw, token)

	// The token at rest is a cipher blob, not the raw credential.
	blob, err := tab.Get(ctx, common.CacheKeyEncryptedJWT)
	require.NoError(t, err)
	require.NotEmpty(t, blob)
	assert.NotContains(t, blob, token)
}

func TestSetUser_NilRecordIsLogout(t *testing.T) {
	ctx := context.Background()
	ctrl, tab := newTestTab(t, store.NewMemory())

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), mintToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, ctrl.SetUser(ctx, nil, ""))

	assert.Nil(t, ctrl.CurrentUser())
	assert.Empty(t, ctrl.TokenSync())

	flag, err := tab.Get(ctx, common.CacheKeyLogoutFlag)
	require.NoError(t, err)
	assert.NotEmpty(t, flag)
}

func TestSetUser_InvalidRecordRejected(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestTab(t, store.NewMemory())

	err := ctrl.SetUser(ctx, &Record{ID: "", Email: "0xabc"}, "")
	assert.ErrorIs(t, err, common.ErrInvalidRecord)
	assert.Nil(t, ctrl.CurrentUser())
}

func TestSetUser_RejectedTokenPersistsNothing(t *testing.T) {
	ctx := context.Background()
	core := store.NewMemory()
	ctrl, tab := newTestTab(t, core)

	// A token without an expiry claim is rejected by the vault. The
	// failure must leave no persisted state: a written record would make
	// other tabs reconcile into a session this tab never established.
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	bad, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	require.Error(t, ctrl.SetUser(ctx, testRecord(), bad))
	assert.Nil(t, ctrl.CurrentUser())

	for _, key := range []string{common.CacheKeyUserSession, common.CacheKeyEncryptedJWT} {
		v, err := tab.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v, "key %s written despite failed login", key)
	}

	// A second tab started afterwards stays anonymous.
	other, _ := newTestTab(t, core)
	require.NoError(t, other.Start(ctx))
	assert.Nil(t, other.CurrentUser())
}

func TestLoginTimestampMonotonic(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestTab(t, store.NewMemory())
	token := mintToken(t, time.Now().Add(time.Hour))

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), token))
	first := ctrl.CurrentUser().LoginTimestamp

	// Re-login with the same wallet inside the same millisecond must
	// still produce a strictly larger stamp.
	require.NoError(t, ctrl.SetUser(ctx, testRecord(), token))
	second := ctrl.CurrentUser().LoginTimestamp

	assert.Greater(t, second, first)
}

func TestLogout_ClearsEverything(t *testing.T) {
	ctx := context.Background()
	ctrl, tab := newTestTab(t, store.NewMemory())

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), mintToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, ctrl.Logout(ctx))

	assert.Nil(t, ctrl.CurrentUser())
	_, ok := ctrl.Token()
	assert.False(t, ok)

	for _, key := range []string{
		common.CacheKeyEncryptedJWT,
		common.CacheKeyAPIKeys,
		common.CacheKeyBalance,
		common.CacheKeyUserSession,
	} {
		v, err := tab.Get(ctx, key)
		require.NoError(t, err)
		assert.Empty(t, v, "key %s should be cleared", key)
	}
}

type fakeWallet struct {
	disconnected bool
}

func (w *fakeWallet) Disconnect(ctx context.Context) error {
	w.disconnected = true
	return nil
}

func TestLogout_DisconnectsWallet(t *testing.T) {
	ctx := context.Background()
	log := logging.NewNopLogger()
	wallet := &fakeWallet{}

	tab := store.NewMemory().Tab()
	cipher := cryptox.NewCipher(cryptox.NewDeriver(1000))
	ctrl := NewController(tab, cipher, vault.New(log), log, WithWallet(wallet))
	t.Cleanup(func() { _ = ctrl.Close() })

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), mintToken(t, time.Now().Add(time.Hour))))
	require.NoError(t, ctrl.Logout(ctx))

	assert.True(t, wallet.disconnected)
}

func TestBroadcast_CleanedUpAfterDelay(t *testing.T) {
	ctx := context.Background()
	ctrl, tab := newTestTab(t, store.NewMemory())

	require.NoError(t, ctrl.SetUser(ctx, testRecord(), mintToken(t, time.Now().Add(time.Hour))))

	raw, err := tab.Get(ctx, common.CacheKeySessionBroadcast)
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, ctrl.TabID(), msg.TabID)
	assert.Equal(t, ActionLogin, msg.Action)

	// The author removes its own message shortly after writing it.
	assert.Eventually(t, func() bool {
		v, err := tab.Get(ctx, common.CacheKeySessionBroadcast)
		return err == nil && v == ""
	}, time.Second, 10*time.Millisecond)
}

func TestStart_LogoutFlagWins(t *testing.T) {
	ctx := context.Background()
	core := store.NewMemory()

	seed := core.Tab()
	rec, _ := json.Marshal(testRecord())
	require.NoError(t, seed.Set(ctx, common.CacheKeyUserSession, string(rec)))
	require.NoError(t, seed.Set(ctx, common.CacheKeyLogoutFlag, "1724900000000"))

	ctrl, _ := newTestTab(t, core)
	require.NoError(t, ctrl.Start(ctx))

	assert.Nil(t, ctrl.CurrentUser())
	assert.Empty(t, ctrl.TokenSync())
}

func TestStart_RestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	core := store.NewMemory()
	token := mintToken(t, time.Now().Add(time.Hour))

	first, _ := newTestTab(t, core)
	require.NoError(t, first.SetUser(ctx, testRecord(), token))

	// A fresh tab started later sees the persisted session and token.
	second, _ := newTestTab(t, core)
	require.NoError(t, second.Start(ctx))

	user := second.CurrentUser()
	require.NotNil(t, user)
	assert.Equal(t, "u1", user.ID)

	got, ok := second.Token()
	require.True(t, ok)
	assert.Equal(t, token, got)
}

func TestStart_CorruptedRecordFallsBackAnonymous(t *testing.T) {
	ctx := context.Background()
	core := store.NewMemory()

	seed := core.Tab()
	require.NoError(t, seed.Set(ctx, common.CacheKeyUserSession, `{"id":42}`))

	ctrl, tab := newTestTab(t, core)
	require.NoError(t, ctrl.Start(ctx))

	assert.Nil(t, ctrl.CurrentUser())

	// The corrupted entry was cleared along the way.
	v, err := tab.Get(ctx, common.CacheKeyUserSession)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestStart_UndecryptableTokenClearedSessionKept(t *testing.T) {
	ctx := context.Background()
	core := store.NewMemory()

	seed := core.Tab()
	rec, _ := json.Marshal(&Record{ID: "u1", Email: "0xabc", LoginTimestamp: 1})
	require.NoError(t, seed.Set(ctx, common.CacheKeyUserSession, string(rec)))
	require.NoError(t, seed.Set(ctx, common.CacheKeyEncryptedJWT, "bm90IGEgcmVhbCBibG9i"))

	ctrl, tab := newTestTab(t, core)
	require.NoError(t, ctrl.Start(ctx))

	// Session survives, but the cached token is treated as absent and
	// the offending entry cleared, forcing a re-login for requests.
	require.NotNil(t, ctrl.CurrentUser())
	assert.Empty(t, ctrl.TokenSync())

	v, err := tab.Get(ctx, common.CacheKeyEncryptedJWT)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestExpiredSessionRequiresReauth(t *testing.T) {
	ctx := context.Background()
	ctrl, _ := newTestTab(t, store.NewMemory())

	// Token expiring almost immediately: once past expiry the vault
	// yields nothing and protected calls must re-authenticate.
	require.NoError(t, ctrl.SetUser(ctx, testRecord(), mintToken(t, time.Now().Add(50*time.Millisecond))))

	assert.Eventually(t, func() bool {
		_, ok := ctrl.Token()
		return !ok && ctrl.TokenSync() == ""
	}, time.Second, 10*time.Millisecond)

	// The user record itself is still present; only the credential is
	// gone.
	require.NotNil(t, ctrl.CurrentUser())
}

func TestTabID_StableAndUnique(t *testing.T) {
	core := store.NewMemory()
	a, _ := newTestTab(t, core)
	b, _ := newTestTab(t, core)

	assert.NotEmpty(t, a.TabID())
	assert.Equal(t, a.TabID(), a.TabID())
	assert.NotEqual(t, a.TabID(), b.TabID())
}

func TestSetUser_FailsClosedOnBadIdentity(t *testing.T) {
	ctx := context.Background()
	ctrl, tab := newTestTab(t, store.NewMemory())

	err := ctrl.SetUser(ctx, &Record{ID: "u1", Email: ""}, mintToken(t, time.Now().Add(time.Hour)))
	require.Error(t, err)

	// Nothing secret reached the store.
	blob, err := tab.Get(ctx, common.CacheKeyEncryptedJWT)
	require.NoError(t, err)
	assert.Empty(t, blob)
}
