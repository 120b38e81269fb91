package store

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbelyaev/tabkeeper/internal/logging"
)

func openTestSQLite(t *testing.T, dsn string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), dsn, 20*time.Millisecond, logging.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "cache.db"))

	got, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Set(ctx, "k", "v1"))
	require.NoError(t, s.Set(ctx, "k", "v2"))

	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", got)

	require.NoError(t, s.Remove(ctx, "k"))
	got, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_Keys(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "cache.db"))

	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, keys)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	s1 := openTestSQLite(t, dsn)
	require.NoError(t, s1.Set(ctx, "k", "v"))
	require.NoError(t, s1.Close())

	s2 := openTestSQLite(t, dsn)
	got, err := s2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestSQLite_CrossProcessNotification(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "cache.db")

	// Two stores on one database file stand in for two tabs.
	writer := openTestSQLite(t, dsn)
	reader := openTestSQLite(t, dsn)

	type change struct{ key, value string }
	changes := make(chan change, 16)
	reader.Subscribe(func(key, value string) { changes <- change{key, value} })

	require.NoError(t, writer.Set(ctx, "k", "v"))

	select {
	case got := <-changes:
		assert.Equal(t, change{"k", "v"}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}

	require.NoError(t, writer.Remove(ctx, "k"))

	select {
	case got := <-changes:
		assert.Equal(t, change{"k", ""}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal notification")
	}
}

func TestSQLite_OwnWritesNotEchoed(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "cache.db"))

	var notified atomic.Bool
	s.Subscribe(func(key, value string) { notified.Store(true) })

	require.NoError(t, s.Set(ctx, "k", "v"))
	time.Sleep(100 * time.Millisecond)

	assert.False(t, notified.Load())
}
