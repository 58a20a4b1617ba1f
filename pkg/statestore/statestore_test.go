package statestore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
)

type sessionState struct {
	TenantID string `json:"tenant_id"`
	Turns    int    `json:"turns"`
}

func newTestPool(t *testing.T) *redispool.Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	settings := config.StoreSettings{
		URL:                  fmt.Sprintf("redis://%s/0", mr.Addr()),
		SocketConnectTimeout: time.Second,
	}
	pool, err := redispool.New(context.Background(), settings, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })
	return pool
}

func TestSaveThenLoad(t *testing.T) {
	pool := newTestPool(t)
	store := New[sessionState](pool, "nooble4", "dev", "query", "session")

	err := store.Save(context.Background(), "sess-1", sessionState{TenantID: "t1", Turns: 3}, time.Minute)
	require.NoError(t, err)

	got, ok, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, 3, got.Turns)
}

func TestLoadMissingKeyNotAnError(t *testing.T) {
	pool := newTestPool(t)
	store := New[sessionState](pool, "nooble4", "dev", "query", "session")

	_, ok, err := store.Load(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteRemovesKey(t *testing.T) {
	pool := newTestPool(t)
	store := New[sessionState](pool, "nooble4", "dev", "query", "session")

	require.NoError(t, store.Save(context.Background(), "sess-1", sessionState{Turns: 1}, time.Minute))
	deleted, err := store.Delete(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	require.False(t, ok)

	deleted, err = store.Delete(context.Background(), "sess-1")
	require.NoError(t, err)
	require.False(t, deleted, "deleting an already-absent key reports false, not an error")
}

func TestTouchRefreshesTTL(t *testing.T) {
	pool := newTestPool(t)
	store := New[sessionState](pool, "nooble4", "dev", "query", "session")

	require.NoError(t, store.Save(context.Background(), "sess-1", sessionState{Turns: 1}, time.Minute))
	ok, err := store.Touch(context.Background(), "sess-1", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Touch(context.Background(), "does-not-exist", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeysAreScopedBySchema(t *testing.T) {
	pool := newTestPool(t)
	sessions := New[sessionState](pool, "nooble4", "dev", "query", "session")
	other := New[sessionState](pool, "nooble4", "dev", "query", "other-schema")

	require.NoError(t, sessions.Save(context.Background(), "k", sessionState{Turns: 1}, time.Minute))

	_, ok, err := other.Load(context.Background(), "k")
	require.NoError(t, err)
	require.False(t, ok, "distinct schema names must not collide on the same id")
}
