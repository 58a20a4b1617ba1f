package execctx

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

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	pool, err := redispool.New(context.Background(), config.StoreSettings{
		URL:                  fmt.Sprintf("redis://%s/0", mr.Addr()),
		SocketConnectTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	settings := &config.Settings{Environment: "dev", ServiceName: "query"}
	return NewManager(pool, settings)
}

func TestOpenThenLoad(t *testing.T) {
	m := newTestManager(t)

	err := m.Open(context.Background(), Context{
		ContextID:      "ctx-1",
		ContextType:    ContextTypeAgent,
		TenantID:       "t1",
		SessionID:      "sess-1",
		PrimaryAgentID: "agent-1",
		Agents:         []string{"agent-1", "agent-2"},
		Collections:    []string{"coll-1"},
	})
	require.NoError(t, err)

	got, ok, err := m.Load(context.Background(), "ctx-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "t1", got.TenantID)
	require.Equal(t, ContextTypeAgent, got.ContextType)
	require.Equal(t, "agent-1", got.PrimaryAgentID)
	require.Equal(t, []string{"agent-1", "agent-2"}, got.Agents)
	require.Equal(t, []string{"coll-1"}, got.Collections)
	require.False(t, got.CreatedAt.IsZero())
}

func TestOpenRequiresContextID(t *testing.T) {
	m := newTestManager(t)
	err := m.Open(context.Background(), Context{ContextType: ContextTypeWorkflow, TenantID: "t1"})
	require.Error(t, err)
}

func TestOpenRejectsUnknownContextType(t *testing.T) {
	m := newTestManager(t)
	err := m.Open(context.Background(), Context{ContextID: "ctx-1", ContextType: "bogus", TenantID: "t1"})
	require.Error(t, err)
}

func TestLoadMissingIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	_, ok, err := m.Load(context.Background(), "never-opened")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseDeletesContext(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Open(context.Background(), Context{ContextID: "ctx-1", ContextType: ContextTypeWorkflow, TenantID: "t1"}))

	deleted, err := m.Close(context.Background(), "ctx-1")
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err := m.Load(context.Background(), "ctx-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCloseOnAbsentContextIsNotAnError(t *testing.T) {
	m := newTestManager(t)
	deleted, err := m.Close(context.Background(), "never-opened")
	require.NoError(t, err)
	require.False(t, deleted)
}

func TestTouchStampsUpdatedAtOnLivingContextOnly(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.Open(context.Background(), Context{ContextID: "ctx-1", ContextType: ContextTypeCollection, TenantID: "t1"}))

	ok, err := m.Touch(context.Background(), "ctx-1")
	require.NoError(t, err)
	require.True(t, ok)

	got, _, err := m.Load(context.Background(), "ctx-1")
	require.NoError(t, err)
	require.NotEmpty(t, got.Metadata["updated_at"])

	ok, err = m.Touch(context.Background(), "never-opened")
	require.NoError(t, err)
	require.False(t, ok)
}
