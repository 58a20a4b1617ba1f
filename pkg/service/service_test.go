package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/fabriterr"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/transport"
)

type searchPayload struct {
	Query string `json:"query" validate:"required"`
}

func newTestBase(t *testing.T) (*Base, *redispool.Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	pool, err := redispool.New(context.Background(), config.StoreSettings{
		URL:                  fmt.Sprintf("redis://%s/0", mr.Addr()),
		SocketConnectTimeout: time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	settings := &config.Settings{Environment: "dev", ServiceName: "query"}
	tr := transport.New(pool, settings, nil)
	return NewBase(settings, tr, nil, nil), pool
}

func TestProcessActionUnknownHandlerRepliesFailure(t *testing.T) {
	base, pool := newTestBase(t)

	a, err := envelope.New(context.Background(), "gateway", "query.rag.search", nil)
	require.NoError(t, err)
	a.CorrelationID = "c1"
	a.CallbackQueueName = "nooble4:dev:gateway:responses:search:c1"

	procErr := base.ProcessAction(context.Background(), a)
	require.Error(t, procErr)

	raw, err := pool.Client().LPop(context.Background(), a.CallbackQueueName).Result()
	require.NoError(t, err)

	resp, err := envelope.DecodeResponse([]byte(raw))
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, "HANDLER_NOT_FOUND", resp.Error.ErrorCode)
}

func TestProcessActionPseudoSyncSuccess(t *testing.T) {
	base, pool := newTestBase(t)
	base.RegisterHandler("query.rag.search", nil, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		return map[string]interface{}{"results": []string{"a", "b"}}, nil
	})

	a, err := envelope.New(context.Background(), "gateway", "query.rag.search", nil)
	require.NoError(t, err)
	a.CorrelationID = "c2"
	a.CallbackQueueName = "nooble4:dev:gateway:responses:search:c2"

	require.NoError(t, base.ProcessAction(context.Background(), a))

	raw, err := pool.Client().LPop(context.Background(), a.CallbackQueueName).Result()
	require.NoError(t, err)
	resp, err := envelope.DecodeResponse([]byte(raw))
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Contains(t, string(resp.Data["results"]), "a")
}

func TestProcessActionValidatesPayload(t *testing.T) {
	base, pool := newTestBase(t)
	base.RegisterHandler("query.rag.search", searchPayload{}, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})

	a, err := envelope.New(context.Background(), "gateway", "query.rag.search", map[string]json.RawMessage{})
	require.NoError(t, err)
	a.CorrelationID = "c3"
	a.CallbackQueueName = "nooble4:dev:gateway:responses:search:c3"

	procErr := base.ProcessAction(context.Background(), a)
	require.Error(t, procErr)

	raw, err := pool.Client().LPop(context.Background(), a.CallbackQueueName).Result()
	require.NoError(t, err)
	resp, err := envelope.DecodeResponse([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "VALIDATION_FAILED", resp.Error.ErrorCode)
}

func TestProcessActionAsyncCallbackSendsFreshDomainAction(t *testing.T) {
	base, pool := newTestBase(t)
	base.RegisterHandler("ingestion.embedding.request", nil, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		return map[string]interface{}{"vector_count": 42}, nil
	})

	a, err := envelope.New(context.Background(), "ingestion", "ingestion.embedding.request", nil)
	require.NoError(t, err)
	a.CorrelationID = "c4"
	a.CallbackQueueName = "nooble4:dev:ingestion:callbacks:embedding.done"
	a.CallbackActionType = "ingestion.embedding.done"

	require.NoError(t, base.ProcessAction(context.Background(), a))

	raw, err := pool.Client().LPop(context.Background(), a.CallbackQueueName).Result()
	require.NoError(t, err)

	callback, err := envelope.Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, "ingestion.embedding.done", callback.ActionType)
	require.Equal(t, "c4", callback.CorrelationID)
	require.JSONEq(t, "true", string(callback.Data["success"]))
}

func TestProcessActionFireAndForgetNoReply(t *testing.T) {
	base, pool := newTestBase(t)
	called := false
	base.RegisterHandler("query.rag.warm", nil, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		called = true
		return nil, nil
	})

	a, err := envelope.New(context.Background(), "gateway", "query.rag.warm", nil)
	require.NoError(t, err)

	require.NoError(t, base.ProcessAction(context.Background(), a))
	require.True(t, called)

	keys, err := pool.Client().Keys(context.Background(), "*responses*").Result()
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestProcessActionBusinessErrorClassifiesAsTerminal(t *testing.T) {
	base, _ := newTestBase(t)
	base.RegisterHandler("query.rag.search", nil, func(ctx context.Context, a *envelope.DomainAction) (map[string]interface{}, error) {
		return nil, fmt.Errorf("boom")
	})

	a, err := envelope.New(context.Background(), "gateway", "query.rag.search", nil)
	require.NoError(t, err)

	procErr := base.ProcessAction(context.Background(), a)
	require.Error(t, procErr)
	require.False(t, fabriterr.Classify(procErr))
}
