package redispool

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
)

func newTestSettings(t *testing.T, mr *miniredis.Miniredis) config.StoreSettings {
	t.Helper()
	return config.StoreSettings{
		URL:                  fmt.Sprintf("redis://%s/0", mr.Addr()),
		MaxConnections:       5,
		SocketConnectTimeout: time.Second,
		HealthCheckInterval:  50 * time.Millisecond,
	}
}

func TestNewConnectsAndPings(t *testing.T) {
	mr := miniredis.RunT(t)

	p, err := New(context.Background(), newTestSettings(t, mr), nil)
	require.NoError(t, err)
	defer p.Close()

	require.True(t, p.Healthy())
	require.NoError(t, p.Client().Set(context.Background(), "k", "v", 0).Err())
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New(context.Background(), config.StoreSettings{URL: "not-a-url://###"}, nil)
	require.Error(t, err)
}

func TestHealthLoopDetectsOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := newTestSettings(t, mr)

	p, err := New(context.Background(), settings, nil)
	require.NoError(t, err)
	defer p.Close()

	mr.Close()
	require.Eventually(t, func() bool {
		return !p.Healthy()
	}, time.Second, 10*time.Millisecond)
}
