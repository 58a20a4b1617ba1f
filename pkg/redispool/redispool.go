// Package redispool constructs the single shared *redis.Client every other
// fabric package is built on: the stream/queue transport, the state store,
// and the tier engine all take a *redispool.Pool rather than dialing their
// own connections, grounded on the teacher's queue.NewQueue constructor
// (parse URL, dial, ping) generalized into a long-lived, periodically
// health-checked client.
package redispool

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
)

// Pool wraps a *redis.Client with liveness tracking. Despite the name, a
// single go-redis client already pools connections internally (PoolSize);
// Pool is the fabric's handle onto that client plus a background health
// check, not a second layer of pooling.
type Pool struct {
	client  *redis.Client
	healthy atomic.Bool
	cancel  context.CancelFunc
}

// New dials Redis per settings, pings it once synchronously so construction
// fails fast on a bad URL, and starts a background health-check loop.
func New(ctx context.Context, settings config.StoreSettings, log *logging.Logger) (*Pool, error) {
	opts, err := redis.ParseURL(settings.URL)
	if err != nil {
		return nil, fmt.Errorf("redispool: invalid store.url: %w", err)
	}
	if settings.MaxConnections > 0 {
		opts.PoolSize = settings.MaxConnections
	}
	if settings.SocketConnectTimeout > 0 {
		opts.DialTimeout = settings.SocketConnectTimeout
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, settings.SocketConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redispool: failed to connect: %w", err)
	}

	healthCtx, stop := context.WithCancel(context.Background())
	p := &Pool{client: client, cancel: stop}
	p.healthy.Store(true)

	interval := settings.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go p.healthLoop(healthCtx, interval, log)

	return p, nil
}

func (p *Pool) healthLoop(ctx context.Context, interval time.Duration, log *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, interval)
			err := p.client.Ping(checkCtx).Err()
			cancel()
			if err != nil {
				p.healthy.Store(false)
				if log != nil {
					log.WithError(err).Warnf("redispool: health check failed")
				}
				continue
			}
			if !p.healthy.Load() && log != nil {
				log.Infof("redispool: connection recovered")
			}
			p.healthy.Store(true)
		}
	}
}

// Healthy reports whether the most recent background ping succeeded.
func (p *Pool) Healthy() bool { return p.healthy.Load() }

// Client returns the underlying *redis.Client for packages that need to
// issue stream, string, or pub/sub commands directly.
func (p *Pool) Client() *redis.Client { return p.client }

// Close stops the health-check loop and closes the underlying client.
func (p *Pool) Close() error {
	p.cancel()
	return p.client.Close()
}
