// Package transport implements the three request/reply patterns every
// service uses to talk to another service: fire-and-forget, pseudo-sync,
// and async-with-callback, all carried over Redis streams and lists.
//
// It is grounded on cellorg/internal/client.BrokerClient's call()
// correlation idiom -- generate a request id, register a response waiter,
// send, block on the waiter with a timeout -- re-pointed at Redis Streams
// (XAdd) and blocking list pops (BLPop) instead of GOX's TCP/JSON-RPC
// broker, per spec.md section 6's fixed wire transport.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/fabriterr"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
)

// Client is the fabric's outbound envelope sender. One Client is shared
// across all handlers in a service; it is safe for concurrent use.
type Client struct {
	pool          *redispool.Pool
	prefix        string
	environment   string
	originService string
	defaultTimeout time.Duration
	log           *logging.Logger
	metrics       *metrics

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker
}

// New constructs a Client scoped to originService.
func New(pool *redispool.Pool, settings *config.Settings, log *logging.Logger) *Client {
	timeout := settings.Transport.DefaultPseudoSyncTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		pool:           pool,
		prefix:         config.Prefix(),
		environment:    settings.Environment,
		originService:  settings.ServiceName,
		defaultTimeout: timeout,
		log:            log,
		metrics:        newMetrics(""),
		breakers:       make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(targetService string) *gobreaker.CircuitBreaker {
	c.breakersMu.Lock()
	defer c.breakersMu.Unlock()

	if b, ok := c.breakers[targetService]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        targetService,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.metrics.circuitState.WithLabelValues(name).Set(float64(to))
			if c.log != nil {
				c.log.WithField("target_service", name).
					WithField("from", from.String()).
					WithField("to", to.String()).
					Warnf("transport: circuit breaker state change")
			}
		},
	})
	c.breakers[targetService] = b
	return b
}

func (c *Client) actionStream(targetService string) string {
	return queuename.ActionStream(c.prefix, c.environment, targetService, "")
}

func (c *Client) send(ctx context.Context, pattern string, a *envelope.DomainAction) error {
	targetService, err := queuename.TargetService(a.ActionType)
	if err != nil {
		return &fabriterr.BadEnvelope{Reason: err.Error()}
	}

	payload, err := envelope.Encode(a)
	if err != nil {
		return &fabriterr.BadEnvelope{Reason: err.Error()}
	}

	stream := c.actionStream(targetService)
	err = c.pool.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"data": payload},
	}).Err()
	if err != nil {
		c.metrics.sendErrorsTotal.WithLabelValues(pattern, targetService, "xadd").Inc()
		return &fabriterr.TransientTransportError{Op: "XAdd", Err: err}
	}

	c.metrics.sendsTotal.WithLabelValues(pattern, targetService).Inc()
	return nil
}

// PushRaw pushes an already-encoded payload onto queueName: an encoded
// DomainActionResponse for a response queue, or an encoded callback
// DomainAction for a callback queue. Used by the service layer to reply
// without going through a target service's action stream.
func (c *Client) PushRaw(ctx context.Context, queueName string, payload []byte) error {
	if queueName == "" {
		return &fabriterr.BadEnvelope{Reason: "reply queue name is empty"}
	}
	if err := c.pool.Client().RPush(ctx, queueName, payload).Err(); err != nil {
		return &fabriterr.TransientTransportError{Op: "RPush", Err: err}
	}
	return nil
}

// SendAsync dispatches a fire-and-forget envelope: it is appended to the
// target stream and the call returns without waiting on any reply.
func (c *Client) SendAsync(ctx context.Context, a *envelope.DomainAction) error {
	a.CallbackQueueName = ""
	a.CallbackActionType = ""
	return c.send(ctx, "fire_and_forget", a)
}

// SendWithCallback dispatches an async-with-callback envelope: the target
// service is expected to push a fresh DomainAction of type
// callbackActionType onto callbackQueue once it is done, so the receiving
// worker can route it to the right handler.
func (c *Client) SendWithCallback(ctx context.Context, a *envelope.DomainAction, callbackQueue, callbackActionType string) error {
	if callbackQueue == "" || callbackActionType == "" {
		return &fabriterr.BadEnvelope{Reason: "async callback requires both callback_queue_name and callback_action_type"}
	}
	a.CallbackQueueName = callbackQueue
	a.CallbackActionType = callbackActionType
	return c.send(ctx, "async_callback", a)
}

// SendPseudoSync dispatches an envelope and blocks until a response arrives
// on a fresh per-call response queue, or until timeout elapses. Blocking
// Redis calls to the target service are wrapped in a per-target circuit
// breaker so a stalled downstream service fails fast for subsequent calls
// instead of exhausting every caller goroutine on BLPop.
func (c *Client) SendPseudoSync(ctx context.Context, a *envelope.DomainAction, actionName string, timeout time.Duration) (*envelope.DomainActionResponse, error) {
	targetService, err := queuename.TargetService(a.ActionType)
	if err != nil {
		return nil, &fabriterr.BadEnvelope{Reason: err.Error()}
	}
	if a.CorrelationID == "" {
		a.CorrelationID = uuid.New().String()
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	a.CallbackActionType = ""
	a.CallbackQueueName = queuename.ResponseQueue(c.prefix, c.environment, c.originService, "", actionName, a.CorrelationID)

	if err := c.send(ctx, "pseudo_sync", a); err != nil {
		return nil, err
	}

	breaker := c.breakerFor(targetService)
	start := time.Now()

	result, err := breaker.Execute(func() (interface{}, error) {
		popCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		res, popErr := c.pool.Client().BLPop(popCtx, timeout, a.CallbackQueueName).Result()
		if popErr == redis.Nil || errors.Is(popErr, context.DeadlineExceeded) {
			return nil, &fabriterr.TimedOut{ActionName: actionName, Timeout: timeout}
		}
		if popErr != nil {
			return nil, &fabriterr.TransientTransportError{Op: "BLPop", Err: popErr}
		}
		if len(res) < 2 {
			return nil, &fabriterr.TransientTransportError{Op: "BLPop", Err: fmt.Errorf("malformed BLPop result")}
		}
		return envelope.DecodeResponse([]byte(res[1]))
	})

	c.metrics.pseudoSyncDur.WithLabelValues(targetService).Observe(time.Since(start).Seconds())

	if err != nil {
		c.metrics.sendErrorsTotal.WithLabelValues("pseudo_sync", targetService, "response").Inc()
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &fabriterr.TransientTransportError{Op: "SendPseudoSync", Err: err}
		}
		return nil, err
	}

	return result.(*envelope.DomainActionResponse), nil
}
