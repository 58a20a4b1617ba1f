// Package worker implements the consumer-group stream loop every service
// runs to bind its business logic to one action stream: read, decode,
// dispatch to service.Base.ProcessAction, ack or leave pending, and
// periodically reclaim entries abandoned by a dead consumer.
//
// Grounded on cellorg/internal/broker/service.go's accept-loop shape
// (a goroutine watching ctx.Done() alongside blocking I/O) and
// cellorg/public/agent/framework.go's Run() lifecycle (init → process loop
// → OS-signal-driven graceful shutdown), re-pointed at Redis Streams
// (XReadGroup/XAck/XPendingExt/XClaim) instead of GOX's TCP accept loop and
// receive_pipe polling, per spec.md section 4.6's state machine.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/envelope"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/fabriterr"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/queuename"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/service"
)

const readBatchSize = 10

// Worker is one consumer-group reader bound to a single action stream. A
// service runs one Worker per stream it consumes.
type Worker struct {
	pool    *redispool.Pool
	base    *service.Base
	log     *logging.Logger
	metrics *metrics

	stream        string
	group         string
	consumer      string
	blockTimeout  time.Duration
	idleClaim     time.Duration
	graceShutdown time.Duration
	maxDelivery   int64
	backlogAlarm  int64

	deadLetterStream string
}

// New constructs a Worker consuming settings.ServiceName's own action
// stream (the stream every other service's transport.Client sends to when
// addressing this service).
func New(pool *redispool.Pool, settings *config.Settings, base *service.Base, log *logging.Logger) *Worker {
	stream := queuename.ActionStream(config.Prefix(), settings.Environment, settings.ServiceName, settings.Worker.StreamContext)

	blockTimeout := settings.Worker.BlockTimeout
	if blockTimeout <= 0 {
		blockTimeout = 5 * time.Second
	}
	idleClaim := settings.Worker.IdleClaim
	if idleClaim <= 0 {
		idleClaim = 30 * time.Second
	}
	grace := settings.Worker.GraceShutdown
	if grace <= 0 {
		grace = 10 * time.Second
	}
	maxDelivery := settings.Worker.MaxDeliveryCount
	if maxDelivery <= 0 {
		maxDelivery = 5
	}

	return &Worker{
		pool:             pool,
		base:             base,
		log:              log,
		metrics:          newMetrics(""),
		stream:           stream,
		group:            settings.Worker.ConsumerGroup,
		consumer:         settings.Worker.ConsumerID,
		blockTimeout:     blockTimeout,
		idleClaim:        idleClaim,
		graceShutdown:    grace,
		maxDelivery:      maxDelivery,
		backlogAlarm:     settings.Worker.PendingBacklogAlarm,
		deadLetterStream: queuename.DeadLetterStream(stream),
	}
}

// Run executes the Init → Reading/Dispatching/Acking/Failing loop until ctx
// is cancelled, then drains and returns. It is the worker's entire public
// surface: callers run it in its own goroutine and cancel ctx to shut down.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ensureGroup(ctx); err != nil {
		return fmt.Errorf("worker: failed to initialize consumer group: %w", err)
	}

	claimCtx, stopClaiming := context.WithCancel(context.Background())
	defer stopClaiming()
	go w.idleClaimLoop(claimCtx)

	if w.log != nil {
		w.log.WithField("stream", w.stream).WithField("group", w.group).WithField("consumer", w.consumer).
			Infof("worker: reading")
	}

	for {
		select {
		case <-ctx.Done():
			return w.drain()
		default:
		}

		msgs, err := w.readGroup(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return w.drain()
			}
			if w.log != nil {
				w.log.WithError(err).Warnf("worker: read_group failed, retrying")
			}
			continue
		}

		for _, msg := range msgs {
			w.dispatch(ctx, msg)
		}
	}
}

// ensureGroup idempotently creates the consumer group, ignoring the
// BUSYGROUP error XGroupCreateMkStream raises when it already exists.
func (w *Worker) ensureGroup(ctx context.Context) error {
	err := w.pool.Client().XGroupCreateMkStream(ctx, w.stream, w.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) readGroup(ctx context.Context) ([]redis.XMessage, error) {
	res, err := w.pool.Client().XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.group,
		Consumer: w.consumer,
		Streams:  []string{w.stream, ">"},
		Count:    readBatchSize,
		Block:    w.blockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil // block timeout elapsed with nothing new; stay in Reading
	}
	if err != nil {
		return nil, err
	}
	if len(res) == 0 {
		return nil, nil
	}
	return res[0].Messages, nil
}

// dispatch is the Dispatching/Acking/Failing portion of the state machine
// for one stream entry.
func (w *Worker) dispatch(ctx context.Context, msg redis.XMessage) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		w.fail(ctx, msg.ID, nil, &fabriterr.BadEnvelope{Reason: "stream entry missing \"data\" field"})
		return
	}

	action, err := envelope.Decode([]byte(raw))
	if err != nil {
		w.fail(ctx, msg.ID, nil, &fabriterr.BadEnvelope{Reason: err.Error()})
		return
	}

	procErr := w.base.ProcessAction(ctx, action)
	if procErr == nil {
		w.ack(ctx, msg.ID)
		w.metrics.dispatchedTotal.WithLabelValues(w.stream).Inc()
		return
	}
	w.fail(ctx, msg.ID, action, procErr)
}

// fail implements the Failing state: transient errors are left pending for
// an idle-claim pass (the read loop itself only reads new entries, so it
// does not pick them up again); terminal errors are acked (and mirrored to
// the dead-letter stream for audit) so a poison pill never stalls the group.
func (w *Worker) fail(ctx context.Context, entryID string, action *envelope.DomainAction, err error) {
	transient := fabriterr.Classify(err)
	w.metrics.failedTotal.WithLabelValues(w.stream, boolLabel(transient)).Inc()

	if w.log != nil {
		w.log.WithError(err).WithField("entry_id", entryID).WithField("transient", transient).
			Errorf("worker: dispatch failed")
	}

	if transient {
		return // left pending; an idle-claim pass recovers it once it is idle longer than idleClaim
	}

	if action != nil {
		w.publishDeadLetter(ctx, action, err)
	}
	w.ack(ctx, entryID)
}

func (w *Worker) ack(ctx context.Context, entryID string) {
	if err := w.pool.Client().XAck(ctx, w.stream, w.group, entryID).Err(); err != nil && w.log != nil {
		w.log.WithError(err).WithField("entry_id", entryID).Errorf("worker: ack failed")
	}
}

func (w *Worker) publishDeadLetter(ctx context.Context, action *envelope.DomainAction, cause error) {
	payload, encErr := envelope.Encode(action)
	if encErr != nil {
		return
	}
	err := w.pool.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: w.deadLetterStream,
		Values: map[string]interface{}{"data": payload, "error": cause.Error()},
	}).Err()
	if err != nil {
		if w.log != nil {
			w.log.WithError(err).Errorf("worker: failed to publish to dead-letter stream")
		}
		return
	}
	w.metrics.deadLetteredTotal.WithLabelValues(w.stream).Inc()
}

// idleClaimLoop periodically reclaims entries idle longer than idleClaim --
// left behind by a consumer that crashed before acking -- so no envelope is
// stuck behind a dead worker. Entries that have already been delivered
// maxDelivery times are given up on and dead-lettered instead of reclaimed
// again, so a poison pill can't loop forever between consumers.
func (w *Worker) idleClaimLoop(ctx context.Context) {
	ticker := time.NewTicker(w.idleClaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimIdleEntries(ctx)
		}
	}
}

func (w *Worker) claimIdleEntries(ctx context.Context) {
	pending, err := w.pool.Client().XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: w.stream,
		Group:  w.group,
		Start:  "-",
		End:    "+",
		Count:  100,
		Idle:   w.idleClaim,
	}).Result()
	if err != nil {
		if w.log != nil && err != redis.Nil {
			w.log.WithError(err).Warnf("worker: xpending failed")
		}
		return
	}

	w.metrics.pendingEntries.WithLabelValues(w.stream).Set(float64(len(pending)))
	if w.backlogAlarm > 0 && int64(len(pending)) > w.backlogAlarm && w.log != nil {
		w.log.WithField("pending", len(pending)).WithField("threshold", w.backlogAlarm).
			Warnf("worker: consumer group pending backlog exceeds alarm threshold")
	}

	for _, p := range pending {
		if p.RetryCount >= w.maxDelivery {
			w.giveUpOn(ctx, p.ID)
			continue
		}

		claimed, err := w.pool.Client().XClaim(ctx, &redis.XClaimArgs{
			Stream:   w.stream,
			Group:    w.group,
			Consumer: w.consumer,
			MinIdle:  w.idleClaim,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			if w.log != nil {
				w.log.WithError(err).WithField("entry_id", p.ID).Errorf("worker: xclaim failed")
			}
			continue
		}
		for _, msg := range claimed {
			w.dispatch(ctx, msg)
		}
	}
}

// giveUpOn claims one last time purely to recover the entry's payload for
// the dead-letter stream, then acks it so it never comes up in XPendingExt
// again.
func (w *Worker) giveUpOn(ctx context.Context, entryID string) {
	claimed, err := w.pool.Client().XClaim(ctx, &redis.XClaimArgs{
		Stream:   w.stream,
		Group:    w.group,
		Consumer: w.consumer,
		MinIdle:  0,
		Messages: []string{entryID},
	}).Result()
	if err != nil || len(claimed) == 0 {
		w.ack(ctx, entryID)
		return
	}

	if raw, ok := claimed[0].Values["data"].(string); ok {
		if action, decErr := envelope.Decode([]byte(raw)); decErr == nil {
			w.publishDeadLetter(ctx, action, fmt.Errorf("exceeded max_delivery_count=%d", w.maxDelivery))
		}
	}
	w.ack(ctx, entryID)
}

// drain implements the Draining → Stopped transition. Dispatch from the
// read loop is synchronous, so by the time the loop observes ctx.Done() it
// has no dispatch of its own in flight, and draining is immediate. The
// idle-claim goroutine is cancelled when Run returns but is not waited on:
// a dispatch it has already started may still be running. graceShutdown is
// stored on the Worker but drain does not use it.
func (w *Worker) drain() error {
	if w.log != nil {
		w.log.Infof("worker: stopped")
	}
	return nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
