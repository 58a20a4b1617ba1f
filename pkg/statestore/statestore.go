// Package statestore is the fabric's thin key-value persistence surface:
// a typed Load/Save/Delete over Redis strings with TTL, used by execctx to
// persist ExecutionContext between hops and available to any service that
// needs small durable state keyed by tenant/session.
//
// It is deliberately NOT a storage engine -- no graph, file, or full-text
// operations, unlike the teacher's broker-backed storage.Client this
// package is grounded on. Spec.md's non-goals exclude a general storage
// layer; only the KV shape survives, re-pointed at Redis directly instead
// of round-tripping through a broker request/response pair.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
)

// StateDecodeError reports that a value read from the store could not be
// unmarshaled into the caller's requested type.
type StateDecodeError struct {
	Key string
	Err error
}

func (e *StateDecodeError) Error() string {
	return fmt.Sprintf("statestore: failed to decode key %q: %v", e.Key, e.Err)
}

func (e *StateDecodeError) Unwrap() error { return e.Err }

// Store is a generic typed KV store over a shared redispool.Pool. Each
// Store is scoped to one schema name so unrelated callers never collide on
// key space even when both store a "state" under the same logical key.
type Store[T any] struct {
	pool       *redispool.Pool
	prefix     string
	env        string
	service    string
	schemaName string
}

// New constructs a Store scoped to schemaName. prefix/env/service come from
// the naming authority's conventions (config.Prefix(), Settings.Environment,
// Settings.ServiceName) so keys line up with queuename's stream/queue
// naming without either package importing the other.
func New[T any](pool *redispool.Pool, prefix, environment, service, schemaName string) *Store[T] {
	return &Store[T]{
		pool:       pool,
		prefix:     prefix,
		env:        environment,
		service:    service,
		schemaName: schemaName,
	}
}

func (s *Store[T]) key(id string) string {
	return fmt.Sprintf("%s:%s:%s:state:%s:%s", s.prefix, s.env, s.service, s.schemaName, id)
}

// Save writes value under id with the given TTL. A zero ttl means no
// expiry.
func (s *Store[T]) Save(ctx context.Context, id string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statestore: failed to marshal value for key %q: %w", id, err)
	}
	if err := s.pool.Client().Set(ctx, s.key(id), raw, ttl).Err(); err != nil {
		return fmt.Errorf("statestore: save failed for key %q: %w", id, err)
	}
	return nil
}

// Load reads the value stored under id. ok is false (with a nil error) when
// the key does not exist, distinguishing "absent" from "decode failure".
func (s *Store[T]) Load(ctx context.Context, id string) (value T, ok bool, err error) {
	raw, err := s.pool.Client().Get(ctx, s.key(id)).Bytes()
	if err == redis.Nil {
		return value, false, nil
	}
	if err != nil {
		return value, false, fmt.Errorf("statestore: load failed for key %q: %w", id, err)
	}
	if unmarshalErr := json.Unmarshal(raw, &value); unmarshalErr != nil {
		return value, false, &StateDecodeError{Key: id, Err: unmarshalErr}
	}
	return value, true, nil
}

// Delete removes the value stored under id, per spec.md section 4.4's
// delete(key) -> bool contract: ok reports whether the key existed.
// Deleting an absent key is not an error.
func (s *Store[T]) Delete(ctx context.Context, id string) (ok bool, err error) {
	count, err := s.pool.Client().Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("statestore: delete failed for key %q: %w", id, err)
	}
	return count > 0, nil
}

// Touch refreshes the TTL of an existing key without rewriting its value.
// Returns false if the key does not exist.
func (s *Store[T]) Touch(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	ok, err := s.pool.Client().Expire(ctx, s.key(id), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("statestore: touch failed for key %q: %w", id, err)
	}
	return ok, nil
}

// NewFromSettings is a convenience constructor taking the fabric's
// config.Settings directly, so service wiring code doesn't need to thread
// prefix/env/service through by hand at every call site.
func NewFromSettings[T any](pool *redispool.Pool, settings *config.Settings, schemaName string) *Store[T] {
	return New[T](pool, config.Prefix(), settings.Environment, settings.ServiceName, schemaName)
}
