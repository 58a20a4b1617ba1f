// Package execctx implements spec.md section 3's ExecutionContext: the
// persisted record a multi-agent session carries across hops (which agent
// chain, which collections, which workflow it belongs to), keyed by
// context_id and loaded/saved through the state manager per SPEC_FULL.md's
// execution_context schema supplement.
//
// It is a thin caller atop statestore.Store, not a new persistence
// mechanism, per spec.md's non-goal on bespoke storage engines.
package execctx

import (
	"context"
	"fmt"
	"time"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/statestore"
)

// ContextType classifies what an ExecutionContext is scoped to, per
// spec.md section 3.
type ContextType string

const (
	ContextTypeAgent      ContextType = "agent"
	ContextTypeWorkflow   ContextType = "workflow"
	ContextTypeCollection ContextType = "collection"
)

// Context is spec.md section 3's ExecutionContext: the durable record of
// multi-agent state a session carries across hops.
type Context struct {
	ContextID      string            `json:"context_id"`
	ContextType    ContextType       `json:"context_type"`
	TenantID       string            `json:"tenant_id"`
	SessionID      string            `json:"session_id,omitempty"`
	PrimaryAgentID string            `json:"primary_agent_id,omitempty"`
	Agents         []string          `json:"agents,omitempty"`
	Collections    []string          `json:"collections,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

const defaultTTL = 30 * time.Minute

// schemaName is the statestore schema ExecutionContext is persisted under,
// per SPEC_FULL.md's "keyed by context_id under schema name
// \"execution_context\"" supplement.
const schemaName = "execution_context"

// Manager loads, persists, and expires ExecutionContext records keyed by
// context_id, implementing spec.md section 3's create-on-first-request /
// refresh-on-interaction / destroy-on-close-or-TTL lifecycle.
type Manager struct {
	store *statestore.Store[Context]
	ttl   time.Duration
}

// NewManager constructs a Manager over the shared pool, scoped the same
// way every other statestore consumer is (prefix/env/service from
// config.Settings).
func NewManager(pool *redispool.Pool, settings *config.Settings) *Manager {
	return &Manager{
		store: statestore.NewFromSettings[Context](pool, settings, schemaName),
		ttl:   defaultTTL,
	}
}

// WithTTL returns a Manager using ttl instead of the package default.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	return &Manager{store: m.store, ttl: ttl}
}

// Open persists c as the ExecutionContext for its own ContextID, stamping
// CreatedAt -- the "created on first request of a session" half of the
// lifecycle spec.md describes.
func (m *Manager) Open(ctx context.Context, c Context) error {
	if c.ContextID == "" {
		return fmt.Errorf("execctx: context_id is required")
	}
	switch c.ContextType {
	case ContextTypeAgent, ContextTypeWorkflow, ContextTypeCollection:
	default:
		return fmt.Errorf("execctx: context_type must be one of agent|workflow|collection, got %q", c.ContextType)
	}
	c.CreatedAt = time.Now().UTC()
	return m.store.Save(ctx, c.ContextID, c, m.ttl)
}

// Load recovers the ExecutionContext for contextID. ok is false when no
// context was opened (or it already expired) for that id.
func (m *Manager) Load(ctx context.Context, contextID string) (Context, bool, error) {
	return m.store.Load(ctx, contextID)
}

// Touch refreshes an in-flight context's TTL and stamps metadata's
// updated_at, per SPEC_FULL.md's "refreshing metadata.updated_at" supplement
// -- "refreshed on each interaction" in spec.md's lifecycle prose.
func (m *Manager) Touch(ctx context.Context, contextID string) (bool, error) {
	c, ok, err := m.store.Load(ctx, contextID)
	if err != nil || !ok {
		return false, err
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]string, 1)
	}
	c.Metadata["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	if err := m.store.Save(ctx, contextID, c, m.ttl); err != nil {
		return false, err
	}
	return true, nil
}

// Close deletes the ExecutionContext once a session ends. ok reports
// whether a context was actually present; closing an already-expired or
// never-opened id is not an error.
func (m *Manager) Close(ctx context.Context, contextID string) (ok bool, err error) {
	return m.store.Delete(ctx, contextID)
}
