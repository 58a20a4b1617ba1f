// Package tier implements the fabric's per-tenant subscription-tier
// enforcement: upstream validation before work is dispatched, and
// downstream usage accounting after a resource is actually consumed
// (spec.md section 4.7). It has no direct teacher equivalent -- GOX has no
// tenant/tier concept -- so Validate's branch-by-resource-kind structure is
// grounded on how go-playground/validator (jordigilh-kubernaut's own
// dependency) keeps independent constraint checks as separate, composable
// rules, and IncrementUsage follows evalgo-org-eve/queue/redis/queue.go's
// single-key Redis primitive + wrapped-error style.
package tier

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kkvrivishvili/nooble4-sub005/pkg/config"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/fabriterr"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/logging"
	"github.com/kkvrivishvili/nooble4-sub005/pkg/redispool"
)

// Window names the time boundary a quota resets on. A quota resource with
// WindowNone has no reset -- it caps a standing count (e.g. MAX_AGENTS)
// rather than a rate.
type Window string

const (
	WindowNone  Window = ""
	WindowHour  Window = "hour"
	WindowDay   Window = "day"
	WindowMonth Window = "month"
)

// ResourceKind classifies how a resource's limit is checked.
type ResourceKind string

const (
	KindQuota      ResourceKind = "quota"
	KindAllowList  ResourceKind = "allow_list"
	KindCapability ResourceKind = "capability"
)

// ResourceDef is the static metadata for one governed resource: its kind
// and, for quotas, the window its usage counter resets on.
type ResourceDef struct {
	Kind   ResourceKind
	Window Window
}

// DefaultResources is the non-exhaustive resource taxonomy named in
// spec.md section 4.7.
var DefaultResources = map[string]ResourceDef{
	"MAX_AGENTS":                {Kind: KindQuota, Window: WindowNone},
	"QUERIES_PER_HOUR":          {Kind: KindQuota, Window: WindowHour},
	"EMBEDDINGS_TOKENS":         {Kind: KindQuota, Window: WindowMonth},
	"ALLOWED_LLM_MODELS":        {Kind: KindAllowList},
	"MAX_COLLECTIONS_PER_AGENT": {Kind: KindQuota, Window: WindowNone},
	"CAN_USE_CUSTOM_PROMPTS":    {Kind: KindCapability},
}

// Limit is one (tier, resource) table entry. Only the field matching the
// resource's kind is meaningful.
type Limit struct {
	Quota      float64
	AllowList  []string
	Capability bool
}

// Table is the in-process tier limit table, loaded at startup from
// configuration per spec.md section 4.7 ("expected to be small, < 1000
// entries total").
type Table map[string]map[string]Limit

// Engine is the tier enforcement surface every business service holds a
// reference to.
type Engine struct {
	pool        *redispool.Pool
	prefix      string
	environment string
	resources   map[string]ResourceDef
	table       Table
	trackUsage  bool
	log         *logging.Logger
}

// NewEngine constructs an Engine over table, using DefaultResources for
// resource metadata unless overridden by resources.
func NewEngine(pool *redispool.Pool, settings *config.Settings, table Table, log *logging.Logger) *Engine {
	return &Engine{
		pool:        pool,
		prefix:      config.Prefix(),
		environment: settings.Environment,
		resources:   DefaultResources,
		table:       table,
		trackUsage:  settings.Tier.UsageTrackingEnabled,
		log:         log,
	}
}

// WithResources returns an Engine using a custom resource taxonomy instead
// of DefaultResources, for services that govern resources beyond the
// default set.
func (e *Engine) WithResources(resources map[string]ResourceDef) *Engine {
	return &Engine{
		pool: e.pool, prefix: e.prefix, environment: e.environment,
		resources: resources, table: e.table, trackUsage: e.trackUsage, log: e.log,
	}
}

// Validate checks a prospective resource use against tenant's tier limit.
// It is a pure function of the static limit table and (for quotas) the
// current usage counter: concurrent validates with identical inputs
// observe the same counter value unless an intervening IncrementUsage
// changes it, satisfying spec.md's determinism property for a fixed usage
// snapshot.
func (e *Engine) Validate(ctx context.Context, tenantID, tierName, resourceKey string, requestedValue interface{}) error {
	def, ok := e.resources[resourceKey]
	if !ok {
		return fmt.Errorf("tier: unknown resource key %q", resourceKey)
	}

	tierLimits, ok := e.table[tierName]
	if !ok {
		return &fabriterr.TierLimitExceeded{
			Kind: fabriterr.CapabilityDenied, Tenant: tenantID, Tier: tierName, ResourceKey: resourceKey,
			Message: fmt.Sprintf("no limits configured for tier %q", tierName),
		}
	}
	limit, ok := tierLimits[resourceKey]
	if !ok {
		return &fabriterr.TierLimitExceeded{
			Kind: fabriterr.CapabilityDenied, Tenant: tenantID, Tier: tierName, ResourceKey: resourceKey,
			Message: fmt.Sprintf("no limit configured for resource %q on tier %q", resourceKey, tierName),
		}
	}

	switch def.Kind {
	case KindQuota:
		return e.validateQuota(ctx, tenantID, tierName, resourceKey, def, limit, requestedValue)
	case KindAllowList:
		return validateAllowList(tenantID, tierName, resourceKey, limit, requestedValue)
	case KindCapability:
		return validateCapability(tenantID, tierName, resourceKey, limit)
	default:
		return fmt.Errorf("tier: resource %q has unrecognized kind %q", resourceKey, def.Kind)
	}
}

func (e *Engine) validateQuota(ctx context.Context, tenantID, tierName, resourceKey string, def ResourceDef, limit Limit, requestedValue interface{}) error {
	requested := 1.0
	if requestedValue != nil {
		v, ok := toFloat(requestedValue)
		if !ok {
			return fmt.Errorf("tier: requested_value for quota resource %q must be numeric, got %T", resourceKey, requestedValue)
		}
		requested = v
	}

	usage, err := e.currentUsage(ctx, tenantID, resourceKey, def.Window)
	if err != nil {
		return err
	}

	if usage+requested > limit.Quota {
		return &fabriterr.TierLimitExceeded{
			Kind: fabriterr.QuotaExceeded, Tenant: tenantID, Tier: tierName, ResourceKey: resourceKey,
			Message: fmt.Sprintf("quota exceeded for %q: usage=%.0f requested=%.0f limit=%.0f", resourceKey, usage, requested, limit.Quota),
		}
	}
	return nil
}

func validateAllowList(tenantID, tierName, resourceKey string, limit Limit, requestedValue interface{}) error {
	value, ok := requestedValue.(string)
	if !ok {
		return fmt.Errorf("tier: requested_value for allow-list resource %q must be a string, got %T", resourceKey, requestedValue)
	}
	for _, allowed := range limit.AllowList {
		if allowed == value {
			return nil
		}
	}
	return &fabriterr.TierLimitExceeded{
		Kind: fabriterr.ValueNotAllowed, Tenant: tenantID, Tier: tierName, ResourceKey: resourceKey,
		Message: fmt.Sprintf("value %q not permitted for %q on tier %q", value, resourceKey, tierName),
	}
}

func validateCapability(tenantID, tierName, resourceKey string, limit Limit) error {
	if !limit.Capability {
		return &fabriterr.TierLimitExceeded{
			Kind: fabriterr.CapabilityDenied, Tenant: tenantID, Tier: tierName, ResourceKey: resourceKey,
			Message: fmt.Sprintf("capability %q not granted on tier %q", resourceKey, tierName),
		}
	}
	return nil
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (e *Engine) usageKey(tenantID, resourceKey string, window Window) string {
	return fmt.Sprintf("%s:%s:tier:usage:%s:%s:%s", e.prefix, e.environment, tenantID, resourceKey, windowBucket(window, time.Now().UTC()))
}

func windowBucket(window Window, now time.Time) string {
	switch window {
	case WindowHour:
		return now.Format("2006010215")
	case WindowDay:
		return now.Format("20060102")
	case WindowMonth:
		return now.Format("200601")
	default:
		return "standing"
	}
}

func windowTTL(window Window, now time.Time) time.Duration {
	switch window {
	case WindowHour:
		next := now.Truncate(time.Hour).Add(time.Hour)
		return next.Sub(now)
	case WindowDay:
		next := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		return next.Sub(now)
	case WindowMonth:
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		return next.Sub(now)
	default:
		return 0 // standing counters never expire
	}
}

func (e *Engine) currentUsage(ctx context.Context, tenantID, resourceKey string, window Window) (float64, error) {
	val, err := e.pool.Client().Get(ctx, e.usageKey(tenantID, resourceKey, window)).Float64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("tier: failed to read usage for %q: %w", resourceKey, err)
	}
	return val, nil
}

// IncrementUsage atomically adds amount to tenant's usage counter for
// resourceKey's current window. Per spec.md section 4.7, this must never
// block or fail the user-visible response -- callers are expected to log
// and swallow any error this returns rather than propagate it upstream.
// A no-op (trackUsage disabled) returns nil immediately.
func (e *Engine) IncrementUsage(ctx context.Context, tenantID, resourceKey string, amount float64) error {
	if !e.trackUsage {
		return nil
	}
	def, ok := e.resources[resourceKey]
	if !ok {
		return fmt.Errorf("tier: unknown resource key %q", resourceKey)
	}

	key := e.usageKey(tenantID, resourceKey, def.Window)
	newVal, err := e.pool.Client().IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Warnf("tier: increment_usage failed for tenant=%s resource=%s", tenantID, resourceKey)
		}
		return fmt.Errorf("tier: failed to increment usage for %q: %w", resourceKey, err)
	}

	if ttl := windowTTL(def.Window, time.Now().UTC()); ttl > 0 && newVal == amount {
		if err := e.pool.Client().Expire(ctx, key, ttl).Err(); err != nil && e.log != nil {
			e.log.WithError(err).Warnf("tier: failed to set expiry on usage key %s", key)
		}
	}
	return nil
}
