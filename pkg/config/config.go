// Package config loads the per-service Settings that every fabric
// component is constructed from: environment/service identity, the
// key-value store connection, worker tuning, transport defaults, and the
// tier-accounting master switch (spec.md section 6's configuration
// surface).
//
// Values are bound with viper so a deployment can override any key via
// NOOBLE4_-prefixed environment variables without touching the YAML
// defaults file, following the env-override-wins convention the teacher's
// own cell configuration loader used for file-vs-service-provided config.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the full configuration surface a service is built from.
type Settings struct {
	Environment string `mapstructure:"environment"`
	ServiceName string `mapstructure:"service_name"`

	Store StoreSettings `mapstructure:"store"`

	Worker   WorkerSettings   `mapstructure:"worker"`
	Transport TransportSettings `mapstructure:"transport"`
	Tier     TierSettings     `mapstructure:"tier"`
	Logging  LoggingSettings  `mapstructure:"logging"`
}

// StoreSettings configures the Redis connection pool (spec.md §4.3).
type StoreSettings struct {
	URL                   string        `mapstructure:"url"`
	MaxConnections        int           `mapstructure:"max_connections"`
	SocketConnectTimeout  time.Duration `mapstructure:"socket_connect_timeout"`
	HealthCheckInterval   time.Duration `mapstructure:"health_check_interval"`
}

// WorkerSettings configures the consumer-group loop (spec.md §4.6, §6).
type WorkerSettings struct {
	StreamContext     string        `mapstructure:"stream_context"`
	ConsumerGroup     string        `mapstructure:"consumer_group"`
	ConsumerID        string        `mapstructure:"consumer_id"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout_ms"`
	IdleClaim         time.Duration `mapstructure:"idle_claim_ms"`
	GraceShutdown     time.Duration `mapstructure:"grace_shutdown_ms"`
	MaxDeliveryCount  int64         `mapstructure:"max_delivery_count"`
	PendingBacklogAlarm int64       `mapstructure:"pending_backlog_alarm"`
}

// TransportSettings configures the transport client (spec.md §4.5, §6).
type TransportSettings struct {
	DefaultPseudoSyncTimeout time.Duration `mapstructure:"default_pseudo_sync_timeout_s"`
}

// TierSettings configures the tier engine (spec.md §4.7, §6).
type TierSettings struct {
	UsageTrackingEnabled bool `mapstructure:"usage_tracking_enabled"`
}

// LoggingSettings configures the logging package.
type LoggingSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

const (
	defaultPrefix      = "nooble4"
	defaultEnvironment = "dev"
)

// Prefix returns the naming-authority key prefix. Currently fixed to the
// spec's default; exposed as a function so it can become configurable
// without disturbing every call site.
func Prefix() string { return defaultPrefix }

// Load reads settings from an optional YAML file plus NOOBLE4_-prefixed
// environment variables (env wins), and fills defaults for anything left
// unset, mirroring the teacher's own default-filling Load().
func Load(configFile string) (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("NOOBLE4")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	setDefaults(v)

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	return &s, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", defaultEnvironment)
	// Keys with no real default are still registered so viper's Unmarshal
	// sees their NOOBLE4_ environment overrides.
	v.SetDefault("service_name", "")
	v.SetDefault("store.url", "")
	v.SetDefault("worker.stream_context", "")
	v.SetDefault("worker.consumer_id", "")
	v.SetDefault("store.max_connections", 10)
	v.SetDefault("store.socket_connect_timeout", 5*time.Second)
	v.SetDefault("store.health_check_interval", 30*time.Second)
	v.SetDefault("worker.consumer_group", "")
	v.SetDefault("worker.block_timeout_ms", 5*time.Second)
	v.SetDefault("worker.idle_claim_ms", 30*time.Second)
	v.SetDefault("worker.grace_shutdown_ms", 10*time.Second)
	v.SetDefault("worker.max_delivery_count", int64(5))
	v.SetDefault("worker.pending_backlog_alarm", int64(1000))
	v.SetDefault("transport.default_pseudo_sync_timeout_s", 10*time.Second)
	v.SetDefault("tier.usage_tracking_enabled", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

func (s *Settings) validate() error {
	if s.ServiceName == "" {
		return fmt.Errorf("config: service_name is required")
	}
	if s.Store.URL == "" {
		return fmt.Errorf("config: store.url is required")
	}
	if s.Worker.ConsumerGroup == "" {
		s.Worker.ConsumerGroup = s.ServiceName + "_group"
	}
	if s.Worker.ConsumerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		s.Worker.ConsumerID = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return nil
}
