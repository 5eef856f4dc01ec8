// Package config loads guardianmesh settings from an optional YAML file,
// a .env file and GUARDIANMESH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/hupe1980/guardianmesh/core"
)

// Config is the root configuration.
type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Cache       CacheConfig       `mapstructure:"cache"`
	ContextBank ContextBankConfig `mapstructure:"context_bank"`
	Budget      BudgetConfig      `mapstructure:"budget"`
	Routing     RoutingConfig     `mapstructure:"routing"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
}

// LogConfig selects level and handler format ("json" or "text").
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MemoryConfig selects the storage backend and retention rules.
type MemoryConfig struct {
	// Backend is one of memory, file, sqlite or redis. A configured remote
	// endpoint with an api key takes precedence.
	Backend    string       `mapstructure:"backend"`
	Dir        string       `mapstructure:"dir"`
	SQLitePath string       `mapstructure:"sqlite_path"`
	Redis      RedisConfig  `mapstructure:"redis"`
	Remote     RemoteConfig `mapstructure:"remote"`

	// SystemPrefix is the namespace prefix, e.g. "guardian" yields "guardian:ino".
	SystemPrefix  string                     `mapstructure:"system_prefix"`
	DefaultPolicy string                     `mapstructure:"default_policy"`
	DefaultTTL    time.Duration              `mapstructure:"default_ttl"`
	MaxEntries    int                        `mapstructure:"max_entries"`
	Retention     map[string]RetentionConfig `mapstructure:"retention"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RemoteConfig configures the HTTP memory service.
type RemoteConfig struct {
	Endpoint     string        `mapstructure:"endpoint"`
	APIKey       string        `mapstructure:"api_key"`
	SystemPrefix string        `mapstructure:"system_prefix"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"`
	Burst        int           `mapstructure:"burst"`
}

// Enabled reports whether both endpoint and credential are set.
func (r RemoteConfig) Enabled() bool { return r.Endpoint != "" && r.APIKey != "" }

// RetentionConfig is a per-namespace retention policy.
type RetentionConfig struct {
	Policy string        `mapstructure:"policy"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// CacheConfig sizes the lookup cache.
type CacheConfig struct {
	MaxSize int           `mapstructure:"max_size"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// ContextBankConfig tunes context retrieval.
type ContextBankConfig struct {
	MaxFragments int     `mapstructure:"max_fragments"`
	Limit        int     `mapstructure:"limit"`
	Threshold    float64 `mapstructure:"threshold"`
	// Scorer is "overlap" or "embedding".
	Scorer string `mapstructure:"scorer"`
}

// BudgetConfig is the token budget. A zero total disables alerts.
type BudgetConfig struct {
	Total    int64   `mapstructure:"total"`
	Warning  float64 `mapstructure:"warning"`
	Critical float64 `mapstructure:"critical"`
}

type RoutingConfig struct {
	Overseer string `mapstructure:"overseer"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type SchedulerConfig struct {
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Memory: MemoryConfig{
			Backend:    "file",
			Dir:        ".guardianmesh/memory",
			SQLitePath: ".guardianmesh/memory.db",
			Redis:      RedisConfig{Addr: "localhost:6379", Prefix: "guardianmesh"},
			Remote: RemoteConfig{
				SystemPrefix: "guardianmesh",
				Timeout:      10 * time.Second,
				Burst:        1,
			},
			SystemPrefix:  "guardian",
			DefaultPolicy: "permanent",
			DefaultTTL:    24 * time.Hour,
		},
		Cache:       CacheConfig{MaxSize: 256, TTL: 5 * time.Minute},
		ContextBank: ContextBankConfig{Limit: 5, Threshold: 0.1, Scorer: "overlap"},
		Budget:      BudgetConfig{Warning: 0.8, Critical: 0.95},
		Routing:     RoutingConfig{Overseer: "shinkami"},
		Metrics:     MetricsConfig{Addr: ":9090"},
		Scheduler:   SchedulerConfig{PruneInterval: time.Minute},
	}
}

// Load reads .env (if present), then path (optional), then GUARDIANMESH_*
// environment variables, and validates the result. Nested keys map to
// variables with "." replaced by "_", e.g. GUARDIANMESH_MEMORY_REMOTE_API_KEY.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GUARDIANMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("memory.backend", d.Memory.Backend)
	v.SetDefault("memory.dir", d.Memory.Dir)
	v.SetDefault("memory.sqlite_path", d.Memory.SQLitePath)
	v.SetDefault("memory.redis.addr", d.Memory.Redis.Addr)
	v.SetDefault("memory.redis.password", d.Memory.Redis.Password)
	v.SetDefault("memory.redis.db", d.Memory.Redis.DB)
	v.SetDefault("memory.redis.prefix", d.Memory.Redis.Prefix)
	v.SetDefault("memory.remote.endpoint", d.Memory.Remote.Endpoint)
	v.SetDefault("memory.remote.api_key", d.Memory.Remote.APIKey)
	v.SetDefault("memory.remote.system_prefix", d.Memory.Remote.SystemPrefix)
	v.SetDefault("memory.remote.timeout", d.Memory.Remote.Timeout)
	v.SetDefault("memory.remote.rate_limit", d.Memory.Remote.RateLimit)
	v.SetDefault("memory.remote.burst", d.Memory.Remote.Burst)
	v.SetDefault("memory.system_prefix", d.Memory.SystemPrefix)
	v.SetDefault("memory.default_policy", d.Memory.DefaultPolicy)
	v.SetDefault("memory.default_ttl", d.Memory.DefaultTTL)
	v.SetDefault("memory.max_entries", d.Memory.MaxEntries)
	v.SetDefault("cache.max_size", d.Cache.MaxSize)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("context_bank.max_fragments", d.ContextBank.MaxFragments)
	v.SetDefault("context_bank.limit", d.ContextBank.Limit)
	v.SetDefault("context_bank.threshold", d.ContextBank.Threshold)
	v.SetDefault("context_bank.scorer", d.ContextBank.Scorer)
	v.SetDefault("budget.total", d.Budget.Total)
	v.SetDefault("budget.warning", d.Budget.Warning)
	v.SetDefault("budget.critical", d.Budget.Critical)
	v.SetDefault("routing.overseer", d.Routing.Overseer)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
	v.SetDefault("scheduler.prune_interval", d.Scheduler.PruneInterval)
}

var (
	backends = []string{"memory", "file", "sqlite", "redis"}
	policies = []string{"permanent", "session", "ttl"}
	scorers  = []string{"overlap", "embedding"}
)

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if !slices.Contains(backends, c.Memory.Backend) {
		return &core.ValidationError{Field: "memory.backend", Reason: fmt.Sprintf("must be one of %s", strings.Join(backends, ", "))}
	}
	if strings.TrimSpace(c.Memory.SystemPrefix) == "" {
		return &core.ValidationError{Field: "memory.system_prefix", Reason: "must not be empty"}
	}
	if !slices.Contains(policies, c.Memory.DefaultPolicy) {
		return &core.ValidationError{Field: "memory.default_policy", Reason: fmt.Sprintf("must be one of %s", strings.Join(policies, ", "))}
	}
	if c.Memory.DefaultPolicy == "ttl" && c.Memory.DefaultTTL <= 0 {
		return &core.ValidationError{Field: "memory.default_ttl", Reason: "must be positive for the ttl policy"}
	}
	for ns, r := range c.Memory.Retention {
		if !slices.Contains(policies, r.Policy) {
			return &core.ValidationError{Field: "memory.retention." + ns + ".policy", Reason: fmt.Sprintf("must be one of %s", strings.Join(policies, ", "))}
		}
		if r.Policy == "ttl" && r.TTL <= 0 {
			return &core.ValidationError{Field: "memory.retention." + ns + ".ttl", Reason: "must be positive for the ttl policy"}
		}
	}
	if c.Memory.MaxEntries < 0 {
		return &core.ValidationError{Field: "memory.max_entries", Reason: "must not be negative"}
	}
	if c.Memory.Remote.Timeout <= 0 {
		return &core.ValidationError{Field: "memory.remote.timeout", Reason: "must be positive"}
	}
	if c.Memory.Remote.RateLimit < 0 {
		return &core.ValidationError{Field: "memory.remote.rate_limit", Reason: "must not be negative"}
	}
	if c.Cache.MaxSize <= 0 {
		return &core.ValidationError{Field: "cache.max_size", Reason: "must be positive"}
	}
	if c.ContextBank.Limit <= 0 {
		return &core.ValidationError{Field: "context_bank.limit", Reason: "must be positive"}
	}
	if c.ContextBank.MaxFragments < 0 {
		return &core.ValidationError{Field: "context_bank.max_fragments", Reason: "must not be negative"}
	}
	if c.ContextBank.Threshold < 0 || c.ContextBank.Threshold > 1 {
		return &core.ValidationError{Field: "context_bank.threshold", Reason: "must be within [0,1]"}
	}
	if !slices.Contains(scorers, c.ContextBank.Scorer) {
		return &core.ValidationError{Field: "context_bank.scorer", Reason: fmt.Sprintf("must be one of %s", strings.Join(scorers, ", "))}
	}
	if c.Budget.Total < 0 {
		return &core.ValidationError{Field: "budget.total", Reason: "must not be negative"}
	}
	if c.Budget.Warning <= 0 || c.Budget.Warning > 1 {
		return &core.ValidationError{Field: "budget.warning", Reason: "must be within (0,1]"}
	}
	if c.Budget.Critical <= 0 || c.Budget.Critical > 1 {
		return &core.ValidationError{Field: "budget.critical", Reason: "must be within (0,1]"}
	}
	if c.Budget.Warning > c.Budget.Critical {
		return &core.ValidationError{Field: "budget.warning", Reason: "must not exceed budget.critical"}
	}
	if strings.TrimSpace(c.Routing.Overseer) == "" {
		return &core.ValidationError{Field: "routing.overseer", Reason: "must not be empty"}
	}
	if c.Scheduler.PruneInterval <= 0 {
		return &core.ValidationError{Field: "scheduler.prune_interval", Reason: "must be positive"}
	}
	return nil
}
