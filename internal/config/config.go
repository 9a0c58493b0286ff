// Package config loads the control plane's configuration from YAML with
// environment-variable overrides, in the same shape and singleton pattern
// the rest of this codebase's sibling services use.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// =============================================================================
// meshcore control-plane configuration
// =============================================================================

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	WAL        WALConfig        `yaml:"wal"`
	AuditLog   AuditLogConfig   `yaml:"audit_log"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Client     ClientConfig     `yaml:"client"`
	Relay      RelayConfig      `yaml:"relay"`
	Ref        RefConfig        `yaml:"ref"`
	Presence   PresenceConfig   `yaml:"presence"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	JWT        JWTConfig        `yaml:"jwt"`
}

// JWTConfig configures internal/transport's verification of client and
// gateway socket tokens.
type JWTConfig struct {
	ClientSigningSecret  string `yaml:"client_signing_secret"`
	GatewaySigningSecret string `yaml:"gateway_signing_secret"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// DatabaseConfig is the Postgres connection used for ordinary SQL reads
// (hydration queries, on-demand resource/policy fetches) via database/sql.
type DatabaseConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
}

// WALConfig configures the L1 logical-replication consumer.
type WALConfig struct {
	DSN               string `yaml:"dsn"`
	SlotName          string `yaml:"slot_name"`
	PublicationName   string `yaml:"publication_name"`
	MaxBackoffSec     int    `yaml:"max_backoff_sec"`
	FlushBufferCap    int    `yaml:"flush_buffer_cap"`
}

type AuditLogConfig struct {
	FlushIntervalMs int      `yaml:"flush_interval_ms"`
	RedactedColumns  []string `yaml:"redacted_columns"`
}

type PubSubConfig struct {
	// Backend selects the cross-node presence transport; "redis" or
	// "local" (single node, tests/dev).
	Backend string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
}

type GatewayConfig struct {
	PruneIntervalSec int `yaml:"prune_interval_sec"`
}

type ClientConfig struct {
	TokenSigningSecret string `yaml:"token_signing_secret"`
}

type RelayConfig struct {
	CredentialTTL time.Duration `yaml:"credential_ttl"`
}

// RefConfig configures HMAC signing of rendezvous refs (spec.md §6).
type RefConfig struct {
	Secret string `yaml:"secret"`
}

type PresenceConfig struct {
	HeartbeatIntervalSec int `yaml:"heartbeat_interval_sec"`
}

type MonitoringConfig struct {
	EnablePrometheus bool `yaml:"enable_prometheus"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance. It loads a
// .env file first, the same local-dev convenience every sibling service
// in this codebase uses, so CONFIG_PATH and the override vars below can
// live in a checked-out .env instead of the shell environment.
func Get() *Config {
	once.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			slog.Warn("config: failed to load .env file", "error", err)
		}
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("MESHCORE_ENV", c.Server.Env)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.DSN = getEnv("DATABASE_DSN", c.Database.DSN)

	c.WAL.DSN = getEnv("WAL_DSN", c.WAL.DSN)
	c.WAL.SlotName = getEnv("WAL_SLOT_NAME", c.WAL.SlotName)
	c.WAL.PublicationName = getEnv("WAL_PUBLICATION_NAME", c.WAL.PublicationName)
	if v := getEnvInt("WAL_MAX_BACKOFF_SEC", 0); v > 0 {
		c.WAL.MaxBackoffSec = v
	}

	c.PubSub.Backend = getEnv("PUBSUB_BACKEND", c.PubSub.Backend)
	c.PubSub.RedisAddr = getEnv("PUBSUB_REDIS_ADDR", c.PubSub.RedisAddr)

	c.Ref.Secret = getEnv("REF_SIGNING_SECRET", c.Ref.Secret)
	c.Client.TokenSigningSecret = getEnv("CLIENT_TOKEN_SECRET", c.Client.TokenSigningSecret)

	c.JWT.ClientSigningSecret = getEnv("JWT_CLIENT_SECRET", c.JWT.ClientSigningSecret)
	c.JWT.GatewaySigningSecret = getEnv("JWT_GATEWAY_SECRET", c.JWT.GatewaySigningSecret)

	if v := getEnvInt("GATEWAY_PRUNE_INTERVAL_SEC", 0); v > 0 {
		c.Gateway.PruneIntervalSec = v
	}

	c.Monitoring.EnablePrometheus = getEnvBool("ENABLE_PROMETHEUS", c.Monitoring.EnablePrometheus)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.WAL.SlotName == "" {
		c.WAL.SlotName = "meshcore_slot"
	}
	if c.WAL.PublicationName == "" {
		c.WAL.PublicationName = "meshcore_pub"
	}
	if c.WAL.MaxBackoffSec == 0 {
		c.WAL.MaxBackoffSec = 30
	}
	if c.WAL.FlushBufferCap == 0 {
		c.WAL.FlushBufferCap = 500
	}
	if c.AuditLog.FlushIntervalMs == 0 {
		c.AuditLog.FlushIntervalMs = 250
	}
	if len(c.AuditLog.RedactedColumns) == 0 {
		c.AuditLog.RedactedColumns = []string{"password", "secret", "private_key", "preshared_key", "hash"}
	}
	if c.PubSub.Backend == "" {
		c.PubSub.Backend = "local"
	}
	if c.Gateway.PruneIntervalSec == 0 {
		c.Gateway.PruneIntervalSec = 60
	}
	if c.Relay.CredentialTTL == 0 {
		c.Relay.CredentialTTL = 90 * 24 * time.Hour
	}
	if c.Presence.HeartbeatIntervalSec == 0 {
		c.Presence.HeartbeatIntervalSec = 5
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool { return c.Server.Env == "production" }

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
