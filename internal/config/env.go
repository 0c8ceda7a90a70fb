// Package config handles environment and file based configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// ConfigFileName is the optional YAML file read from the config directory.
// Environment variables override file values.
const ConfigFileName = "sls.yaml"

// EnvConfig holds all startup settings. Values come from the environment
// first, then the config file, then defaults.
type EnvConfig struct {
	// Network
	Host string
	Port int

	// Directories and logging
	ConfigDir string
	DataDir   string
	LogFile   string

	// Store
	StoreBackend string
	RedisURL     string
	CachePrefix  string

	// Leases
	LeaseCapacity   int
	LeaseDefaultTTL time.Duration
	LeaseMaxTTL     time.Duration

	// Maintenance
	PruneInterval          time.Duration
	PruneThreshold         time.Duration
	FlushCheckInterval     time.Duration
	MemoryInterval         time.Duration
	ArchiveRetention       time.Duration
	ArchiveCompactSchedule string

	// Fan-out and delivery
	FanoutQueueSize      int
	FlushConcurrency     int
	PushTimeout          time.Duration
	PushFailureLimit     int
	DefaultMaxPushEvents int

	// HTTP surface
	RequestTimeout time.Duration
	MaxBodyBytes   int
	MaxConns       int
	AdminToken     string

	// Geo enrichment (empty disables)
	GeoDBPath string
}

// loader resolves each setting as env > file > default and accumulates
// validation errors.
type loader struct {
	file map[string]string
	errs []string
}

// LoadEnvConfig reads the config file (if present) and environment variables
// and returns a validated EnvConfig. configDir, when non-empty, overrides
// SLS_CONFIG_DIR (CLI flag wins).
func LoadEnvConfig(configDir string) (*EnvConfig, error) {
	cfg := &EnvConfig{}
	l := &loader{}

	cfg.ConfigDir = configDir
	if cfg.ConfigDir == "" {
		cfg.ConfigDir = l.str("SLS_CONFIG_DIR", "config-dir", "/etc/sls")
	}
	if err := l.readFile(filepath.Join(cfg.ConfigDir, ConfigFileName)); err != nil {
		return nil, err
	}

	cfg.Host = strings.TrimSpace(l.str("SLS_HOST", "host", "0.0.0.0"))
	cfg.Port = l.int("SLS_PORT", "port", 8090)

	cfg.DataDir = l.str("SLS_DATA_DIR", "data-dir", "/var/lib/sls")
	cfg.LogFile = l.str("SLS_LOG_FILE", "log-file", "")

	cfg.StoreBackend = strings.ToLower(l.str("SLS_STORE_BACKEND", "store-backend", BackendSQLite))
	cfg.RedisURL = l.str("SLS_REDIS_URL", "redis-url", "redis://127.0.0.1:6379/0")
	cfg.CachePrefix = strings.TrimSpace(l.str("SLS_CACHE_PREFIX", "cache-prefix", "lookup"))

	cfg.LeaseCapacity = l.int("SLS_LEASE_CAPACITY", "lease-capacity", 0)
	cfg.LeaseDefaultTTL = l.duration("SLS_LEASE_DEFAULT_TTL", "lease-default-ttl", time.Hour)
	cfg.LeaseMaxTTL = l.duration("SLS_LEASE_MAX_TTL", "lease-max-ttl", 24*time.Hour)

	cfg.PruneInterval = l.duration("SLS_PRUNE_INTERVAL", "prune-interval", 30*time.Second)
	cfg.PruneThreshold = l.duration("SLS_PRUNE_THRESHOLD", "prune-threshold", 0)
	cfg.FlushCheckInterval = l.duration("SLS_FLUSH_CHECK_INTERVAL", "flush-check-interval", time.Second)
	cfg.MemoryInterval = l.duration("SLS_MEMORY_INTERVAL", "memory-interval", 5*time.Minute)
	cfg.ArchiveRetention = l.duration("SLS_ARCHIVE_RETENTION", "archive-retention", 30*24*time.Hour)
	cfg.ArchiveCompactSchedule = l.str("SLS_ARCHIVE_COMPACT_SCHEDULE", "archive-compact-schedule", "10 4 * * *")

	cfg.FanoutQueueSize = l.int("SLS_FANOUT_QUEUE_SIZE", "fanout-queue-size", 4096)
	cfg.FlushConcurrency = l.int("SLS_FLUSH_CONCURRENCY", "flush-concurrency", 8)
	cfg.PushTimeout = l.duration("SLS_PUSH_TIMEOUT", "push-timeout", 8*time.Second)
	cfg.PushFailureLimit = l.int("SLS_PUSH_FAILURE_LIMIT", "push-failure-limit", 3)
	cfg.DefaultMaxPushEvents = l.int("SLS_DEFAULT_MAX_PUSH_EVENTS", "default-max-push-events", 10)

	cfg.RequestTimeout = l.duration("SLS_REQUEST_TIMEOUT", "request-timeout", 30*time.Second)
	cfg.MaxBodyBytes = l.int("SLS_MAX_BODY_BYTES", "max-body-bytes", 1<<20)
	cfg.MaxConns = l.int("SLS_MAX_CONNS", "max-conns", 1024)
	cfg.AdminToken = l.str("SLS_ADMIN_TOKEN", "admin-token", "")

	cfg.GeoDBPath = l.str("SLS_GEO_DB_PATH", "geo-db-path", "")

	// --- Validation ---
	if cfg.Host == "" {
		l.errs = append(l.errs, "SLS_HOST must not be empty")
	}
	validatePort("SLS_PORT", cfg.Port, &l.errs)
	switch cfg.StoreBackend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		l.errs = append(l.errs, fmt.Sprintf("SLS_STORE_BACKEND: invalid backend %q (allowed: %s, %s, %s)",
			cfg.StoreBackend, BackendMemory, BackendSQLite, BackendRedis))
	}
	if cfg.LeaseCapacity < 0 {
		l.errs = append(l.errs, "SLS_LEASE_CAPACITY must not be negative (0 means unbounded)")
	}
	validatePositiveDuration("SLS_LEASE_DEFAULT_TTL", cfg.LeaseDefaultTTL, &l.errs)
	validatePositiveDuration("SLS_LEASE_MAX_TTL", cfg.LeaseMaxTTL, &l.errs)
	if cfg.LeaseMaxTTL < cfg.LeaseDefaultTTL {
		l.errs = append(l.errs, "SLS_LEASE_MAX_TTL must be at least SLS_LEASE_DEFAULT_TTL")
	}
	validatePositiveDuration("SLS_PRUNE_INTERVAL", cfg.PruneInterval, &l.errs)
	if cfg.PruneThreshold < 0 {
		l.errs = append(l.errs, "SLS_PRUNE_THRESHOLD must not be negative")
	}
	validatePositiveDuration("SLS_FLUSH_CHECK_INTERVAL", cfg.FlushCheckInterval, &l.errs)
	validatePositiveDuration("SLS_MEMORY_INTERVAL", cfg.MemoryInterval, &l.errs)
	validatePositiveDuration("SLS_ARCHIVE_RETENTION", cfg.ArchiveRetention, &l.errs)
	if _, err := cron.ParseStandard(cfg.ArchiveCompactSchedule); err != nil {
		l.errs = append(l.errs, fmt.Sprintf("SLS_ARCHIVE_COMPACT_SCHEDULE: invalid cron expression %q: %v",
			cfg.ArchiveCompactSchedule, err))
	}
	validatePositive("SLS_FANOUT_QUEUE_SIZE", cfg.FanoutQueueSize, &l.errs)
	validatePositive("SLS_FLUSH_CONCURRENCY", cfg.FlushConcurrency, &l.errs)
	validatePositiveDuration("SLS_PUSH_TIMEOUT", cfg.PushTimeout, &l.errs)
	validatePositive("SLS_PUSH_FAILURE_LIMIT", cfg.PushFailureLimit, &l.errs)
	validatePositive("SLS_DEFAULT_MAX_PUSH_EVENTS", cfg.DefaultMaxPushEvents, &l.errs)
	validatePositiveDuration("SLS_REQUEST_TIMEOUT", cfg.RequestTimeout, &l.errs)
	validatePositive("SLS_MAX_BODY_BYTES", cfg.MaxBodyBytes, &l.errs)
	if cfg.MaxConns < 0 {
		l.errs = append(l.errs, "SLS_MAX_CONNS must not be negative (0 means unlimited)")
	}

	if len(l.errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(l.errs, "\n  "))
	}
	return cfg, nil
}

// readFile loads the optional YAML config file. A missing file is fine;
// a malformed one is a hard error.
func (l *loader) readFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case string, int, int64, float64, bool:
			values[k] = fmt.Sprint(v)
		default:
			return fmt.Errorf("parse config file %s: key %q: values must be scalar", path, k)
		}
	}
	l.file = values
	return nil
}

// --- helpers ---

func (l *loader) raw(envKey, fileKey string) (string, bool) {
	if v, ok := os.LookupEnv(envKey); ok {
		return v, true
	}
	if v, ok := l.file[fileKey]; ok {
		return v, true
	}
	return "", false
}

func (l *loader) str(envKey, fileKey, defaultVal string) string {
	if v, ok := l.raw(envKey, fileKey); ok {
		return v
	}
	return defaultVal
}

func (l *loader) int(envKey, fileKey string, defaultVal int) int {
	v, ok := l.raw(envKey, fileKey)
	if !ok || v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid integer %q", envKey, v))
		return defaultVal
	}
	return n
}

func (l *loader) duration(envKey, fileKey string, defaultVal time.Duration) time.Duration {
	v, ok := l.raw(envKey, fileKey)
	if !ok || v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s: invalid duration %q", envKey, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be a positive duration, got %v", name, value))
	}
}
