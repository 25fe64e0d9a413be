// Package config reads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	liststr "ledger/pkg/platform/strings"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Database DatabaseConfig
	Redis    RedisConfig
	Kafka    KafkaConfig
	Ledger   LedgerConfig
	Workers  WorkerConfig
	Log      LogConfig

	// AnomalyConfigPath points at an optional YAML file of detector thresholds.
	AnomalyConfigPath string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr       string
	AdminToken string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the seal lock client. An empty URL disables Redis.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures ingest and streaming. No brokers disables both.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	IngestTopic   string
	EntriesTopic  string
	FindingsTopic string
	CreateTopics  bool
}

// Enabled reports whether any broker is configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// LedgerConfig carries signing and write-path settings.
type LedgerConfig struct {
	SigningSecret   string
	KeyVersion      int
	FailurePolicy   string
	WriteMaxRetries int
	WriteMaxElapsed time.Duration
	SpillCapacity   int
	NotifyTimeout   time.Duration
}

type WorkerConfig struct {
	SealInterval  time.Duration
	SealLockTTL   time.Duration
	ScanInterval  time.Duration
	ScanLockTTL   time.Duration
	ScanLookback  time.Duration
	DrainInterval time.Duration
	DrainBatch    int
}

type LogConfig struct {
	Level  string
	Format string
}

// DevSigningSecret is used when LEDGER_SIGNING_SECRET is unset. It must be
// overridden outside development.
const DevSigningSecret = "dev-ledger-signing-secret-change-me-0123456789"

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() (Config, error) {
	return fromLookup(os.Getenv)
}

func fromLookup(getenv func(string) string) (Config, error) {
	e := env{getenv: getenv}
	cfg := Config{
		Server: Server{
			Addr:       e.str("LEDGER_ADDR", ":8080"),
			AdminToken: e.str("LEDGER_ADMIN_TOKEN", ""),
		},
		Database: DatabaseConfig{
			URL:             e.str("DATABASE_URL", ""),
			MaxOpenConns:    e.int("DATABASE_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    e.int("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: e.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          e.str("REDIS_URL", ""),
			PoolSize:     e.int("REDIS_POOL_SIZE", 10),
			MinIdleConns: e.int("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  e.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  e.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: e.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:       e.list("KAFKA_BROKERS"),
			ConsumerGroup: e.str("KAFKA_CONSUMER_GROUP", "audit-ledger"),
			IngestTopic:   e.str("LEDGER_INGEST_TOPIC", "audit.events"),
			EntriesTopic:  e.str("LEDGER_ENTRIES_TOPIC", "audit.security-entries"),
			FindingsTopic: e.str("LEDGER_FINDINGS_TOPIC", "audit.anomalies"),
			CreateTopics:  e.bool("KAFKA_CREATE_TOPICS", true),
		},
		Ledger: LedgerConfig{
			SigningSecret:   e.str("LEDGER_SIGNING_SECRET", DevSigningSecret),
			KeyVersion:      e.int("LEDGER_KEY_VERSION", 1),
			FailurePolicy:   e.str("LEDGER_FAILURE_POLICY", "fail_closed"),
			WriteMaxRetries: e.int("LEDGER_WRITE_MAX_RETRIES", 3),
			WriteMaxElapsed: e.duration("LEDGER_WRITE_MAX_ELAPSED", 2*time.Second),
			SpillCapacity:   e.int("LEDGER_SPILL_CAPACITY", 10000),
			NotifyTimeout:   e.duration("LEDGER_NOTIFY_TIMEOUT", 5*time.Second),
		},
		Workers: WorkerConfig{
			SealInterval:  e.duration("LEDGER_SEAL_INTERVAL", time.Minute),
			SealLockTTL:   e.duration("LEDGER_SEAL_LOCK_TTL", 30*time.Second),
			ScanInterval:  e.duration("LEDGER_SCAN_INTERVAL", 5*time.Minute),
			ScanLockTTL:   e.duration("LEDGER_SCAN_LOCK_TTL", time.Minute),
			ScanLookback:  e.duration("LEDGER_SCAN_LOOKBACK", time.Hour),
			DrainInterval: e.duration("LEDGER_DRAIN_INTERVAL", 10*time.Second),
			DrainBatch:    e.int("LEDGER_DRAIN_BATCH", 100),
		},
		Log: LogConfig{
			Level:  e.str("LOG_LEVEL", "info"),
			Format: e.str("LOG_FORMAT", "json"),
		},
		AnomalyConfigPath: e.str("LEDGER_ANOMALY_CONFIG", ""),
	}
	if e.err != nil {
		return Config{}, e.err
	}
	return cfg, nil
}

// env reads typed values and remembers the first parse error.
type env struct {
	getenv func(string) string
	err    error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) int(key string, def int) int {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return n
}

func (e *env) bool(key string, def bool) bool {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v := e.getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return def
	}
	return d
}

func (e *env) list(key string) []string {
	return liststr.SplitList(e.getenv(key))
}

func (e *env) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("config %s: %w", key, err)
	}
}
