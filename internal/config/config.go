// Package config assembles the server configuration from environment
// variables, with an optional Vault overlay for secrets such as the
// database DSN and API keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is everything main needs to wire the server. Zero values mean
// the matching optional subsystem stays disabled.
type Config struct {
	// DatabaseURL is the plain pgx DSN for patients, records and
	// snapshots. Required.
	DatabaseURL string
	// ReplicationURL is the walsender connection string. Derived from
	// DatabaseURL unless set explicitly; it must carry
	// replication=database, which plain pgx connections must not.
	ReplicationURL string
	// QueryURL is DatabaseURL with any replication parameter stripped,
	// used for the LSN lookup beside the replication stream.
	QueryURL string

	ReplicationSlot        string
	ReplicationPublication string

	NATSURL  string
	HTTPAddr string

	MaxConnections int
	SamplingRate   int

	AnalysisEngineURL string
	AnalysisPoolSize  int
	AnalysisCodePath  string

	DeepSeekAPIKey string
	DeepSeekAPIURL string

	InactivityThreshold time.Duration
	DispatchWorkers     int

	OTELEndpoint string
}

const (
	defaultSlot          = "vitals_slot"
	defaultPublication   = "vitals_pub"
	defaultHTTPAddr      = ":8000"
	defaultMaxConns      = 1000
	defaultSamplingRate  = 125
	defaultAnalysisPool  = 4
	defaultDeepSeekURL   = "https://api.deepseek.com/v1/chat/completions"
	defaultInactivity    = 20 * time.Second
	defaultDispatchCount = 5
)

// Load reads the environment, applies the Vault overlay when VAULT_ADDR
// is set, and derives the replication connection strings.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		ReplicationURL:         os.Getenv("REPLICATION_URL"),
		ReplicationSlot:        envOr("REPLICATION_SLOT", defaultSlot),
		ReplicationPublication: envOr("REPLICATION_PUBLICATION", defaultPublication),
		NATSURL:                os.Getenv("NATS_URL"),
		HTTPAddr:               envOr("HTTP_ADDR", defaultHTTPAddr),
		MaxConnections:         intEnv("MAX_CONNECTIONS", defaultMaxConns),
		SamplingRate:           intEnv("SAMPLING_RATE", defaultSamplingRate),
		AnalysisEngineURL:      os.Getenv("ANALYSIS_ENGINE_URL"),
		AnalysisPoolSize:       intEnv("ANALYSIS_POOL_SIZE", defaultAnalysisPool),
		AnalysisCodePath:       os.Getenv("ANALYSIS_CODE_PATH"),
		DeepSeekAPIKey:         os.Getenv("DEEPSEEK_API_KEY"),
		DeepSeekAPIURL:         envOr("DEEPSEEK_API_URL", defaultDeepSeekURL),
		InactivityThreshold:    durationEnv("INACTIVITY_THRESHOLD", defaultInactivity),
		DispatchWorkers:        intEnv("DISPATCH_WORKERS", defaultDispatchCount),
		OTELEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		if err := cfg.applyVault(addr); err != nil {
			return Config{}, err
		}
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	// pgconn (replication connection) needs replication=database in the
	// DSN; plain pgx connections reject it. Derive both forms from the
	// one DSN unless the replication URL was given explicitly.
	if cfg.ReplicationURL == "" {
		cfg.ReplicationURL = withReplicationParam(cfg.DatabaseURL)
	}
	cfg.QueryURL = stripReplicationParam(cfg.DatabaseURL)

	return cfg, nil
}

func (c *Config) applyVault(addr string) error {
	token := envOr("VAULT_TOKEN", "root")
	secretPath := envOr("VAULT_SECRET_PATH", "secret/data/dticu/server")

	manager, err := NewSecretManager(addr, token)
	if err != nil {
		return fmt.Errorf("vault connection failed: %w", err)
	}
	secrets, err := manager.GetKV2(secretPath)
	if err != nil {
		return fmt.Errorf("load secrets from vault: %w", err)
	}

	overlay(secrets, "DATABASE_URL", &c.DatabaseURL)
	overlay(secrets, "REPLICATION_URL", &c.ReplicationURL)
	overlay(secrets, "NATS_URL", &c.NATSURL)
	overlay(secrets, "ANALYSIS_ENGINE_URL", &c.AnalysisEngineURL)
	overlay(secrets, "DEEPSEEK_API_KEY", &c.DeepSeekAPIKey)
	return nil
}

func overlay(secrets map[string]interface{}, key string, dest *string) {
	if v, ok := secrets[key].(string); ok && v != "" {
		*dest = v
	}
}

func withReplicationParam(dsn string) string {
	if strings.Contains(dsn, "replication=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&replication=database"
	}
	return dsn + "?replication=database"
}

func stripReplicationParam(dsn string) string {
	dsn = strings.ReplaceAll(dsn, "?replication=database&", "?")
	dsn = strings.ReplaceAll(dsn, "&replication=database", "")
	dsn = strings.ReplaceAll(dsn, "?replication=database", "")
	return dsn
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// durationEnv accepts Go duration syntax ("20s") and bare second counts
// ("20") for compatibility with the older deployment configs.
func durationEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
