package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultCatalogPath     = "config/catalog.yaml"
	defaultTrustTier       = "high"
	defaultOpsAddr         = "localhost:8481"
	defaultAuditPath       = "buskeeper-audit.jsonl"
	defaultExecutorPath    = "buskeeper-executor"
	defaultAuditSubject    = "buskeeper.audit"
	defaultAuditStream     = "buskeeper:audit"
	defaultRateLimit       = 60
	defaultCallTimeout     = 5 * time.Second
	defaultConfirmTTL      = 60 * time.Second
	defaultAuthTimeout     = 30 * time.Second
	defaultAuditBufferSize = 1024

	envCatalogPath     = "BUSKEEPER_CATALOG_PATH"
	envTrustTier       = "BUSKEEPER_TRUST_TIER"
	envOpsAddr         = "BUSKEEPER_OPS_ADDR"
	envAuditPath       = "BUSKEEPER_AUDIT_PATH"
	envAuditStrict     = "BUSKEEPER_AUDIT_STRICT"
	envAuditRedisURL   = "BUSKEEPER_AUDIT_REDIS_URL"
	envAuditNATSURL    = "BUSKEEPER_AUDIT_NATS_URL"
	envAuditSubject    = "BUSKEEPER_AUDIT_SUBJECT"
	envExecutorPath    = "BUSKEEPER_EXECUTOR_PATH"
	envSystemBus       = "BUSKEEPER_ENABLE_SYSTEM_BUS"
	envDefaultLimit    = "BUSKEEPER_DEFAULT_RATE_LIMIT"
	envCallTimeout     = "BUSKEEPER_CALL_TIMEOUT"
	envConfirmTTL      = "BUSKEEPER_CONFIRM_TTL"
	envAuthTimeout     = "BUSKEEPER_AUTH_TIMEOUT"
	envAuditBufferSize = "BUSKEEPER_AUDIT_BUFFER"
)

// Config holds runtime configuration for the mediator daemon.
type Config struct {
	CatalogPath     string
	TrustTier       string
	OpsAddr         string
	AuditPath       string
	AuditStrict     bool
	AuditRedisURL   string
	AuditNATSURL    string
	AuditSubject    string
	AuditBufferSize int
	ExecutorPath    string
	EnableSystemBus bool
	DefaultLimit    int
	CallTimeout     time.Duration
	ConfirmTTL      time.Duration
	AuthTimeout     time.Duration
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		CatalogPath:     envOr(envCatalogPath, defaultCatalogPath),
		TrustTier:       envOr(envTrustTier, defaultTrustTier),
		OpsAddr:         envOr(envOpsAddr, defaultOpsAddr),
		AuditPath:       envOr(envAuditPath, defaultAuditPath),
		AuditStrict:     envBool(envAuditStrict, false),
		AuditRedisURL:   os.Getenv(envAuditRedisURL),
		AuditNATSURL:    os.Getenv(envAuditNATSURL),
		AuditSubject:    envOr(envAuditSubject, defaultAuditSubject),
		AuditBufferSize: envInt(envAuditBufferSize, defaultAuditBufferSize),
		ExecutorPath:    envOr(envExecutorPath, defaultExecutorPath),
		EnableSystemBus: envBool(envSystemBus, true),
		DefaultLimit:    envInt(envDefaultLimit, defaultRateLimit),
		CallTimeout:     envDuration(envCallTimeout, defaultCallTimeout),
		ConfirmTTL:      envDuration(envConfirmTTL, defaultConfirmTTL),
		AuthTimeout:     envDuration(envAuthTimeout, defaultAuthTimeout),
	}
}

// AuditStreamKey is the Redis stream the audit sink appends to.
func (c *Config) AuditStreamKey() string {
	return defaultAuditStream
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
