// Package config loads daemon configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds everything the daemon needs to boot.
type Config struct {
	ListenAddr  string
	LogLevel    string
	Environment string

	// DatabaseURL selects Postgres when set; otherwise the daemon runs
	// on a local SQLite file at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// RedisAddr selects the shared kill-switch store. Empty falls back
	// to in-process state, which is only safe for a single node.
	RedisAddr string

	ApprovalSecret string
	AnchorSecret   string
	AdminToken     string

	// CatalogPath points at a YAML action catalog. Empty uses the
	// built-in catalog.
	CatalogPath string

	// ClassifierURL points at an NLP classifier service. Empty uses the
	// built-in phrase matcher, which is only useful for demos.
	ClassifierURL string

	OTLPEndpoint     string
	TelemetryEnabled bool

	RateRPS        int
	RateBurst      int
	AnchorInterval int
	PurgeInterval  time.Duration

	// EvidenceBucket enables S3 upload of signed audit bundles.
	EvidenceBucket string
	EvidencePrefix string

	// S3DriverEnabled mounts the real S3 driver for storage actions.
	// All other services run on the in-memory driver until their
	// drivers land.
	S3DriverEnabled bool
	AWSRegion       string
	AWSEndpoint     string
}

// Load reads configuration from the environment with safe defaults.
func Load() *Config {
	return &Config{
		ListenAddr:  getenvDefault("STACKPILOT_LISTEN_ADDR", ":8080"),
		LogLevel:    getenvDefault("LOG_LEVEL", "info"),
		Environment: getenvDefault("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenvDefault("SQLITE_PATH", "stackpilot.db"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		ApprovalSecret: getenvDefault("APPROVAL_SECRET", "dev-approval-secret"),
		AnchorSecret:   getenvDefault("ANCHOR_SECRET", "dev-anchor-secret"),
		AdminToken:     os.Getenv("ADMIN_TOKEN"),

		CatalogPath:   os.Getenv("CATALOG_PATH"),
		ClassifierURL: os.Getenv("CLASSIFIER_URL"),

		OTLPEndpoint:     getenvDefault("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: os.Getenv("OTEL_ENABLED") == "true",

		RateRPS:        getenvIntDefault("RATE_RPS", 20),
		RateBurst:      getenvIntDefault("RATE_BURST", 40),
		AnchorInterval: getenvIntDefault("AUDIT_ANCHOR_INTERVAL", 32),
		PurgeInterval:  getenvDurationDefault("REGISTRY_PURGE_INTERVAL", time.Minute),

		EvidenceBucket: os.Getenv("EVIDENCE_BUCKET"),
		EvidencePrefix: getenvDefault("EVIDENCE_PREFIX", "audit-bundles"),

		S3DriverEnabled: os.Getenv("S3_DRIVER_ENABLED") == "true",
		AWSRegion:       getenvDefault("AWS_REGION", "us-east-1"),
		AWSEndpoint:     os.Getenv("AWS_ENDPOINT"),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
