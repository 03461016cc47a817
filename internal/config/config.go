// Package config provides configuration loading for the flowrun service.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the flowrun service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// PlanStore configuration
	PlanStoreType string // "memory" or "redis"

	// Driver configuration
	DriverType string // "subprocess" or "k8s"

	// OIDC configuration
	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string
	OIDCEnabled      bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// K8s configuration
	K8sNamespace  string
	K8sInCluster  bool
	K8sKubeconfig string

	// Scheduler configuration
	MaxParallelism     int
	DefaultMaxRetries  int
	DefaultBackoffSecs int

	// Artifact storage
	ArtifactBackend   string // "memory", "s3", "minio"
	ArtifactEndpoint  string
	ArtifactBucket    string
	ArtifactRegion    string
	ArtifactAccessKey string
	ArtifactSecretKey string
	ArtifactUseSSL    bool

	// Tracing
	TracingEnabled    bool
	TracingEndpoint   string
	TracingSampleRate float64
	ServiceVersion    string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// RunStore
		RunStoreType: getEnv("FLOWRUN_RUNSTORE", "memory"), // "memory" or "redis"
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour), // 7 days
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// PlanStore
		PlanStoreType: getEnv("FLOWRUN_PLANSTORE", "memory"),

		// Driver
		DriverType: getEnv("FLOWRUN_DRIVER", "subprocess"), // "subprocess" or "k8s"

		// OIDC
		OIDCIssuer:       getEnv("OIDC_ISSUER", ""),
		OIDCClientID:     getEnv("OIDC_CLIENT_ID", ""),
		OIDCClientSecret: getEnv("OIDC_CLIENT_SECRET", ""),
		OIDCEnabled:      getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// K8s
		K8sNamespace:  getEnv("K8S_NAMESPACE", "flowrun"),
		K8sInCluster:  getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig: getEnv("KUBECONFIG", ""),

		// Scheduler
		MaxParallelism:     getInt("FLOWRUN_MAX_PARALLELISM", 0), // 0 = unlimited
		DefaultMaxRetries:  getInt("FLOWRUN_MAX_RETRIES_DEFAULT", 0),
		DefaultBackoffSecs: getInt("FLOWRUN_BACKOFF_SECONDS_DEFAULT", 2),

		// Artifacts
		ArtifactBackend:   getEnv("ARTIFACT_BACKEND", "memory"),
		ArtifactEndpoint:  getEnv("ARTIFACT_ENDPOINT", ""),
		ArtifactBucket:    getEnv("ARTIFACT_BUCKET", "flowrun-artifacts"),
		ArtifactRegion:    getEnv("ARTIFACT_REGION", "us-east-1"),
		ArtifactAccessKey: getEnv("ARTIFACT_ACCESS_KEY", ""),
		ArtifactSecretKey: getEnv("ARTIFACT_SECRET_KEY", ""),
		ArtifactUseSSL:    getBool("ARTIFACT_USE_SSL", false),

		// Tracing
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		TracingEndpoint:   getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),
		ServiceVersion:    getEnv("SERVICE_VERSION", "dev"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// RedisAddr strips the scheme from RedisURL for clients that take host:port.
func (c *Config) RedisAddr() string {
	addr := c.RedisURL
	addr = strings.TrimPrefix(addr, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	if idx := strings.Index(addr, "/"); idx != -1 {
		addr = addr[:idx]
	}
	return addr
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
