package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Store     StoreConfig
	Activity  ActivityConfig
	Risk      RiskConfig
	Retention RetentionConfig
	Auth      AuthConfig
	RateLimit RateLimitConfig
	Tracing   TracingConfig
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string
	Port int
	TLS  TLSConfig
}

// TLSConfig contains TLS/SSL configuration
type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig contains activity record store configuration
type StoreConfig struct {
	Type       string // "memory", "badger"
	DataDir    string
	SyncWrites bool
	GCInterval time.Duration
}

// ActivityConfig contains activity tracking configuration
type ActivityConfig struct {
	BufferSize    int
	DropPolicy    string // "drop", "block"
	RetentionTTL  time.Duration
	Denylist      []string
	SlowThreshold time.Duration
}

// RiskConfig contains risk scoring configuration
type RiskConfig struct {
	Window            time.Duration
	CreationThreshold int
	FailureThreshold  int
	SourceThreshold   int
	FlagThreshold     int
}

// RetentionConfig contains retention reaper configuration
type RetentionConfig struct {
	Interval       time.Duration
	PendingCeiling time.Duration
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	Enabled       bool
	JWTSecret     string
	JWTExpiry     time.Duration
	RefreshExpiry time.Duration
	Issuer        string
	PublicPaths   []string
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool
	RequestsPerSec  float64
	Burst           int
	CleanupInterval time.Duration
}

// TracingConfig contains OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled        bool
	Endpoint       string
	ServiceName    string
	ServiceVersion string
	Environment    string
	SamplingRatio  float64
	InsecureConn   bool
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host: getEnvString("ACCTMGR_HOST", ""),
			Port: getEnvInt("ACCTMGR_PORT", 8080),
			TLS: TLSConfig{
				Enabled:  getEnvBool("ACCTMGR_TLS_ENABLED", false),
				CertFile: getEnvString("ACCTMGR_TLS_CERT_FILE", ""),
				KeyFile:  getEnvString("ACCTMGR_TLS_KEY_FILE", ""),
			},
		},
		Log: LogConfig{
			Level:  getEnvString("ACCTMGR_LOG_LEVEL", "info"),
			Format: getEnvString("ACCTMGR_LOG_FORMAT", "text"),
		},
		Store: StoreConfig{
			Type:       getEnvString("ACCTMGR_STORE_TYPE", "badger"),
			DataDir:    getEnvString("ACCTMGR_DATA_DIR", "./data"),
			SyncWrites: getEnvBool("ACCTMGR_SYNC_WRITES", true),
			GCInterval: getEnvDuration("ACCTMGR_STORE_GC_INTERVAL", 10*time.Minute),
		},
		Activity: ActivityConfig{
			BufferSize:    getEnvInt("ACCTMGR_ACTIVITY_BUFFER_SIZE", 1024),
			DropPolicy:    getEnvString("ACCTMGR_ACTIVITY_DROP_POLICY", "drop"),
			RetentionTTL:  getEnvDuration("ACCTMGR_ACTIVITY_RETENTION_TTL", 90*24*time.Hour),
			Denylist:      getEnvStringSlice("ACCTMGR_ACTIVITY_DENYLIST", nil),
			SlowThreshold: getEnvDuration("ACCTMGR_ACTIVITY_SLOW_THRESHOLD", time.Second),
		},
		Risk: RiskConfig{
			Window:            getEnvDuration("ACCTMGR_RISK_WINDOW", 5*time.Minute),
			CreationThreshold: getEnvInt("ACCTMGR_RISK_CREATION_THRESHOLD", 5),
			FailureThreshold:  getEnvInt("ACCTMGR_RISK_FAILURE_THRESHOLD", 10),
			SourceThreshold:   getEnvInt("ACCTMGR_RISK_SOURCE_THRESHOLD", 3),
			FlagThreshold:     getEnvInt("ACCTMGR_RISK_FLAG_THRESHOLD", 70),
		},
		Retention: RetentionConfig{
			Interval:       getEnvDuration("ACCTMGR_RETENTION_INTERVAL", time.Minute),
			PendingCeiling: getEnvDuration("ACCTMGR_RETENTION_PENDING_CEILING", 10*time.Minute),
		},
		Auth: AuthConfig{
			Enabled:       getEnvBool("ACCTMGR_AUTH_ENABLED", false),
			JWTSecret:     getEnvString("ACCTMGR_JWT_SECRET", ""),
			JWTExpiry:     getEnvDuration("ACCTMGR_JWT_EXPIRY", 15*time.Minute),
			RefreshExpiry: getEnvDuration("ACCTMGR_REFRESH_EXPIRY", 7*24*time.Hour),
			Issuer:        getEnvString("ACCTMGR_JWT_ISSUER", "account-manager"),
			PublicPaths:   getEnvStringSlice("ACCTMGR_PUBLIC_PATHS", []string{"/health", "/health/live", "/health/ready", "/metrics", "/api/v1/auth/login"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:         getEnvBool("ACCTMGR_RATE_LIMIT_ENABLED", false),
			RequestsPerSec:  getEnvFloat("ACCTMGR_RATE_LIMIT_REQUESTS_PER_SEC", 100.0),
			Burst:           getEnvInt("ACCTMGR_RATE_LIMIT_BURST", 20),
			CleanupInterval: getEnvDuration("ACCTMGR_RATE_LIMIT_CLEANUP", 5*time.Minute),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("ACCTMGR_TRACING_ENABLED", false),
			Endpoint:       getEnvString("ACCTMGR_TRACING_ENDPOINT", "otel-collector:4318"),
			ServiceName:    getEnvString("ACCTMGR_TRACING_SERVICE_NAME", "account-manager"),
			ServiceVersion: getEnvString("ACCTMGR_TRACING_SERVICE_VERSION", "1.0.0"),
			Environment:    getEnvString("ACCTMGR_TRACING_ENVIRONMENT", "development"),
			SamplingRatio:  getEnvFloat("ACCTMGR_TRACING_SAMPLING_RATIO", 1.0),
			InsecureConn:   getEnvBool("ACCTMGR_TRACING_INSECURE", true),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			return fmt.Errorf("TLS cert file must be specified when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			return fmt.Errorf("TLS key file must be specified when TLS is enabled")
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"text": true,
		"json": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Log.Format)
	}

	validStoreTypes := map[string]bool{
		"memory": true,
		"badger": true,
	}
	if !validStoreTypes[c.Store.Type] {
		return fmt.Errorf("invalid store type: %s (must be memory or badger)", c.Store.Type)
	}
	if c.Store.Type == "badger" && c.Store.DataDir == "" {
		return fmt.Errorf("data directory must be specified for the badger store")
	}

	if c.Activity.BufferSize <= 0 {
		return fmt.Errorf("activity buffer size must be positive")
	}
	validDropPolicies := map[string]bool{
		"drop":  true,
		"block": true,
	}
	if !validDropPolicies[c.Activity.DropPolicy] {
		return fmt.Errorf("invalid drop policy: %s (must be drop or block)", c.Activity.DropPolicy)
	}
	if c.Activity.RetentionTTL <= 0 {
		return fmt.Errorf("activity retention TTL must be positive")
	}

	if c.Risk.Window <= 0 {
		return fmt.Errorf("risk window must be positive")
	}
	if c.Risk.FlagThreshold <= 0 || c.Risk.FlagThreshold > 100 {
		return fmt.Errorf("invalid flag threshold: %d (must be 1-100)", c.Risk.FlagThreshold)
	}

	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention interval must be positive")
	}
	if c.Retention.PendingCeiling <= 0 {
		return fmt.Errorf("pending ceiling must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSec <= 0 {
			return fmt.Errorf("rate limit requests per second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate limit burst must be positive")
		}
	}

	if c.Auth.Enabled {
		if c.Auth.JWTSecret == "" {
			return fmt.Errorf("JWT secret must be specified when auth is enabled")
		}
		if c.Auth.JWTExpiry <= 0 {
			return fmt.Errorf("JWT expiry must be positive")
		}
		if c.Auth.RefreshExpiry <= 0 {
			return fmt.Errorf("refresh expiry must be positive")
		}
		if c.Auth.Issuer == "" {
			return fmt.Errorf("JWT issuer must be specified when auth is enabled")
		}
	}

	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	if c.Server.Host == "" {
		return fmt.Sprintf(":%d", c.Server.Port)
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvString gets a string environment variable with a default value
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getEnvStringSlice gets a comma-separated string environment variable as a slice with a default value
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		result := []string{}
		for _, v := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
