package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
)

// Load reads path, applies LB_* environment overrides and
// validates the result. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	ApplyEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config", "invalid configuration")
	}
	return config, nil
}

// ApplyEnvironment overrides config with LB_* environment variables.
// Malformed values are ignored.
func ApplyEnvironment(config *Config) {
	// Listener
	config.Server.Host = getEnv("LB_HOST", config.Server.Host)
	config.Server.Port = getEnvInt("LB_PORT", config.Server.Port)
	config.Server.MaxConnections = getEnvInt("LB_MAX_CONNECTIONS", config.Server.MaxConnections)
	config.Server.TrustForwardedFor = getEnvBool("LB_TRUST_FORWARDED_FOR", config.Server.TrustForwardedFor)
	config.Admin.Port = getEnvInt("LB_ADMIN_PORT", config.Admin.Port)

	if servers := getEnv("LB_SERVERS", ""); servers != "" {
		config.Servers = parseServersFromEnv(servers)
	}

	// Proxy
	config.Proxy.Timeout = getEnvDuration("LB_TIMEOUT", config.Proxy.Timeout)
	if v := getEnv("LB_MAX_CONCURRENT_PER_SERVER", ""); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			config.Proxy.MaxConcurrentPerServer = n
		}
	}

	// Health Check Configuration
	config.HealthCheck.Enabled = getEnvBool("LB_HEALTH_CHECK_ENABLED", config.HealthCheck.Enabled)
	config.HealthCheck.Interval = getEnvDuration("LB_HEALTH_CHECK_INTERVAL", config.HealthCheck.Interval)
	config.HealthCheck.Path = getEnv("LB_HEALTH_CHECK_PATH", config.HealthCheck.Path)

	// Defense
	config.Defense.Percentile = getEnvFloat("LB_DDOS_PERCENTILE", config.Defense.Percentile)
	config.Defense.Cap = getEnvFloat("LB_DDOS_CAP", config.Defense.Cap)
	config.Defense.GraceFactor = getEnvFloat("LB_DDOS_GRACE_FACTOR", config.Defense.GraceFactor)
	if v := getEnv("LB_DDOS_SUSPICION_THRESHOLD", ""); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			config.Defense.SuspicionThreshold = n
		}
	}
	config.Defense.BanTimeout = getEnvDuration("LB_BAN_TIMEOUT", config.Defense.BanTimeout)

	// Cache
	config.Cache.Enabled = getEnvBool("LB_CACHE_ENABLED", config.Cache.Enabled)
	config.Cache.Backend = getEnv("LB_CACHE_BACKEND", config.Cache.Backend)
	config.Cache.Compression = getEnvBool("LB_CACHE_COMPRESSION", config.Cache.Compression)
	config.Cache.HashKeys = getEnvBool("LB_CACHE_HASH_KEYS", config.Cache.HashKeys)
	config.Cache.MaxMemory = getEnv("LB_CACHE_MAX_MEMORY", config.Cache.MaxMemory)
	config.Cache.EvictionPolicy = getEnv("LB_CACHE_EVICTION_POLICY", config.Cache.EvictionPolicy)
	config.Cache.Redis.Address = getEnv("LB_REDIS_ADDRESS", config.Cache.Redis.Address)
	config.Cache.Redis.Password = getEnv("LB_REDIS_PASSWORD", config.Cache.Redis.Password)

	// Capacity
	config.Capacity.Dynamic = getEnvBool("LB_DYNAMIC", config.Capacity.Dynamic)
	config.Capacity.GraceFactor = getEnvFloat("LB_SPINUP_GRACE_FACTOR", config.Capacity.GraceFactor)
	config.Capacity.MaxPort = getEnvInt("LB_MAX_PORT", config.Capacity.MaxPort)
	config.Capacity.BinaryPath = getEnv("LB_BINARY_PATH", config.Capacity.BinaryPath)
	config.IPC.Enabled = getEnvBool("LB_IPC", config.IPC.Enabled)
	config.IPC.Path = getEnv("LB_IPC_PATH", config.IPC.Path)

	// Rate Limiting Configuration
	config.RateLimit.Enabled = getEnvBool("LB_RATE_LIMIT_ENABLED", config.RateLimit.Enabled)
	config.RateLimit.RequestsPerSecond = getEnvFloat("LB_RATE_LIMIT_RPS", config.RateLimit.RequestsPerSecond)
	config.RateLimit.BurstSize = getEnvInt("LB_RATE_LIMIT_BURST", config.RateLimit.BurstSize)

	// Logging Configuration
	config.Logging.Level = getEnv("LB_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = getEnv("LB_LOG_FORMAT", config.Logging.Format)
	config.Logging.Output = getEnv("LB_LOG_OUTPUT", config.Logging.Output)
	config.Logging.File = getEnv("LB_LOG_FILE", config.Logging.File)
}

// LoadSecret loads the env file (a missing file is not an error) and
// returns the value of the variable named by security.secret_env.
func (c *Config) LoadSecret() ([]byte, error) {
	if c.Security.EnvFile != "" {
		if err := godotenv.Load(c.Security.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", c.Security.EnvFile, err)
		}
	}

	secret := os.Getenv(c.Security.SecretEnv)
	if secret == "" && (c.Security.MethodHashCheck || c.Challenge.Enabled) {
		return nil, fmt.Errorf("environment variable %s is not set", c.Security.SecretEnv)
	}
	return []byte(secret), nil
}

// getEnv gets environment variable with fallback to default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseServersFromEnv parses servers from environment variable
// Format: "address[=active[=strict]],..."
// Example: "127.0.0.1:8081=true=false,127.0.0.1:8082"
func parseServersFromEnv(servers string) []BackendConfig {
	var configs []BackendConfig

	for _, entry := range strings.Split(servers, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "=")
		if parts[0] == "" {
			continue
		}

		backend := BackendConfig{Address: parts[0], Active: true}
		if len(parts) >= 2 {
			if active, err := strconv.ParseBool(parts[1]); err == nil {
				backend.Active = active
			}
		}
		if len(parts) >= 3 {
			if strict, err := strconv.ParseBool(parts[2]); err == nil {
				backend.StrictTimeout = strict
			}
		}
		configs = append(configs, backend)
	}

	return configs
}

// getEnvInt gets environment variable as integer with fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration gets environment variable as duration with fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
