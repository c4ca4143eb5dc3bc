package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mir00r/guardian-lb/internal/cache"
	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/mir00r/guardian-lb/internal/middleware"
	"github.com/mir00r/guardian-lb/internal/transport"
	"github.com/mir00r/guardian-lb/pkg/logger"
	"gopkg.in/yaml.v2"
)

// Config represents the main configuration structure. It is immutable
// after Load returns; the server list only seeds the registry.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Admin       AdminConfig       `yaml:"admin"`
	Servers     []BackendConfig   `yaml:"servers"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Defense     DefenseConfig     `yaml:"defense"`
	Cache       CacheConfig       `yaml:"cache"`
	Capacity    CapacityConfig    `yaml:"capacity"`
	IPC         IPCConfig         `yaml:"ipc"`
	Security    SecurityConfig    `yaml:"security"`
	Challenge   ChallengeConfig   `yaml:"challenge"`
	UserAgent   UserAgentConfig   `yaml:"user_agent"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Transport   transport.Config  `yaml:"transport"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains the inbound HTTP listener configuration
type ServerConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxConnections    int           `yaml:"max_connections"`
	TrustForwardedFor bool          `yaml:"trust_forwarded_for"`
}

// AdminConfig contains admin API configuration
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// BackendConfig describes one statically configured backend
type BackendConfig struct {
	Address       string `yaml:"address"`
	Active        bool   `yaml:"active"`
	StrictTimeout bool   `yaml:"strict_timeout"`
}

// ProxyConfig contains admission and retry settings
type ProxyConfig struct {
	Timeout                time.Duration `yaml:"timeout"`
	MaxConcurrentPerServer int64         `yaml:"max_concurrent_per_server"`
	AdmissionBackoff       time.Duration `yaml:"admission_backoff"`
	MaxAttempts            int           `yaml:"max_attempts"`
}

// HealthCheckConfig contains health probe settings
type HealthCheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Path     string        `yaml:"path"`
}

// DefenseConfig contains the DDoS detector tunables
type DefenseConfig struct {
	Epoch              time.Duration `yaml:"epoch"`
	Percentile         float64       `yaml:"percentile"`
	Cap                float64       `yaml:"cap"`
	GraceFactor        float64       `yaml:"grace_factor"`
	SuspicionThreshold uint64        `yaml:"suspicion_threshold"`
	BanTimeout         time.Duration `yaml:"ban_timeout"`
	WindowSize         int           `yaml:"window_size"`
}

// CacheConfig selects and tunes the response cache
type CacheConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Backend        string            `yaml:"backend"`
	HashKeys       bool              `yaml:"hash_keys"`
	Compression    bool              `yaml:"compression"`
	MaxMemory      string            `yaml:"max_memory"`
	EvictionPolicy string            `yaml:"eviction_policy"`
	Redis          cache.RedisConfig `yaml:"redis"`
}

// CapacityConfig contains auto-scaling settings
type CapacityConfig struct {
	Dynamic     bool    `yaml:"dynamic"`
	GraceFactor float64 `yaml:"grace_factor"`
	MaxPort     int     `yaml:"max_port"`
	BinaryPath  string  `yaml:"binary_path"`
}

// IPCConfig switches backends to local sockets named <path><n>.sock
type IPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SecurityConfig contains method signing settings
type SecurityConfig struct {
	MethodHashCheck bool   `yaml:"method_hash_check"`
	CheckIn         bool   `yaml:"check_in"`
	CheckOut        bool   `yaml:"check_out"`
	SecretEnv       string `yaml:"secret_env"`
	EnvFile         string `yaml:"env_file"`
}

// ChallengeConfig contains JS challenge settings
type ChallengeConfig struct {
	Enabled bool          `yaml:"enabled"`
	Path    string        `yaml:"path"`
	TTL     time.Duration `yaml:"ttl"`
}

// UserAgentConfig contains the user agent policy
type UserAgentConfig struct {
	MinLength int      `yaml:"min_length"`
	Blocked   []string `yaml:"blocked"`
}

// RateLimitConfig contains the optional per-client hard limit
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	BurstSize         int           `yaml:"burst_size"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Admin: AdminConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9090,
		},
		Proxy: ProxyConfig{
			Timeout:                5 * time.Second,
			MaxConcurrentPerServer: 100,
			AdmissionBackoff:       time.Millisecond,
			MaxAttempts:            2,
		},
		HealthCheck: HealthCheckConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
			Path:     "/health",
		},
		Defense: DefenseConfig{
			Epoch:              time.Second,
			Percentile:         0.95,
			Cap:                1000,
			GraceFactor:        2,
			SuspicionThreshold: 100,
			BanTimeout:         5 * time.Minute,
			WindowSize:         100,
		},
		Cache: CacheConfig{
			Backend:        "memory",
			MaxMemory:      "100mb",
			EvictionPolicy: "allkeys-lru",
			Redis: cache.RedisConfig{
				Address:      "127.0.0.1:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Capacity: CapacityConfig{
			GraceFactor: 2,
			MaxPort:     9100,
		},
		IPC: IPCConfig{
			Path: "/tmp/guardian",
		},
		Security: SecurityConfig{
			SecretEnv: "secret",
			EnvFile:   ".env",
		},
		Challenge: ChallengeConfig{
			Path: "/challenge",
			TTL:  time.Hour,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			BurstSize:         200,
			IdleTTL:           5 * time.Minute,
		},
		Transport: transport.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromFile loads configuration from a YAML or JSON file on top of the
// defaults. Environment overrides are not applied.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to read config file %s", filename))
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, lberrors.WrapError(err, lberrors.ErrCodeConfigLoad, "config",
			fmt.Sprintf("failed to parse config file %s", filename))
	}

	return config, nil
}

// Validate validates the configuration for correctness
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Admin.Enabled {
		if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", c.Admin.Port)
		}
		if c.Admin.Port == c.Server.Port && c.Admin.Host == c.Server.Host {
			return fmt.Errorf("admin port %d collides with server port", c.Admin.Port)
		}
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections cannot be negative")
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}
	seen := make(map[string]bool)
	for i, s := range c.Servers {
		if s.Address == "" {
			return fmt.Errorf("servers[%d]: address cannot be empty", i)
		}
		if seen[s.Address] {
			return fmt.Errorf("servers[%d]: duplicate address '%s'", i, s.Address)
		}
		seen[s.Address] = true

		if !c.IPC.Enabled {
			if err := validateTCPAddress(s.Address); err != nil {
				return fmt.Errorf("servers[%d]: %w", i, err)
			}
		}
	}

	if c.Proxy.Timeout <= 0 {
		return fmt.Errorf("proxy.timeout must be positive")
	}
	if c.Proxy.MaxConcurrentPerServer < 0 {
		return fmt.Errorf("proxy.max_concurrent_per_server cannot be negative")
	}
	if c.Proxy.MaxAttempts < 1 {
		return fmt.Errorf("proxy.max_attempts must be at least 1")
	}

	if c.HealthCheck.Enabled {
		if c.HealthCheck.Interval <= 0 {
			return fmt.Errorf("health_check.interval must be positive")
		}
		if !strings.HasPrefix(c.HealthCheck.Path, "/") {
			return fmt.Errorf("health_check.path must start with '/'")
		}
	}

	d := c.Defense
	if d.Epoch <= 0 {
		return fmt.Errorf("defense.epoch must be positive")
	}
	if d.Percentile <= 0 || d.Percentile > 1 {
		return fmt.Errorf("defense.percentile must be in (0, 1]: %v", d.Percentile)
	}
	if d.Cap <= 0 {
		return fmt.Errorf("defense.cap must be positive")
	}
	if d.GraceFactor < 1 {
		return fmt.Errorf("defense.grace_factor must be at least 1")
	}
	if d.BanTimeout <= 0 {
		return fmt.Errorf("defense.ban_timeout must be positive")
	}
	if d.WindowSize <= 0 {
		return fmt.Errorf("defense.window_size must be positive")
	}

	if c.Cache.Enabled {
		switch c.Cache.Backend {
		case "redis":
			if c.Cache.Redis.Address == "" {
				return fmt.Errorf("cache.redis.address cannot be empty")
			}
		case "memory":
		default:
			return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
		}
		if _, err := ParseByteSize(c.Cache.MaxMemory); err != nil {
			return fmt.Errorf("cache.max_memory: %w", err)
		}
	}

	if c.Capacity.Dynamic {
		if c.Capacity.GraceFactor < 1 {
			return fmt.Errorf("capacity.grace_factor must be at least 1")
		}
		if c.Capacity.BinaryPath == "" {
			return fmt.Errorf("capacity.binary_path is required when capacity.dynamic is on")
		}
		if !c.IPC.Enabled && (c.Capacity.MaxPort <= 0 || c.Capacity.MaxPort > 65535) {
			return fmt.Errorf("invalid capacity.max_port: %d", c.Capacity.MaxPort)
		}
	}
	if c.IPC.Enabled && c.IPC.Path == "" {
		return fmt.Errorf("ipc.path cannot be empty")
	}

	if c.Security.MethodHashCheck && c.Security.SecretEnv == "" {
		return fmt.Errorf("security.secret_env cannot be empty")
	}
	if c.Challenge.Enabled && !strings.HasPrefix(c.Challenge.Path, "/") {
		return fmt.Errorf("challenge.path must start with '/'")
	}
	if c.UserAgent.MinLength < 0 {
		return fmt.Errorf("user_agent.min_length cannot be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive")
		}
		if c.RateLimit.BurstSize <= 0 {
			return fmt.Errorf("rate_limit.burst_size must be positive")
		}
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	validOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validOutputs[c.Logging.Output] {
		return fmt.Errorf("invalid log output: %s", c.Logging.Output)
	}

	return nil
}

func validateTCPAddress(address string) error {
	u, err := transport.ParseAddress(address)
	if err != nil {
		return err
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return fmt.Errorf("address %q has no port: %w", address, err)
	}
	return nil
}

// ListenAddress returns host:port of the proxy listener
func (c *Config) ListenAddress() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// AdminAddress returns host:port of the admin listener
func (c *Config) AdminAddress() string {
	return net.JoinHostPort(c.Admin.Host, strconv.Itoa(c.Admin.Port))
}

// TransportKind reports how backends are reached
func (c *Config) TransportKind() domain.TransportKind {
	if c.IPC.Enabled {
		return domain.TransportLocalSocket
	}
	return domain.TransportHTTP
}

// ToServers builds the initial registry contents. Every server starts
// with weight 1.
func (c *Config) ToServers() []*domain.Server {
	servers := make([]*domain.Server, len(c.Servers))
	for i, s := range c.Servers {
		servers[i] = domain.NewServer(s.Address, s.Active, s.StrictTimeout)
	}
	return servers
}

// ToProxyConfig converts to the domain ProxyConfig. secret is used for
// outbound signing only when check_out is on.
func (c *Config) ToProxyConfig(secret []byte) domain.ProxyConfig {
	pc := domain.ProxyConfig{
		Timeout:                c.Proxy.Timeout,
		MaxConcurrentPerServer: c.Proxy.MaxConcurrentPerServer,
		AdmissionBackoff:       c.Proxy.AdmissionBackoff,
		MaxAttempts:            c.Proxy.MaxAttempts,
	}
	if c.Security.MethodHashCheck && c.Security.CheckOut {
		pc.OutboundSecret = secret
	}
	return pc
}

// ToHealthCheckConfig converts to the domain HealthCheckConfig. Probes
// share the request timeout.
func (c *Config) ToHealthCheckConfig() domain.HealthCheckConfig {
	return domain.HealthCheckConfig{
		Enabled:  c.HealthCheck.Enabled,
		Interval: c.HealthCheck.Interval,
		Timeout:  c.Proxy.Timeout,
		Path:     c.HealthCheck.Path,
	}
}

// ToDefenseConfig converts to the domain DefenseConfig
func (c *Config) ToDefenseConfig() domain.DefenseConfig {
	return domain.DefenseConfig{
		Epoch:              c.Defense.Epoch,
		Percentile:         c.Defense.Percentile,
		Cap:                c.Defense.Cap,
		GraceFactor:        c.Defense.GraceFactor,
		SuspicionThreshold: c.Defense.SuspicionThreshold,
		BanTimeout:         c.Defense.BanTimeout,
		WindowSize:         c.Defense.WindowSize,
	}
}

// ToCapacityConfig converts to the domain CapacityConfig
func (c *Config) ToCapacityConfig() domain.CapacityConfig {
	return domain.CapacityConfig{
		Dynamic:     c.Capacity.Dynamic,
		GraceFactor: c.Capacity.GraceFactor,
		MaxPort:     c.Capacity.MaxPort,
		Transport:   c.TransportKind(),
		IPCPath:     c.IPC.Path,
	}
}

// ToCacheConfig converts to the domain CacheConfig
func (c *Config) ToCacheConfig() domain.CacheConfig {
	return domain.CacheConfig{
		Enabled:     c.Cache.Enabled,
		HashKeys:    c.Cache.HashKeys,
		Compression: c.Cache.Compression,
	}
}

// ToLoggerConfig converts to the logger configuration
func (c *Config) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: c.Logging.Output,
		File:   c.Logging.File,
	}
}

// ToUserAgentPolicy converts to the middleware policy
func (c *Config) ToUserAgentPolicy() middleware.UserAgentPolicy {
	return middleware.UserAgentPolicy{
		MinLength: c.UserAgent.MinLength,
		Blocked:   c.UserAgent.Blocked,
	}
}

// ToRateLimitConfig converts to the middleware limiter configuration
func (c *Config) ToRateLimitConfig() middleware.RateLimitConfig {
	return middleware.RateLimitConfig{
		RequestsPerSecond: c.RateLimit.RequestsPerSecond,
		BurstSize:         c.RateLimit.BurstSize,
		IdleTTL:           c.RateLimit.IdleTTL,
	}
}

// ToChallengeConfig converts to the middleware challenge configuration
func (c *Config) ToChallengeConfig(key []byte) middleware.ChallengeConfig {
	return middleware.ChallengeConfig{
		Path: c.Challenge.Path,
		Key:  key,
		TTL:  c.Challenge.TTL,
	}
}

// ParseByteSize parses sizes such as "512", "64kb", "100mb" or "1gb" in
// the units Redis accepts for maxmemory.
func ParseByteSize(s string) (int64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		factor int64
	}{
		{"gb", 1 << 30},
		{"mb", 1 << 20},
		{"kb", 1 << 10},
		{"g", 1000 * 1000 * 1000},
		{"m", 1000 * 1000},
		{"k", 1000},
		{"b", 1},
	} {
		if strings.HasSuffix(s, unit.suffix) {
			s = strings.TrimSuffix(s, unit.suffix)
			multiplier = unit.factor
			break
		}
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return n * multiplier, nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Config) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}

	return nil
}
