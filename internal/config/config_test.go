package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
	lberrors "github.com/mir00r/guardian-lb/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  host: 0.0.0.0
  port: 8000
servers:
  - address: 127.0.0.1:8081
    active: true
  - address: 127.0.0.1:8082
    active: false
    strict_timeout: true
proxy:
  timeout: 2s
  max_concurrent_per_server: 5
defense:
  percentile: 0.9
  cap: 500
  grace_factor: 3
  suspicion_threshold: 50
  ban_timeout: 1m
cache:
  enabled: true
  backend: memory
  compression: true
  max_memory: 64mb
capacity:
  dynamic: true
  grace_factor: 1.5
  max_port: 8090
  binary_path: ./backend
user_agent:
  min_length: 8
  blocked: [curl, wget]
logging:
  level: debug
  format: text
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	config, err := LoadFromFile(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, config.Validate())

	assert.Equal(t, "0.0.0.0:8000", config.ListenAddress())
	assert.Equal(t, 2*time.Second, config.Proxy.Timeout)
	assert.Equal(t, int64(5), config.Proxy.MaxConcurrentPerServer)
	assert.Equal(t, uint64(50), config.Defense.SuspicionThreshold)
	assert.Equal(t, time.Minute, config.Defense.BanTimeout)
	assert.Equal(t, []string{"curl", "wget"}, config.UserAgent.Blocked)

	// untouched sections keep their defaults
	assert.Equal(t, "/health", config.HealthCheck.Path)
	assert.Equal(t, time.Second, config.Defense.Epoch)
	assert.Equal(t, 2, config.Proxy.MaxAttempts)

	servers := config.ToServers()
	require.Len(t, servers, 2)
	assert.True(t, servers[0].IsActive())
	assert.Equal(t, 1, servers[0].Weight())
	assert.False(t, servers[1].IsActive())
	assert.True(t, servers[1].StrictTimeout)
}

func TestLoadFromJSONFile(t *testing.T) {
	config, err := LoadFromFile(writeConfig(t, `{"servers": [{"address": "127.0.0.1:8081", "active": true}], "proxy": {"timeout": "3s"}}`))
	require.NoError(t, err)
	require.NoError(t, config.Validate())
	assert.Equal(t, 3*time.Second, config.Proxy.Timeout)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeConfigLoad))

	broken := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(broken, []byte("servers: [unterminated"), 0o600))
	_, err = Load(broken)
	require.Error(t, err)
	assert.True(t, lberrors.HasCode(err, lberrors.ErrCodeConfigLoad))
}

func TestLoadAppliesEnvironment(t *testing.T) {
	t.Setenv("LB_PORT", "8500")
	t.Setenv("LB_SERVERS", "127.0.0.1:9001=true=true,127.0.0.1:9002=false")
	t.Setenv("LB_DDOS_CAP", "42")
	t.Setenv("LB_CACHE_HASH_KEYS", "true")
	t.Setenv("LB_LOG_LEVEL", "warn")

	config, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 8500, config.Server.Port)
	assert.Equal(t, float64(42), config.Defense.Cap)
	assert.True(t, config.Cache.HashKeys)
	assert.Equal(t, "warn", config.Logging.Level)
	assert.Equal(t, []BackendConfig{
		{Address: "127.0.0.1:9001", Active: true, StrictTimeout: true},
		{Address: "127.0.0.1:9002", Active: false},
	}, config.Servers)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig()
		c.Servers = []BackendConfig{{Address: "127.0.0.1:8081", Active: true}}
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no servers", func(c *Config) { c.Servers = nil }},
		{"duplicate server", func(c *Config) { c.Servers = append(c.Servers, c.Servers[0]) }},
		{"server without port", func(c *Config) { c.Servers[0].Address = "127.0.0.1" }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"admin collides", func(c *Config) { c.Admin.Port = c.Server.Port }},
		{"zero timeout", func(c *Config) { c.Proxy.Timeout = 0 }},
		{"percentile out of range", func(c *Config) { c.Defense.Percentile = 1.5 }},
		{"grace below one", func(c *Config) { c.Defense.GraceFactor = 0.5 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Enabled = true; c.Cache.Backend = "memcached" }},
		{"bad max memory", func(c *Config) { c.Cache.Enabled = true; c.Cache.MaxMemory = "lots" }},
		{"dynamic without binary", func(c *Config) { c.Capacity.Dynamic = true }},
		{"ipc without path", func(c *Config) { c.IPC.Enabled = true; c.IPC.Path = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"rate limit without rps", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.RequestsPerSecond = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestIPCAcceptsSocketIDs(t *testing.T) {
	c := DefaultConfig()
	c.IPC.Enabled = true
	c.Servers = []BackendConfig{{Address: "/tmp/guardian0.sock", Active: true}}

	require.NoError(t, c.Validate())
	assert.Equal(t, domain.TransportLocalSocket, c.TransportKind())
	assert.Equal(t, domain.TransportLocalSocket, c.ToCapacityConfig().Transport)
}

func TestConversions(t *testing.T) {
	c := DefaultConfig()
	c.Security.MethodHashCheck = true
	c.Security.CheckOut = true

	pc := c.ToProxyConfig([]byte("s3cret"))
	assert.Equal(t, []byte("s3cret"), pc.OutboundSecret)

	c.Security.CheckOut = false
	assert.Empty(t, c.ToProxyConfig([]byte("s3cret")).OutboundSecret)

	hc := c.ToHealthCheckConfig()
	assert.Equal(t, c.Proxy.Timeout, hc.Timeout)
	assert.Equal(t, "/health", hc.Path)
}

func TestParseByteSize(t *testing.T) {
	tests := map[string]int64{
		"512":   512,
		"64kb":  64 << 10,
		"100mb": 100 << 20,
		"1gb":   1 << 30,
		"2m":    2000000,
		" 8MB ": 8 << 20,
	}
	for in, want := range tests {
		got, err := ParseByteSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "mb", "-1", "ten"} {
		_, err := ParseByteSize(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadSecret(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("GUARDIAN_TEST_SECRET=from-dotenv\n"), 0644))
	t.Setenv("GUARDIAN_TEST_SECRET", "")
	os.Unsetenv("GUARDIAN_TEST_SECRET")

	c := DefaultConfig()
	c.Security.SecretEnv = "GUARDIAN_TEST_SECRET"
	c.Security.EnvFile = envFile
	c.Security.MethodHashCheck = true

	secret, err := c.LoadSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-dotenv"), secret)

	c.Security.SecretEnv = "GUARDIAN_TEST_UNSET"
	c.Security.EnvFile = filepath.Join(dir, "missing.env")
	_, err = c.LoadSecret()
	assert.Error(t, err)
}
