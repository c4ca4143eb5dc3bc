package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mir00r/guardian-lb/internal/config"
	"github.com/mir00r/guardian-lb/internal/repository"
	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/internal/transport"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

// One-off admin processes share the configuration with the server but
// never bind the proxy port.

func usage() {
	fmt.Println("Usage: guardian-lb -admin <command> [-config file]")
	fmt.Println("Commands:")
	fmt.Println("  health-check    - Probe every configured server once")
	fmt.Println("  validate-config - Validate configuration")
	fmt.Println("  stats           - Fetch the running balancer's statistics")
	fmt.Println("  port-check      - Report whether the listen port is free")
}

// runAdminProcess runs command and returns the process exit code
func runAdminProcess(command, configPath string) int {
	var err error

	switch command {
	case "health-check":
		err = runHealthCheck(configPath)
	case "validate-config", "validate":
		err = runConfigValidation(configPath)
	case "stats":
		err = runStats(configPath)
	case "port-check":
		err = runPortCheck(configPath)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		usage()
		return 1
	}

	if err != nil {
		fmt.Printf("Command failed: %v\n", err)
		return 1
	}
	return 0
}

// runHealthCheck runs a one-off health check of all servers
func runHealthCheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	sender, err := transport.New(cfg.TransportKind(), cfg.Transport)
	if err != nil {
		return err
	}

	servers := cfg.ToServers()
	fmt.Printf("Checking health of %d servers...\n", len(servers))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checker := service.NewHealthChecker(cfg.ToHealthCheckConfig(), repository.NewServerRegistry(servers...), sender, logger.NewNop())
	for _, server := range servers {
		status := "healthy"
		if err := checker.Check(ctx, server); err != nil {
			status = fmt.Sprintf("unhealthy: %v", err)
		}
		fmt.Printf("Server %s: %s\n", server.Address, status)
	}

	return nil
}

// runConfigValidation validates the current configuration
func runConfigValidation(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	fmt.Println("Configuration validation passed")
	fmt.Printf("Listen: %s\n", cfg.ListenAddress())
	fmt.Printf("Servers: %d\n", len(cfg.Servers))
	fmt.Printf("Transport: %s\n", cfg.TransportKind())
	fmt.Printf("Health Check: %t\n", cfg.HealthCheck.Enabled)
	fmt.Printf("Cache: %t (%s)\n", cfg.Cache.Enabled, cfg.Cache.Backend)
	fmt.Printf("Dynamic Scaling: %t\n", cfg.Capacity.Dynamic)
	fmt.Printf("Method Hash Check: %t\n", cfg.Security.MethodHashCheck)
	fmt.Printf("JS Challenge: %t\n", cfg.Challenge.Enabled)

	return nil
}

// runStats fetches /admin/stats from the running balancer
func runStats(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Admin.Enabled {
		return fmt.Errorf("admin API is disabled")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.AdminAddress() + "/admin/stats")
	if err != nil {
		return fmt.Errorf("failed to reach admin API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin API returned %d", resp.StatusCode)
	}

	var stats map[string]interface{}
	if err := json.Unmarshal(body, &stats); err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}

// runPortCheck reports whether the configured listen port can be bound
func runPortCheck(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !portFree(cfg.ListenAddress()) {
		return fmt.Errorf("port already in use: %s", cfg.ListenAddress())
	}
	fmt.Printf("%s is free\n", cfg.ListenAddress())
	return nil
}
