package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/mir00r/guardian-lb/internal/config"
	"github.com/mir00r/guardian-lb/internal/handler"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

const (
	version         = "1.0.0"
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the YAML or JSON configuration file")
	adminCommand := flag.String("admin", "", "run a one-off admin command (health-check, validate-config, stats) and exit")
	flag.Parse()

	if *adminCommand != "" {
		os.Exit(runAdminProcess(*adminCommand, *configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.ToLoggerConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.WithError(err).Warn("Failed to set GOMAXPROCS")
	}

	log.WithFields(map[string]interface{}{
		"version":    version,
		"listen":     cfg.ListenAddress(),
		"servers":    len(cfg.Servers),
		"transport":  string(cfg.TransportKind()),
		"gomaxprocs": runtime.GOMAXPROCS(0),
		"process":    getProcessInfo(),
	}).Info("Starting guardian load balancer")

	// Bind before connecting anything else so an occupied port fails fast.
	ln, err := listen(cfg.ListenAddress(), cfg.Server.MaxConnections)
	if err != nil {
		log.WithError(err).Fatal("Cannot bind listener")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		ln.Close()
		log.WithError(err).Fatal("Failed to initialize")
	}

	h, err := a.handler()
	if err != nil {
		ln.Close()
		log.WithError(err).Fatal("Failed to build request pipeline")
	}

	if err := a.loadBalancer.Start(ctx); err != nil {
		ln.Close()
		log.WithError(err).Fatal("Failed to start load balancer")
	}

	server := &http.Server{
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.WithField("address", ln.Addr().String()).Info("Starting HTTP server")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	var adminServer *http.Server
	if cfg.Admin.Enabled {
		adminServer = &http.Server{
			Addr:              cfg.AdminAddress(),
			Handler:           handler.NewAdminHandler(a.loadBalancer, a.healthChecker, log).Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.WithField("address", adminServer.Addr).Info("Starting admin server")
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("Admin server failed")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}
	if adminServer != nil {
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Error("Error shutting down admin server")
		}
	}

	if err := a.loadBalancer.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("Error stopping load balancer")
	}
	cancel()
	a.close(shutdownCtx)

	log.Info("Load balancer stopped gracefully")
}
