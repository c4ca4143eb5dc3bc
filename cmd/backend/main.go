// Command backend is a minimal upstream used for local runs and spawned by
// the capacity controller with --port or --socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/mir00r/guardian-lb/pkg/logger"
)

func main() {
	port := flag.Int("port", 8081, "TCP port to listen on")
	socket := flag.String("socket", "", "listen on this unix socket instead of a TCP port")
	host := flag.String("host", "127.0.0.1", "TCP host to listen on")
	secretEnv := flag.String("secret-env", "", "verify X-secret against the HMAC secret in this environment variable")
	flag.Parse()

	log, err := logger.New(logger.Config{Level: "info", Format: "json", Output: "stdout"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var secret []byte
	if *secretEnv != "" {
		secret = []byte(os.Getenv(*secretEnv))
	}

	id := fmt.Sprintf("backend-%d", *port)
	network, address := "tcp", net.JoinHostPort(*host, strconv.Itoa(*port))
	if *socket != "" {
		id = "backend-" + *socket
		network, address = "unix", *socket
		os.Remove(*socket)
	}
	log = log.WithField("backend", id)

	ln, err := net.Listen(network, address)
	if err != nil {
		log.WithError(err).Fatal("Failed to listen")
	}

	server := &http.Server{
		Handler:           newMux(id, secret),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("address", address).Info("Starting backend server")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Backend server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	if *socket != "" {
		os.Remove(*socket)
	}
	log.Info("Backend server stopped")
}

func writeJSON(w http.ResponseWriter, id string, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Backend-ID", id)
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func newMux(id string, secret []byte) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, id, http.StatusOK, map[string]interface{}{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"backend":   id,
		})
	})

	// Default handler; ?max-age=N makes the response cacheable
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if maxAge := r.URL.Query().Get("max-age"); maxAge != "" {
			w.Header().Set("Cache-Control", "max-age="+maxAge)
		}
		writeJSON(w, id, http.StatusOK, map[string]interface{}{
			"backend":         id,
			"path":            r.URL.Path,
			"method":          r.Method,
			"forwarded_for":   r.Header.Get("X-Forwarded-For"),
			"timestamp":       time.Now().UTC(),
			"signature_valid": len(secret) == 0 || service.VerifyMethod(secret, r.Method, r.Header.Get(service.SecretHeader)),
		})
	})

	// Slow endpoint for exercising timeouts and scale-up
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		delay := 2 * time.Second
		if d := r.URL.Query().Get("delay"); d != "" {
			if parsed, err := time.ParseDuration(d); err == nil {
				delay = parsed
			}
		}

		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}

		writeJSON(w, id, http.StatusOK, map[string]interface{}{
			"message": "Slow response completed",
			"backend": id,
			"delay":   delay.String(),
		})
	})

	// Error endpoint for testing
	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		statusCode := http.StatusInternalServerError
		if code := r.URL.Query().Get("code"); code != "" {
			if parsed, err := strconv.Atoi(code); err == nil {
				statusCode = parsed
			}
		}

		writeJSON(w, id, statusCode, map[string]interface{}{
			"error":   "Simulated error response",
			"backend": id,
			"code":    statusCode,
		})
	})

	return mux
}
