// Package transport sends proxied requests to backends over TCP or over a
// local unix socket behind a single Sender interface.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mir00r/guardian-lb/internal/domain"
)

// Config holds connection settings shared by both transports
type Config struct {
	// MaxIdleConns is the maximum number of idle connections per backend
	MaxIdleConns int `json:"max_idle_conns" yaml:"max_idle_conns"`
	// IdleTimeout is how long an idle connection is kept open
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	// ConnectTimeout bounds dialing a backend
	ConnectTimeout time.Duration `json:"connect_timeout" yaml:"connect_timeout"`
	// KeepaliveIdle is the time before sending keepalive probes
	KeepaliveIdle time.Duration `json:"keepalive_idle" yaml:"keepalive_idle"`
}

// DefaultConfig returns connection defaults
func DefaultConfig() Config {
	return Config{
		MaxIdleConns:   32,
		IdleTimeout:    90 * time.Second,
		ConnectTimeout: 5 * time.Second,
		KeepaliveIdle:  30 * time.Second,
	}
}

// New returns the sender for kind
func New(kind domain.TransportKind, config Config) (domain.Sender, error) {
	switch kind {
	case domain.TransportHTTP, "":
		return NewHTTPSender(config), nil
	case domain.TransportLocalSocket:
		return NewSocketSender(config), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// HTTPSender reaches backends listening on TCP
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender creates a TCP sender
func NewHTTPSender(config Config) *HTTPSender {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepaliveIdle,
	}
	return &HTTPSender{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         dialer.DialContext,
				MaxIdleConns:        config.MaxIdleConns * 4,
				MaxIdleConnsPerHost: config.MaxIdleConns,
				IdleConnTimeout:     config.IdleTimeout,
				DisableCompression:  true,
			},
			CheckRedirect: noRedirect,
		},
	}
}

// Kind implements domain.Sender
func (s *HTTPSender) Kind() domain.TransportKind { return domain.TransportHTTP }

// Send implements domain.Sender. address is a base URL such as
// http://127.0.0.1:9001; a bare host:port is treated as http.
func (s *HTTPSender) Send(ctx context.Context, address string, req *http.Request) (*http.Response, error) {
	base, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	return s.client.Do(retarget(ctx, req, base.Scheme, base.Host))
}

// SocketSender reaches backends listening on unix sockets. Each socket
// path gets its own client so connections are reused per backend.
type SocketSender struct {
	config  Config
	clients sync.Map // socket path -> *http.Client
}

// NewSocketSender creates a unix socket sender
func NewSocketSender(config Config) *SocketSender {
	return &SocketSender{config: config}
}

// Kind implements domain.Sender
func (s *SocketSender) Kind() domain.TransportKind { return domain.TransportLocalSocket }

// Send implements domain.Sender. address is the socket path.
func (s *SocketSender) Send(ctx context.Context, address string, req *http.Request) (*http.Response, error) {
	return s.clientFor(address).Do(retarget(ctx, req, "http", "localhost"))
}

func (s *SocketSender) clientFor(path string) *http.Client {
	if client, ok := s.clients.Load(path); ok {
		return client.(*http.Client)
	}

	dialer := &net.Dialer{Timeout: s.config.ConnectTimeout}
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", path)
			},
			MaxIdleConnsPerHost: s.config.MaxIdleConns,
			IdleConnTimeout:     s.config.IdleTimeout,
			DisableCompression:  true,
		},
		CheckRedirect: noRedirect,
	}
	actual, _ := s.clients.LoadOrStore(path, client)
	return actual.(*http.Client)
}

// Forget drops the cached client for a socket that no longer exists
func (s *SocketSender) Forget(path string) {
	if client, ok := s.clients.LoadAndDelete(path); ok {
		client.(*http.Client).CloseIdleConnections()
	}
}

// ParseAddress parses a backend base URL, defaulting the scheme to http
func ParseAddress(address string) (*url.URL, error) {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid backend address %q: %w", address, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid backend address %q: missing host", address)
	}
	return u, nil
}

// retarget points req at the backend. The client's Host header is kept
// when one was given.
func retarget(ctx context.Context, req *http.Request, scheme, host string) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	out.URL.Scheme = scheme
	out.URL.Host = host
	if out.Host == "" {
		out.Host = host
	}
	return out
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}
