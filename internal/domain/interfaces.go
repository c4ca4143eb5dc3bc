package domain

import (
	"context"
	"net/http"
	"time"
)

// TransportKind tags how backends are reached
type TransportKind string

const (
	TransportHTTP        TransportKind = "http"
	TransportLocalSocket TransportKind = "local_socket"
)

// Sender dispatches a request to the backend at address. Implementations
// hide whether the backend listens on TCP or on a local socket.
type Sender interface {
	Send(ctx context.Context, address string, req *http.Request) (*http.Response, error)
	Kind() TransportKind
}

// ConnectionForgetter is implemented by senders that keep per-backend
// connection state which should be released when a backend is removed.
type ConnectionForgetter interface {
	Forget(address string)
}

// Store is the opaque key-value cache used by the cache interceptor.
// Get reports a miss with found == false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Provisioner starts and stops backend processes for the capacity
// controller.
type Provisioner interface {
	Spawn(ctx context.Context, address string) bool
	Terminate(ctx context.Context, address string) error
}

// Registry is the view of the server registry used by background loops
type Registry interface {
	Servers() []*Server
	Len() int
	Reorder()
}
