/*
Package domain contains the core entities shared by every layer of the
load balancer.

Server Entity:
Server is a backend descriptor identified by its address (host:port or a
local socket path). Routing state such as weight, liveness and the rolling
response time lives behind a per-record mutex, so a request updating one
server never blocks requests routed to another. The in-flight counter used
for admission control is a lock-free atomic.

	server := domain.NewServer("http://127.0.0.1:9001", true, false)
	if server.TryAcquire(cfg.MaxConcurrentPerServer) {
		defer server.Release()
		// dispatch
	}

Collaborators:
The engine talks to the outside world through small interfaces so the
decision logic can be tested without sockets or processes:

  - Sender dispatches a request over HTTP or a local socket
  - Store is the opaque get/set-with-expiry cache
  - Provisioner spawns and terminates backend processes

Runtime configuration:
config.go holds the tunables each component receives after the config
package has loaded and validated the file.
*/
package domain
