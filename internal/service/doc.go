/*
Package service implements the request routing engine and its background
loops.

LoadBalancer:
The Proxy method is the admission and retry controller. It asks the server
registry for a target, reserves an in-flight slot, dispatches with the
configured timeout and records the outcome back into the server record and
the latency trackers.

	lb, err := service.NewLoadBalancer(proxyCfg, time.Second, registry, sender,
		healthChecker, detector, capacity, metrics, log)
	if err != nil {
		log.Fatal(err)
	}
	if err := lb.Start(ctx); err != nil {
		log.Fatal(err)
	}
	upstream, err := lb.Proxy(ctx, &service.ProxyRequest{Method: "GET", URI: "/"})

Background loops:

  - HealthChecker probes every server on its interval, recomputes weights
    and reorders the registry
  - the epoch loop runs the traffic detector and then the
    CapacityController once per epoch
  - the publish loop rebuilds the Metrics snapshot read by the admin API

All loops stop on context cancellation or Stop.

Provisioning:
CapacityController never touches processes directly. It is handed a
domain.Provisioner; ProcessProvisioner is the implementation that runs the
backend binary with --port or --socket.
*/
package service
