// Package discovery is the client side of service discovery.
//
// It defines the registry data model (ServiceRegistration, HealthCheckSpec,
// ServiceInstance), the Gateway interface every registry backend
// implements, and the per-service Client that callers use to reach a peer.
//
// # Client
//
// A Client resolves one service name. Discover serves from a TTL-bounded
// cache and falls back to the last known result when the registry cannot
// be reached. GetInstance applies a load-balancing Strategy; CallService
// wraps an HTTP call with fixed-delay retries, a per-attempt timeout and
// per-instance in-flight counters.
//
// Gateway.GetOneServiceInstance uses PickOne instead, which keeps no state:
// its round-robin is bucketed by wall-clock second and its
// least-connections is random.
//
// # Backends
//
//   - discovery/consul: Consul HTTP API
//   - discovery/static: in-memory registry for development and tests
//
// Backends register themselves with RegisterProviderFactory; NewGateway
// builds one by name.
package discovery
