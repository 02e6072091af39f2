package discovery

import (
	"context"
	"net"
	"strconv"
	"time"
)

// CheckKind selects how the registry probes an instance.
type CheckKind string

const (
	CheckHTTP   CheckKind = "http"
	CheckTCP    CheckKind = "tcp"
	CheckScript CheckKind = "script"
	CheckGRPC   CheckKind = "grpc"
)

// HealthCheckSpec describes the health check attached to a registration.
type HealthCheckSpec struct {
	Kind CheckKind `json:"kind" mapstructure:"kind" validate:"required,oneof=http tcp script grpc"`
	// Target is a URL for http, host:port for tcp and grpc, and a command
	// line for script checks.
	Target                  string        `json:"target" mapstructure:"target" validate:"required"`
	Interval                time.Duration `json:"interval" mapstructure:"interval" validate:"gt=0"`
	Timeout                 time.Duration `json:"timeout" mapstructure:"timeout" validate:"gt=0"`
	DeregisterCriticalAfter time.Duration `json:"deregister_critical_after" mapstructure:"deregister_critical_after" validate:"gte=0"`
}

// ServiceRegistration is one instance announced to the registry.
// Registering the same ID again overwrites the previous record.
type ServiceRegistration struct {
	ID       string            `json:"id" validate:"required,identifier"`
	Name     string            `json:"name" validate:"required,identifier"`
	Address  string            `json:"address" validate:"required"`
	Port     int               `json:"port" validate:"min=1,max=65535"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Check    *HealthCheckSpec  `json:"check,omitempty"`
}

// HealthStatus is the aggregated check status reported by the registry.
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// ServiceInstance is a discovered, callable instance of a service.
type ServiceInstance struct {
	ID       string            `json:"id"`
	Service  string            `json:"service"`
	Tags     []string          `json:"tags,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   HealthStatus      `json:"status"`
}

// BaseURL returns http://address:port, bracketing IPv6 addresses.
func (s ServiceInstance) BaseURL() string {
	return "http://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// MaxWeight caps the weight an instance can claim.
const MaxWeight = 10000

// Weight reads metadata["weight"]. Missing, invalid and non-positive
// weights count as 1; larger values are clamped to MaxWeight.
func (s ServiceInstance) Weight() int {
	w, err := strconv.Atoi(s.Metadata["weight"])
	if err != nil || w <= 0 {
		return 1
	}
	return min(w, MaxWeight)
}

// CatalogEntry is one raw catalog record of a service.
type CatalogEntry struct {
	Node           string            `json:"node"`
	ServiceID      string            `json:"service_id"`
	ServiceName    string            `json:"service_name"`
	ServiceAddress string            `json:"service_address"`
	ServicePort    int               `json:"service_port"`
	ServiceTags    []string          `json:"service_tags,omitempty"`
	ServiceMeta    map[string]string `json:"service_meta,omitempty"`
}

// Registry writes registrations.
type Registry interface {
	// RegisterService upserts reg under reg.ID.
	RegisterService(ctx context.Context, reg *ServiceRegistration) error
	// DeregisterService removes serviceID. Unknown ids are not an error.
	DeregisterService(ctx context.Context, serviceID string) error
}

// Discovery reads health-filtered instances.
type Discovery interface {
	// DiscoverService returns the instances of name whose checks pass, in
	// registry order. A service with no passing instance yields an empty
	// slice, not an error.
	DiscoverService(ctx context.Context, name string) ([]ServiceInstance, error)
}

// Catalog reads the raw, unfiltered catalog.
type Catalog interface {
	// GetAllServices maps every service name to its tags.
	GetAllServices(ctx context.Context) (map[string][]string, error)
	// GetServiceDetails returns all catalog records of name regardless of health.
	GetServiceDetails(ctx context.Context, name string) ([]CatalogEntry, error)
	// HealthCheck reports whether serviceID's aggregated status is passing.
	HealthCheck(ctx context.Context, serviceID string) (bool, error)
}

// KV is the registry key/value store. Values are strings.
type KV interface {
	SetKV(ctx context.Context, key, value string) error
	// GetKV returns found=false for a missing key.
	GetKV(ctx context.Context, key string) (value string, found bool, err error)
	DeleteKV(ctx context.Context, key string) error
}

// Gateway is the full registry surface: the only component that talks to
// the registry over the network.
type Gateway interface {
	Registry
	Discovery
	Catalog
	KV

	// GetOneServiceInstance discovers name and picks one instance with the
	// stateless selector. It returns nil, nil when nothing is healthy.
	GetOneServiceInstance(ctx context.Context, name string, strategy Strategy) (*ServiceInstance, error)

	// Close releases transport resources.
	Close() error
}

// GetOne implements Gateway.GetOneServiceInstance on top of any Discovery.
func GetOne(ctx context.Context, d Discovery, name string, strategy Strategy) (*ServiceInstance, error) {
	instances, err := d.DiscoverService(ctx, name)
	if err != nil {
		return nil, err
	}
	return PickOne(instances, strategy, time.Now()), nil
}
