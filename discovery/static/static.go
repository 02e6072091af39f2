// Package static implements discovery.Gateway in memory. It serves local
// development and tests where no registry agent runs.
package static

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/logger"
)

// Endpoint is a statically configured instance.
type Endpoint struct {
	ID       string            `mapstructure:"id"`
	Name     string            `mapstructure:"name"`
	Address  string            `mapstructure:"address"`
	Port     int               `mapstructure:"port"`
	Tags     []string          `mapstructure:"tags"`
	Metadata map[string]string `mapstructure:"metadata"`
	// Status defaults to passing.
	Status discovery.HealthStatus `mapstructure:"status"`
}

// Config lists the endpoints the gateway starts with.
type Config struct {
	Endpoints []Endpoint `mapstructure:"endpoints"`
}

func init() {
	discovery.RegisterProviderFactory("static", func(cfg any, log *logger.Logger) (discovery.Gateway, error) {
		switch c := cfg.(type) {
		case Config:
			return New(c.Endpoints...), nil
		case *Config:
			return New(c.Endpoints...), nil
		case nil:
			return New(), nil
		default:
			return nil, fmt.Errorf("static provider: unexpected config type %T", cfg)
		}
	})
}

// Gateway keeps registrations, check status and KV pairs in maps.
// Registrations start passing.
type Gateway struct {
	mu       sync.RWMutex
	services map[string]discovery.ServiceInstance // keyed by instance id
	order    []string
	kv       map[string]string
}

// New creates a Gateway pre-populated with endpoints.
func New(endpoints ...Endpoint) *Gateway {
	g := &Gateway{
		services: make(map[string]discovery.ServiceInstance),
		kv:       make(map[string]string),
	}
	for _, ep := range endpoints {
		id := ep.ID
		if id == "" {
			id = fmt.Sprintf("%s-%s-%d", ep.Name, ep.Address, ep.Port)
		}
		status := ep.Status
		if status == "" {
			status = discovery.HealthPassing
		}
		g.put(discovery.ServiceInstance{
			ID: id, Service: ep.Name, Tags: ep.Tags,
			Address: ep.Address, Port: ep.Port, Metadata: ep.Metadata, Status: status,
		})
	}
	return g
}

func (g *Gateway) put(inst discovery.ServiceInstance) {
	if _, ok := g.services[inst.ID]; !ok {
		g.order = append(g.order, inst.ID)
	}
	g.services[inst.ID] = inst
}

// RegisterService upserts reg as a passing instance.
func (g *Gateway) RegisterService(_ context.Context, reg *discovery.ServiceRegistration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.put(discovery.ServiceInstance{
		ID: reg.ID, Service: reg.Name, Tags: reg.Tags,
		Address: reg.Address, Port: reg.Port, Metadata: reg.Metadata,
		Status: discovery.HealthPassing,
	})
	return nil
}

// DeregisterService removes serviceID.
func (g *Gateway) DeregisterService(_ context.Context, serviceID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.services[serviceID]; !ok {
		return nil
	}
	delete(g.services, serviceID)
	for i, id := range g.order {
		if id == serviceID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

// SetStatus changes the check status of serviceID.
func (g *Gateway) SetStatus(serviceID string, status discovery.HealthStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if inst, ok := g.services[serviceID]; ok {
		inst.Status = status
		g.services[serviceID] = inst
	}
}

// DiscoverService returns the passing instances of name in registration order.
func (g *Gateway) DiscoverService(_ context.Context, name string) ([]discovery.ServiceInstance, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []discovery.ServiceInstance{}
	for _, id := range g.order {
		inst := g.services[id]
		if inst.Service == name && inst.Status == discovery.HealthPassing {
			out = append(out, inst)
		}
	}
	return out, nil
}

// GetOneServiceInstance discovers name and applies discovery.PickOne.
func (g *Gateway) GetOneServiceInstance(ctx context.Context, name string, strategy discovery.Strategy) (*discovery.ServiceInstance, error) {
	return discovery.GetOne(ctx, g, name, strategy)
}

// GetAllServices maps each service name to the union of its tags.
func (g *Gateway) GetAllServices(_ context.Context) (map[string][]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	seen := make(map[string]map[string]struct{})
	for _, inst := range g.services {
		if seen[inst.Service] == nil {
			seen[inst.Service] = make(map[string]struct{})
		}
		for _, t := range inst.Tags {
			seen[inst.Service][t] = struct{}{}
		}
	}
	out := make(map[string][]string, len(seen))
	for name, tags := range seen {
		list := make([]string, 0, len(tags))
		for t := range tags {
			list = append(list, t)
		}
		sort.Strings(list)
		out[name] = list
	}
	return out, nil
}

// GetServiceDetails returns every instance of name regardless of status.
func (g *Gateway) GetServiceDetails(_ context.Context, name string) ([]discovery.CatalogEntry, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := []discovery.CatalogEntry{}
	for _, id := range g.order {
		inst := g.services[id]
		if inst.Service != name {
			continue
		}
		out = append(out, discovery.CatalogEntry{
			Node: "static", ServiceID: inst.ID, ServiceName: inst.Service,
			ServiceAddress: inst.Address, ServicePort: inst.Port,
			ServiceTags: inst.Tags, ServiceMeta: inst.Metadata,
		})
	}
	return out, nil
}

// HealthCheck reports whether serviceID is passing. Unknown ids are not.
func (g *Gateway) HealthCheck(_ context.Context, serviceID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	inst, ok := g.services[serviceID]
	return ok && inst.Status == discovery.HealthPassing, nil
}

func (g *Gateway) SetKV(_ context.Context, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.kv[key] = value
	return nil
}

func (g *Gateway) GetKV(_ context.Context, key string) (string, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.kv[key]
	return v, ok, nil
}

func (g *Gateway) DeleteKV(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.kv, key)
	return nil
}

// Close is a no-op.
func (g *Gateway) Close() error {
	return nil
}

var _ discovery.Gateway = (*Gateway)(nil)
