// Package mesh wires one registry gateway, one discovery client registry
// and one registration manager into a Runtime. A process builds a single
// Runtime and passes it to whatever needs to discover or announce
// services; nothing in meshkit keeps process-wide state.
package mesh

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/kbukum/meshkit/component"
	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/errors"
	"github.com/kbukum/meshkit/logger"
	"github.com/kbukum/meshkit/observability"
	"github.com/kbukum/meshkit/registration"
)

const componentName = "mesh"

var (
	_ component.Component   = (*Runtime)(nil)
	_ component.Describable = (*Runtime)(nil)
)

// Runtime is the registry context of a process.
type Runtime struct {
	cfg     Config
	log     *logger.Logger
	gateway discovery.Gateway
	clients *discovery.ClientRegistry
	manager *registration.Manager
}

// New applies defaults to cfg, validates it and builds the gateway of
// cfg.Provider.
func New(cfg Config, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh config: %w", err)
	}
	gw, err := discovery.NewGateway(cfg.Provider, cfg.providerConfig(), log)
	if err != nil {
		return nil, err
	}
	return build(cfg, gw, log), nil
}

// NewWithGateway is New with a prebuilt gateway. cfg.Provider is ignored.
func NewWithGateway(cfg Config, gw discovery.Gateway, log *logger.Logger) (*Runtime, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderStatic
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mesh config: %w", err)
	}
	return build(cfg, gw, log), nil
}

func build(cfg Config, gw discovery.Gateway, log *logger.Logger) *Runtime {
	metrics := observability.DefaultMeshMetrics()
	return &Runtime{
		cfg:     cfg,
		log:     log.WithComponent(componentName),
		gateway: gw,
		clients: discovery.NewClientRegistry(gw, cfg.Discovery, log, discovery.WithMetrics(metrics)),
		manager: registration.New(gw, log, registration.WithMetrics(metrics)),
	}
}

// Config returns the effective configuration, defaults applied.
func (r *Runtime) Config() Config { return r.cfg }

// Gateway returns the registry gateway.
func (r *Runtime) Gateway() discovery.Gateway { return r.gateway }

// Registration returns the registration manager.
func (r *Runtime) Registration() *registration.Manager { return r.manager }

// Client returns the discovery client of serviceName, created with the
// configured defaults on first use.
func (r *Runtime) Client(serviceName string) (*discovery.Client, error) {
	return r.clients.GetOrCreate(serviceName, discovery.ClientConfig{})
}

// ClientWithConfig is Client with per-service overrides; zero fields of
// cfg keep the defaults. An existing client is returned unchanged.
func (r *Runtime) ClientWithConfig(serviceName string, cfg discovery.ClientConfig) (*discovery.Client, error) {
	return r.clients.GetOrCreate(serviceName, cfg)
}

// Clients returns the client registry.
func (r *Runtime) Clients() *discovery.ClientRegistry { return r.clients }

// SelfID is the id this process registers under, empty when
// self-registration is disabled.
func (r *Runtime) SelfID() string {
	if !r.cfg.Registration.Enabled {
		return ""
	}
	return r.cfg.Registration.ID
}

func (r *Runtime) Name() string { return componentName }

// Start announces this process when self-registration is enabled. A
// registry outage is not fatal: the manager keeps retrying in the
// background.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.cfg.Registration.Enabled {
		return nil
	}
	ok, err := r.manager.RegisterService(ctx, r.cfg.Registration.ServiceConfig)
	if errors.IsCode(err, errors.ErrCodeShuttingDown) {
		r.log.Warn("shutdown began during startup, self-registration skipped",
			logger.Fields(logger.FieldServiceID, r.cfg.Registration.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("self-registration: %w", err)
	}
	if !ok {
		r.log.Warn("self-registration pending, retrying in background",
			logger.Fields(logger.FieldServiceID, r.cfg.Registration.ID))
	}
	return nil
}

// Stop closes every discovery client, then shuts the manager down, which
// deregisters everything and closes the gateway.
func (r *Runtime) Stop(ctx context.Context) error {
	clientsErr := r.clients.CloseAll(ctx)
	managerErr := r.manager.Close(ctx)
	return stderrors.Join(clientsErr, managerErr)
}

// Health is unhealthy once shutdown began, degraded while the
// self-registration is not accepted, healthy otherwise.
func (r *Runtime) Health(_ context.Context) component.Health {
	h := component.Health{
		Name:   componentName,
		Status: component.StatusHealthy,
		Details: map[string]any{
			"provider":   r.cfg.Provider,
			"registered": len(r.manager.GetRegisteredServices()),
			"clients":    len(r.clients.Clients()),
		},
	}
	if r.manager.ShuttingDown() {
		h.Status = component.StatusUnhealthy
		h.Message = "shutting down"
		return h
	}
	if id := r.SelfID(); id != "" {
		state := r.manager.State(id)
		h.Details["self"] = string(state)
		if state != registration.StateRegistered {
			h.Status = component.StatusDegraded
			h.Message = "self-registration " + string(state)
		}
	}
	return h
}

func (r *Runtime) Describe() component.Description {
	details := r.cfg.Provider
	if r.cfg.Provider == ProviderConsul {
		details = fmt.Sprintf("consul %s dc=%s", r.cfg.Consul.Address(), r.cfg.Consul.Datacenter)
	}
	if id := r.SelfID(); id != "" {
		details += " self=" + id
	}
	return component.Description{Name: "Service Mesh", Type: "registry", Details: details}
}
