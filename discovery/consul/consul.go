// Package consul implements discovery.Gateway over the Consul HTTP API.
package consul

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/hashicorp/go-cleanhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/errors"
	"github.com/kbukum/meshkit/logger"
	"github.com/kbukum/meshkit/observability"
)

func init() {
	discovery.RegisterProviderFactory("consul", func(cfg any, log *logger.Logger) (discovery.Gateway, error) {
		metrics := WithMetrics(observability.DefaultMeshMetrics())
		switch c := cfg.(type) {
		case Config:
			return New(c, log, metrics)
		case *Config:
			return New(*c, log, metrics)
		case nil:
			c2, err := ConfigFromEnv()
			if err != nil {
				return nil, err
			}
			return New(c2, log, metrics)
		default:
			return nil, fmt.Errorf("consul provider: unexpected config type %T", cfg)
		}
	})
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithMetrics records registry request metrics on m.
func WithMetrics(m *observability.MeshMetrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// Gateway talks to a Consul agent. Every method returns a
// REGISTRY_UNAVAILABLE error when the agent cannot be reached and a
// REGISTRATION_FAILED error when it answers with a non-2xx status.
type Gateway struct {
	client  *api.Client
	http    *http.Client
	cfg     Config
	log     *logger.Logger
	metrics *observability.MeshMetrics
}

// New creates a Gateway from cfg.
func New(cfg Config, log *logger.Logger, opts ...Option) (*Gateway, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxIdleConnsPerHost = cfg.Pool.MaxIdleConnsPerHost
	transport.IdleConnTimeout = cfg.Pool.IdleConnTimeout

	apiCfg := api.DefaultConfig()
	apiCfg.Address = cfg.Address()
	apiCfg.Scheme = cfg.Scheme
	apiCfg.Datacenter = cfg.Datacenter
	apiCfg.Token = cfg.Token

	if cfg.TLS != nil && cfg.TLS.Enabled {
		apiCfg.TLSConfig = api.TLSConfig{
			Address:            cfg.TLS.ServerName,
			CAFile:             cfg.TLS.CACert,
			CAPath:             cfg.TLS.CAPath,
			CertFile:           cfg.TLS.ClientCert,
			KeyFile:            cfg.TLS.ClientKey,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		}
		tlsCfg, err := api.SetupTLSConfig(&apiCfg.TLSConfig)
		if err != nil {
			return nil, fmt.Errorf("consul tls: %w", err)
		}
		transport.TLSClientConfig = tlsCfg
	}

	httpClient := &http.Client{Transport: transport, Timeout: cfg.Timeout}
	apiCfg.HttpClient = httpClient

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}

	g := &Gateway{
		client: client,
		http:   httpClient,
		cfg:    cfg,
		log:    log.WithComponent("consul").WithFields(logger.Fields(logger.FieldAddress, cfg.Address())),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// do runs fn inside a span, records metrics and maps the error into the
// registry error taxonomy.
func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	started := time.Now()
	attrs = append(attrs, attribute.String(observability.AttrOperation, op))
	ctx, span := observability.StartSpan(ctx, observability.SpanRegistryRequest, attrs...)

	err := fn(ctx)
	if err != nil {
		err = classify(op, err)
	}

	observability.EndSpan(span, err)
	g.metrics.RecordRegistry(ctx, op, started, err)
	return err
}

func classify(op string, err error) error {
	var status api.StatusError
	if stderrors.As(err, &status) {
		return errors.RegistrationFailed(op, status.Code, status.Body)
	}
	return errors.RegistryUnavailable(op, err)
}

func queryOpts(ctx context.Context) *api.QueryOptions {
	return (&api.QueryOptions{}).WithContext(ctx)
}

func writeOpts(ctx context.Context) *api.WriteOptions {
	return (&api.WriteOptions{}).WithContext(ctx)
}

// RegisterService upserts reg with the local agent.
func (g *Gateway) RegisterService(ctx context.Context, reg *discovery.ServiceRegistration) error {
	asr := &api.AgentServiceRegistration{
		ID:      reg.ID,
		Name:    reg.Name,
		Address: reg.Address,
		Port:    reg.Port,
		Tags:    reg.Tags,
		Meta:    reg.Metadata,
	}
	if reg.Check != nil {
		asr.Check = toAgentCheck(reg.Check)
	}

	err := g.do(ctx, "register", func(ctx context.Context) error {
		return g.client.Agent().ServiceRegisterOpts(asr, api.ServiceRegisterOpts{}.WithContext(ctx))
	}, attribute.String(observability.AttrServiceID, reg.ID))
	if err != nil {
		return err
	}

	g.log.Debug("service registered", logger.Fields(
		logger.FieldServiceID, reg.ID,
		logger.FieldServiceName, reg.Name,
	))
	return nil
}

// DeregisterService removes serviceID from the local agent. The agent
// answers 404 for ids it does not know; that counts as success.
func (g *Gateway) DeregisterService(ctx context.Context, serviceID string) error {
	err := g.do(ctx, "deregister", func(ctx context.Context) error {
		return g.client.Agent().ServiceDeregisterOpts(serviceID, queryOpts(ctx))
	}, attribute.String(observability.AttrServiceID, serviceID))
	if appErr, ok := errors.AsAppError(err); ok && appErr.Code == errors.ErrCodeRegistrationFailed &&
		appErr.Details["status"] == http.StatusNotFound {
		return nil
	}
	return err
}

// DiscoverService returns the passing instances of name.
func (g *Gateway) DiscoverService(ctx context.Context, name string) ([]discovery.ServiceInstance, error) {
	var entries []*api.ServiceEntry
	err := g.do(ctx, "discover", func(ctx context.Context) error {
		var err error
		entries, _, err = g.client.Health().Service(name, "", true, queryOpts(ctx))
		return err
	}, attribute.String(observability.AttrServiceName, name))
	if err != nil {
		return nil, err
	}

	instances := make([]discovery.ServiceInstance, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		instances = append(instances, toInstance(e))
	}
	return instances, nil
}

// GetOneServiceInstance discovers name and applies discovery.PickOne.
func (g *Gateway) GetOneServiceInstance(ctx context.Context, name string, strategy discovery.Strategy) (*discovery.ServiceInstance, error) {
	return discovery.GetOne(ctx, g, name, strategy)
}

// GetAllServices maps every catalog service to its tags.
func (g *Gateway) GetAllServices(ctx context.Context) (map[string][]string, error) {
	var services map[string][]string
	err := g.do(ctx, "catalog_services", func(ctx context.Context) error {
		var err error
		services, _, err = g.client.Catalog().Services(queryOpts(ctx))
		return err
	})
	return services, err
}

// GetServiceDetails returns every catalog record of name, healthy or not.
func (g *Gateway) GetServiceDetails(ctx context.Context, name string) ([]discovery.CatalogEntry, error) {
	var records []*api.CatalogService
	err := g.do(ctx, "catalog_service", func(ctx context.Context) error {
		var err error
		records, _, err = g.client.Catalog().Service(name, "", queryOpts(ctx))
		return err
	}, attribute.String(observability.AttrServiceName, name))
	if err != nil {
		return nil, err
	}

	out := make([]discovery.CatalogEntry, 0, len(records))
	for _, r := range records {
		out = append(out, discovery.CatalogEntry{
			Node:           r.Node,
			ServiceID:      r.ServiceID,
			ServiceName:    r.ServiceName,
			ServiceAddress: r.ServiceAddress,
			ServicePort:    r.ServicePort,
			ServiceTags:    r.ServiceTags,
			ServiceMeta:    r.ServiceMeta,
		})
	}
	return out, nil
}

// HealthCheck reports whether the agent considers serviceID passing.
func (g *Gateway) HealthCheck(ctx context.Context, serviceID string) (bool, error) {
	var status string
	err := g.do(ctx, "health", func(ctx context.Context) error {
		var err error
		status, _, err = g.client.Agent().AgentHealthServiceByIDOpts(serviceID, queryOpts(ctx))
		return err
	}, attribute.String(observability.AttrServiceID, serviceID))
	if err != nil {
		return false, err
	}
	return status == api.HealthPassing, nil
}

// SetKV stores value under key.
func (g *Gateway) SetKV(ctx context.Context, key, value string) error {
	return g.do(ctx, "kv_put", func(ctx context.Context) error {
		_, err := g.client.KV().Put(&api.KVPair{Key: key, Value: []byte(value)}, writeOpts(ctx))
		return err
	})
}

// GetKV reads key. Missing keys return found=false.
func (g *Gateway) GetKV(ctx context.Context, key string) (string, bool, error) {
	var pair *api.KVPair
	err := g.do(ctx, "kv_get", func(ctx context.Context) error {
		var err error
		pair, _, err = g.client.KV().Get(key, queryOpts(ctx))
		return err
	})
	if err != nil || pair == nil {
		return "", false, err
	}
	return string(pair.Value), true, nil
}

// DeleteKV removes key. Deleting a missing key succeeds.
func (g *Gateway) DeleteKV(ctx context.Context, key string) error {
	return g.do(ctx, "kv_delete", func(ctx context.Context) error {
		_, err := g.client.KV().Delete(key, writeOpts(ctx))
		return err
	})
}

// Close releases pooled connections.
func (g *Gateway) Close() error {
	g.http.CloseIdleConnections()
	return nil
}

// Unwrap returns the underlying Consul client.
func (g *Gateway) Unwrap() *api.Client {
	return g.client
}

func toAgentCheck(hc *discovery.HealthCheckSpec) *api.AgentServiceCheck {
	check := &api.AgentServiceCheck{}
	switch hc.Kind {
	case discovery.CheckHTTP:
		check.HTTP = hc.Target
	case discovery.CheckTCP:
		check.TCP = hc.Target
	case discovery.CheckGRPC:
		check.GRPC = hc.Target
	case discovery.CheckScript:
		check.Args = strings.Fields(hc.Target)
	}
	if hc.Interval > 0 {
		check.Interval = hc.Interval.String()
	}
	if hc.Timeout > 0 {
		check.Timeout = hc.Timeout.String()
	}
	if hc.DeregisterCriticalAfter > 0 {
		check.DeregisterCriticalServiceAfter = hc.DeregisterCriticalAfter.String()
	}
	return check
}

// toInstance maps a health entry. The status comes from the first check;
// an instance without checks is unknown. An empty service address falls
// back to the node address, as Consul DNS does.
func toInstance(e *api.ServiceEntry) discovery.ServiceInstance {
	status := discovery.HealthUnknown
	if len(e.Checks) > 0 && e.Checks[0] != nil {
		status = discovery.HealthStatus(e.Checks[0].Status)
	}

	addr := e.Service.Address
	if addr == "" && e.Node != nil {
		addr = e.Node.Address
	}

	return discovery.ServiceInstance{
		ID:       e.Service.ID,
		Service:  e.Service.Service,
		Tags:     e.Service.Tags,
		Address:  addr,
		Port:     e.Service.Port,
		Metadata: e.Service.Meta,
		Status:   status,
	}
}

var _ discovery.Gateway = (*Gateway)(nil)
