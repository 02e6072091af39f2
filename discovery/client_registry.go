package discovery

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kbukum/meshkit/logger"
)

// ClientRegistry maps service names to their Clients. All clients share
// one gateway. A process builds one ClientRegistry and passes it around.
type ClientRegistry struct {
	gateway  Discovery
	defaults ClientConfig
	log      *logger.Logger
	opts     []ClientOption

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClientRegistry binds a registry to gateway. defaults supplies every
// field a GetOrCreate config leaves zero; opts are applied to each client.
func NewClientRegistry(gateway Discovery, defaults ClientConfig, log *logger.Logger, opts ...ClientOption) *ClientRegistry {
	if log == nil {
		log = logger.Nop()
	}
	defaults.ServiceName = ""
	return &ClientRegistry{
		gateway:  gateway,
		defaults: defaults,
		log:      log,
		opts:     opts,
		clients:  make(map[string]*Client),
	}
}

// GetOrCreate returns the client for serviceName, building it from cfg on
// first use. cfg is ignored when a client already exists. A zero cfg means
// the registry defaults.
func (r *ClientRegistry) GetOrCreate(serviceName string, cfg ClientConfig) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[serviceName]; ok && !c.Closed() {
		return c, nil
	}

	cfg = cfg.Merge(r.defaults)
	cfg.ServiceName = serviceName
	c, err := NewClient(r.gateway, cfg, r.log, r.opts...)
	if err != nil {
		return nil, err
	}
	r.clients[serviceName] = c
	r.log.Debug("discovery client created", logger.Fields(
		logger.FieldServiceName, serviceName,
		logger.FieldStrategy, string(c.cfg.Strategy),
	))
	return c, nil
}

// Get returns the client for serviceName if one exists.
func (r *ClientRegistry) Get(serviceName string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[serviceName]
	return c, ok
}

// Clients returns every client ordered by service name.
func (r *ClientRegistry) Clients() []*Client {
	r.mu.Lock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ServiceName() < out[j].ServiceName() })
	return out
}

// Stats returns the stats of every client ordered by service name.
func (r *ClientRegistry) Stats() []ClientStats {
	clients := r.Clients()
	out := make([]ClientStats, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.Stats())
	}
	return out
}

// CloseAll closes every client concurrently and forgets them.
func (r *ClientRegistry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range clients {
		g.Go(c.Close)
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset forgets every client without closing it. Background refresh loops
// of the dropped clients keep running. Only tests should call this.
func (r *ClientRegistry) Reset() {
	r.mu.Lock()
	r.clients = make(map[string]*Client)
	r.mu.Unlock()
}
