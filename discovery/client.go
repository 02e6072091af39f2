package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/kbukum/meshkit/errors"
	"github.com/kbukum/meshkit/httpclient"
	"github.com/kbukum/meshkit/logger"
	"github.com/kbukum/meshkit/observability"
	"github.com/kbukum/meshkit/resilience"
	"github.com/kbukum/meshkit/schedule"
)

// CallOptions describes one outbound call made through Client.CallService.
type CallOptions struct {
	Method  string
	Headers map[string]string
	Query   map[string]string
	// Body is encoded the way httpclient.Request encodes it.
	Body any
}

// ClientStats is a point-in-time view of a Client.
type ClientStats struct {
	ServiceName     string         `json:"service_name"`
	Strategy        Strategy       `json:"strategy"`
	CachedInstances int            `json:"cached_instances"`
	CacheAge        time.Duration  `json:"cache_age"`
	Connections     map[string]int `json:"connections"`
}

// ClientOption customises a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	now     func() time.Time
	http    *httpclient.Client
	metrics *observability.MeshMetrics
	seed    uint64
}

// WithClock replaces time.Now for cache freshness decisions.
func WithClock(now func() time.Time) ClientOption {
	return func(o *clientOptions) { o.now = now }
}

// WithHTTPClient sets the transport used by CallService.
func WithHTTPClient(c *httpclient.Client) ClientOption {
	return func(o *clientOptions) { o.http = c }
}

// WithMetrics sets the metric instruments. Nil disables metrics.
func WithMetrics(m *observability.MeshMetrics) ClientOption {
	return func(o *clientOptions) { o.metrics = m }
}

// WithSeed seeds the random and weighted selectors.
func WithSeed(seed uint64) ClientOption {
	return func(o *clientOptions) { o.seed = seed }
}

// Client resolves one remote service. It caches discovery results, keeps
// them warm in the background, balances calls across instances and retries
// failed calls. It is safe for concurrent use.
type Client struct {
	discovery Discovery
	cfg       ClientConfig
	log       *logger.Logger
	cache     *instanceCache
	lb        *balancer
	http      *httpclient.Client
	metrics   *observability.MeshMetrics

	group   singleflight.Group
	refresh *schedule.Task

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient builds a Client for cfg.ServiceName on top of d and starts the
// background refresh unless cfg.RefreshInterval is negative.
func NewClient(d Discovery, cfg ClientConfig, log *logger.Logger, opts ...ClientOption) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	o := clientOptions{seed: uint64(time.Now().UnixNano())}
	for _, opt := range opts {
		opt(&o)
	}
	if o.http == nil {
		hc, err := httpclient.New(httpclient.Config{Timeout: cfg.CallTimeout})
		if err != nil {
			return nil, fmt.Errorf("discovery client %q: %w", cfg.ServiceName, err)
		}
		o.http = hc
	}

	c := &Client{
		discovery: d,
		cfg:       cfg,
		log: log.WithComponent("discovery").WithFields(logger.Fields(
			logger.FieldServiceName, cfg.ServiceName,
			logger.FieldStrategy, string(cfg.Strategy),
		)),
		cache:   newInstanceCache(cfg.CacheTTL, o.now),
		lb:      newBalancer(cfg.Strategy, o.seed),
		http:    o.http,
		metrics: o.metrics,
	}

	if cfg.RefreshInterval > 0 {
		c.refresh = schedule.Every(context.Background(), cfg.RefreshInterval, func(ctx context.Context) bool {
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.log.Error("background refresh failed", logger.ErrorFields("refresh", err))
			}
			return false
		})
	}
	return c, nil
}

// ServiceName returns the remote service this client resolves.
func (c *Client) ServiceName() string { return c.cfg.ServiceName }

// Config returns the effective configuration.
func (c *Client) Config() ClientConfig { return c.cfg }

// Discover returns the healthy instances of the service. A fresh cache
// entry is returned without asking the registry. When the registry fails
// and any earlier result is cached, that result is returned however old
// it is; only with an empty cache does the error propagate.
func (c *Client) Discover(ctx context.Context) ([]ServiceInstance, error) {
	name := c.cfg.ServiceName
	entry, cached, fresh := c.cache.get(name)
	if fresh {
		c.metrics.RecordCache(ctx, name, observability.CacheHit)
		return entry.instances, nil
	}

	instances, err := c.Refresh(ctx)
	if err != nil {
		if cached {
			c.metrics.RecordCache(ctx, name, observability.CacheStale)
			c.log.Warn("registry unavailable, serving stale instances", logger.MergeWithError(logger.Fields(
				logger.FieldCount, len(entry.instances),
				"cache_age_ms", c.cache.age(name).Milliseconds(),
			), err))
			return entry.instances, nil
		}
		return nil, err
	}
	c.metrics.RecordCache(ctx, name, observability.CacheMiss)
	return instances, nil
}

// Refresh asks the registry for the current instances and replaces the
// cache entry on success. Concurrent refreshes share one registry request.
func (c *Client) Refresh(ctx context.Context) ([]ServiceInstance, error) {
	name := c.cfg.ServiceName
	v, err, _ := c.group.Do(name, func() (any, error) {
		ctx, span := observability.StartSpan(ctx, observability.SpanDiscover,
			attribute.String(observability.AttrServiceName, name))
		instances, err := c.discovery.DiscoverService(ctx, name)
		observability.EndSpan(span, err)
		if err != nil {
			return nil, err
		}
		c.cache.set(name, instances)
		return instances, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]ServiceInstance), nil
}

// GetInstance picks one instance with the configured strategy. It returns
// nil, nil when the service has no healthy instance.
func (c *Client) GetInstance(ctx context.Context) (*ServiceInstance, error) {
	instances, err := c.Discover(ctx)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		c.log.Warn("no healthy instances")
		return nil, nil
	}
	inst := c.lb.pick(instances)
	return &inst, nil
}

// CallService sends a request to path on a selected instance and returns
// the response. Up to RetryCount attempts are made, RetryDelay apart, each
// bounded by CallTimeout and each on a freshly selected instance. Transport
// failures, missing instances and non-2xx answers are all retried. When
// every attempt fails the result is a SERVICE_CALL_FAILED error wrapping
// the last attempt's error.
func (c *Client) CallService(ctx context.Context, path string, opts CallOptions) (*httpclient.Response, error) {
	var attempts int
	retryCfg := resilience.FixedRetryConfig(c.cfg.RetryCount, max(c.cfg.RetryDelay, 0))
	// a timed-out attempt is retried; only the caller's ctx ends the loop
	retryCfg.RetryIf = func(error) bool { return ctx.Err() == nil }

	resp, err := resilience.Retry(ctx, retryCfg, func(attempt int) (*httpclient.Response, error) {
		attempts = attempt
		return c.attempt(ctx, attempt, path, opts)
	})
	if err != nil {
		return nil, errors.ServiceCallFailed(c.cfg.ServiceName, attempts, err)
	}
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, attempt int, path string, opts CallOptions) (*httpclient.Response, error) {
	name := c.cfg.ServiceName
	log := c.log.WithFields(logger.Fields(logger.FieldAttempt, attempt))

	inst, err := c.GetInstance(ctx)
	if err == nil && inst == nil {
		err = errors.NoHealthyInstances(name)
	}
	if err != nil {
		log.Warn("call attempt failed", logger.ErrorFields("select", err))
		return nil, err
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	actx, span := observability.StartSpan(actx, observability.SpanServiceCall,
		attribute.String(observability.AttrServiceName, name),
		attribute.String(observability.AttrInstanceID, inst.ID),
		attribute.Int(observability.AttrAttempt, attempt),
	)

	c.lb.conns.inc(inst.ID)
	c.metrics.AddInFlight(ctx, name, 1)
	defer func() {
		c.lb.conns.dec(inst.ID)
		c.metrics.AddInFlight(ctx, name, -1)
	}()

	resp, err := c.http.Do(actx, httpclient.Request{
		Method:  opts.Method,
		Path:    inst.BaseURL() + "/" + strings.TrimLeft(path, "/"),
		Headers: opts.Headers,
		Query:   opts.Query,
		Body:    opts.Body,
	})
	if resp != nil {
		span.SetAttributes(attribute.Int(observability.AttrStatusCode, resp.StatusCode))
	}
	observability.EndSpan(span, err)
	reason := string(httpclient.KindOf(err))
	c.metrics.RecordCallAttempt(ctx, name, reason)

	if err != nil {
		log.Warn("call attempt failed", logger.MergeWithError(logger.Fields(
			logger.FieldInstanceID, inst.ID,
			logger.FieldAddress, inst.BaseURL(),
			logger.FieldReason, reason,
		), err))
		return nil, err
	}
	return resp, nil
}

// CallJSON is CallService followed by decoding the JSON response body into
// T. An empty body yields the zero T.
func CallJSON[T any](ctx context.Context, c *Client, path string, opts CallOptions) (T, error) {
	var out T
	resp, err := c.CallService(ctx, path, opts)
	if err != nil {
		return out, err
	}
	if len(resp.Body) == 0 {
		return out, nil
	}
	if err := resp.JSON(&out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", c.cfg.ServiceName, err)
	}
	return out, nil
}

// ClearCache drops the cached discovery result.
func (c *Client) ClearCache() {
	c.cache.clear()
}

// Stats reports the cache state and in-flight calls per instance.
// CacheAge is -1 when nothing is cached.
func (c *Client) Stats() ClientStats {
	name := c.cfg.ServiceName
	entry, _, _ := c.cache.get(name)
	return ClientStats{
		ServiceName:     name,
		Strategy:        c.cfg.Strategy,
		CachedInstances: len(entry.instances),
		CacheAge:        c.cache.age(name),
		Connections:     c.lb.conns.snapshot(),
	}
}

// Close stops the background refresh, waits for it to exit and clears all
// state. It is safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.refresh != nil {
			c.refresh.Stop()
			c.refresh.Wait()
		}
		c.cache.clear()
		c.lb.conns.reset()
		c.http.CloseIdleConnections()
		c.log.Debug("discovery client closed")
	})
	return nil
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool { return c.closed.Load() }
