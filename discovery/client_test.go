package discovery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kbukum/meshkit/errors"
)

// fakeDiscovery serves a fixed instance list and counts calls.
type fakeDiscovery struct {
	mu        sync.Mutex
	instances []ServiceInstance
	err       error
	calls     int
}

func (f *fakeDiscovery) DiscoverService(_ context.Context, _ string) ([]ServiceInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.instances, nil
}

func (f *fakeDiscovery) set(instances []ServiceInstance, err error) {
	f.mu.Lock()
	f.instances, f.err = instances, err
	f.mu.Unlock()
}

func (f *fakeDiscovery) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeClock is advanced by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestClient(t *testing.T, d Discovery, cfg ClientConfig, opts ...ClientOption) *Client {
	t.Helper()
	if cfg.ServiceName == "" {
		cfg.ServiceName = "orders"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = -1
	}
	c, err := NewClient(d, cfg, nil, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// serverInstance turns an httptest server into a ServiceInstance.
func serverInstance(t *testing.T, id string, srv *httptest.Server) ServiceInstance {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	p, _ := strconv.Atoi(port)
	return ServiceInstance{ID: id, Service: "orders", Address: host, Port: p, Status: HealthPassing}
}

func TestClient_Discover_CacheFreshness(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	fd := &fakeDiscovery{instances: instances("a")}
	c := newTestClient(t, fd, ClientConfig{CacheTTL: 30 * time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := c.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	clock.Advance(10 * time.Second)
	if _, err := c.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if fd.count() != 1 {
		t.Errorf("expected cached result at t+10s, registry called %d times", fd.count())
	}

	clock.Advance(21 * time.Second)
	if _, err := c.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	if fd.count() != 2 {
		t.Errorf("expected refetch at t+31s, registry called %d times", fd.count())
	}
}

func TestClient_Discover_FailOpen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	fd := &fakeDiscovery{instances: instances("a", "b")}
	c := newTestClient(t, fd, ClientConfig{CacheTTL: time.Second}, WithClock(clock.Now))
	ctx := context.Background()

	if _, err := c.Discover(ctx); err != nil {
		t.Fatal(err)
	}
	fd.set(nil, errors.RegistryUnavailable("discover", fmt.Errorf("connection refused")))
	clock.Advance(time.Hour)

	got, err := c.Discover(ctx)
	if err != nil {
		t.Fatalf("expected stale fallback, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 stale instances, got %d", len(got))
	}
}

func TestClient_Discover_NoCachePropagates(t *testing.T) {
	fd := &fakeDiscovery{err: errors.RegistryUnavailable("discover", fmt.Errorf("connection refused"))}
	c := newTestClient(t, fd, ClientConfig{})

	_, err := c.Discover(context.Background())
	if !errors.IsCode(err, errors.ErrCodeRegistryUnavailable) {
		t.Errorf("expected REGISTRY_UNAVAILABLE, got %v", err)
	}
}

func TestClient_GetInstance_Empty(t *testing.T) {
	c := newTestClient(t, &fakeDiscovery{}, ClientConfig{})
	inst, err := c.GetInstance(context.Background())
	if err != nil || inst != nil {
		t.Errorf("expected nil, nil; got %v, %v", inst, err)
	}
}

func TestClient_GetInstance_RoundRobin(t *testing.T) {
	c := newTestClient(t, &fakeDiscovery{instances: instances("a", "b", "c")}, ClientConfig{Strategy: StrategyRoundRobin})
	counts := map[string]int{}
	var order []string
	for i := 0; i < 6; i++ {
		inst, err := c.GetInstance(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.ID]++
		order = append(order, inst.ID)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" || order[3] != "a" {
		t.Errorf("unexpected order %v", order)
	}
	for _, id := range []string{"a", "b", "c"} {
		if counts[id] != 2 {
			t.Errorf("expected %s twice, got %d", id, counts[id])
		}
	}
}

func TestClient_CallService_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders/7" || r.Method != http.MethodPost || r.Header.Get("X-Tenant") != "acme" {
			t.Errorf("unexpected request %s %s %v", r.Method, r.URL.Path, r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"7","total":12.5}`))
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeDiscovery{instances: []ServiceInstance{serverInstance(t, "o1", srv)}}, ClientConfig{})
	type order struct {
		ID    string  `json:"id"`
		Total float64 `json:"total"`
	}
	got, err := CallJSON[order](context.Background(), c, "orders/7", CallOptions{
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Tenant": "acme"},
		Body:    map[string]int{"qty": 1},
	})
	if err != nil {
		t.Fatalf("CallJSON: %v", err)
	}
	if got.ID != "7" || got.Total != 12.5 {
		t.Errorf("unexpected body %+v", got)
	}
	if n := c.Stats().Connections["o1"]; n != 0 {
		t.Errorf("expected connection counter back at 0, got %d", n)
	}
}

func TestClient_CallService_ExhaustsRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeDiscovery{instances: []ServiceInstance{serverInstance(t, "o1", srv)}},
		ClientConfig{RetryCount: 3, RetryDelay: 5 * time.Millisecond})

	_, err := c.CallService(context.Background(), "/fail", CallOptions{})
	if hits.Load() != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", hits.Load())
	}
	if !errors.IsCode(err, errors.ErrCodeServiceCallFailed) {
		t.Fatalf("expected SERVICE_CALL_FAILED, got %v", err)
	}
	appErr, _ := errors.AsAppError(err)
	if appErr.Cause == nil {
		t.Error("expected the last attempt error as cause")
	}
	if c.Stats().Connections["o1"] != 0 {
		t.Errorf("connection counter leaked: %v", c.Stats().Connections)
	}
}

func TestClient_CallService_RecoversOnRetry(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	c := newTestClient(t, &fakeDiscovery{instances: []ServiceInstance{serverInstance(t, "o1", srv)}},
		ClientConfig{RetryDelay: time.Millisecond})
	resp, err := c.CallService(context.Background(), "/", CallOptions{})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if string(resp.Body) != "ok" || hits.Load() != 2 {
		t.Errorf("unexpected result %q after %d hits", resp.Body, hits.Load())
	}
}

func TestClient_CallService_NegativeRetryDelay(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	cfg := ClientConfig{RetryCount: 3, RetryDelay: -1}
	c := newTestClient(t, &fakeDiscovery{instances: []ServiceInstance{serverInstance(t, "o1", srv)}}, cfg)

	start := time.Now()
	if _, err := c.CallService(context.Background(), "/", CallOptions{}); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", hits.Load())
	}
	// the 1s default would put this well over 2s
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("expected immediate retries, took %v", elapsed)
	}
}

func TestClient_CallService_NoHealthyInstances(t *testing.T) {
	fd := &fakeDiscovery{}
	c := newTestClient(t, fd, ClientConfig{RetryCount: 2, RetryDelay: time.Millisecond})

	_, err := c.CallService(context.Background(), "/", CallOptions{})
	if !errors.IsCode(err, errors.ErrCodeServiceCallFailed) {
		t.Fatalf("expected SERVICE_CALL_FAILED, got %v", err)
	}
	if !stderrors.Is(err, errors.NoHealthyInstances("orders")) {
		t.Errorf("expected NO_HEALTHY_INSTANCES as the cause, got %v", err)
	}
}

func TestClient_CallService_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, &fakeDiscovery{instances: []ServiceInstance{serverInstance(t, "o1", srv)}},
		ClientConfig{RetryCount: 2, RetryDelay: time.Millisecond, CallTimeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := c.CallService(context.Background(), "/slow", CallOptions{})
	if !errors.IsCode(err, errors.ErrCodeServiceCallFailed) {
		t.Fatalf("expected SERVICE_CALL_FAILED, got %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("expected a timed-out attempt to be retried, got %d hits", hits.Load())
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("call was not bounded by the attempt timeout")
	}
}

func TestClient_StatsAndClear(t *testing.T) {
	c := newTestClient(t, &fakeDiscovery{instances: instances("a", "b")}, ClientConfig{Strategy: StrategyWeighted})
	if s := c.Stats(); s.CachedInstances != 0 || s.CacheAge != -1 {
		t.Errorf("unexpected empty stats %+v", s)
	}
	_, _ = c.Discover(context.Background())
	s := c.Stats()
	if s.ServiceName != "orders" || s.Strategy != StrategyWeighted || s.CachedInstances != 2 || s.CacheAge < 0 {
		t.Errorf("unexpected stats %+v", s)
	}
	c.ClearCache()
	if c.Stats().CachedInstances != 0 {
		t.Error("expected cache to be cleared")
	}
}

func TestClient_BackgroundRefresh(t *testing.T) {
	fd := &fakeDiscovery{instances: instances("a")}
	c, err := NewClient(fd, ClientConfig{ServiceName: "orders", RefreshInterval: 10 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for fd.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fd.count() < 2 {
		t.Fatalf("expected background refreshes, got %d", fd.count())
	}

	_ = c.Close()
	n := fd.count()
	time.Sleep(50 * time.Millisecond)
	if fd.count() != n {
		t.Errorf("refresh kept running after Close")
	}
	if !c.Closed() {
		t.Error("expected Closed() after Close")
	}
}

func TestClient_BackgroundRefreshErrorsAreSwallowed(t *testing.T) {
	fd := &fakeDiscovery{err: fmt.Errorf("agent down")}
	c, err := NewClient(fd, ClientConfig{ServiceName: "orders", RefreshInterval: 5 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestClientConfig_Validate(t *testing.T) {
	if _, err := NewClient(&fakeDiscovery{}, ClientConfig{ServiceName: "orders", Strategy: "fastest"}, nil); err == nil {
		t.Error("expected unknown strategy to fail")
	}
	if _, err := NewClient(&fakeDiscovery{}, ClientConfig{}, nil); err == nil {
		t.Error("expected missing service name to fail")
	}
	cfg := DefaultClientConfig("orders")
	if cfg.CacheTTL != 30*time.Second || cfg.RefreshInterval != 10*time.Second || cfg.RetryCount != 3 ||
		cfg.RetryDelay != time.Second || cfg.CallTimeout != 10*time.Second || cfg.Strategy != StrategyRoundRobin {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestClient_ConcurrentCallsDrainConnections(t *testing.T) {
	var mu sync.Mutex
	served := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		served[r.URL.Path]++
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		_, _ = w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	list := []ServiceInstance{serverInstance(t, "o1", srv), serverInstance(t, "o2", srv), serverInstance(t, "o3", srv)}
	c := newTestClient(t, &fakeDiscovery{instances: list},
		ClientConfig{Strategy: StrategyLeastConnections, RetryCount: 1})

	const callers = 64
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.CallService(context.Background(), fmt.Sprintf("/c/%d", i), CallOptions{}); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("CallService: %v", err)
	}

	if conns := c.Stats().Connections; len(conns) != 0 {
		t.Errorf("expected connection counts to drain, got %v", conns)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(served) != callers {
		t.Errorf("expected %d distinct calls served, got %d", callers, len(served))
	}
}

func TestClient_ConcurrentRoundRobinCoverage(t *testing.T) {
	fd := &fakeDiscovery{instances: instances("a", "b", "c", "d")}
	c := newTestClient(t, fd, ClientConfig{Strategy: StrategyRoundRobin})

	const workers, perWorker = 32, 50
	var mu sync.Mutex
	picks := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := map[string]int{}
			for i := 0; i < perWorker; i++ {
				inst, err := c.GetInstance(context.Background())
				if err != nil || inst == nil {
					t.Errorf("GetInstance: %v %v", inst, err)
					return
				}
				local[inst.ID]++
			}
			mu.Lock()
			for id, n := range local {
				picks[id] += n
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	want := workers * perWorker / 4
	for _, id := range []string{"a", "b", "c", "d"} {
		if picks[id] != want {
			t.Errorf("instance %s picked %d times, want %d (all: %v)", id, picks[id], want, picks)
		}
	}
}
