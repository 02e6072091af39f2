package registration

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/kbukum/meshkit/discovery"
	"github.com/kbukum/meshkit/errors"
)

// fakeGateway records registry calls. failRegister makes every
// registration fail; failDeregister fails deregistration of listed ids.
type fakeGateway struct {
	mu             sync.Mutex
	records        map[string]discovery.ServiceRegistration
	registerCalls  int
	deregistered   []string
	failRegister   bool
	failDeregister map[string]bool
	closed         bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		records:        make(map[string]discovery.ServiceRegistration),
		failDeregister: make(map[string]bool),
	}
}

func (f *fakeGateway) RegisterService(_ context.Context, reg *discovery.ServiceRegistration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	if f.failRegister {
		return errors.RegistryUnavailable("register", fmt.Errorf("connection refused"))
	}
	f.records[reg.ID] = *reg
	return nil
}

func (f *fakeGateway) DeregisterService(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, id)
	if f.failDeregister[id] {
		return errors.RegistryUnavailable("deregister", fmt.Errorf("timeout"))
	}
	delete(f.records, id)
	return nil
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeGateway) setFail(fail bool) {
	f.mu.Lock()
	f.failRegister = fail
	f.mu.Unlock()
}

func (f *fakeGateway) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

// heldGateway blocks the holdOn-th registration call until hold is closed.
type heldGateway struct {
	*fakeGateway
	holdOn  int32
	n       atomic.Int32
	entered chan struct{}
	hold    chan struct{}
}

func newHeldGateway(holdOn int32) *heldGateway {
	return &heldGateway{
		fakeGateway: newFakeGateway(),
		holdOn:      holdOn,
		entered:     make(chan struct{}),
		hold:        make(chan struct{}),
	}
}

func (h *heldGateway) RegisterService(ctx context.Context, reg *discovery.ServiceRegistration) error {
	if h.n.Add(1) == h.holdOn {
		close(h.entered)
		<-h.hold
	}
	return h.fakeGateway.RegisterService(ctx, reg)
}

func (f *fakeGateway) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok
}

func serviceConfig(id string) ServiceConfig {
	return ServiceConfig{ID: id, Name: "orders", Address: "10.0.0.1", Port: 8080}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterService_DefaultCheck(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())

	ok, err := m.RegisterService(context.Background(), serviceConfig("orders-1"))
	if !ok || err != nil {
		t.Fatalf("RegisterService = %v, %v", ok, err)
	}
	check := gw.records["orders-1"].Check
	if check == nil || check.Kind != discovery.CheckHTTP || check.Target != "http://10.0.0.1:8080/health" ||
		check.Interval != 10*time.Second || check.Timeout != 5*time.Second || check.DeregisterCriticalAfter != 30*time.Second {
		t.Errorf("unexpected default check %+v", check)
	}
	if !m.IsServiceRegistered("orders-1") || m.State("orders-1") != StateRegistered {
		t.Errorf("expected orders-1 registered, state=%s", m.State("orders-1"))
	}
}

func TestRegisterService_Idempotent(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())
	ctx := context.Background()

	cfg := serviceConfig("orders-1")
	cfg.Meta = map[string]string{"version": "1"}
	_, _ = m.RegisterService(ctx, cfg)
	cfg.Meta = map[string]string{"version": "2"}
	_, _ = m.RegisterService(ctx, cfg)

	if len(gw.records) != 1 || gw.records["orders-1"].Metadata["version"] != "2" {
		t.Errorf("expected a single record with the latest metadata, got %+v", gw.records)
	}
	if regs := m.GetRegisteredServices(); len(regs) != 1 || regs[0].Metadata["version"] != "2" {
		t.Errorf("unexpected local registrations %+v", regs)
	}
}

func TestRegisterService_CheckOverrides(t *testing.T) {
	tests := []struct {
		name     string
		override *discovery.HealthCheckSpec
		kind     discovery.CheckKind
		target   string
		wantErr  bool
	}{
		{"tcp default target", &discovery.HealthCheckSpec{Kind: discovery.CheckTCP}, discovery.CheckTCP, "10.0.0.1:8080", false},
		{"grpc default target", &discovery.HealthCheckSpec{Kind: discovery.CheckGRPC}, discovery.CheckGRPC, "10.0.0.1:8080", false},
		{"http custom path", &discovery.HealthCheckSpec{Target: "http://10.0.0.1:8080/ready"}, discovery.CheckHTTP, "http://10.0.0.1:8080/ready", false},
		{"script needs target", &discovery.HealthCheckSpec{Kind: discovery.CheckScript}, "", "", true},
		{"script", &discovery.HealthCheckSpec{Kind: discovery.CheckScript, Target: "/bin/check"}, discovery.CheckScript, "/bin/check", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := serviceConfig("orders-1")
			cfg.HealthCheck = tc.override
			reg, err := cfg.Registration()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Registration: %v", err)
			}
			if reg.Check.Kind != tc.kind || reg.Check.Target != tc.target || reg.Check.Interval != DefaultCheckInterval {
				t.Errorf("unexpected check %+v", reg.Check)
			}
		})
	}
}

func TestRegisterService_InvalidConfig(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders/1")
	ok, err := m.RegisterService(context.Background(), cfg)
	if ok || !errors.IsCode(err, errors.ErrCodeInvalidInput) {
		t.Errorf("expected INVALID_INPUT, got %v %v", ok, err)
	}
	if gw.calls() != 0 {
		t.Error("invalid config must not reach the registry")
	}
}

func TestRegisterService_RetryBound(t *testing.T) {
	gw := newFakeGateway()
	gw.setFail(true)
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders-1")
	cfg.MaxRetries = 3
	cfg.RetryInterval = 5 * time.Millisecond

	ok, err := m.RegisterService(context.Background(), cfg)
	if ok || err != nil {
		t.Fatalf("expected (false, nil) with a retry scheduled, got %v, %v", ok, err)
	}

	waitFor(t, "retries to finish", func() bool {
		return gw.calls() == 4 && m.State("orders-1") == StateUnregistered
	})
	time.Sleep(30 * time.Millisecond)
	if n := gw.calls(); n != 4 {
		t.Errorf("expected exactly 4 registration attempts, got %d", n)
	}
}

func TestRegisterService_RetrySucceeds(t *testing.T) {
	gw := newFakeGateway()
	gw.setFail(true)
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders-1")
	cfg.RetryInterval = 5 * time.Millisecond
	if ok, _ := m.RegisterService(context.Background(), cfg); ok {
		t.Fatal("expected first attempt to fail")
	}
	if m.State("orders-1") != StateRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", m.State("orders-1"))
	}

	waitFor(t, "at least one retry", func() bool { return gw.calls() >= 2 })
	gw.setFail(false)
	waitFor(t, "registration", func() bool { return m.IsServiceRegistered("orders-1") })

	n := gw.calls()
	time.Sleep(30 * time.Millisecond)
	if gw.calls() != n {
		t.Error("retry loop kept running after success")
	}
	if m.State("orders-1") != StateRegistered {
		t.Errorf("expected registered, got %s", m.State("orders-1"))
	}
}

func TestRegisterService_DisableRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.setFail(true)
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders-1")
	cfg.DisableRetry = true
	cfg.RetryInterval = time.Millisecond
	ok, err := m.RegisterService(context.Background(), cfg)
	if ok || !errors.IsCode(err, errors.ErrCodeRegistryUnavailable) {
		t.Fatalf("expected registry error, got %v %v", ok, err)
	}
	time.Sleep(20 * time.Millisecond)
	if gw.calls() != 1 {
		t.Errorf("expected no retries, got %d calls", gw.calls())
	}
}

func TestDeregisterService(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())
	ctx := context.Background()

	_, _ = m.RegisterService(ctx, serviceConfig("orders-1"))
	if !m.DeregisterService(ctx, "orders-1") {
		t.Fatal("expected deregistration to succeed")
	}
	if m.IsServiceRegistered("orders-1") || m.State("orders-1") != StateDeregistered {
		t.Errorf("expected deregistered, state=%s", m.State("orders-1"))
	}

	_, _ = m.RegisterService(ctx, serviceConfig("orders-2"))
	gw.failDeregister["orders-2"] = true
	if m.DeregisterService(ctx, "orders-2") {
		t.Error("expected false on gateway failure")
	}
	if m.IsServiceRegistered("orders-2") {
		t.Error("local entry must be removed even when the gateway fails")
	}
}

func TestDeregisterService_CancelsRetry(t *testing.T) {
	gw := newFakeGateway()
	gw.setFail(true)
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders-1")
	cfg.RetryInterval = 5 * time.Millisecond
	_, _ = m.RegisterService(context.Background(), cfg)
	m.DeregisterService(context.Background(), "orders-1")

	n := gw.calls()
	time.Sleep(40 * time.Millisecond)
	if gw.calls() > n+1 {
		t.Errorf("retry loop survived deregistration: %d -> %d calls", n, gw.calls())
	}
}

func TestDeregisterService_DuringRetryCall(t *testing.T) {
	gw := newHeldGateway(2)
	gw.setFail(true)
	m := New(gw, nil)
	defer m.Close(context.Background())

	cfg := serviceConfig("orders-1")
	cfg.RetryInterval = 5 * time.Millisecond
	if ok, _ := m.RegisterService(context.Background(), cfg); ok {
		t.Fatal("expected first attempt to fail")
	}
	gw.setFail(false)

	select {
	case <-gw.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("retry call never reached the registry")
	}

	deregistered := make(chan bool)
	go func() { deregistered <- m.DeregisterService(context.Background(), "orders-1") }()
	waitFor(t, "deregistered state", func() bool { return m.State("orders-1") == StateDeregistered })
	close(gw.hold)

	select {
	case ok := <-deregistered:
		if !ok {
			t.Error("expected deregistration to succeed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("DeregisterService did not return")
	}
	if m.IsServiceRegistered("orders-1") || m.State("orders-1") != StateDeregistered {
		t.Errorf("retry call outlived deregistration: registered=%v state=%s",
			m.IsServiceRegistered("orders-1"), m.State("orders-1"))
	}
	if gw.has("orders-1") {
		t.Error("registry still holds orders-1")
	}
}

func TestRegisterService_OverlapsClose(t *testing.T) {
	gw := newHeldGateway(1)
	m := New(gw, nil)

	type result struct {
		ok  bool
		err error
	}
	res := make(chan result)
	go func() {
		ok, err := m.RegisterService(context.Background(), serviceConfig("orders-1"))
		res <- result{ok, err}
	}()
	<-gw.entered
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	close(gw.hold)

	r := <-res
	if r.ok || !errors.IsCode(r.err, errors.ErrCodeShuttingDown) {
		t.Errorf("expected SHUTTING_DOWN, got %v %v", r.ok, r.err)
	}
	if gw.has("orders-1") || m.IsServiceRegistered("orders-1") {
		t.Error("registration landed after shutdown")
	}
}

func TestDeregisterAllServices_BestEffort(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _ = m.RegisterService(ctx, serviceConfig(id))
	}
	gw.failDeregister["b"] = true

	err := m.DeregisterAllServices(ctx)
	if err == nil {
		t.Fatal("expected an error naming the failed id")
	}
	gw.mu.Lock()
	got := append([]string(nil), gw.deregistered...)
	gw.mu.Unlock()
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("expected every id attempted, got %v", got)
	}
	if len(m.GetRegisteredServices()) != 0 {
		t.Error("expected no local registrations")
	}
}

func TestUpdateService(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	defer m.Close(context.Background())
	ctx := context.Background()

	_, _ = m.RegisterService(ctx, serviceConfig("orders-1"))
	ok, err := m.UpdateService(ctx, "orders-1", ServiceUpdate{Port: 9090, Meta: map[string]string{"version": "2"}})
	if !ok || err != nil {
		t.Fatalf("UpdateService = %v, %v", ok, err)
	}
	rec := gw.records["orders-1"]
	if rec.Port != 9090 || rec.Metadata["version"] != "2" || rec.Address != "10.0.0.1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Check.Target != "http://10.0.0.1:9090/health" {
		t.Errorf("expected check to follow the new port, got %s", rec.Check.Target)
	}
	if len(gw.deregistered) != 1 {
		t.Errorf("expected deregister-then-register, got %v", gw.deregistered)
	}

	_, err = m.UpdateService(ctx, "missing", ServiceUpdate{Port: 1})
	if !errors.IsCode(err, errors.ErrCodeNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestClose_GracefulShutdown(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, _ = m.RegisterService(ctx, serviceConfig(id))
	}
	before := gw.calls()

	if err := m.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(gw.records) != 0 || len(gw.deregistered) != 2 {
		t.Errorf("expected every id deregistered, got %v", gw.deregistered)
	}
	if !gw.closed {
		t.Error("expected gateway closed")
	}

	ok, err := m.RegisterService(ctx, serviceConfig("c"))
	if ok || !stderrors.Is(err, errors.ShuttingDown()) {
		t.Errorf("expected SHUTTING_DOWN, got %v %v", ok, err)
	}
	if gw.calls() != before {
		t.Error("registration after shutdown must not reach the registry")
	}
}

func TestClose_StopsPendingRetries(t *testing.T) {
	gw := newFakeGateway()
	gw.setFail(true)
	m := New(gw, nil)

	cfg := serviceConfig("orders-1")
	cfg.RetryInterval = 5 * time.Millisecond
	_, _ = m.RegisterService(context.Background(), cfg)
	_ = m.Close(context.Background())

	n := gw.calls()
	time.Sleep(30 * time.Millisecond)
	if gw.calls() != n {
		t.Error("retry loop survived Close")
	}
}

func TestShutdownOnSignal(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil, WithShutdownTimeout(time.Second))
	_, _ = m.RegisterService(context.Background(), serviceConfig("orders-1"))

	done := m.ShutdownOnSignal(context.Background())
	// give signal.Notify time to install its handler
	time.Sleep(10 * time.Millisecond)
	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if !m.ShuttingDown() || len(gw.records) != 0 {
		t.Errorf("expected shutdown with no records left, got %v", gw.records)
	}
}

func TestShutdownOnSignal_ContextCancel(t *testing.T) {
	gw := newFakeGateway()
	m := New(gw, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := m.ShutdownOnSignal(ctx)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete")
	}
	if !gw.closed {
		t.Error("expected gateway closed")
	}
}
