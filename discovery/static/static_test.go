package static

import (
	"context"
	"testing"

	"github.com/kbukum/meshkit/discovery"
)

func TestGateway_RegisterDiscover(t *testing.T) {
	ctx := context.Background()
	g := New(Endpoint{Name: "orders", Address: "10.0.0.1", Port: 8080})

	err := g.RegisterService(ctx, &discovery.ServiceRegistration{
		ID: "orders-2", Name: "orders", Address: "10.0.0.2", Port: 8080,
	})
	if err != nil {
		t.Fatal(err)
	}

	instances, _ := g.DiscoverService(ctx, "orders")
	if len(instances) != 2 || instances[0].ID != "orders-10.0.0.1-8080" || instances[1].ID != "orders-2" {
		t.Fatalf("unexpected instances %+v", instances)
	}

	g.SetStatus("orders-2", discovery.HealthCritical)
	instances, _ = g.DiscoverService(ctx, "orders")
	if len(instances) != 1 {
		t.Errorf("expected critical instance to be filtered, got %d", len(instances))
	}
	details, _ := g.GetServiceDetails(ctx, "orders")
	if len(details) != 2 {
		t.Errorf("catalog must include unhealthy instances, got %d", len(details))
	}
	if ok, _ := g.HealthCheck(ctx, "orders-2"); ok {
		t.Error("expected orders-2 unhealthy")
	}

	_ = g.DeregisterService(ctx, "orders-2")
	details, _ = g.GetServiceDetails(ctx, "orders")
	if len(details) != 1 {
		t.Errorf("expected one record after deregister, got %d", len(details))
	}
}

func TestGateway_ReRegisterOverwrites(t *testing.T) {
	ctx := context.Background()
	g := New()
	for _, v := range []string{"1", "2"} {
		_ = g.RegisterService(ctx, &discovery.ServiceRegistration{
			ID: "orders-1", Name: "orders", Address: "10.0.0.1", Port: 8080,
			Metadata: map[string]string{"version": v},
		})
	}
	instances, _ := g.DiscoverService(ctx, "orders")
	if len(instances) != 1 || instances[0].Metadata["version"] != "2" {
		t.Errorf("expected a single overwritten record, got %+v", instances)
	}
}

func TestGateway_KV(t *testing.T) {
	ctx := context.Background()
	g := New()
	_ = g.SetKV(ctx, "a/b", "c")
	if v, ok, _ := g.GetKV(ctx, "a/b"); !ok || v != "c" {
		t.Errorf("GetKV = %q %v", v, ok)
	}
	_ = g.DeleteKV(ctx, "a/b")
	if _, ok, _ := g.GetKV(ctx, "a/b"); ok {
		t.Error("expected key to be deleted")
	}
}

func TestGateway_GetAllServices(t *testing.T) {
	g := New(
		Endpoint{Name: "orders", Address: "a", Port: 1, Tags: []string{"v2", "http"}},
		Endpoint{Name: "orders", Address: "b", Port: 1, Tags: []string{"http"}},
		Endpoint{Name: "billing", Address: "c", Port: 1},
	)
	all, _ := g.GetAllServices(context.Background())
	if len(all) != 2 || len(all["orders"]) != 2 || all["orders"][0] != "http" {
		t.Errorf("unexpected services %v", all)
	}
}

func TestProviderFactory(t *testing.T) {
	gw, err := discovery.NewGateway("static", Config{Endpoints: []Endpoint{{Name: "orders", Address: "a", Port: 1}}}, nil)
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	inst, err := gw.GetOneServiceInstance(context.Background(), "orders", discovery.StrategyRandom)
	if err != nil || inst == nil || inst.Address != "a" {
		t.Errorf("unexpected instance %v %v", inst, err)
	}
}
