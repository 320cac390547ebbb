package placement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/specs"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// stubClient satisfies fleet.HostClient for registration probes. Only Ping
// and Close matter to placement tests.
type stubClient struct {
	pingErr error
}

func (c *stubClient) Ping(context.Context) error { return c.pingErr }

func (c *stubClient) Info(context.Context) (*fleet.HostInfo, error) {
	return &fleet.HostInfo{}, c.pingErr
}

func (c *stubClient) ListImages(context.Context) ([]fleet.ImageSummary, error) { return nil, nil }
func (c *stubClient) PullImage(context.Context, string, string) error          { return nil }

func (c *stubClient) CreateContainer(context.Context, fleet.ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}

func (c *stubClient) StartContainer(context.Context, string) error { return nil }
func (c *stubClient) StopContainer(context.Context, string) error  { return nil }
func (c *stubClient) RemoveContainer(context.Context, string, bool) error {
	return nil
}

func (c *stubClient) FindContainerByName(context.Context, string) (*fleet.ContainerInfo, error) {
	return nil, fleet.ErrContainerNotFound
}

func (c *stubClient) OpenShell(context.Context, string) (fleet.ShellStream, error) {
	return nil, errors.New("not implemented")
}

func (c *stubClient) Close() error { return nil }

// fakeLoad is a canned LoadCounter.
type fakeLoad struct {
	counts map[string]int
	err    error
}

func (f *fakeLoad) CountActiveByServer(context.Context) (map[string]int, error) {
	return f.counts, f.err
}

// fakePolicy denies servers by ID.
type fakePolicy struct {
	denyServers map[string]string
	evalErr     error
}

func (f *fakePolicy) AllowPlacement(_ context.Context, input PolicyInput) (bool, string, error) {
	if f.evalErr != nil {
		return false, "", f.evalErr
	}
	if reason, denied := f.denyServers[input.Server.ID]; denied {
		return false, reason, nil
	}
	return true, "", nil
}

// testFleet registers the given servers in order. unhealthy lists server IDs
// whose registration probe fails, so they join the fleet unhealthy.
func testFleet(t *testing.T, configs []fleet.ServerConfig, unhealthy ...string) *fleet.Registry {
	t.Helper()

	down := make(map[string]bool, len(unhealthy))
	for _, id := range unhealthy {
		down[id] = true
	}

	factory := func(server *fleet.Server) (fleet.HostClient, error) {
		if down[server.ID] {
			return &stubClient{pingErr: errors.New("connection refused")}, nil
		}
		return &stubClient{}, nil
	}

	registry := fleet.NewRegistry(fleet.RegistryConfig{ProbeInterval: time.Hour}, factory, testLogger(t), nil)
	t.Cleanup(registry.CloseAll)

	for _, cfg := range configs {
		if _, err := registry.Register(context.Background(), cfg); err != nil {
			t.Fatalf("failed to register %s: %v", cfg.ID, err)
		}
	}
	return registry
}

// fallbackProvider builds a provider whose catalog fetch always fails, so
// tiers resolve from the built-in fallback catalog.
func fallbackProvider(t *testing.T) *specs.Provider {
	t.Helper()
	return specs.NewProvider(specs.ProviderConfig{
		CatalogURL:   "http://127.0.0.1:1",
		FetchTimeout: 100 * time.Millisecond,
	}, testLogger(t), nil)
}

func newTestService(t *testing.T, registry *fleet.Registry, load LoadCounter, policy Policy) *Service {
	t.Helper()
	if load == nil {
		load = &fakeLoad{counts: map[string]int{}}
	}
	return NewService(registry, fallbackProvider(t), load, policy, testLogger(t), nil, nil)
}

func x86Server(id, region string) fleet.ServerConfig {
	return fleet.ServerConfig{ID: id, Host: id + ".internal", Port: 8400, Architecture: fleet.ArchX86, Region: region}
}

func armServer(id, region string) fleet.ServerConfig {
	return fleet.ServerConfig{ID: id, Host: id + ".internal", Port: 8400, Architecture: fleet.ArchARM, Region: region}
}

func requireCapacityReason(t *testing.T, err error, want CapacityReason) *CapacityError {
	t.Helper()

	var capErr *CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError, got %v", err)
	}
	if capErr.Reason != want {
		t.Fatalf("expected reason %s, got %s (%s)", want, capErr.Reason, capErr.Message)
	}
	return capErr
}

func TestPlaceMatchesArchitecture(t *testing.T) {
	// S1 is x86, S2 is arm64. The arm tier must land on S2.
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		armServer("s2", "us-east"),
	})
	svc := newTestService(t, registry, nil, nil)

	server, err := svc.Place(context.Background(), Request{Tier: "pro_arm"})
	if err != nil {
		t.Fatalf("failed to place: %v", err)
	}
	if server.ID != "s2" {
		t.Errorf("expected arm tier on s2, got %s", server.ID)
	}
}

func TestPlaceArchMismatchIsCapacityNotFallback(t *testing.T) {
	// With the only arm server unhealthy, the arm tier must fail with a
	// capacity error rather than land on the x86 server.
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		armServer("s2", "us-east"),
	}, "s2")
	svc := newTestService(t, registry, nil, nil)

	_, err := svc.Place(context.Background(), Request{Tier: "pro_arm"})
	requireCapacityReason(t, err, ReasonNoArchMatch)
}

func TestPlaceUnknownTier(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{x86Server("s1", "us-east")})
	svc := newTestService(t, registry, nil, nil)

	_, err := svc.Place(context.Background(), Request{Tier: "mystery"})
	var tierErr *UnknownTierError
	if !errors.As(err, &tierErr) {
		t.Fatalf("expected UnknownTierError, got %v", err)
	}
	if tierErr.Tier != "mystery" {
		t.Errorf("expected tier name in error, got %s", tierErr.Tier)
	}
}

func TestPlaceGPURequirement(t *testing.T) {
	gpu := x86Server("gpu1", "us-east")
	gpu.GPUType = "a10"

	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("cpu1", "us-east"),
		gpu,
	})
	svc := newTestService(t, registry, nil, nil)

	server, err := svc.Place(context.Background(), Request{Tier: "gpu_a10"})
	if err != nil {
		t.Fatalf("failed to place gpu tier: %v", err)
	}
	if server.ID != "gpu1" {
		t.Errorf("expected gpu tier on gpu1, got %s", server.ID)
	}
}

func TestPlaceNoGPUCapacity(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{x86Server("cpu1", "us-east")})
	svc := newTestService(t, registry, nil, nil)

	_, err := svc.Place(context.Background(), Request{Tier: "gpu_a10"})
	requireCapacityReason(t, err, ReasonNoGPU)
}

func TestPlaceRegionFilter(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("east1", "us-east"),
		x86Server("west1", "us-west"),
	})
	svc := newTestService(t, registry, nil, nil)

	west := "us-west"
	server, err := svc.Place(context.Background(), Request{Tier: "basic_x86", RegionPref: &west})
	if err != nil {
		t.Fatalf("failed to place in region: %v", err)
	}
	if server.ID != "west1" {
		t.Errorf("expected west1, got %s", server.ID)
	}

	nowhere := "eu-central"
	_, err = svc.Place(context.Background(), Request{Tier: "basic_x86", RegionPref: &nowhere})
	requireCapacityReason(t, err, ReasonNoHealthyInRegion)
}

func TestPlaceExclusions(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		x86Server("s2", "us-east"),
	})
	svc := newTestService(t, registry, nil, nil)
	ctx := context.Background()

	server, err := svc.Place(ctx, Request{Tier: "basic_x86", Exclude: []string{"s1"}})
	if err != nil {
		t.Fatalf("failed to place with exclusion: %v", err)
	}
	if server.ID != "s2" {
		t.Errorf("expected s2 after excluding s1, got %s", server.ID)
	}

	_, err = svc.Place(ctx, Request{Tier: "basic_x86", Exclude: []string{"s1", "s2"}})
	requireCapacityReason(t, err, ReasonAllExcluded)
}

func TestPlacePicksLeastLoaded(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		x86Server("s2", "us-east"),
		x86Server("s3", "us-east"),
	})
	load := &fakeLoad{counts: map[string]int{"s1": 5, "s2": 1, "s3": 3}}
	svc := newTestService(t, registry, load, nil)

	server, err := svc.Place(context.Background(), Request{Tier: "basic_x86"})
	if err != nil {
		t.Fatalf("failed to place: %v", err)
	}
	if server.ID != "s2" {
		t.Errorf("expected least-loaded s2, got %s", server.ID)
	}
}

func TestPlaceTieBreaksByRegistrationOrder(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("zeta", "us-east"),
		x86Server("alpha", "us-east"),
	})
	load := &fakeLoad{counts: map[string]int{"zeta": 2, "alpha": 2}}
	svc := newTestService(t, registry, load, nil)

	// Equal load: the first-registered server wins regardless of name.
	for i := 0; i < 5; i++ {
		server, err := svc.Place(context.Background(), Request{Tier: "basic_x86"})
		if err != nil {
			t.Fatalf("failed to place: %v", err)
		}
		if server.ID != "zeta" {
			t.Fatalf("attempt %d: expected zeta (registered first), got %s", i, server.ID)
		}
	}
}

func TestPlaceLoadCounterFailureFallsBack(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		x86Server("s2", "us-east"),
	})
	load := &fakeLoad{err: fmt.Errorf("store offline")}
	svc := newTestService(t, registry, load, nil)

	server, err := svc.Place(context.Background(), Request{Tier: "basic_x86"})
	if err != nil {
		t.Fatalf("expected placement despite load failure, got %v", err)
	}
	if server.ID != "s1" {
		t.Errorf("expected registration-order fallback to s1, got %s", server.ID)
	}
}

func TestPlacePolicyDenial(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{
		x86Server("s1", "us-east"),
		x86Server("s2", "us-east"),
	})
	policy := &fakePolicy{denyServers: map[string]string{"s1": "s1 is reserved"}}
	svc := newTestService(t, registry, nil, policy)

	server, err := svc.Place(context.Background(), Request{Tier: "basic_x86"})
	if err != nil {
		t.Fatalf("failed to place: %v", err)
	}
	if server.ID != "s2" {
		t.Errorf("expected s2 after policy denied s1, got %s", server.ID)
	}

	policy.denyServers["s2"] = "s2 is reserved"
	_, err = svc.Place(context.Background(), Request{Tier: "basic_x86"})
	capErr := requireCapacityReason(t, err, ReasonDeniedByPolicy)
	if capErr.Message == "" {
		t.Error("expected denial reason in message")
	}
}

func TestPlaceUnavailableTier(t *testing.T) {
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]specs.HardwareSpec{
			{Tier: "sold_out", Architecture: fleet.ArchX86, VCPU: 2, MemoryMB: 4096, StorageGB: 20, Available: false},
		})
	}))
	defer catalog.Close()

	registry := testFleet(t, []fleet.ServerConfig{x86Server("s1", "us-east")})
	provider := specs.NewProvider(specs.ProviderConfig{CatalogURL: catalog.URL}, testLogger(t), nil)
	svc := NewService(registry, provider, &fakeLoad{counts: map[string]int{}}, nil, testLogger(t), nil, nil)

	_, err := svc.Place(context.Background(), Request{Tier: "sold_out"})
	requireCapacityReason(t, err, ReasonTierUnavailable)
}

func TestPlacePolicyEvalErrorIsDenial(t *testing.T) {
	registry := testFleet(t, []fleet.ServerConfig{x86Server("s1", "us-east")})
	policy := &fakePolicy{evalErr: fmt.Errorf("rego panic")}
	svc := newTestService(t, registry, nil, policy)

	_, err := svc.Place(context.Background(), Request{Tier: "basic_x86"})
	requireCapacityReason(t, err, ReasonDeniedByPolicy)
}
