package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

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

// fakeClient is a scriptable HostClient for tests.
type fakeClient struct {
	mu        sync.Mutex
	pingErr   error
	pingCount int
	images    []ImageSummary
	pullErr   error
	closed    bool
}

func (f *fakeClient) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeClient) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingCount++
	return f.pingErr
}

func (f *fakeClient) Info(context.Context) (*HostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return &HostInfo{Name: "fake", OS: "linux", Architecture: ArchX86, AgentVersion: "test"}, nil
}

func (f *fakeClient) ListImages(context.Context) ([]ImageSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pingErr != nil {
		return nil, f.pingErr
	}
	return f.images, nil
}

func (f *fakeClient) PullImage(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pullErr
}

func (f *fakeClient) CreateContainer(context.Context, ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) StartContainer(context.Context, string) error  { return errors.New("not implemented") }
func (f *fakeClient) StopContainer(context.Context, string) error   { return errors.New("not implemented") }
func (f *fakeClient) RemoveContainer(context.Context, string, bool) error {
	return errors.New("not implemented")
}

func (f *fakeClient) FindContainerByName(context.Context, string) (*ContainerInfo, error) {
	return nil, ErrContainerNotFound
}

func (f *fakeClient) OpenShell(context.Context, string) (ShellStream, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeFleet builds a registry whose factory hands out the given clients by
// server ID.
func fakeFleet(t *testing.T, cfg RegistryConfig, clients map[string]*fakeClient) *Registry {
	t.Helper()

	factory := func(server *Server) (HostClient, error) {
		client, ok := clients[server.ID]
		if !ok {
			return nil, fmt.Errorf("no fake client for %s", server.ID)
		}
		return client, nil
	}

	registry := NewRegistry(cfg, factory, testLogger(t), nil)
	t.Cleanup(registry.CloseAll)
	return registry
}

func serverConfig(id, arch, region string) ServerConfig {
	return ServerConfig{ID: id, Host: id + ".internal", Port: 8400, Architecture: arch, Region: region}
}

func TestRegisterSetsInitialHealth(t *testing.T) {
	clients := map[string]*fakeClient{
		"up":   {},
		"down": {pingErr: errors.New("connection refused")},
	}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, clients)
	ctx := context.Background()

	up, err := registry.Register(ctx, serverConfig("up", ArchX86, "us-east"))
	if err != nil {
		t.Fatalf("failed to register reachable server: %v", err)
	}
	if !up.Healthy {
		t.Error("expected reachable server to register healthy")
	}

	// An unreachable server still registers, just unhealthy.
	down, err := registry.Register(ctx, serverConfig("down", ArchARM, "us-east"))
	if err != nil {
		t.Fatalf("failed to register unreachable server: %v", err)
	}
	if down.Healthy {
		t.Error("expected unreachable server to register unhealthy")
	}

	healthy := registry.HealthyServers()
	if len(healthy) != 1 || healthy[0].ID != "up" {
		t.Errorf("expected only 'up' healthy, got %v", healthy)
	}
	if all := registry.AllServers(); len(all) != 2 {
		t.Errorf("expected 2 registered servers, got %d", len(all))
	}
}

func TestRegisterDuplicateID(t *testing.T) {
	clients := map[string]*fakeClient{"s1": {}}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, clients)
	ctx := context.Background()

	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err == nil {
		t.Error("expected duplicate registration to fail")
	}
}

func TestTLSMaterialFailsFast(t *testing.T) {
	// The real agent client factory must reject incomplete TLS material
	// instead of falling back to plaintext.
	server := &Server{
		ID:   "secure",
		Host: "secure.internal",
		Port: 8400,
		TLS:  &TLSMaterial{CertPath: "/tmp/cert.pem"}, // key and ca missing
	}

	_, err := NewAgentClient(server)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthError for incomplete TLS material, got %v", err)
	}
}

func TestProbeFlipsHealthAtThreshold(t *testing.T) {
	client := &fakeClient{}
	registry := fakeFleet(t, RegistryConfig{
		ProbeInterval:    10 * time.Millisecond,
		ProbeTimeout:     time.Second,
		FailureThreshold: 3,
	}, map[string]*fakeClient{"s1": client})
	ctx := context.Background()

	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	client.setPingErr(errors.New("timeout"))

	// Three consecutive failures flip the server unhealthy.
	waitFor(t, time.Second, func() bool {
		return len(registry.HealthyServers()) == 0
	}, "server never flipped unhealthy")

	// A single success flips it back.
	client.setPingErr(nil)
	waitFor(t, time.Second, func() bool {
		return len(registry.HealthyServers()) == 1
	}, "server never recovered")
}

func TestSingleProbeFailureDoesNotFlip(t *testing.T) {
	client := &fakeClient{}
	registry := fakeFleet(t, RegistryConfig{
		ProbeInterval:    10 * time.Millisecond,
		ProbeTimeout:     time.Second,
		FailureThreshold: 1000, // effectively unreachable in this test
	}, map[string]*fakeClient{"s1": client})
	ctx := context.Background()

	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	client.setPingErr(errors.New("blip"))
	time.Sleep(100 * time.Millisecond)

	if len(registry.HealthyServers()) != 1 {
		t.Error("server flipped unhealthy below the failure threshold")
	}
}

func TestDeregister(t *testing.T) {
	client := &fakeClient{}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, map[string]*fakeClient{"s1": client})
	ctx := context.Background()

	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := registry.Deregister("s1"); err != nil {
		t.Fatalf("failed to deregister: %v", err)
	}

	client.mu.Lock()
	closed := client.closed
	client.mu.Unlock()
	if !closed {
		t.Error("expected client to be closed on deregister")
	}

	if _, err := registry.Get("s1"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
	if err := registry.Deregister("s1"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound on second deregister, got %v", err)
	}
}

func TestHealthyServersRegistrationOrder(t *testing.T) {
	clients := map[string]*fakeClient{"c": {}, "a": {}, "b": {}}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, clients)
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		if _, err := registry.Register(ctx, serverConfig(id, ArchX86, "us-east")); err != nil {
			t.Fatalf("failed to register %s: %v", id, err)
		}
	}

	healthy := registry.HealthyServers()
	if len(healthy) != 3 {
		t.Fatalf("expected 3 healthy servers, got %d", len(healthy))
	}
	for i, want := range []string{"c", "a", "b"} {
		if healthy[i].ID != want {
			t.Errorf("position %d: expected %s, got %s", i, want, healthy[i].ID)
		}
	}
}

func TestReady(t *testing.T) {
	clients := map[string]*fakeClient{"down": {pingErr: errors.New("refused")}}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, clients)
	ctx := context.Background()

	if err := registry.Ready(); err == nil {
		t.Error("expected empty fleet to not be ready")
	}

	if _, err := registry.Register(ctx, serverConfig("down", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}
	if err := registry.Ready(); err == nil {
		t.Error("expected fleet with no healthy servers to not be ready")
	}
}

func TestListImagesAndPull(t *testing.T) {
	client := &fakeClient{
		images: []ImageSummary{{ID: "img-1", Tags: []string{"workspace:latest"}, SizeMB: 512}},
	}
	registry := fakeFleet(t, RegistryConfig{ProbeInterval: time.Hour}, map[string]*fakeClient{"s1": client})
	ctx := context.Background()

	if _, err := registry.Register(ctx, serverConfig("s1", ArchX86, "us-east")); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	images, err := registry.ListImages(ctx, "s1")
	if err != nil {
		t.Fatalf("failed to list images: %v", err)
	}
	if len(images) != 1 || images[0].ID != "img-1" {
		t.Errorf("unexpected images: %v", images)
	}

	success, message := registry.PullImage(ctx, "s1", "workspace", "latest")
	if !success {
		t.Errorf("expected pull to succeed, got message %q", message)
	}

	client.mu.Lock()
	client.pullErr = errors.New("registry unavailable")
	client.mu.Unlock()

	success, message = registry.PullImage(ctx, "s1", "workspace", "latest")
	if success {
		t.Error("expected pull to fail")
	}
	if message == "" {
		t.Error("expected a failure message")
	}

	// Image operations against an unknown server report cleanly.
	if _, err := registry.ListImages(ctx, "ghost"); !errors.Is(err, ErrServerNotFound) {
		t.Errorf("expected ErrServerNotFound, got %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
