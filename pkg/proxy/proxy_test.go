package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/stores"
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

// stubClient satisfies fleet.HostClient for registration probes.
type stubClient struct{}

func (stubClient) Ping(context.Context) error                    { return nil }
func (stubClient) Info(context.Context) (*fleet.HostInfo, error) { return &fleet.HostInfo{}, nil }
func (stubClient) ListImages(context.Context) ([]fleet.ImageSummary, error) {
	return nil, nil
}
func (stubClient) PullImage(context.Context, string, string) error { return nil }
func (stubClient) CreateContainer(context.Context, fleet.ContainerSpec) (string, error) {
	return "", errors.New("not implemented")
}
func (stubClient) StartContainer(context.Context, string) error        { return nil }
func (stubClient) StopContainer(context.Context, string) error         { return nil }
func (stubClient) RemoveContainer(context.Context, string, bool) error { return nil }
func (stubClient) FindContainerByName(context.Context, string) (*fleet.ContainerInfo, error) {
	return nil, fleet.ErrContainerNotFound
}
func (stubClient) OpenShell(context.Context, string) (fleet.ShellStream, error) {
	return nil, errors.New("not implemented")
}
func (stubClient) Close() error { return nil }

// fakeResolver serves canned workspace records.
type fakeResolver struct {
	workspaces map[string]*stores.Workspace
}

func (f *fakeResolver) Get(_ context.Context, id string) (*stores.Workspace, error) {
	ws, ok := f.workspaces[id]
	if !ok {
		return nil, stores.ErrWorkspaceNotFound
	}
	return ws, nil
}

// setupProxy stands up an upstream HTTP server and wires it in as the
// workspace's host. Returns the forwarder and the upstream's port.
func setupProxy(t *testing.T, handler http.Handler) (*Forwarder, int) {
	t.Helper()

	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	parsed, err := url.Parse(upstream.URL)
	if err != nil {
		t.Fatalf("failed to parse upstream URL: %v", err)
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		t.Fatalf("failed to parse upstream port: %v", err)
	}

	logger := testLogger(t)
	factory := func(*fleet.Server) (fleet.HostClient, error) { return stubClient{}, nil }
	registry := fleet.NewRegistry(fleet.RegistryConfig{ProbeInterval: time.Hour}, factory, logger, nil)
	t.Cleanup(registry.CloseAll)

	if _, err := registry.Register(context.Background(), fleet.ServerConfig{
		ID: "s1", Host: parsed.Hostname(), Port: 8400, Architecture: fleet.ArchX86, Region: "us-east",
	}); err != nil {
		t.Fatalf("failed to register server: %v", err)
	}

	serverID := "s1"
	containerID := "ctr-1"
	stoppedServerID := "s1"
	ghostServerID := "ghost"
	resolver := &fakeResolver{workspaces: map[string]*stores.Workspace{
		"ws-running": {
			ID: "ws-running", UserID: "alice", Status: stores.StatusRunning,
			ServerID: &serverID, ContainerID: &containerID,
		},
		"ws-stopped": {
			ID: "ws-stopped", UserID: "alice", Status: stores.StatusStopped,
			ServerID: &stoppedServerID,
		},
		"ws-lost-host": {
			ID: "ws-lost-host", UserID: "alice", Status: stores.StatusRunning,
			ServerID: &ghostServerID,
		},
	}}

	return NewForwarder(resolver, registry, logger), port
}

func TestForwardPassesRequestThrough(t *testing.T) {
	var gotPath, gotQuery, gotHeader, gotForwardedFor string
	var gotBody []byte
	forwarder, port := setupProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotHeader = r.Header.Get("X-Custom")
		gotForwardedFor = r.Header.Get("X-Forwarded-For")
		gotBody, _ = io.ReadAll(r.Body)

		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		fmt.Fprint(w, "short and stout")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/items?limit=5", strings.NewReader(`{"name":"x"}`))
	req.Header.Set("X-Custom", "value-1")
	req.RemoteAddr = "198.51.100.7:4444"
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-running", port); err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	if gotPath != "/api/items" || gotQuery != "limit=5" {
		t.Errorf("path/query not preserved: %s?%s", gotPath, gotQuery)
	}
	if gotHeader != "value-1" {
		t.Errorf("expected custom header forwarded, got %q", gotHeader)
	}
	if gotForwardedFor != "198.51.100.7:4444" {
		t.Errorf("expected X-Forwarded-For, got %q", gotForwardedFor)
	}
	if string(gotBody) != `{"name":"x"}` {
		t.Errorf("body not preserved: %q", gotBody)
	}

	if rec.Code != http.StatusTeapot {
		t.Errorf("expected upstream status passed through, got %d", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream header passed through")
	}
	if rec.Body.String() != "short and stout" {
		t.Errorf("expected upstream body, got %q", rec.Body.String())
	}
}

func TestForwardStripsHopByHopHeaders(t *testing.T) {
	var sawProxyAuth, sawKeepAlive string
	forwarder, port := setupProxy(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawProxyAuth = r.Header.Get("Proxy-Authorization")
		sawKeepAlive = r.Header.Get("Keep-Alive")

		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.Header().Set("X-Kept", "yes")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Proxy-Authorization", "Basic secret")
	req.Header.Set("Keep-Alive", "timeout=30")
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-running", port); err != nil {
		t.Fatalf("forward failed: %v", err)
	}

	if sawProxyAuth != "" || sawKeepAlive != "" {
		t.Errorf("hop-by-hop request headers leaked upstream: auth=%q keep-alive=%q", sawProxyAuth, sawKeepAlive)
	}
	if rec.Header().Get("Keep-Alive") != "" || rec.Header().Get("Proxy-Authenticate") != "" {
		t.Error("hop-by-hop response headers leaked to client")
	}
	if rec.Header().Get("X-Kept") != "yes" {
		t.Error("end-to-end response header was dropped")
	}
}

func TestForwardRejectsPortsOutsideRange(t *testing.T) {
	forwarder, _ := setupProxy(t, http.NotFoundHandler())

	for _, port := range []int{0, 22, 80, 1023, 65536, -1} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		err := forwarder.Forward(rec, req, "ws-running", port)
		var portErr *InvalidPortError
		if !errors.As(err, &portErr) {
			t.Errorf("port %d: expected InvalidPortError, got %v", port, err)
		}
		if rec.Code != http.StatusBadRequest {
			t.Errorf("port %d: expected 400, got %d", port, rec.Code)
		}
	}
}

func TestForwardUnknownWorkspace(t *testing.T) {
	forwarder, port := setupProxy(t, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-ghost", port); err == nil {
		t.Fatal("expected error for unknown workspace")
	}
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestForwardNonRunningWorkspace(t *testing.T) {
	forwarder, port := setupProxy(t, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-stopped", port); err == nil {
		t.Fatal("expected error for stopped workspace")
	}
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestForwardHostGoneFromFleet(t *testing.T) {
	forwarder, port := setupProxy(t, http.NotFoundHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-lost-host", port); err == nil {
		t.Fatal("expected error when host left the fleet")
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}

func TestForwardUpstreamUnreachable(t *testing.T) {
	forwarder, _ := setupProxy(t, http.NotFoundHandler())

	// A valid but closed port: the workspace service is not listening.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	if err := forwarder.Forward(rec, req, "ws-running", 1025); err == nil {
		t.Fatal("expected error for unreachable upstream")
	}
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
}
