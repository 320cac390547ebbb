// Package proxy forwards HTTP requests into services running inside
// workspace containers. The caller names a workspace and a port; the proxy
// resolves which host runs the workspace and forwards the request there
// unchanged, apart from hop-by-hop headers.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/stores"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// Allowed workspace port range. Privileged ports are never proxied.
const (
	MinPort = 1024
	MaxPort = 65535
)

// InvalidPortError is returned for a port outside the allowed range.
type InvalidPortError struct {
	Port int
}

func (e *InvalidPortError) Error() string {
	return fmt.Sprintf("port %d outside allowed range %d-%d", e.Port, MinPort, MaxPort)
}

// WorkspaceResolver maps a workspace ID to its record. Implemented by the
// orchestrator.
type WorkspaceResolver interface {
	Get(ctx context.Context, id string) (*stores.Workspace, error)
}

// Forwarder proxies requests to workspace services.
type Forwarder struct {
	resolver WorkspaceResolver
	registry *fleet.Registry
	logger   *telemetry.Logger
	client   *http.Client
}

// NewForwarder creates a workspace HTTP forwarder.
func NewForwarder(resolver WorkspaceResolver, registry *fleet.Registry, logger *telemetry.Logger) *Forwarder {
	return &Forwarder{
		resolver: resolver,
		registry: registry,
		logger:   logger.NewComponentLogger("proxy"),
		client: &http.Client{
			// No overall timeout: streamed responses can be long-lived. The
			// per-request context bounds the call instead.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Forward proxies one request to the named port inside a workspace and
// writes the upstream response to w. Status, headers, and body pass through
// unchanged except for hop-by-hop headers.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, workspaceID string, port int) error {
	if port < MinPort || port > MaxPort {
		err := &InvalidPortError{Port: port}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}

	ws, err := f.resolver.Get(r.Context(), workspaceID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return err
	}
	if ws.Status != stores.StatusRunning || ws.ServerID == nil {
		err := fmt.Errorf("workspace %s is not running (status %s)", workspaceID, ws.Status)
		http.Error(w, err.Error(), http.StatusConflict)
		return err
	}

	server, err := f.registry.Get(*ws.ServerID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return err
	}

	targetURL := fmt.Sprintf("http://%s:%d%s", server.Host, port, r.URL.RequestURI())
	upstream, err := http.NewRequestWithContext(r.Context(), r.Method, targetURL, r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return err
	}

	for key, values := range r.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			upstream.Header.Add(key, value)
		}
	}
	upstream.Header.Set("X-Forwarded-For", r.RemoteAddr)

	resp, err := f.client.Do(upstream)
	if err != nil {
		http.Error(w, fmt.Sprintf("workspace upstream unreachable: %v", err), http.StatusBadGateway)
		return err
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	written, err := io.Copy(w, resp.Body)
	if err != nil {
		// Headers are already sent; nothing to do but log.
		f.logger.WithWorkspaceID(workspaceID).WithError(err).Debugf("response copy aborted after %d bytes", written)
		return err
	}

	f.logger.WithWorkspaceID(workspaceID).Debugf("proxied %s %s -> %d (%d bytes)", r.Method, r.URL.Path, resp.StatusCode, written)
	return nil
}

// hopByHopHeaders are connection-scoped and never forwarded in either
// direction.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}
