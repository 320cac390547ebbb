package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/orchestrator"
	"github.com/atelier-sh/atelier/pkg/placement"
	"github.com/atelier-sh/atelier/pkg/proxy"
	"github.com/atelier-sh/atelier/pkg/stores"
	"github.com/atelier-sh/atelier/pkg/telemetry"
	"github.com/atelier-sh/atelier/pkg/terminal"
)

// apiServer exposes the orchestration operation surface over HTTP for the
// out-of-process API layer. Authentication and quota live in that layer,
// not here.
type apiServer struct {
	app       *app
	terminals *terminal.Manager
	forwarder *proxy.Forwarder
	logger    *telemetry.Logger
}

func newAPIServer(a *app) *apiServer {
	return &apiServer{
		app:       a,
		terminals: terminal.NewManager(a.orch, a.registry, a.logger),
		forwarder: proxy.NewForwarder(a.orch, a.registry, a.logger),
		logger:    a.logger.NewComponentLogger("api"),
	}
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)

	mux.HandleFunc("POST /v1/workspaces", s.handleCreate)
	mux.HandleFunc("GET /v1/workspaces", s.handleList)
	mux.HandleFunc("GET /v1/workspaces/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/workspaces/{id}/stop", s.handleStop)
	mux.HandleFunc("DELETE /v1/workspaces/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/workspaces/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /v1/workspaces/{id}/terminal", s.handleTerminal)
	mux.HandleFunc("/v1/workspaces/{id}/proxy/{port}/{path...}", s.handleProxy)

	mux.HandleFunc("GET /v1/fleet/servers", s.handleFleetServers)
	mux.HandleFunc("POST /v1/fleet/test-connection", s.handleTestConnection)
	mux.HandleFunc("GET /v1/fleet/servers/{id}/images", s.handleListImages)
	mux.HandleFunc("POST /v1/fleet/servers/{id}/images/pull", s.handlePullImage)

	mux.HandleFunc("GET /v1/specs", s.handleSpecs)

	return mux
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadyz fails while the fleet has no healthy server or the store is
// unreachable, so an entirely misconfigured orchestrator never reports
// itself ready.
func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.app.orch.Ready(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createRequest struct {
	UserID     string  `json:"user_id"`
	SessionID  string  `json:"session_id"`
	Tier       string  `json:"tier"`
	RegionPref *string `json:"region_pref,omitempty"`
	ArchPref   *string `json:"arch_pref,omitempty"`
}

func (s *apiServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.SessionID == "" || req.Tier == "" {
		http.Error(w, "user_id, session_id, and tier are required", http.StatusBadRequest)
		return
	}

	ws, err := s.app.orch.Create(r.Context(), orchestrator.CreateRequest{
		UserID:     req.UserID,
		SessionID:  req.SessionID,
		Tier:       req.Tier,
		RegionPref: req.RegionPref,
		ArchPref:   req.ArchPref,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, ws)
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request) {
	ws, err := s.app.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	var filter stores.ListFilter
	if v := r.URL.Query().Get("user_id"); v != "" {
		filter.UserID = &v
	}
	if v := r.URL.Query().Get("session_id"); v != "" {
		filter.SessionID = &v
	}

	workspaces, err := s.app.orch.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, workspaces)
}

func (s *apiServer) handleStop(w http.ResponseWriter, r *http.Request) {
	ws, err := s.app.orch.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *apiServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	preserveFiles := true
	if v := r.URL.Query().Get("preserve_files"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "invalid preserve_files: "+v, http.StatusBadRequest)
			return
		}
		preserveFiles = parsed
	}

	if err := s.app.orch.Delete(r.Context(), r.PathValue("id"), preserveFiles); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.app.orch.Heartbeat(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTerminal upgrades the connection to the framed terminal protocol
// and pumps it into the workspace's shell.
func (s *apiServer) handleTerminal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	session, err := s.terminals.Open(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "terminal requires a hijackable connection", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Upgrade", "tcp")
	w.WriteHeader(http.StatusSwitchingProtocols)

	conn, _, err := hijacker.Hijack()
	if err != nil {
		s.logger.WithWorkspaceID(id).WithError(err).Error("terminal hijack failed")
		return
	}

	// After the hijack the stream's lifetime is governed by the connection
	// itself, not the request context.
	if err := session.Run(context.WithoutCancel(r.Context()), conn); err != nil {
		s.logger.WithWorkspaceID(id).WithError(err).Debug("terminal session ended with error")
	}
}

func (s *apiServer) handleProxy(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		http.Error(w, "invalid port: "+r.PathValue("port"), http.StatusBadRequest)
		return
	}

	// Rewrite the URL so the upstream sees the path under the proxy prefix.
	r.URL.Path = "/" + r.PathValue("path")
	_ = s.forwarder.Forward(w, r, r.PathValue("id"), port)
}

func (s *apiServer) handleFleetServers(w http.ResponseWriter, _ *http.Request) {
	type serverView struct {
		ID           string    `json:"id"`
		Address      string    `json:"address"`
		Architecture string    `json:"architecture"`
		Region       string    `json:"region"`
		GPUType      string    `json:"gpu_type,omitempty"`
		Healthy      bool      `json:"healthy"`
		LastProbeAt  time.Time `json:"last_probe_at"`
	}

	servers := s.app.registry.AllServers()
	views := make([]serverView, 0, len(servers))
	for _, server := range servers {
		views = append(views, serverView{
			ID:           server.ID,
			Address:      server.Address(),
			Architecture: server.Architecture,
			Region:       server.Region,
			GPUType:      server.GPUType,
			Healthy:      server.Healthy,
			LastProbeAt:  server.LastProbeAt,
		})
	}
	s.writeJSON(w, http.StatusOK, views)
}

type testConnectionRequest struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`
	TLSCA   string `json:"tls_ca,omitempty"`
}

func (s *apiServer) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req testConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	cfg := fleet.ServerConfig{Host: req.Host, Port: req.Port}
	if req.TLSCert != "" || req.TLSKey != "" || req.TLSCA != "" {
		cfg.TLS = &fleet.TLSMaterial{CertPath: req.TLSCert, KeyPath: req.TLSKey, CAPath: req.TLSCA}
	}

	success, message, info := s.app.registry.TestConnection(r.Context(), cfg)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   success,
		"message":   message,
		"host_info": info,
	})
}

func (s *apiServer) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.app.registry.ListImages(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, images)
}

type pullImageRequest struct {
	Image string `json:"image"`
	Tag   string `json:"tag"`
}

func (s *apiServer) handlePullImage(w http.ResponseWriter, r *http.Request) {
	var req pullImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	success, message := s.app.registry.PullImage(r.Context(), r.PathValue("id"), req.Image, req.Tag)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": success,
		"message": message,
	})
}

func (s *apiServer) handleSpecs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.app.specs.GetAllSpecs(r.Context()))
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Debug("response encode failed")
	}
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *apiServer) writeError(w http.ResponseWriter, err error) {
	var (
		unknownTier *placement.UnknownTierError
		capacity    *placement.CapacityError
		notFound    *orchestrator.NotFoundError
		conflict    *orchestrator.ConflictError
		invalidPort *proxy.InvalidPortError
		authErr     *fleet.AuthError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &unknownTier), errors.As(err, &invalidPort):
		status = http.StatusBadRequest
	case errors.As(err, &notFound), errors.Is(err, stores.ErrWorkspaceNotFound), errors.Is(err, fleet.ErrServerNotFound):
		status = http.StatusNotFound
	case errors.As(err, &conflict):
		status = http.StatusConflict
	case errors.As(err, &capacity):
		status = http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		status = http.StatusBadRequest
	}

	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
