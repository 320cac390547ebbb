package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// RegistryConfig configures the fleet registry.
type RegistryConfig struct {
	// ProbeInterval is how often each server is health-probed.
	ProbeInterval time.Duration

	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe failures before
	// a server is marked unhealthy.
	FailureThreshold int
}

// DefaultRegistryConfig returns the default probe settings.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ProbeInterval:    15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// member pairs a server record with its client and probe loop handle.
type member struct {
	server *Server
	client HostClient
	cancel context.CancelFunc
}

// Registry is the authoritative in-memory view of the fleet. Each
// registered server gets an independent probe goroutine so a hung host
// never delays probing of the rest of the fleet, and probing never shares
// a lock with a lifecycle call in progress.
type Registry struct {
	config  RegistryConfig
	factory ClientFactory
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	servers map[string]*member
	nextSeq int
	closed  bool

	wg sync.WaitGroup
}

// NewRegistry creates an empty fleet registry. A nil factory defaults to
// the HTTP agent client.
func NewRegistry(cfg RegistryConfig, factory ClientFactory, logger *telemetry.Logger, metrics *telemetry.Metrics) *Registry {
	if cfg.ProbeInterval == 0 {
		cfg.ProbeInterval = 15 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if factory == nil {
		factory = NewAgentClient
	}

	return &Registry{
		config:  cfg,
		factory: factory,
		logger:  logger.NewComponentLogger("fleet"),
		metrics: metrics,
		servers: make(map[string]*member),
	}
}

// Register adds a server to the fleet and starts its probe loop. TLS
// material is validated up front: a server configured for TLS with missing
// or invalid cert/key/ca fails registration with an AuthError. An
// unreachable server still registers; it simply starts out unhealthy.
func (r *Registry) Register(ctx context.Context, cfg ServerConfig) (*Server, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("server ID is required")
	}

	server := &Server{
		ID:           cfg.ID,
		Host:         cfg.Host,
		Port:         cfg.Port,
		Architecture: cfg.Architecture,
		Region:       cfg.Region,
		GPUType:      cfg.GPUType,
		TLS:          cfg.TLS,
	}

	client, err := r.factory(server)
	if err != nil {
		return nil, err
	}

	// Initial synchronous probe so the server's health is known before
	// Register returns. Failure is not an error: the probe loop will keep
	// trying.
	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	pingErr := client.Ping(probeCtx)
	cancel()

	server.Healthy = pingErr == nil
	server.LastProbeAt = time.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("registry is closed")
	}
	if _, exists := r.servers[cfg.ID]; exists {
		r.mu.Unlock()
		_ = client.Close()
		return nil, fmt.Errorf("server already registered: %s", cfg.ID)
	}

	server.seq = r.nextSeq
	r.nextSeq++

	loopCtx, loopCancel := context.WithCancel(context.Background())
	m := &member{
		server: server,
		client: client,
		cancel: loopCancel,
	}
	r.servers[cfg.ID] = m
	r.mu.Unlock()

	if pingErr != nil {
		r.logger.WithServerID(cfg.ID).WithError(pingErr).Warn("server registered but initial probe failed")
	} else {
		r.logger.WithServerID(cfg.ID).Infof("server registered (%s, %s)", cfg.Architecture, cfg.Region)
	}
	r.updateHealthyGauge()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.probeLoop(loopCtx, cfg.ID, client)
	}()

	snapshot := *server
	return &snapshot, nil
}

// Deregister removes a server and stops its probe loop.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	m, ok := r.servers[id]
	if ok {
		delete(r.servers, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}

	m.cancel()
	_ = m.client.Close()
	r.logger.WithServerID(id).Info("server deregistered")
	r.updateHealthyGauge()
	return nil
}

// Get returns a snapshot of a server record.
func (r *Registry) Get(id string) (*Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}

	snapshot := *m.server
	return &snapshot, nil
}

// Client returns the host client for a server.
func (r *Registry) Client(id string) (HostClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.servers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, id)
	}

	return m.client, nil
}

// HealthyServers returns snapshots of all currently healthy servers in
// registration order.
func (r *Registry) HealthyServers() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*Server, 0, len(r.servers))
	for _, m := range r.servers {
		if m.server.Healthy {
			snapshot := *m.server
			servers = append(servers, &snapshot)
		}
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].seq < servers[j].seq })
	return servers
}

// AllServers returns snapshots of every registered server, healthy or not,
// in registration order.
func (r *Registry) AllServers() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := make([]*Server, 0, len(r.servers))
	for _, m := range r.servers {
		snapshot := *m.server
		servers = append(servers, &snapshot)
	}

	sort.Slice(servers, func(i, j int) bool { return servers[i].seq < servers[j].seq })
	return servers
}

// Ready reports whether the fleet has at least one healthy server. An
// entirely unhealthy fleet is a configuration error: the orchestrator must
// not report itself healthy while this fails.
func (r *Registry) Ready() error {
	if len(r.HealthyServers()) == 0 {
		return fmt.Errorf("no healthy servers in fleet")
	}
	return nil
}

// ListImages lists the image catalog of a server.
func (r *Registry) ListImages(ctx context.Context, id string) ([]ImageSummary, error) {
	client, err := r.Client(id)
	if err != nil {
		return nil, err
	}

	images, err := client.ListImages(ctx)
	if err != nil {
		return nil, &ConnectionError{ServerID: id, Err: err}
	}
	return images, nil
}

// PullImage asks a server to pull image:tag. The result is reported as a
// (success, message) pair rather than an error since this is typically
// invoked from a user-facing host test flow.
func (r *Registry) PullImage(ctx context.Context, id, image, tag string) (bool, string) {
	client, err := r.Client(id)
	if err != nil {
		return false, err.Error()
	}

	if err := client.PullImage(ctx, image, tag); err != nil {
		if r.metrics != nil {
			r.metrics.RecordImagePull(false)
		}
		return false, fmt.Sprintf("pull %s:%s failed: %v", image, tag, err)
	}

	if r.metrics != nil {
		r.metrics.RecordImagePull(true)
	}
	return true, fmt.Sprintf("pulled %s:%s", image, tag)
}

// TestConnection checks connectivity to an arbitrary host without
// registering it. Used by the user-facing "test this host" flow.
func (r *Registry) TestConnection(ctx context.Context, cfg ServerConfig) (bool, string, *HostInfo) {
	if cfg.ID == "" {
		cfg.ID = fmt.Sprintf("probe-%s:%d", cfg.Host, cfg.Port)
	}

	server := &Server{
		ID:   cfg.ID,
		Host: cfg.Host,
		Port: cfg.Port,
		TLS:  cfg.TLS,
	}

	client, err := r.factory(server)
	if err != nil {
		return false, err.Error(), nil
	}
	defer client.Close()

	probeCtx, cancel := context.WithTimeout(ctx, r.config.ProbeTimeout)
	defer cancel()

	info, err := client.Info(probeCtx)
	if err != nil {
		return false, fmt.Sprintf("connection failed: %v", err), nil
	}

	return true, "connection successful", info
}

// CloseAll stops every probe loop and closes every client. The registry
// cannot be reused afterwards.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	r.closed = true
	members := make([]*member, 0, len(r.servers))
	for _, m := range r.servers {
		members = append(members, m)
	}
	r.servers = make(map[string]*member)
	r.mu.Unlock()

	for _, m := range members {
		m.cancel()
		_ = m.client.Close()
	}
	r.wg.Wait()
	r.updateHealthyGauge()
}

// setHealth records a probe outcome for a server. Returns the resulting
// healthy flag and whether it changed.
func (r *Registry) setHealth(id string, healthy bool) (changed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.servers[id]
	if !ok {
		return false
	}

	changed = m.server.Healthy != healthy
	m.server.Healthy = healthy
	m.server.LastProbeAt = time.Now()
	return changed
}

func (r *Registry) updateHealthyGauge() {
	if r.metrics == nil {
		return
	}
	r.metrics.SetHealthyServers(float64(len(r.HealthyServers())))
}
