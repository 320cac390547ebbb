package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/placement"
	"github.com/atelier-sh/atelier/pkg/specs"
	"github.com/atelier-sh/atelier/pkg/storage"
	"github.com/atelier-sh/atelier/pkg/stores"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// containerNamePrefix makes workspace container names deterministic so a
// container can be found by workspace ID without a store record.
const containerNamePrefix = "atelier-ws-"

// Container labels used to reconstruct a lost workspace record.
const (
	labelWorkspaceID = "sh.atelier.workspace-id"
	labelUserID      = "sh.atelier.user-id"
	labelSessionID   = "sh.atelier.session-id"
	labelTier        = "sh.atelier.tier"
)

// ContainerName returns the deterministic container name for a workspace.
func ContainerName(workspaceID string) string {
	return containerNamePrefix + workspaceID
}

// Config configures the orchestrator.
type Config struct {
	// WorkspaceImage is the container image workspaces run.
	WorkspaceImage string `yaml:"workspace_image" validate:"required"`

	// CreateAttempts is how many hosts a create will try before giving up.
	CreateAttempts int `yaml:"create_attempts" validate:"omitempty,min=1,max=10"`

	// ExposedPorts are the container ports every workspace exposes.
	ExposedPorts []int `yaml:"exposed_ports" validate:"dive,min=1024,max=65535"`
}

// DefaultConfig returns the default orchestrator settings.
func DefaultConfig() Config {
	return Config{
		WorkspaceImage: "atelier/workspace:latest",
		CreateAttempts: 3,
		ExposedPorts:   []int{8080},
	}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	UserID     string
	SessionID  string
	Tier       string
	RegionPref *string
	ArchPref   *string
}

// Orchestrator drives the workspace lifecycle state machine. All state
// transitions are written to the store before success is reported, so any
// orchestrator instance sees a consistent view after a restart.
type Orchestrator struct {
	config   Config
	store    stores.Store
	registry *fleet.Registry
	placer   *placement.Service
	specs    *specs.Provider
	storage  storage.Collaborator
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer

	// locks serializes lifecycle operations per workspace ID. Operations on
	// different IDs never block each other.
	locks sync.Map
}

// New creates an orchestrator. storageClient may be nil to disable file
// management.
func New(
	cfg Config,
	store stores.Store,
	registry *fleet.Registry,
	placer *placement.Service,
	provider *specs.Provider,
	storageClient storage.Collaborator,
	logger *telemetry.Logger,
	metrics *telemetry.Metrics,
	tracer *telemetry.Tracer,
) *Orchestrator {
	if cfg.CreateAttempts == 0 {
		cfg.CreateAttempts = 3
	}
	return &Orchestrator{
		config:   cfg,
		store:    store,
		registry: registry,
		placer:   placer,
		specs:    provider,
		storage:  storageClient,
		logger:   logger.NewComponentLogger("orchestrator"),
		metrics:  metrics,
		tracer:   tracer,
	}
}

// lock acquires the per-workspace mutex and returns its release func.
func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create places and starts a new workspace. A pending record is persisted
// before placement so a crash mid-create is observable. On capacity or
// unknown-tier failures the record is marked failed and the error returned
// verbatim. Host-side start failures trigger re-placement excluding the
// failed host, up to the configured attempt budget. No code path leaves a
// running container without a corresponding record.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*stores.Workspace, error) {
	timer := telemetry.NewTimer()
	ws, err := o.create(ctx, req)
	o.recordOp("create", timer, err)
	return ws, err
}

func (o *Orchestrator) create(ctx context.Context, req CreateRequest) (*stores.Workspace, error) {
	// Resolve the tier up front: an unknown tier is a caller error and must
	// fail before any record is written or host is contacted.
	spec, err := o.specs.GetSpec(ctx, req.Tier)
	if err != nil {
		if errors.Is(err, specs.ErrTierNotFound) {
			return nil, &placement.UnknownTierError{Tier: req.Tier}
		}
		return nil, fmt.Errorf("failed to resolve tier %s: %w", req.Tier, err)
	}

	id := uuid.New().String()
	unlock := o.lock(id)
	defer unlock()

	var span = telemetry.SpanFromContext(ctx)
	if o.tracer != nil {
		ctx, span = o.tracer.StartLifecycleSpan(ctx, "create", id)
		defer span.End()
	}

	logger := o.logger.WithWorkspaceID(id).WithTier(req.Tier)

	now := time.Now().UTC()
	ws := &stores.Workspace{
		ID:              id,
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		Tier:            req.Tier,
		RequestedArch:   req.ArchPref,
		RequestedRegion: req.RegionPref,
		Status:          stores.StatusPending,
		Ports:           "[]",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.store.CreateWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to persist workspace record: %w", err)
	}

	containerSpec := fleet.ContainerSpec{
		Name:          ContainerName(id),
		Image:         o.config.WorkspaceImage,
		VCPU:          spec.VCPU,
		MemoryMB:      spec.MemoryMB,
		StorageGB:     spec.StorageGB,
		BandwidthMbps: spec.BandwidthMbps,
		GPUCount:      spec.GPUCount,
		ExposedPorts:  o.config.ExposedPorts,
		Env: map[string]string{
			"ATELIER_WORKSPACE_ID": id,
			"ATELIER_TIER":         req.Tier,
		},
		Labels: map[string]string{
			labelWorkspaceID: id,
			labelUserID:      req.UserID,
			labelSessionID:   req.SessionID,
			labelTier:        req.Tier,
		},
	}

	var exclude []string
	var lastHostErr error

	for attempt := 1; attempt <= o.config.CreateAttempts; attempt++ {
		server, err := o.placer.Place(ctx, placement.Request{
			Tier:       req.Tier,
			RegionPref: req.RegionPref,
			ArchPref:   req.ArchPref,
			Exclude:    exclude,
			UserID:     req.UserID,
		})
		if err != nil {
			// A capacity failure on a retry means every remaining candidate
			// is gone; include the host error that got us here.
			var capErr *placement.CapacityError
			if lastHostErr != nil && errors.As(err, &capErr) {
				err = &CreateFailedError{ID: id, Attempts: attempt - 1, LastErr: lastHostErr}
			}
			o.markFailed(ctx, id, err)
			telemetry.RecordError(span, err)
			return nil, err
		}

		serverID := server.ID
		ws.ServerID = &serverID
		ws.Status = stores.StatusCreating
		ws.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateWorkspace(ctx, ws); err != nil {
			o.markFailed(ctx, id, err)
			return nil, fmt.Errorf("failed to persist placement: %w", err)
		}

		containerID, startErr := o.startOn(ctx, serverID, containerSpec)
		if startErr != nil {
			if ctx.Err() != nil {
				// Caller cancelled mid-create. startOn already rolled back
				// anything it started on the host.
				o.markFailed(ctx, id, ctx.Err())
				telemetry.RecordError(span, ctx.Err())
				return nil, ctx.Err()
			}
			logger.WithServerID(serverID).WithError(startErr).Warnf("host failed workspace start (attempt %d/%d)", attempt, o.config.CreateAttempts)
			exclude = append(exclude, serverID)
			lastHostErr = startErr
			continue
		}

		if o.storage != nil {
			if _, err := o.storage.EnsureWorkspaceDirectory(ctx, req.UserID, id); err != nil {
				// Files are advisory at create time. The workspace still
				// runs; the directory is retried on next use.
				logger.WithError(err).Warn("failed to provision workspace directory")
			}
		}

		ports, _ := json.Marshal(o.config.ExposedPorts)
		ws.ContainerID = &containerID
		ws.Status = stores.StatusRunning
		ws.Ports = string(ports)
		ws.UpdatedAt = time.Now().UTC()
		if err := o.store.UpdateWorkspace(ctx, ws); err != nil {
			// The record must never lag behind a running container. Roll the
			// container back and report the store failure.
			o.removeContainer(context.WithoutCancel(ctx), serverID, containerID)
			o.markFailed(ctx, id, err)
			return nil, fmt.Errorf("failed to persist running workspace: %w", err)
		}

		if o.metrics != nil {
			o.metrics.RecordWorkspaceCreated(req.Tier)
		}
		telemetry.RecordSuccess(span)
		logger.WithServerID(serverID).Infof("workspace running (container %s)", containerID)
		return ws, nil
	}

	err = &CreateFailedError{ID: id, Attempts: o.config.CreateAttempts, LastErr: lastHostErr}
	o.markFailed(ctx, id, err)
	telemetry.RecordError(span, err)
	return nil, err
}

// startOn creates and starts the container on one host. On any failure
// after the container exists, it is removed before returning so the host
// never keeps an unrecorded container.
func (o *Orchestrator) startOn(ctx context.Context, serverID string, spec fleet.ContainerSpec) (string, error) {
	client, err := o.registry.Client(serverID)
	if err != nil {
		return "", err
	}

	containerID, err := client.CreateContainer(ctx, spec)
	if err != nil {
		return "", &fleet.ConnectionError{ServerID: serverID, Err: err}
	}

	if err := client.StartContainer(ctx, containerID); err != nil {
		o.removeContainer(context.WithoutCancel(ctx), serverID, containerID)
		return "", &fleet.ConnectionError{ServerID: serverID, Err: err}
	}

	if ctx.Err() != nil {
		o.removeContainer(context.WithoutCancel(ctx), serverID, containerID)
		return "", ctx.Err()
	}

	return containerID, nil
}

// removeContainer force-removes a container, best effort.
func (o *Orchestrator) removeContainer(ctx context.Context, serverID, containerID string) {
	client, err := o.registry.Client(serverID)
	if err != nil {
		o.logger.WithServerID(serverID).WithError(err).Error("cannot clean up container: server gone from registry")
		return
	}

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := client.RemoveContainer(cleanupCtx, containerID, true); err != nil && !errors.Is(err, fleet.ErrContainerNotFound) {
		o.logger.WithServerID(serverID).WithError(err).Errorf("failed to clean up container %s", containerID)
	}
}

// markFailed records a failed status with the error message. Store failures
// here are logged, not returned; the original error matters more.
func (o *Orchestrator) markFailed(ctx context.Context, id string, cause error) {
	msg := cause.Error()
	if err := o.store.UpdateWorkspaceStatus(context.WithoutCancel(ctx), id, stores.StatusFailed, &msg); err != nil {
		o.logger.WithWorkspaceID(id).WithError(err).Error("failed to mark workspace failed")
	}
}

// Stop stops a workspace's container, preserving the record and files.
// Idempotent: stopping an already stopped or deleted workspace returns the
// record unchanged.
func (o *Orchestrator) Stop(ctx context.Context, id string) (*stores.Workspace, error) {
	timer := telemetry.NewTimer()
	ws, err := o.stop(ctx, id)
	o.recordOp("stop", timer, err)
	return ws, err
}

func (o *Orchestrator) stop(ctx context.Context, id string) (*stores.Workspace, error) {
	unlock := o.lock(id)
	defer unlock()

	var span = telemetry.SpanFromContext(ctx)
	if o.tracer != nil {
		ctx, span = o.tracer.StartLifecycleSpan(ctx, "stop", id)
		defer span.End()
	}

	ws, err := o.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	switch ws.Status {
	case stores.StatusStopped, stores.StatusDeleted, stores.StatusFailed:
		return ws, nil
	case stores.StatusDeleting:
		return nil, &ConflictError{ID: id, Status: ws.Status, Op: "stop"}
	case stores.StatusPending:
		// No container yet. Just settle the record.
		if err := o.store.UpdateWorkspaceStatus(ctx, id, stores.StatusStopped, nil); err != nil {
			return nil, fmt.Errorf("failed to mark workspace stopped: %w", err)
		}
		ws.Status = stores.StatusStopped
		return ws, nil
	}

	if err := o.store.UpdateWorkspaceStatus(ctx, id, stores.StatusStopping, nil); err != nil {
		return nil, fmt.Errorf("failed to mark workspace stopping: %w", err)
	}
	ws.Status = stores.StatusStopping

	if ws.ServerID != nil && ws.ContainerID != nil {
		client, err := o.registry.Client(*ws.ServerID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if err := client.StopContainer(ctx, *ws.ContainerID); err != nil && !errors.Is(err, fleet.ErrContainerNotFound) {
			// Record stays stopping; a retry picks up from here.
			connErr := &fleet.ConnectionError{ServerID: *ws.ServerID, Err: err}
			telemetry.RecordError(span, connErr)
			return nil, connErr
		}
	}

	if err := o.store.UpdateWorkspaceStatus(ctx, id, stores.StatusStopped, nil); err != nil {
		return nil, fmt.Errorf("failed to mark workspace stopped: %w", err)
	}
	ws.Status = stores.StatusStopped
	ws.UpdatedAt = time.Now().UTC()

	telemetry.RecordSuccess(span)
	o.logger.WithWorkspaceID(id).Info("workspace stopped")
	return ws, nil
}

// Delete removes a workspace's container and record. With preserveFiles
// false the workspace directory is removed as well. Idempotent: a missing
// or already deleted workspace is a successful no-op.
func (o *Orchestrator) Delete(ctx context.Context, id string, preserveFiles bool) error {
	timer := telemetry.NewTimer()
	err := o.delete(ctx, id, preserveFiles)
	o.recordOp("delete", timer, err)
	return err
}

func (o *Orchestrator) delete(ctx context.Context, id string, preserveFiles bool) error {
	unlock := o.lock(id)
	defer unlock()

	var span = telemetry.SpanFromContext(ctx)
	if o.tracer != nil {
		ctx, span = o.tracer.StartLifecycleSpan(ctx, "delete", id)
		defer span.End()
	}

	ws, err := o.lookup(ctx, id)
	if err != nil {
		var notFound *NotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	if ws.Status == stores.StatusDeleted {
		return nil
	}

	if err := o.store.UpdateWorkspaceStatus(ctx, id, stores.StatusDeleting, nil); err != nil {
		return fmt.Errorf("failed to mark workspace deleting: %w", err)
	}

	if ws.ServerID != nil && ws.ContainerID != nil {
		client, err := o.registry.Client(*ws.ServerID)
		switch {
		case errors.Is(err, fleet.ErrServerNotFound):
			// Host left the fleet; nothing to remove there.
			o.logger.WithWorkspaceID(id).WithServerID(*ws.ServerID).Warn("workspace host no longer registered, skipping container removal")
		case err != nil:
			return err
		default:
			if err := client.RemoveContainer(ctx, *ws.ContainerID, true); err != nil && !errors.Is(err, fleet.ErrContainerNotFound) {
				connErr := &fleet.ConnectionError{ServerID: *ws.ServerID, Err: err}
				telemetry.RecordError(span, connErr)
				return connErr
			}
		}
	}

	if !preserveFiles && o.storage != nil {
		removed, err := o.storage.DeleteWorkspaceDirectory(ctx, ws.UserID, id)
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("failed to delete workspace files: %w", err)
		}
		o.logger.WithWorkspaceID(id).Debugf("deleted %d workspace file entries", removed)
	}

	if err := o.store.DeleteWorkspace(ctx, id); err != nil && !errors.Is(err, stores.ErrWorkspaceNotFound) {
		return fmt.Errorf("failed to delete workspace record: %w", err)
	}

	telemetry.RecordSuccess(span)
	o.logger.WithWorkspaceID(id).Info("workspace deleted")
	return nil
}

// Heartbeat updates the workspace's liveness timestamp.
func (o *Orchestrator) Heartbeat(ctx context.Context, id string) error {
	err := o.store.SetHeartbeat(ctx, id, time.Now().UTC())
	if errors.Is(err, stores.ErrWorkspaceNotFound) {
		return &NotFoundError{ID: id}
	}
	return err
}

// Get returns the workspace record. If the store has no record but the
// workspace's deterministically named container exists on some host, a
// best-effort record is reconstructed instead of reporting not found.
func (o *Orchestrator) Get(ctx context.Context, id string) (*stores.Workspace, error) {
	return o.lookup(ctx, id)
}

// List returns workspace records matching the filter.
func (o *Orchestrator) List(ctx context.Context, filter stores.ListFilter) ([]*stores.Workspace, error) {
	return o.store.ListWorkspaces(ctx, filter)
}

// ListStale returns running workspaces without a heartbeat since the
// cutoff. Consumed by the external reaper.
func (o *Orchestrator) ListStale(ctx context.Context, cutoff time.Time) ([]*stores.Workspace, error) {
	return o.store.ListStale(ctx, cutoff)
}

// lookup reads a record from the store, falling back to fleet-wide
// reconciliation when the record is missing.
func (o *Orchestrator) lookup(ctx context.Context, id string) (*stores.Workspace, error) {
	ws, err := o.store.GetWorkspace(ctx, id)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, stores.ErrWorkspaceNotFound) {
		return nil, fmt.Errorf("failed to read workspace %s: %w", id, err)
	}
	return o.reconcile(ctx, id)
}

func (o *Orchestrator) recordOp(op string, timer *telemetry.Timer, err error) {
	if o.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	o.metrics.RecordLifecycleOp(op, result, timer.Duration())
}
