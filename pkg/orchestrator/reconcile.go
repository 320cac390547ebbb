package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/stores"
)

// reconcile handles the recoverable gap where the store has no record for a
// workspace but its deterministically named container exists on some host,
// e.g. after a restart that lost in-flight state. The record is rebuilt
// best-effort from the container's labels and persisted. The inconsistency
// is logged and counted: it usually points at a state-loss bug upstream,
// not normal operation.
func (o *Orchestrator) reconcile(ctx context.Context, id string) (*stores.Workspace, error) {
	name := ContainerName(id)

	for _, server := range o.registry.AllServers() {
		if !server.Healthy {
			continue
		}
		client, err := o.registry.Client(server.ID)
		if err != nil {
			continue
		}

		info, err := client.FindContainerByName(ctx, name)
		if err != nil {
			if !errors.Is(err, fleet.ErrContainerNotFound) {
				o.logger.WithServerID(server.ID).WithError(err).Debug("container lookup failed during reconciliation")
			}
			continue
		}

		ws := o.rebuildRecord(id, server.ID, info)

		o.logger.WithWorkspaceID(id).WithServerID(server.ID).
			Warnf("no store record but container %s exists, reconstructing record (status %s)", info.ID, ws.Status)
		if o.metrics != nil {
			o.metrics.RecordReconciliation()
		}

		if err := o.store.CreateWorkspace(ctx, ws); err != nil {
			// A concurrent lookup may have reconstructed it first; re-read
			// rather than fail.
			if existing, getErr := o.store.GetWorkspace(ctx, id); getErr == nil {
				return existing, nil
			}
			return nil, err
		}
		return ws, nil
	}

	return nil, &NotFoundError{ID: id}
}

// rebuildRecord derives a workspace record from a found container.
func (o *Orchestrator) rebuildRecord(id, serverID string, info *fleet.ContainerInfo) *stores.Workspace {
	status := stores.StatusRunning
	if info.State != "running" {
		status = stores.StatusStopped
	}

	ports := "[]"
	if len(info.Ports) > 0 {
		if data, err := json.Marshal(info.Ports); err == nil {
			ports = string(data)
		}
	}

	now := time.Now().UTC()
	containerID := info.ID
	return &stores.Workspace{
		ID:          id,
		UserID:      info.Labels[labelUserID],
		SessionID:   info.Labels[labelSessionID],
		Tier:        info.Labels[labelTier],
		ServerID:    &serverID,
		ContainerID: &containerID,
		Status:      status,
		Ports:       ports,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Ready reports whether the orchestrator can serve traffic: the store must
// answer and the fleet must have at least one healthy server.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if err := o.store.HealthCheck(ctx); err != nil {
		return err
	}
	return o.registry.Ready()
}
