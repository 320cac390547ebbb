package stores

import (
	"context"
	"errors"
	"time"
)

// WorkspaceStatus represents the lifecycle state of a workspace.
type WorkspaceStatus string

const (
	StatusPending  WorkspaceStatus = "pending"
	StatusCreating WorkspaceStatus = "creating"
	StatusRunning  WorkspaceStatus = "running"
	StatusStopping WorkspaceStatus = "stopping"
	StatusStopped  WorkspaceStatus = "stopped"
	StatusDeleting WorkspaceStatus = "deleting"
	StatusDeleted  WorkspaceStatus = "deleted"
	StatusFailed   WorkspaceStatus = "failed"
)

// IsTerminal returns true if no further lifecycle transitions are expected.
func (s WorkspaceStatus) IsTerminal() bool {
	return s == StatusDeleted || s == StatusFailed
}

// Valid returns true for a known status value.
func (s WorkspaceStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCreating, StatusRunning, StatusStopping,
		StatusStopped, StatusDeleting, StatusDeleted, StatusFailed:
		return true
	}
	return false
}

// ErrWorkspaceNotFound is returned when a workspace ID has no record.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// Workspace is the durable record for a single workspace.
//
// Once the status leaves pending, ServerID and ContainerID are set and never
// change for the life of the record: a workspace never migrates hosts.
type Workspace struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	SessionID       string          `json:"session_id"`
	Tier            string          `json:"tier"`
	RequestedArch   *string         `json:"requested_arch,omitempty"`
	RequestedRegion *string         `json:"requested_region,omitempty"`
	ServerID        *string         `json:"server_id,omitempty"`
	ContainerID     *string         `json:"container_id,omitempty"`
	Status          WorkspaceStatus `json:"status"`
	Ports           string          `json:"ports"` // JSON array of exposed ports
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
}

// ListFilter selects workspaces by owner and/or session. Nil fields match
// everything.
type ListFilter struct {
	UserID    *string
	SessionID *string
}

// Store defines the interface for the workspace persistence layer.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Workspace operations
	CreateWorkspace(ctx context.Context, ws *Workspace) error
	GetWorkspace(ctx context.Context, id string) (*Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *Workspace) error
	UpdateWorkspaceStatus(ctx context.Context, id string, status WorkspaceStatus, errMsg *string) error
	SetHeartbeat(ctx context.Context, id string, at time.Time) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListWorkspaces(ctx context.Context, filter ListFilter) ([]*Workspace, error)

	// CountActiveByServer returns, per server ID, the number of workspaces
	// in a non-terminal status. Used as the placement load signal.
	CountActiveByServer(ctx context.Context) (map[string]int, error)

	// ListStale returns running workspaces whose last heartbeat is older
	// than the cutoff. Consumed by the external reaper.
	ListStale(ctx context.Context, cutoff time.Time) ([]*Workspace, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
