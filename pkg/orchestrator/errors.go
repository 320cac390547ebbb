// Package orchestrator coordinates the workspace lifecycle: it drives
// container operations on fleet hosts and keeps the workspace store
// authoritative across restarts.
package orchestrator

import (
	"fmt"

	"github.com/atelier-sh/atelier/pkg/stores"
)

// NotFoundError is returned for a workspace ID with no record and no
// recoverable container anywhere in the fleet.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workspace not found: %s", e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return stores.ErrWorkspaceNotFound
}

// ConflictError is returned when a requested transition is invalid from the
// workspace's current state, e.g. stopping a workspace that is being
// deleted.
type ConflictError struct {
	ID     string
	Status stores.WorkspaceStatus
	Op     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s workspace %s in status %s", e.Op, e.ID, e.Status)
}

// CreateFailedError is returned when every placement attempt was exhausted
// by host-side failures. The workspace record is left in the failed state.
type CreateFailedError struct {
	ID       string
	Attempts int
	LastErr  error
}

func (e *CreateFailedError) Error() string {
	return fmt.Sprintf("workspace %s failed after %d placement attempts: %v", e.ID, e.Attempts, e.LastErr)
}

func (e *CreateFailedError) Unwrap() error {
	return e.LastErr
}
