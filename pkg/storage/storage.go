// Package storage manages durable workspace filesystems on a storage host.
// Workspace directories outlive the containers that mount them; the
// orchestrator only removes them when a delete explicitly discards files.
package storage

import "context"

// Collaborator provisions and removes workspace directories. Implemented by
// the SFTP client; nil disables file management entirely.
type Collaborator interface {
	// EnsureWorkspaceDirectory creates the directory for a workspace if it
	// does not exist and returns its absolute path. Idempotent.
	EnsureWorkspaceDirectory(ctx context.Context, userID, workspaceID string) (string, error)

	// DeleteWorkspaceDirectory removes a workspace directory and everything
	// under it, returning the number of entries removed. Removing a missing
	// directory is not an error and reports zero.
	DeleteWorkspaceDirectory(ctx context.Context, userID, workspaceID string) (int, error)

	// Close releases the underlying connection.
	Close() error
}
