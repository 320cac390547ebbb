package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite in WAL mode on a
// shared volume. Every orchestrator instance pointed at the same database
// file sees the same workspace state.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

const workspaceColumns = `id, user_id, session_id, tier, requested_arch, requested_region,
	server_id, container_id, status, ports, error, created_at, updated_at, last_heartbeat_at`

// CreateWorkspace persists a new workspace record.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *Workspace) error {
	query := `
		INSERT INTO workspaces (` + workspaceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		ws.ID,
		ws.UserID,
		ws.SessionID,
		ws.Tier,
		ws.RequestedArch,
		ws.RequestedRegion,
		ws.ServerID,
		ws.ContainerID,
		ws.Status,
		ws.Ports,
		ws.Error,
		ws.CreatedAt,
		ws.UpdatedAt,
		ws.LastHeartbeatAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}

	return nil
}

func scanWorkspace(row interface{ Scan(...any) error }) (*Workspace, error) {
	ws := &Workspace{}
	err := row.Scan(
		&ws.ID,
		&ws.UserID,
		&ws.SessionID,
		&ws.Tier,
		&ws.RequestedArch,
		&ws.RequestedRegion,
		&ws.ServerID,
		&ws.ContainerID,
		&ws.Status,
		&ws.Ports,
		&ws.Error,
		&ws.CreatedAt,
		&ws.UpdatedAt,
		&ws.LastHeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE id = ?`

	ws, err := scanWorkspace(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}

	return ws, nil
}

// UpdateWorkspace replaces the mutable fields of a workspace record.
func (s *SQLiteStore) UpdateWorkspace(ctx context.Context, ws *Workspace) error {
	query := `
		UPDATE workspaces
		SET server_id = ?, container_id = ?, status = ?, ports = ?, error = ?,
			updated_at = ?, last_heartbeat_at = ?
		WHERE id = ?
	`

	ws.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query,
		ws.ServerID,
		ws.ContainerID,
		ws.Status,
		ws.Ports,
		ws.Error,
		ws.UpdatedAt,
		ws.LastHeartbeatAt,
		ws.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update workspace: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, ws.ID)
	}

	return nil
}

// UpdateWorkspaceStatus updates the status (and error message) of a workspace.
func (s *SQLiteStore) UpdateWorkspaceStatus(ctx context.Context, id string, status WorkspaceStatus, errMsg *string) error {
	query := `
		UPDATE workspaces
		SET status = ?, error = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update workspace status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}

	return nil
}

// SetHeartbeat updates the last heartbeat timestamp of a workspace.
func (s *SQLiteStore) SetHeartbeat(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE workspaces SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}

	return nil
}

// DeleteWorkspace removes a workspace record.
func (s *SQLiteStore) DeleteWorkspace(ctx context.Context, id string) error {
	query := `DELETE FROM workspaces WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete workspace: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}

	return nil
}

// ListWorkspaces lists workspaces matching the filter.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context, filter ListFilter) ([]*Workspace, error) {
	query := `
		SELECT ` + workspaceColumns + `
		FROM workspaces
		WHERE (? IS NULL OR user_id = ?)
		  AND (? IS NULL OR session_id = ?)
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.UserID, filter.UserID,
		filter.SessionID, filter.SessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []*Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workspaces: %w", err)
	}

	return workspaces, nil
}

// CountActiveByServer counts non-terminal workspaces per server.
func (s *SQLiteStore) CountActiveByServer(ctx context.Context) (map[string]int, error) {
	query := `
		SELECT server_id, COUNT(*)
		FROM workspaces
		WHERE server_id IS NOT NULL
		  AND status NOT IN ('deleted', 'failed')
		GROUP BY server_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count workspaces by server: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var serverID string
		var count int
		if err := rows.Scan(&serverID, &count); err != nil {
			return nil, fmt.Errorf("failed to scan server count: %w", err)
		}
		counts[serverID] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating server counts: %w", err)
	}

	return counts, nil
}

// ListStale returns running workspaces with a heartbeat older than the cutoff.
func (s *SQLiteStore) ListStale(ctx context.Context, cutoff time.Time) ([]*Workspace, error) {
	query := `
		SELECT ` + workspaceColumns + `
		FROM workspaces
		WHERE status = 'running'
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)
		ORDER BY last_heartbeat_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []*Workspace{}
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stale workspaces: %w", err)
	}

	return workspaces, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
