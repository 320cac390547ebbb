package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/atelier-sh/atelier/pkg/fleet"
	"github.com/atelier-sh/atelier/pkg/stores"
	"github.com/atelier-sh/atelier/pkg/telemetry"
)

// WorkspaceResolver maps a workspace ID to its record. Implemented by the
// orchestrator.
type WorkspaceResolver interface {
	Get(ctx context.Context, id string) (*stores.Workspace, error)
}

// Manager opens terminal sessions into running workspaces.
type Manager struct {
	resolver WorkspaceResolver
	registry *fleet.Registry
	logger   *telemetry.Logger
}

// NewManager creates a terminal session manager.
func NewManager(resolver WorkspaceResolver, registry *fleet.Registry, logger *telemetry.Logger) *Manager {
	return &Manager{
		resolver: resolver,
		registry: registry,
		logger:   logger.NewComponentLogger("terminal"),
	}
}

// Open resolves a workspace to its (host, container) pair and attaches an
// interactive shell. The caller owns the returned session and must Run it.
func (m *Manager) Open(ctx context.Context, workspaceID string) (*Session, error) {
	ws, err := m.resolver.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.Status != stores.StatusRunning || ws.ServerID == nil || ws.ContainerID == nil {
		return nil, fmt.Errorf("workspace %s is not running (status %s)", workspaceID, ws.Status)
	}

	client, err := m.registry.Client(*ws.ServerID)
	if err != nil {
		return nil, err
	}

	shell, err := client.OpenShell(ctx, *ws.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("failed to open shell into workspace %s: %w", workspaceID, err)
	}

	m.logger.WithWorkspaceID(workspaceID).WithServerID(*ws.ServerID).Debug("terminal session opened")
	return &Session{
		workspaceID: workspaceID,
		shell:       shell,
		logger:      m.logger.WithWorkspaceID(workspaceID),
	}, nil
}

// Session pumps bytes between one framed client connection and one
// container shell. One goroutine reads client frames, one writes output
// frames; closing either end tears the whole session down and releases the
// exec handle on the host.
type Session struct {
	workspaceID string
	shell       fleet.ShellStream
	logger      *telemetry.Logger

	closeOnce sync.Once
}

// Run streams until the client or the shell closes, then returns the first
// terminal error. io.EOF from either side is a normal close.
//
// Frames from the client are applied strictly in arrival order: a resize
// frame takes effect on the PTY before any later frame is processed, so
// output produced after the resize reflects the new dimensions.
func (s *Session) Run(ctx context.Context, client io.ReadWriteCloser) error {
	defer s.teardown(client)

	errCh := make(chan error, 2)

	// Client to shell: demux frames.
	go func() {
		errCh <- s.pumpInput(client)
	}()

	// Shell to client: wrap output in data frames.
	go func() {
		errCh <- s.pumpOutput(client)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// Unblock the other pump before waiting for it.
	s.teardown(client)
	<-errCh

	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) pumpInput(client io.Reader) error {
	for {
		frame, err := ReadFrame(client)
		if err != nil {
			return err
		}

		switch frame.Type {
		case FrameTypeData:
			if _, err := s.shell.Write(frame.Payload); err != nil {
				return err
			}
		case FrameTypeResize:
			rows, cols, err := ParseResize(frame.Payload)
			if err != nil {
				return err
			}
			if err := s.shell.Resize(rows, cols); err != nil {
				s.logger.WithError(err).Warn("pty resize failed")
			}
		default:
			return fmt.Errorf("unknown frame type 0x%02x", frame.Type)
		}
	}
}

func (s *Session) pumpOutput(client io.Writer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.shell.Read(buf)
		if n > 0 {
			if werr := WriteFrame(client, NewDataFrame(buf[:n])); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// teardown closes both ends exactly once.
func (s *Session) teardown(client io.Closer) {
	s.closeOnce.Do(func() {
		_ = s.shell.Close()
		_ = client.Close()
		s.logger.Debug("terminal session closed")
	})
}
