package terminal

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atelier-sh/atelier/pkg/telemetry"
)

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// fakeShell records the order of writes and resizes and exposes a pipe the
// test can feed shell output through.
type fakeShell struct {
	mu     sync.Mutex
	events []string

	outR *io.PipeReader
	outW *io.PipeWriter

	closeOnce sync.Once
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{outR: r, outW: w}
}

func (f *fakeShell) Read(p []byte) (int, error) { return f.outR.Read(p) }

func (f *fakeShell) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, "write:"+string(p))
	return len(p), nil
}

func (f *fakeShell) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("resize:%dx%d", rows, cols))
	return nil
}

func (f *fakeShell) Close() error {
	f.closeOnce.Do(func() {
		// Closing only the writer makes a blocked Read return io.EOF, the
		// same way a real exec stream ends.
		_ = f.outW.Close()
	})
	return nil
}

func (f *fakeShell) eventLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	copy(out, f.events)
	return out
}

func newTestSession(t *testing.T, shell *fakeShell) *Session {
	t.Helper()
	return &Session{
		workspaceID: "ws-test",
		shell:       shell,
		logger:      testLogger(t).NewComponentLogger("terminal"),
	}
}

func runSession(t *testing.T, session *Session) (client net.Conn, done chan error) {
	t.Helper()

	client, server := net.Pipe()
	done = make(chan error, 1)
	go func() {
		done <- session.Run(context.Background(), server)
	}()
	return client, done
}

func waitDone(t *testing.T, done chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func TestSessionResizeAppliedInArrivalOrder(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)
	client, done := runSession(t, session)

	// A resize followed by input: the PTY must be resized before the input
	// is written, so everything the shell produces afterwards reflects the
	// new dimensions.
	if err := WriteFrame(client, NewResizeFrame(50, 120)); err != nil {
		t.Fatalf("failed to write resize frame: %v", err)
	}
	if err := WriteFrame(client, NewDataFrame([]byte("ls\n"))); err != nil {
		t.Fatalf("failed to write data frame: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(shell.eventLog()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	events := shell.eventLog()
	if len(events) < 2 {
		t.Fatalf("expected 2 shell events, got %v", events)
	}
	if events[0] != "resize:50x120" {
		t.Errorf("expected resize applied first, got %v", events)
	}
	if events[1] != "write:ls\n" {
		t.Errorf("expected input written after resize, got %v", events)
	}

	client.Close()
	if err := waitDone(t, done); err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}

func TestSessionFramesShellOutput(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)
	client, done := runSession(t, session)

	go func() {
		_, _ = shell.outW.Write([]byte("total 0\n"))
	}()

	frame, err := ReadFrame(client)
	if err != nil {
		t.Fatalf("failed to read output frame: %v", err)
	}
	if frame.Type != FrameTypeData {
		t.Errorf("expected data frame, got %c", frame.Type)
	}
	if string(frame.Payload) != "total 0\n" {
		t.Errorf("expected shell output in payload, got %q", frame.Payload)
	}

	client.Close()
	_ = waitDone(t, done)
}

func TestSessionClientCloseTearsDownShell(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)
	client, done := runSession(t, session)

	client.Close()
	if err := waitDone(t, done); err != nil {
		t.Errorf("expected client close to be a clean shutdown, got %v", err)
	}

	// The shell's output pipe must be closed so the exec handle is released.
	if _, err := shell.outW.Write([]byte("x")); err == nil {
		t.Error("expected shell to be closed after client disconnect")
	}
}

func TestSessionShellCloseTearsDownClient(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)
	client, done := runSession(t, session)

	shell.Close()
	if err := waitDone(t, done); err != nil {
		t.Errorf("expected shell close to be a clean shutdown, got %v", err)
	}

	// Client reads now fail because the server side is closed.
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := ReadFrame(client); err == nil {
		t.Error("expected client connection closed after shell exit")
	}
}

func TestSessionRejectsUnknownFrameType(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)
	client, done := runSession(t, session)

	if err := WriteFrame(client, Frame{Type: 'z', Payload: []byte("junk")}); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	err := waitDone(t, done)
	if err == nil || !strings.Contains(err.Error(), "unknown frame type") {
		t.Errorf("expected unknown frame type error, got %v", err)
	}
}

func TestSessionContextCancellation(t *testing.T) {
	shell := newFakeShell()
	session := newTestSession(t, shell)

	client, server := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- session.Run(ctx, server)
	}()

	cancel()
	if err := waitDone(t, done); err == nil {
		t.Error("expected context cancellation to be reported")
	}
}
