package provider

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// captureLimit bounds the output captured per stream so long-running
// commands cannot grow memory without bound.
const captureLimit = 64 << 10

// ExecProvider implements Provider using raw OS processes.
// Primarily used for development and testing; the credential only labels
// the session, there is nothing to authenticate against locally.
type ExecProvider struct {
	WorkDir string
}

// NewExecProvider creates a process-based provider. Sessions get a scratch
// directory under workDir (a temp-dir default is used when empty).
func NewExecProvider(workDir string) *ExecProvider {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "sandfleet", "sessions")
	}
	return &ExecProvider{WorkDir: workDir}
}

// Connect implements Provider.Connect by allocating a session directory.
func (p *ExecProvider) Connect(ctx context.Context, credential string) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	dir := filepath.Join(p.WorkDir, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	return &execSession{id: id, dir: dir}, nil
}

type execSession struct {
	id  string
	dir string

	mu     sync.Mutex
	closed bool
	procs  []*exec.Cmd
}

func (s *execSession) ID() string {
	return s.id
}

// RunBackground starts `sh -c command` in the session directory.
func (s *execSession) RunBackground(ctx context.Context, command string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session %s is closed", s.id)
	}
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = s.dir
	cmd.Env = append(os.Environ(), "SANDFLEET_SESSION_ID="+s.id)

	stdout := newBoundedBuffer(captureLimit)
	stderr := newBoundedBuffer(captureLimit)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	s.procs = append(s.procs, cmd)

	h := &execHandle{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.done)
	}()

	return h, nil
}

// Close kills any processes still running in the session and removes the
// session directory. Safe to call multiple times.
func (s *execSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	procs := s.procs
	s.procs = nil
	s.mu.Unlock()

	for _, cmd := range procs {
		if cmd.Process != nil && (cmd.ProcessState == nil || !cmd.ProcessState.Exited()) {
			_ = cmd.Process.Kill()
		}
	}

	return os.RemoveAll(s.dir)
}

type execHandle struct {
	cmd     *exec.Cmd
	stdout  *boundedBuffer
	stderr  *boundedBuffer
	done    chan struct{}
	waitErr error
}

func (h *execHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-ctx.Done():
		return ExitResult{ExitCode: -1}, ctx.Err()
	case <-h.done:
	}

	result := ExitResult{
		ExitCode: -1,
		Stdout:   h.stdout.String(),
		Stderr:   h.stderr.String(),
	}
	if h.cmd.ProcessState != nil {
		result.ExitCode = h.cmd.ProcessState.ExitCode()
	}
	if h.waitErr != nil {
		if _, ok := h.waitErr.(*exec.ExitError); !ok {
			return result, h.waitErr
		}
	}
	return result, nil
}

// boundedBuffer keeps the first limit bytes written and drops the rest.
type boundedBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	// Report full length so writers never see a short-write error.
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
