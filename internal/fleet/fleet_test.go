package fleet

import (
	"context"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"sandfleet/internal/provider"
)

// fakeProvider implements provider.Provider for testing.
type fakeProvider struct {
	mu sync.Mutex

	// ConnectFunc allows customizing Connect behavior per test.
	ConnectFunc func(ctx context.Context, credential string) (provider.Session, error)

	// ConnectCalls records the credential of every Connect invocation.
	ConnectCalls []string
}

func (p *fakeProvider) Connect(ctx context.Context, credential string) (provider.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, credential)
	p.mu.Unlock()

	if p.ConnectFunc != nil {
		return p.ConnectFunc(ctx, credential)
	}
	return newFakeSession("sess-0"), nil
}

func (p *fakeProvider) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ConnectCalls...)
}

// fakeSession implements provider.Session for testing.
type fakeSession struct {
	id string

	// RunFunc allows customizing RunBackground behavior per test.
	RunFunc func(ctx context.Context, command string) (provider.Handle, error)

	mu         sync.Mutex
	closeCalls int
	runCalls   []string
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) RunBackground(ctx context.Context, command string) (provider.Handle, error) {
	s.mu.Lock()
	s.runCalls = append(s.runCalls, command)
	s.mu.Unlock()

	if s.RunFunc != nil {
		return s.RunFunc(ctx, command)
	}
	return &fakeHandle{}, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

func (s *fakeSession) closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

// fakeHandle implements provider.Handle for testing. The zero value
// reports immediate completion with exit code 0.
type fakeHandle struct {
	WaitFunc func(ctx context.Context) (provider.ExitResult, error)
}

func (h *fakeHandle) Wait(ctx context.Context) (provider.ExitResult, error) {
	if h.WaitFunc != nil {
		return h.WaitFunc(ctx)
	}
	return provider.ExitResult{ExitCode: 0}, nil
}

// neverFinishes is a WaitFunc for commands that outlive every run window.
func neverFinishes(ctx context.Context) (provider.ExitResult, error) {
	<-ctx.Done()
	return provider.ExitResult{ExitCode: -1}, ctx.Err()
}

// recordingSleeper skips real sleeps and records the requested durations.
type recordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.sleeps = append(r.sleeps, d)
	r.mu.Unlock()
	return nil
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.sleeps...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRand() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

// newTestSupervisor builds a supervisor with deterministic timing plumbing.
func newTestSupervisor(p provider.Provider, cfg Config, sleep Sleeper) *Supervisor {
	s, err := New(p, cfg, testLogger())
	if err != nil {
		panic(err)
	}
	s.sleep = sleep
	s.newRand = testRand
	return s
}

// newTestLoop builds a single lifecycle loop with deterministic plumbing.
func newTestLoop(p provider.Provider, cfg Config, sleep Sleeper) *Loop {
	return newTestSupervisor(p, cfg, sleep).newLoop(0, "sk-test-credential")
}

func steadyTiming() Timing {
	return Timing{
		RunTimeMin:  5 * time.Second,
		RunTimeMax:  5 * time.Second,
		DowntimeMin: 1 * time.Second,
		DowntimeMax: 1 * time.Second,
	}
}
