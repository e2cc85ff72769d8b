package fleet

import (
	"context"
	"errors"
	"testing"
	"time"

	"sandfleet/internal/provider"
)

var errConnectionRefused = errors.New("connection refused")

func newTestConnector(p provider.Provider, sleep Sleeper) *connector {
	return newTestSupervisor(p, Config{Command: "echo", Timing: steadyTiming()}, sleep).
		newLoop(0, "ignored").connector
}

func TestConnect_SucceedsFirstAttempt(t *testing.T) {
	fp := &fakeProvider{}
	sleeper := &recordingSleeper{}
	c := newTestConnector(fp, sleeper.sleep)

	sess, err := c.connect(context.Background(), "sk-credential")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session")
	}
	if len(fp.calls()) != 1 {
		t.Errorf("expected 1 attempt, got %d", len(fp.calls()))
	}
	if len(sleeper.recorded()) != 0 {
		t.Errorf("expected no cooldowns, got %d", len(sleeper.recorded()))
	}
}

func TestConnect_AbandonsAfterExactlyTenAttempts(t *testing.T) {
	fp := &fakeProvider{
		ConnectFunc: func(ctx context.Context, credential string) (provider.Session, error) {
			return nil, errConnectionRefused
		},
	}
	sleeper := &recordingSleeper{}
	c := newTestConnector(fp, sleeper.sleep)

	sess, err := c.connect(context.Background(), "sk-credential")
	if !errors.Is(err, ErrAbandoned) {
		t.Fatalf("expected ErrAbandoned, got %v", err)
	}
	if sess != nil {
		t.Error("expected no session on abandonment")
	}

	if got := len(fp.calls()); got != MaxConnectionAttempts {
		t.Errorf("expected exactly %d attempts, got %d", MaxConnectionAttempts, got)
	}

	// 9 intervening cooldowns, each within [60, 250] seconds.
	cooldowns := sleeper.recorded()
	if len(cooldowns) != MaxConnectionAttempts-1 {
		t.Fatalf("expected %d cooldowns, got %d", MaxConnectionAttempts-1, len(cooldowns))
	}
	for i, d := range cooldowns {
		if d < 60*time.Second || d > 250*time.Second {
			t.Errorf("cooldown %d out of [60s, 250s]: %v", i, d)
		}
	}
}

func TestConnect_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	fp := &fakeProvider{
		ConnectFunc: func(ctx context.Context, credential string) (provider.Session, error) {
			attempts++
			if attempts <= 3 {
				return nil, errConnectionRefused
			}
			return newFakeSession("sess-0"), nil
		},
	}
	sleeper := &recordingSleeper{}
	c := newTestConnector(fp, sleeper.sleep)

	sess, err := c.connect(context.Background(), "sk-credential")
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session")
	}
	if attempts != 4 {
		t.Errorf("expected success on attempt 4, got %d attempts", attempts)
	}
	if len(sleeper.recorded()) != 3 {
		t.Errorf("expected 3 cooldowns, got %d", len(sleeper.recorded()))
	}
}

func TestConnect_FreshBudgetPerCall(t *testing.T) {
	// Fails 9 times, then succeeds: one attempt short of abandonment.
	attempts := 0
	fp := &fakeProvider{
		ConnectFunc: func(ctx context.Context, credential string) (provider.Session, error) {
			attempts++
			if attempts%MaxConnectionAttempts == 0 {
				return newFakeSession("sess-0"), nil
			}
			return nil, errConnectionRefused
		},
	}
	sleeper := &recordingSleeper{}
	c := newTestConnector(fp, sleeper.sleep)

	// The attempt counter resets between calls, so both calls succeed
	// instead of the second inheriting the first call's spent budget.
	for call := 0; call < 2; call++ {
		if _, err := c.connect(context.Background(), "sk-credential"); err != nil {
			t.Fatalf("call %d failed: %v", call, err)
		}
	}
	if attempts != 2*MaxConnectionAttempts {
		t.Errorf("expected %d total attempts, got %d", 2*MaxConnectionAttempts, attempts)
	}
}

func TestConnect_CancelledBeforeAttempt(t *testing.T) {
	fp := &fakeProvider{}
	sleeper := &recordingSleeper{}
	c := newTestConnector(fp, sleeper.sleep)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.connect(ctx, "sk-credential")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fp.calls()) != 0 {
		t.Errorf("expected no attempts after cancellation, got %d", len(fp.calls()))
	}
}

func TestConnect_CancelledDuringCooldown(t *testing.T) {
	fp := &fakeProvider{
		ConnectFunc: func(ctx context.Context, credential string) (provider.Session, error) {
			return nil, errConnectionRefused
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancellingSleep := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	c := newTestConnector(fp, cancellingSleep)

	_, err := c.connect(ctx, "sk-credential")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := len(fp.calls()); got != 1 {
		t.Errorf("expected 1 attempt before interrupted cooldown, got %d", got)
	}
}
