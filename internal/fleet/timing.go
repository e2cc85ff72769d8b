// Package fleet manages the lifecycle of credential-bound worker sessions:
// retry-backoff connection, timed run cycles, per-credential loops and the
// staggered fleet supervisor.
package fleet

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MaxConnectionAttempts is the connection retry budget per connect call.
// Exhausting it abandons the credential permanently.
const MaxConnectionAttempts = 10

const (
	// Cooldown bounds between failed connection attempts.
	failCooldownMin = 60 * time.Second
	failCooldownMax = 250 * time.Second

	// Grace period bounds between successive loop launches.
	staggerMin = 30 * time.Second
	staggerMax = 45 * time.Second

	// Captured output is reported truncated to this many bytes.
	outputPreviewLimit = 500
)

// Timing holds the randomized duration bounds for the run and cooldown
// phases of every cycle.
type Timing struct {
	RunTimeMin  time.Duration
	RunTimeMax  time.Duration
	DowntimeMin time.Duration
	DowntimeMax time.Duration
}

// Validate checks the bounds. A failed validation is fatal before any loop
// is launched.
func (t Timing) Validate() error {
	if t.RunTimeMin < 0 || t.DowntimeMin < 0 {
		return fmt.Errorf("timing bounds must not be negative")
	}
	if t.RunTimeMin > t.RunTimeMax {
		return fmt.Errorf("run time min (%v) cannot be greater than max (%v)", t.RunTimeMin, t.RunTimeMax)
	}
	if t.DowntimeMin > t.DowntimeMax {
		return fmt.Errorf("downtime min (%v) cannot be greater than max (%v)", t.DowntimeMin, t.DowntimeMax)
	}
	return nil
}

// Sleeper suspends the caller for the given duration, honoring context
// cancellation. Injectable so tests can record and skip real sleeps.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// durationBetween draws uniformly from [min, max] inclusive at whole-second
// granularity, matching the second-based bounds of the configuration. The
// whole-second range is [ceil(min), floor(max)] so a draw never leaves the
// requested bounds; when no whole second fits, the draw falls back to
// nanosecond granularity.
func durationBetween(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	lo := int64((min + time.Second - 1) / time.Second)
	hi := int64(max / time.Second)
	if hi >= lo {
		return time.Duration(lo+rng.Int64N(hi-lo+1)) * time.Second
	}
	return min + time.Duration(rng.Int64N(int64(max-min)+1))
}

// maskCredential keeps only the last few characters of a secret for logs.
func maskCredential(credential string) string {
	const visible = 6
	if len(credential) <= visible {
		return "…" + credential
	}
	return "…" + credential[len(credential)-visible:]
}

// preview bounds captured output for reporting.
func preview(s string) string {
	if len(s) <= outputPreviewLimit {
		return s
	}
	return s[:outputPreviewLimit] + "..."
}

func defaultRand() *rand.Rand {
	return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
}
