package fleet

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sandfleet/internal/logger"
	"sandfleet/internal/provider"
)

// cycleOutcome classifies how a single run cycle ended.
type cycleOutcome int

const (
	// cycleSuccess: the command finished with exit code 0 inside the window.
	cycleSuccess cycleOutcome = iota
	// cycleFailed: the command finished with a nonzero exit code.
	cycleFailed
	// cycleTimedOut: the run window ended with the command still executing.
	// This is the expected steady state for long-running services.
	cycleTimedOut
	// cycleErrored: starting or observing the command failed. Contained
	// within the cycle; the loop proceeds to cooldown.
	cycleErrored
)

func (o cycleOutcome) String() string {
	switch o {
	case cycleSuccess:
		return "success"
	case cycleFailed:
		return "failed"
	case cycleTimedOut:
		return "timed_out_running"
	default:
		return "error"
	}
}

type cycleResult struct {
	outcome  cycleOutcome
	exitCode int
	err      error
}

// sessionCloseTimeout bounds teardown so a wedged provider cannot stall
// the loop's cooldown indefinitely.
const sessionCloseTimeout = 30 * time.Second

// runCycle starts the workload inside the session, waits up to a randomly
// drawn run duration for natural completion and classifies the outcome.
// The session is released on every path, whether or not the command is
// still running inside it.
func (l *Loop) runCycle(ctx context.Context, sess provider.Session) cycleResult {
	log := logger.FromContext(ctx, l.log).With("session", sess.ID())

	cycleID := uuid.NewString()
	tracer := otel.Tracer("fleet")
	ctx, span := tracer.Start(ctx, "run_cycle",
		trace.WithAttributes(
			attribute.String("cycle.id", cycleID),
			attribute.String("session.id", sess.ID()),
			attribute.String("fleet.credential", maskCredential(l.credential)),
		),
	)
	defer span.End()

	defer func() {
		// Teardown runs on its own context: the cycle context may already
		// have expired, and release must still happen.
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionCloseTimeout)
		defer cancel()
		if err := sess.Close(closeCtx); err != nil {
			log.Error("failed to release session", "error", err)
		}
	}()

	runFor := durationBetween(l.rng, l.config.Timing.RunTimeMin, l.config.Timing.RunTimeMax)
	log.Info("launching command", "run_for", runFor, "cycle", cycleID)

	handle, err := sess.RunBackground(ctx, l.config.Command)
	if err != nil {
		span.RecordError(err)
		log.Error("failed to start command", "error", err)
		result := cycleResult{outcome: cycleErrored, exitCode: -1, err: err}
		l.finishCycle(ctx, span, result)
		return result
	}

	waitCtx, cancel := context.WithTimeout(ctx, runFor)
	defer cancel()

	res, err := handle.Wait(waitCtx)

	var result cycleResult
	switch {
	case err == nil && res.ExitCode == 0:
		result = cycleResult{outcome: cycleSuccess, exitCode: 0}
		log.Info("command completed successfully",
			"stdout", preview(res.Stdout),
			"stderr", preview(res.Stderr))

	case err == nil:
		result = cycleResult{outcome: cycleFailed, exitCode: res.ExitCode}
		log.Warn("command failed",
			"exit_code", res.ExitCode,
			"stdout", preview(res.Stdout),
			"stderr", preview(res.Stderr))

	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		result = cycleResult{outcome: cycleTimedOut, exitCode: -1}
		log.Info("run window ended, command still running - this is expected for long-running services",
			"run_for", runFor)

	default:
		span.RecordError(err)
		result = cycleResult{outcome: cycleErrored, exitCode: -1, err: err}
		log.Error("error while observing command", "error", err)
	}

	l.finishCycle(ctx, span, result)
	return result
}

func (l *Loop) finishCycle(ctx context.Context, span trace.Span, result cycleResult) {
	span.SetAttributes(
		attribute.String("cycle.outcome", result.outcome.String()),
		attribute.Int("cycle.exit_code", result.exitCode),
	)
	l.metrics.recordCycle(ctx, result.outcome)
}
