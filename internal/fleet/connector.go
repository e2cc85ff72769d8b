package fleet

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"sandfleet/internal/logger"
	"sandfleet/internal/provider"
)

// ErrAbandoned is returned when a credential has exhausted its connection
// retry budget. It is terminal: the caller must stop using the credential
// for the remainder of the process lifetime.
var ErrAbandoned = errors.New("credential abandoned after exhausting connection attempts")

// connector wraps session creation with bounded retries and a randomized
// cooldown between failed attempts. Each connect call starts a fresh
// retry budget.
type connector struct {
	provider provider.Provider
	rng      *rand.Rand
	sleep    Sleeper
	log      *slog.Logger
	metrics  *metrics
}

// connect attempts to establish a session for the credential, up to
// MaxConnectionAttempts times. It returns ErrAbandoned on exhaustion and
// the context error if cancelled mid-attempt or mid-cooldown.
func (c *connector) connect(ctx context.Context, credential string) (provider.Session, error) {
	masked := maskCredential(credential)
	log := logger.FromContext(ctx, c.log)

	for attempt := 1; attempt <= MaxConnectionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		log.Info("attempting to start session",
			"credential", masked,
			"attempt", attempt,
			"max_attempts", MaxConnectionAttempts)
		c.metrics.connectionAttempts.Add(ctx, 1)

		sess, err := c.provider.Connect(ctx, credential)
		if err == nil {
			log.Info("session started", "session", sess.ID(), "attempt", attempt)
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.metrics.connectionFailures.Add(ctx, 1)
		log.Error("connection attempt failed",
			"credential", masked,
			"attempt", attempt,
			"error", err)

		if attempt < MaxConnectionAttempts {
			cooldown := durationBetween(c.rng, failCooldownMin, failCooldownMax)
			log.Info("cooling down before retry", "credential", masked, "cooldown", cooldown)
			if err := c.sleep(ctx, cooldown); err != nil {
				return nil, err
			}
		}
	}

	return nil, ErrAbandoned
}
