package fleet

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"sandfleet/internal/logger"
)

// Loop cycles one credential through {connect, run, cooldown} forever.
// It terminates only when the connector abandons the credential or the
// context is cancelled.
type Loop struct {
	tag        string
	credential string
	config     Config

	connector *connector
	rng       *rand.Rand
	sleep     Sleeper
	log       *slog.Logger
	metrics   *metrics
}

// Run executes the lifecycle until abandonment or cancellation. It returns
// nil when the credential is abandoned and the context error on shutdown.
func (l *Loop) Run(ctx context.Context) error {
	ctx = logger.WithLoopTag(ctx, l.tag)
	log := logger.FromContext(ctx, l.log)

	for {
		sess, err := l.connector.connect(ctx, l.credential)
		if errors.Is(err, ErrAbandoned) {
			log.Warn("abandoning credential",
				"credential", maskCredential(l.credential),
				"attempts", MaxConnectionAttempts)
			l.metrics.abandonedCredentials.Add(ctx, 1)
			return nil
		}
		if err != nil {
			return err
		}

		l.runCycle(ctx, sess)

		if err := ctx.Err(); err != nil {
			return err
		}

		downtime := durationBetween(l.rng, l.config.Timing.DowntimeMin, l.config.Timing.DowntimeMax)
		log.Info("in cooldown", "downtime", downtime)
		if err := l.sleep(ctx, downtime); err != nil {
			return err
		}
	}
}
