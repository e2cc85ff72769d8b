package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"

	"sandfleet/internal/provider"
)

// Config holds the per-fleet workload and timing settings. The supervisor
// treats it as immutable after launch.
type Config struct {
	// Command is the shell command launched inside every session.
	Command string

	// Timing bounds the randomized run and cooldown durations.
	Timing Timing
}

// Supervisor launches one lifecycle loop per unique credential, staggered
// by a random grace period, and supervises them until shutdown.
type Supervisor struct {
	provider provider.Provider
	config   Config
	log      *slog.Logger
	metrics  *metrics

	// sleep and newRand are injectable for deterministic tests.
	sleep   Sleeper
	newRand func() *rand.Rand
}

// New creates a fleet supervisor.
func New(p provider.Provider, cfg Config, log *slog.Logger) (*Supervisor, error) {
	if log == nil {
		log = slog.Default()
	}

	m, err := newMetrics()
	if err != nil {
		return nil, err
	}

	return &Supervisor{
		provider: p,
		config:   cfg,
		log:      log,
		metrics:  m,
		sleep:    sleepContext,
		newRand:  defaultRand,
	}, nil
}

// Run validates the configuration, deduplicates the credential list
// preserving first-seen order and launches one loop per credential with a
// random grace period between launches. It blocks until every loop has
// stopped: normally only on context cancellation, since loops run forever
// unless their credential is abandoned.
func (s *Supervisor) Run(ctx context.Context, credentials []string) error {
	if err := s.config.Timing.Validate(); err != nil {
		return err
	}

	roster := dedupe(credentials)
	if len(roster) == 0 {
		return fmt.Errorf("no credentials to launch")
	}

	s.log.Info("launching fleet", "credentials", len(roster))

	rng := s.newRand()
	var wg sync.WaitGroup

	for i, credential := range roster {
		if i > 0 {
			grace := durationBetween(rng, staggerMin, staggerMax)
			s.log.Info("grace period before next launch", "grace", grace, "next", i)
			if err := s.sleep(ctx, grace); err != nil {
				// Interrupted mid-stagger: stop launching, let the loops
				// already running wind down.
				break
			}
		}

		loop := s.newLoop(i, credential)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = loop.Run(ctx)
		}()
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		s.log.Info("fleet interrupted, shutting down")
		return err
	}
	s.log.Info("all lifecycle loops have terminated")
	return nil
}

func (s *Supervisor) newLoop(idx int, credential string) *Loop {
	// The loop tag reaches log records through the context set up in
	// Loop.Run, not through a pre-tagged logger.
	tag := fmt.Sprintf("sbx-%d", idx)
	rng := s.newRand()
	log := s.log

	return &Loop{
		tag:        tag,
		credential: credential,
		config:     s.config,
		rng:        rng,
		sleep:      s.sleep,
		log:        log,
		metrics:    s.metrics,
		connector: &connector{
			provider: s.provider,
			rng:      rng,
			sleep:    s.sleep,
			log:      log,
			metrics:  s.metrics,
		},
	}
}

// dedupe collapses duplicate credentials, preserving first-seen order.
func dedupe(credentials []string) []string {
	seen := make(map[string]struct{}, len(credentials))
	var unique []string
	for _, c := range credentials {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		unique = append(unique, c)
	}
	return unique
}
