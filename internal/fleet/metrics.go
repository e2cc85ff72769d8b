package fleet

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the fleet's instruments, registered against the global
// meter provider set up by the observability package.
type metrics struct {
	connectionAttempts   metric.Int64Counter
	connectionFailures   metric.Int64Counter
	abandonedCredentials metric.Int64Counter
	cycles               metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("sandfleet/fleet")

	attempts, err := meter.Int64Counter("fleet_connection_attempts_total",
		metric.WithDescription("Connection attempts made across all credentials"))
	if err != nil {
		return nil, fmt.Errorf("failed to create attempts counter: %w", err)
	}
	failures, err := meter.Int64Counter("fleet_connection_failures_total",
		metric.WithDescription("Failed connection attempts across all credentials"))
	if err != nil {
		return nil, fmt.Errorf("failed to create failures counter: %w", err)
	}
	abandoned, err := meter.Int64Counter("fleet_abandoned_credentials_total",
		metric.WithDescription("Credentials permanently abandoned after exhausting retries"))
	if err != nil {
		return nil, fmt.Errorf("failed to create abandoned counter: %w", err)
	}
	cycles, err := meter.Int64Counter("fleet_cycles_total",
		metric.WithDescription("Completed run cycles by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create cycles counter: %w", err)
	}

	return &metrics{
		connectionAttempts:   attempts,
		connectionFailures:   failures,
		abandonedCredentials: abandoned,
		cycles:               cycles,
	}, nil
}

func (m *metrics) recordCycle(ctx context.Context, outcome cycleOutcome) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome.String())))
}
