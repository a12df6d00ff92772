package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const domainScopeName = "github.com/beatline/conductor/domain"

// Counters records orchestration and verification outcomes. Instruments are
// resolved against the global meter provider when NewCounters is called, so
// create one after Init.
type Counters struct {
	sessionsStarted  metric.Int64Counter
	sessionsFinished metric.Int64Counter
	wavesApplied     metric.Int64Counter
	verifications    metric.Int64Counter
}

// NewCounters creates the domain counters.
func NewCounters() *Counters {
	m := Meter(domainScopeName)
	started, _ := m.Int64Counter("conductor.sessions.started",
		metric.WithDescription("Orchestration sessions started"),
	)
	finished, _ := m.Int64Counter("conductor.sessions.finished",
		metric.WithDescription("Orchestration sessions finished, by terminal status"),
	)
	waves, _ := m.Int64Counter("conductor.waves.applied",
		metric.WithDescription("Wave containers created by plan apply"),
	)
	verifications, _ := m.Int64Counter("conductor.verifications",
		metric.WithDescription("Verification attempts, by outcome"),
	)
	return &Counters{
		sessionsStarted:  started,
		sessionsFinished: finished,
		wavesApplied:     waves,
		verifications:    verifications,
	}
}

// SessionStarted counts a new orchestration session.
func (c *Counters) SessionStarted(ctx context.Context) {
	if c == nil {
		return
	}
	c.sessionsStarted.Add(ctx, 1)
}

// SessionFinished counts a session reaching status.
func (c *Counters) SessionFinished(ctx context.Context, status string) {
	if c == nil {
		return
	}
	c.sessionsFinished.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// WavesApplied counts n created wave containers.
func (c *Counters) WavesApplied(ctx context.Context, n int) {
	if c == nil || n == 0 {
		return
	}
	c.wavesApplied.Add(ctx, int64(n))
}

// Verification counts one verification outcome.
func (c *Counters) Verification(ctx context.Context, outcome string) {
	if c == nil {
		return
	}
	c.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
