package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentrelay"

// Metrics holds the engine's metric instruments. A nil *Metrics records nothing.
type Metrics struct {
	Claims            metric.Int64Counter
	ClaimConflicts    metric.Int64Counter
	TasksStaleFailed  metric.Int64Counter
	Requeues          metric.Int64Counter
	MessagesDelivered metric.Int64Counter
	ForkFilesCopied   metric.Int64Counter
	SweepDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Claims, err = meter.Int64Counter("agentrelay.queue.claims",
		metric.WithDescription("Queue messages claimed for processing"))
	if err != nil {
		return nil, err
	}

	m.ClaimConflicts, err = meter.Int64Counter("agentrelay.queue.claim_conflicts",
		metric.WithDescription("Claim attempts lost to another worker"))
	if err != nil {
		return nil, err
	}

	m.TasksStaleFailed, err = meter.Int64Counter("agentrelay.tasks.stale_failed",
		metric.WithDescription("Running tasks failed by the stale sweep"))
	if err != nil {
		return nil, err
	}

	m.Requeues, err = meter.Int64Counter("agentrelay.queue.requeues",
		metric.WithDescription("Queue messages returned to pending by compensation"))
	if err != nil {
		return nil, err
	}

	m.MessagesDelivered, err = meter.Int64Counter("agentrelay.messages.delivered",
		metric.WithDescription("Task messages delivered to the IM layer"))
	if err != nil {
		return nil, err
	}

	m.ForkFilesCopied, err = meter.Int64Counter("agentrelay.fork.files_copied",
		metric.WithDescription("Files copied into fork projects"))
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("agentrelay.compensation.duration_seconds",
		metric.WithDescription("Compensation cycle duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

func orgAttr(org string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("organization_code", org))
}

// RecordClaim counts a successful claim.
func (m *Metrics) RecordClaim(ctx context.Context, org string) {
	if m == nil {
		return
	}
	m.Claims.Add(ctx, 1, orgAttr(org))
}

// RecordClaimConflict counts a lost claim race.
func (m *Metrics) RecordClaimConflict(ctx context.Context, org string) {
	if m == nil {
		return
	}
	m.ClaimConflicts.Add(ctx, 1, orgAttr(org))
}

// RecordStaleFailed counts tasks flipped to error by the stale sweep.
func (m *Metrics) RecordStaleFailed(ctx context.Context, org string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.TasksStaleFailed.Add(ctx, n, orgAttr(org))
}

// RecordRequeue counts a compensation requeue.
func (m *Metrics) RecordRequeue(ctx context.Context, org string) {
	if m == nil {
		return
	}
	m.Requeues.Add(ctx, 1, orgAttr(org))
}

// RecordDelivered counts a task message handed to the IM layer.
func (m *Metrics) RecordDelivered(ctx context.Context, org string) {
	if m == nil {
		return
	}
	m.MessagesDelivered.Add(ctx, 1, orgAttr(org))
}

// RecordForkCopied counts files copied into a fork.
func (m *Metrics) RecordForkCopied(ctx context.Context, org string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ForkFilesCopied.Add(ctx, int64(n), orgAttr(org))
}

// RecordSweep records the duration of one compensation cycle.
func (m *Metrics) RecordSweep(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.SweepDuration.Record(ctx, seconds)
}
