package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the orchestrator's instruments.
type Metrics struct {
	TurnDuration        metric.Float64Histogram
	ActiveTurns         metric.Int64UpDownCounter
	TokensUsed          metric.Int64Counter
	PermissionDecisions metric.Int64Counter
	PermissionWait      metric.Float64Histogram
	BroadcastEvictions  metric.Int64Counter
	HandoffsQueued      metric.Int64Counter
}

// NewMetrics creates every instrument from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TurnDuration, err = meter.Float64Histogram("agentdeck.turn.duration",
		metric.WithDescription("Agent turn duration from prompt to result"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.ActiveTurns, err = meter.Int64UpDownCounter("agentdeck.turn.active",
		metric.WithDescription("Turns currently in flight"),
	); err != nil {
		return nil, err
	}
	if m.TokensUsed, err = meter.Int64Counter("agentdeck.turn.tokens",
		metric.WithDescription("Tokens reported by finished turns"),
	); err != nil {
		return nil, err
	}
	if m.PermissionDecisions, err = meter.Int64Counter("agentdeck.permission.decisions",
		metric.WithDescription("Permission outcomes by result"),
	); err != nil {
		return nil, err
	}
	if m.PermissionWait, err = meter.Float64Histogram("agentdeck.permission.wait",
		metric.WithDescription("Time a permission request spent waiting on a human"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.BroadcastEvictions, err = meter.Int64Counter("agentdeck.broadcast.evictions",
		metric.WithDescription("Subscribers dropped for falling behind"),
	); err != nil {
		return nil, err
	}
	if m.HandoffsQueued, err = meter.Int64Counter("agentdeck.handoff.queued",
		metric.WithDescription("Handoff messages written to a durable queue"),
	); err != nil {
		return nil, err
	}
	return m, nil
}
