package otel

import (
	"context"
	"testing"
)

func TestInit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"disabled", Config{}, false},
		{"none exporter", Config{Enabled: true, Exporter: "none"}, false},
		{"custom service and rate", Config{Enabled: true, Exporter: "none", ServiceName: "deck-test", SampleRate: 0.5}, false},
		{"out of range rate", Config{Enabled: true, Exporter: "none", SampleRate: 7}, false},
		{"unknown exporter", Config{Enabled: true, Exporter: "carrier-pigeon"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Init(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.Tracer == nil || p.Meter == nil {
				t.Fatal("provider missing tracer or meter")
			}
		})
	}
}

func TestNilProviderShutdown(t *testing.T) {
	var p *Provider
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown on nil provider: %v", err)
	}
}

func TestNewMetrics(t *testing.T) {
	for name, p := range map[string]*Provider{"noop": Noop(), "sdk": mustInit(t)} {
		t.Run(name, func(t *testing.T) {
			m, err := NewMetrics(p.Meter)
			if err != nil {
				t.Fatalf("NewMetrics: %v", err)
			}
			if m.TurnDuration == nil || m.ActiveTurns == nil || m.TokensUsed == nil ||
				m.PermissionDecisions == nil || m.PermissionWait == nil ||
				m.BroadcastEvictions == nil || m.HandoffsQueued == nil {
				t.Fatalf("instrument missing: %+v", m)
			}
			m.ActiveTurns.Add(context.Background(), 1)
			m.PermissionDecisions.Add(context.Background(), 1)
		})
	}
}

func TestSpanHelpers(t *testing.T) {
	p := mustInit(t)
	_, span := StartSpan(context.Background(), p.Tracer, "session.turn",
		AttrSessionID.String("6f1d"),
		AttrFork.Bool(false),
	)
	span.End()
	_, span = StartServerSpan(context.Background(), p.Tracer, "gateway.frame", AttrFrameType.String("send_message"))
	span.End()
}

func mustInit(t *testing.T) *Provider {
	t.Helper()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}
