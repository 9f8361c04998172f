package shared

import (
	"context"
	"strings"
	"testing"
)

func TestContextIDs(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "-" || ClientID(ctx) != "" {
		t.Fatal("expected empty defaults")
	}
	ctx = WithTraceID(ctx, "t1")
	ctx = WithClientID(ctx, "c1")
	if TraceID(ctx) != "t1" || ClientID(ctx) != "c1" {
		t.Fatalf("ids = %s %s", TraceID(ctx), ClientID(ctx))
	}
}

func TestNewIDs(t *testing.T) {
	if a, b := NewTraceID(), NewTraceID(); a == b || a == "" {
		t.Fatalf("trace ids not unique: %q %q", a, b)
	}
	if id := NewClientID(); !strings.HasPrefix(id, "client-") {
		t.Fatalf("client id = %q", id)
	}
}
