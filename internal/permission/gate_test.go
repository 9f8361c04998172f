package permission

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGate_ResolveAllow(t *testing.T) {
	g := NewGate()
	p, err := g.Register(Request{ID: "toolu_1", ToolName: "Bash", Pattern: "Bash(npm test)"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	edited := json.RawMessage(`{"command":"npm test -- --ci"}`)

	done := make(chan Decision, 1)
	go func() {
		d, err := p.Wait(context.Background())
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- d
	}()

	if _, err := g.Resolve("toolu_1", Allow(edited)); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	select {
	case d := <-done:
		if d.Behavior != BehaviorAllow || string(d.UpdatedInput) != string(edited) {
			t.Fatalf("decision = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decision")
	}
	if g.Len() != 0 {
		t.Fatalf("pending after resolve = %d", g.Len())
	}
	if _, err := g.Resolve("toolu_1", Deny("")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Resolve err = %v, want ErrNotFound", err)
	}
}

func TestGate_DenyWrapsMessage(t *testing.T) {
	d := Deny("use the staging db")
	if d.Behavior != BehaviorDeny {
		t.Fatalf("behavior = %q", d.Behavior)
	}
	if !strings.HasPrefix(d.Message, DenyPrefix) || !strings.Contains(d.Message, "use the staging db") {
		t.Fatalf("message = %q", d.Message)
	}
	if Deny("").Message != DenyPrefix {
		t.Fatalf("empty deny message = %q", Deny("").Message)
	}
}

func TestGate_CancelAllRejectsEveryRequest(t *testing.T) {
	g := NewGate()
	var handles []*Pending
	for _, id := range []string{"a", "b", "c"} {
		p, err := g.Register(Request{ID: id, ToolName: "Bash"})
		if err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
		handles = append(handles, p)
	}

	cancelled := g.CancelAll()
	if len(cancelled) != 3 || cancelled[0].ID != "a" || cancelled[2].ID != "c" {
		t.Fatalf("cancelled = %+v", cancelled)
	}
	if g.Len() != 0 || len(g.List()) != 0 {
		t.Fatal("pending map not cleared")
	}
	for _, p := range handles {
		if _, err := p.Wait(context.Background()); !errors.Is(err, ErrCancelled) {
			t.Fatalf("Wait(%s) err = %v, want ErrCancelled", p.ID, err)
		}
	}
}

func TestGate_DuplicateAndOrder(t *testing.T) {
	g := NewGate()
	if _, err := g.Register(Request{ID: "x"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := g.Register(Request{ID: "x"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := g.Register(Request{ID: ""}); err == nil {
		t.Fatal("expected error for empty id")
	}
	_, _ = g.Register(Request{ID: "y"})
	list := g.List()
	if len(list) != 2 || list[0].ID != "x" || list[1].ID != "y" {
		t.Fatalf("List = %+v", list)
	}
	if list[0].CreatedAt.IsZero() {
		t.Fatal("CreatedAt not stamped")
	}
}

func TestPending_WaitContextWithdraws(t *testing.T) {
	g := NewGate()
	p, _ := g.Register(Request{ID: "gone"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v", err)
	}
	if g.Len() != 0 {
		t.Fatal("withdrawn request still pending")
	}
}

func TestParseBehavior(t *testing.T) {
	for in, want := range map[string]Behavior{"allow": BehaviorAllow, " DENY ": BehaviorDeny} {
		got, err := ParseBehavior(in)
		if err != nil || got != want {
			t.Errorf("ParseBehavior(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseBehavior("maybe"); err == nil {
		t.Error("expected error")
	}
}
