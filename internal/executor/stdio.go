package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/basket/agentdeck/internal/permission"
	"github.com/basket/agentdeck/internal/shared"
)

const (
	defaultAbortGrace = 10 * time.Second
	maxFrameBytes     = 8 << 20
)

// StdioConfig describes the agent runtime binary. One process runs per turn.
type StdioConfig struct {
	Command    string
	Args       []string
	Env        map[string]string
	AbortGrace time.Duration
	Logger     *slog.Logger
}

// Stdio runs each turn as a subprocess exchanging newline-delimited JSON.
//
// To the runtime: one `start` frame, then `permission_response` frames and
// at most one `interrupt`. From the runtime: Event frames plus
// `permission_request` frames that are routed to the turn's AuthorizeFunc.
type Stdio struct {
	cfg StdioConfig
}

func NewStdio(cfg StdioConfig) *Stdio {
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = defaultAbortGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stdio{cfg: cfg}
}

type startFrame struct {
	Type           string `json:"type"`
	Prompt         string `json:"prompt"`
	Cwd            string `json:"cwd"`
	Resume         string `json:"resume,omitempty"`
	Fork           bool   `json:"fork_session,omitempty"`
	PermissionMode string `json:"permission_mode,omitempty"`
}

type permissionRequestFrame struct {
	RequestID string          `json:"request_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input"`
}

type permissionResponseFrame struct {
	Type         string          `json:"type"`
	RequestID    string          `json:"request_id"`
	Behavior     string          `json:"behavior"`
	UpdatedInput json.RawMessage `json:"updated_input,omitempty"`
	Message      string          `json:"message,omitempty"`
	Interrupt    bool            `json:"interrupt,omitempty"`
}

func (s *Stdio) Start(ctx context.Context, req TurnRequest) (Turn, error) {
	if s.cfg.Command == "" {
		return nil, fmt.Errorf("executor command not configured")
	}
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = req.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, os.ExpandEnv(v)))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start executor %q: %w", s.cfg.Command, err)
	}

	turnCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &stdioTurn{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 64),
		ctx:    turnCtx,
		cancel: cancel,
		exited: make(chan struct{}),
		req:    req,
		grace:  s.cfg.AbortGrace,
		logger: s.cfg.Logger.With("session_id", req.SessionID, "pid", cmd.Process.Pid),
	}

	t.logger.InfoContext(ctx, "executor started",
		"command", s.cfg.Command,
		"args", shared.Redact(strings.Join(s.cfg.Args, " ")),
		"env", redactedEnv(s.cfg.Env),
		"resume", req.ResumeToken != "",
	)

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.logger.Debug("executor stderr", "msg", shared.Redact(scanner.Text()))
		}
	}()

	if err := t.write(startFrame{
		Type:           "start",
		Prompt:         req.Prompt,
		Cwd:            req.WorkingDir,
		Resume:         req.ResumeToken,
		Fork:           req.Fork,
		PermissionMode: req.PermissionMode,
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		cancel()
		return nil, err
	}

	go t.readLoop(stdout)
	return t, nil
}

type stdioTurn struct {
	cmd    *exec.Cmd
	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	req    TurnRequest
	grace  time.Duration
	logger *slog.Logger

	writeMu sync.Mutex
	stdin   io.WriteCloser

	abortOnce sync.Once
	aborted   bool
	exited    chan struct{}
}

func (t *stdioTurn) Events() <-chan Event { return t.events }

func (t *stdioTurn) Abort() {
	t.abortOnce.Do(func() {
		t.writeMu.Lock()
		t.aborted = true
		t.writeMu.Unlock()
		if err := t.write(map[string]string{"type": "interrupt"}); err != nil {
			t.logger.Debug("interrupt frame not delivered", "error", err)
		}
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Signal(os.Interrupt)
		}
		// The runtime gets a grace period to wind down before it is killed.
		time.AfterFunc(t.grace, func() {
			select {
			case <-t.exited:
			default:
				t.logger.Warn("executor ignored interrupt, killing")
				_ = t.cmd.Process.Kill()
			}
		})
		t.cancel()
	})
}

func (t *stdioTurn) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.stdin.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (t *stdioTurn) readLoop(stdout io.Reader) {
	defer close(t.events)
	defer t.cancel()

	sawResult := false
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		switch kind := gjson.GetBytes(line, "type").String(); kind {
		case "permission_request":
			var req permissionRequestFrame
			if err := json.Unmarshal(line, &req); err != nil {
				t.logger.Warn("bad permission_request frame", "error", err)
				continue
			}
			go t.authorize(req)
		case "":
			t.logger.Debug("executor frame without type")
		default:
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				t.logger.Warn("bad executor frame", "type", kind, "error", err)
				continue
			}
			if ev.Kind == EventResult {
				sawResult = true
			}
			t.events <- ev
		}
	}
	scanErr := scanner.Err()
	_ = t.stdin.Close()
	waitErr := t.cmd.Wait()
	close(t.exited)

	t.writeMu.Lock()
	aborted := t.aborted
	t.writeMu.Unlock()
	if sawResult || aborted {
		return
	}
	msg := "executor exited without a result"
	switch {
	case scanErr != nil:
		msg = fmt.Sprintf("read executor output: %v", scanErr)
	case waitErr != nil:
		msg = fmt.Sprintf("executor exited: %v", waitErr)
	}
	t.events <- Event{Kind: EventError, Error: msg}
}

func (t *stdioTurn) authorize(req permissionRequestFrame) {
	resp := permissionResponseFrame{Type: "permission_response", RequestID: req.RequestID}
	if t.req.Authorize == nil {
		resp.Behavior = string(permission.BehaviorDeny)
		resp.Message = permission.DenyMessage("no authorizer configured")
	} else {
		d, err := t.req.Authorize(t.ctx, req.RequestID, req.ToolName, req.Input)
		switch {
		case err == nil:
			resp.Behavior = string(d.Behavior)
			resp.UpdatedInput = d.UpdatedInput
			resp.Message = d.Message
		case errors.Is(err, permission.ErrCancelled), errors.Is(err, context.Canceled):
			resp.Behavior = string(permission.BehaviorDeny)
			resp.Message = "Turn cancelled."
			resp.Interrupt = true
		default:
			resp.Behavior = string(permission.BehaviorDeny)
			resp.Message = permission.DenyMessage(err.Error())
		}
	}
	if err := t.write(resp); err != nil {
		t.logger.Debug("permission response not delivered", "request_id", req.RequestID, "error", err)
	}
}

// redactedEnv renders the configured overrides as sorted KEY=value pairs
// with secret-looking values hidden.
func redactedEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+shared.RedactEnvValue(k, v))
	}
	slices.Sort(out)
	return out
}
