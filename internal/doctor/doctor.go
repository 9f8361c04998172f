// Package doctor runs local diagnostics before or alongside the daemon.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/persistence"
	"github.com/basket/agentdeck/internal/retention"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAuthToken,
		checkPermissions,
		checkDatabase,
		checkExecutor,
		checkRetention,
		checkListener,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "No config.yaml; running on defaults", Detail: config.ConfigPath(cfg.HomeDir)}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkAuthToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Auth Token", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.AuthToken == "" {
		return CheckResult{
			Name:    "Auth Token",
			Status:  StatusWarn,
			Message: "No auth token configured",
			Detail:  "One is generated on first start; run `agentdeck token` to create it now",
		}
	}
	if len(cfg.AuthToken) < 16 {
		return CheckResult{Name: "Auth Token", Status: StatusWarn, Message: "Auth token is shorter than 16 characters"}
	}
	return CheckResult{Name: "Auth Token", Status: StatusPass, Message: "Auth token configured"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	backend, err := persistence.OpenSQLite(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	store := persistence.NewStore(backend)
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Ping failed: %v", err)}
	}
	sessions, err := store.ListSessions(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Connection valid, %d sessions stored", len(sessions)),
		Detail:  cfg.DBPath,
	}
}

func checkExecutor(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Executor", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Executor.Kind {
	case config.ExecutorEcho:
		return CheckResult{Name: "Executor", Status: StatusWarn, Message: "Echo executor selected; no agent runtime will run"}
	case config.ExecutorStdio:
		path, err := exec.LookPath(cfg.Executor.Command)
		if err != nil {
			return CheckResult{Name: "Executor", Status: StatusFail, Message: fmt.Sprintf("Runtime %q not found", cfg.Executor.Command), Detail: err.Error()}
		}
		return CheckResult{Name: "Executor", Status: StatusPass, Message: "Runtime found", Detail: path}
	}
	return CheckResult{Name: "Executor", Status: StatusFail, Message: fmt.Sprintf("Unknown executor kind %q", cfg.Executor.Kind)}
}

func checkRetention(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Retention", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Retention.Schedule == "" {
		return CheckResult{Name: "Retention", Status: StatusPass, Message: "Retention job disabled"}
	}
	next, err := retention.NextRunTime(cfg.Retention.Schedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Retention", Status: StatusFail, Message: fmt.Sprintf("Invalid schedule %q", cfg.Retention.Schedule), Detail: err.Error()}
	}
	return CheckResult{
		Name:    "Retention",
		Status:  StatusPass,
		Message: fmt.Sprintf("Next sweep at %s", next.Format(time.RFC3339)),
		Detail:  fmt.Sprintf("history_keep=%d", cfg.Retention.HistoryKeep),
	}
}

// checkListener reports whether bind_addr is free. An occupied port is only
// a warning since the daemon itself may be the one holding it.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return CheckResult{Name: "Listener", Status: StatusWarn, Message: fmt.Sprintf("%s is in use (daemon running?)", cfg.BindAddr)}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr), Detail: err.Error()}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is available", cfg.BindAddr)}
}
