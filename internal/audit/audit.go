// Package audit appends one JSON line per permission outcome to
// <home>/logs/audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/agentdeck/internal/shared"
)

// Decision values written to the log.
const (
	DecisionAutoAllow = "auto_allow"
	DecisionAllow     = "allow"
	DecisionDeny      = "deny"
	DecisionCancel    = "cancel"
)

type entry struct {
	Timestamp        string `json:"timestamp"`
	Decision         string `json:"decision"`
	Tool             string `json:"tool"`
	Reason           string `json:"reason"`
	AllowlistVersion string `json:"allowlist_version"`
	SessionID        string `json:"session_id,omitempty"`
	Subject          string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of human denials since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one outcome. Subject is usually the canonical pattern and is
// redacted before it is written. Without Init, Record only counts.
func Record(decision, tool, reason, allowlistVersion, sessionID, subject string) {
	if decision == DecisionDeny {
		denyCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
		Decision:         decision,
		Tool:             tool,
		Reason:           shared.Redact(reason),
		AllowlistVersion: allowlistVersion,
		SessionID:        sessionID,
		Subject:          shared.Redact(subject),
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
