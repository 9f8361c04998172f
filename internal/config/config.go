// Package config loads the daemon configuration from $AGENTDECK_HOME.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/basket/agentdeck/internal/otel"
)

const (
	ExecutorStdio = "stdio"
	ExecutorEcho  = "echo"
)

// ExecutorConfig selects how turns are run. "stdio" spawns Command per turn;
// "echo" answers in-process and needs no runtime installed.
type ExecutorConfig struct {
	Kind              string            `yaml:"kind"`
	Command           string            `yaml:"command"`
	Args              []string          `yaml:"args"`
	Env               map[string]string `yaml:"env"`
	AbortGraceSeconds int               `yaml:"abort_grace_seconds"`
}

func (e ExecutorConfig) AbortGrace() time.Duration {
	return time.Duration(e.AbortGraceSeconds) * time.Second
}

// RetentionConfig drives the periodic maintenance job.
type RetentionConfig struct {
	// Schedule is a cron spec; "@every 1h" style descriptors are accepted.
	// Empty disables the job.
	Schedule string `yaml:"schedule"`
	// HistoryKeep is how many of the newest messages each session keeps.
	// 0 keeps everything.
	HistoryKeep int `yaml:"history_keep"`
	// HandoffStaleHours flags queued handoffs older than this in the log.
	HandoffStaleHours int `yaml:"handoff_stale_hours"`
}

type GatewayConfig struct {
	FramesPerMinute int `yaml:"frames_per_minute"`
	FrameBurst      int `yaml:"frame_burst"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins lists host patterns accepted in browser Origin headers.
	// Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	DBPath string `yaml:"db_path"`

	// HistoryLimit bounds the in-memory message window per loaded session.
	HistoryLimit int `yaml:"history_limit"`
	// SubscriberBuffer is the per-observer event buffer before eviction.
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Retention RetentionConfig `yaml:"retention"`
	Telemetry otel.Config     `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		HistoryLimit:           50,
		SubscriberBuffer:       256,
		ShutdownTimeoutSeconds: 10,
		Executor: ExecutorConfig{
			AbortGraceSeconds: 5,
		},
		Retention: RetentionConfig{
			Schedule:          "@every 1h",
			HistoryKeep:       2000,
			HandoffStaleHours: 24,
		},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("AGENTDECK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentdeck")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml. A missing file yields the defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentdeck home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "agentdeck.db")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	if cfg.ShutdownTimeoutSeconds <= 0 {
		cfg.ShutdownTimeoutSeconds = 10
	}
	cfg.Executor.Kind = strings.ToLower(strings.TrimSpace(cfg.Executor.Kind))
	if cfg.Executor.Kind == "" {
		if cfg.Executor.Command != "" {
			cfg.Executor.Kind = ExecutorStdio
		} else {
			cfg.Executor.Kind = ExecutorEcho
		}
	}
	if cfg.Executor.AbortGraceSeconds <= 0 {
		cfg.Executor.AbortGraceSeconds = 5
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "agentdeck"
	}
}

func validate(cfg Config) error {
	switch cfg.Executor.Kind {
	case ExecutorEcho:
	case ExecutorStdio:
		if strings.TrimSpace(cfg.Executor.Command) == "" {
			return errors.New("executor.command is required for the stdio executor")
		}
	default:
		return fmt.Errorf("unknown executor kind %q (want %s or %s)", cfg.Executor.Kind, ExecutorStdio, ExecutorEcho)
	}
	if cfg.Retention.HistoryKeep < 0 {
		return fmt.Errorf("retention.history_keep must be >= 0, got %d", cfg.Retention.HistoryKeep)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("AGENTDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTDECK_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("AGENTDECK_EXECUTOR"); raw != "" {
		cfg.Executor.Kind = raw
	}
	if raw := os.Getenv("AGENTDECK_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("AGENTDECK_HISTORY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HistoryLimit = v
		}
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// EnsureAuthToken returns the auth_token stored in config.yaml, generating
// and saving one first if none is set. Other settings are preserved.
func EnsureAuthToken(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return "", err
	}
	if tok, _ := raw["auth_token"].(string); strings.TrimSpace(tok) != "" {
		return tok, nil
	}
	tok := strings.ReplaceAll(uuid.NewString(), "-", "")
	raw["auth_token"] = tok
	if err := saveRawConfig(path, raw); err != nil {
		return "", err
	}
	return tok, nil
}

// Fingerprint returns a stable hash of the settings that shape behavior.
// Secrets are left out.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|history=%d|buffer=%d|exec=%s:%s|origins=%v|retention=%s:%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.HistoryLimit, c.SubscriberBuffer,
		c.Executor.Kind, c.Executor.Command, c.AllowOrigins,
		c.Retention.Schedule, c.Retention.HistoryKeep)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
