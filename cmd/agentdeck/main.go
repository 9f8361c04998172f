package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/basket/agentdeck/internal/allowlist"
	"github.com/basket/agentdeck/internal/audit"
	"github.com/basket/agentdeck/internal/bus"
	"github.com/basket/agentdeck/internal/config"
	"github.com/basket/agentdeck/internal/executor"
	"github.com/basket/agentdeck/internal/gateway"
	"github.com/basket/agentdeck/internal/handoff"
	otelPkg "github.com/basket/agentdeck/internal/otel"
	"github.com/basket/agentdeck/internal/persistence"
	"github.com/basket/agentdeck/internal/retention"
	"github.com/basket/agentdeck/internal/session"
	"github.com/basket/agentdeck/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

type options struct {
	home     string
	bind     string
	logLevel string
	executor string
	quiet    bool
	version  bool
}

func newFlagSet(opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet("agentdeck", pflag.ContinueOnError)
	// Flags after the command belong to the command.
	fs.SetInterspersed(false)
	fs.StringVar(&opts.home, "home", "", "data directory (default $AGENTDECK_HOME or ~/.agentdeck)")
	fs.StringVar(&opts.bind, "bind", "", "listen address, overrides bind_addr")
	fs.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&opts.executor, "executor", "", "stdio or echo, overrides executor.kind")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "log to the log file only")
	fs.BoolVar(&opts.version, "version", false, "print the version and exit")
	fs.Usage = func() { printUsage(os.Stderr, fs) }
	return fs
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintf(w, `Usage: agentdeck [flags] [command]

COMMANDS:
  (none)      Run the session daemon
  status      Show daemon health (/healthz)
  doctor      Run local diagnostics (--json for machine output)
  token       Print the gateway auth token, generating one if needed

FLAGS:
`)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprint(w, `
ENVIRONMENT VARIABLES:
  AGENTDECK_HOME          Data directory (default: ~/.agentdeck)
  AGENTDECK_BIND_ADDR     Listen address
  AGENTDECK_LOG_LEVEL     Log level
  AGENTDECK_AUTH_TOKEN    Gateway bearer token
  AGENTDECK_EXECUTOR      stdio or echo
  AGENTDECK_DB_PATH       SQLite database path
`)
}

func main() {
	var opts options
	fs := newFlagSet(&opts)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	if opts.version {
		fmt.Println(Version)
		return
	}
	if opts.home != "" {
		_ = os.Setenv("AGENTDECK_HOME", opts.home)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := fs.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help":
			printUsage(os.Stdout, fs)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "token":
			os.Exit(runTokenCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	if err := runDaemon(ctx, opts, interactive); err != nil {
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, opts options, interactive bool) error {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	applyFlags(&cfg, opts)

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	level := new(slog.LevelVar)
	level.Set(telemetry.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, level, opts.quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint(), "version", Version)

	if cfg.AuthToken == "" {
		tok, err := config.EnsureAuthToken(cfg.HomeDir)
		if err != nil {
			fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
		}
		cfg.AuthToken = tok
		logger.Info("gateway auth token generated", "path", config.ConfigPath(cfg.HomeDir))
	}

	provider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	backend, err := persistence.OpenSQLite(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	store := persistence.NewStore(backend)
	defer store.Close()

	// Nothing is loaded yet, so every record left active by a previous run
	// is stale.
	detached, err := store.MarkAllDetached(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "sessions_recovered", "detached", detached)

	global := allowlist.NewGlobal(store)
	if err := global.Load(ctx); err != nil {
		fatalStartup(logger, "E_ALLOWLIST_LOAD", err)
	}

	eventBus := bus.New(cfg.SubscriberBuffer)
	eventBus.OnEvict(func(sessionID, clientID string) {
		metrics.BroadcastEvictions.Add(context.Background(), 1)
		logger.Warn("subscriber evicted", "session_id", sessionID, "client_id", clientID)
	})

	exec, err := newExecutor(cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_EXECUTOR_INIT", err)
	}
	queue := handoff.NewQueue(store, logger)

	sessions, err := session.NewManager(session.Config{
		Store:        store,
		Bus:          eventBus,
		Executor:     exec,
		Global:       global,
		Handoffs:     queue,
		Logger:       logger,
		Tracer:       provider.Tracer,
		Metrics:      metrics,
		HistoryLimit: cfg.HistoryLimit,
	})
	if err != nil {
		fatalStartup(logger, "E_SESSION_INIT", err)
	}

	gw, err := gateway.New(gateway.Config{
		Sessions:        sessions,
		Store:           store,
		Bus:             eventBus,
		AuthToken:       cfg.AuthToken,
		AllowOrigins:    cfg.AllowOrigins,
		FramesPerMinute: cfg.Gateway.FramesPerMinute,
		FrameBurst:      cfg.Gateway.FrameBurst,
		Logger:          logger,
		Tracer:          provider.Tracer,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	sweeper, err := retention.NewScheduler(retention.Config{
		Store:       store,
		Handoffs:    queue,
		Logger:      logger,
		Schedule:    cfg.Retention.Schedule,
		HistoryKeep: cfg.Retention.HistoryKeep,
		StaleAfter:  time.Duration(cfg.Retention.HandoffStaleHours) * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", ln.Addr().String(), "executor", cfg.Executor.Kind)
	if interactive && opts.quiet {
		fmt.Fprintf(os.Stderr, "agentdeck %s listening on ws://%s/ws (logs in %s)\n", Version, ln.Addr(), cfg.HomeDir)
	}

	g, gctx := errgroup.WithContext(ctx)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		<-gctx.Done()
		sweeper.Stop()
		return nil
	})
	g.Go(func() error {
		for range watcher.Events() {
			reloadConfig(cfg.HomeDir, level, logger)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
		defer cancel()
		// Stop intake first, then cancel turns and pending prompts.
		_ = server.Shutdown(shutdownCtx)
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Error("session shutdown incomplete", "error", err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		logger.Error("daemon stopped with error", "error", err)
	}
	logger.Info("shutdown complete")
	return err
}

func applyFlags(cfg *config.Config, opts options) {
	if opts.bind != "" {
		cfg.BindAddr = opts.bind
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if opts.executor != "" {
		cfg.Executor.Kind = strings.ToLower(opts.executor)
	}
}

func newExecutor(cfg config.Config, logger *slog.Logger) (executor.Executor, error) {
	switch cfg.Executor.Kind {
	case config.ExecutorStdio:
		if cfg.Executor.Command == "" {
			return nil, errors.New("executor.command is required for the stdio executor")
		}
		return executor.NewStdio(executor.StdioConfig{
			Command:    cfg.Executor.Command,
			Args:       cfg.Executor.Args,
			Env:        cfg.Executor.Env,
			AbortGrace: cfg.Executor.AbortGrace(),
			Logger:     logger,
		}), nil
	case config.ExecutorEcho:
		logger.Warn("using the echo executor; turns are answered in-process")
		return executor.NewScripted(executor.Echo()), nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", cfg.Executor.Kind)
}

// reloadConfig applies the settings that can change without a restart.
// Everything else is logged and picked up on the next start.
func reloadConfig(homeDir string, level *slog.LevelVar, logger *slog.Logger) {
	newCfg, err := config.LoadFrom(homeDir)
	if err != nil {
		logger.Error("config.yaml reload rejected; keeping previous settings", "error", err)
		return
	}
	level.Set(telemetry.ParseLevel(newCfg.LogLevel))
	logger.Info("config.yaml hot-reloaded", "log_level", newCfg.LogLevel, "config_fingerprint", newCfg.Fingerprint())
}

func runTokenCommand(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: agentdeck token")
		return 2
	}
	if raw := strings.TrimSpace(os.Getenv("AGENTDECK_AUTH_TOKEN")); raw != "" {
		fmt.Println(raw)
		return 0
	}
	tok, err := config.EnsureAuthToken(config.HomeDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "token: %v\n", err)
		return 1
	}
	fmt.Println(tok)
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"agentdeck","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
