package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-foreman/internal/admission"
	"github.com/basket/go-foreman/internal/audit"
	"github.com/basket/go-foreman/internal/board"
	"github.com/basket/go-foreman/internal/bus"
	"github.com/basket/go-foreman/internal/channels"
	"github.com/basket/go-foreman/internal/config"
	"github.com/basket/go-foreman/internal/dispatch"
	"github.com/basket/go-foreman/internal/gateway"
	fotel "github.com/basket/go-foreman/internal/otel"
	"github.com/basket/go-foreman/internal/persistence"
	"github.com/basket/go-foreman/internal/roles"
	"github.com/basket/go-foreman/internal/scheduler"
	"github.com/basket/go-foreman/internal/telemetry"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"golang.org/x/sync/errgroup"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// defaultRolesYAML is written on first run so the daemon starts with a
// usable role registry.
const defaultRolesYAML = `roles:
  planner:
    allowed_tools: [read, search]
  implementer:
    allowed_tools: [read, edit, shell]
    pins_required: true
  reviewer:
    allowed_tools: [read]
`

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the orchestration daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FOREMAN_HOME            Data directory (default: ~/.foreman)
  FOREMAN_AUTH_TOKEN      API token (default: generated into auth.token)
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit goes first so logger failures are themselves audited.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if isatty.IsTerminal(os.Stdout.Fd()) && *quiet {
		fmt.Printf("foreman %s starting; logs in %s\n", Version, filepath.Join(cfg.HomeDir, "logs"))
	}

	eventBus := bus.New()

	otelProvider, err := fotel.Init(ctx, fotel.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: "foreman",
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := fotel.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	go metrics.ObserveBus(ctx, eventBus)

	store, err := persistence.Open(persistence.Options{
		Path:         cfg.DBPath(),
		Bus:          eventBus,
		StrictWrites: cfg.StrictWrites,
	})
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	recovered, err := recoverInterrupted(ctx, store)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", recovered)

	rolesPath := cfg.RolesPath()
	if _, statErr := os.Stat(rolesPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(rolesPath, []byte(defaultRolesYAML), 0o644); writeErr != nil {
			fatalStartup(logger, "E_ROLES_BOOTSTRAP", writeErr)
		}
		logger.Info("roles.yaml bootstrapped with defaults", "path", rolesPath)
	}
	roleSet, err := roles.Load(rolesPath)
	if err != nil {
		fatalStartup(logger, "E_ROLES_LOAD", err)
	}
	liveRoles := roles.NewLive(roleSet)
	logger.Info("startup phase", "phase", "roles_loaded", "version", liveRoles.Version())

	breakers := admission.NewBreakerRegistry(admission.BreakerConfig{
		Threshold:   cfg.Breaker.Threshold,
		Cooldown:    cfg.BreakerCooldown(),
		MaxCooldown: cfg.BreakerMaxCooldown(),
	}, eventBus)

	limits := make(admission.LaneLimits, len(cfg.Lanes))
	for lane, n := range cfg.Lanes {
		limits[persistence.Lane(lane)] = n
	}
	adm := admission.NewController(store, eventBus, breakers, limits, logger)
	if err := adm.Restore(ctx); err != nil {
		fatalStartup(logger, "E_ADMISSION_RESTORE", err)
	}

	registry := dispatch.NewRegistry(cfg.JobTimeout())
	for _, ec := range cfg.Executors {
		pe, err := dispatch.NewProcessExecutor(dispatch.ProcessConfig{
			Name:          ec.Name,
			Command:       ec.Command,
			Args:          ec.Args,
			HealthCommand: ec.HealthCommand,
			Env:           ec.Env,
		})
		if err != nil {
			fatalStartup(logger, "E_EXECUTOR_INIT", err)
		}
		if err := registry.Register(dispatch.ExecutorSpec{
			Executor:       pe,
			Priority:       ec.Priority,
			MaxConcurrency: ec.MaxConcurrency,
			Roles:          ec.Roles,
			Timeout:        ec.Timeout(),
		}); err != nil {
			fatalStartup(logger, "E_EXECUTOR_INIT", err)
		}
	}
	logger.Info("startup phase", "phase", "executors_registered", "count", len(cfg.Executors))

	dispatcher := dispatch.NewDispatcher(store, registry, breakers, nil, logger)
	taskBoard := board.New(store, liveRoles, eventBus, logger)
	sched := scheduler.New(taskBoard, adm, dispatcher, metrics, logger, scheduler.Options{
		Tick:            cfg.SchedulerTick(),
		WatchdogCron:    cfg.WatchdogCron,
		WatchdogGrace:   cfg.WatchdogGrace(),
		FairnessWarnAge: cfg.FairnessWarnAge(),
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, rolesPath, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case filepath.Base(rolesPath):
				if err := liveRoles.ReloadFromFile(rolesPath); err != nil {
					logger.Error("roles.yaml reload rejected; retaining previous roles", "error", err)
				} else {
					logger.Info("roles.yaml hot-reloaded", "version", liveRoles.Version())
				}
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				if newCfg.Fingerprint() != cfg.Fingerprint() {
					logger.Warn("config.yaml changed on disk; restart to apply",
						"old_fingerprint", cfg.Fingerprint(), "new_fingerprint", newCfg.Fingerprint())
				}
			}
		}
	}()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw, err := gateway.New(gateway.Config{
		Store:             store,
		Board:             taskBoard,
		Dispatcher:        dispatcher,
		Admission:         adm,
		Roles:             liveRoles,
		Bus:               eventBus,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Logger:            logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return sched.Run(runCtx)
	})
	g.Go(func() error {
		<-runCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(
				cfg.Channels.Telegram.Token,
				cfg.Channels.Telegram.AllowedIDs,
				store,
				eventBus,
				logger,
			)
			g.Go(func() error {
				if err := tg.Start(runCtx); err != nil {
					logger.Error("telegram channel failed", "error", err)
				}
				return nil
			})
		}
	}

	logger.Info("startup phase", "phase", "scheduler_started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
	}
	logger.Info("shutdown complete")
}

// recoverInterrupted closes jobs that were queued or running when the
// previous process died and puts their tasks back in line. Queued jobs
// matter too: left open, they hold the task's active-job slot and every
// later dispatch fails.
func recoverInterrupted(ctx context.Context, store *persistence.Store) (int, error) {
	orphans, err := store.ActiveJobs(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range orphans {
		if err := store.FinishJob(ctx, job.ID, persistence.JobFailed, "", "daemon restart"); err != nil {
			return 0, err
		}
	}

	inProgress, err := store.ListTasksByStatus(ctx, persistence.TaskInProgress)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, task := range inProgress {
		if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskBlocked, "daemon restart"); err != nil {
			return requeued, err
		}
		if _, err := store.TransitionTask(ctx, task.ID, persistence.TaskReady, "daemon restart"); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"foreman","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken resolves the API token: config, environment, auth.token
// file, or a freshly generated one persisted for next time.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}
