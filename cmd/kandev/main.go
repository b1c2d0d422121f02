// Command kandev is the daemon entry point (§6 "CLI / env surface"): it loads config via
// viper, builds the logger, wires the chosen persistence/session-pool/driver backends, starts
// the Orchestrator's conversational loop, and serves the HTTP/SSE/WS adapter.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/credentials"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/discovery"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver/anthropic"
	"github.com/AriseOS/ami-desktop-sub002/internal/agent/registry"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/config"
	"github.com/AriseOS/ami-desktop-sub002/internal/common/logger"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/bus"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/collector"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor/sessionpool/docker"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor/sessionpool/multi"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor/sessionpool/pty"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/executor/sessionpool/sprites"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/orchestrator"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/planner"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/persistence/postgres"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/persistence/sqlite"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
	"github.com/AriseOS/ami-desktop-sub002/internal/core/tracing"
	"github.com/AriseOS/ami-desktop-sub002/internal/httpapi"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory/httpclient"
)

// defaultOrchestratorModel is used when ANTHROPIC_MODEL is unset.
const defaultOrchestratorModel = "claude-sonnet-4-5-20250929"

// coreBus is the surface both the orchestrator/executor (Emit) and the HTTP adapter (Next)
// need; *bus.Bus and *bus.MirroredBus (NATS-mirrored) both satisfy it interchangeably.
type coreBus interface {
	Emit(task.Event)
	Next(timeout time.Duration) (task.Event, bool)
	Close()
}

// snapshotStore is orchestrator.SnapshotStore plus the Close the concrete sqlite/postgres
// sinks both expose, so main can shut the connection down cleanly.
type snapshotStore interface {
	orchestrator.SnapshotStore
	Close() error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kandev:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	store, err := openSnapshotStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	defer store.Close()

	localBus := bus.New("", log)
	defer localBus.Close()

	var eventBus coreBus = localBus
	if cfg.NATS.URL != "" {
		relay, err := bus.NewNATSRelay(cfg.NATS, log)
		if err != nil {
			log.Warn("NATS relay disabled", zap.Error(err))
		} else {
			defer relay.Close()
			eventBus = relay.Attach(localBus)
		}
	}

	reg := registry.NewRegistry(log)
	reg.LoadDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := discovery.LoadRegistry(ctx, reg, log); err != nil {
		log.Warn("agent discovery failed, continuing with configured agents only", zap.Error(err))
	}

	credMgr := credentials.NewManager(log)
	credMgr.AddProvider(credentials.NewEnvProvider(requiredEnvKeys(reg)...))
	if homeDir, err := os.UserHomeDir(); err == nil {
		credMgr.AddProvider(credentials.NewFileProvider(homeDir + "/.kandev/credentials.json"))
	}
	credMgr.AddProvider(credentials.NewAugmentSessionProvider())

	sessions := buildSessionBackend(cfg, log)
	defer sessions.Close("")

	memSvc := memory.Service(nil)
	if cfg.Memory.BaseURL != "" {
		memSvc = httpclient.New(cfg.Memory.BaseURL)
	}

	tracer := tracing.NewOtelTracer()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	agentProfiles := cfg.Orchestrator.AgentProfiles
	if len(agentProfiles) == 0 {
		agentProfiles = config.DefaultAgentProfiles()
	}
	newSubtaskDriver := buildSubtaskDriverFactory(reg, cfg.Orchestrator.Workspace, agentProfiles, log)

	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	model := os.Getenv("ANTHROPIC_MODEL")
	if model == "" {
		model = defaultOrchestratorModel
	}
	newConversationalDriver := func(tools []driver.Tool) driver.Driver {
		d, err := anthropic.New(anthropic.Config{APIKey: apiKey, Model: model}, tools, log)
		if err != nil {
			log.Error("failed to start orchestrator driver", zap.Error(err))
			return newErrDriver(err)
		}
		return d
	}

	col := collector.New(collector.DefaultConfig())

	plan := planner.New(memSvc, func() driver.Driver {
		return newConversationalDriver(nil)
	}, log)

	orch := orchestrator.New(
		orchestrator.Config{
			Platform:    "linux",
			Workspace:   cfg.Orchestrator.Workspace,
			ProfileID:   cfg.Orchestrator.ProfileID,
			IdleTimeout: cfg.Orchestrator.IdleTimeout,
		},
		orchestrator.Deps{
			NewDriver:   newConversationalDriver,
			NewExecutor: newSubtaskDriver,
			Planner:     plan,
			Sessions:    sessions,
			Store:       store,
			Tracer:      tracer,
			Credentials: credentialValidator{credMgr},
			Search:      nil,
			Logger:      log,
			Memory:      memSvc,
			Collector:   col,
		},
		eventBus,
	)

	messages := httpapi.NewChanMessenger(64)

	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- orch.Run(ctx, "", messages)
	}()

	server := httpapi.New(eventBus, orch, messages, log)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("kandev listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
			return
		}
		serveErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-runErrCh:
		if err != nil {
			log.Error("orchestrator loop ended", zap.Error(err))
		}
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http server failed", zap.Error(err))
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}

	return nil
}

// openSnapshotStore selects sqlite or postgres per cfg.Database.Driver (§6).
func openSnapshotStore(cfg config.DatabaseConfig) (snapshotStore, error) {
	switch cfg.Driver {
	case "postgres":
		return postgres.Open(cfg.DSN(), cfg.MaxConns, cfg.MinConns)
	case "sqlite", "":
		return sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database.driver %q", cfg.Driver)
	}
}

// buildSessionBackend composes the docker/sprites/pty backends behind one
// executor.SessionBackend, picking per AgentType per §4.4 "selected by agent_type and
// deployment config". pty is always available as the fallback since it needs no external
// resource; docker and sprites are added only when configured/reachable.
func buildSessionBackend(cfg *config.Config, log *logger.Logger) executor.SessionBackend {
	workspaceDir := func(taskID string) string { return cfg.Orchestrator.Workspace }
	ptyBackend := pty.New(workspaceDir)

	byType := make(map[task.AgentType]multi.SessionBackend)

	if cfg.Docker.Enabled {
		if dockerBackend, err := docker.New(cfg.Docker, log); err != nil {
			log.Warn("docker session backend unavailable, browser subtasks fall back to pty", zap.Error(err))
		} else {
			byType[task.AgentTypeBrowser] = dockerBackend
		}
	}

	if token := os.Getenv("SPRITES_API_TOKEN"); token != "" {
		byType[task.AgentTypeCode] = sprites.New(token, log)
	}

	return multi.New(ptyBackend, byType)
}

// buildSubtaskDriverFactory turns a task.AgentType into a concrete driver via the registry's
// acp/copilot/pty backends, resolving the registry config id through profiles. A registry
// failure (missing credential, binary not found, unsupported protocol) never panics the
// executor: it surfaces as an immediate agent_end(error) from an errDriver instead, which the
// executor treats as a failed subtask attempt subject to its normal retry/fail-fast rules.
func buildSubtaskDriverFactory(reg *registry.Registry, workspace string, profiles map[string]string, log *logger.Logger) executor.NewDriver {
	return func(agentType task.AgentType) driver.Driver {
		id, ok := profiles[string(agentType)]
		if !ok || id == "" {
			if def, err := reg.GetDefault(); err == nil {
				id = def.ID
			}
		}
		d, err := reg.NewDriver(context.Background(), id, workspace, log)
		if err != nil {
			log.Error("failed to start subtask driver",
				zap.String("agent_type", string(agentType)),
				zap.String("agent_id", id),
				zap.Error(err))
			return newErrDriver(err)
		}
		return d
	}
}

// requiredEnvKeys collects every RequiredEnv entry across the registry's agent types, so the
// env credential provider only ever reports/serves keys a configured agent actually needs.
func requiredEnvKeys(reg *registry.Registry) []string {
	seen := make(map[string]struct{})
	var keys []string
	for _, cfg := range reg.List() {
		for _, key := range cfg.RequiredEnv {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
	}
	return keys
}

// credentialValidator adapts *credentials.Manager to orchestrator.CredentialValidator.
type credentialValidator struct {
	mgr *credentials.Manager
}

func (c credentialValidator) Validate(ctx context.Context, profileID string) error {
	return c.mgr.Validate(ctx, profileID)
}

// errDriver is a driver.Driver that immediately fails every Prompt call, used when a
// registry/anthropic driver factory can't start (missing credential, binary not found,
// unsupported protocol). This lets a driver-construction failure surface through the normal
// agent_end(error) path instead of panicking the executor or orchestrator goroutine.
type errDriver struct {
	err error
}

func newErrDriver(err error) *errDriver {
	return &errDriver{err: err}
}

func (d *errDriver) Subscribe(cb func(driver.Event)) driver.Unsubscribe {
	cb(driver.Event{Kind: driver.EventAgentEnd, StopReason: "error"})
	return func() {}
}

func (d *errDriver) Prompt(ctx context.Context, text string, attachments []string) error {
	return d.err
}

func (d *errDriver) Abort() {}

func (d *errDriver) Messages() []driver.Message { return nil }

func (d *errDriver) SetSystemPrompt(prompt string) {}
