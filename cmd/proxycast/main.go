package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/lyqf/proxycast/internal/agent"
	"github.com/lyqf/proxycast/internal/bus"
	"github.com/lyqf/proxycast/internal/channels"
	"github.com/lyqf/proxycast/internal/config"
	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/gateway"
	"github.com/lyqf/proxycast/internal/mcp"
	"github.com/lyqf/proxycast/internal/memory"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/rpc"
	"github.com/lyqf/proxycast/internal/runs"
	"github.com/lyqf/proxycast/internal/sandbox"
	"github.com/lyqf/proxycast/internal/scheduler"
	"github.com/lyqf/proxycast/internal/store"
	"github.com/lyqf/proxycast/internal/telemetry"
	"github.com/lyqf/proxycast/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const defaultHeartbeat = `# Heartbeat Checklist

The gateway runs this checklist on every scheduler cycle.

- [ ] Review recent runs for repeated failures.
- [ ] Check that credential pools still have enabled keys.
`

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                     Start the gateway daemon
  %s status              Show daemon health (/healthz)
  %s version             Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  PROXYCAST_HOME         Data directory (default: ~/.proxycast)
  PROXYCAST_BIND_ADDR    Gateway bind address (default: 127.0.0.1:8484)
  PROXYCAST_AUTH_TOKEN   Bearer token required on /ws
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "version":
			fmt.Println(Version)
			return
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "config", cfg.Fingerprint())

	otelProvider, err := telemetry.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	eventBus := bus.New()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	pool := credential.NewPool(st, logger, cfg.Credentials.ErrorDisableThreshold)
	dispatcher := dispatch.New(dispatch.Options{
		Pool:     pool,
		Retry:    retryPolicy(cfg.Retry),
		Timeouts: resilience.TimeoutController{RequestTimeout: cfg.RequestTimeout(), StreamIdleTimeout: cfg.StreamIdleTimeout()},
		Logger:   logger,
		Bus:      eventBus,
		Metrics:  metrics,
		Tracer:   otelProvider.Tracer,
	})

	workspace := cfg.Workspace
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}

	executor, warning, err := sandbox.Select(cfg.Sandbox, workspace, logger)
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	if warning != "" {
		logger.Warn("sandbox warning", "warning", warning)
	}
	logger.Info("startup phase", "phase", "sandbox_selected", "backend", cfg.Sandbox.Backend)

	pm := tools.NewPermissionManager(
		tools.Rule{Tool: "*", Outcome: tools.OutcomeAllow, Priority: 100, Scope: tools.ScopeProcess},
	)
	registry := tools.NewRegistry(pm)
	if err := registry.Register(tools.NewShellTool(executor, redactSecrets)); err != nil {
		fatalStartup(logger, "E_TOOL_REGISTER", err)
	}

	mcpManager := mcp.NewManager(logger)
	mcpManager.StartAll(ctx, cfg.MCP.Servers)
	defer mcpManager.StopAll()

	composer := memory.NewComposer(memoryConfig(cfg, workspace), st, logger)

	core := agent.NewCore(agent.CoreOptions{
		Store:      st,
		Dispatcher: dispatcher,
		Registry:   registry,
		Servers:    mcpManager,
		Memory:     composer,
		Bus:        eventBus,
		Logger:     logger,
		Workspace:  workspace,
	})
	runsReg := runs.NewRegistry(st, eventBus, logger, metrics)

	providers, err := providerOrder(ctx, st)
	if err != nil {
		fatalStartup(logger, "E_PROVIDER_LIST", err)
	}
	if len(providers) == 0 {
		logger.Warn("no providers configured; agent runs will be rejected until one is added")
	}

	heartbeatPath := cfg.Scheduler.TaskFile
	if _, statErr := os.Stat(heartbeatPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(heartbeatPath, []byte(defaultHeartbeat), 0o644); writeErr != nil {
			logger.Warn("failed to create default heartbeat file", "path", heartbeatPath, "error", writeErr)
		}
	}

	runner := &agentRunner{
		core:      core,
		runs:      runsReg,
		providers: providers,
		model:     cfg.DefaultModel,
		logger:    logger,
	}
	sched := scheduler.New(scheduler.Options{
		Store:     st,
		Runner:    runner,
		Heartbeat: &scheduler.HeartbeatSource{Path: heartbeatPath, Logger: logger},
		HBRunner:  runner,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
		Config:    cfg.Scheduler,
	})
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("startup phase", "phase", "scheduler_started", "heartbeat", heartbeatPath)
	}

	handler := rpc.New(rpc.Options{
		Core:      core,
		Runs:      runsReg,
		Scheduler: sched,
		Store:     st,
		Logger:    logger,
		Providers: providers,
		Model:     cfg.DefaultModel,
	})

	if cfg.AuthToken == "" {
		logger.Warn("auth_token is empty; all websocket connections will be rejected")
	}
	gw := gateway.New(gateway.Config{
		RPC:          handler,
		Store:        st,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		Logger:       logger,
	})

	server := &http.Server{Addr: cfg.BindAddr, Handler: gw.Handler()}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg := channels.NewTelegramChannel(cfg.Channels.Telegram, handler, st, logger)
			go func() {
				if err := tg.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram channel failed", "error", err)
				}
			}()
		}
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func retryPolicy(cfg config.RetryConfig) resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		p.MaxRetries = cfg.MaxRetries
	}
	if cfg.BaseDelayMS > 0 {
		p.BaseDelay = time.Duration(cfg.BaseDelayMS) * time.Millisecond
	}
	if cfg.MaxDelayMS > 0 {
		p.MaxDelay = time.Duration(cfg.MaxDelayMS) * time.Millisecond
	}
	if cfg.Factor > 0 {
		p.Factor = cfg.Factor
	}
	if cfg.JitterRatio > 0 {
		p.JitterRatio = cfg.JitterRatio
	}
	return p
}

func memoryConfig(cfg config.Config, workspace string) memory.Config {
	mc := memory.Config{
		ManagedPolicyFile: cfg.Memory.ManagedPolicyFile,
		UserMemoryFile:    cfg.Memory.UserFile,
		WorkDir:           workspace,
		ProjectRoot:       workspace,
		RuleDirs:          cfg.Memory.RuleDirNames,
		ExtraDirs:         cfg.Memory.ExtraDirs,
		ExtraEnabled:      cfg.Memory.ExtraDirsEnabled,
		HomeDir:           cfg.HomeDir,
	}
	if len(cfg.Memory.ProjectFileNames) > 0 {
		mc.ProjectFileName = cfg.Memory.ProjectFileNames[0]
	}
	return mc
}

// providerOrder is the failover order handed to every agent run: providers
// as stored, stable across restarts.
func providerOrder(ctx context.Context, st *store.Store) ([]string, error) {
	list, err := st.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

var secretPattern = regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password|authorization|bearer)(["']?\s*[=:]\s*)("?[^\s"']+"?)`)

// redactSecrets masks key=value style secrets in shell tool output before it
// reaches the model or the logs.
func redactSecrets(s string) string {
	return secretPattern.ReplaceAllString(s, `$1$2[redacted]`)
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}
