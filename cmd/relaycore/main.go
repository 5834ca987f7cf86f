// Command relaycore polls a chat transport, relays each message to a model
// backend as a session-continuous turn, and durably delivers
// scheduled/recurring reminders — one topic (chat+thread) at a time,
// bounded in aggregate by a concurrency semaphore.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"

	"github.com/basket/relaycore/internal/audit"
	"github.com/basket/relaycore/internal/bus"
	"github.com/basket/relaycore/internal/chatport"
	"github.com/basket/relaycore/internal/config"
	"github.com/basket/relaycore/internal/modelport"
	otelPkg "github.com/basket/relaycore/internal/otel"
	"github.com/basket/relaycore/internal/relay"
	"github.com/basket/relaycore/internal/shared"
	"github.com/basket/relaycore/internal/store"
	"github.com/basket/relaycore/internal/telemetry"
)

var (
	buildVersion     = "dev"
	buildBranch      = "unknown"
	buildAt          = "unknown"
	buildCommitTitle = ""
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load_failed", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "audit_init_failed", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger_init_failed", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.NeedsGenesis {
		logger.Warn("no config.yaml found; wrote defaults, edit before production use", "path", config.ConfigPath(cfg.HomeDir))
	}

	eventBus := bus.NewWithLogger(logger)

	metricsEnabled := cfg.Telemetry.MetricsEnabled
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: &metricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "otel_init_failed", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "metrics_init_failed", err)
	}
	go otelPkg.NewBridge(eventBus, metrics).Run(ctx)

	dbPath := store.DefaultDBPath()
	if cfg.HomeDir != "" {
		dbPath = cfg.HomeDir + string(os.PathSeparator) + "relaycore.db"
	}
	db, err := store.Open(dbPath)
	if err != nil {
		fatalStartup(logger, "store_open_failed", err)
	}
	defer db.Close()
	audit.SetDB(db.DB())

	model, err := buildModelPort(cfg, logger)
	if err != nil {
		fatalStartup(logger, "model_init_failed", err)
	}
	model = modelport.WithTracing(model, otelProvider.Tracer)

	chat, err := chatport.NewTelegramChannel(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, logger)
	if err != nil {
		fatalStartup(logger, "chat_init_failed", err)
	}

	sessions := relay.NewSessionRegistry(db, logger)
	sessions.SetEvents(eventBus)
	workspace := relay.NewWorkspaceRegistry(db, logger)
	outbound := relay.NewOutboundAdapter(chat)

	scheduled := relay.NewScheduledMessageService(db, outbound, logger)
	scheduled.SetEvents(eventBus)
	if !scheduled.HasDurableStore() {
		logger.Warn("scheduled-message store has no durable capability; reminders will not survive a restart")
	}
	startupAck := relay.NewStartupAckService(db, outbound, logger)
	startupAck.SetEvents(eventBus)

	engineCfg := relay.DefaultEngineConfig()
	engineCfg.RelayTimeout = time.Duration(cfg.RelayTimeoutMs) * time.Millisecond
	engineCfg.SessionRetryAttempts = cfg.SessionRetryAttempts
	engineCfg.ProgressFirst = time.Duration(cfg.ProgressFirstMs) * time.Millisecond
	engineCfg.ProgressEvery = time.Duration(cfg.ProgressEveryMs) * time.Millisecond
	engineCfg.ProgressMaxCount = cfg.ProgressMaxCount
	engine := relay.NewRelayEngine(model, outbound, sessions, engineCfg, logger)
	engine.SetEvents(eventBus)

	var modelSemaphore *relay.Semaphore
	if cfg.MaxConcurrentTopics > 0 {
		modelSemaphore = relay.NewSemaphore(cfg.MaxConcurrentTopics, cfg.SemaphoreMaxQueueSize)
		engine.SetSemaphore(modelSemaphore)
	}

	build := relay.BuildInfo{
		Service:     "relaycore",
		Version:     buildVersion,
		Branch:      buildBranch,
		BuiltAt:     buildAt,
		CommitTitle: buildCommitTitle,
	}

	restartRequested := make(chan struct{}, 1)
	onRestart := func() {
		select {
		case restartRequested <- struct{}{}:
		default:
		}
	}

	dispatcher := relay.NewCommandDispatcher(outbound, workspace, scheduled, startupAck, engine, model, build, onRestart, logger)
	dispatcher.SetEvents(eventBus)
	if modelSemaphore != nil {
		dispatcher.SetSemaphore(modelSemaphore)
	}

	queues := relay.NewTopicQueueMap(logger)

	workerCfg := relay.DefaultWorkerConfig(cfg.DefaultWorkspacePath)
	workerCfg.PollInterval = time.Duration(cfg.PollIntervalMs) * time.Millisecond
	workerCfg.SessionIdleTimeout = time.Duration(cfg.SessionIdleTimeoutMs) * time.Millisecond
	workerCfg.SessionMaxConcurrent = cfg.SessionMaxConcurrent

	worker := relay.NewWorkerLoop(chat, db, queues, dispatcher, scheduled, startupAck, sessions, workerCfg, logger)

	if cfg.StartupAnnounceChatID != "" {
		threadID := relay.UnsetThreadID()
		if cfg.StartupAnnounceThreadID != "" {
			threadID = relay.ValueThreadID(cfg.StartupAnnounceThreadID)
		}
		if err := outbound.Send(ctx, relay.OutboundMessage{
			ChatID:   cfg.StartupAnnounceChatID,
			ThreadID: threadID,
			Text:     fmt.Sprintf("relaycore %s started.", build.Version),
		}, false); err != nil {
			logger.Warn("startup announce failed", "error", err)
		}
	}

	configWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := configWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}
	go watchConfigReloads(ctx, configWatcher, cfg, logger)

	logger.Info("relaycore starting", "version", build.Version, "home", cfg.HomeDir)

	workerDone := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(workerDone)
	}()

	restarting := false
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case <-restartRequested:
		logger.Info("restart requested, draining before re-exec")
		restarting = true
		stop()
	}

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	select {
	case <-workerDone:
	case <-time.After(drainTimeout):
		logger.Warn("drain timed out", "timeout", drainTimeout)
	}

	if restarting {
		logger.Info("relaycore stopped for restart", "exit_code", exitCodeRestart)
		os.Exit(exitCodeRestart)
	}
	logger.Info("relaycore stopped")
}

// exitCodeRestart is the dedicated exit code a supervisor watches for to
// distinguish a restart-triggered exit from a clean stop (0).
const exitCodeRestart = 75

// buildModelPort constructs the primary model backend and wraps it with a
// failover router over the configured fallbacks, when any are configured.
func buildModelPort(cfg config.Config, logger *slog.Logger) (relay.ModelPort, error) {
	primary, err := buildProvider(cfg.Model.Primary, logger)
	if err != nil {
		return nil, fmt.Errorf("build primary model provider: %w", err)
	}
	if len(cfg.Model.Fallbacks) == 0 {
		return primary, nil
	}

	primaryNamed := modelport.NamedModelPort(cfg.Model.Primary.Provider, primary)
	fallbacks := make([]modelport.NamedPort, 0, len(cfg.Model.Fallbacks))
	for _, fb := range cfg.Model.Fallbacks {
		port, err := buildProvider(fb, logger)
		if err != nil {
			logger.Warn("skipping unbuildable fallback provider", "provider", fb.Provider, "error", err)
			continue
		}
		fallbacks = append(fallbacks, modelport.NamedModelPort(fb.Provider, port))
	}
	cooldown := time.Duration(cfg.Model.FailoverCooldownSeconds) * time.Second
	return modelport.NewFailoverRouter(primaryNamed, fallbacks, cfg.Model.FailoverThreshold, cooldown, logger), nil
}

func buildProvider(pc config.ModelProviderConfig, logger *slog.Logger) (relay.ModelPort, error) {
	switch pc.Provider {
	case "openai":
		return modelport.NewOpenAIAdapter(pc.APIKey, pc.BaseURL, openai.ChatModel(pc.Model), logger), nil
	case "anthropic", "":
		return modelport.NewAnthropicAdapter(pc.APIKey, pc.BaseURL, anthropic.Model(pc.Model), logger), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", pc.Provider)
	}
}

func watchConfigReloads(ctx context.Context, w *config.Watcher, cfg config.Config, logger *slog.Logger) {
	fingerprint := cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed", "path", ev.Path, "error", err)
				continue
			}
			if reloaded.Fingerprint() == fingerprint {
				continue
			}
			fingerprint = reloaded.Fingerprint()
			logger.Info("config changed; restart required for new values to take effect", "path", ev.Path)
		}
	}
}

// fatalStartup records the failure to the audit trail (when possible), logs
// it, and exits 1. logger may be nil if the failure happened before logger
// construction.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := fmt.Sprintf("fatal startup error: %s: %v", reasonCode, err)
	audit.Record("fail", "runtime.startup", reasonCode, err.Error(), "")
	if logger != nil {
		logger.Error(message, "reason_code", reasonCode, "trace_id", shared.NewTraceID())
	} else {
		fmt.Fprintf(os.Stderr, `{"level":"ERROR","msg":%q,"reason_code":%q}`+"\n", message, reasonCode)
	}
	os.Exit(1)
}
