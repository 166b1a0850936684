package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/notifyops/relay/pkg/api"
	"github.com/notifyops/relay/pkg/cleanup"
	"github.com/notifyops/relay/pkg/config"
	"github.com/notifyops/relay/pkg/dedup"
	"github.com/notifyops/relay/pkg/dispatch"
	"github.com/notifyops/relay/pkg/execlog"
	"github.com/notifyops/relay/pkg/models"
	"github.com/notifyops/relay/pkg/notify"
	"github.com/notifyops/relay/pkg/pipeline"
	"github.com/notifyops/relay/pkg/storage"
	"github.com/notifyops/relay/pkg/version"
	"github.com/notifyops/relay/pkg/workload"
)

// recoveryDeadline bounds one recovery workflow run before escalation.
const recoveryDeadline = 2 * time.Minute

// dryRunTarget logs deliveries instead of posting them. Used when the chat
// transport is disabled in config.
type dryRunTarget struct {
	logger *slog.Logger
}

func (t *dryRunTarget) Name() string { return "dry-run" }

func (t *dryRunTarget) Deliver(_ context.Context, n *models.Notification) (string, error) {
	t.logger.Info("dry-run delivery",
		"channel", n.ChannelID,
		"kind", n.Kind,
		"urgency", n.Urgency,
		"text", n.FallbackText)
	return "", nil
}

// logEscalator pairs with the dry-run target.
type logEscalator struct {
	logger *slog.Logger
}

func (e *logEscalator) Escalate(_ context.Context, job *dispatch.Job, executionID string, cause error) error {
	e.logger.Error("delivery escalation",
		"channel", job.Notification.ChannelID,
		"event_id", job.Decision.EventID,
		"execution_id", executionID,
		"cause", cause)
	return nil
}

func runServe(ctx context.Context, configDir string) error {
	slog.Info("Starting relay", "config_dir", configDir, "version", version.Full())

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, configDir)
	if err != nil {
		return err
	}

	// 2. Connect storage
	client, err := storage.NewClient(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("%w: %w", errBackend, err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	rdb := storage.NewRedis(cfg.Redis)
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()

	// 3. Team config store, restored from persisted snapshots
	teams := config.NewStore(client.Teams, cfg.Teams, slog.Default())
	if err := teams.Restore(ctx); err != nil {
		return err
	}

	// 4. Stage components
	dedupStore := dedup.NewStore(rdb, cfg.Dedup)
	tracker := workload.NewTracker()
	analyzer := workload.NewAnalyzer(tracker, cfg.Workload, slog.Default())
	writer := execlog.NewWriter(client.Executions, cfg.ExecLog, slog.Default())

	// 5. Transport and recovery. The thread resolver closes over the
	// pipeline variable bound below.
	var pipe *pipeline.Pipeline
	threads := func(key string) string {
		if pipe == nil {
			return ""
		}
		if id, ok := pipe.Threads().MessageID(key); ok {
			return id
		}
		return ""
	}

	var (
		target    dispatch.Target
		escalator dispatch.Escalator
	)
	if cfg.Chat.Enabled {
		token := os.Getenv(cfg.Chat.TokenEnv)
		if token == "" {
			return errors.New("chat transport enabled but token env var is empty: " + cfg.Chat.TokenEnv)
		}
		transport := notify.NewSlackTransport(token, threads)
		target = transport
		escalator = notify.NewEscalator(transport, func(teamID string) string {
			snap, err := teams.Load(teamID)
			if err != nil {
				return ""
			}
			return snap.Config.EscalationChannel
		}, cfg.Chat.EscalationChannel)
		slog.Info("Chat transport initialized")
	} else {
		target = &dryRunTarget{logger: slog.Default()}
		escalator = &logEscalator{logger: slog.Default()}
		slog.Warn("Chat transport disabled, deliveries will be logged only")
	}

	recoverer, err := dispatch.NewRecoverer(cfg.Recovery, escalator, recoveryDeadline, slog.Default())
	if err != nil {
		return err
	}

	// 6. Build the pipeline
	pipe = pipeline.New(pipeline.Deps{
		Teams:         teams,
		Dedup:         dedupStore,
		Workload:      analyzer,
		Tracker:       tracker,
		Renderer:      notify.BlockRenderer{},
		Writer:        writer,
		Target:        target,
		Recoverer:     recoverer,
		DeadLetters:   client.Executions,
		ScheduleStore: client.Scheduled,
		Batching:      cfg.Batching,
		Scheduler:     cfg.Scheduler,
		Threading:     cfg.Threading,
		Dispatch:      cfg.Dispatch,
		Pipeline:      cfg.Pipeline,
	}, slog.Default())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipe.Run(runCtx)
	}()

	// 7. Background jobs: hourly aggregation and retention
	aggregator := execlog.NewAggregator(client.Executions, 10*time.Minute, slog.Default())
	go aggregator.Run(runCtx)

	retention := cleanup.NewService(&cfg.Retention, client.Executions, client.Scheduled)
	retention.Start(runCtx)
	defer retention.Stop()

	// 8. HTTP server
	server := api.NewServer(cfg, api.Deps{
		Ingest:   pipe,
		Teams:    teams,
		Versions: client.Teams,
		Audit:    client.Teams,
		Execs:    client.Executions,
		Letters:  client.Executions,
		Drainer:  pipe,
		Stats: func() map[string]any {
			return map[string]any{
				"queue_depth":   pipe.QueueDepth(),
				"breaker_state": pipe.Dispatcher().BreakerState(target.Name()),
			}
		},
		DB:    client.DB(),
		Redis: rdb,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("Relay started successfully",
		"teams", stats.Teams,
		"rules", stats.Rules,
		"sources", stats.Sources)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	case <-ctx.Done():
	}

	// 10. Graceful shutdown: stop ingress, drain in-flight work, then stop
	// the stage loops.
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer drainCancel()
	if err := pipe.Drain(drainCtx); err != nil {
		slog.Warn("Drain incomplete, scheduled entries survive in storage", "error", err)
	}

	cancel()
	<-pipelineDone

	slog.Info("Shutdown complete")
	return nil
}
