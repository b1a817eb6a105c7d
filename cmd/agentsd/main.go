package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/broadcast"
	"github.com/kandev/agentsd/internal/config"
	"github.com/kandev/agentsd/internal/daemon"
	"github.com/kandev/agentsd/internal/eventbus"
	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/logx"
	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/workerpool"
)

func main() {
	// 1. Load configuration.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger.
	log, err := logx.New(logx.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logx.SetDefault(log)

	log.Info("starting agents daemon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Connect the internal event bus (NATS if configured, in-memory otherwise).
	bus, err := eventbus.New(cfg.NATS, log)
	if err != nil {
		log.Fatal("failed to connect event bus", zap.Error(err))
	}
	defer bus.Close()

	// 4. Open the kanban op log.
	kanbanStore, err := kanban.Open(cfg.Kanban.Path, cfg.Kanban.SchemaVersion, log)
	if err != nil {
		log.Fatal("failed to open kanban store", zap.Error(err))
	}
	defer kanbanStore.Close()

	// 5. Construct the RPC connection manager. Its onNotify callback needs a
	// *daemon.Daemon that doesn't exist yet, so it's wired through a pointer
	// that's filled in once daemon.New returns below.
	var d *daemon.Daemon
	manager := rpc.NewManager(log, func(kind, sessionID string, update rpc.SessionUpdate) {
		if d != nil {
			d.HandleNotification(kind, sessionID, update)
		}
	})

	// 6. Wire the broadcast hub as the manager's protocol-debug tap and
	// executor-lifecycle publisher, both of which must be set before Spawn:
	// Connection.SetTap(m.tap) only reads the field at spawn time, and an
	// executor that fails to spawn needs the bus already installed to raise
	// its "executors" notice.
	hub := broadcast.NewHub(log)
	go hub.Run(ctx)
	manager.SetTap(func(kind string, dir rpc.TapDirection, line string) {
		hub.Protocol(kind, string(dir), line)
	})
	manager.SetBus(bus)

	// 7. Spawn each configured executor kind.
	for kind, execCfg := range cfg.Executors.Kinds {
		spec := rpc.ExecutorSpec{
			Kind:       kind,
			BinaryPath: execCfg.BinaryPath,
			Args:       executorArgs(execCfg, cfg.Executors.Cwd),
			Required:   execCfg.Required,
		}
		if err := manager.Spawn(ctx, spec); err != nil {
			if execCfg.Required {
				log.Fatal("required executor failed to spawn", zap.String("executor_kind", kind), zap.Error(err))
			}
			log.Warn("optional executor failed to spawn, continuing without it",
				zap.String("executor_kind", kind), zap.Error(err))
		}
	}

	// 8. Warm up the fast-model worker pool, if configured.
	var pool *workerpool.Pool
	if cfg.Pool.BinaryPath != "" {
		pool = workerpool.New(workerpool.Config{
			BinaryPath: cfg.Pool.BinaryPath,
			Model:      cfg.Pool.Model,
		}, log)
		if err := pool.Warmup(ctx); err != nil {
			log.Warn("worker pool warmup failed, pool features unavailable", zap.Error(err))
		}
	}

	// 9. Construct the daemon and fill in the forward reference from step 5.
	// Every executor kind spawned in step 7 is already initialized by
	// manager.Spawn itself, so the daemon has nothing left to negotiate.
	d = daemon.New(log, manager, bus, kanbanStore, pool)
	daemon.Install(d)

	// 10. Wire the broadcast hub as the daemon's event sink.
	d.SetEventSink(hub.Send)

	// 11. Start the daemon: lifecycle subscriptions and startup
	// reconciliation.
	if err := d.Start(ctx); err != nil {
		log.Fatal("failed to start daemon", zap.Error(err))
	}
	log.Info("agents daemon started")

	// 12. Wait for a shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down agents daemon")

	// 13. Graceful shutdown: cancel the root context (stopping the hub's Run
	// loop) and release the daemon's worker pool subprocess.
	cancel()

	if err := d.Stop(); err != nil {
		log.Error("daemon stop error", zap.Error(err))
	}

	log.Info("agents daemon stopped")
}

func executorArgs(execCfg config.ExecutorConfig, cwd string) []string {
	args := []string{}
	if execCfg.Model != "" {
		args = append(args, "--model", execCfg.Model)
	}
	if execCfg.ThinkingTokenBudget > 0 {
		args = append(args, "--thinking-token-budget", fmt.Sprintf("%d", execCfg.ThinkingTokenBudget))
	}
	if cwd != "" {
		args = append(args, "--cwd", cwd)
	}
	return args
}
