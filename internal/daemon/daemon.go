// Package daemon implements the daemon singleton: the
// process-wide coordinator owning every per-session map, the RPC connection
// manager, the worker pool, and the kanban op log, reachable through a
// public command surface and a single event-sink indirection.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/broadcast"
	"github.com/kandev/agentsd/internal/eventbus"
	"github.com/kandev/agentsd/internal/kanban"
	"github.com/kandev/agentsd/internal/logx"
	"github.com/kandev/agentsd/internal/queue"
	"github.com/kandev/agentsd/internal/rpc"
	"github.com/kandev/agentsd/internal/session"
	"github.com/kandev/agentsd/internal/workerpool"
)

// executorManager is the narrow slice of *rpc.Manager the daemon depends on,
// so tests can substitute a fake instead of spawning real agent processes.
type executorManager interface {
	Kinds() []string
	Connection(kind string) *rpc.Connection
	NewSession(ctx context.Context, kind, cwd string) (*rpc.NewSessionResult, error)
	ResumeSession(ctx context.Context, kind, sessionID, cwd string) error
	Prompt(ctx context.Context, kind, sessionID string, content []rpc.ContentBlock) (*rpc.PromptResult, error)
	Cancel(ctx context.Context, kind, sessionID string) error
	ExtMethod(ctx context.Context, kind, subMethod string, params, out interface{}) error
}

var _ executorManager = (*rpc.Manager)(nil)

// Daemon is the process-wide coordinator. One instance is installed per
// process; transport may be hot-reloaded around it by calling SetEventSink
// again without losing any session state.
type Daemon struct {
	log     *logx.Logger
	manager executorManager
	bus     eventbus.Bus
	kanban  *kanban.Store
	pool    *workerpool.Pool

	sessions *session.Registry
	replay   *session.ReplayStore
	queue    *queue.Service

	mu        sync.RWMutex
	sink      broadcast.Sink
	running   bool
	startedAt time.Time

	sessionsMu      sync.Mutex
	sessionsPending chan struct{}
	sessionsAt      time.Time
}

// New wires a Daemon from already-constructed components. Cross-component
// callbacks that close over the returned Daemon (the Manager's notification
// route) must be wired by the caller after New returns — the same two-phase
// construction the RPC manager and connection hub already use for the same
// reason, since the callback closure needs a *Daemon that doesn't exist yet
// while the Manager itself is being built.
func New(log *logx.Logger, manager executorManager, bus eventbus.Bus, kanbanStore *kanban.Store, pool *workerpool.Pool) *Daemon {
	return &Daemon{
		log:      log.With(zap.String("component", "daemon")),
		manager:  manager,
		bus:      bus,
		kanban:   kanbanStore,
		pool:     pool,
		sessions: session.NewRegistry(),
		replay:   session.NewReplayStore(),
		queue:    queue.NewService(log),
	}
}

// SetEventSink installs the function every broadcast event is delivered to.
// Safe to call again after a transport hot-reload; installing nil suspends
// delivery without losing any session state.
func (d *Daemon) SetEventSink(sink broadcast.Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
}

// Start marks the daemon running, subscribes to executor lifecycle events on
// the internal bus, and performs startup reconciliation: every managed
// session whose overlay column is in_progress gets an eager resume
// attempt, falling back to in_review with stopReason server_restart on
// failure.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	d.running = true
	d.startedAt = time.Now().UTC()
	d.mu.Unlock()

	if d.bus != nil {
		if _, err := d.bus.Subscribe("executors.>", d.handleExecutorEvent); err != nil {
			d.log.Warn("failed to subscribe to executor lifecycle events", zap.Error(err))
		}
	}

	if err := d.reconcileOnStartup(ctx); err != nil {
		d.log.Error("startup reconciliation failed", zap.Error(err))
	}

	d.log.Info("daemon started", zap.Strings("executor_kinds", d.manager.Kinds()))
	return nil
}

// Stop releases the worker pool subprocess and marks the daemon stopped. It
// does not close the RPC manager's agent connections — ownership of those
// belongs to whoever constructed the manager, since a child process's
// lifecycle beyond spawn/initialize/prompt/cancel is out of the daemon's
// scope to reimplement.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return ErrNotRunning
	}
	d.running = false
	d.mu.Unlock()

	if d.pool != nil {
		d.pool.Stop()
	}
	d.log.Info("daemon stopped")
	return nil
}

// Status is a point-in-time health snapshot.
type Status struct {
	Running       bool
	ManagedCount  int
	ActiveTurns   int
	UptimeSeconds int64
	ExecutorKinds []string
}

// GetStatus reports the daemon's current health.
func (d *Daemon) GetStatus() Status {
	d.mu.RLock()
	running := d.running
	startedAt := d.startedAt
	d.mu.RUnlock()

	sessions := d.sessions.List()
	active := 0
	for _, s := range sessions {
		if t := s.Turn(); t != nil && t.Status == session.StatusInProgress {
			active++
		}
	}

	var uptime int64
	if running {
		uptime = int64(time.Since(startedAt).Seconds())
	}

	return Status{
		Running:       running,
		ManagedCount:  len(sessions),
		ActiveTurns:   active,
		UptimeSeconds: uptime,
		ExecutorKinds: d.manager.Kinds(),
	}
}

func (d *Daemon) handleExecutorEvent(_ context.Context, event *eventbus.Event) error {
	kind, _ := event.Data["kind"].(string)
	d.broadcast("", "executors", executorsEventPayload{Kind: kind, EventType: event.Type})
	return nil
}

// broadcast is the single path every internal component uses to emit a
// client-visible event: cache session
// metadata for late-join replay, buffer bufferable types into the in-turn
// replay buffer, then invoke the installed sink. The sink must be
// synchronous; a sink wanting async delivery enqueues internally and
// returns.
func (d *Daemon) broadcast(sessionID, msgType string, data interface{}) {
	if msgType == "session_info" || msgType == "system" || msgType == "commands" {
		d.replay.SetMeta(sessionID, msgType, data)
	}
	d.replay.Append(sessionID, msgType, data)

	d.mu.RLock()
	sink := d.sink
	d.mu.RUnlock()
	if sink == nil {
		return
	}
	sink(broadcast.Event{Type: msgType, SessionID: sessionID, Data: data})
}

// singleton slot.
// The daemon's identity is decoupled from any one transport instance: a
// transport hot-reload calls SetEventSink on the same *Daemon rather than
// constructing a new one.
var (
	globalMu   sync.RWMutex
	globalInst *Daemon
)

// Install publishes d as the process-wide daemon instance.
func Install(d *Daemon) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalInst = d
}

// Instance returns the process-wide daemon instance, or nil before Install
// has been called.
func Instance() *Daemon {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalInst
}
