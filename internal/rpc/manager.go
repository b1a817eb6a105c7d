package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/eventbus"
	"github.com/kandev/agentsd/internal/logx"
)

// ErrExecutorNotConnected is returned when a call targets an executor kind
// that either never spawned (optional, failed) or has since exited.
var ErrExecutorNotConnected = errors.New("executor not connected")

// ExecutorSpec describes how to spawn one executor kind.
type ExecutorSpec struct {
	Kind       string
	BinaryPath string
	Args       []string
	Required   bool
}

// Manager owns one Connection per executor kind and exposes one uniform RPC
// surface without callers needing to know which kind backs a session.
type Manager struct {
	log      *logx.Logger
	tap      Tap
	bus      eventbus.Bus
	onNotify func(kind, sessionID string, update SessionUpdate)
	onPerm   PermissionHandler

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewManager creates an empty Manager. onNotify receives every sessionUpdate
// tagged with the executor kind it came from, for the session registry to
// route by session id.
func NewManager(log *logx.Logger, onNotify func(kind, sessionID string, update SessionUpdate)) *Manager {
	return &Manager{log: log, onNotify: onNotify, conns: make(map[string]*Connection)}
}

// SetTap installs the protocol debug mirror for every connection spawned
// from this point on.
func (m *Manager) SetTap(tap Tap) { m.tap = tap }

// SetBus installs the internal event bus the manager publishes executor
// lifecycle notices to (spawn failure of an optional executor, child process
// exit). Must be called before Spawn for the notice to reach subscribers.
func (m *Manager) SetBus(bus eventbus.Bus) { m.bus = bus }

// publishExecutorEvent fires an "executors.<kind>" notice for the daemon's
// "executors.>" subscription to pick up; a nil or disconnected bus is a
// silent no-op, matching the rest of the manager's optional-executor
// tolerance.
func (m *Manager) publishExecutorEvent(kind, eventType string) {
	if m.bus == nil {
		return
	}
	event := eventbus.NewEvent(eventType, "rpc.Manager", map[string]interface{}{"kind": kind})
	if err := m.bus.Publish(context.Background(), "executors."+kind, event); err != nil {
		m.log.Warn("failed to publish executor event", zap.String("kind", kind), zap.String("event_type", eventType), zap.Error(err))
	}
}

// SetPermissionHandler overrides the default auto-approve policy.
func (m *Manager) SetPermissionHandler(h PermissionHandler) { m.onPerm = h }

// Spawn starts the executor kind described by spec. A Required spec whose
// spawn or initialize fails returns an error the caller must treat as fatal
// to daemon startup. A non-required spec's failure is logged here, published
// as an "executors.<kind>" event, and Spawn returns nil.
func (m *Manager) Spawn(ctx context.Context, spec ExecutorSpec) error {
	conn, err := Dial(ctx, spec.Kind, spec.BinaryPath, spec.Args, m.log,
		func(method string, params json.RawMessage) {
			m.routeNotification(spec.Kind, method, params)
		},
		m.onPerm,
	)
	if err != nil {
		if spec.Required {
			return fmt.Errorf("spawn required executor %q: %w", spec.Kind, err)
		}
		m.log.Warn("optional executor failed to spawn, continuing in single-executor mode",
			zap.String("kind", spec.Kind), zap.Error(err))
		m.publishExecutorEvent(spec.Kind, "spawn_failed")
		return nil
	}
	conn.SetTap(m.tap)

	m.mu.Lock()
	m.conns[spec.Kind] = conn
	m.mu.Unlock()

	if _, err := m.Initialize(ctx, spec.Kind); err != nil {
		m.mu.Lock()
		delete(m.conns, spec.Kind)
		m.mu.Unlock()
		_ = conn.Close()
		if spec.Required {
			return fmt.Errorf("initialize required executor %q: %w", spec.Kind, err)
		}
		m.log.Warn("optional executor failed to initialize", zap.String("kind", spec.Kind), zap.Error(err))
		m.publishExecutorEvent(spec.Kind, "initialize_failed")
		return nil
	}

	go func() {
		<-conn.Done()
		m.mu.Lock()
		delete(m.conns, spec.Kind)
		m.mu.Unlock()
		m.log.Error("executor process exited", zap.String("kind", spec.Kind))
		m.publishExecutorEvent(spec.Kind, "exited")
	}()

	return nil
}

func (m *Manager) routeNotification(kind, method string, params json.RawMessage) {
	if method != NotificationSessionUpdate || m.onNotify == nil {
		return
	}
	var update SessionUpdate
	if err := json.Unmarshal(params, &update); err != nil {
		m.log.Error("malformed session update", zap.String("kind", kind), zap.Error(err))
		return
	}
	m.onNotify(kind, update.SessionID, update)
}

// Connection returns the live connection for kind, or nil if it is not
// currently spawned (e.g. the optional executor failed to start).
func (m *Manager) Connection(kind string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[kind]
}

// Kinds returns the set of currently live executor kinds.
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.conns))
	for k := range m.conns {
		kinds = append(kinds, k)
	}
	return kinds
}

func (m *Manager) call(ctx context.Context, kind, method string, params, out interface{}) error {
	conn := m.Connection(kind)
	if conn == nil {
		return fmt.Errorf("%s: %w", kind, ErrExecutorNotConnected)
	}
	raw, err := conn.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil || raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Initialize performs the initialize handshake for kind.
func (m *Manager) Initialize(ctx context.Context, kind string) (*InitializeResult, error) {
	var result InitializeResult
	err := m.call(ctx, kind, MethodInitialize, InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      ClientInfo{Name: "agentsd", Version: "1"},
		Capabilities:    ClientCapabilities{Streaming: true},
	}, &result)
	return &result, err
}

// NewSession starts a fresh session on kind.
func (m *Manager) NewSession(ctx context.Context, kind, cwd string) (*NewSessionResult, error) {
	var result NewSessionResult
	err := m.call(ctx, kind, MethodNewSession, NewSessionParams{Cwd: cwd}, &result)
	return &result, err
}

// ResumeSession re-attaches to a session persisted by the agent.
func (m *Manager) ResumeSession(ctx context.Context, kind, sessionID, cwd string) error {
	return m.call(ctx, kind, MethodUnstableResumeSession, ResumeSessionParams{SessionID: sessionID, Cwd: cwd}, nil)
}

// Prompt sends content to sessionID and blocks until the turn ends.
func (m *Manager) Prompt(ctx context.Context, kind, sessionID string, content []ContentBlock) (*PromptResult, error) {
	var result PromptResult
	err := m.call(ctx, kind, MethodPrompt, PromptParams{SessionID: sessionID, Prompt: content}, &result)
	return &result, err
}

// Cancel requests cancellation of sessionID's active turn. Idempotent: the
// agent dialect treats a cancel with no active turn as a no-op.
func (m *Manager) Cancel(ctx context.Context, kind, sessionID string) error {
	return m.call(ctx, kind, MethodCancel, CancelParams{SessionID: sessionID}, nil)
}

// ExtMethod is the pass-through for extMethod sub-methods (sessions/list,
// sessions/getHistory, tasks/list, …), wrapped behind the single MethodExt
// wire method per the extMethod(name, params) dialect shape.
func (m *Manager) ExtMethod(ctx context.Context, kind, subMethod string, params, out interface{}) error {
	return m.call(ctx, kind, MethodExt, ExtMethodParams{Name: subMethod, Params: params}, out)
}

// Close tears down every live connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind, conn := range m.conns {
		_ = conn.Close()
		delete(m.conns, kind)
	}
}
