// Package workerpool runs a pre-warmed fast-model subprocess that answers
// short, bounded classification and title-suggestion prompts without paying
// the cold-start cost of the full executor protocol.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/logx"
	"github.com/kandev/agentsd/internal/rpc"
)

// ErrNotWarmedUp is returned when a pool call arrives before Warmup succeeds.
var ErrNotWarmedUp = errors.New("worker pool not warmed up")

// shutdownGrace is how long Stop waits after SIGTERM before escalating to
// SIGKILL.
const shutdownGrace = 5 * time.Second

// StreamChunk is one element of the AsyncSequence stream() yields.
type StreamChunk struct {
	Type string `json:"type"` // "text" or "thinking"
	Text string `json:"text"`
}

// Metric is one recorded pool call outcome.
type Metric struct {
	Op         string
	DurationMs int64
	Exceeded   bool
	Err        string
}

// Pool holds a hot subprocess conversation with a small/cheap model and
// serves route/generateTitle/stream calls against it.
type Pool struct {
	log        *logx.Logger
	binaryPath string
	model      string
	callBudget time.Duration

	mu      sync.RWMutex
	conn    *rpc.Connection
	metrics []Metric
}

// Config configures a Pool.
type Config struct {
	BinaryPath string
	Model      string
	CallBudget time.Duration
}

// New creates an unwarmed pool; call Warmup before routing traffic.
func New(cfg Config, log *logx.Logger) *Pool {
	budget := cfg.CallBudget
	if budget <= 0 {
		budget = 10 * time.Second
	}
	return &Pool{
		log:        log.With(zap.String("component", "workerpool")),
		binaryPath: cfg.BinaryPath,
		model:      cfg.Model,
		callBudget: budget,
	}
}

// Warmup spawns the hot subprocess and holds a single streaming conversation
// open with it. A warmup failure is never fatal to daemon startup — the pool
// degrades to unavailable and every call returns ErrNotWarmedUp until a
// later warmup succeeds.
func (p *Pool) Warmup(ctx context.Context) error {
	args := []string{}
	if p.model != "" {
		args = append(args, "--model", p.model)
	}

	conn, err := rpc.Dial(ctx, "workerpool", p.binaryPath, args, p.log, nil, nil)
	if err != nil {
		return fmt.Errorf("warm up worker pool: %w", err)
	}

	if _, err := conn.Call(ctx, rpc.MethodInitialize, rpc.InitializeParams{
		ProtocolVersion: 1,
		ClientInfo:      rpc.ClientInfo{Name: "agentsd-workerpool"},
	}); err != nil {
		conn.Close()
		return fmt.Errorf("initialize worker pool conversation: %w", err)
	}

	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.mu.Unlock()

	p.log.Info("worker pool warmed up", zap.String("binary", p.binaryPath))
	return nil
}

func (p *Pool) connection() *rpc.Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Pool) withBudget(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, p.callBudget)
}

// Route classifies whether text belongs to the current session ("same") or
// should open a new one, using title/summary as additional context.
func (p *Pool) Route(ctx context.Context, text, title, summary string) (bool, error) {
	conn := p.connection()
	if conn == nil {
		return false, ErrNotWarmedUp
	}

	start := time.Now()
	ctx, cancel := p.withBudget(ctx)
	defer cancel()

	raw, err := conn.Call(ctx, rpc.MethodPrompt, routeParams{Text: text, Title: title, Summary: summary})
	p.recordMetric("route", start, ctx, err)
	if err != nil {
		return false, fmt.Errorf("route via worker pool: %w", err)
	}

	var result routeResult
	if err := decodeResult(raw, &result); err != nil {
		return false, err
	}
	return result.SameSession, nil
}

// GenerateTitle asks the pool for a short task title, or "" if it declines.
func (p *Pool) GenerateTitle(ctx context.Context, cwd, userMessage string) (string, error) {
	conn := p.connection()
	if conn == nil {
		return "", ErrNotWarmedUp
	}

	start := time.Now()
	ctx, cancel := p.withBudget(ctx)
	defer cancel()

	raw, err := conn.Call(ctx, rpc.MethodPrompt, titleParams{Cwd: cwd, UserMessage: userMessage})
	p.recordMetric("generateTitle", start, ctx, err)
	if err != nil {
		return "", fmt.Errorf("generate title via worker pool: %w", err)
	}

	var result titleResult
	if err := decodeResult(raw, &result); err != nil {
		return "", err
	}
	return result.Title, nil
}

// Stream sends prompt through the pool's hot conversation and returns a
// channel of text/thinking chunks, closed when the call completes or ctx is
// done. This bypasses the full session protocol.
func (p *Pool) Stream(ctx context.Context, prompt string) (<-chan StreamChunk, error) {
	conn := p.connection()
	if conn == nil {
		return nil, ErrNotWarmedUp
	}

	out := make(chan StreamChunk, 16)
	start := time.Now()

	go func() {
		defer close(out)
		ctx, cancel := p.withBudget(ctx)
		defer cancel()

		raw, err := conn.Call(ctx, rpc.MethodPrompt, streamParams{Prompt: prompt})
		p.recordMetric("stream", start, ctx, err)
		if err != nil {
			p.log.Warn("worker pool stream call failed", zap.Error(err))
			return
		}

		var result streamResult
		if err := decodeResult(raw, &result); err != nil {
			return
		}
		for _, chunk := range result.Chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (p *Pool) recordMetric(op string, start time.Time, ctx context.Context, err error) {
	entry := Metric{Op: op, DurationMs: time.Since(start).Milliseconds()}
	if ctx.Err() != nil {
		entry.Exceeded = true
	}
	if err != nil {
		entry.Err = err.Error()
	}

	p.mu.Lock()
	p.metrics = append(p.metrics, entry)
	if len(p.metrics) > 1000 {
		p.metrics = p.metrics[len(p.metrics)-1000:]
	}
	p.mu.Unlock()
}

// GetMetrics returns a copy of recorded pool-level telemetry.
func (p *Pool) GetMetrics() []Metric {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Metric, len(p.metrics))
	copy(out, p.metrics)
	return out
}

// Stop tears down the pool's subprocess: SIGTERM, then SIGKILL after
// shutdownGrace if it hasn't exited.
func (p *Pool) Stop() {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	if conn == nil {
		return
	}

	pid := conn.Pid()
	if pid <= 0 {
		conn.Close()
		return
	}

	_ = syscall.Kill(pid, syscall.SIGTERM)

	select {
	case <-conn.Done():
	case <-time.After(shutdownGrace):
		_ = syscall.Kill(pid, syscall.SIGKILL)
		<-conn.Done()
	}

	conn.Close()
}
