package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/logx"
)

// ErrConnectionClosed is returned by Call/Notify once the child process has
// exited or Close has been invoked.
var ErrConnectionClosed = errors.New("rpc connection closed")

// TapDirection marks which way a mirrored protocol line traveled.
type TapDirection string

const (
	TapOutbound TapDirection = "outbound"
	TapInbound  TapDirection = "inbound"
)

// Tap receives every raw line crossing a Connection's stdio, in the order it
// crossed, for the protocol debug panel. It must not block or reorder: the
// Connection copies the line for the tap and moves on.
type Tap func(kind string, direction TapDirection, line string)

// PermissionHandler answers a requestPermission call from the agent. The
// teacher's client auto-approves by selecting the first allow option; that
// policy lives in the default handler in permission.go.
type PermissionHandler func(ctx context.Context, params RequestPermissionParams) (RequestPermissionResult, error)

// NotificationHandler processes one inbound notification (sessionUpdate,
// readTextFile, writeTextFile) from the agent.
type NotificationHandler func(method string, params json.RawMessage)

// Connection owns one agent child process: its stdio, the JSON-RPC framing
// loop, the side-channel diversion, and the pending-call table.
type Connection struct {
	Kind string // executor kind this connection backs, e.g. "primary"

	log      *logx.Logger
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	writeMu  sync.Mutex
	nextID   int64
	pending  sync.Map // id (string) -> chan *Response
	tap      Tap
	onNotify NotificationHandler
	onPerm   PermissionHandler
	sideCh   *SideChannelStore

	closed   atomic.Bool
	doneCh   chan struct{}
}

// Dial spawns binaryPath as the Kind's agent process and starts the framing
// loop. args are passed through to the child unchanged.
func Dial(ctx context.Context, kind, binaryPath string, args []string, log *logx.Logger, onNotify NotificationHandler, onPerm PermissionHandler) (*Connection, error) {
	cmd := exec.CommandContext(ctx, binaryPath, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", kind, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe for %s: %w", kind, err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s executor %q: %w", kind, binaryPath, err)
	}

	c := &Connection{
		Kind:     kind,
		log:      log.With(zap.String("executor_kind", kind)),
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		onNotify: onNotify,
		onPerm:   onPerm,
		sideCh:   NewSideChannelStore(),
		doneCh:   make(chan struct{}),
	}

	go c.readLoop()
	go c.awaitExit()

	return c, nil
}

// SetTap installs the protocol debug mirror. Safe to call once before the
// connection starts handling traffic.
func (c *Connection) SetTap(tap Tap) { c.tap = tap }

func (c *Connection) awaitExit() {
	_ = c.cmd.Wait()
	c.closed.Store(true)
	close(c.doneCh)
	for _, task := range c.sideCh.FlushUnconfirmed() {
		c.log.Warn("side-channel task ended without confirmation", zap.String("task_id", task.ID))
	}
	c.failPending(fmt.Errorf("%s executor process exited", c.Kind))
}

// Done is closed when the child process has exited.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Pid returns the child process id, or 0 if the process never started.
func (c *Connection) Pid() int {
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *Connection) failPending(err error) {
	c.pending.Range(func(key, value any) bool {
		ch := value.(chan *Response)
		ch <- &Response{Error: &Error{Code: InternalError, Message: err.Error()}}
		c.pending.Delete(key)
		return true
	})
}

func (c *Connection) readLoop() {
	scanner := bufio.NewScanner(c.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		if IsSideChannelLine(line) {
			c.handleSideChannelLine(line)
			continue
		}

		if c.tap != nil {
			c.tap(c.Kind, TapInbound, line)
		}
		c.dispatch([]byte(line))
	}
}

func (c *Connection) handleSideChannelLine(line string) {
	rest := line[len(SideChannelPrefix):]
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) == 0 {
		return
	}
	taskID := parts[0]
	header := ""
	if len(parts) > 1 {
		header = parts[1]
	}
	if header == "END" {
		c.sideCh.Confirm(taskID)
		return
	}
	c.sideCh.Append(taskID, header, line)
}

func (c *Connection) dispatch(raw []byte) {
	var peek struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &peek); err != nil {
		c.log.Error("malformed rpc line", zap.Error(err))
		return
	}

	if peek.Method == "" {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.log.Error("malformed rpc response", zap.Error(err))
			return
		}
		c.resolve(&resp)
		return
	}

	switch peek.Method {
	case MethodRequestPermission:
		c.handlePermissionRequest(raw)
	default:
		var notif Notification
		if err := json.Unmarshal(raw, &notif); err != nil {
			c.log.Error("malformed rpc notification", zap.Error(err))
			return
		}
		if c.onNotify != nil {
			c.onNotify(notif.Method, notif.Params)
		}
	}
}

func (c *Connection) resolve(resp *Response) {
	key := fmt.Sprintf("%v", resp.ID)
	v, ok := c.pending.LoadAndDelete(key)
	if !ok {
		return
	}
	v.(chan *Response) <- resp
}

func (c *Connection) handlePermissionRequest(raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	var params RequestPermissionParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return
	}

	handler := c.onPerm
	if handler == nil {
		handler = AutoApproveFirstAllow
	}

	go func() {
		result, err := handler(context.Background(), params)
		if err != nil {
			c.respondError(req.ID, &Error{Code: InternalError, Message: err.Error()})
			return
		}
		c.respondResult(req.ID, result)
	}()
}

func (c *Connection) respondResult(id interface{}, result interface{}) {
	data, err := json.Marshal(result)
	if err != nil {
		return
	}
	c.writeFrame(&Response{JSONRPC: "2.0", ID: id, Result: data})
}

func (c *Connection) respondError(id interface{}, rpcErr *Error) {
	c.writeFrame(&Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}

// Call issues a JSON-RPC request and blocks until the matching response
// arrives or ctx is cancelled.
func (c *Connection) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("%s executor: %w", c.Kind, ErrConnectionClosed)
	}

	id := atomic.AddInt64(&c.nextID, 1)
	idStr := fmt.Sprintf("%d", id)

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params for %s: %w", method, err)
	}

	req := &Request{JSONRPC: "2.0", ID: id, Method: method, Params: paramsRaw}

	ch := make(chan *Response, 1)
	c.pending.Store(idStr, ch)

	if err := c.writeRequest(req); err != nil {
		c.pending.Delete(idStr)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.pending.Delete(idStr)
		return nil, ctx.Err()
	case <-c.doneCh:
		return nil, fmt.Errorf("%s executor: %w", c.Kind, ErrConnectionClosed)
	}
}

// Notify sends a one-way JSON-RPC notification (no response expected).
func (c *Connection) Notify(method string, params interface{}) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", method, err)
	}
	return c.writeFrame(&Notification{JSONRPC: "2.0", Method: method, Params: paramsRaw})
}

func (c *Connection) writeRequest(req *Request) error {
	return c.writeFrame(req)
}

func (c *Connection) writeFrame(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal rpc frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.tap != nil {
		c.tap(c.Kind, TapOutbound, string(data))
	}

	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to %s executor: %w", c.Kind, err)
	}
	return nil
}

// Close terminates the child process and releases its pipes.
func (c *Connection) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	_ = c.stdin.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return nil
}
