package daemon

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kandev/agentsd/internal/rpc"
)

// fakeManager is a minimal executorManager double: no subprocess, no wire
// protocol, just enough in-memory bookkeeping to drive the prompt state
// machine and startup reconciliation through their real code paths.
type fakeManager struct {
	mu sync.Mutex

	kinds []string

	// newSessionErr, when set, is returned by the next NewSession call.
	newSessionErr error
	// promptErr, when set, is returned by the next Prompt call instead of a result.
	promptErr error
	// promptResult overrides the default successful PromptResult, if set.
	promptResult *rpc.PromptResult
	// resumeErr, when set, is returned by ResumeSession.
	resumeErr error
	// promptCalls counts how many times Prompt was invoked.
	promptCalls int
	// cancelCalls counts how many times Cancel was invoked.
	cancelCalls int
	// extCalls counts ExtMethod invocations per sub-method.
	extCalls map[string]int
}

func newFakeManager(kinds ...string) *fakeManager {
	return &fakeManager{kinds: kinds, extCalls: make(map[string]int)}
}

func (f *fakeManager) Kinds() []string { return f.kinds }

func (f *fakeManager) Connection(string) *rpc.Connection { return nil }

func (f *fakeManager) NewSession(context.Context, string, string) (*rpc.NewSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.newSessionErr != nil {
		err := f.newSessionErr
		f.newSessionErr = nil
		return nil, err
	}
	return &rpc.NewSessionResult{SessionID: uuid.New().String()}, nil
}

func (f *fakeManager) ResumeSession(context.Context, string, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resumeErr
}

func (f *fakeManager) Prompt(context.Context, string, string, []rpc.ContentBlock) (*rpc.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptCalls++
	if f.promptErr != nil {
		err := f.promptErr
		f.promptErr = nil
		return nil, err
	}
	if f.promptResult != nil {
		return f.promptResult, nil
	}
	return &rpc.PromptResult{StopReason: "end_turn"}, nil
}

func (f *fakeManager) Cancel(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeManager) ExtMethod(_ context.Context, _ string, subMethod string, _, _ interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extCalls[subMethod]++
	return nil
}
