package rpc

import "sync"

// SideChannelPrefix is the fixed 4-character prefix that marks a stdout line
// as out-of-band instead of a JSON-RPC message.
const SideChannelPrefix = "KSC:"

// SideChannelTask tracks one open out-of-band task until its terminator
// line arrives, or the process exits without one.
type SideChannelTask struct {
	ID       string
	Header   string
	Lines    []string
	Flushed  bool
	Outcome  string // "confirmed" or "ended without confirmation"
}

// SideChannelStore holds side-channel tasks for one connection.
type SideChannelStore struct {
	mu    sync.Mutex
	tasks map[string]*SideChannelTask
}

// NewSideChannelStore creates an empty store.
func NewSideChannelStore() *SideChannelStore {
	return &SideChannelStore{tasks: make(map[string]*SideChannelTask)}
}

// IsSideChannelLine reports whether line carries the side-channel prefix.
func IsSideChannelLine(line string) bool {
	return len(line) >= len(SideChannelPrefix) && line[:len(SideChannelPrefix)] == SideChannelPrefix
}

// Append records a side-channel line under taskID, creating the task if new.
func (s *SideChannelStore) Append(taskID, header, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		task = &SideChannelTask{ID: taskID, Header: header}
		s.tasks[taskID] = task
	}
	task.Lines = append(task.Lines, line)
}

// Confirm marks taskID as terminated normally and returns it.
func (s *SideChannelStore) Confirm(taskID string) *SideChannelTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil
	}
	task.Flushed = true
	task.Outcome = "confirmed"
	delete(s.tasks, taskID)
	return task
}

// FlushUnconfirmed marks every still-open task as ended without
// confirmation, called when the owning process exits.
func (s *SideChannelStore) FlushUnconfirmed() []*SideChannelTask {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flushed []*SideChannelTask
	for id, task := range s.tasks {
		task.Flushed = true
		task.Outcome = "ended without confirmation"
		flushed = append(flushed, task)
		delete(s.tasks, id)
	}
	return flushed
}
