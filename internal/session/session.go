// Package session implements the session registry and per-turn state
// derivation: the daemon's view of what each agent-backed conversation is
// doing right now, built purely from the outbound broadcast stream.
package session

import (
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when an operation targets an unknown session id.
var ErrNotFound = errors.New("session not found")

// Session is one agent-backed conversation. The executor kind is immutable
// once set; liveness tracks whether the agent currently holds an open
// channel for this id.
type Session struct {
	ID           string
	ExecutorKind string
	ProjectPath  string

	mu    sync.RWMutex
	live  bool
	turn  *TurnState
}

// Live reports whether the agent currently holds this session open.
func (s *Session) Live() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// SetLive updates the liveness flag, e.g. after a successful newSession or
// resumeSession call.
func (s *Session) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = live
}

// Turn returns the session's current turn state, or nil if idle.
func (s *Session) Turn() *TurnState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turn
}

// Registry owns every Session the daemon currently manages, keyed by opaque
// agent-generated id. "At most one in_progress turn per session" is checked
// per Session, in StartTurn.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a brand new session. Returns ErrAlreadyExists if id is
// already registered: session ids are unique across all executor kinds.
func (r *Registry) Create(id, executorKind, projectPath string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, ErrAlreadyExists
	}

	s := &Session{ID: id, ExecutorKind: executorKind, ProjectPath: projectPath, live: true}
	r.sessions[id] = s
	return s, nil
}

// ErrAlreadyExists is returned by Create when the session id collides.
var ErrAlreadyExists = errors.New("session already exists")

// Get returns the session for id, or ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Delete removes a session from the registry.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns every currently registered session.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Replace moves a session's identity from oldID to newID, used when the
// agent reports "session gone" and a replacement session is created under a
// new id. The TurnState, if any, moves with it.
func (r *Registry) Replace(oldID string, newSession *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[oldID]; ok {
		old.mu.RLock()
		newSession.turn = old.turn
		old.mu.RUnlock()
		delete(r.sessions, oldID)
	}
	r.sessions[newSession.ID] = newSession
}

// now exists so tests can be written against deterministic clocks without
// reaching for a wall-clock dependency injection framework.
var now = func() time.Time { return time.Now().UTC() }
