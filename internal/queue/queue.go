// Package queue implements the per-session FIFO message queue and its
// coalesced drain on turn_end.
package queue

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev/agentsd/internal/logx"
)

// Message is one queued user utterance awaiting the end of the active turn.
type Message struct {
	ID      string
	Text    string
	Images  []string
	Files   []string
	AddedAt time.Time
}

// Drained is the coalesced result of draining every queued message for a
// session: texts joined with a blank line, images/files concatenated in
// order.
type Drained struct {
	Text   string
	Images []string
	Files  []string
}

// Service owns one FIFO per session.
type Service struct {
	mu     sync.Mutex
	queues map[string][]*Message
	log    *logx.Logger
}

// NewService creates an empty Service.
func NewService(log *logx.Logger) *Service {
	return &Service{
		queues: make(map[string][]*Message),
		log:    log.With(zap.String("component", "queue")),
	}
}

// Enqueue appends a message to sessionID's FIFO and returns it.
func (s *Service) Enqueue(sessionID, text string, images, files []string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:      uuid.New().String(),
		Text:    text,
		Images:  images,
		Files:   files,
		AddedAt: time.Now().UTC(),
	}
	s.queues[sessionID] = append(s.queues[sessionID], msg)

	s.log.Info("message queued", zap.String("session_id", sessionID), zap.String("queue_id", msg.ID))
	return msg
}

// Len reports how many messages are currently queued for sessionID.
func (s *Service) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

// CancelQueued removes one message by id. Returns false (no-op) if the
// queue doesn't contain it.
func (s *Service) CancelQueued(sessionID, queueID string) (*Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.queues[sessionID]
	for i, m := range msgs {
		if m.ID == queueID {
			s.queues[sessionID] = append(msgs[:i], msgs[i+1:]...)
			s.log.Info("queued message cancelled", zap.String("session_id", sessionID), zap.String("queue_id", queueID))
			return m, true
		}
	}
	return nil, false
}

// Drain removes every queued message for sessionID and coalesces them into
// one prompt: texts joined with a blank-line separator, images/files
// concatenated in order. Returns (nil, false) if nothing was queued.
func (s *Service) Drain(sessionID string) (*Drained, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.queues[sessionID]
	if len(msgs) == 0 {
		return nil, false
	}
	delete(s.queues, sessionID)

	texts := make([]string, 0, len(msgs))
	var images, files []string
	for _, m := range msgs {
		texts = append(texts, m.Text)
		images = append(images, m.Images...)
		files = append(files, m.Files...)
	}

	s.log.Info("queue drained", zap.String("session_id", sessionID), zap.Int("count", len(msgs)))
	return &Drained{Text: strings.Join(texts, "\n\n"), Images: images, Files: files}, true
}

// InterruptAndPrompt atomically drops any queued messages for sessionID and
// enqueues replacement as the sole pending one.
func (s *Service) InterruptAndPrompt(sessionID, text string, images, files []string) *Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:      uuid.New().String(),
		Text:    text,
		Images:  images,
		Files:   files,
		AddedAt: time.Now().UTC(),
	}
	s.queues[sessionID] = []*Message{msg}
	s.log.Info("queue replaced for interrupt-and-prompt", zap.String("session_id", sessionID), zap.String("queue_id", msg.ID))
	return msg
}

// Forget drops sessionID's queue entirely, e.g. on session deletion.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.queues, sessionID)
}

// Move transfers oldID's queue to newID, used when a session is replaced
// after the agent reports it gone.
func (s *Service) Move(oldID, newID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msgs, ok := s.queues[oldID]; ok {
		s.queues[newID] = msgs
		delete(s.queues, oldID)
	}
}
