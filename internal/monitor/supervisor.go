package monitor

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Supervisor owns every running monitor goroutine so they can be enumerated
// and cancelled deterministically, instead of running as detached tasks.
type Supervisor struct {
	mu     sync.Mutex
	tasks  map[string]*task
	logger *zap.Logger
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		tasks:  make(map[string]*task),
		logger: logger,
	}
}

// Start launches m's run loop for sessionID. A previous monitor for the same
// session, if any, is stopped first.
func (s *Supervisor) Start(sessionID string, m *Monitor) {
	s.Stop(sessionID)

	ctx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.tasks[sessionID] = t
	s.mu.Unlock()

	go func() {
		defer close(t.done)
		m.Run(ctx)
		s.mu.Lock()
		if s.tasks[sessionID] == t {
			delete(s.tasks, sessionID)
		}
		s.mu.Unlock()
	}()
}

// Stop cancels the session's monitor and waits for it to finish. Stopping an
// unknown session is a no-op.
func (s *Supervisor) Stop(sessionID string) {
	s.mu.Lock()
	t, ok := s.tasks[sessionID]
	if ok {
		delete(s.tasks, sessionID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
	s.logger.Debug("monitor stopped", zap.String("session_id", sessionID))
}

// StopAll cancels every monitor and waits for all of them.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
	s.logger.Info("all monitors stopped", zap.Int("count", len(tasks)))
}

// Count returns the number of running monitors.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}
