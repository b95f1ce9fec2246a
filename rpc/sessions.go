package rpc

import (
	"context"
	"sync"
)

// Sessions tracks live stream sessions by stream id across every
// endpoint of a process.
type Sessions struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

// NewSessions returns an empty table.
func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]context.CancelFunc)}
}

// open registers id. It returns false when id is already live, so a
// redelivered stream_open is ignored.
func (s *Sessions) open(id string, cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, live := s.m[id]; live {
		return false
	}
	s.m[id] = cancel
	return true
}

func (s *Sessions) close(id string) {
	s.mu.Lock()
	delete(s.m, id)
	s.mu.Unlock()
}

// cancel stops the producer of session id, if live.
func (s *Sessions) cancel(id string) bool {
	s.mu.Lock()
	cancel, ok := s.m[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Len returns the number of live sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
