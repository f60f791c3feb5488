package server

import (
	"sync"

	"github.com/Blackilykat/PMP-Server/protocol"
)

// Registry tracks all live sessions and fans messages out to them.
// Registration and iteration are serialized, so a broadcast never observes a
// half-removed session; a session disconnecting concurrently with a broadcast
// may simply miss that one message.
type Registry struct {
	mu       sync.RWMutex
	sessions map[int]*Session
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]*Session)}
}

// Register adds a session to the fan-out set.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.clientID] = s
}

// Unregister removes a session from the fan-out set.
func (r *Registry) Unregister(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s.clientID)
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Broadcast queues msg for delivery to every registered session.
func (r *Registry) Broadcast(msg protocol.Message) {
	broadcasts.WithLabelValues().Inc()
	for _, s := range r.snapshot() {
		s.Send(msg)
	}
}

// BroadcastExcept queues msg for delivery to every registered session but the
// one with the given client id, so the author of a mutation does not receive
// its own echo.
func (r *Registry) BroadcastExcept(msg protocol.Message, clientID int) {
	broadcasts.WithLabelValues().Inc()
	for _, s := range r.snapshot() {
		if s.clientID == clientID {
			continue
		}
		s.Send(msg)
	}
}

// CloseAll tears down every registered session.
func (r *Registry) CloseAll() {
	for _, s := range r.snapshot() {
		s.Close()
	}
}
