package devices

import (
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenLightCore/internal/types"
)

// Registry holds the live sessions keyed by device id, in insertion order.
// Mutation is reserved to the orchestrator goroutine; readers may be anywhere.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

// Add inserts s, rejecting an id that is already present.
func (r *Registry) Add(s *Session) error {
	id := s.ID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}
	r.sessions[id] = s
	r.order = append(r.order, id)
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Remove(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	delete(r.sessions, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return s, true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns all sessions in insertion order.
func (r *Registry) List() []*Session {
	return r.filter(func(*Session) bool { return true })
}

// Enabled returns sessions whose descriptor has enabled set.
func (r *Registry) Enabled() []*Session {
	return r.filter((*Session).Enabled)
}

// Streaming returns sessions with an active transport.
func (r *Registry) Streaming() []*Session {
	return r.filter((*Session).Streaming)
}

// Descriptors snapshots every descriptor.
func (r *Registry) Descriptors() []types.Descriptor {
	sessions := r.List()
	out := make([]types.Descriptor, len(sessions))
	for i, s := range sessions {
		out[i] = s.Descriptor()
	}
	return out
}

func (r *Registry) filter(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
