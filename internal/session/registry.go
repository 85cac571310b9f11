package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrDuplicateName = errors.New("duplicate session name")

// Registry holds the sessions of one camera server by name.
type Registry struct {
	sync.RWMutex
	sessions map[string]*MediaSession
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*MediaSession)}
}

// Add registers m. A taken name is rejected without touching the registry.
func (r *Registry) Add(m *MediaSession) error {
	r.Lock()
	defer r.Unlock()
	if _, ok := r.sessions[m.Name()]; ok {
		return fmt.Errorf("%w %q", ErrDuplicateName, m.Name())
	}
	r.sessions[m.Name()] = m
	r.order = append(r.order, m.Name())
	return nil
}

func (r *Registry) Remove(name string) (*MediaSession, bool) {
	r.Lock()
	defer r.Unlock()
	m, ok := r.sessions[name]
	if !ok {
		return nil, false
	}
	delete(r.sessions, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return m, true
}

func (r *Registry) Lookup(name string) (*MediaSession, bool) {
	r.RLock()
	defer r.RUnlock()
	m, ok := r.sessions[name]
	return m, ok
}

func (r *Registry) Len() int {
	r.RLock()
	defer r.RUnlock()
	return len(r.sessions)
}

// List returns sessions in registration order.
func (r *Registry) List() []*MediaSession {
	r.RLock()
	defer r.RUnlock()
	out := make([]*MediaSession, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

// Close removes and closes every session.
func (r *Registry) Close() error {
	r.Lock()
	sessions := make([]*MediaSession, 0, len(r.order))
	for _, name := range r.order {
		sessions = append(sessions, r.sessions[name])
	}
	r.sessions = make(map[string]*MediaSession)
	r.order = nil
	r.Unlock()

	var errs []error
	for _, m := range sessions {
		if err := m.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
