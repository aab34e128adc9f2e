package uploader

import "sync"

// Registry indexes live sessions by a group key so callers can broadcast
// actions to every session of a group. It is injected explicitly; there is
// no package-level instance.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]map[*Session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{groups: make(map[string]map[*Session]struct{})}
}

// Register adds a session under a group key.
func (r *Registry) Register(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.groups[group]
	if !ok {
		set = make(map[*Session]struct{})
		r.groups[group] = set
	}
	set[s] = struct{}{}
}

// Remove drops a session from a group; empty groups are pruned.
func (r *Registry) Remove(group string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.groups[group]
	if !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(r.groups, group)
	}
}

// ByGroup returns the sessions registered under a group key.
func (r *Registry) ByGroup(group string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.groups[group]
	out := make([]*Session, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

// ClearOthers clears every session in the group except keep. Used when a
// group admits only one active upload at a time.
func (r *Registry) ClearOthers(group string, keep *Session) {
	for _, s := range r.ByGroup(group) {
		if s != keep {
			s.Clear()
		}
	}
}
