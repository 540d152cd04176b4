package session

import (
	"sync"
)

// Permission selects which flag SessionsPermitted filters on.
type Permission int

const (
	PermRead Permission = iota
	PermWrite
)

// Registry is the in-memory directory of live sessions. Reads dominate (the
// fan-out router asks for permitted sessions every tick), so it is an
// RWMutex map with a per-group index; writers hold the lock only long
// enough to publish a pointer.
//
// Consumers hold session ids, not Session pointers, across tick boundaries:
// they re-Lookup each tick so a removed session is never kept alive.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byGroup  map[string]map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		byGroup:  make(map[string]map[string]*Session),
	}
}

// Insert publishes a session. If the session id is already bound to a
// socket, the previous binding is returned so the caller can close it: a
// session is bound to exactly one socket at a time and the newest wins.
func (r *Registry) Insert(s *Session) (replaced *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessions[s.ID]; ok {
		replaced = prev
		r.removeLocked(prev)
	}

	r.sessions[s.ID] = s
	group := r.byGroup[s.SyncGroup]
	if group == nil {
		group = make(map[string]*Session)
		r.byGroup[s.SyncGroup] = group
	}
	group[s.ID] = s
	return replaced
}

// Lookup resolves a session id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Remove unpublishes a session. Removing an id bound to a different socket
// is a no-op, so a replaced session's teardown cannot evict its successor.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[s.ID]; !ok || current != s {
		return
	}
	r.removeLocked(s)
}

func (r *Registry) removeLocked(s *Session) {
	delete(r.sessions, s.ID)
	if group, ok := r.byGroup[s.SyncGroup]; ok {
		delete(group, s.ID)
		if len(group) == 0 {
			delete(r.byGroup, s.SyncGroup)
		}
	}
}

// ForEachInSyncGroup visits each live session of one group.
func (r *Registry) ForEachInSyncGroup(group string, fn func(*Session)) {
	r.mu.RLock()
	members := make([]*Session, 0, len(r.byGroup[group]))
	for _, s := range r.byGroup[group] {
		members = append(members, s)
	}
	r.mu.RUnlock()

	for _, s := range members {
		fn(s)
	}
}

// SessionsPermitted returns the ids of sessions in a group holding the
// given permission and not yet closed. This is the fan-out hot path:
// O(sessions in group) with only a read lock held.
func (r *Registry) SessionsPermitted(group string, perm Permission) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byGroup[group]
	ids := make([]string, 0, len(members))
	for id, s := range members {
		if s.State() == StateClosed {
			continue
		}
		switch perm {
		case PermRead:
			if !s.CanRead {
				continue
			}
		case PermWrite:
			if !s.CanWrite {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids
}

// All snapshots every live session; the reaper iterates over this.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// GroupLen reports the number of live sessions in one group.
func (r *Registry) GroupLen(group string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byGroup[group])
}
