package mcp

import "sync"

// SessionRegistry maps run IDs to the MCP sessions watching them.
// Populated automatically when a session calls a tool that touches a run.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{} // runID → sessionIDs
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]map[string]struct{})}
}

// Watch subscribes sessionID to progress of runID.
func (r *SessionRegistry) Watch(runID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.sessions[runID]
	if !ok {
		set = make(map[string]struct{})
		r.sessions[runID] = set
	}
	set[sessionID] = struct{}{}
}

// SessionsFor returns the sessions watching runID.
func (r *SessionRegistry) SessionsFor(runID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.sessions[runID]
	out := make([]string, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

// Remove drops a session from every run it watches.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for runID, set := range r.sessions {
		delete(set, sessionID)
		if len(set) == 0 {
			delete(r.sessions, runID)
		}
	}
}

// Forget drops all watchers of runID.
func (r *SessionRegistry) Forget(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, runID)
}
