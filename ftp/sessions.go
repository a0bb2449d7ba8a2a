package ftp

import "sync"

// SessionManager tracks the live sessions of a Server by session ID.
type SessionManager struct {
	sessions map[string]*session
	lock     sync.RWMutex
}

// NewSessionManager returns an empty manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*session),
	}
}

// Add adds a new session.
func (manager *SessionManager) Add(s *session) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	manager.sessions[s.id] = s
}

// Remove removes a session by its ID.
func (manager *SessionManager) Remove(id string) {
	manager.lock.Lock()
	defer manager.lock.Unlock()
	delete(manager.sessions, id)
}

// Len returns the number of live sessions.
func (manager *SessionManager) Len() int {
	manager.lock.RLock()
	defer manager.lock.RUnlock()
	return len(manager.sessions)
}

// TerminateAll asks every live session to end.
func (manager *SessionManager) TerminateAll() {
	manager.lock.RLock()
	defer manager.lock.RUnlock()
	for _, s := range manager.sessions {
		s.Terminate()
	}
}
