package service

import "sync"

// Session holds the operator's bearer token. It is the only source of
// credentials for the snapshot client and the channel authorizer.
type Session struct {
	mu    sync.RWMutex
	token string
}

// NewSession creates a session, established when token is not empty
func NewSession(token string) *Session {
	return &Session{token: token}
}

// Set establishes the session
func (s *Session) Set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// Clear ends the session
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Session) Valid() bool {
	return s.Token() != ""
}
