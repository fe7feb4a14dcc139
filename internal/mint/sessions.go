package mint

import (
	"strings"
	"sync"
)

// Dialer creates the backend for a mint URL.
type Dialer func(url string) Backend

// Sessions hands out one Session per mint URL.
type Sessions struct {
	dial Dialer
	opts []SessionOption

	mu sync.Mutex
	m  map[string]*Session
}

// NewSessions constructs a registry using dial for unknown mints.
func NewSessions(dial Dialer, opts ...SessionOption) *Sessions {
	return &Sessions{dial: dial, opts: opts, m: map[string]*Session{}}
}

// Get returns the session for url, creating it on first use.
func (s *Sessions) Get(url string) *Session {
	url = NormalizeURL(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.m[url]; ok {
		return sess
	}
	sess := NewSession(s.dial(url), s.opts...)
	s.m[url] = sess
	return sess
}

// NormalizeURL strips trailing slashes so one mint has one key.
func NormalizeURL(url string) string { return strings.TrimRight(strings.TrimSpace(url), "/") }
