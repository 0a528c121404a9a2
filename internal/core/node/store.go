package node

import (
	"sync"

	"golang.org/x/crypto/ssh"
)

// clientStore is a thread-safe cache of SSH connections keyed by user@host.
type clientStore struct {
	mu      sync.RWMutex
	clients map[string]*ssh.Client
}

func newClientStore() *clientStore {
	return &clientStore{clients: make(map[string]*ssh.Client)}
}

func (s *clientStore) Get(key string) (*ssh.Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[key]
	return c, ok
}

// Set stores c unless another goroutine won the race, in which case the
// existing client is returned and c is closed.
func (s *clientStore) Set(key string, c *ssh.Client) *ssh.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[key]; ok {
		_ = c.Close()
		return existing
	}
	s.clients[key] = c
	return c
}

// Drop closes and forgets the client if it is still the cached one.
func (s *clientStore) Drop(key string, c *ssh.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.clients[key]; ok && cur == c {
		delete(s.clients, key)
		_ = c.Close()
	}
}

func (s *clientStore) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, c := range s.clients {
		_ = c.Close()
		delete(s.clients, key)
	}
}
