package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Counter is one window's request count and the instant it resets.
type Counter struct {
	Count   int
	ResetAt time.Time
}

// Store holds window counters and concurrency tokens. A shared external
// store can replace MemoryStore for multi-instance deployments.
type Store interface {
	Get(key string) (Counter, bool)
	Put(key string, c Counter)
	PurgeExpired(now time.Time) int
	AddToken(token string)
	RemoveToken(prefix string) bool
	CountTokens(prefix string) int
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]Counter
	tokens   map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[string]Counter),
		tokens:   make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(key string) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	return c, ok
}

func (s *MemoryStore) Put(key string, c Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[key] = c
}

// PurgeExpired drops counters whose window has ended and returns how many.
func (s *MemoryStore) PurgeExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for key, c := range s.counters {
		if !now.Before(c.ResetAt) {
			delete(s.counters, key)
			purged++
		}
	}
	return purged
}

func (s *MemoryStore) AddToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token] = struct{}{}
}

// RemoveToken deletes the oldest token starting with prefix.
func (s *MemoryStore) RemoveToken(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matches []string
	for token := range s.tokens {
		if strings.HasPrefix(token, prefix) {
			matches = append(matches, token)
		}
	}
	if len(matches) == 0 {
		return false
	}
	sort.Strings(matches)
	delete(s.tokens, matches[0])
	return true
}

func (s *MemoryStore) CountTokens(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token := range s.tokens {
		if strings.HasPrefix(token, prefix) {
			n++
		}
	}
	return n
}
