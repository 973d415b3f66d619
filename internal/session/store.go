package session

import (
	"sync"
	"time"
)

// Store holds the most recent directory snapshot. It is advisory: a failed
// refresh leaves the previous listing in place.
type Store struct {
	mu        sync.RWMutex
	sessions  []Info
	index     map[string]int
	updatedAt time.Time
}

func NewStore() *Store {
	return &Store{
		index: make(map[string]int),
	}
}

// Replace swaps in a new snapshot, preserving the order given.
func (s *Store) Replace(infos []Info, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make([]Info, len(infos))
	copy(s.sessions, infos)
	s.index = make(map[string]int, len(infos))
	for i, info := range s.sessions {
		s.index[info.Name] = i
	}
	s.updatedAt = at
}

func (s *Store) Get(name string) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[name]
	if !ok {
		return Info{}, false
	}
	return s.sessions[i], true
}

func (s *Store) GetAll() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Info, len(s.sessions))
	copy(result, s.sessions)
	return result
}

// Names returns the session names of the current snapshot as a set.
func (s *Store) Names() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make(map[string]bool, len(s.sessions))
	for _, info := range s.sessions {
		names[info.Name] = true
	}
	return names
}

// UpdatedAt reports when the snapshot was last replaced. Zero means never.
func (s *Store) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
