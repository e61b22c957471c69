package storage

import (
	"maps"
	"sync"

	"quorumkv/internal/message"
)

type Store struct {
	data map[string][]byte
	mu   sync.RWMutex
}

func NewStore() *Store {
	return &Store{
		data: make(map[string][]byte),
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// ApplyBatch applies every write under one lock so readers never observe a
// partially applied transaction.
func (s *Store) ApplyBatch(writes []message.Write) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range writes {
		if w.Delete {
			delete(s.data, w.Key)
			continue
		}
		s.data[w.Key] = w.Value
	}
}

func (s *Store) Data() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.data)
}
