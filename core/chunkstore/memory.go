// Package chunkstore holds content-addressed chunk stores. A chunk's address
// is transaction.ContentHash of its bytes, so Put is idempotent.
package chunkstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/versiondb/core/transaction"
)

// Memory keeps chunks in a map.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{chunks: make(map[string][]byte)}
}

func (s *Memory) Put(_ context.Context, data []byte) (string, error) {
	hash := transaction.ContentHash(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[hash]; !ok {
		s.chunks[hash] = append([]byte(nil), data...)
	}
	return hash, nil
}

func (s *Memory) Get(_ context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.chunks[hash]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transaction.ErrChunkNotFound, hash)
	}
	return append([]byte(nil), data...), nil
}

// Len is the number of distinct chunks stored.
func (s *Memory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
