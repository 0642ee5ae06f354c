// Package catalog provides catalog implementations: an in-memory one and a
// durable one on a raft StableStore.
package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/sushant-115/versiondb/core/transaction"
)

// Memory keeps every table version in process memory.
type Memory struct {
	mu       sync.RWMutex
	latest   map[string]uint64
	versions map[string]map[uint64]transaction.VersionEntry
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		latest:   make(map[string]uint64),
		versions: make(map[string]map[uint64]transaction.VersionEntry),
	}
}

func (c *Memory) LatestVersion(_ context.Context, table string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latest[table], nil
}

func (c *Memory) GetVersion(_ context.Context, table string, version uint64) (transaction.VersionEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.versions[table][version]
	if !ok {
		return transaction.VersionEntry{}, fmt.Errorf("%w: %s@%d", transaction.ErrVersionNotFound, table, version)
	}
	return copyEntry(entry), nil
}

func (c *Memory) CommitVersion(_ context.Context, table string, version uint64, entry transaction.VersionEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if latest := c.latest[table]; version != latest+1 {
		return fmt.Errorf("%w: %s is at %d, cannot commit %d", transaction.ErrVersionConflict, table, latest, version)
	}
	if c.versions[table] == nil {
		c.versions[table] = make(map[uint64]transaction.VersionEntry)
	}
	c.versions[table][version] = copyEntry(entry)
	c.latest[table] = version
	return nil
}

func copyEntry(e transaction.VersionEntry) transaction.VersionEntry {
	return transaction.VersionEntry{
		ChunkRefs:  append([]string(nil), e.ChunkRefs...),
		SchemaHash: e.SchemaHash,
	}
}
