// Package branch tracks named branch heads: per branch, the catalog version
// each table currently points at.
package branch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrBranchNotFound = errors.New("branch not found")

// Memory is an in-process branch store.
type Memory struct {
	mu    sync.RWMutex
	heads map[string]map[string]uint64 // branch -> table -> version
}

func NewMemory() *Memory {
	return &Memory{heads: make(map[string]map[string]uint64)}
}

// Create registers an empty branch. Creating an existing branch is a no-op.
func (b *Memory) Create(branch string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.heads[branch]; !ok {
		b.heads[branch] = make(map[string]uint64)
	}
}

// SetHead points branch.table at version unconditionally.
func (b *Memory) SetHead(branch, table string, version uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.heads[branch]; !ok {
		b.heads[branch] = make(map[string]uint64)
	}
	b.heads[branch][table] = version
}

// ResolveHead returns the version branch points at for table; 0 when the
// branch has never seen the table.
func (b *Memory) ResolveHead(_ context.Context, branch, table string) (uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	tables, ok := b.heads[branch]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	return tables[table], nil
}

// AdvanceHead moves the head forward. It never moves a head backwards, so
// replaying an advance is harmless.
func (b *Memory) AdvanceHead(_ context.Context, branch, table string, version uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	tables, ok := b.heads[branch]
	if !ok {
		return fmt.Errorf("%w: %s", ErrBranchNotFound, branch)
	}
	if version > tables[table] {
		tables[table] = version
	}
	return nil
}
