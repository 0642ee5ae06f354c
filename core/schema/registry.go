// Package schema holds the per-table, per-column operator registry. An
// operator is fixed the first time it is registered and never changes after.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sushant-115/versiondb/core/algebra"
)

var (
	ErrAlreadyRegistered = errors.New("column operator already registered")
	ErrOwnerAssigned     = errors.New("table owner already assigned")
)

// TableSchema is an immutable view of one table's registered operators.
type TableSchema struct {
	Table   string
	Owner   string
	Columns map[string]algebra.OpType
}

// Lookup returns the column's operator, or OpUnknown if unregistered.
func (ts TableSchema) Lookup(column string) algebra.OpType {
	if op, ok := ts.Columns[column]; ok {
		return op
	}
	return algebra.OpUnknown
}

// Hash is a stable digest of the column operators, stored with each catalog version.
func (ts TableSchema) Hash() string {
	return HashColumns(ts.Columns)
}

// HashColumns digests a column->operator mapping independent of map order.
func HashColumns(columns map[string]algebra.OpType) string {
	names := make([]string, 0, len(columns))
	for name := range columns {
		names = append(names, name)
	}
	sort.Strings(names)
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(columns[name].String())
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

type tableEntry struct {
	owner   string
	columns map[string]algebra.OpType
}

// Registry maps table -> column -> operator. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]*tableEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tables: make(map[string]*tableEntry)}
}

// Register fixes the operator for table.column. Registering the same
// operator again is a no-op; a different one fails with ErrAlreadyRegistered.
func (r *Registry) Register(table, column string, op algebra.OpType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entryLocked(table)
	if existing, ok := entry.columns[column]; ok {
		if existing == op {
			return nil
		}
		return fmt.Errorf("%w: %s.%s is %s, cannot set %s", ErrAlreadyRegistered, table, column, existing, op)
	}
	entry.columns[column] = op
	return nil
}

// RegisterTable registers every column of a table. It is all-or-nothing:
// if any column conflicts nothing is registered.
func (r *Registry) RegisterTable(table string, columns map[string]algebra.OpType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.validateLocked(table, columns); err != nil {
		return err
	}
	entry := r.entryLocked(table)
	for column, op := range columns {
		entry.columns[column] = op
	}
	return nil
}

// Validate checks declared operators against the registry without registering them.
func (r *Registry) Validate(table string, columns map[string]algebra.OpType) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.validateLocked(table, columns)
}

func (r *Registry) validateLocked(table string, columns map[string]algebra.OpType) error {
	entry, ok := r.tables[table]
	if !ok {
		return nil
	}
	for column, op := range columns {
		if existing, ok := entry.columns[column]; ok && existing != op {
			return fmt.Errorf("%w: %s.%s is %s, cannot set %s", ErrAlreadyRegistered, table, column, existing, op)
		}
	}
	return nil
}

// Lookup returns the operator for table.column, defaulting to OpUnknown.
func (r *Registry) Lookup(table, column string) algebra.OpType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.tables[table]; ok {
		if op, ok := entry.columns[column]; ok {
			return op
		}
	}
	return algebra.OpUnknown
}

// Classify is shorthand for algebra.Classify(r.Lookup(table, column)).
func (r *Registry) Classify(table, column string) algebra.Class {
	return algebra.Classify(r.Lookup(table, column))
}

// AssignOwner marks table as written by a single node. Like operators, the
// owner is fixed once assigned.
func (r *Registry) AssignOwner(table, node string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry := r.entryLocked(table)
	if entry.owner != "" && entry.owner != node {
		return fmt.Errorf("%w: %s is owned by %s", ErrOwnerAssigned, table, entry.owner)
	}
	entry.owner = node
	return nil
}

// Owner returns the owning node of table, or "" when the table is shared.
func (r *Registry) Owner(table string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry, ok := r.tables[table]; ok {
		return entry.owner
	}
	return ""
}

// Table returns a copy of the table's schema.
func (r *Registry) Table(table string) TableSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ts := TableSchema{Table: table, Columns: make(map[string]algebra.OpType)}
	if entry, ok := r.tables[table]; ok {
		ts.Owner = entry.owner
		for column, op := range entry.columns {
			ts.Columns[column] = op
		}
	}
	return ts
}

// Tables lists registered table names in sorted order.
func (r *Registry) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// entryLocked must be called with r.mu held for writing.
func (r *Registry) entryLocked(table string) *tableEntry {
	entry, ok := r.tables[table]
	if !ok {
		entry = &tableEntry{columns: make(map[string]algebra.OpType)}
		r.tables[table] = entry
	}
	return entry
}
