package convergence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/transaction"
)

const stateTablePrefix = "_convergence_state_"

// Row is one table's columns as held by a node.
type Row map[string]algebra.Value

func (r Row) clone() Row {
	c := make(Row, len(r))
	for column, v := range r {
		c[column] = v
	}
	return c
}

// State is everything a node needs besides its rows to resume after a restart.
type State struct {
	Clock     VectorClock                       `json:"clock"`
	Tables    []string                          `json:"tables"`
	Writers   map[string]map[string]VectorClock `json:"writers,omitempty"`
	Seen      []uuid.UUID                       `json:"seen"`
	Retained  []*CommitRecord                   `json:"retained,omitempty"`
	Acked     map[NodeID][]uuid.UUID            `json:"acked,omitempty"`
	Conflicts []Conflict                        `json:"conflicts,omitempty"`
}

// Batch is the durable effect of one local commit or received record.
// Rows holds full replacement rows for the touched tables only.
type Batch struct {
	Ops   []Operation
	Rows  map[string]Row
	State *State
}

// Store persists node rows and state.
type Store interface {
	Save(ctx context.Context, b *Batch) error
	// Load returns a nil State when nothing was ever saved.
	Load(ctx context.Context) (map[string]Row, *State, error)
}

// StateFunc builds the node state to persist alongside a serialized commit
// once its transaction id and resulting rows are known.
type StateFunc func(txn uuid.UUID, rows map[string]Row) *State

// SerialCommitter runs commits that need conflict checking: it reads the
// current rows, applies ops and writes rows and state in one transaction.
type SerialCommitter interface {
	CommitSerialized(ctx context.Context, ops []Operation, build StateFunc) (map[string]Row, error)
}

// ManagerStore keeps node rows as tables in a transaction manager, one JSON
// row per table, plus a per-node state table. Every save is one transaction,
// so rows and state never diverge on disk.
type ManagerStore struct {
	mgr    *transaction.Manager
	table  string
	logger *zap.Logger
}

// NewManagerStore creates a store for node over mgr. Row tables are owned by
// the node: saves overwrite them without reading.
func NewManagerStore(mgr *transaction.Manager, node NodeID, logger *zap.Logger) *ManagerStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ManagerStore{
		mgr:    mgr,
		table:  stateTablePrefix + string(node),
		logger: logger.Named("convergence_store"),
	}
}

// Save writes the batch rows and state in one transaction.
func (s *ManagerStore) Save(ctx context.Context, b *Batch) error {
	return s.run(ctx, func(id transaction.TxnID) error {
		if err := s.writeRows(ctx, id, b.Rows, b.Ops); err != nil {
			return err
		}
		return s.writeState(ctx, id, b.State)
	})
}

// Load reads the node state and every row table it lists.
func (s *ManagerStore) Load(ctx context.Context) (map[string]Row, *State, error) {
	var (
		rows  map[string]Row
		state *State
	)
	err := s.run(ctx, func(id transaction.TxnID) error {
		data, err := s.mgr.ReadTable(ctx, id, s.table)
		if err != nil {
			return err
		}
		if data.Version == 0 {
			return nil
		}
		state = &State{}
		if err := json.Unmarshal(data.Payload, state); err != nil {
			return fmt.Errorf("failed to decode node state %s@%d: %w", s.table, data.Version, err)
		}
		rows = make(map[string]Row, len(state.Tables))
		for _, table := range state.Tables {
			row, err := s.readRow(ctx, id, table)
			if err != nil {
				return err
			}
			rows[table] = row
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rows, state, nil
}

// CommitSerialized reads every touched table, so a concurrent writer to any
// of them makes the commit fail with a write conflict.
func (s *ManagerStore) CommitSerialized(ctx context.Context, ops []Operation, build StateFunc) (map[string]Row, error) {
	var rows map[string]Row
	err := s.run(ctx, func(id transaction.TxnID) error {
		rows = make(map[string]Row)
		for _, op := range ops {
			row, ok := rows[op.Table]
			if !ok {
				var err error
				if row, err = s.readRow(ctx, id, op.Table); err != nil {
					return err
				}
				rows[op.Table] = row
			}
			next, err := algebra.Apply(op.Op, row[op.Column], op.Value)
			if err != nil {
				return fmt.Errorf("failed to apply %s to %s.%s: %w", op.Op, op.Table, op.Column, err)
			}
			row[op.Column] = next
		}
		if err := s.writeRows(ctx, id, rows, ops); err != nil {
			return err
		}
		return s.writeState(ctx, id, build(id, rows))
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *ManagerStore) run(ctx context.Context, fn func(transaction.TxnID) error) error {
	id, err := s.mgr.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(id); err != nil {
		if abortErr := s.mgr.Abort(ctx, id); abortErr != nil {
			s.logger.Warn("Failed to abort transaction", zap.String("txn_id", id.String()), zap.Error(abortErr))
		}
		return err
	}
	return s.mgr.Commit(ctx, id)
}

func (s *ManagerStore) readRow(ctx context.Context, id transaction.TxnID, table string) (Row, error) {
	data, err := s.mgr.ReadTable(ctx, id, table)
	if err != nil {
		return nil, err
	}
	row := make(Row)
	if data.Version == 0 && !data.Buffered {
		return row, nil
	}
	if err := json.Unmarshal(data.Payload, &row); err != nil {
		return nil, fmt.Errorf("failed to decode row %s@%d: %w", table, data.Version, err)
	}
	return row, nil
}

func (s *ManagerStore) writeRows(ctx context.Context, id transaction.TxnID, rows map[string]Row, ops []Operation) error {
	types := columnTypes(ops)
	tables := make([]string, 0, len(rows))
	for table := range rows {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		payload, err := json.Marshal(rows[table])
		if err != nil {
			return fmt.Errorf("failed to encode row %s: %w", table, err)
		}
		if err := s.mgr.WriteTable(ctx, id, table, payload, types[table]); err != nil {
			return err
		}
	}
	return nil
}

func (s *ManagerStore) writeState(ctx context.Context, id transaction.TxnID, state *State) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode node state: %w", err)
	}
	return s.mgr.WriteTable(ctx, id, s.table, payload, nil)
}

// columnTypes groups the operators of ops by table.
func columnTypes(ops []Operation) map[string]map[string]algebra.OpType {
	types := make(map[string]map[string]algebra.OpType)
	for _, op := range ops {
		if types[op.Table] == nil {
			types[op.Table] = make(map[string]algebra.OpType)
		}
		types[op.Table][op.Column] = op.Op
	}
	return types
}
