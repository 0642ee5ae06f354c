package transaction

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/sushant-115/versiondb/core/algebra"
)

// TxnID is the handle callers hold; the manager owns the state behind it.
type TxnID = uuid.UUID

// TransactionState is the lifecycle state of a transaction.
type TransactionState int

const (
	TxnStateActive    TransactionState = iota // Reads and writes accepted
	TxnStateCommitted                         // Writes applied to the catalog; terminal
	TxnStateAborted                           // Writes discarded; terminal
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateActive:
		return "ACTIVE"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transition is possible.
func (s TransactionState) Terminal() bool {
	return s == TxnStateCommitted || s == TxnStateAborted
}

// TableData is a table as seen by a transaction.
type TableData struct {
	Table      string
	Version    uint64 // snapshot version; 0 means the table has never been committed
	Payload    []byte
	SchemaHash string
	Buffered   bool // served from this transaction's own write buffer
}

// tableSnapshot is the version a table had when the transaction began,
// recorded the first time the table is touched.
type tableSnapshot struct {
	version uint64
}

// pendingWrite is a buffered write_table call.
type pendingWrite struct {
	payload     []byte
	columnTypes map[string]algebra.OpType
}

// Transaction is the manager-owned record of one transaction.
type Transaction struct {
	ID       TxnID
	Branch   string
	beginSeq uint64

	mu        sync.Mutex
	state     TransactionState
	snapshots map[string]tableSnapshot
	readSet   map[string]struct{}
	writes    map[string]*pendingWrite
	writeOrd  []string // tables in first-write order
	inCommit  bool     // a Commit call owns the transaction
	serialize bool     // layer 3 started; abort no longer possible
}

func newTransaction(id TxnID, branch string, beginSeq uint64) *Transaction {
	return &Transaction{
		ID:        id,
		Branch:    branch,
		beginSeq:  beginSeq,
		state:     TxnStateActive,
		snapshots: make(map[string]tableSnapshot),
		readSet:   make(map[string]struct{}),
		writes:    make(map[string]*pendingWrite),
	}
}

// BeginOption configures a transaction at Begin.
type BeginOption func(*beginConfig)

type beginConfig struct {
	tables []string
	branch string
}

// WithTables resolves the named tables at Begin, so Begin fails if any of
// them cannot be resolved. Other tables are resolved on first touch; every
// table is seen as of Begin either way.
func WithTables(tables ...string) BeginOption {
	return func(c *beginConfig) { c.tables = append(c.tables, tables...) }
}

// WithBranch scopes "latest" to the head of a named branch.
func WithBranch(branch string) BeginOption {
	return func(c *beginConfig) { c.branch = branch }
}

// asOfResolver returns the version of (branch, table) at ledger sequence seq.
type asOfResolver func(ctx context.Context, branch, table string, seq uint64) (uint64, error)

// snapshotFor returns the frozen version of table, resolving it as of the
// transaction's begin sequence on first touch.
func (t *Transaction) snapshotFor(ctx context.Context, table string, resolve asOfResolver) (tableSnapshot, error) {
	if snap, ok := t.snapshots[table]; ok {
		return snap, nil
	}
	v, err := resolve(ctx, t.Branch, table, t.beginSeq)
	if err != nil {
		return tableSnapshot{}, err
	}
	snap := tableSnapshot{version: v}
	t.snapshots[table] = snap
	return snap, nil
}
