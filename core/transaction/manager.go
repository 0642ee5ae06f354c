package transaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/schema"
)

const (
	DefaultLedgerPruneEvery = 64
	DefaultArchiveSize      = 4096
)

// ErrRecoveryRequired is returned by Commit after a commit stopped midway
// and left an unresolved intent. The commit that stopped wraps it too: its
// outcome is in doubt until Recover settles the intent.
var ErrRecoveryRequired = errors.New("unresolved commit intent; recovery required")

// Options configures a Manager. Catalog, Chunks and Log are required.
type Options struct {
	Catalog  Catalog
	Chunks   ChunkStore
	Log      CommitLog
	Registry *schema.Registry
	Branches BranchResolver

	Logger *zap.Logger
	Meter  metric.Meter
	Tracer trace.Tracer

	// LedgerPruneEvery is the number of commits between in-flight ledger prunes.
	LedgerPruneEvery int
	// ArchiveSize bounds how many finished transactions Status remembers.
	ArchiveSize int

	Knobs *TestingKnobs
}

// Manager runs snapshot-isolated transactions over the catalog and chunk
// store. Commits are serialized only for the catalog mutation window.
type Manager struct {
	catalog  Catalog
	chunks   ChunkStore
	log      CommitLog
	registry *schema.Registry
	branches BranchResolver
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *managerMetrics
	knobs    TestingKnobs

	pruneEvery int

	mu      sync.RWMutex
	active  map[TxnID]*Transaction
	archive *lru.Cache[TxnID, TransactionState]
	closed  bool

	// commitMu is the process-wide commit serialization lock.
	commitMu      sync.Mutex
	commitCount   uint64
	needsRecovery bool
	inDoubt       map[TxnID]*Transaction // guarded by commitMu

	// advanceMu makes a commit's catalog moves and their ledger entries
	// appear together to snapshot resolution.
	advanceMu sync.RWMutex

	ledger inflightLedger
}

// NewManager creates a transaction manager. Call Recover before the first
// Begin when the commit log may hold intents from a previous process.
func NewManager(opts Options) (*Manager, error) {
	if opts.Catalog == nil || opts.Chunks == nil || opts.Log == nil {
		return nil, errors.New("transaction manager requires a catalog, a chunk store and a commit log")
	}
	if opts.Registry == nil {
		opts.Registry = schema.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("")
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}
	if opts.LedgerPruneEvery <= 0 {
		opts.LedgerPruneEvery = DefaultLedgerPruneEvery
	}
	if opts.ArchiveSize <= 0 {
		opts.ArchiveSize = DefaultArchiveSize
	}

	metrics, err := newManagerMetrics(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction metrics: %w", err)
	}
	archive, err := lru.New[TxnID, TransactionState](opts.ArchiveSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction archive: %w", err)
	}

	m := &Manager{
		catalog:    opts.Catalog,
		chunks:     opts.Chunks,
		log:        opts.Log,
		registry:   opts.Registry,
		branches:   opts.Branches,
		logger:     opts.Logger.Named("txn_manager"),
		tracer:     opts.Tracer,
		metrics:    metrics,
		pruneEvery: opts.LedgerPruneEvery,
		active:     make(map[TxnID]*Transaction),
		archive:    archive,
		inDoubt:    make(map[TxnID]*Transaction),
	}
	if opts.Knobs != nil {
		m.knobs = *opts.Knobs
	}
	return m, nil
}

// Registry returns the schema registry consulted by WriteTable.
func (m *Manager) Registry() *schema.Registry { return m.registry }

// Begin starts a transaction and returns its handle.
func (m *Manager) Begin(ctx context.Context, opts ...BeginOption) (TxnID, error) {
	var cfg beginConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.branch != "" && m.branches == nil {
		return uuid.Nil, fmt.Errorf("branch %q requested but no branch resolver is configured", cfg.branch)
	}

	id := uuid.New()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return uuid.Nil, ErrManagerClosed
	}
	txn := newTransaction(id, cfg.branch, m.ledger.currentSeq())
	m.active[id] = txn
	m.mu.Unlock()

	m.metrics.begun.Add(ctx, 1)
	m.metrics.active.Add(ctx, 1)

	if len(cfg.tables) > 0 {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		for _, table := range cfg.tables {
			if _, err := txn.snapshotFor(ctx, table, m.resolveAsOf); err != nil {
				m.finishLocked(ctx, txn, TxnStateAborted, "begin_failed")
				return uuid.Nil, fmt.Errorf("failed to capture snapshot of %s: %w", table, err)
			}
		}
	}
	m.logger.Debug("Transaction started", zap.String("txn_id", id.String()), zap.String("branch", cfg.branch))
	return id, nil
}

// ReadTable returns the table as of the transaction's snapshot, or the
// transaction's own buffered write if it has one.
func (m *Manager) ReadTable(ctx context.Context, id TxnID, table string) (*TableData, error) {
	txn, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkWritable(); err != nil {
		return nil, err
	}

	snap, err := txn.snapshotFor(ctx, table, m.resolveAsOf)
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot of %s: %w", table, err)
	}
	if w, ok := txn.writes[table]; ok {
		return &TableData{
			Table:      table,
			Version:    snap.version,
			Payload:    append([]byte(nil), w.payload...),
			SchemaHash: m.schemaHashFor(table, w.columnTypes),
			Buffered:   true,
		}, nil
	}

	txn.readSet[table] = struct{}{}
	if snap.version == 0 {
		return &TableData{Table: table}, nil
	}
	entry, err := m.catalog.GetVersion(ctx, table, snap.version)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s@%d from catalog: %w", table, snap.version, err)
	}
	payload, err := m.loadChunks(ctx, entry.ChunkRefs)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s@%d: %w", table, snap.version, err)
	}
	return &TableData{Table: table, Version: snap.version, Payload: payload, SchemaHash: entry.SchemaHash}, nil
}

// WriteTable buffers a full replacement of table. Nothing outside the
// transaction changes until Commit. Declared column operators must agree
// with the registry.
func (m *Manager) WriteTable(ctx context.Context, id TxnID, table string, payload []byte, columnTypes map[string]algebra.OpType) error {
	if err := m.registry.Validate(table, columnTypes); err != nil {
		return err
	}
	txn, err := m.lookup(id)
	if err != nil {
		return err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if err := txn.checkWritable(); err != nil {
		return err
	}
	if _, err := txn.snapshotFor(ctx, table, m.resolveAsOf); err != nil {
		return fmt.Errorf("failed to capture snapshot of %s: %w", table, err)
	}

	types := make(map[string]algebra.OpType, len(columnTypes))
	for column, op := range columnTypes {
		types[column] = op
	}
	if _, ok := txn.writes[table]; !ok {
		txn.writeOrd = append(txn.writeOrd, table)
	}
	txn.writes[table] = &pendingWrite{payload: append([]byte(nil), payload...), columnTypes: types}
	return nil
}

// Abort discards the transaction's writes. It fails with ErrTxnCommitting
// once commit has entered serialized re-verification.
func (m *Manager) Abort(ctx context.Context, id TxnID) error {
	txn, err := m.lookup(id)
	if err != nil {
		return err
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()
	if txn.state != TxnStateActive {
		return fmt.Errorf("%w: %s is %s", ErrTxnNotActive, id, txn.state)
	}
	if txn.serialize {
		return fmt.Errorf("%w: %s", ErrTxnCommitting, id)
	}
	m.finishLocked(ctx, txn, TxnStateAborted, "user")
	m.logger.Debug("Transaction aborted", zap.String("txn_id", id.String()))
	return nil
}

// Status reports a transaction's state. Finished transactions are
// remembered up to the archive size. A commit left in doubt reports ACTIVE
// until Recover settles it.
func (m *Manager) Status(id TxnID) (TransactionState, error) {
	m.mu.RLock()
	txn, ok := m.active[id]
	m.mu.RUnlock()
	if ok {
		txn.mu.Lock()
		defer txn.mu.Unlock()
		return txn.state, nil
	}
	if state, ok := m.archive.Get(id); ok {
		return state, nil
	}
	return TxnStateAborted, fmt.Errorf("%w: %s", ErrTxnNotFound, id)
}

// Close aborts every transaction not yet committing. It does not close the
// collaborators or the commit log.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	txns := make([]*Transaction, 0, len(m.active))
	for _, txn := range m.active {
		txns = append(txns, txn)
	}
	m.mu.Unlock()

	for _, txn := range txns {
		txn.mu.Lock()
		if txn.state == TxnStateActive && !txn.serialize {
			m.finishLocked(context.Background(), txn, TxnStateAborted, "shutdown")
		}
		txn.mu.Unlock()
	}
	m.logger.Info("Transaction manager closed", zap.Int("aborted", len(txns)))
	return nil
}

// ActiveCount is the number of transactions not yet finished.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) lookup(id TxnID) (*Transaction, error) {
	m.mu.RLock()
	txn, ok := m.active[id]
	closed := m.closed
	m.mu.RUnlock()
	if ok {
		return txn, nil
	}
	if state, ok := m.archive.Peek(id); ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrTxnNotActive, id, state)
	}
	if closed {
		return nil, ErrManagerClosed
	}
	return nil, fmt.Errorf("%w: %s", ErrTxnNotFound, id)
}

// checkWritable must be called with t.mu held.
func (t *Transaction) checkWritable() error {
	if t.state != TxnStateActive {
		return fmt.Errorf("%w: %s is %s", ErrTxnNotActive, t.ID, t.state)
	}
	if t.inCommit {
		return fmt.Errorf("%w: %s", ErrTxnCommitting, t.ID)
	}
	return nil
}

// finishLocked moves txn to a terminal state. Called with txn.mu held.
func (m *Manager) finishLocked(ctx context.Context, txn *Transaction, state TransactionState, reason string) {
	if txn.state.Terminal() {
		return
	}
	txn.state = state
	txn.writes = nil
	txn.writeOrd = nil

	m.mu.Lock()
	delete(m.active, txn.ID)
	m.mu.Unlock()
	m.archive.Add(txn.ID, state)

	m.metrics.active.Add(ctx, -1)
	switch state {
	case TxnStateCommitted:
		m.metrics.committed.Add(ctx, 1)
	case TxnStateAborted:
		m.metrics.aborted.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// resolveAsOf returns the version of (branch, table) when the ledger stood
// at seq. Moves recorded since then are undone by their pre-image; with
// none, the current pointer is still the answer.
func (m *Manager) resolveAsOf(ctx context.Context, branch, table string, seq uint64) (uint64, error) {
	m.advanceMu.RLock()
	defer m.advanceMu.RUnlock()
	if v, ok := m.ledger.asOf(branch, table, seq); ok {
		return v, nil
	}
	return m.resolveLatest(ctx, branch, table)
}

func (m *Manager) resolveLatest(ctx context.Context, branch, table string) (uint64, error) {
	if branch == "" {
		return m.catalog.LatestVersion(ctx, table)
	}
	return m.branches.ResolveHead(ctx, branch, table)
}

// schemaHashFor digests the registered operators of table overlaid with
// the operators declared by a pending write.
func (m *Manager) schemaHashFor(table string, declared map[string]algebra.OpType) string {
	columns := m.registry.Table(table).Columns
	for column, op := range declared {
		columns[column] = op
	}
	return schema.HashColumns(columns)
}

func (m *Manager) loadChunks(ctx context.Context, refs []string) ([]byte, error) {
	if len(refs) == 1 {
		return m.chunks.Get(ctx, refs[0])
	}
	var out []byte
	for _, ref := range refs {
		chunk, err := m.chunks.Get(ctx, ref)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// oldestActiveBeginSeq bounds ledger pruning.
func (m *Manager) oldestActiveBeginSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	oldest := m.ledger.currentSeq()
	for _, txn := range m.active {
		if txn.beginSeq < oldest {
			oldest = txn.beginSeq
		}
	}
	return oldest
}

func sortedTables(set map[string]uint64) []string {
	tables := make([]string, 0, len(set))
	for table := range set {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

func elapsedMillis(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// recordError marks the span failed.
func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
