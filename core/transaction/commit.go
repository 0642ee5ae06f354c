package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/algebra"
	"github.com/sushant-115/versiondb/core/write_engine/wal"
)

// commitWrite is a frozen copy of one buffered write.
type commitWrite struct {
	table       string
	payload     []byte
	columnTypes map[string]algebra.OpType
}

// Commit validates the transaction against concurrent commits and, if no
// conflict is found, makes its writes visible atomically. A conflict, or a
// storage failure before anything became visible, leaves the transaction
// Aborted. A failure after the catalog started to move is rolled forward
// on the spot; if that fails too, Commit returns ErrRecoveryRequired and
// the outcome is settled by Recover. Commit never retries.
func (m *Manager) Commit(ctx context.Context, id TxnID) error {
	start := time.Now()
	ctx, span := m.tracer.Start(ctx, "transaction.Commit",
		trace.WithAttributes(attribute.String("txn.id", id.String())))
	defer span.End()
	defer func() {
		m.metrics.commitDuration.Record(ctx, elapsedMillis(start))
	}()

	txn, err := m.lookup(id)
	if err != nil {
		recordError(span, err)
		return err
	}

	txn.mu.Lock()
	if err := txn.checkWritable(); err != nil {
		txn.mu.Unlock()
		recordError(span, err)
		return err
	}
	txn.inCommit = true
	reads := make(map[string]uint64, len(txn.readSet))
	for table := range txn.readSet {
		reads[table] = txn.snapshots[table].version
	}
	writes := make([]commitWrite, 0, len(txn.writeOrd))
	for _, table := range txn.writeOrd {
		w := txn.writes[table]
		writes = append(writes, commitWrite{table: table, payload: w.payload, columnTypes: w.columnTypes})
	}
	txn.mu.Unlock()

	span.SetAttributes(attribute.Int("txn.reads", len(reads)), attribute.Int("txn.writes", len(writes)))
	if err := m.commit(ctx, txn, reads, writes); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (m *Manager) commit(ctx context.Context, txn *Transaction, reads map[string]uint64, writes []commitWrite) error {
	// Read-only transactions saw a consistent snapshot; there is nothing to validate.
	if len(writes) == 0 {
		txn.mu.Lock()
		m.finishLocked(ctx, txn, TxnStateCommitted, "")
		txn.mu.Unlock()
		return nil
	}

	// Layers 1 and 2 run optimistically, outside the commit lock.
	if err := m.verify(ctx, txn, reads, LayerSnapshot, LayerInFlight); err != nil {
		return m.failCommit(ctx, txn, err)
	}

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	txn.mu.Lock()
	if txn.state != TxnStateActive {
		state := txn.state
		txn.mu.Unlock()
		return fmt.Errorf("%w: %s was %s before serialized commit", ErrTxnNotActive, txn.ID, state)
	}
	txn.serialize = true
	txn.mu.Unlock()

	if m.needsRecovery {
		return m.failCommit(ctx, txn, ErrRecoveryRequired)
	}

	// Layer 3: re-run both checks with commits excluded.
	if err := m.verify(ctx, txn, reads, LayerSerialized, LayerSerialized); err != nil {
		return m.failCommit(ctx, txn, err)
	}
	for _, w := range writes {
		if err := m.registry.Validate(w.table, w.columnTypes); err != nil {
			return m.failCommit(ctx, txn, err)
		}
	}

	targets := make([]wal.Target, 0, len(writes))
	for _, w := range writes {
		latest, err := m.catalog.LatestVersion(ctx, w.table)
		if err != nil {
			return m.failCommit(ctx, txn, fmt.Errorf("failed to read latest version of %s: %w", w.table, err))
		}
		targets = append(targets, wal.Target{
			Table:       w.table,
			Branch:      txn.Branch,
			Version:     latest + 1,
			ChunkRefs:   []string{ContentHash(w.payload)},
			SchemaHash:  m.schemaHashFor(w.table, w.columnTypes),
			ColumnTypes: w.columnTypes,
		})
	}

	// (a) durable intent.
	intent := &wal.LogRecord{TxnID: txn.ID, Type: wal.LogRecordTypeIntent, Targets: targets}
	if _, err := m.log.AppendRecord(intent); err != nil {
		return m.failCommit(ctx, txn, fmt.Errorf("failed to log commit intent: %w", err))
	}
	if err := m.log.Sync(); err != nil {
		m.discardIntent(txn.ID)
		return m.failCommit(ctx, txn, fmt.Errorf("failed to sync commit intent: %w", err))
	}

	// (b) chunks.
	for i, w := range writes {
		ref, err := m.chunks.Put(ctx, w.payload)
		if err == nil && ref != targets[i].ChunkRefs[0] {
			err = fmt.Errorf("chunk store returned address %s, expected %s", ref, targets[i].ChunkRefs[0])
		}
		if err != nil {
			m.discardIntent(txn.ID)
			return m.failCommit(ctx, txn, fmt.Errorf("failed to store chunk for %s: %w", w.table, err))
		}
	}

	// (c) catalog advance, table by table.
	outcome, err := m.publish(ctx, intent)
	switch outcome {
	case publishDiscarded:
		return m.failCommit(ctx, txn, err)
	case publishInDoubt:
		return m.leaveInDoubt(txn, err)
	case publishApplied:
		// (d) complete marker. The catalog already reflects the commit, so a
		// failure here only leaves work for recovery. A rolled-forward commit
		// was marked and registered by resolveIntent.
		if _, err := m.log.AppendRecord(&wal.LogRecord{TxnID: txn.ID, Type: wal.LogRecordTypeComplete}); err != nil {
			m.logger.Warn("Failed to mark commit intent complete",
				zap.String("txn_id", txn.ID.String()), zap.Error(err))
		}
		m.registerColumnTypes(targets)
	}

	m.commitCount++
	if m.commitCount%uint64(m.pruneEvery) == 0 {
		dropped := m.ledger.prune(m.oldestActiveBeginSeq())
		m.logger.Debug("Pruned in-flight ledger", zap.Int("dropped", dropped), zap.Int("remaining", m.ledger.size()))
	}

	// (e) committed.
	txn.mu.Lock()
	m.finishLocked(ctx, txn, TxnStateCommitted, "")
	txn.mu.Unlock()

	m.logger.Debug("Transaction committed",
		zap.String("txn_id", txn.ID.String()),
		zap.Int("tables", len(targets)),
		zap.Bool("rolled_forward", outcome == publishRolledForward))
	return nil
}

// publishOutcome is how far publish got.
type publishOutcome int

const (
	publishApplied       publishOutcome = iota // every target advanced
	publishRolledForward                       // an advance failed midway and the intent was finished
	publishDiscarded                           // nothing became visible; the intent is discarded
	publishInDoubt                             // left for Recover
)

// publish advances the catalog for every target of intent and records each
// move in the ledger. Readers resolving snapshots never observe part of a
// publish. Called with commitMu held.
func (m *Manager) publish(ctx context.Context, intent *wal.LogRecord) (publishOutcome, error) {
	m.advanceMu.Lock()
	defer m.advanceMu.Unlock()

	var moves []ledgerMove
	defer func() {
		if len(moves) > 0 {
			m.ledger.append(intent.TxnID, moves)
		}
	}()

	for _, tgt := range intent.Targets {
		if hook := m.knobs.BeforeCatalogUpdate; hook != nil {
			if err := hook(intent.TxnID, tgt.Table); err != nil {
				return publishInDoubt, err
			}
		}
		moved, err := m.advance(ctx, tgt)
		moves = append(moves, moved...)
		if err == nil {
			continue
		}
		err = fmt.Errorf("failed to advance catalog for %s: %w", tgt.Table, err)
		if len(moves) == 0 {
			m.discardIntent(intent.TxnID)
			return publishDiscarded, err
		}

		// Earlier tables are already visible, so the commit can only go forward.
		m.logger.Warn("Commit stopped after partial catalog advance; rolling forward",
			zap.String("txn_id", intent.TxnID.String()),
			zap.String("table", tgt.Table),
			zap.Error(err))
		forward, rest, rerr := m.resolveIntent(ctx, intent)
		moves = append(moves, rest...)
		if rerr != nil {
			return publishInDoubt, fmt.Errorf("%w; roll-forward failed: %w", err, rerr)
		}
		if !forward {
			return publishDiscarded, err
		}
		return publishRolledForward, nil
	}
	if hook := m.knobs.AfterCatalogUpdate; hook != nil {
		if err := hook(intent.TxnID); err != nil {
			return publishInDoubt, err
		}
	}
	return publishApplied, nil
}

// verify checks every table in the read set against the catalog (or branch
// head) and against the in-flight ledger.
func (m *Manager) verify(ctx context.Context, txn *Transaction, reads map[string]uint64, catalogLayer, ledgerLayer ConflictLayer) error {
	for _, table := range sortedTables(reads) {
		snapshot := reads[table]
		current, err := m.resolveLatest(ctx, txn.Branch, table)
		if err != nil {
			return fmt.Errorf("failed to read latest version of %s: %w", table, err)
		}
		if current != snapshot {
			return &ConflictError{Layer: catalogLayer, Table: table, Snapshot: snapshot, Current: current}
		}
		if v, ok := m.ledger.newer(txn.ID, txn.Branch, table, snapshot); ok {
			return &ConflictError{Layer: ledgerLayer, Table: table, Snapshot: snapshot, Current: v}
		}
	}
	return nil
}

// advance moves the catalog pointer and, for branch-scoped commits, the
// branch head. It returns the moves made even when it fails partway.
func (m *Manager) advance(ctx context.Context, tgt wal.Target) ([]ledgerMove, error) {
	entry := VersionEntry{ChunkRefs: tgt.ChunkRefs, SchemaHash: tgt.SchemaHash}
	if err := m.catalog.CommitVersion(ctx, tgt.Table, tgt.Version, entry); err != nil {
		return nil, err
	}
	moves := []ledgerMove{{table: tgt.Table, version: tgt.Version, prev: tgt.Version - 1}}
	head, moved, err := m.advanceHead(ctx, tgt)
	if moved {
		moves = append(moves, head)
	}
	return moves, err
}

// advanceHead moves the branch head of a branch-scoped target and reports
// the move when the head was behind.
func (m *Manager) advanceHead(ctx context.Context, tgt wal.Target) (ledgerMove, bool, error) {
	if tgt.Branch == "" {
		return ledgerMove{}, false, nil
	}
	advancer, ok := m.branches.(HeadAdvancer)
	if !ok {
		return ledgerMove{}, false, fmt.Errorf("branch resolver cannot advance head of %q", tgt.Branch)
	}
	prev, err := m.branches.ResolveHead(ctx, tgt.Branch, tgt.Table)
	if err != nil {
		return ledgerMove{}, false, err
	}
	if err := advancer.AdvanceHead(ctx, tgt.Branch, tgt.Table, tgt.Version); err != nil {
		return ledgerMove{}, false, err
	}
	if prev >= tgt.Version {
		return ledgerMove{}, false, nil
	}
	return ledgerMove{branch: tgt.Branch, table: tgt.Table, version: tgt.Version, prev: prev}, true, nil
}

// registerColumnTypes records the operators a commit declared. Validate ran
// under commitMu, so a failure here means the registry changed underneath.
func (m *Manager) registerColumnTypes(targets []wal.Target) {
	for _, tgt := range targets {
		if len(tgt.ColumnTypes) == 0 {
			continue
		}
		if err := m.registry.RegisterTable(tgt.Table, tgt.ColumnTypes); err != nil {
			m.logger.Error("Failed to register column operators after commit",
				zap.String("table", tgt.Table), zap.Error(err))
		}
	}
}

// discardIntent marks an intent rolled back. Recovery reaches the same
// outcome if this append is lost, but until then the intent's versions
// are still claimed, so commits wait for Recover. Called with commitMu held.
func (m *Manager) discardIntent(id TxnID) {
	if _, err := m.log.AppendRecord(&wal.LogRecord{TxnID: id, Type: wal.LogRecordTypeDiscard}); err != nil {
		m.needsRecovery = true
		m.logger.Warn("Failed to mark commit intent discarded", zap.String("txn_id", id.String()), zap.Error(err))
	}
}

// leaveInDoubt parks txn until Recover settles its intent. The transaction
// stays active and serialized, so it can be neither aborted nor committed
// again. Called with commitMu held.
func (m *Manager) leaveInDoubt(txn *Transaction, err error) error {
	m.needsRecovery = true
	m.inDoubt[txn.ID] = txn
	m.logger.Error("Commit outcome in doubt until recovery",
		zap.String("txn_id", txn.ID.String()),
		zap.Error(err))
	return fmt.Errorf("%w: %w", ErrRecoveryRequired, err)
}

// failCommit aborts txn and returns err unchanged.
func (m *Manager) failCommit(ctx context.Context, txn *Transaction, err error) error {
	reason := "storage"
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		reason = "conflict"
		m.metrics.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("layer", conflict.Layer.String())))
	}
	txn.mu.Lock()
	m.finishLocked(ctx, txn, TxnStateAborted, reason)
	txn.mu.Unlock()

	m.logger.Debug("Commit failed",
		zap.String("txn_id", txn.ID.String()),
		zap.String("reason", reason),
		zap.Error(err))
	return err
}
