package transaction

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/write_engine/wal"
)

// RecoveryReport summarizes one Recover run.
type RecoveryReport struct {
	Pending       int // unresolved intents found in the log
	RolledForward int // intents whose catalog advance was (completed and) confirmed
	RolledBack    int // intents that never reached the catalog
}

// Recover resolves every intent in the commit log that has no complete or
// discard marker. An intent the catalog already reflects, fully or in part,
// is rolled forward; one the catalog never saw is rolled back. Any other
// disagreement stops recovery with ErrRecoveryInconsistency. Commits this
// process left in doubt finish as Committed or Aborted to match. Running
// Recover again after it succeeds finds nothing to do.
func (m *Manager) Recover(ctx context.Context) (RecoveryReport, error) {
	ctx, span := m.tracer.Start(ctx, "transaction.Recover")
	defer span.End()

	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	var report RecoveryReport
	pending, err := m.log.Pending()
	if err != nil {
		recordError(span, err)
		return report, fmt.Errorf("failed to scan commit log: %w", err)
	}
	report.Pending = len(pending)
	m.logger.Info("Starting commit log recovery", zap.Int("pending_intents", len(pending)))

	for _, intent := range pending {
		forward, err := m.recoverIntent(ctx, intent)
		if err != nil {
			recordError(span, err)
			return report, err
		}
		outcome := "rolled_back"
		if forward {
			outcome = "rolled_forward"
			report.RolledForward++
		} else {
			report.RolledBack++
		}
		m.settleInDoubt(ctx, intent.TxnID, forward)
		m.metrics.recovered.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
		m.logger.Info("Resolved commit intent",
			zap.String("txn_id", intent.TxnID.String()),
			zap.Uint64("lsn", uint64(intent.LSN)),
			zap.String("outcome", outcome))
	}
	if err := m.log.Sync(); err != nil {
		return report, fmt.Errorf("failed to sync commit log after recovery: %w", err)
	}
	m.needsRecovery = false

	span.SetAttributes(
		attribute.Int("recovery.rolled_forward", report.RolledForward),
		attribute.Int("recovery.rolled_back", report.RolledBack))
	m.logger.Info("Commit log recovery complete",
		zap.Int("rolled_forward", report.RolledForward),
		zap.Int("rolled_back", report.RolledBack))
	return report, nil
}

// recoverIntent resolves one intent and records the moves it made in the
// ledger. Called with commitMu held.
func (m *Manager) recoverIntent(ctx context.Context, intent *wal.LogRecord) (bool, error) {
	m.advanceMu.Lock()
	defer m.advanceMu.Unlock()
	forward, moves, err := m.resolveIntent(ctx, intent)
	if len(moves) > 0 {
		m.ledger.append(intent.TxnID, moves)
	}
	return forward, err
}

// settleInDoubt finishes a transaction whose commit was left in doubt in
// this process, now that its intent is resolved.
func (m *Manager) settleInDoubt(ctx context.Context, id TxnID, forward bool) {
	txn, ok := m.inDoubt[id]
	if !ok {
		return
	}
	delete(m.inDoubt, id)
	state := TxnStateAborted
	if forward {
		state = TxnStateCommitted
	}
	txn.mu.Lock()
	m.finishLocked(ctx, txn, state, "recovered")
	txn.mu.Unlock()
}

// resolveIntent settles one intent and reports whether it rolled forward,
// along with every catalog and head move it made, even on failure. Called
// with commitMu and advanceMu held.
func (m *Manager) resolveIntent(ctx context.Context, intent *wal.LogRecord) (bool, []ledgerMove, error) {
	applied := make([]bool, len(intent.Targets))
	anyApplied := false
	for i, tgt := range intent.Targets {
		latest, err := m.catalog.LatestVersion(ctx, tgt.Table)
		if err != nil {
			return false, nil, fmt.Errorf("failed to read latest version of %s: %w", tgt.Table, err)
		}
		switch {
		case latest >= tgt.Version:
			entry, err := m.catalog.GetVersion(ctx, tgt.Table, tgt.Version)
			if err != nil {
				return false, nil, fmt.Errorf("failed to read %s@%d: %w", tgt.Table, tgt.Version, err)
			}
			if !slices.Equal(entry.ChunkRefs, tgt.ChunkRefs) || entry.SchemaHash != tgt.SchemaHash {
				return false, nil, fmt.Errorf("%w: txn %s expects %s@%d -> %v, catalog holds %v",
					ErrRecoveryInconsistency, intent.TxnID, tgt.Table, tgt.Version, tgt.ChunkRefs, entry.ChunkRefs)
			}
			applied[i] = true
			anyApplied = true
		case latest+1 == tgt.Version:
			// Not yet applied.
		default:
			return false, nil, fmt.Errorf("%w: txn %s targets %s@%d but catalog latest is %d",
				ErrRecoveryInconsistency, intent.TxnID, tgt.Table, tgt.Version, latest)
		}
	}

	if !anyApplied {
		if _, err := m.log.AppendRecord(&wal.LogRecord{TxnID: intent.TxnID, Type: wal.LogRecordTypeDiscard}); err != nil {
			return false, nil, fmt.Errorf("failed to mark intent %s discarded: %w", intent.TxnID, err)
		}
		return false, nil, nil
	}

	// Chunks were stored before the first catalog advance, so the remaining
	// tables can be applied from the intent alone.
	var moves []ledgerMove
	for i, tgt := range intent.Targets {
		if !applied[i] {
			for _, ref := range tgt.ChunkRefs {
				if _, err := m.chunks.Get(ctx, ref); err != nil {
					return false, moves, fmt.Errorf("%w: txn %s chunk %s for %s unavailable: %v",
						ErrRecoveryInconsistency, intent.TxnID, ref, tgt.Table, err)
				}
			}
			entry := VersionEntry{ChunkRefs: tgt.ChunkRefs, SchemaHash: tgt.SchemaHash}
			if err := m.catalog.CommitVersion(ctx, tgt.Table, tgt.Version, entry); err != nil {
				return false, moves, fmt.Errorf("failed to roll %s forward to %d: %w", tgt.Table, tgt.Version, err)
			}
			moves = append(moves, ledgerMove{table: tgt.Table, version: tgt.Version, prev: tgt.Version - 1})
		}
		head, moved, err := m.advanceHead(ctx, tgt)
		if moved {
			moves = append(moves, head)
		}
		if err != nil {
			return false, moves, fmt.Errorf("failed to roll branch %q of %s forward: %w", tgt.Branch, tgt.Table, err)
		}
	}
	m.registerColumnTypes(intent.Targets)
	if _, err := m.log.AppendRecord(&wal.LogRecord{TxnID: intent.TxnID, Type: wal.LogRecordTypeComplete}); err != nil {
		return false, moves, fmt.Errorf("failed to mark intent %s complete: %w", intent.TxnID, err)
	}
	return true, moves, nil
}
