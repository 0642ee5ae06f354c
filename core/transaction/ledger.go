package transaction

import "sync"

// ledgerMove is one pointer a commit moved: the catalog's latest version of
// a table (branch "") or a branch head. prev is where the pointer stood
// before the move.
type ledgerMove struct {
	branch  string
	table   string
	version uint64
	prev    uint64
}

// ledgerEntry records one move made by a committed transaction.
type ledgerEntry struct {
	seq   uint64
	txnID TxnID
	ledgerMove
}

// inflightLedger remembers recent commits so a transaction can see
// advances that landed after its snapshot check, and can resolve a table
// as it stood when the transaction began. Appends happen under the
// manager's commit lock; reads take only the ledger lock.
type inflightLedger struct {
	mu      sync.RWMutex
	seq     uint64
	entries []ledgerEntry
}

// currentSeq is the sequence of the last appended batch.
func (l *inflightLedger) currentSeq() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// append records every move of one commit under a single sequence.
func (l *inflightLedger) append(txnID TxnID, moves []ledgerMove) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	for _, mv := range moves {
		l.entries = append(l.entries, ledgerEntry{seq: l.seq, txnID: txnID, ledgerMove: mv})
	}
	return l.seq
}

// newer returns the highest version another transaction committed on
// (branch, table) past snapshot, if any.
func (l *inflightLedger) newer(self TxnID, branch, table string, snapshot uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var best uint64
	found := false
	for _, e := range l.entries {
		if e.txnID == self || e.table != table || e.branch != branch {
			continue
		}
		if e.version > snapshot && e.version > best {
			best, found = e.version, true
		}
	}
	return best, found
}

// asOf returns where (branch, table) stood at sequence seq: the prev of the
// first move appended after seq. ok is false when nothing has moved since,
// in which case the current pointer is still the answer.
func (l *inflightLedger) asOf(branch, table string, seq uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.entries {
		if e.seq > seq && e.table == table && e.branch == branch {
			return e.prev, true
		}
	}
	return 0, false
}

// prune drops entries no active transaction can still need: those
// appended at or before the oldest active transaction began.
func (l *inflightLedger) prune(oldestBeginSeq uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if e.seq > oldestBeginSeq {
			kept = append(kept, e)
		}
	}
	dropped := len(l.entries) - len(kept)
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = ledgerEntry{}
	}
	l.entries = kept
	return dropped
}

func (l *inflightLedger) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
