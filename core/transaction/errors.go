package transaction

import (
	"errors"
	"fmt"
)

// --- Error Definitions ---

var (
	ErrWriteConflict         = errors.New("write conflict")
	ErrTxnNotFound           = errors.New("transaction not found")
	ErrTxnNotActive          = errors.New("transaction is not active")
	ErrTxnCommitting         = errors.New("transaction is committing")
	ErrRecoveryInconsistency = errors.New("recovery inconsistency between commit log and catalog")
	ErrVersionConflict       = errors.New("catalog version conflict")
	ErrVersionNotFound       = errors.New("catalog version not found")
	ErrChunkNotFound         = errors.New("chunk not found")
	ErrManagerClosed         = errors.New("transaction manager is closed")
)

// ConflictLayer names the check that detected a conflict.
type ConflictLayer int

const (
	LayerSnapshot   ConflictLayer = iota + 1 // catalog latest vs snapshot
	LayerInFlight                            // in-flight ledger of concurrent commits
	LayerSerialized                          // re-verification under the commit lock
)

func (l ConflictLayer) String() string {
	switch l {
	case LayerSnapshot:
		return "snapshot"
	case LayerInFlight:
		return "in_flight"
	case LayerSerialized:
		return "serialized"
	}
	return "unknown"
}

// ConflictError describes a write conflict. It matches ErrWriteConflict
// under errors.Is.
type ConflictError struct {
	Layer    ConflictLayer
	Table    string
	Snapshot uint64
	Current  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("write conflict on %q (%s check): snapshot version %d, current %d",
		e.Table, e.Layer, e.Snapshot, e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrWriteConflict }
