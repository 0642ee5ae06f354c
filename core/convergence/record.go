package convergence

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sushant-115/versiondb/core/algebra"
)

// --- Error Definitions ---

var (
	ErrUnresolvableConcurrentWrite = errors.New("unresolvable concurrent write")
	ErrRequiresSerializedCommit    = errors.New("commit contains generic operations on a shared table and no serial committer is configured")
	ErrInvalidRecord               = errors.New("invalid commit record")
	ErrEmptyCommit                 = errors.New("commit has no operations")
	ErrUnknownPeer                 = errors.New("unknown peer")
)

// Operation changes one column. For Abelian operators Value is the delta to
// fold in; for Semilattice operators it is the value to join; for Generic
// operators it replaces the column.
type Operation struct {
	Table  string         `json:"table"`
	Column string         `json:"column"`
	Op     algebra.OpType `json:"op"`
	Value  algebra.Value  `json:"value"`
}

// CommitRecord is a locally accepted commit as it travels between nodes.
type CommitRecord struct {
	ID     uuid.UUID   `json:"id"`
	Origin NodeID      `json:"origin"`
	Clock  VectorClock `json:"clock"`
	Ops    []Operation `json:"ops"`
	// TxnID is set when the commit went through the serialized path.
	TxnID uuid.UUID `json:"txn_id"`
}

func (r *CommitRecord) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("%w: missing id", ErrInvalidRecord)
	}
	if r.Origin == "" {
		return fmt.Errorf("%w: %s has no origin", ErrInvalidRecord, r.ID)
	}
	if r.Clock[r.Origin] == 0 {
		return fmt.Errorf("%w: %s clock has no entry for origin %s", ErrInvalidRecord, r.ID, r.Origin)
	}
	if len(r.Ops) == 0 {
		return fmt.Errorf("%w: %s has no operations", ErrInvalidRecord, r.ID)
	}
	for _, op := range r.Ops {
		if op.Table == "" || op.Column == "" {
			return fmt.Errorf("%w: %s has an operation without table or column", ErrInvalidRecord, r.ID)
		}
	}
	return nil
}

// Conflict is a received record that was quarantined instead of applied.
type Conflict struct {
	Record *CommitRecord `json:"record"`
	Reason string        `json:"reason"`
}

// GossipMessage is one push from a node to a peer.
type GossipMessage struct {
	From    NodeID          `json:"from"`
	Clock   VectorClock     `json:"clock"`
	Records []*CommitRecord `json:"records"`
}

// GossipAck tells the sender which records the receiver now holds.
// Quarantined records are acknowledged too, so they are not resent.
type GossipAck struct {
	From       NodeID      `json:"from"`
	Clock      VectorClock `json:"clock"`
	Applied    []uuid.UUID `json:"applied,omitempty"`
	Duplicates []uuid.UUID `json:"duplicates,omitempty"`
	Conflicts  []uuid.UUID `json:"conflicts,omitempty"`
}

// Received lists every record id the receiver has taken responsibility for.
func (a *GossipAck) Received() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Applied)+len(a.Duplicates)+len(a.Conflicts))
	ids = append(ids, a.Applied...)
	ids = append(ids, a.Duplicates...)
	return append(ids, a.Conflicts...)
}
