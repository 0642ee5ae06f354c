package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/sushant-115/versiondb/core/write_engine/wal"
)

// VersionEntry is what the catalog stores for one table version.
type VersionEntry struct {
	ChunkRefs  []string `json:"chunk_refs"`
	SchemaHash string   `json:"schema_hash"`
}

// Catalog owns the per-table latest-version pointer.
type Catalog interface {
	LatestVersion(ctx context.Context, table string) (uint64, error)
	GetVersion(ctx context.Context, table string, version uint64) (VersionEntry, error)
	// CommitVersion fails with ErrVersionConflict unless version == latest+1.
	CommitVersion(ctx context.Context, table string, version uint64, entry VersionEntry) error
}

// ChunkStore is content addressed; Put is idempotent.
type ChunkStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, hash string) ([]byte, error)
}

// BranchResolver reports the version a named branch points at.
type BranchResolver interface {
	ResolveHead(ctx context.Context, branch, table string) (uint64, error)
}

// HeadAdvancer is implemented by branch stores that accept head moves.
type HeadAdvancer interface {
	AdvanceHead(ctx context.Context, branch, table string, version uint64) error
}

// CommitLog is the durable intent log used by the commit path.
type CommitLog interface {
	AppendRecord(record *wal.LogRecord) (wal.LSN, error)
	Sync() error
	Pending() ([]*wal.LogRecord, error)
}

// ContentHash is the chunk address of data: hex SHA-256.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
