package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/transaction"
)

// Stable persists the catalog in a raft.StableStore. The version entry is
// written before the latest pointer, so a crash between the two leaves the
// pointer at the previous version and the orphan entry is overwritten by the
// next commit of that version.
type Stable struct {
	store  raft.StableStore
	logger *zap.Logger
	closer func() error

	mu sync.Mutex // serializes CommitVersion's check-and-set
}

// NewStable wraps an existing store, e.g. raft.NewInmemStore() in tests.
func NewStable(store raft.StableStore, logger *zap.Logger) *Stable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stable{store: store, logger: logger.Named("catalog")}
}

// OpenBolt opens (or creates) a bbolt-backed catalog at path.
func OpenBolt(path string, logger *zap.Logger) (*Stable, error) {
	bolt, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog store %s: %w", path, err)
	}
	c := NewStable(bolt, logger)
	c.closer = bolt.Close
	c.logger.Info("Opened catalog", zap.String("path", path))
	return c, nil
}

// Close releases the underlying store if this catalog opened it.
func (c *Stable) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func latestKey(table string) []byte { return []byte("latest/" + table) }

func versionKey(table string, version uint64) []byte {
	return []byte(fmt.Sprintf("v/%s/%020d", table, version))
}

// isNotFound matches both BoltStore's ErrKeyNotFound and InmemStore's
// plain "not found" error.
func isNotFound(err error) bool {
	return errors.Is(err, raftboltdb.ErrKeyNotFound) || err.Error() == "not found"
}

func (c *Stable) LatestVersion(_ context.Context, table string) (uint64, error) {
	v, err := c.store.GetUint64(latestKey(table))
	if err != nil {
		if isNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read latest version of %s: %w", table, err)
	}
	return v, nil
}

func (c *Stable) GetVersion(_ context.Context, table string, version uint64) (transaction.VersionEntry, error) {
	raw, err := c.store.Get(versionKey(table, version))
	if err != nil {
		if isNotFound(err) {
			return transaction.VersionEntry{}, fmt.Errorf("%w: %s@%d", transaction.ErrVersionNotFound, table, version)
		}
		return transaction.VersionEntry{}, fmt.Errorf("failed to read %s@%d: %w", table, version, err)
	}
	if len(raw) == 0 {
		return transaction.VersionEntry{}, fmt.Errorf("%w: %s@%d", transaction.ErrVersionNotFound, table, version)
	}
	var entry transaction.VersionEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return transaction.VersionEntry{}, fmt.Errorf("failed to decode %s@%d: %w", table, version, err)
	}
	return entry, nil
}

func (c *Stable) CommitVersion(ctx context.Context, table string, version uint64, entry transaction.VersionEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	latest, err := c.LatestVersion(ctx, table)
	if err != nil {
		return err
	}
	if version != latest+1 {
		return fmt.Errorf("%w: %s is at %d, cannot commit %d", transaction.ErrVersionConflict, table, latest, version)
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode %s@%d: %w", table, version, err)
	}
	if err := c.store.Set(versionKey(table, version), raw); err != nil {
		return fmt.Errorf("failed to write %s@%d: %w", table, version, err)
	}
	if err := c.store.SetUint64(latestKey(table), version); err != nil {
		return fmt.Errorf("failed to advance %s to %d: %w", table, version, err)
	}
	c.logger.Debug("Advanced table", zap.String("table", table), zap.Uint64("version", version))
	return nil
}
