package catalog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/versiondb/core/transaction"
)

func catalogs(t *testing.T) map[string]transaction.Catalog {
	t.Helper()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "catalog.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]transaction.Catalog{
		"memory": NewMemory(),
		"inmem":  NewStable(raft.NewInmemStore(), zap.NewNop()),
		"bolt":   bolt,
	}
}

func TestCatalogContract(t *testing.T) {
	ctx := context.Background()
	for name, c := range catalogs(t) {
		t.Run(name, func(t *testing.T) {
			latest, err := c.LatestVersion(ctx, "orders")
			require.NoError(t, err)
			require.Equal(t, uint64(0), latest, "unknown tables start at version 0")

			_, err = c.GetVersion(ctx, "orders", 1)
			require.ErrorIs(t, err, transaction.ErrVersionNotFound)

			e1 := transaction.VersionEntry{ChunkRefs: []string{"aa"}, SchemaHash: "h1"}
			require.NoError(t, c.CommitVersion(ctx, "orders", 1, e1))

			err = c.CommitVersion(ctx, "orders", 3, e1)
			require.ErrorIs(t, err, transaction.ErrVersionConflict, "versions must advance by exactly one")
			err = c.CommitVersion(ctx, "orders", 1, e1)
			require.ErrorIs(t, err, transaction.ErrVersionConflict)

			e2 := transaction.VersionEntry{ChunkRefs: []string{"bb", "cc"}, SchemaHash: "h2"}
			require.NoError(t, c.CommitVersion(ctx, "orders", 2, e2))

			latest, err = c.LatestVersion(ctx, "orders")
			require.NoError(t, err)
			require.Equal(t, uint64(2), latest)

			got, err := c.GetVersion(ctx, "orders", 1)
			require.NoError(t, err)
			require.Equal(t, e1, got)
			got, err = c.GetVersion(ctx, "orders", 2)
			require.NoError(t, err)
			require.Equal(t, e2, got)

			latest, err = c.LatestVersion(ctx, "users")
			require.NoError(t, err)
			require.Equal(t, uint64(0), latest, "tables are independent")
		})
	}
}

func TestBoltCatalogSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	c1, err := OpenBolt(path, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c1.CommitVersion(ctx, "orders", 1, transaction.VersionEntry{ChunkRefs: []string{"aa"}}))
	require.NoError(t, c1.Close())

	c2, err := OpenBolt(path, zap.NewNop())
	require.NoError(t, err)
	defer c2.Close()
	latest, err := c2.LatestVersion(ctx, "orders")
	require.NoError(t, err)
	require.Equal(t, uint64(1), latest)
}
