package transaction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestInflightLedger(t *testing.T) {
	var l inflightLedger
	self, other := uuid.New(), uuid.New()

	begin := l.currentSeq()
	l.append(other, []ledgerMove{
		{table: "orders", version: 5, prev: 4},
		{table: "users", version: 2, prev: 1},
	})
	l.append(self, []ledgerMove{{table: "orders", version: 6, prev: 5}})

	v, ok := l.newer(self, "", "orders", 4)
	require.True(t, ok)
	require.Equal(t, uint64(5), v, "own commits are ignored")

	_, ok = l.newer(self, "", "orders", 5)
	require.False(t, ok, "an entry the snapshot already includes is no conflict")

	_, ok = l.newer(self, "dev", "orders", 4)
	require.False(t, ok, "branches are tracked separately")

	require.Equal(t, 0, l.prune(begin))
	require.Equal(t, 3, l.size())

	// Once every active transaction began after the first batch, it can go.
	require.Equal(t, 2, l.prune(begin+1))
	require.Equal(t, 1, l.size())
	_, ok = l.newer(uuid.New(), "", "users", 0)
	require.False(t, ok)
}

func TestInflightLedgerAsOf(t *testing.T) {
	var l inflightLedger
	writer := uuid.New()

	begin := l.currentSeq()
	l.append(writer, []ledgerMove{
		{table: "orders", version: 3, prev: 2},
		{branch: "dev", table: "orders", version: 3, prev: 1},
	})
	mid := l.currentSeq()
	l.append(writer, []ledgerMove{{table: "orders", version: 4, prev: 3}})

	v, ok := l.asOf("", "orders", begin)
	require.True(t, ok)
	require.Equal(t, uint64(2), v, "the first later move holds the pre-image")

	v, ok = l.asOf("dev", "orders", begin)
	require.True(t, ok)
	require.Equal(t, uint64(1), v)

	v, ok = l.asOf("", "orders", mid)
	require.True(t, ok)
	require.Equal(t, uint64(3), v)

	_, ok = l.asOf("dev", "orders", mid)
	require.False(t, ok, "dev has not moved since mid")
	_, ok = l.asOf("", "users", begin)
	require.False(t, ok)
}
