package connection

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolReusesUpToMaxSize(t *testing.T) {
	m := NewConnectionPoolManager(2)
	defer m.Close()

	// passthrough keeps grpc from resolving; connections stay idle until used.
	const addr = "passthrough:///node-b"
	first, err := m.Get(addr)
	require.NoError(t, err)
	second, err := m.Get(addr)
	require.NoError(t, err)
	require.NotSame(t, first, second)

	for i := 0; i < 4; i++ {
		conn, err := m.Get(addr)
		require.NoError(t, err)
		require.True(t, conn == first || conn == second)
	}

	other, err := m.Get("passthrough:///node-c")
	require.NoError(t, err)
	require.NotSame(t, first, other)
	require.NotSame(t, second, other)
}

func TestPoolRemoveAndClose(t *testing.T) {
	m := NewConnectionPoolManager(1)
	const addr = "passthrough:///node-b"

	before, err := m.Get(addr)
	require.NoError(t, err)
	require.NoError(t, m.Remove(addr))
	require.NoError(t, m.Remove(addr))

	after, err := m.Get(addr)
	require.NoError(t, err)
	require.NotSame(t, before, after)

	require.NoError(t, m.Close())
	_, err = m.Get(addr)
	require.ErrorIs(t, err, ErrPoolClosed)
}
