package ipam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestInitializeNetworkReservations walks a /29 pool through
// initialization, allocation, and double-reserve rejection.
func TestInitializeNetworkReservations(t *testing.T) {
	p, err := NewPool("192.0.2.0/29")
	require.NoError(t, err)
	assert.Equal(t, 8, p.size)

	require.NoError(t, p.InitializeNetwork("192.0.2.1"))

	for _, addr := range []string{"192.0.2.0", "192.0.2.1", "192.0.2.7"} {
		reserved, err := p.IsReserved(addr, true)
		require.NoError(t, err)
		assert.True(t, reserved, addr)
	}

	free, err := p.GenerateFree()
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.2", free)

	require.NoError(t, p.Reserve("192.0.2.2", false))
	err = p.Reserve("192.0.2.2", false)
	require.Error(t, err)
}

// TestPropertyFreeCountInvariant: free + reserved always equals the
// pool size, and Reserve-then-Release is a no-op on the union bitmap.
func TestPropertyFreeCountInvariant(t *testing.T) {
	p, err := NewPool("10.0.0.0/28")
	require.NoError(t, err)
	require.NoError(t, p.InitializeNetwork("10.0.0.1"))

	for i := 0; i < 5; i++ {
		addr, err := p.GenerateFree()
		require.NoError(t, err)
		require.NoError(t, p.Reserve(addr, false))
	}

	assert.Equal(t, p.size, p.GetFreeCount()+p.GetReservedCount())

	addr, err := p.GenerateFree()
	require.NoError(t, err)
	require.NoError(t, p.Reserve(addr, false))
	require.NoError(t, p.Release(addr, false))
	assert.False(t, mustReserved(t, p, addr))
}

func mustReserved(t *testing.T, p *Pool, addr string) bool {
	t.Helper()
	r, err := p.IsReserved(addr, false)
	require.NoError(t, err)
	e, err := p.IsReserved(addr, true)
	require.NoError(t, err)
	return r || e
}

func TestPoolRejectsOutOfRangeSizes(t *testing.T) {
	_, err := NewPool("10.0.0.0/8")
	require.Error(t, err)
	_, err = NewPool("10.0.0.0/31")
	require.Error(t, err)
}
