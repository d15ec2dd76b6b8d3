package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSharesClientsByEndpoint(t *testing.T) {
	pool := NewPool(testOptions())

	a := pool.Get("ws://host:1", "token-a")
	b := pool.Get("ws://host:1", "token-a")
	require.Same(t, a, b)

	// A different credential against the same URL is a different client.
	c := pool.Get("ws://host:1", "token-b")
	assert.NotSame(t, a, c)

	assert.Equal(t, 2, pool.Len())
}

func TestPoolRemoveEvicts(t *testing.T) {
	pool := NewPool(testOptions())

	a := pool.Get("ws://host:1", "token")
	pool.Remove("ws://host:1", "token")

	b := pool.Get("ws://host:1", "token")
	assert.NotSame(t, a, b)
	assert.Equal(t, StateDisconnected, a.State())
}

func TestPoolClear(t *testing.T) {
	pool := NewPool(testOptions())
	pool.Get("ws://host:1", "a")
	pool.Get("ws://host:2", "b")

	pool.Clear()
	assert.Equal(t, 0, pool.Len())
}
