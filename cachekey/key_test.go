package cachekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsDeterministic(t *testing.T) {
	a := New("alice", "10.0.0.1", "shop", "SELECT * FROM orders")
	b := New("alice", "10.0.0.1", "shop", "SELECT * FROM orders")
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func TestDataHashIgnoresAccount(t *testing.T) {
	a := New("alice", "10.0.0.1", "shop", "SELECT 1")
	b := New("bob", "10.0.0.2", "shop", "SELECT 1")
	assert.Equal(t, a.DataHash, b.DataHash)
	assert.NotEqual(t, a.FullHash, b.FullHash)
	assert.False(t, a.Equal(b))
}

func TestDifferentQueryDiffers(t *testing.T) {
	a := New("alice", "h", "shop", "SELECT 1")
	b := New("alice", "h", "shop", "SELECT 2")
	assert.NotEqual(t, a.DataHash, b.DataHash)
}

func TestToBytesRoundTripShape(t *testing.T) {
	k := New("alice", "host", "db", "SELECT 1")
	buf := k.ToBytes()
	require.Len(t, buf, len("alice")+len("host")+16)
	assert.Equal(t, "alice", string(buf[:5]))
	assert.Equal(t, "host", string(buf[5:9]))
}

func TestEmptyUserAndHost(t *testing.T) {
	k := New("", "", "db", "SELECT 1")
	assert.Equal(t, "", k.User)
	assert.Equal(t, "", k.Host)
}
