package redisstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordbasex/mcache/storage"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	before := time.Now()
	raw := encode([]byte("payload"))
	storedAt, value, ok := decode(raw)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)
	assert.WithinDuration(t, before, storedAt, 2*time.Second)
}

func TestDecodeRejectsShortInput(t *testing.T) {
	_, _, ok := decode([]byte("x"))
	assert.False(t, ok)
}

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "mcache:val:abc", valueKey([]byte("abc")))
	assert.Equal(t, "mcache:inv:shop.orders", wordKey("shop.orders"))
}

func TestModuleInitialize(t *testing.T) {
	var m Module
	kind, caps, err := m.Initialize()
	require.NoError(t, err)
	assert.Equal(t, storage.Shared, kind)
	assert.True(t, caps.Has(storage.SupportsInvalidation))
}

func TestModuleCreateStorageParsesParams(t *testing.T) {
	var m Module
	s, err := m.CreateStorage("cache", storage.Config{}, map[string]string{
		"addr": "10.0.0.5:6379",
		"db":   "3",
	})
	require.NoError(t, err)
	rs, ok := s.(*Storage)
	require.True(t, ok)
	assert.Equal(t, 3, rs.client.Options().DB)
	assert.Equal(t, "10.0.0.5:6379", rs.client.Options().Addr)
}

func TestModuleCreateStorageRejectsBadDB(t *testing.T) {
	var m Module
	_, err := m.CreateStorage("cache", storage.Config{}, map[string]string{"db": "not-a-number"})
	assert.Error(t, err)
}
