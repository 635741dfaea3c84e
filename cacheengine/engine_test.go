package cacheengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordbasex/mcache/lru"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/storage"
	"github.com/lordbasex/mcache/storage/inmemory"
)

func newSharedForTest() *Shared {
	raw := inmemory.New(storage.Config{})
	wrapped := lru.NewMultiThreaded(raw, storage.Config{MaxCount: 100}, lru.FullInvalidator)
	return NewShared(wrapped, rules.NewGroup())
}

func TestSharedPutGetDel(t *testing.T) {
	e := newSharedForTest()
	ctx := context.Background()
	tok, err := e.CreateToken(ctx)
	require.NoError(t, err)

	key := e.GetKey("alice", "10.0.0.1", "shop", "SELECT * FROM orders")

	result, err := e.PutValue(ctx, tok, key, []byte("rows"), []string{"shop.orders"})
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	result, value, err := e.GetValue(ctx, tok, key, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.Equal(t, []byte("rows"), value)

	result, err = e.DelValue(ctx, tok, key)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
}

func TestSharedInvalidateByWord(t *testing.T) {
	e := newSharedForTest()
	ctx := context.Background()
	tok, _ := e.CreateToken(ctx)

	key := e.GetKey("alice", "10.0.0.1", "shop", "SELECT * FROM orders")
	_, err := e.PutValue(ctx, tok, key, []byte("rows"), []string{"shop.orders"})
	require.NoError(t, err)

	result, err := e.Invalidate(ctx, tok, []string{"shop.orders"})
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	result, _, err = e.GetValue(ctx, tok, key, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.NotFound))
}

func TestMustRefreshIsExclusivePerKey(t *testing.T) {
	e := newSharedForTest()
	ctx := context.Background()
	key := e.GetKey("alice", "10.0.0.1", "shop", "SELECT * FROM orders")

	assert.True(t, e.MustRefresh(ctx, key))
	assert.False(t, e.MustRefresh(ctx, key), "second caller should not also be designated refresher")

	e.Refreshed(ctx, key)
	assert.True(t, e.MustRefresh(ctx, key), "after Refreshed, a new caller may become the refresher")
}

func TestPartitionedMustRefreshIsExclusivePerWorker(t *testing.T) {
	p := NewPartitioned(func() storage.Storage {
		return lru.NewSingleThreaded(inmemory.New(storage.Config{}), storage.Config{MaxCount: 100}, lru.FullInvalidator)
	}, rules.NewGroup())

	key := p.GetKey("alice", "10.0.0.1", "shop", "SELECT 1")
	ctx0 := WithWorkerID(context.Background(), 0)
	ctx1 := WithWorkerID(context.Background(), 1)

	assert.True(t, p.MustRefresh(ctx0, key), "first caller on worker 0 becomes the refresher")
	assert.False(t, p.MustRefresh(ctx0, key), "a second caller on the same worker must not also be designated")
	assert.True(t, p.MustRefresh(ctx1, key), "worker 1's pending-set is independent of worker 0's")

	p.Refreshed(ctx0, key)
	assert.True(t, p.MustRefresh(ctx0, key), "after Refreshed, worker 0 may elect a new refresher")
}

func TestSetRuleGroupHotSwap(t *testing.T) {
	e := newSharedForTest()
	original := e.RuleGroup()

	replacement := rules.NewGroup()
	e.SetRuleGroup(replacement)

	assert.NotSame(t, original, e.RuleGroup())
	assert.Same(t, replacement, e.RuleGroup())
}

func TestPartitionedRoutesByWorker(t *testing.T) {
	p := NewPartitioned(func() storage.Storage {
		return lru.NewSingleThreaded(inmemory.New(storage.Config{}), storage.Config{MaxCount: 100}, lru.FullInvalidator)
	}, rules.NewGroup())

	key := p.GetKey("alice", "10.0.0.1", "shop", "SELECT 1")
	ctx0 := WithWorkerID(context.Background(), 0)
	ctx1 := WithWorkerID(context.Background(), 1)

	tok0, err := p.CreateToken(ctx0)
	require.NoError(t, err)
	tok1, err := p.CreateToken(ctx1)
	require.NoError(t, err)

	_, err = p.PutValue(ctx0, tok0, key, []byte("v"), nil)
	require.NoError(t, err)

	result, _, err := p.GetValue(ctx0, tok0, key, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	result, _, err = p.GetValue(ctx1, tok1, key, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.NotFound), "worker 1's private cache must not see worker 0's value")
}

func TestPartitionedInvalidateFansOutToAllChildren(t *testing.T) {
	p := NewPartitioned(func() storage.Storage {
		return lru.NewSingleThreaded(inmemory.New(storage.Config{}), storage.Config{MaxCount: 100}, lru.FullInvalidator)
	}, rules.NewGroup())

	key := p.GetKey("alice", "10.0.0.1", "shop", "SELECT 1")
	for worker := 0; worker < 3; worker++ {
		ctx := WithWorkerID(context.Background(), worker)
		tok, err := p.CreateToken(ctx)
		require.NoError(t, err)
		_, err = p.PutValue(ctx, tok, key, []byte("v"), []string{"shop.orders"})
		require.NoError(t, err)
	}

	result, err := p.Invalidate(context.Background(), storage.NullToken, []string{"shop.orders"})
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	for worker := 0; worker < 3; worker++ {
		ctx := WithWorkerID(context.Background(), worker)
		result, _, err := p.GetValue(ctx, storage.NullToken, key, 0)
		require.NoError(t, err)
		assert.True(t, result.Is(storage.NotFound), "worker %d should have lost its entry", worker)
	}
}

func TestPartitionedGetInfo(t *testing.T) {
	p := NewPartitioned(func() storage.Storage {
		return lru.NewSingleThreaded(inmemory.New(storage.Config{}), storage.Config{MaxCount: 100}, lru.NullInvalidator)
	}, rules.NewGroup())

	key := p.GetKey("alice", "10.0.0.1", "shop", "SELECT 1")
	ctx := WithWorkerID(context.Background(), 7)
	tok, _ := p.CreateToken(ctx)
	_, err := p.PutValue(ctx, tok, key, []byte("value"), nil)
	require.NoError(t, err)

	infos, err := p.GetInfo(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 7, infos[0].WorkerID)
	assert.EqualValues(t, 1, infos[0].Items)
}
