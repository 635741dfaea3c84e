package lru

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordbasex/mcache/storage"
	"github.com/lordbasex/mcache/storage/inmemory"
)

func newTestWrapper(t *testing.T, cfg storage.Config, kind InvalidatorKind) (*Wrapper, storage.Token) {
	t.Helper()
	raw := inmemory.New(cfg)
	w := NewMultiThreaded(raw, cfg, kind)
	tok, err := w.CreateToken(context.Background())
	require.NoError(t, err)
	return w, tok
}

func TestPutGetDel(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, NullInvalidator)
	ctx := context.Background()

	result, err := w.Put(ctx, tok, []byte("k"), []byte("v"))
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	result, value, err := w.Get(ctx, tok, []byte("k"), 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.Equal(t, []byte("v"), value)
	assert.EqualValues(t, 1, w.GetItems())

	result, err = w.Del(ctx, tok, []byte("k"))
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.EqualValues(t, 0, w.GetItems())
}

func TestCountEviction(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{MaxCount: 2}, NullInvalidator)
	ctx := context.Background()

	_, _ = w.Put(ctx, tok, []byte("a"), []byte("1"))
	_, _ = w.Put(ctx, tok, []byte("b"), []byte("2"))
	_, _ = w.Put(ctx, tok, []byte("c"), []byte("3"))

	assert.EqualValues(t, 2, w.GetItems())
	result, _, _ := w.Get(ctx, tok, []byte("a"), 0)
	assert.True(t, result.Is(storage.NotFound), "oldest key should have been evicted")

	result, _, _ = w.Get(ctx, tok, []byte("c"), 0)
	assert.True(t, result.Is(storage.OK))
}

func TestSizeEviction(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{MaxSize: 10}, NullInvalidator)
	ctx := context.Background()

	_, _ = w.Put(ctx, tok, []byte("a"), []byte("12345"))
	_, _ = w.Put(ctx, tok, []byte("b"), []byte("12345"))
	assert.EqualValues(t, 10, w.GetSize())

	_, _ = w.Put(ctx, tok, []byte("c"), []byte("12345"))
	assert.EqualValues(t, 10, w.GetSize())
	result, _, _ := w.Get(ctx, tok, []byte("a"), 0)
	assert.True(t, result.Is(storage.NotFound))
}

func TestOversizeValueRejected(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{MaxSize: 4}, NullInvalidator)
	ctx := context.Background()

	result, err := w.Put(ctx, tok, []byte("k"), []byte("12345"))
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OutOfResources))
}

func TestPeekDoesNotPromote(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{MaxCount: 2}, NullInvalidator)
	ctx := context.Background()

	_, _ = w.Put(ctx, tok, []byte("a"), []byte("1"))
	_, _ = w.Put(ctx, tok, []byte("b"), []byte("2"))

	_, _, err := w.Peek(ctx, tok, []byte("a"), 0)
	require.NoError(t, err)

	// a was peeked, not promoted, so it is still the oldest and is
	// evicted by inserting a third key.
	_, _ = w.Put(ctx, tok, []byte("c"), []byte("3"))
	result, _, _ := w.Get(ctx, tok, []byte("a"), 0)
	assert.True(t, result.Is(storage.NotFound))
}

func TestFullInvalidatorRemovesMatchingWords(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, FullInvalidator)
	ctx := context.Background()

	_, _ = w.PutWords(ctx, tok, []byte("a"), []byte("1"), []string{"shop.orders"})
	_, _ = w.PutWords(ctx, tok, []byte("b"), []byte("2"), []string{"shop.customers"})

	result, err := w.Invalidate(ctx, tok, []string{"shop.orders"})
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))

	result, _, _ = w.Get(ctx, tok, []byte("a"), 0)
	assert.True(t, result.Is(storage.NotFound))
	result, _, _ = w.Get(ctx, tok, []byte("b"), 0)
	assert.True(t, result.Is(storage.OK))
}

func TestNullInvalidatorRejectsInvalidate(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, NullInvalidator)
	result, err := w.Invalidate(context.Background(), tok, []string{"x"})
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OutOfResources))
}

func TestClearResetsEverything(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, FullInvalidator)
	ctx := context.Background()

	_, _ = w.PutWords(ctx, tok, []byte("a"), []byte("1"), []string{"w"})
	result, err := w.Clear(ctx, tok)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.EqualValues(t, 0, w.GetItems())
	assert.EqualValues(t, 0, w.GetSize())

	result, _, _ = w.Get(ctx, tok, []byte("a"), 0)
	assert.True(t, result.Is(storage.NotFound))
}

func TestGetHeadAndTail(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, NullInvalidator)
	ctx := context.Background()

	_, _ = w.Put(ctx, tok, []byte("a"), []byte("1"))
	_, _ = w.Put(ctx, tok, []byte("b"), []byte("2"))
	_, _ = w.Put(ctx, tok, []byte("c"), []byte("3"))

	result, value, err := w.GetHead(ctx, tok, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.Equal(t, []byte("3"), value)

	result, value, err = w.GetTail(ctx, tok, 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	// "a" is tail unless GetHead's own promotion of "c" reshuffled it;
	// GetHead only promotes the already-most-recent key, so order among
	// the others is untouched.
	assert.Equal(t, []byte("1"), value)
}

func TestUpdateDoesNotDoubleCountItems(t *testing.T) {
	w, tok := newTestWrapper(t, storage.Config{}, NullInvalidator)
	ctx := context.Background()

	_, _ = w.Put(ctx, tok, []byte("a"), []byte("1"))
	_, _ = w.Put(ctx, tok, []byte("a"), []byte("22"))

	assert.EqualValues(t, 1, w.GetItems())
	assert.EqualValues(t, 2, w.GetSize())
	stats := w.Stats()
	assert.EqualValues(t, 1, stats.Updates)
}
