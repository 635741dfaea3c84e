package testharness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lordbasex/mcache/cacheengine"
	"github.com/lordbasex/mcache/lru"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/session"
	"github.com/lordbasex/mcache/storage"
	"github.com/lordbasex/mcache/storage/inmemory"
)

// These tests each drive one end-to-end concrete scenario.

func countingBackend(calls *int, rows []byte) Backend {
	return func(ctx context.Context, query string) ([]byte, error) {
		*calls++
		return rows, nil
	}
}

// S1 — basic hit: a repeated SELECT is served from cache without a
// second backend round trip.
func TestScenarioBasicHit(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: 10 * time.Second, SoftTTL: 10 * time.Second})
	engine := cacheengine.NewShared(raw, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	filter := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	filter.SetDefaultDatabase("shop")

	var calls int
	driver := NewDriver(filter, token, countingBackend(&calls, []byte(`[{"a":1}]`)))

	script, err := Parse([]byte("SELECT a FROM t;\nSELECT a FROM t;\n"))
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), script))

	require.Len(t, driver.Steps, 2)
	assert.Equal(t, 1, calls, "second identical SELECT must be served from cache")
	assert.Equal(t, []byte(`[{"a":1}]`), driver.Steps[1].Rows)
	assert.Empty(t, driver.Mismatches())
}

// S4 — invalidation by table: a DELETE on t1 invalidates both a query
// that touched only t1 and a query whose UNION touched t1 and t2, but
// leaves a later, independent query on t2 free to cache again.
func TestScenarioInvalidationByTable(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: time.Minute, SoftTTL: time.Minute})
	wrapped := lru.NewMultiThreaded(raw, storage.Config{MaxCount: 100}, lru.FullInvalidator)
	engine := cacheengine.NewShared(wrapped, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	filter := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	filter.SetDefaultDatabase("shop")

	var calls int
	driver := NewDriver(filter, token, countingBackend(&calls, []byte(`[]`)))

	script, err := Parse([]byte(
		"SELECT * FROM t1;\n" +
			"SELECT * FROM t1 UNION SELECT * FROM t2;\n" +
			"DELETE FROM t1;\n" +
			"SELECT * FROM t1;\n" +
			"SELECT * FROM t1 UNION SELECT * FROM t2;\n" +
			"SELECT * FROM t2;\n" +
			"SELECT * FROM t2;\n",
	))
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), script))
	require.Len(t, driver.Steps, 7)

	steps := driver.Steps
	assert.Equal(t, session.ActionPopulate, steps[0].Action, "SELECT * FROM t1 starts uncached")
	assert.Equal(t, session.ActionPopulate, steps[1].Action, "the t1+t2 union also starts uncached")
	assert.Equal(t, session.ActionIgnore, steps[2].Action, "DELETE never uses or populates the cache")
	assert.Equal(t, session.ActionPopulate, steps[3].Action, "DELETE FROM t1 must have invalidated the t1 entry")
	assert.Equal(t, session.ActionPopulate, steps[4].Action, "DELETE FROM t1 must have invalidated the t1+t2 union entry too")
	assert.Equal(t, session.ActionPopulate, steps[5].Action, "SELECT * FROM t2 alone was never cached before")
	assert.Equal(t, session.ActionUse, steps[6].Action, "the repeated SELECT * FROM t2 now hits cache, unaffected by the t1 invalidation")

	// Every populate above is one backend round trip; the final repeat is
	// the only step served purely from cache.
	assert.Equal(t, 6, calls)
	assert.Empty(t, driver.Mismatches())
}

// Read-write transaction non-caching: inside an explicit read-write
// transaction both identical SELECTs reach the backend.
func TestScenarioReadWriteTransactionNonCaching(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: time.Minute, SoftTTL: time.Minute})
	engine := cacheengine.NewShared(raw, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	filter := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	filter.SetDefaultDatabase("shop")
	filter.BeginTransaction(false)

	var calls int
	driver := NewDriver(filter, token, countingBackend(&calls, []byte(`[{"a":1}]`)))

	script, err := Parse([]byte("SELECT a FROM t;\nSELECT a FROM t;\n"))
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), script))

	assert.Equal(t, 2, calls, "both SELECTs inside a read-write transaction must reach the backend")
	for _, step := range driver.Steps {
		assert.Equal(t, session.ActionIgnore, step.Action)
	}
}

// S5 — transaction non-caching: with cache_in_transactions=never, a
// plain BEGIN (tentatively read-only) followed by two identical SELECTs
// must both reach the backend; nothing is ever served from cache.
func TestScenarioTransactionNonCaching(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: time.Minute, SoftTTL: time.Minute})
	engine := cacheengine.NewShared(raw, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	filter := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	filter.SetDefaultDatabase("shop")
	filter.SetCacheInTransactions(session.TxCacheNever)

	var calls int
	driver := NewDriver(filter, token, countingBackend(&calls, []byte(`[{"a":1}]`)))

	script, err := Parse([]byte("BEGIN;\nSELECT a FROM t;\nSELECT a FROM t;\n"))
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), script))

	require.Len(t, driver.Steps, 3)
	assert.Equal(t, 3, calls, "BEGIN and both SELECTs inside a never-cached read-only transaction must all reach the backend")
	assert.Equal(t, session.ActionIgnore, driver.Steps[0].Action, "BEGIN never touches the cache")
	for _, step := range driver.Steps[1:] {
		assert.Equal(t, session.ActionPopulate, step.Action, "under cache_in_transactions=never a SELECT may populate but is never served from cache")
	}
}

// A read-only transaction under cache_in_transactions=all_transactions
// (the default) caches exactly like no transaction at all.
func TestScenarioReadOnlyTransactionCachesWhenAllowed(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: time.Minute, SoftTTL: time.Minute})
	engine := cacheengine.NewShared(raw, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	filter := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	filter.SetDefaultDatabase("shop")
	filter.SetCacheInTransactions(session.TxCacheAllTransactions)

	var calls int
	driver := NewDriver(filter, token, countingBackend(&calls, []byte(`[{"a":1}]`)))

	script, err := Parse([]byte("BEGIN;\nSELECT a FROM t;\nSELECT a FROM t;\nCOMMIT;\n"))
	require.NoError(t, err)
	require.NoError(t, driver.Run(context.Background(), script))

	require.Len(t, driver.Steps, 4)
	assert.Equal(t, 3, calls, "BEGIN, the populating SELECT and COMMIT reach the backend; the second SELECT is served from cache")
	assert.Equal(t, session.ActionIgnore, driver.Steps[0].Action, "BEGIN never touches the cache")
	assert.Equal(t, session.ActionPopulate, driver.Steps[1].Action)
	assert.Equal(t, session.ActionUse, driver.Steps[2].Action)
	assert.Equal(t, session.ActionIgnore, driver.Steps[3].Action, "COMMIT never touches the cache")
}

// S6 — refresh election: once a value has gone stale, exactly one
// session is handed the ActionUseAndPopulate refresh slot; a second
// session asking before the first refreshes gets a plain stale hit.
func TestScenarioRefreshElection(t *testing.T) {
	raw := inmemory.New(storage.Config{HardTTL: 10 * time.Second, SoftTTL: 50 * time.Millisecond})
	engine := cacheengine.NewShared(raw, rules.NewGroup())
	token, err := engine.CreateToken(context.Background())
	require.NoError(t, err)

	seed := session.NewFilter(engine, rules.Account{User: "app", Host: "%"}, nil)
	seed.SetDefaultDatabase("shop")
	seedDriver := NewDriver(seed, token, countingBackend(new(int), []byte(`[{"a":1}]`)))
	script, err := Parse([]byte("SELECT a FROM t;\n"))
	require.NoError(t, err)
	require.NoError(t, seedDriver.Run(context.Background(), script))

	time.Sleep(80 * time.Millisecond)

	// S1 and S2 are two separate connections under the same account: the
	// cache key is scoped per-account (cachekey.New), not per-connection,
	// so both see the same entry the seed session populated.
	account := rules.Account{User: "app", Host: "%"}
	s1 := session.NewFilter(engine, account, nil)
	s1.SetDefaultDatabase("shop")
	s2 := session.NewFilter(engine, account, nil)
	s2.SetDefaultDatabase("shop")

	ctx := context.Background()
	query := "SELECT a FROM t"

	// Both sessions ask for K before either's backend round trip lands,
	// the way spec.md's S6 describes "concurrently". Driving HandleQuery
	// directly (rather than through Driver, which would run a whole
	// query to completion before starting the next) keeps the two
	// requests interleaved in the order the scenario specifies.
	s1Action, s1Value, err := s1.HandleQuery(ctx, token, query)
	require.NoError(t, err)
	s2Action, s2Value, err := s2.HandleQuery(ctx, token, query)
	require.NoError(t, err)

	assert.Equal(t, session.ActionUseAndPopulate, s1Action, "S1 is the designated refresher")
	assert.Equal(t, []byte(`[{"a":1}]`), s1Value, "S1 still sees the stale value while it refreshes")

	assert.Equal(t, session.ActionUse, s2Action, "S2 is not the refresher")
	assert.Equal(t, []byte(`[{"a":1}]`), s2Value)

	// S1's backend fetch completes and repopulates the cache with V'.
	s1.AppendResponseChunk([]byte(`[{"a":2}]`))
	require.NoError(t, s1.HandleResponse(ctx, token, true))
	// S2 had no backend work to do; it only acknowledges its cache hit.
	require.NoError(t, s2.HandleResponse(ctx, token, true))

	result, fresh, err := engine.GetValue(context.Background(), token, engine.GetKey("app", "%", "shop", "SELECT a FROM t"), 0)
	require.NoError(t, err)
	assert.True(t, result.Is(storage.OK))
	assert.False(t, result.HasFlag(storage.Stale))
	assert.Equal(t, []byte(`[{"a":2}]`), fresh)
}
