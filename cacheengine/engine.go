// Package cacheengine wires a storage, a rule group and a pending-set
// together into the two concurrency shapes spec.md §4.3 describes:
// Shared (one storage instance serving every session concurrently) and
// Partitioned (one private child cache per worker, joined for
// cross-cutting operations). Both satisfy the same Engine interface so
// the session filter does not need to know which shape it is talking
// to.
package cacheengine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lordbasex/mcache/cachekey"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/storage"
)

// wordPutter is implemented by storages (or storage decorators, like
// lru.Wrapper) that can index invalidation words alongside a value.
// Storages without it simply store the value and drop the words, which
// is correct for the in-memory/memcached storages used without an LRU
// FullInvalidator wrapper on top.
type wordPutter interface {
	PutWords(ctx context.Context, token storage.Token, key []byte, value []byte, words []string) (storage.Result, error)
}

func putWithWords(ctx context.Context, s storage.Storage, token storage.Token, key, value []byte, words []string) (storage.Result, error) {
	if wp, ok := s.(wordPutter); ok {
		return wp.PutWords(ctx, token, key, value, words)
	}
	if inv, ok := s.(storage.Invalidator); ok {
		return inv.PutWithWords(ctx, token, key, value, words)
	}
	return s.Put(ctx, token, key, value)
}

// Engine is the cache engine contract of §4.3: key derivation, rule
// selection, value access, and the pending-set coordination that
// ensures exactly one session refreshes a stale value at a time (§4.8).
type Engine interface {
	// GetKey derives the CacheKey for a query running as user@host
	// against defaultDB.
	GetKey(user, host, defaultDB, query string) cachekey.Key

	// RuleGroup returns the currently active rule group.
	RuleGroup() *rules.Group

	// SetRuleGroup hot-swaps the active rule group (§4.2 "rules may be
	// reloaded without restarting").
	SetRuleGroup(group *rules.Group)

	CreateToken(ctx context.Context) (storage.Token, error)
	GetValue(ctx context.Context, token storage.Token, key cachekey.Key, flags storage.GetFlag) (storage.Result, []byte, error)
	PutValue(ctx context.Context, token storage.Token, key cachekey.Key, value []byte, words []string) (storage.Result, error)
	DelValue(ctx context.Context, token storage.Token, key cachekey.Key) (storage.Result, error)
	Invalidate(ctx context.Context, token storage.Token, words []string) (storage.Result, error)
	Clear(ctx context.Context, token storage.Token) (storage.Result, error)

	// MustRefresh reports whether the caller is the designated
	// refresher for key; at most one caller sees true until Refreshed
	// is called for the same key (§4.8 pending-set). Under Partitioned,
	// ctx carries the worker id so the coordination happens against the
	// right child's pending-set.
	MustRefresh(ctx context.Context, key cachekey.Key) bool
	// Refreshed releases key's designated-refresher slot.
	Refreshed(ctx context.Context, key cachekey.Key)
}

// Shared is the single-storage, multi-threaded engine shape of §4.3:
// one storage instance, one rule group, one pending-set, each behind
// their own lock so a slow rule reload cannot block concurrent gets.
type Shared struct {
	storage storage.Storage

	rulesMu sync.RWMutex
	group   *rules.Group

	pendingMu sync.Mutex
	pending   map[cachekey.Key]struct{}
}

// NewShared builds a Shared engine over an already-constructed storage
// (typically an lru.Wrapper) and an initial rule group.
func NewShared(storage storage.Storage, group *rules.Group) *Shared {
	if group == nil {
		group = rules.NewGroup()
	}
	return &Shared{
		storage: storage,
		group:   group,
		pending: make(map[cachekey.Key]struct{}),
	}
}

func (e *Shared) GetKey(user, host, defaultDB, query string) cachekey.Key {
	return cachekey.New(user, host, defaultDB, query)
}

func (e *Shared) RuleGroup() *rules.Group {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.group
}

func (e *Shared) SetRuleGroup(group *rules.Group) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.group = group
}

func (e *Shared) CreateToken(ctx context.Context) (storage.Token, error) {
	return e.storage.CreateToken(ctx)
}

func (e *Shared) GetValue(ctx context.Context, token storage.Token, key cachekey.Key, flags storage.GetFlag) (storage.Result, []byte, error) {
	return e.storage.Get(ctx, token, key.ToBytes(), flags)
}

func (e *Shared) PutValue(ctx context.Context, token storage.Token, key cachekey.Key, value []byte, words []string) (storage.Result, error) {
	return putWithWords(ctx, e.storage, token, key.ToBytes(), value, words)
}

func (e *Shared) DelValue(ctx context.Context, token storage.Token, key cachekey.Key) (storage.Result, error) {
	return e.storage.Del(ctx, token, key.ToBytes())
}

func (e *Shared) Invalidate(ctx context.Context, token storage.Token, words []string) (storage.Result, error) {
	return e.storage.Invalidate(ctx, token, words)
}

func (e *Shared) Clear(ctx context.Context, token storage.Token) (storage.Result, error) {
	return e.storage.Clear(ctx, token)
}

func (e *Shared) MustRefresh(ctx context.Context, key cachekey.Key) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, busy := e.pending[key]; busy {
		return false
	}
	e.pending[key] = struct{}{}
	return true
}

func (e *Shared) Refreshed(ctx context.Context, key cachekey.Key) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, key)
}

// Partitioned is the per-worker engine shape of §4.3: each worker gets
// its own private Shared child cache, created lazily on first use so a
// worker that never touches the cache never pays for one. Invalidate
// and Clear fan out across all existing children concurrently via
// errgroup and join before returning; SetRuleGroup updates every
// existing child in turn.
type Partitioned struct {
	newChild func() storage.Storage

	mu       sync.Mutex
	children map[int]*Shared

	rulesMu sync.RWMutex
	group   *rules.Group
}

// NewPartitioned builds a Partitioned engine. newChild constructs a
// fresh, private storage instance for a worker the first time that
// worker is seen; it is typically a closure wrapping a single-threaded
// lru.Wrapper per worker, per §4.3's "Partitioned" shape.
func NewPartitioned(newChild func() storage.Storage, group *rules.Group) *Partitioned {
	if group == nil {
		group = rules.NewGroup()
	}
	return &Partitioned{
		newChild: newChild,
		children: make(map[int]*Shared),
		group:    group,
	}
}

func (e *Partitioned) childFor(workerID int) *Shared {
	e.mu.Lock()
	defer e.mu.Unlock()
	child, ok := e.children[workerID]
	if !ok {
		e.rulesMu.RLock()
		group := e.group
		e.rulesMu.RUnlock()
		child = NewShared(e.newChild(), group)
		e.children[workerID] = child
	}
	return child
}

func (e *Partitioned) allChildren() []*Shared {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Shared, 0, len(e.children))
	for _, c := range e.children {
		out = append(out, c)
	}
	return out
}

// workerIDKeyType carries the calling worker's id through context.Context
// so Engine methods, whose signatures are shared with Shared, know
// which child cache to use.
type workerIDKeyType struct{}

var workerIDKey workerIDKeyType

// WithWorkerID returns a context carrying workerID for a Partitioned
// engine to route operations to the correct child cache.
func WithWorkerID(ctx context.Context, workerID int) context.Context {
	return context.WithValue(ctx, workerIDKey, workerID)
}

func workerIDFrom(ctx context.Context) int {
	if id, ok := ctx.Value(workerIDKey).(int); ok {
		return id
	}
	return 0
}

func (e *Partitioned) GetKey(user, host, defaultDB, query string) cachekey.Key {
	return cachekey.New(user, host, defaultDB, query)
}

func (e *Partitioned) RuleGroup() *rules.Group {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.group
}

// SetRuleGroup updates the group used for children created from now on,
// and broadcasts it to every already-created child so an in-flight
// worker picks up the change on its next request (§4.3 "set_all_rules").
func (e *Partitioned) SetRuleGroup(group *rules.Group) {
	e.rulesMu.Lock()
	e.group = group
	e.rulesMu.Unlock()

	for _, child := range e.allChildren() {
		child.SetRuleGroup(group)
	}
}

func (e *Partitioned) CreateToken(ctx context.Context) (storage.Token, error) {
	return e.childFor(workerIDFrom(ctx)).CreateToken(ctx)
}

func (e *Partitioned) GetValue(ctx context.Context, token storage.Token, key cachekey.Key, flags storage.GetFlag) (storage.Result, []byte, error) {
	return e.childFor(workerIDFrom(ctx)).GetValue(ctx, token, key, flags)
}

func (e *Partitioned) PutValue(ctx context.Context, token storage.Token, key cachekey.Key, value []byte, words []string) (storage.Result, error) {
	return e.childFor(workerIDFrom(ctx)).PutValue(ctx, token, key, value, words)
}

func (e *Partitioned) DelValue(ctx context.Context, token storage.Token, key cachekey.Key) (storage.Result, error) {
	return e.childFor(workerIDFrom(ctx)).DelValue(ctx, token, key)
}

// Invalidate fans out across every existing child concurrently; the
// first error is returned after every child has finished (errgroup's
// join semantics), matching the engine-wide "all partitions see an
// invalidation" requirement of §4.3.
func (e *Partitioned) Invalidate(ctx context.Context, token storage.Token, words []string) (storage.Result, error) {
	children := e.allChildren()
	if len(children) == 0 {
		return storage.Ok(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			result, err := child.Invalidate(gctx, token, words)
			if err != nil {
				return err
			}
			if result.Code.IsError() {
				return errResult{result}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if er, ok := err.(errResult); ok {
			return er.result, nil
		}
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

func (e *Partitioned) Clear(ctx context.Context, token storage.Token) (storage.Result, error) {
	children := e.allChildren()
	if len(children) == 0 {
		return storage.Ok(), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		g.Go(func() error {
			result, err := child.Clear(gctx, token)
			if err != nil {
				return err
			}
			if result.Code.IsError() {
				return errResult{result}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if er, ok := err.(errResult); ok {
			return er.result, nil
		}
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

func (e *Partitioned) MustRefresh(ctx context.Context, key cachekey.Key) bool {
	// Refresh coordination is per-worker: delegate to the calling
	// worker's own child so at most one session within that partition
	// is the designated refresher, the same invariant Shared enforces
	// engine-wide (§4.8).
	return e.childFor(workerIDFrom(ctx)).MustRefresh(ctx, key)
}

func (e *Partitioned) Refreshed(ctx context.Context, key cachekey.Key) {
	e.childFor(workerIDFrom(ctx)).Refreshed(ctx, key)
}

// errResult carries a non-OK storage.Result through an errgroup, whose
// Go functions can only return error.
type errResult struct{ result storage.Result }

func (e errResult) Error() string { return "cacheengine: " + e.result.String() }

// Info summarizes one partition for diagnostics (§4.3 get_info).
type Info struct {
	WorkerID int
	Items    int64
	Size     int64
}

// sizer is implemented by storages that expose running size/item
// counters, such as lru.Wrapper.
type sizer interface {
	GetSize() int64
	GetItems() int64
}

// GetInfo fans out across every existing child and returns one Info per
// partition, joined via errgroup the same way Invalidate and Clear are.
func (e *Partitioned) GetInfo(ctx context.Context) ([]Info, error) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.children))
	childList := make([]*Shared, 0, len(e.children))
	for id, c := range e.children {
		ids = append(ids, id)
		childList = append(childList, c)
	}
	e.mu.Unlock()

	infos := make([]Info, len(childList))
	g, _ := errgroup.WithContext(ctx)
	for i := range childList {
		i := i
		g.Go(func() error {
			info := Info{WorkerID: ids[i]}
			if sz, ok := childList[i].storage.(sizer); ok {
				info.Items = sz.GetItems()
				info.Size = sz.GetSize()
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}
