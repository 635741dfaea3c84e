// Package lru decorates a raw storage.Storage with eviction (by item
// count and/or byte size) and/or invalidation when the raw storage does
// not natively provide them (spec.md §4.4). The recency ordering itself
// is delegated to hashicorp/golang-lru/v2, whose Get/Peek/RemoveOldest
// map directly onto the GET/PEEK access-approaches and tail-eviction
// the spec calls for; invalidation-word indexing and byte-size
// accounting have no library equivalent and are layered on top here.
package lru

import (
	"context"
	"log"
	"sync"

	hashicorplru "github.com/hashicorp/golang-lru/v2"

	"github.com/lordbasex/mcache/storage"
)

// AccessApproach selects whether a Get call promotes the found entry
// to most-recently-used.
type AccessApproach int

const (
	// ApproachGet promotes the found node to the front.
	ApproachGet AccessApproach = iota
	// ApproachPeek leaves recency order untouched.
	ApproachPeek
)

// InvalidatorKind selects how Invalidate is implemented, chosen once at
// construction time per §4.4.
type InvalidatorKind int

const (
	// NullInvalidator means invalidation was not requested; Invalidate
	// always fails.
	NullInvalidator InvalidatorKind = iota
	// FullInvalidator means the raw storage cannot invalidate itself;
	// this wrapper deletes affected values through the raw storage one
	// by one and tracks the word index itself.
	FullInvalidator
	// StorageInvalidator means the raw storage natively supports
	// Invalidate; this wrapper forwards to it and only drops its own
	// bookkeeping for the affected nodes.
	StorageInvalidator
)

// unboundedCapacity is used as the hashicorp/golang-lru capacity when
// no max-count limit applies; eviction is then driven only by this
// wrapper's byte-size accounting.
const unboundedCapacity = 1 << 30

// Counters mirrors the running counters §4.4 requires.
type Counters struct {
	Size          int64
	Items         int64
	Hits          int64
	Misses        int64
	Updates       int64
	Deletes       int64
	Evictions     int64
	Invalidations int64
	Cleared       int64
}

type nodeMeta struct {
	key   string
	size  int64
	words []string
}

// Wrapper implements storage.Storage by decorating a raw storage with
// LRU eviction and/or invalidation. Construct with NewSingleThreaded or
// NewMultiThreaded; the zero value is not usable.
type Wrapper struct {
	raw     storage.Storage
	cfg     storage.Config
	kind    InvalidatorKind
	mu      sync.Locker
	order   *hashicorplru.Cache[string, *nodeMeta]
	words   map[string]map[string]struct{} // word -> set of node keys
	counters Counters
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

func newWrapper(raw storage.Storage, cfg storage.Config, kind InvalidatorKind, mu sync.Locker) *Wrapper {
	w := &Wrapper{
		raw:   raw,
		cfg:   cfg,
		kind:  kind,
		mu:    mu,
		words: make(map[string]map[string]struct{}),
	}

	capacity := unboundedCapacity
	if cfg.MaxCount > 0 {
		capacity = cfg.MaxCount
	}

	order, err := hashicorplru.NewWithEvict[string, *nodeMeta](capacity, w.onEvict)
	if err != nil {
		// Only possible cause is a non-positive capacity, which cannot
		// happen given the clamp above.
		panic("lru: invalid capacity: " + err.Error())
	}
	w.order = order
	return w
}

// NewSingleThreaded builds an LRU wrapper with no internal locking. The
// caller must guarantee exclusive access, e.g. by running it only from
// a single worker's single-threaded child cache (§4.3 Partitioned engine).
func NewSingleThreaded(raw storage.Storage, cfg storage.Config, kind InvalidatorKind) *Wrapper {
	return newWrapper(raw, cfg, kind, noopLocker{})
}

// NewMultiThreaded builds an LRU wrapper guarded by one mutex around
// every public operation (§4.4 Threading, §9 DESIGN NOTES "retain the
// single-mutex design").
func NewMultiThreaded(raw storage.Storage, cfg storage.Config, kind InvalidatorKind) *Wrapper {
	return newWrapper(raw, cfg, kind, &sync.Mutex{})
}

// onEvict is hashicorp/golang-lru's eviction callback, fired
// synchronously from within Add when a *new* key pushes the cache over
// its count capacity. It is also invoked by our own manual
// RemoveOldest calls for byte-size eviction, so it is the single place
// that updates size/word-index bookkeeping and deletes the underlying
// value.
func (w *Wrapper) onEvict(key string, meta *nodeMeta) {
	w.counters.Size -= meta.size
	w.counters.Items--
	w.counters.Evictions++
	w.unindexWords(key, meta.words)
	if w.kind != StorageInvalidator {
		_, _ = w.raw.Del(context.Background(), storage.NullToken, []byte(key))
	}
}

func (w *Wrapper) indexWords(key string, words []string) {
	for _, word := range words {
		set, ok := w.words[word]
		if !ok {
			set = make(map[string]struct{})
			w.words[word] = set
		}
		set[key] = struct{}{}
	}
}

func (w *Wrapper) unindexWords(key string, words []string) {
	for _, word := range words {
		set, ok := w.words[word]
		if !ok {
			continue
		}
		delete(set, key)
		if len(set) == 0 {
			delete(w.words, word)
		}
	}
}

func (w *Wrapper) CreateToken(ctx context.Context) (storage.Token, error) {
	return w.raw.CreateToken(ctx)
}

// Get satisfies storage.Storage by promoting on success (ApproachGet).
func (w *Wrapper) Get(ctx context.Context, token storage.Token, key []byte, flags storage.GetFlag) (storage.Result, []byte, error) {
	return w.GetWithApproach(ctx, token, key, ApproachGet, flags)
}

// GetWithApproach is the full §4.4 get operation: GET reorders the
// found node to the front, PEEK does not.
func (w *Wrapper) GetWithApproach(ctx context.Context, token storage.Token, key []byte, approach AccessApproach, flags storage.GetFlag) (storage.Result, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := string(key)
	result, value, err := w.raw.Get(ctx, token, key, flags)
	if err != nil {
		return result, value, err
	}

	if result.Is(storage.OK) {
		w.counters.Hits++
		if approach == ApproachGet {
			w.order.Get(k)
		} else {
			w.order.Peek(k)
		}
		return result, value, nil
	}

	// NOT_FOUND
	w.counters.Misses++
	if !result.HasFlag(storage.Stale) {
		// Truly gone (never existed, or hard-expired): drop bookkeeping.
		if meta, ok := w.order.Peek(k); ok {
			w.counters.Size -= meta.size
			w.counters.Items--
			w.unindexWords(k, meta.words)
			w.order.Remove(k)
		}
	}
	return result, value, nil
}

// Peek is the PEEK-only convenience form of GetWithApproach.
func (w *Wrapper) Peek(ctx context.Context, token storage.Token, key []byte, flags storage.GetFlag) (storage.Result, []byte, error) {
	return w.GetWithApproach(ctx, token, key, ApproachPeek, flags)
}

// Put stores value under key with no invalidation words. Use PutWords
// for an invalidation-eligible entry.
func (w *Wrapper) Put(ctx context.Context, token storage.Token, key []byte, value []byte) (storage.Result, error) {
	return w.PutWords(ctx, token, key, value, nil)
}

// PutWords is the full §4.4 put operation.
func (w *Wrapper) PutWords(ctx context.Context, token storage.Token, key []byte, value []byte, words []string) (storage.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := string(key)
	valueSize := int64(len(value))

	if w.cfg.MaxSize > 0 && valueSize > w.cfg.MaxSize {
		w.deleteLocked(ctx, token, k)
		return storage.OutOfResourcesResult(), nil
	}

	isUpdate := false
	if meta, ok := w.order.Peek(k); ok {
		isUpdate = true
		w.counters.Size -= meta.size
		w.unindexWords(k, meta.words)
	}

	if w.cfg.MaxSize > 0 {
		for w.counters.Size+valueSize > w.cfg.MaxSize && w.order.Len() > 0 {
			if isUpdate && w.order.Len() == 1 {
				break
			}
			w.order.RemoveOldest()
		}
	}

	var result storage.Result
	var err error
	if inv, ok := w.raw.(storage.Invalidator); ok && w.kind == StorageInvalidator {
		result, err = inv.PutWithWords(ctx, token, key, value, words)
	} else {
		result, err = w.raw.Put(ctx, token, key, value)
	}
	if err != nil || result.Code.IsError() {
		if !isUpdate {
			w.order.Remove(k)
		}
		return result, err
	}

	meta := &nodeMeta{key: k, size: valueSize, words: words}
	w.order.Add(k, meta)
	w.indexWords(k, words)
	w.counters.Size += valueSize
	if isUpdate {
		w.counters.Updates++
	} else {
		w.counters.Items++
	}
	return storage.Ok(), nil
}

func (w *Wrapper) Del(ctx context.Context, token storage.Token, key []byte) (storage.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deleteLocked(ctx, token, string(key))
}

func (w *Wrapper) deleteLocked(ctx context.Context, token storage.Token, k string) (storage.Result, error) {
	meta, ok := w.order.Peek(k)
	if !ok {
		return storage.NotFoundResult(), nil
	}
	result, err := w.raw.Del(ctx, token, []byte(k))
	w.counters.Size -= meta.size
	w.counters.Items--
	w.counters.Deletes++
	w.unindexWords(k, meta.words)
	w.order.Remove(k)
	return result, err
}

// Invalidate removes every entry whose word-set intersects words. If
// anything fails, it falls back to Clear (§4.4, §7).
func (w *Wrapper) Invalidate(ctx context.Context, token storage.Token, words []string) (storage.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.kind == NullInvalidator {
		return storage.OutOfResourcesResult(), nil
	}

	if w.kind == StorageInvalidator {
		result, err := w.raw.Invalidate(ctx, token, words)
		if err != nil || result.Code.IsError() {
			return w.clearLocked(ctx, token)
		}
		for _, word := range words {
			set, ok := w.words[word]
			if !ok {
				continue
			}
			for k := range set {
				if meta, ok := w.order.Peek(k); ok {
					w.counters.Size -= meta.size
					w.counters.Items--
					w.unindexWords(k, meta.words)
					w.order.Remove(k)
				}
			}
		}
		w.counters.Invalidations++
		return storage.Ok(), nil
	}

	// FullInvalidator: delete the underlying value ourselves.
	processed := make(map[string]struct{})
	for _, word := range words {
		set, ok := w.words[word]
		if !ok {
			continue
		}
		keys := make([]string, 0, len(set))
		for k := range set {
			keys = append(keys, k)
		}
		for _, k := range keys {
			if _, done := processed[k]; done {
				continue
			}
			processed[k] = struct{}{}
			meta, ok := w.order.Peek(k)
			if !ok {
				continue
			}
			if _, err := w.raw.Del(ctx, token, []byte(k)); err != nil {
				return w.clearLocked(ctx, token)
			}
			w.counters.Size -= meta.size
			w.counters.Items--
			w.unindexWords(k, meta.words)
			w.order.Remove(k)
		}
	}
	w.counters.Invalidations++
	return storage.Ok(), nil
}

func (w *Wrapper) Clear(ctx context.Context, token storage.Token) (storage.Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.clearLocked(ctx, token)
}

func (w *Wrapper) clearLocked(ctx context.Context, token storage.Token) (storage.Result, error) {
	result, err := w.raw.Clear(ctx, token)
	w.order.Purge()
	w.words = make(map[string]map[string]struct{})
	w.counters.Size = 0
	w.counters.Items = 0
	w.counters.Cleared++
	if err != nil {
		log.Printf("[lru] clear of underlying storage failed: %v", err)
	}
	return result, err
}

// GetHead returns the most-recently-used key, then fetches its value
// through the normal (promoting) get path, retrying if it turns out to
// have hard-expired in the meantime (§4.4).
func (w *Wrapper) GetHead(ctx context.Context, token storage.Token, flags storage.GetFlag) (storage.Result, []byte, error) {
	return w.getEndpoint(ctx, token, flags, true)
}

// GetTail returns the least-recently-used key, with the same retry
// behavior as GetHead.
func (w *Wrapper) GetTail(ctx context.Context, token storage.Token, flags storage.GetFlag) (storage.Result, []byte, error) {
	return w.getEndpoint(ctx, token, flags, false)
}

func (w *Wrapper) getEndpoint(ctx context.Context, token storage.Token, flags storage.GetFlag, head bool) (storage.Result, []byte, error) {
	for {
		w.mu.Lock()
		keys := w.order.Keys() // oldest (tail) first, newest (head) last
		if len(keys) == 0 {
			w.mu.Unlock()
			return storage.NotFoundResult(), nil, nil
		}
		var k string
		if head {
			k = keys[len(keys)-1]
		} else {
			k = keys[0]
		}
		w.mu.Unlock()

		result, value, err := w.Get(ctx, token, []byte(k), flags)
		if err != nil {
			return result, value, err
		}
		if result.Is(storage.NotFound) && result.HasFlag(storage.Discarded) {
			// Hard-expired between listing and fetching: the bookkeeping
			// for it is already dropped by Get; loop to try the new endpoint.
			continue
		}
		return result, value, nil
	}
}

func (w *Wrapper) GetSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters.Size
}

func (w *Wrapper) GetItems() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters.Items
}

// Stats returns a snapshot of the running counters (§4.4).
func (w *Wrapper) Stats() Counters {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.counters
}
