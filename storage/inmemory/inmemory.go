// Package inmemory implements the in-process map storage of spec.md
// §4.5: no native eviction, no native invalidation, TTL enforced on
// read. Grounded on the teacher's own hand-rolled query_cache.go, which
// already tracks a stored-at timestamp per entry and enforces TTL the
// same way.
package inmemory

import (
	"context"
	"log"
	"math"
	"sync"
	"time"

	"github.com/lordbasex/mcache/storage"
)

// maxItemSize is the default cap on a single value (§4.5 "defaults to a
// 32-bit maximum").
const maxItemSize = math.MaxUint32

type entry struct {
	value    []byte
	storedAt time.Time
}

// Storage is the in-memory map. A zero value is not ready for use;
// construct with New.
type Storage struct {
	cfg     storage.Config
	mu      sync.RWMutex // no-op discipline is not needed: Get/Put always lock
	data    map[string]entry
	multi   bool
}

// New constructs an in-memory storage. When cfg.ThreadModel is
// MultiThreaded the internal map is guarded by a mutex; callers that
// already serialize access (e.g. a cache engine wrapping this storage
// in its own per-session lock) may request SingleThreaded to skip that
// guard, but Storage always takes the lock here for simplicity and
// correctness under concurrent CreateToken/Put/Get from the LRU
// wrapper's own single mutex — see lru.Wrapper.
func New(cfg storage.Config) *Storage {
	return &Storage{
		cfg:   cfg,
		data:  make(map[string]entry),
		multi: cfg.ThreadModel == storage.MultiThreaded,
	}
}

func (s *Storage) CreateToken(ctx context.Context) (storage.Token, error) {
	return storage.NullToken, nil
}

func (s *Storage) Get(ctx context.Context, token storage.Token, key []byte, flags storage.GetFlag) (storage.Result, []byte, error) {
	k := string(key)

	s.mu.RLock()
	e, ok := s.data[k]
	s.mu.RUnlock()

	if !ok {
		return storage.NotFoundResult(), nil, nil
	}

	now := time.Now()
	age := now.Sub(e.storedAt)

	if s.cfg.HardTTL > 0 && age > s.cfg.HardTTL {
		s.mu.Lock()
		delete(s.data, k)
		s.mu.Unlock()
		return storage.NotFoundDiscarded(), nil, nil
	}

	if s.cfg.SoftTTL > 0 && age > s.cfg.SoftTTL {
		if flags&storage.IncludeStale == 0 {
			return storage.NotFoundStale(), nil, nil
		}
		return storage.OkStale(), e.value, nil
	}

	return storage.Ok(), e.value, nil
}

func (s *Storage) Put(ctx context.Context, token storage.Token, key []byte, value []byte) (storage.Result, error) {
	if len(value) > maxItemSize {
		return storage.OutOfResourcesResult(), nil
	}

	k := string(key)
	s.mu.Lock()
	s.data[k] = entry{value: value, storedAt: time.Now()}
	s.mu.Unlock()
	return storage.Ok(), nil
}

func (s *Storage) Del(ctx context.Context, token storage.Token, key []byte) (storage.Result, error) {
	k := string(key)
	s.mu.Lock()
	_, existed := s.data[k]
	delete(s.data, k)
	s.mu.Unlock()
	if !existed {
		return storage.NotFoundResult(), nil
	}
	return storage.Ok(), nil
}

// Invalidate is explicitly unsupported (§4.5): callers that need
// invalidation over an in-memory storage must wrap it with the lru
// package's FullInvalidator.
func (s *Storage) Invalidate(ctx context.Context, token storage.Token, words []string) (storage.Result, error) {
	return storage.OutOfResourcesResult(), nil
}

func (s *Storage) Clear(ctx context.Context, token storage.Token) (storage.Result, error) {
	s.mu.Lock()
	s.data = make(map[string]entry)
	s.mu.Unlock()
	return storage.Ok(), nil
}

// Module is the §6 load-time module wrapper for this storage.
type Module struct{}

func (Module) Initialize() (storage.Kind, storage.Capabilities, error) {
	caps := storage.SupportsSingleThread | storage.SupportsMultiThread
	return storage.Private, caps, nil
}

func (Module) Finalize() error { return nil }

func (Module) CreateStorage(name string, cfg storage.Config, params map[string]string) (storage.Storage, error) {
	log.Printf("[storage:inmemory] creating storage %q: softTTL=%s hardTTL=%s", name, cfg.SoftTTL, cfg.HardTTL)
	return New(cfg), nil
}

func (Module) GetLimits(params map[string]string) (storage.Limits, error) {
	return storage.Limits{MaxValueSize: maxItemSize}, nil
}
