// Package memcachedstore implements the memcached-like shared remote
// storage of spec.md §4.6, backed by github.com/bradfitz/gomemcache.
// Memcached only tracks expiry at one-second resolution, so every value
// is prefixed with an application-level stored-at timestamp and the
// storage re-checks soft/hard TTL itself on read, the same way the
// in-memory storage does (§9 DESIGN NOTES, open question "expiry
// granularity").
package memcachedstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/lordbasex/mcache/storage"
)

const headerSize = 8 // storedAt, unix nanoseconds, big-endian

// Config is the memcached-specific connection configuration, grounded
// on the reconnect-config shape of the teacher's client.ReconnectConfig.
type Config struct {
	Servers      []string
	Timeout      time.Duration
	MaxReconnect int // not read; the reconnect-on-error path below runs regardless of its value
}

// Storage is a memcached-backed storage.Storage. A single *Storage is
// safe to share across goroutines: gomemcache's Client pools its own
// connections internally, and token is purely a per-session handle for
// symmetry with the other storage kinds.
type Storage struct {
	cfg    storage.Config
	mcCfg  Config
	mu     sync.RWMutex
	client *memcache.Client
}

// New constructs a memcached storage and dials the initial client.
func New(cfg storage.Config, mcCfg Config) (*Storage, error) {
	if len(mcCfg.Servers) == 0 {
		return nil, fmt.Errorf("memcachedstore: at least one server is required")
	}
	s := &Storage{cfg: cfg, mcCfg: mcCfg}
	s.client = s.dial()
	return s, nil
}

func (s *Storage) dial() *memcache.Client {
	c := memcache.New(s.mcCfg.Servers...)
	if s.mcCfg.Timeout > 0 {
		c.Timeout = s.mcCfg.Timeout
	}
	return c
}

// reconnect rebuilds the underlying client, mirroring the teacher's
// ConnectionManager.doConnect: memcached connections are cheap enough
// that a single rebuild, rather than a full backoff loop, is enough to
// recover from a dropped TCP connection or a server restart.
func (s *Storage) reconnect() *memcache.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Printf("[storage:memcached] reconnecting to %v", s.mcCfg.Servers)
	s.client = s.dial()
	return s.client
}

func (s *Storage) currentClient() *memcache.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

// token wraps no persistent state of its own; memcached authenticates
// at the protocol level only when the server is configured for SASL,
// which gomemcache does not speak, so the reconnect-on-error path above
// is this storage's entire auth-on-reconnect story (§9 open question).
type token struct{}

func (token) Close() error { return nil }

func (s *Storage) CreateToken(ctx context.Context) (storage.Token, error) {
	return token{}, nil
}

func encode(value []byte) []byte {
	buf := make([]byte, headerSize+len(value))
	binary.BigEndian.PutUint64(buf[:headerSize], uint64(time.Now().UnixNano()))
	copy(buf[headerSize:], value)
	return buf
}

func decode(raw []byte) (storedAt time.Time, value []byte, ok bool) {
	if len(raw) < headerSize {
		return time.Time{}, nil, false
	}
	nanos := binary.BigEndian.Uint64(raw[:headerSize])
	return time.Unix(0, int64(nanos)), raw[headerSize:], true
}

func isConnectionError(err error) bool {
	return err != nil && err != memcache.ErrCacheMiss && err != memcache.ErrCASConflict && err != memcache.ErrNotStored
}

func (s *Storage) Get(ctx context.Context, tok storage.Token, key []byte, flags storage.GetFlag) (storage.Result, []byte, error) {
	client := s.currentClient()
	item, err := client.Get(string(key))
	if err == memcache.ErrCacheMiss {
		return storage.NotFoundResult(), nil, nil
	}
	if isConnectionError(err) {
		client = s.reconnect()
		item, err = client.Get(string(key))
		if err == memcache.ErrCacheMiss {
			return storage.NotFoundResult(), nil, nil
		}
		if err != nil {
			return storage.ErrorResult(), nil, err
		}
	} else if err != nil {
		return storage.ErrorResult(), nil, err
	}

	storedAt, value, ok := decode(item.Value)
	if !ok {
		return storage.ErrorResult(), nil, fmt.Errorf("memcachedstore: corrupt entry for key %q", key)
	}

	age := time.Since(storedAt)
	if s.cfg.HardTTL > 0 && age > s.cfg.HardTTL {
		_ = client.Delete(string(key))
		return storage.NotFoundDiscarded(), nil, nil
	}
	if s.cfg.SoftTTL > 0 && age > s.cfg.SoftTTL {
		if flags&storage.IncludeStale == 0 {
			return storage.NotFoundStale(), nil, nil
		}
		return storage.OkStale(), value, nil
	}
	return storage.Ok(), value, nil
}

// expirationSeconds rounds the hard TTL up to the next whole second, as
// the memcached wire protocol has no finer resolution (§9 DESIGN NOTES).
// A non-positive hard TTL means "never expire at the protocol level";
// this storage's own sub-second Get re-check is then the only TTL
// enforcement.
func expirationSeconds(hardTTL time.Duration) int32 {
	if hardTTL <= 0 {
		return 0
	}
	seconds := math.Ceil(hardTTL.Seconds())
	if seconds > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(seconds)
}

func (s *Storage) Put(ctx context.Context, tok storage.Token, key []byte, value []byte) (storage.Result, error) {
	item := &memcache.Item{
		Key:        string(key),
		Value:      encode(value),
		Expiration: expirationSeconds(s.cfg.HardTTL),
	}

	client := s.currentClient()
	err := client.Set(item)
	if isConnectionError(err) {
		client = s.reconnect()
		err = client.Set(item)
	}
	if err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

func (s *Storage) Del(ctx context.Context, tok storage.Token, key []byte) (storage.Result, error) {
	client := s.currentClient()
	err := client.Delete(string(key))
	if err == memcache.ErrCacheMiss {
		return storage.NotFoundResult(), nil
	}
	if isConnectionError(err) {
		client = s.reconnect()
		err = client.Delete(string(key))
		if err == memcache.ErrCacheMiss {
			return storage.NotFoundResult(), nil
		}
	}
	if err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

// Invalidate is unsupported: memcached has no concept of secondary
// indexes, so invalidation-word tracking must be layered on top by the
// lru package's FullInvalidator, exactly as for the in-memory storage.
func (s *Storage) Invalidate(ctx context.Context, tok storage.Token, words []string) (storage.Result, error) {
	return storage.OutOfResourcesResult(), nil
}

func (s *Storage) Clear(ctx context.Context, tok storage.Token) (storage.Result, error) {
	client := s.currentClient()
	err := client.FlushAll()
	if isConnectionError(err) {
		client = s.reconnect()
		err = client.FlushAll()
	}
	if err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

// Module is the §6 load-time module wrapper for this storage. params
// recognizes "servers" (comma-separated host:port list), falling back
// to a single node at 127.0.0.1:11211; the client timeout is taken
// from cfg.RemoteTimeout.
type Module struct{}

func (Module) Initialize() (storage.Kind, storage.Capabilities, error) {
	caps := storage.SupportsSingleThread | storage.SupportsMultiThread
	return storage.Shared, caps, nil
}

func (Module) Finalize() error { return nil }

func (Module) CreateStorage(name string, cfg storage.Config, params map[string]string) (storage.Storage, error) {
	mcCfg := Config{Servers: []string{"127.0.0.1:11211"}, Timeout: cfg.RemoteTimeout}
	if servers, ok := params["servers"]; ok && servers != "" {
		mcCfg.Servers = splitServers(servers)
	}
	log.Printf("[storage:memcached] creating storage %q against %v", name, mcCfg.Servers)
	return New(cfg, mcCfg)
}

func (Module) GetLimits(params map[string]string) (storage.Limits, error) {
	// Memcached's default slab allocator caps items at 1MiB; the header
	// above eats headerSize bytes of that.
	return storage.Limits{MaxValueSize: 1024*1024 - headerSize}, nil
}

func splitServers(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
