// Package redisstore implements the redis-like shared remote storage
// of spec.md §4.6: values carry their own TTL via redis's native
// expiry, and each invalidation word indexes the cache keys that
// reference it in a redis SET so Invalidate can find and remove them
// without a table scan. Put and Invalidate are both done inside a
// MULTI/EXEC transaction via go-redis's pipelining so a value is never
// left referencing a word-set it was not actually added to.
package redisstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lordbasex/mcache/storage"
)

const (
	headerSize  = 8 // storedAt, unix nanoseconds, big-endian
	valuePrefix = "mcache:val:"
	wordPrefix  = "mcache:inv:"
	scanBatch   = 200
)

func valueKey(key []byte) string { return valuePrefix + string(key) }
func wordKey(word string) string { return wordPrefix + word }

// Config is the redis-specific connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Storage is a redis-backed storage.Storage that also implements
// storage.Invalidator, so the lru package can use it with
// lru.StorageInvalidator instead of re-deriving word tracking itself.
type Storage struct {
	cfg    storage.Config
	client *redis.Client
}

// New constructs a redis storage and opens the client. go-redis dials
// lazily on first command, so this does not itself prove the server is
// reachable; CreateToken below does a real round trip for that.
func New(cfg storage.Config, rCfg Config) *Storage {
	client := redis.NewClient(&redis.Options{
		Addr:        rCfg.Addr,
		Password:    rCfg.Password,
		DB:          rCfg.DB,
		DialTimeout: firstNonZero(cfg.RemoteTimeout, 5*time.Second),
	})
	return &Storage{cfg: cfg, client: client}
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

type token struct{}

func (token) Close() error { return nil }

// CreateToken pings the server so callers learn about a misconfigured
// or unreachable redis as early as possible, the same way the teacher's
// connection manager dials eagerly before handing out a usable client.
func (s *Storage) CreateToken(ctx context.Context) (storage.Token, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redisstore: ping failed: %w", err)
	}
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

func (s *Storage) Get(ctx context.Context, tok storage.Token, key []byte, flags storage.GetFlag) (storage.Result, []byte, error) {
	raw, err := s.client.Get(ctx, valueKey(key)).Bytes()
	if err == redis.Nil {
		return storage.NotFoundResult(), nil, nil
	}
	if err != nil {
		return storage.ErrorResult(), nil, err
	}

	storedAt, value, ok := decode(raw)
	if !ok {
		return storage.ErrorResult(), nil, fmt.Errorf("redisstore: corrupt entry for key %q", key)
	}

	if s.cfg.SoftTTL > 0 {
		age := time.Since(storedAt)
		if age > s.cfg.SoftTTL {
			if flags&storage.IncludeStale == 0 {
				return storage.NotFoundStale(), nil, nil
			}
			return storage.OkStale(), value, nil
		}
	}
	return storage.Ok(), value, nil
}

func (s *Storage) Put(ctx context.Context, tok storage.Token, key []byte, value []byte) (storage.Result, error) {
	return s.PutWithWords(ctx, tok, key, value, nil)
}

// PutWithWords implements storage.Invalidator: the value write and the
// invalidation-word index updates happen inside one MULTI/EXEC so a
// crash or network error between them cannot leave an orphaned index
// entry pointing at a value that was never written.
func (s *Storage) PutWithWords(ctx context.Context, tok storage.Token, key []byte, value []byte, words []string) (storage.Result, error) {
	encoded := encode(value)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if s.cfg.HardTTL > 0 {
			pipe.Set(ctx, valueKey(key), encoded, s.cfg.HardTTL)
		} else {
			pipe.Set(ctx, valueKey(key), encoded, 0)
		}
		for _, word := range words {
			pipe.SAdd(ctx, wordKey(word), string(key))
		}
		return nil
	})
	if err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

func (s *Storage) Del(ctx context.Context, tok storage.Token, key []byte) (storage.Result, error) {
	n, err := s.client.Del(ctx, valueKey(key)).Result()
	if err != nil {
		return storage.ErrorResult(), err
	}
	if n == 0 {
		return storage.NotFoundResult(), nil
	}
	return storage.Ok(), nil
}

// Invalidate looks up every word's member set, then deletes the
// matching values and the word sets themselves in one transaction.
// Invalidation is best-effort per §4.6: a word with no matching entries
// is simply skipped.
func (s *Storage) Invalidate(ctx context.Context, tok storage.Token, words []string) (storage.Result, error) {
	if len(words) == 0 {
		return storage.Ok(), nil
	}

	memberSets := make(map[string][]string, len(words))
	seen := make(map[string]struct{})
	var valueKeys []string
	for _, word := range words {
		members, err := s.client.SMembers(ctx, wordKey(word)).Result()
		if err != nil {
			return storage.ErrorResult(), err
		}
		memberSets[word] = members
		for _, m := range members {
			if _, dup := seen[m]; dup {
				continue
			}
			seen[m] = struct{}{}
			valueKeys = append(valueKeys, valueKey([]byte(m)))
		}
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(valueKeys) > 0 {
			pipe.Del(ctx, valueKeys...)
		}
		for _, word := range words {
			pipe.Del(ctx, wordKey(word))
		}
		return nil
	})
	if err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

// Clear removes every value and word-set key this storage owns,
// scanning by our namespaced prefixes rather than FLUSHDB so a shared
// redis instance is left untouched outside those prefixes.
func (s *Storage) Clear(ctx context.Context, tok storage.Token) (storage.Result, error) {
	if err := s.scanDelete(ctx, valuePrefix+"*"); err != nil {
		return storage.ErrorResult(), err
	}
	if err := s.scanDelete(ctx, wordPrefix+"*"); err != nil {
		return storage.ErrorResult(), err
	}
	return storage.Ok(), nil
}

func (s *Storage) scanDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Module is the §6 load-time module wrapper for this storage. params
// recognizes "addr", "password" and "db".
type Module struct{}

func (Module) Initialize() (storage.Kind, storage.Capabilities, error) {
	caps := storage.SupportsSingleThread | storage.SupportsMultiThread | storage.SupportsInvalidation
	return storage.Shared, caps, nil
}

func (Module) Finalize() error { return nil }

func (Module) CreateStorage(name string, cfg storage.Config, params map[string]string) (storage.Storage, error) {
	rCfg := Config{Addr: "127.0.0.1:6379"}
	if addr, ok := params["addr"]; ok && addr != "" {
		rCfg.Addr = addr
	}
	rCfg.Password = params["password"]
	if dbStr, ok := params["db"]; ok && dbStr != "" {
		db, err := strconv.Atoi(dbStr)
		if err != nil {
			return nil, fmt.Errorf("redisstore: invalid db param %q: %w", dbStr, err)
		}
		rCfg.DB = db
	}
	log.Printf("[storage:redis] creating storage %q against %s db=%d", name, rCfg.Addr, rCfg.DB)
	return New(cfg, rCfg), nil
}

func (Module) GetLimits(params map[string]string) (storage.Limits, error) {
	return storage.Limits{MaxValueSize: 512 * 1024 * 1024}, nil
}
