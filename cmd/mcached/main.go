// Command mcached runs the cache filter as a standalone AMQP worker,
// adapted from the teacher's examples/server/advanced/full-featured-server
// entrypoint: parse flags/environment into one configuration struct, wire
// up the components it selects, and run until a signal asks it to stop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/lordbasex/mcache/cacheengine"
	"github.com/lordbasex/mcache/config"
	"github.com/lordbasex/mcache/lru"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/session"
	"github.com/lordbasex/mcache/storage"
	"github.com/lordbasex/mcache/storage/inmemory"
	"github.com/lordbasex/mcache/storage/memcachedstore"
	"github.com/lordbasex/mcache/storage/redisstore"
	"github.com/lordbasex/mcache/transport"
)

func main() {
	cfg := config.LoadFromFlags()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("mcached: invalid configuration: %v", err)
	}

	registry := buildRegistry()
	storageCfg := toStorageConfig(cfg)
	params := storageParams(cfg)

	module, ok := registry.Lookup(string(cfg.Storage))
	if !ok {
		log.Fatalf("mcached: no storage module registered for %q", cfg.Storage)
	}
	// Register already ran Initialize once; this second call is cheap
	// (every module's Initialize is a pure constant lookup) and saves
	// threading the Kind/Capabilities result out through the registry.
	_, caps, err := module.Initialize()
	if err != nil {
		log.Fatalf("mcached: initializing storage %q: %v", cfg.Storage, err)
	}

	group, err := loadRules(cfg.RulesPath)
	if err != nil {
		log.Fatalf("mcached: loading rules from %q: %v", cfg.RulesPath, err)
	}

	invalidatorKind := lru.NullInvalidator
	if cfg.InvalidationMode == "current" {
		if caps.Has(storage.SupportsInvalidation) {
			invalidatorKind = lru.StorageInvalidator
		} else {
			invalidatorKind = lru.FullInvalidator
		}
	}

	engine, err := buildEngine(cfg, module, storageCfg, params, group, invalidatorKind)
	if err != nil {
		log.Fatalf("mcached: building cache engine: %v", err)
	}

	backend, err := transport.NewSQLBackend(cfg.BackendDSN)
	if err != nil {
		log.Fatalf("mcached: connecting to backend %q: %v", cfg.BackendDSN, err)
	}
	defer backend.Close()

	dispatcher := transport.NewDispatcher(engine, backend)
	dispatcher.SetDebug(session.DebugFlags(cfg.Debug))
	dispatcher.SetTTLBounds(cfg.SoftTTL, cfg.HardTTL)
	dispatcher.SetCacheInTransactions(toTxCacheMode(cfg.CacheInTransactions))
	dispatcher.SetSelectsMode(toSelectsMode(cfg.Selects))
	dispatcher.SetClearCacheOnParseErrors(cfg.ClearCacheOnParseErrors)
	dispatcher.SetResultsetLimits(cfg.MaxResultsetRows, cfg.MaxResultsetSize)
	dispatcher.SetEnabled(cfg.Enabled)
	dispatcher.SetUsersMode(toUsersMode(cfg.Users))

	broker, err := transport.NewBroker(cfg.AMQPURL, cfg.QueueName, dispatcher, transport.BrokerConfig{
		WorkerCount: cfg.Workers,
		QueueSize:   cfg.Workers * 10,
		Timeout:     30 * time.Second,
	})
	if err != nil {
		log.Fatalf("mcached: connecting broker: %v", err)
	}

	if err := broker.Start(); err != nil {
		log.Fatalf("mcached: starting broker: %v", err)
	}

	log.Printf("mcached: running (storage=%s engine=%s workers=%d queue=%s)", cfg.Storage, cfg.EngineShape, cfg.Workers, cfg.QueueName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Printf("mcached: shutting down")
	if err := broker.Stop(10 * time.Second); err != nil {
		log.Printf("mcached: shutdown error: %v", err)
	}
	if err := module.Finalize(); err != nil {
		log.Printf("mcached: storage finalize error: %v", err)
	}
}

func buildRegistry() *storage.Registry {
	registry := storage.NewRegistry()
	mustRegister(registry, string(config.StorageInMemory), inmemory.Module{})
	mustRegister(registry, string(config.StorageMemcached), memcachedstore.Module{})
	mustRegister(registry, string(config.StorageRedis), redisstore.Module{})
	return registry
}

func mustRegister(registry *storage.Registry, name string, module storage.Module) {
	if err := registry.Register(name, module); err != nil {
		log.Fatalf("mcached: registering storage module %q: %v", name, err)
	}
}

func toStorageConfig(cfg *config.Config) storage.Config {
	mode := storage.InvalidateNever
	if cfg.InvalidationMode == "current" {
		mode = storage.InvalidateCurrent
	}
	return storage.Config{
		ThreadModel:      storage.MultiThreaded,
		SoftTTL:          cfg.SoftTTL,
		HardTTL:          cfg.HardTTL,
		MaxCount:         cfg.MaxCount,
		MaxSize:          cfg.MaxSize,
		InvalidationMode: mode,
		RemoteTimeout:    cfg.MemcachedTimeout,
	}
}

func storageParams(cfg *config.Config) map[string]string {
	return map[string]string{
		"servers":  cfg.MemcachedServers,
		"addr":     cfg.RedisAddr,
		"password": cfg.RedisPassword,
		"db":       strconv.Itoa(cfg.RedisDB),
	}
}

// toTxCacheMode translates the config package's string-based
// cache_in_transactions setting into session's own enum, keeping
// session free of a config import the way its DebugFlags already does.
func toTxCacheMode(mode config.CacheInTransactionsMode) session.TxCacheMode {
	switch mode {
	case config.CacheInTransactionsNever:
		return session.TxCacheNever
	case config.CacheInTransactionsReadOnly:
		return session.TxCacheReadOnlyTransactions
	default:
		return session.TxCacheAllTransactions
	}
}

func toSelectsMode(mode config.SelectsMode) session.SelectsMode {
	if mode == config.SelectsAssumeCacheable {
		return session.SelectsAssumeCacheable
	}
	return session.SelectsVerifyCacheable
}

func toUsersMode(mode config.UsersMode) session.UsersMode {
	if mode == config.UsersMixed {
		return session.UsersMixed
	}
	return session.UsersIsolated
}

func loadRules(path string) (*rules.Group, error) {
	if path == "" {
		return rules.NewGroup(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return rules.LoadGroup(data, nil)
}

// buildEngine wires the selected storage module's leaf storage under an
// LRU wrapper (when count/size limits or full invalidation require one)
// and builds the cache engine shape config.EngineShape selects.
func buildEngine(cfg *config.Config, module storage.Module, storageCfg storage.Config, params map[string]string, group *rules.Group, invalidatorKind lru.InvalidatorKind) (cacheengine.Engine, error) {
	newLeaf := func() (storage.Storage, error) {
		return module.CreateStorage("mcache", storageCfg, params)
	}

	newWrapped := func() (storage.Storage, error) {
		leaf, err := newLeaf()
		if err != nil {
			return nil, err
		}
		if cfg.MaxCount <= 0 && cfg.MaxSize <= 0 && invalidatorKind != lru.FullInvalidator {
			return leaf, nil
		}
		return lru.NewMultiThreaded(leaf, storageCfg, invalidatorKind), nil
	}

	switch cfg.EngineShape {
	case config.EnginePartitioned:
		// Partitioned workers each need their own storage instance, even
		// for a module that reports itself shareable: a storage backing
		// more than one partition would reintroduce the cross-partition
		// visibility the partitioned shape exists to avoid.
		return cacheengine.NewPartitioned(func() storage.Storage {
			s, err := newWrapped()
			if err != nil {
				log.Fatalf("mcached: constructing partition storage: %v", err)
			}
			return s
		}, group), nil

	default:
		wrapped, err := newWrapped()
		if err != nil {
			return nil, err
		}
		return cacheengine.NewShared(wrapped, group), nil
	}
}
