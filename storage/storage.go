// Package storage defines the byte-level storage contract shared by the
// in-memory, memcached-like and redis-like storages (spec.md §3, §4.3
// "Storage (leaf)"), plus the module-loader boundary of §6.
package storage

import (
	"context"
	"fmt"
	"time"
)

// Code is the primary outcome of a storage (or cache engine) operation.
type Code int

const (
	OK Code = iota
	NotFound
	Pending
	Error
	// OutOfResources is a superset of Error: every OutOfResources is
	// also treated as an Error by callers that only check for failure.
	OutOfResources
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case Pending:
		return "PENDING"
	case Error:
		return "ERROR"
	case OutOfResources:
		return "OUT_OF_RESOURCES"
	default:
		return "UNKNOWN"
	}
}

// IsError reports whether this code represents a failure, treating
// OutOfResources as a superset of Error per §4.3.
func (c Code) IsError() bool {
	return c == Error || c == OutOfResources
}

// Flag bits compose with a Code (§4.3): STALE and DISCARDED.
type Flag int

const (
	Stale     Flag = 1 << iota // value returned despite soft-TTL elapsed
	Discarded                  // entry removed because hard-TTL elapsed
)

// Result is a synchronous result code plus composable flags, replacing
// exceptions with a structured return value (DESIGN NOTES table).
type Result struct {
	Code  Code
	Flags Flag
}

func (r Result) Is(c Code) bool { return r.Code == c }

func (r Result) HasFlag(f Flag) bool { return r.Flags&f != 0 }

func (r Result) String() string {
	s := r.Code.String()
	if r.HasFlag(Stale) {
		s += "|STALE"
	}
	if r.HasFlag(Discarded) {
		s += "|DISCARDED"
	}
	return s
}

func Ok() Result                 { return Result{Code: OK} }
func OkStale() Result             { return Result{Code: OK, Flags: Stale} }
func NotFoundResult() Result       { return Result{Code: NotFound} }
func NotFoundStale() Result        { return Result{Code: NotFound, Flags: Stale} }
func NotFoundDiscarded() Result     { return Result{Code: NotFound, Flags: Discarded} }
func PendingResult() Result         { return Result{Code: Pending} }
func ErrorResult() Result           { return Result{Code: Error} }
func OutOfResourcesResult() Result { return Result{Code: OutOfResources} }

// GetFlag controls how Get treats TTL and access-ordering.
type GetFlag int

const (
	// IncludeStale asks Get to return a soft-expired value instead of
	// NOT_FOUND|STALE.
	IncludeStale GetFlag = 1 << iota
)

// InvalidationMode selects whether a storage participates in
// invalidation at all (§3 StorageConfig).
type InvalidationMode int

const (
	InvalidateNever InvalidationMode = iota
	InvalidateCurrent
)

// ThreadModel describes the concurrency shape a storage was
// constructed for.
type ThreadModel int

const (
	SingleThreaded ThreadModel = iota
	MultiThreaded
)

// Config is passed to a storage module at construction (§3
// StorageConfig).
type Config struct {
	ThreadModel      ThreadModel
	SoftTTL          time.Duration
	HardTTL          time.Duration
	MaxCount         int
	MaxSize          int64
	InvalidationMode InvalidationMode
	RemoteTimeout    time.Duration
}

// Token is an opaque per-session handle a storage uses to multiplex
// independent users across one logical instance (§3, GLOSSARY). A
// storage that needs none returns NullToken.
type Token interface {
	// Close releases any resources (e.g. a remote client connection)
	// held by this token.
	Close() error
}

// NullToken is the Token returned by storages that do not need
// per-session state.
var NullToken Token = nullToken{}

type nullToken struct{}

func (nullToken) Close() error { return nil }

// ValueCallback and Callback are the completion-callback shapes for an
// operation that returns Pending. The Storage interface below is
// written as blocking/synchronous Go calls returning (Result, error);
// nothing in this module takes or invokes these callbacks.
type ValueCallback func(Result, []byte)
type Callback func(Result)

// Storage is the byte-level map from key to value plus TTL and
// optional invalidation (§3 "Storage (leaf)"). Keys are addressed by
// their serialized bytes (cachekey.Key.ToBytes) so that remote
// storages need no knowledge of the Key type.
type Storage interface {
	// CreateToken allocates a per-session handle. Storages that need
	// none return storage.NullToken.
	CreateToken(ctx context.Context) (Token, error)

	// Get fetches the value for key. flags controls stale inclusion.
	Get(ctx context.Context, token Token, key []byte, flags GetFlag) (Result, []byte, error)

	// Put stores value under key.
	Put(ctx context.Context, token Token, key []byte, value []byte) (Result, error)

	// Del removes the entry for key, if any.
	Del(ctx context.Context, token Token, key []byte) (Result, error)

	// Invalidate removes every entry whose invalidation word-set
	// intersects words. Returns OutOfResources if unsupported.
	Invalidate(ctx context.Context, token Token, words []string) (Result, error)

	// Clear removes every entry.
	Clear(ctx context.Context, token Token) (Result, error)
}

// Invalidator is implemented by storages that can track invalidation
// words themselves (§4.6 redis-like). Put takes the word list so the
// storage can index it; storages without native invalidation do not
// implement this interface, and the LRU wrapper's FullInvalidator
// layers word tracking on top of them instead.
type Invalidator interface {
	PutWithWords(ctx context.Context, token Token, key []byte, value []byte, words []string) (Result, error)
}

// Capabilities is the bitmask a storage module reports at load time
// (§6 "Storage module boundary").
type Capabilities int

const (
	SupportsSingleThread Capabilities = 1 << iota
	SupportsMultiThread
	NativelyLRU
	SupportsMaxCount
	SupportsMaxSize
	SupportsInvalidation
)

func (c Capabilities) Has(bit Capabilities) bool { return c&bit != 0 }

// Kind distinguishes a storage that can be safely shared across
// multiple cache engine instances from one that is inherently private
// to a single engine.
type Kind int

const (
	Private Kind = iota
	Shared
)

// Limits is returned by a module's GetLimits.
type Limits struct {
	MaxValueSize int64
}

// Module is the load-time contract a storage plugin implements (§6).
// Modules are registered in a static Registry rather than discovered
// by runtime symbol lookup, per the DESIGN NOTES table's preferred
// re-architecture strategy ("a small plugin loader ... the registry is
// preferred").
type Module interface {
	Initialize() (Kind, Capabilities, error)
	Finalize() error
	CreateStorage(name string, cfg Config, params map[string]string) (Storage, error)
	GetLimits(params map[string]string) (Limits, error)
}

// Registry is a static, process-wide set of named storage modules.
type Registry struct {
	modules map[string]Module
}

func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]Module)}
}

// Register adds a module under name. Registering twice under the same
// name is an error, mirroring a module-load failure (§7).
func (r *Registry) Register(name string, m Module) error {
	if _, exists := r.modules[name]; exists {
		return fmt.Errorf("storage: module %q already registered", name)
	}
	if _, _, err := m.Initialize(); err != nil {
		return fmt.Errorf("storage: module %q failed to initialize: %w", name, err)
	}
	r.modules[name] = m
	return nil
}

// Lookup returns the named module, or false if none is registered.
func (r *Registry) Lookup(name string) (Module, bool) {
	m, ok := r.modules[name]
	return m, ok
}
