package session

import (
	"context"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lordbasex/mcache/cacheengine"
	"github.com/lordbasex/mcache/cachekey"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/storage"
)

var useDBRe = regexp.MustCompile(`(?i)^\s*USE\s+` + "`?" + `([a-zA-Z0-9_]+)` + "`?" + `\s*;?\s*$`)

var overrideRe = regexp.MustCompile(`(?i)^\s*SET\s+@mcache\.(populate|use|soft_ttl|hard_ttl|invalidate_now|clear_cache)\s*=\s*([^;]+?)\s*;?\s*$`)

// Filter is the per-connection cache decision engine of §4.7. One
// Filter belongs to exactly one session; it is not safe for concurrent
// use by design, the same way a single MySQL connection only ever
// processes one statement at a time.
type Filter struct {
	engine   cacheengine.Engine
	analyzer rules.QueryAnalyzer
	account  rules.Account

	defaultDB    string
	pendingUseDB string

	state State
	key   cachekey.Key

	responseBuffer []byte
	responseChunks int
	loadActive     bool

	useOverride      *bool
	populateOverride *bool
	softTTLOverride  *time.Duration
	hardTTLOverride  *time.Duration

	invalidateWords []string
	clearRequested  bool
	refreshing      bool

	disableUse      bool
	disablePopulate bool

	txState     TransactionState
	txCacheMode TxCacheMode

	processing bool
	debug      DebugFlags

	softTTLBound time.Duration
	hardTTLBound time.Duration

	selects                 SelectsMode
	clearCacheOnParseErrors bool
	maxResultsetRows        int
	maxResultsetSize        int64

	usersMixed bool
}

// NewFilter constructs a Filter for one connection. analyzer may be nil,
// in which case HeuristicAnalyzer{} is used.
func NewFilter(engine cacheengine.Engine, account rules.Account, analyzer rules.QueryAnalyzer) *Filter {
	if analyzer == nil {
		analyzer = HeuristicAnalyzer{}
	}
	return &Filter{
		engine:                  engine,
		analyzer:                analyzer,
		account:                 account,
		state:                   ExpectingNothing,
		clearCacheOnParseErrors: true,
	}
}

// State returns the filter's current response-tracking state.
func (f *Filter) State() State { return f.state }

// SetDebug configures which stages of the query pipeline log a trace
// line for this session.
func (f *Filter) SetDebug(flags DebugFlags) { f.debug = flags }

// SetTTLBounds records the server-configured soft/hard TTL so a later
// @mcache.soft_ttl/@mcache.hard_ttl override can be clamped against
// them instead of letting a session push a TTL out past what the
// operator configured. A zero bound means "unbounded".
func (f *Filter) SetTTLBounds(soft, hard time.Duration) {
	f.softTTLBound = soft
	f.hardTTLBound = hard
}

// SetCacheInTransactions configures how SELECTs running inside a
// read-only transaction are treated (§4.7 cache-action determination).
func (f *Filter) SetCacheInTransactions(mode TxCacheMode) { f.txCacheMode = mode }

// SetSelectsMode configures whether a SELECT's full classification is
// checked for a non-cacheable construct (§4.7, §6 "selects").
func (f *Filter) SetSelectsMode(mode SelectsMode) { f.selects = mode }

// SetClearCacheOnParseErrors configures whether a DRALTER this
// session's analyzer cannot attribute to a table clears the whole
// cache or merely skips invalidation with a warning (§7).
func (f *Filter) SetClearCacheOnParseErrors(enabled bool) { f.clearCacheOnParseErrors = enabled }

// SetResultsetLimits configures the admission limits past which a
// response is discarded instead of cached (§4.7 response path). Either
// limit may be 0 for unlimited.
func (f *Filter) SetResultsetLimits(maxRows int, maxSize int64) {
	f.maxResultsetRows = maxRows
	f.maxResultsetSize = maxSize
}

// SetEnabled turns caching on or off for this session. Disabling forces
// every SELECT to bypass the cache entirely, through the same
// disableUse/disablePopulate pair the clear-on-error path sets (§6
// "enabled"). Invalidation by DUPSERT/DRALTER statements is not
// affected and still runs while caching is disabled.
func (f *Filter) SetEnabled(enabled bool) {
	f.disableUse = !enabled
	f.disablePopulate = !enabled
}

// SetUsersMode configures whether cache entries are isolated per
// account (the default) or shared across every account connected to
// this engine (§6 "users").
func (f *Filter) SetUsersMode(mode UsersMode) { f.usersMixed = mode == UsersMixed }

// cacheAccount returns the user/host pair GetKey should scope this
// session's entries by: the real account, unless users=mixed asks
// every account to share one keyspace.
func (f *Filter) cacheAccount() (user, host string) {
	if f.usersMixed {
		return "", ""
	}
	return f.account.User, f.account.Host
}

func (f *Filter) useAllowed(rs *rules.RuleSet) bool {
	if f.disableUse {
		return false
	}
	if f.useOverride != nil {
		return *f.useOverride
	}
	return rs.ShouldUse(f.account)
}

func (f *Filter) storeAllowed(rs *rules.RuleSet, query string, info rules.QueryInfo) bool {
	if f.disablePopulate {
		return false
	}
	if f.populateOverride != nil && !*f.populateOverride {
		return false
	}
	if tableIsExcludedFromStore(info, f.defaultDB) {
		return false
	}
	return rs.ShouldStore(f.defaultDB, query)
}

// HandleQuery is called once per incoming statement, before it would
// otherwise go to the backend. It returns the cache action to take and,
// when the action uses the cache, the value to serve to the client.
func (f *Filter) HandleQuery(ctx context.Context, token storage.Token, query string) (Action, []byte, error) {
	if f.processing {
		return ActionIgnore, nil, nil
	}
	f.processing = true
	defer func() { f.processing = false }()

	f.responseBuffer = nil
	f.responseChunks = 0
	f.invalidateWords = nil
	f.clearRequested = false

	if m := overrideRe.FindStringSubmatch(query); m != nil {
		f.applyOverride(m[1], strings.TrimSpace(m[2]))
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil
	}

	if m := useDBRe.FindStringSubmatch(query); m != nil {
		f.pendingUseDB = m[1]
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil
	}

	kind := ClassifyStatement(query)

	switch kind {
	case StatementTxBegin:
		// Transaction-begin never itself caches anything, but it resets
		// the read-only-trx assumption for whatever SELECTs follow
		// (§4.7 cache-action determination, step 1).
		f.BeginTransaction(statementIsReadOnlyBegin(query))
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil

	case StatementTxEnd:
		f.EndTransaction()
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil

	case StatementDupsert, StatementDralter:
		info := f.analyzer.Analyze(query)
		f.invalidateWords = InvalidationWords(info, f.defaultDB)
		if kind == StatementDralter && len(f.invalidateWords) == 0 {
			// A DDL statement this analyzer could not attribute to a
			// specific table (e.g. GRANT) is broad enough to distrust
			// the whole cache.
			if f.clearCacheOnParseErrors {
				f.clearRequested = true
			} else {
				log.Printf("[session] DRALTER could not be attributed to a table, skipping invalidation: %q", query)
			}
		}
		// A write inside a tentatively read-only transaction makes it a
		// read-write transaction for the rest of its lifetime (§4.7
		// cache-action determination, step 4).
		f.txState.ReadOnly = false
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil

	case StatementSelect:
		forceNoUse := false
		if f.txState.InTransaction {
			if !f.txState.ReadOnly {
				// A SELECT inside a read-write transaction may observe
				// uncommitted writes from earlier in the same
				// transaction; serving or populating from the shared
				// cache here would leak that transaction's view to
				// other sessions.
				f.state = IgnoringResponse
				return ActionIgnore, nil, nil
			}
			if f.txCacheMode < TxCacheReadOnlyTransactions {
				// cache_in_transactions=never: still forward to the
				// backend and may populate, but must never serve a
				// cached value while inside this read-only transaction.
				forceNoUse = true
			}
		}
		if f.selects == SelectsVerifyCacheable && HasNonCacheableConstruct(query) {
			f.state = IgnoringResponse
			return ActionIgnore, nil, nil
		}

		group := f.engine.RuleGroup()
		rs, ok := group.SelectFor(f.defaultDB, query)
		if !ok {
			f.state = IgnoringResponse
			return ActionIgnore, nil, nil
		}

		info := f.analyzer.Analyze(query)
		keyUser, keyHost := f.cacheAccount()
		f.key = f.engine.GetKey(keyUser, keyHost, f.defaultDB, query)
		use := !forceNoUse && f.useAllowed(rs)
		store := f.storeAllowed(rs, query, info)
		if store {
			// Tag the entry this SELECT may populate with the tables it
			// reads, so a later DUPSERT/DRALTER on any of them can find
			// and invalidate it (§4.7, §4.2 invalidation words).
			f.invalidateWords = InvalidationWords(info, f.defaultDB)
			if f.debug.Has(DebugPopulating) {
				log.Printf("[session] populate candidate key=%x words=%v", f.key.FullHash, f.invalidateWords)
			}
		}
		if f.debug.Has(DebugMatching) {
			log.Printf("[session] SELECT matched rule-set use=%v store=%v query=%q", use, store, query)
		}

		if use {
			// IncludeStale is always requested: a stale hit is still
			// useful here, served immediately while at most one session
			// refreshes it in the background (§4.8 pending-set).
			result, value, err := f.engine.GetValue(ctx, token, f.key, storage.IncludeStale)
			if err != nil {
				f.state = IgnoringResponse
				return ActionIgnore, nil, err
			}
			if result.Is(storage.OK) {
				if result.HasFlag(storage.Stale) && store && f.engine.MustRefresh(ctx, f.key) {
					f.refreshing = true
					f.state = StoringResponse
					if f.debug.Has(DebugUsing) {
						log.Printf("[session] stale hit key=%x, serving while refreshing", f.key.FullHash)
					}
					return ActionUseAndPopulate, value, nil
				}
				if f.debug.Has(DebugUsing) {
					log.Printf("[session] cache hit key=%x", f.key.FullHash)
				}
				f.state = ExpectingUseResponse
				return ActionUse, value, nil
			}
		}

		if store {
			f.state = StoringResponse
			return ActionPopulate, nil, nil
		}
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil

	default:
		f.state = IgnoringResponse
		return ActionIgnore, nil, nil
	}
}

func (f *Filter) applyOverride(name, rawValue string) {
	switch name {
	case "populate":
		v := parseBool(rawValue)
		f.populateOverride = &v
	case "use":
		v := parseBool(rawValue)
		f.useOverride = &v
	case "soft_ttl":
		if seconds, err := strconv.Atoi(rawValue); err == nil {
			d := f.clampTTL(time.Duration(seconds)*time.Second, f.softTTLBound, "soft_ttl")
			f.softTTLOverride = &d
		}
	case "hard_ttl":
		if seconds, err := strconv.Atoi(rawValue); err == nil {
			d := f.clampTTL(time.Duration(seconds)*time.Second, f.hardTTLBound, "hard_ttl")
			f.hardTTLOverride = &d
		}
	case "invalidate_now":
		if parseBool(rawValue) {
			// Applies to whatever the next DUPSERT/DRALTER touches;
			// nothing to do here beyond acknowledging the directive,
			// since invalidation already happens eagerly on the
			// response path.
		}
	case "clear_cache":
		if parseBool(rawValue) {
			f.clearRequested = true
		}
	}
}

// clampTTL caps a session-requested TTL override to the server-configured
// bound, warning rather than silently honoring a request to outlive it.
func (f *Filter) clampTTL(requested, bound time.Duration, name string) time.Duration {
	if bound <= 0 || requested <= bound {
		return requested
	}
	log.Printf("[session] @mcache.%s=%s exceeds configured bound %s, clamping", name, requested, bound)
	return bound
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "1" || s == "true" || s == "on"
}

// AppendResponseChunk buffers one packet of a multi-packet response
// while in StoringResponse, the same way LOAD DATA's multi-packet
// payload must be accumulated before it can be considered complete.
func (f *Filter) AppendResponseChunk(chunk []byte) {
	f.responseBuffer = append(f.responseBuffer, chunk...)
	f.responseChunks++
}

// resultsetExceedsLimits reports whether the response buffered so far
// is too large or has too many rows to store, per max_resultset_size
// and max_resultset_rows (§4.7 response path). Each buffered chunk is
// counted as one row, matching the one-row-per-packet shape the rest
// of the pipeline already assumes for a result set.
func (f *Filter) resultsetExceedsLimits() bool {
	if f.maxResultsetRows > 0 && f.responseChunks > f.maxResultsetRows {
		return true
	}
	if f.maxResultsetSize > 0 && int64(len(f.responseBuffer)) > f.maxResultsetSize {
		return true
	}
	return false
}

// HandleResponse is called once the backend's response to the last
// HandleQuery'd statement is fully known. success reports whether the
// statement completed without a backend error.
func (f *Filter) HandleResponse(ctx context.Context, token storage.Token, success bool) error {
	defer func() {
		f.state = ExpectingNothing
		f.responseBuffer = nil
		f.responseChunks = 0
		if f.pendingUseDB != "" {
			f.defaultDB = f.pendingUseDB
			f.pendingUseDB = ""
		}
	}()

	switch f.state {
	case StoringResponse:
		if !success {
			if f.refreshing {
				f.engine.Refreshed(ctx, f.key)
				f.refreshing = false
			}
			return nil
		}
		if f.resultsetExceedsLimits() {
			// Too big or too many rows to be worth caching; forward to
			// the client but discard rather than store (§4.7 response
			// path).
			if f.refreshing {
				f.engine.Refreshed(ctx, f.key)
				f.refreshing = false
			}
			return nil
		}
		result, err := f.engine.PutValue(ctx, token, f.key, f.responseBuffer, f.invalidateWords)
		if err != nil {
			return err
		}
		if result.Code.IsError() {
			// Error compensation (§4.7): a failed put may have left a
			// corrupt partial entry; delete it rather than risk serving
			// it later.
			_, _ = f.engine.DelValue(ctx, token, f.key)
		}
		if f.refreshing {
			f.engine.Refreshed(ctx, f.key)
			f.refreshing = false
		}
		return nil

	case IgnoringResponse:
		if success && len(f.invalidateWords) > 0 {
			result, err := f.engine.Invalidate(ctx, token, f.invalidateWords)
			if err != nil {
				return err
			}
			if result.Code.IsError() {
				// Fall back to clearing the whole cache rather than
				// risk serving stale data for tables we failed to
				// invalidate precisely.
				_, _ = f.engine.Clear(ctx, token)
			}
		}
		if success && f.clearRequested {
			result, err := f.engine.Clear(ctx, token)
			if err != nil {
				return err
			}
			if result.Code.IsError() {
				// If even a clear fails, stop trusting the cache for
				// this session until its state resets.
				f.disableUse = true
				f.disablePopulate = true
			}
		}
		return nil

	case ExpectingUseResponse:
		return nil

	default:
		return nil
	}
}

// BeginTransaction marks the session as inside an explicit transaction.
func (f *Filter) BeginTransaction(readOnly bool) {
	f.txState = TransactionState{InTransaction: true, ReadOnly: readOnly}
}

// EndTransaction clears the transaction marker on COMMIT or ROLLBACK.
func (f *Filter) EndTransaction() {
	f.txState = TransactionState{}
}

// SetDefaultDatabase is used by callers that learn the session's
// initial default database out-of-band (e.g. from the connection
// handshake) rather than from a USE statement.
func (f *Filter) SetDefaultDatabase(db string) { f.defaultDB = db }

// DefaultDatabase returns the session's current default database.
func (f *Filter) DefaultDatabase() string { return f.defaultDB }
