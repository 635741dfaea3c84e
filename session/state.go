// Package session implements the per-connection cache filter state
// machine of spec.md §4.7: for every statement it decides whether to
// serve a cached response, populate the cache from the real response,
// or step aside and let the query go straight to the backend.
package session

// State is the per-session response-tracking state machine (§4.7).
type State int

const (
	// ExpectingNothing is the idle state between statements.
	ExpectingNothing State = iota
	// ExpectingResponse means a statement was forwarded to the backend
	// and its response has not yet been seen.
	ExpectingResponse
	// ExpectingUseResponse means a cached value was returned to the
	// client and the synthetic response is about to be acknowledged.
	ExpectingUseResponse
	// StoringResponse means the real backend response is being
	// buffered so it can be written to the cache once complete.
	StoringResponse
	// IgnoringResponse means the response must be forwarded but not
	// cached or treated as cacheable (e.g. a non-SELECT statement, or a
	// SELECT running inside a transaction the cache must not see).
	IgnoringResponse
)

func (s State) String() string {
	switch s {
	case ExpectingNothing:
		return "EXPECTING_NOTHING"
	case ExpectingResponse:
		return "EXPECTING_RESPONSE"
	case ExpectingUseResponse:
		return "EXPECTING_USE_RESPONSE"
	case StoringResponse:
		return "STORING_RESPONSE"
	case IgnoringResponse:
		return "IGNORING_RESPONSE"
	default:
		return "UNKNOWN"
	}
}

// Action is the per-statement decision produced by the state machine,
// combining whether to serve from cache and whether to populate it
// (§4.7 "cache-action determination").
type Action int

const (
	ActionIgnore Action = iota
	ActionUse
	ActionPopulate
	ActionUseAndPopulate
)

func (a Action) Use() bool {
	return a == ActionUse || a == ActionUseAndPopulate
}

func (a Action) Populate() bool {
	return a == ActionPopulate || a == ActionUseAndPopulate
}

// StatementKind classifies a statement for cache purposes (§4.7
// "statement classification").
type StatementKind int

const (
	// StatementSelect is a read-only SELECT eligible for caching.
	StatementSelect StatementKind = iota
	// StatementDupsert covers INSERT/UPDATE/DELETE/REPLACE: statements
	// that mutate data and must invalidate affected tables.
	StatementDupsert
	// StatementDralter covers DDL (CREATE/ALTER/DROP/TRUNCATE) and
	// other statements broad enough to invalidate the whole cache.
	StatementDralter
	// StatementTxBegin covers BEGIN/START TRANSACTION.
	StatementTxBegin
	// StatementTxEnd covers COMMIT/ROLLBACK.
	StatementTxEnd
	// StatementUnknown is anything this package's heuristics did not
	// recognize; it is treated conservatively as non-cacheable.
	StatementUnknown
)

func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "SELECT"
	case StatementDupsert:
		return "DUPSERT"
	case StatementDralter:
		return "DRALTER"
	case StatementTxBegin:
		return "TX_BEGIN"
	case StatementTxEnd:
		return "TX_END"
	default:
		return "UNKNOWN"
	}
}

// TransactionState tracks whether the session is inside an explicit
// transaction and whether it has done anything read-only-incompatible
// yet, which governs whether a SELECT inside it may still populate the
// cache (§4.7 "cache-action determination per transaction state").
type TransactionState struct {
	InTransaction bool
	ReadOnly      bool
}

// TxCacheMode mirrors config.CacheInTransactionsMode: a session-local
// enum so this package stays free of a config import, the same
// decoupling DebugFlags already gets from config.Debug (§6
// "cache_in_transactions"). Order matters: Never < ReadOnlyTransactions
// < AllTransactions, so a "≥ read_only_transactions" spec comparison is
// a plain integer compare.
type TxCacheMode int

const (
	TxCacheNever TxCacheMode = iota
	TxCacheReadOnlyTransactions
	TxCacheAllTransactions
)

// SelectsMode mirrors config.SelectsMode (§6 "selects"). The zero value
// is VerifyCacheable so a Filter built without an explicit call to
// SetSelectsMode keeps running the non-cacheable-construct check.
type SelectsMode int

const (
	SelectsVerifyCacheable SelectsMode = iota
	SelectsAssumeCacheable
)

// UsersMode mirrors config.UsersMode (§6 "users"). The zero value is
// Isolated, the cache's default per-account scoping.
type UsersMode int

const (
	UsersIsolated UsersMode = iota
	UsersMixed
)

// DebugFlags gates verbose trace logging in the query pipeline, the
// same bitmask shape the original cache filter's "debug" config option
// used to select which stages to trace.
type DebugFlags int

const (
	DebugMatching DebugFlags = 1 << iota
	DebugPopulating
	DebugUsing
)

func (d DebugFlags) Has(bit DebugFlags) bool { return d&bit != 0 }
