package transport

import (
	"context"
	"sync"
	"time"

	"github.com/lordbasex/mcache/cacheengine"
	"github.com/lordbasex/mcache/rules"
	"github.com/lordbasex/mcache/session"
	"github.com/lordbasex/mcache/storage"
)

// Dispatcher owns one session.Filter per SessionID and turns a
// RequestPacket into a ResponsePacket: consult the cache, fall through
// to the backend on a miss, and feed the result back into the filter's
// response path.
type Dispatcher struct {
	engine  cacheengine.Engine
	backend Backend

	debug        session.DebugFlags
	softTTLBound time.Duration
	hardTTLBound time.Duration

	cacheInTransactions     session.TxCacheMode
	selects                 session.SelectsMode
	clearCacheOnParseErrors bool
	maxResultsetRows        int
	maxResultsetSize        int64
	enabled                 bool
	usersMode               session.UsersMode

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	filter *session.Filter
	token  storage.Token
}

// NewDispatcher builds a Dispatcher over engine and backend.
func NewDispatcher(engine cacheengine.Engine, backend Backend) *Dispatcher {
	return &Dispatcher{
		engine:                  engine,
		backend:                 backend,
		clearCacheOnParseErrors: true,
		enabled:                 true,
		sessions:                make(map[string]*sessionState),
	}
}

func (d *Dispatcher) stateFor(ctx context.Context, pkt RequestPacket) (*sessionState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.sessions[pkt.SessionID]
	if ok {
		return st, nil
	}

	token, err := d.engine.CreateToken(ctx)
	if err != nil {
		return nil, err
	}
	filter := session.NewFilter(d.engine, rules.Account{User: pkt.User, Host: pkt.Host}, nil)
	filter.SetDefaultDatabase(pkt.DefaultDB)
	filter.SetDebug(d.debug)
	filter.SetTTLBounds(d.softTTLBound, d.hardTTLBound)
	filter.SetCacheInTransactions(d.cacheInTransactions)
	filter.SetSelectsMode(d.selects)
	filter.SetClearCacheOnParseErrors(d.clearCacheOnParseErrors)
	filter.SetResultsetLimits(d.maxResultsetRows, d.maxResultsetSize)
	filter.SetEnabled(d.enabled)
	filter.SetUsersMode(d.usersMode)
	st = &sessionState{filter: filter, token: token}
	d.sessions[pkt.SessionID] = st
	return st, nil
}

// SetDebug configures the trace bitmask every subsequently created
// session.Filter is given.
func (d *Dispatcher) SetDebug(flags session.DebugFlags) { d.debug = flags }

// SetTTLBounds configures the soft/hard TTL bound every subsequently
// created session.Filter clamps @mcache.soft_ttl/@mcache.hard_ttl
// overrides against.
func (d *Dispatcher) SetTTLBounds(soft, hard time.Duration) {
	d.softTTLBound = soft
	d.hardTTLBound = hard
}

// SetCacheInTransactions configures the cache_in_transactions mode
// every subsequently created session.Filter is given.
func (d *Dispatcher) SetCacheInTransactions(mode session.TxCacheMode) { d.cacheInTransactions = mode }

// SetSelectsMode configures the selects mode every subsequently
// created session.Filter is given.
func (d *Dispatcher) SetSelectsMode(mode session.SelectsMode) { d.selects = mode }

// SetClearCacheOnParseErrors configures the clear_cache_on_parse_errors
// behavior every subsequently created session.Filter is given.
func (d *Dispatcher) SetClearCacheOnParseErrors(enabled bool) { d.clearCacheOnParseErrors = enabled }

// SetResultsetLimits configures the max_resultset_rows/max_resultset_size
// admission limits every subsequently created session.Filter is given.
func (d *Dispatcher) SetResultsetLimits(maxRows int, maxSize int64) {
	d.maxResultsetRows = maxRows
	d.maxResultsetSize = maxSize
}

// SetEnabled turns caching on or off for every subsequently created
// session.Filter.
func (d *Dispatcher) SetEnabled(enabled bool) { d.enabled = enabled }

// SetUsersMode configures whether cache entries are isolated per
// account or shared across accounts for every subsequently created
// session.Filter.
func (d *Dispatcher) SetUsersMode(mode session.UsersMode) { d.usersMode = mode }

// CloseSession discards a session's Filter and token, e.g. when the
// client disconnects.
func (d *Dispatcher) CloseSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

// Handle processes one request packet end to end.
func (d *Dispatcher) Handle(ctx context.Context, pkt RequestPacket) ResponsePacket {
	st, err := d.stateFor(ctx, pkt)
	if err != nil {
		return ResponsePacket{Error: err.Error()}
	}

	action, cached, err := st.filter.HandleQuery(ctx, st.token, pkt.Query)
	if err != nil {
		return ResponsePacket{Error: err.Error()}
	}

	if action.Use() && !action.Populate() {
		_ = st.filter.HandleResponse(ctx, st.token, true)
		return ResponsePacket{Rows: cached}
	}

	rows, execErr := d.backend.Execute(ctx, pkt.Query)
	success := execErr == nil
	if success {
		st.filter.AppendResponseChunk(rows)
	}
	if respErr := st.filter.HandleResponse(ctx, st.token, success); respErr != nil && execErr == nil {
		execErr = respErr
	}

	if execErr != nil {
		return ResponsePacket{Error: execErr.Error()}
	}

	if action == session.ActionUseAndPopulate {
		// The client is answered with the stale cached value; the
		// fresh rows fetched above only repopulate the cache, via
		// HandleResponse, and are not sent.
		return ResponsePacket{Rows: cached}
	}
	return ResponsePacket{Rows: rows}
}
