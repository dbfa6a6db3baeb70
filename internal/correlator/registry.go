// Package correlator implements the "map of promises" request/response
// correlator described in spec §9: every outbound CDP command is assigned
// an ID, a PendingCommand entry is registered for (ConnectionID, ID), and
// the upstream's single reader demultiplexes arriving responses by ID,
// completing or discarding the registration.
//
// Every command ID the proxy mints itself — HTTP CommandExecutor dispatch,
// EventMonitor domain enables, and health probes — is drawn from one
// shared, monotonically increasing counter, so no two of them can collide
// on the same connection. WebSocket client forwards are not drawn from it:
// their client-authored IDs are registered as sent. The counter starts
// above idBase, which keeps minted IDs out of the range clients author;
// a client ID above idBase can still collide, and Register reports that.
package correlator

import (
	"sync"
	"sync/atomic"

	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
)

// pendingKey is the composite key for one in-flight command.
type pendingKey struct {
	connectionID string
	id           int64
}

// Registry tracks in-flight commands and routes arriving responses back to
// their waiter.
type Registry struct {
	mu      sync.Mutex
	pending map[pendingKey]chan *cdp.Response
	nextID  atomic.Int64
}

// idBase is the value the ID counter starts from; the first minted ID is
// idBase+1. It stays below 2^31 so minted IDs fit a 32-bit integer.
const idBase = 1 << 30

// NewRegistry returns an empty Registry. IDs start at idBase+1.
func NewRegistry() *Registry {
	r := &Registry{pending: make(map[pendingKey]chan *cdp.Response)}
	r.nextID.Store(idBase)
	return r
}

// NextID returns the next globally unique command ID.
func (r *Registry) NextID() int64 {
	return r.nextID.Add(1)
}

// Register creates a PendingCommand for (connectionID, id) and returns a
// channel that receives exactly one *cdp.Response (or is closed without a
// value if Cancel/CancelAll fires first). Every ID minted by NextID is
// process-wide unique, so collisions only arise from client-authored IDs on
// the WebSocket path (spec §4.5): ok is false when (connectionID, id) is
// already pending, and the caller must not forward the command upstream.
func (r *Registry) Register(connectionID string, id int64) (ch <-chan *cdp.Response, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pendingKey{connectionID, id}
	if _, exists := r.pending[key]; exists {
		return nil, false
	}
	c := make(chan *cdp.Response, 1)
	r.pending[key] = c
	return c, true
}

// Cancel removes the pending registration for (connectionID, id) without
// delivering a value, e.g. on timeout. Safe to call even if already
// delivered or already cancelled.
func (r *Registry) Cancel(connectionID string, id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pendingKey{connectionID, id}
	if ch, ok := r.pending[key]; ok {
		delete(r.pending, key)
		close(ch)
	}
}

// Route delivers resp to its registered waiter, if any. Returns true if a
// waiter was found and the response delivered.
func (r *Registry) Route(connectionID string, resp *cdp.Response) bool {
	r.mu.Lock()
	key := pendingKey{connectionID, resp.ID}
	ch, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- resp
	return true
}

// CancelAll terminates every pending command registered for connectionID
// (e.g. on upstream close), closing each waiter's channel without a value.
func (r *Registry) CancelAll(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ch := range r.pending {
		if key.connectionID == connectionID {
			delete(r.pending, key)
			close(ch)
		}
	}
}
