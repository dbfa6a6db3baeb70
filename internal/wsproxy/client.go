package wsproxy

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// State is a ClientProxy's position in its Handshaking -> Open -> Closed
// state machine. Terminal only, per spec §4.5.
type State int

const (
	StateHandshaking State = iota
	StateOpen
	StateClosed
)

// clientProxy is one downstream WebSocket client attached to a
// ConnectionID. It forwards commands upstream and receives fanned-out
// events subject to its own filter set.
type clientProxy struct {
	ProxyID      string
	ConnectionID string
	CreatedAt    time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	filters map[string]struct{} // empty => receive all events

	messageCount atomic.Int64
}

func newClientProxy(proxyID, connectionID string, conn *websocket.Conn) *clientProxy {
	return &clientProxy{
		ProxyID:      proxyID,
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
		conn:         conn,
		state:        StateHandshaking,
		filters:      make(map[string]struct{}),
	}
}

func (c *clientProxy) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *clientProxy) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// writeJSON serializes writes, since gorilla's Conn forbids concurrent
// writers (same discipline as pool.Upstream.Send).
func (c *clientProxy) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *clientProxy) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *clientProxy) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.writeMu.Unlock()
	_ = c.conn.Close()
	c.setState(StateClosed)
}

// setFilters replaces the subscribed event-method set. An empty set means
// "receive all events", per Proxy.setEventFilters/clearEventFilters.
func (c *clientProxy) setFilters(methods []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = make(map[string]struct{}, len(methods))
	for _, m := range methods {
		c.filters[m] = struct{}{}
	}
}

func (c *clientProxy) clearFilters() {
	c.setFilters(nil)
}

func (c *clientProxy) getFilters() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.filters))
	for m := range c.filters {
		out = append(out, m)
	}
	return out
}

// wants reports whether this client is subscribed to method (empty filter
// set means "all").
func (c *clientProxy) wants(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.filters) == 0 {
		return true
	}
	_, ok := c.filters[method]
	return ok
}
