// Package wsproxy implements the WSProxy described in spec §4.5: it
// accepts downstream WebSocket clients at /ws/{connectionID}, forwards
// their commands onto the shared upstream, and fans CDP events out to
// every subscribed client honoring per-client filters. Grounded on
// lib/devtoolsproxy.WebSocketProxyHandler's upgrade/dial/relay shape,
// generalized from one upstream-one-client to many-clients-per-upstream
// routed by ConnectionID.
package wsproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/nrednav/cuid2"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
)

// Upstream is the subset of pool.Upstream WSProxy needs.
type Upstream interface {
	Send(ctx context.Context, raw []byte) error
	Healthy() bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:    65536,
	WriteBufferSize:   65536,
	EnableCompression: true,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// Proxy owns every attached ClientProxy, keyed by ConnectionID for event
// fan-out and by ProxyID for direct lookup.
type Proxy struct {
	registry *correlator.Registry
	logger   *slog.Logger

	resolve func(connectionID string) (Upstream, bool)
	attach  func(connectionID string)
	release func(connectionID string)

	mu        sync.RWMutex
	byConn    map[string]map[string]*clientProxy
	byProxyID map[string]*clientProxy
}

// New constructs a Proxy. resolve/attach/release are bound to the
// ConnectionPool by the server composition root; keeping them as funcs
// (rather than depending on *pool.Pool directly) avoids a wsproxy<->pool
// import cycle, since pool needs wsproxy only through monitor.Broadcaster.
func New(registry *correlator.Registry, resolve func(string) (Upstream, bool), attach, release func(string), logger *slog.Logger) *Proxy {
	return &Proxy{
		registry:  registry,
		logger:    logger,
		resolve:   resolve,
		attach:    attach,
		release:   release,
		byConn:    make(map[string]map[string]*clientProxy),
		byProxyID: make(map[string]*clientProxy),
	}
}

// ServeHTTP implements the /ws/{connectionID} handshake of spec §4.5.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "connectionID")
	if connectionID == "" {
		connectionID = r.URL.Query().Get("connectionId")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Error("websocket upgrade failed", slog.String("err", err.Error()))
		return
	}

	if connectionID == "" {
		closeAndLog(conn, 1008, "missing connectionId", p.logger)
		return
	}
	up, ok := p.resolve(connectionID)
	if !ok {
		closeAndLog(conn, 1008, "unknown connectionId", p.logger)
		return
	}
	if !up.Healthy() {
		closeAndLog(conn, 1011, "upstream unhealthy", p.logger)
		return
	}

	client := newClientProxy(cuid2.Generate(), connectionID, conn)
	p.registerClient(client)
	p.attach(connectionID)
	client.setState(StateOpen)

	if err := client.writeJSON(map[string]any{
		"type":         "proxy-connected",
		"proxyId":      client.ProxyID,
		"connectionId": connectionID,
		"timestamp":    time.Now().UnixMilli(),
	}); err != nil {
		p.logger.Warn("failed to send proxy-connected frame", slog.String("err", err.Error()))
	}

	p.readLoop(client, up)
}

func closeAndLog(conn *websocket.Conn, code int, reason string, logger *slog.Logger) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
	logger.Debug("rejected websocket handshake", slog.Int("code", code), slog.String("reason", reason))
}

func (p *Proxy) registerClient(c *clientProxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.byConn[c.ConnectionID] == nil {
		p.byConn[c.ConnectionID] = make(map[string]*clientProxy)
	}
	p.byConn[c.ConnectionID][c.ProxyID] = c
	p.byProxyID[c.ProxyID] = c
}

// unregisterClient implements the client-close half of spec §4.5's
// lifecycle: decrement clientCount and drop the subscription and filter
// set. PendingCommands the client still has in flight are not cancelled
// here: awaitResponse drops their responses once the client is no longer
// open, and each registration ends on its response or at commandDeadline.
func (p *Proxy) unregisterClient(c *clientProxy) {
	p.mu.Lock()
	delete(p.byProxyID, c.ProxyID)
	if m := p.byConn[c.ConnectionID]; m != nil {
		delete(m, c.ProxyID)
		if len(m) == 0 {
			delete(p.byConn, c.ConnectionID)
		}
	}
	p.mu.Unlock()

	p.release(c.ConnectionID)
	c.setState(StateClosed)
}

func (p *Proxy) readLoop(c *clientProxy, up Upstream) {
	defer p.unregisterClient(c)
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.messageCount.Add(1)
		p.handleClientFrame(c, up, raw)
	}
}

type inboundFrame struct {
	ID     json.RawMessage `json:"id"`
	Method json.RawMessage `json:"method"`
	Params json.RawMessage `json:"params"`
}

// handleClientFrame implements spec §4.5's client-to-upstream validation
// and dispatch.
func (p *Proxy) handleClientFrame(c *clientProxy, up Upstream, raw []byte) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		p.replyError(c, nil, apierr.KindParseError, "malformed JSON")
		return
	}

	method, ok := decodeMethod(f.Method)
	if !ok {
		p.replyError(c, f.ID, apierr.KindInvalidRequest, "method must be a string")
		return
	}
	id, idOK := decodeID(f.ID)
	if !idOK {
		p.replyError(c, f.ID, apierr.KindInvalidRequest, "id must be a number or string")
		return
	}
	if len(f.Params) > 0 && !isJSONObject(f.Params) {
		p.replyError(c, f.ID, apierr.KindInvalidRequest, "params must be an object")
		return
	}

	if strings.HasPrefix(method, "Proxy.") {
		p.handleProxyMethod(c, up, id, method, f.Params)
		return
	}

	p.forwardToUpstream(c, up, id, raw)
}

// commandDeadline bounds a WS-forwarded command the same way exec.Executor
// bounds an HTTP one, per spec §5 ("every command has a deadline, default
// 30s, caller-overridable"): without it, an upstream that never answers
// leaks both the awaitResponse goroutine and its correlator registration for
// the life of the process.
const commandDeadline = 30 * time.Second

func (p *Proxy) forwardToUpstream(c *clientProxy, up Upstream, id int64, raw []byte) {
	ch, ok := p.registry.Register(c.ConnectionID, id)
	if !ok {
		p.replyError(c, idRaw(id), apierr.KindInvalidRequest, "duplicate command id already in flight")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandDeadline)
	if err := up.Send(ctx, raw); err != nil {
		cancel()
		p.registry.Cancel(c.ConnectionID, id)
		p.replyError(c, idRaw(id), apierr.KindUpstreamUnavailable, "upstream not open")
		return
	}
	go p.awaitResponse(c, ch, ctx, cancel, id)
}

func (p *Proxy) awaitResponse(c *clientProxy, ch <-chan *cdp.Response, ctx context.Context, cancel context.CancelFunc, id int64) {
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return
		}
		if c.State() != StateOpen {
			return
		}
		c.messageCount.Add(1)
		if err := c.writeJSON(resp); err != nil {
			p.logger.Debug("failed writing response to client", slog.String("proxy_id", c.ProxyID), slog.String("err", err.Error()))
		}
	case <-ctx.Done():
		p.registry.Cancel(c.ConnectionID, id)
		if c.State() == StateOpen {
			p.replyError(c, idRaw(id), apierr.KindTimeout, "command timed out")
		}
	}
}

func (p *Proxy) handleProxyMethod(c *clientProxy, up Upstream, id int64, method string, params json.RawMessage) {
	switch method {
	case "Proxy.setEventFilters":
		var body struct {
			EventMethods []string `json:"eventMethods"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &body); err != nil {
				p.replyError(c, idRaw(id), apierr.KindInvalidRequest, "invalid params for Proxy.setEventFilters")
				return
			}
		}
		c.setFilters(body.EventMethods)
		p.replyResult(c, id, map[string]any{"eventMethods": c.getFilters()})
	case "Proxy.clearEventFilters":
		c.clearFilters()
		p.replyResult(c, id, map[string]any{"eventMethods": []string{}})
	case "Proxy.getEventFilters":
		p.replyResult(c, id, map[string]any{"eventMethods": c.getFilters()})
	case "Proxy.getStatus":
		p.mu.RLock()
		total := len(p.byConn[c.ConnectionID])
		p.mu.RUnlock()
		p.replyResult(c, id, map[string]any{
			"proxyId":      c.ProxyID,
			"connectionId": c.ConnectionID,
			"messageCount": c.messageCount.Load(),
			"createdAt":    c.CreatedAt.UnixMilli(),
			"healthy":      up.Healthy(),
			"clientCount":  total,
		})
	default:
		p.replyError(c, idRaw(id), apierr.KindNotFound, fmt.Sprintf("unknown proxy method %q", method))
	}
}

func (p *Proxy) replyResult(c *clientProxy, id int64, result any) {
	raw, _ := json.Marshal(result)
	_ = c.writeJSON(cdp.Response{ID: id, Result: raw})
}

func (p *Proxy) replyError(c *clientProxy, idRawMsg json.RawMessage, kind apierr.Kind, message string) {
	id, _ := decodeID(idRawMsg)
	_ = c.writeJSON(cdp.Response{ID: id, Error: &cdp.Error{Code: kind.JSONRPCCode(), Message: message}})
}

// BroadcastEvent implements monitor.Broadcaster: fan ev out to every client
// subscribed to connectionID, honoring per-client filters.
func (p *Proxy) BroadcastEvent(connectionID string, ev *cdp.Event) {
	p.mu.RLock()
	clients := make([]*clientProxy, 0, len(p.byConn[connectionID]))
	for _, c := range p.byConn[connectionID] {
		clients = append(clients, c)
	}
	p.mu.RUnlock()

	for _, c := range clients {
		if !c.wants(string(ev.Method)) {
			continue
		}
		c.messageCount.Add(1)
		if err := c.writeJSON(ev); err != nil {
			p.logger.Debug("failed broadcasting event to client", slog.String("proxy_id", c.ProxyID), slog.String("err", err.Error()))
		}
	}
}

// CloseAll closes every attached client with the given close code, used
// during graceful server shutdown.
func (p *Proxy) CloseAll(code int, reason string) {
	p.mu.RLock()
	var all []*clientProxy
	for _, m := range p.byConn {
		for _, c := range m {
			all = append(all, c)
		}
	}
	p.mu.RUnlock()
	for _, c := range all {
		c.closeWithCode(code, reason)
	}
}

func decodeMethod(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// decodeID accepts a JSON number or string per spec §4.5's shape check.
// Numeric IDs pass through unchanged for correlation with the upstream,
// which is the only kind real Chromium targets accept; a string ID is
// hashed to a correlator key deterministically so two frames carrying the
// same string ID still collide the way two frames carrying the same
// numeric ID would, preserving the at-most-one-PendingCommand invariant.
func decodeID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		h := fnv.New64a()
		_, _ = h.Write([]byte(s))
		return int64(h.Sum64()), true
	}
	return 0, false
}

func idRaw(id int64) json.RawMessage {
	b, _ := json.Marshal(id)
	return b
}

func isJSONObject(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	_, ok := v.(map[string]any)
	return ok
}
