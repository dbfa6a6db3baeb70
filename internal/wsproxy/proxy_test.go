package wsproxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeUpstream struct {
	healthy bool
	reg     *correlator.Registry
	connID  string
	respond func(id int64) *cdp.Response
}

func (f *fakeUpstream) Healthy() bool { return f.healthy }

func (f *fakeUpstream) Send(ctx context.Context, raw []byte) error {
	var req struct {
		ID int64 `json:"id"`
	}
	_ = json.Unmarshal(raw, &req)
	if f.respond != nil {
		if resp := f.respond(req.ID); resp != nil {
			go f.reg.Route(f.connID, resp)
		}
	}
	return nil
}

func newTestServer(t *testing.T, registry *correlator.Registry, upstreams map[string]Upstream) (*Proxy, *httptest.Server) {
	t.Helper()
	attached := map[string]int{}
	p := New(registry, func(id string) (Upstream, bool) {
		up, ok := upstreams[id]
		return up, ok
	}, func(id string) { attached[id]++ }, func(id string) { attached[id]-- }, testLogger())

	r := chi.NewRouter()
	r.Get("/ws/{connectionID}", p.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return p, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestServeHTTPRejectsUnknownConnection(t *testing.T) {
	reg := correlator.NewRegistry()
	_, srv := newTestServer(t, reg, map[string]Upstream{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/nope"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, 1008, closeErr.Code)
}

func TestServeHTTPRejectsUnhealthyUpstream(t *testing.T) {
	reg := correlator.NewRegistry()
	_, srv := newTestServer(t, reg, map[string]Upstream{"c1": &fakeUpstream{healthy: false}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok)
	assert.Equal(t, 1011, closeErr.Code)
}

func TestServeHTTPSendsProxyConnectedFrame(t *testing.T) {
	reg := correlator.NewRegistry()
	_, srv := newTestServer(t, reg, map[string]Upstream{"c1": &fakeUpstream{healthy: true}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "proxy-connected", frame["type"])
	assert.Equal(t, "c1", frame["connectionId"])
}

func TestHandleClientFrameForwardsToUpstreamAndReturnsResponse(t *testing.T) {
	reg := correlator.NewRegistry()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: []byte(`{"ok":true}`)}
	}}
	_, srv := newTestServer(t, reg, map[string]Upstream{"c1": up})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 7, "method": "Page.enable"}))

	var resp cdp.Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	assert.Equal(t, int64(7), resp.ID)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Result))
}

func TestHandleClientFrameRejectsMalformedJSON(t *testing.T) {
	reg := correlator.NewRegistry()
	_, srv := newTestServer(t, reg, map[string]Upstream{"c1": &fakeUpstream{healthy: true}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))

	var resp cdp.Response
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32700, resp.Error.Code)
}

func TestProxySetAndGetEventFiltersRoundTrip(t *testing.T) {
	reg := correlator.NewRegistry()
	_, srv := newTestServer(t, reg, map[string]Upstream{"c1": &fakeUpstream{healthy: true}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 1, "method": "Proxy.setEventFilters", "params": map[string]any{"eventMethods": []string{"Network.requestWillBeSent"}},
	}))
	var setResp cdp.Response
	require.NoError(t, conn.ReadJSON(&setResp))
	require.Nil(t, setResp.Error)

	require.NoError(t, conn.WriteJSON(map[string]any{"id": 2, "method": "Proxy.getEventFilters"}))
	var getResp cdp.Response
	require.NoError(t, conn.ReadJSON(&getResp))
	assert.Contains(t, string(getResp.Result), "Network.requestWillBeSent")
}

func TestBroadcastEventHonorsPerClientFilter(t *testing.T) {
	reg := correlator.NewRegistry()
	p, srv := newTestServer(t, reg, map[string]Upstream{"c1": &fakeUpstream{healthy: true}})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/c1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	var connected map[string]any
	require.NoError(t, conn.ReadJSON(&connected))

	require.NoError(t, conn.WriteJSON(map[string]any{
		"id": 1, "method": "Proxy.setEventFilters", "params": map[string]any{"eventMethods": []string{"Network.requestWillBeSent"}},
	}))
	var setResp cdp.Response
	require.NoError(t, conn.ReadJSON(&setResp))

	require.Eventually(t, func() bool {
		p.mu.RLock()
		defer p.mu.RUnlock()
		return len(p.byConn["c1"]) == 1
	}, time.Second, 10*time.Millisecond)

	p.BroadcastEvent("c1", &cdp.Event{Method: "Page.loadEventFired"})
	p.BroadcastEvent("c1", &cdp.Event{Method: cdp.EventNetworkRequestWillBeSent})

	var ev cdp.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, cdp.EventNetworkRequestWillBeSent, ev.Method, "filtered-out event must not arrive first")
}

func TestDecodeIDAcceptsNumberAndHashesString(t *testing.T) {
	n, ok := decodeID([]byte(`42`))
	require.True(t, ok)
	assert.Equal(t, int64(42), n)

	h1, ok := decodeID([]byte(`"abc"`))
	require.True(t, ok)
	h2, ok := decodeID([]byte(`"abc"`))
	require.True(t, ok)
	assert.Equal(t, h1, h2, "identical strings must hash to the same id")

	h3, _ := decodeID([]byte(`"xyz"`))
	assert.NotEqual(t, h1, h3)

	_, ok = decodeID([]byte(`true`))
	assert.False(t, ok)
}
