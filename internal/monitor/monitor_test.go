package monitor

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
	"github.com/onkernel/cdp-mux-proxy/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []*cdp.Event
}

func (f *fakeBroadcaster) BroadcastEvent(connectionID string, ev *cdp.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeSender struct {
	mu       sync.Mutex
	sent     [][]byte
	reg      *correlator.Registry
	connID   string
	respond  func(id int64) *cdp.Response // nil -> never respond
	sendErr  error
}

func (f *fakeSender) Send(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.respond == nil {
		return nil
	}
	var req cdp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	resp := f.respond(req.ID)
	if resp != nil {
		go f.reg.Route(f.connID, resp)
	}
	return nil
}

func TestHandleFrameRoutesResponseToWaiter(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	ch, ok := reg.Register("c1", 42)
	require.True(t, ok)

	m.HandleFrame("c1", []byte(`{"id":42,"result":{"value":4}}`))

	resp := <-ch
	assert.Equal(t, int64(42), resp.ID)
}

func TestHandleFrameArchivesConsoleAPICalled(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	raw := []byte(`{"method":"Runtime.consoleAPICalled","params":{"type":"log","args":[{"value":"hello"}],"timestamp":1000}}`)
	m.HandleFrame("c1", raw)

	entries, err := st.QueryConsole("c1", store.ConsoleFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].Text)
	assert.Equal(t, store.SourceConsoleAPI, entries[0].Source)
}

func TestHandleFrameArchivesLogEntryAdded(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	raw := []byte(`{"method":"Log.entryAdded","params":{"entry":{"level":"error","text":"boom","timestamp":2000}}}`)
	m.HandleFrame("c1", raw)

	entries, err := st.QueryConsole("c1", store.ConsoleFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "boom", entries[0].Text)
	assert.Equal(t, store.SourceLogEntry, entries[0].Source)
}

func TestHandleFrameArchivesNetworkLifecycle(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	m.HandleFrame("c1", []byte(`{"method":"Network.requestWillBeSent","params":{"requestId":"r1","timestamp":1,"request":{"url":"http://x","method":"GET"}}}`))
	m.HandleFrame("c1", []byte(`{"method":"Network.responseReceived","params":{"requestId":"r1","response":{"status":200}}}`))
	m.HandleFrame("c1", []byte(`{"method":"Network.loadingFinished","params":{"requestId":"r1"}}`))

	entries, err := st.QueryNetwork("c1", store.NetworkFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 200, entries[0].Status)
	assert.True(t, entries[0].LoadingFinished)
}

func TestHandleFrameBroadcastsEveryEvent(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	bc := &fakeBroadcaster{}
	m := New(reg, st, bc, testLogger())

	m.HandleFrame("c1", []byte(`{"method":"Page.loadEventFired","params":{}}`))
	assert.Equal(t, 1, bc.count(), "even unarchived event methods must still fan out")
}

func TestHandleFrameIgnoresUnparseableFrame(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	assert.NotPanics(t, func() {
		m.HandleFrame("c1", []byte(`not json`))
	})
}

func TestEnableDomainsFailsWhenRuntimeEnableErrors(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	sender := &fakeSender{reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Error: &cdp.Error{Code: -1, Message: "nope"}}
	}}

	err := m.EnableDomains(context.Background(), "c1", sender)
	require.Error(t, err)
}

func TestEnableDomainsSucceedsWhenAllDomainsEnable(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	sender := &fakeSender{reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: []byte(`{}`)}
	}}

	err := m.EnableDomains(context.Background(), "c1", sender)
	assert.NoError(t, err)
}

func TestEvaluateHealthTimesOutWithoutResponse(t *testing.T) {
	reg := correlator.NewRegistry()
	st := store.New(0, 0)
	m := New(reg, st, &fakeBroadcaster{}, testLogger())

	sender := &fakeSender{reg: reg, connID: "c1"} // never responds

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := m.EvaluateHealth(ctx, "c1", sender)
	assert.Error(t, err)
}
