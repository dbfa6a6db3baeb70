package exec

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
)

type fakeUpstream struct {
	mu      sync.Mutex
	healthy bool
	sent    [][]byte
	respond func(id int64) *cdp.Response
	reg     *correlator.Registry
	connID  string
	sendErr error
}

func (f *fakeUpstream) Healthy() bool { return f.healthy }

func (f *fakeUpstream) Send(ctx context.Context, raw []byte) error {
	f.mu.Lock()
	f.sent = append(f.sent, raw)
	f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var req cdp.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return err
	}
	if f.respond == nil {
		return nil
	}
	resp := f.respond(req.ID)
	if resp == nil {
		return nil
	}
	go f.reg.Route(f.connID, resp)
	return nil
}

func newExecutor() (*Executor, *correlator.Registry) {
	reg := correlator.NewRegistry()
	return New(reg, 50*time.Millisecond, time.Minute), reg
}

func TestExecuteReturnsResultOnSuccess(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: json.RawMessage(`{"ok":true}`)}
	}}

	result, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestExecuteRejectsWhenUpstreamUnhealthy(t *testing.T) {
	e, _ := newExecutor()
	up := &fakeUpstream{healthy: false}

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindUpstreamUnavailable, apiErr.Kind)
}

func TestExecuteTimesOutWhenNoResponseArrives(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1"} // respond is nil: never replies

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, 10*time.Millisecond, "client-a")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindTimeout, apiErr.Kind)
}

func TestExecutePropagatesCDPError(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Error: &cdp.Error{Code: -32000, Message: "no such node"}}
	}}

	_, _, err := e.Execute(context.Background(), "c1", up, "DOM.describeNode", nil, time.Second, "client-a")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindBadRequest, apiErr.Kind)
}

func TestExecuteEnforcesSingleWriterLease(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: json.RawMessage(`{}`)}
	}}

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.NoError(t, err)

	_, _, err = e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-b")
	require.Error(t, err)
	var apiErr *apierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apierr.KindConflict, apiErr.Kind)

	// the original owner may keep issuing commands
	_, _, err = e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	assert.NoError(t, err)
}

func TestExecuteReclaimsLeaseAfterIdleTimeout(t *testing.T) {
	reg := correlator.NewRegistry()
	e := New(reg, 50*time.Millisecond, time.Millisecond) // leaseIdle expires almost immediately
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: json.RawMessage(`{}`)}
	}}

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, _, err = e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-b")
	assert.NoError(t, err, "a stale lease should be reclaimable by a new client")
}

func TestExecuteRecordsMetrics(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: json.RawMessage(`{}`)}
	}}

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.NoError(t, err)

	m := e.Metrics("c1")
	assert.Equal(t, int64(1), m.Total)
	assert.Equal(t, int64(1), m.Successful)
	assert.Equal(t, int64(0), m.Failed)
}

func TestReleaseAndForgetDropLeaseState(t *testing.T) {
	e, reg := newExecutor()
	up := &fakeUpstream{healthy: true, reg: reg, connID: "c1", respond: func(id int64) *cdp.Response {
		return &cdp.Response{ID: id, Result: json.RawMessage(`{}`)}
	}}

	_, _, err := e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-a")
	require.NoError(t, err)

	e.Release("c1")
	_, _, err = e.Execute(context.Background(), "c1", up, "Page.navigate", nil, time.Second, "client-b")
	assert.NoError(t, err, "releasing the lease should let a new client acquire it immediately")

	e.Forget("c1")
	assert.Equal(t, Metrics{}, e.Metrics("c1"))
}
