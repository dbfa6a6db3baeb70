// Package exec implements the CommandExecutor described in spec §4.4: a
// synchronous-looking request/response call over the asynchronous CDP
// stream, with single-writer-per-connection enforcement for the HTTP
// execute path.
package exec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
)

// Upstream is the subset of pool.Upstream the executor needs: write a raw
// frame, and report health.
type Upstream interface {
	Send(ctx context.Context, raw []byte) error
	Healthy() bool
}

// Metrics holds the running counters spec §4.4 requires the executor to
// maintain.
type Metrics struct {
	Total      int64
	Successful int64
	Failed     int64
	Timeouts   int64
	AvgMs      float64
}

type lease struct {
	clientID   string
	acquiredAt time.Time
	lastUsed   time.Time
}

// Executor dispatches commands onto upstreams via a shared correlator and
// enforces the single-writer rule per ConnectionID.
type Executor struct {
	registry       *correlator.Registry
	defaultTimeout time.Duration
	leaseIdle      time.Duration

	mu      sync.Mutex
	leases  map[string]*lease   // connectionID -> current HTTP-path owner
	metrics map[string]*Metrics // connectionID -> metrics
}

func New(registry *correlator.Registry, defaultTimeout, leaseIdleTimeout time.Duration) *Executor {
	return &Executor{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		leaseIdle:      leaseIdleTimeout,
		leases:         make(map[string]*lease),
		metrics:        make(map[string]*Metrics),
	}
}

// Release drops the HTTP-path lease for connectionID, e.g. on explicit
// disconnect. A no-op if no lease is held.
func (e *Executor) Release(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.leases, connectionID)
}

// Forget drops metrics and any lease for a connection that no longer
// exists, e.g. on Close.
func (e *Executor) Forget(connectionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.leases, connectionID)
	delete(e.metrics, connectionID)
}

// acquire enforces spec §4.4's single-writer rule: ownership is granted to
// the first clientID seen for a connection, reclaimed after leaseIdle of no
// use (Open Question (b)'s recommended correction for crash-without-
// disconnect), and rejected with conflict for any other concurrent holder.
func (e *Executor) acquire(connectionID, clientID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	cur, ok := e.leases[connectionID]
	if ok && cur.clientID != clientID && now.Sub(cur.lastUsed) < e.leaseIdle {
		return apierr.New(apierr.KindConflict, fmt.Sprintf("Another CLI client (%s) is driving this connection", cur.clientID))
	}
	if !ok || cur.clientID != clientID {
		e.leases[connectionID] = &lease{clientID: clientID, acquiredAt: now, lastUsed: now}
		return nil
	}
	cur.lastUsed = now
	return nil
}

// Execute implements spec §4.4's execute(ConnectionID, cdpMethod, params,
// timeoutMs, clientID).
func (e *Executor) Execute(ctx context.Context, connectionID string, up Upstream, method string, params json.RawMessage, timeout time.Duration, clientID string) (json.RawMessage, time.Duration, error) {
	if !up.Healthy() {
		return nil, 0, apierr.New(apierr.KindUpstreamUnavailable, "upstream is not healthy")
	}
	if err := e.acquire(connectionID, clientID); err != nil {
		return nil, 0, err
	}

	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id := e.registry.NextID()
	ch, ok := e.registry.Register(connectionID, id)
	if !ok {
		return nil, 0, apierr.New(apierr.KindInternal, "command id collision")
	}

	req := cdp.Request{ID: id, Method: method, Params: params}
	raw, err := json.Marshal(req)
	if err != nil {
		e.registry.Cancel(connectionID, id)
		return nil, 0, apierr.Wrap(apierr.KindBadRequest, "invalid command params", err)
	}

	start := time.Now()
	if err := up.Send(ctx, raw); err != nil {
		e.registry.Cancel(connectionID, id)
		e.record(connectionID, false, false, 0)
		return nil, 0, apierr.Wrap(apierr.KindUpstreamUnavailable, "connection closed", err)
	}

	select {
	case resp, ok := <-ch:
		elapsed := time.Since(start)
		if !ok {
			e.record(connectionID, false, false, elapsed)
			return nil, elapsed, apierr.New(apierr.KindUpstreamUnavailable, "connection closed")
		}
		if resp.Error != nil {
			e.record(connectionID, false, false, elapsed)
			return nil, elapsed, apierr.Wrap(apierr.KindBadRequest, "CDP command failed", resp.Error)
		}
		e.record(connectionID, true, false, elapsed)
		return resp.Result, elapsed, nil
	case <-ctx.Done():
		e.registry.Cancel(connectionID, id)
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			e.record(connectionID, false, true, elapsed)
			return nil, elapsed, apierr.New(apierr.KindTimeout, "command timed out")
		}
		e.record(connectionID, false, false, elapsed)
		return nil, elapsed, apierr.Wrap(apierr.KindInternal, "command cancelled", ctx.Err())
	}
}

func (e *Executor) record(connectionID string, success, timedOut bool, elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.metrics[connectionID]
	if !ok {
		m = &Metrics{}
		e.metrics[connectionID] = m
	}
	m.Total++
	if timedOut {
		m.Timeouts++
	}
	if success {
		m.Successful++
	} else {
		m.Failed++
	}
	ms := float64(elapsed.Milliseconds())
	m.AvgMs += (ms - m.AvgMs) / float64(m.Total)
}

// Metrics returns a copy of the running metrics for connectionID.
func (e *Executor) Metrics(connectionID string) Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.metrics[connectionID]; ok {
		return *m
	}
	return Metrics{}
}
