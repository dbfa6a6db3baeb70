// Package pool implements the ConnectionPool described in spec §4.2: it
// owns the one canonical UpstreamConnection per (host, port, targetId) key,
// dedupes concurrent connect requests onto it, probes and reconnects it
// with backoff, and reaps it once idle. It is grounded on
// lib/devtoolsproxy's UpstreamManager (dial, track, replace-on-failure) and
// generalized from "one upstream for the whole process" to "one upstream
// per key", and on lib/scaletozero's holder-counting idiom for clientCount
// gating of idle reap.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onkernel/cdp-mux-proxy/internal/chromeclient"
	"github.com/onkernel/cdp-mux-proxy/internal/monitor"
)

// ErrNotFound is returned when an operation references an unknown
// ConnectionID.
var ErrNotFound = errors.New("connection not found")

// ErrPermanentlyFailed is returned by operations against an upstream that
// exhausted its reconnect attempts.
var ErrPermanentlyFailed = errors.New("upstream permanently failed")

// Config holds the pool's tunable timeouts, sourced from internal/config.
type Config struct {
	ConnectTimeout       time.Duration
	HealthCheckTimeout   time.Duration
	ReconnectBackoffBase time.Duration
	ReconnectMaxAttempts int
}

// Pool owns every live UpstreamConnection.
type Pool struct {
	cfg     Config
	chrome  *chromeclient.Client
	monitor *monitor.Monitor
	logger  *slog.Logger

	dialer websocket.Dialer

	mu        sync.Mutex
	byKey     map[Key]*Upstream
	byID      map[string]*Upstream
	connectMu sync.Map // Key -> *sync.Mutex, serializes concurrent getOrCreate on the same key
}

func New(cfg Config, chrome *chromeclient.Client, mon *monitor.Monitor, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		chrome:  chrome,
		monitor: mon,
		logger:  logger,
		dialer: websocket.Dialer{
			ReadBufferSize:   65536,
			WriteBufferSize:  65536,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		byKey: make(map[Key]*Upstream),
		byID:  make(map[string]*Upstream),
	}
}

// keyLock returns the per-key mutex used to serialize concurrent
// getOrCreate calls racing on the same (host, port, targetId), so only one
// of them dials.
func (p *Pool) keyLock(k Key) *sync.Mutex {
	v, _ := p.connectMu.LoadOrStore(k, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// GetOrCreate implements spec §4.2's getOrCreate: resolve the target,
// return the existing healthy upstream for its key (bumping clientCount),
// replace it if unhealthy, or dial a fresh one. isNew reports whether a
// fresh upstream was dialed, for spec §6's connect response.
func (p *Pool) GetOrCreate(ctx context.Context, host string, port int, targetID string) (up *Upstream, isNew bool, err error) {
	target, err := p.chrome.Resolve(ctx, host, port, targetID)
	if err != nil {
		return nil, false, fmt.Errorf("resolve target: %w", err)
	}
	key := Key{Host: host, Port: port, TargetID: target.ID}

	lock := p.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	existing := p.byKey[key]
	p.mu.Unlock()

	if existing != nil {
		if existing.Healthy() {
			existing.incrClients(1)
			existing.touch()
			return existing, false, nil
		}
		if err := p.Close(existing.ID); err != nil {
			p.logger.Warn("failed closing stale upstream before replace", slog.String("connection_id", existing.ID), slog.String("err", err.Error()))
		}
	}

	up, err = p.dial(ctx, key, *target)
	return up, true, err
}

func (p *Pool) dial(ctx context.Context, key Key, target chromeclient.TargetInfo) (*Upstream, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(dialCtx, target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", target.WebSocketDebuggerURL, err)
	}

	id := uuid.NewString()
	up := newUpstream(id, key, target.WebSocketDebuggerURL, target, conn, p.logger)

	p.mu.Lock()
	p.byKey[key] = up
	p.byID[id] = up
	p.mu.Unlock()

	go up.readLoop(p.monitor.HandleFrame)

	if err := p.monitor.EnableDomains(ctx, id, up); err != nil {
		p.logger.Error("domain enable failed, tearing down upstream", slog.String("connection_id", id), slog.String("err", err.Error()))
		p.removeRecord(key, id)
		up.close()
		return nil, fmt.Errorf("enable CDP domains: %w", err)
	}

	up.incrClients(1)
	p.logger.Info("upstream connected", slog.String("connection_id", id), slog.String("key", key.String()))
	return up, nil
}

// Get returns the upstream for connectionID, if any.
func (p *Pool) Get(connectionID string) (*Upstream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	up, ok := p.byID[connectionID]
	return up, ok
}

// Attach increments clientCount for connectionID, e.g. on a new WebSocket
// client handshake succeeding. It is a no-op if the connection no longer
// exists.
func (p *Pool) Attach(connectionID string) {
	if up, ok := p.Get(connectionID); ok {
		up.incrClients(1)
		up.touch()
	}
}

// Release decrements clientCount for connectionID, e.g. on client
// disconnect. It is a no-op if the connection no longer exists.
func (p *Pool) Release(connectionID string) {
	if up, ok := p.Get(connectionID); ok {
		up.incrClients(-1)
		up.touch()
	}
}

// Close implements explicit disconnect: tears the upstream down and
// removes its record entirely. Buffered history in the MessageStore is not
// touched here.
func (p *Pool) Close(connectionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked(connectionID)
}

func (p *Pool) closeLocked(connectionID string) error {
	up, ok := p.byID[connectionID]
	if !ok {
		return ErrNotFound
	}
	delete(p.byID, connectionID)
	if p.byKey[up.Key] == up {
		delete(p.byKey, up.Key)
	}
	up.close()
	p.monitor.CancelPending(connectionID)
	return nil
}

func (p *Pool) removeRecord(key Key, id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.byID, id)
	if p.byKey[key] != nil && p.byKey[key].ID == id {
		delete(p.byKey, key)
	}
}

// HealthCheck implements spec §4.2's healthCheck: send
// Runtime.evaluate{expression:"1+1"}, await a matching response within
// HealthCheckTimeout. The command ID is drawn from the shared correlator
// counter (see internal/correlator's doc comment for why that alone keeps
// it disjoint from every other in-flight command).
func (p *Pool) HealthCheck(ctx context.Context, connectionID string) error {
	up, ok := p.Get(connectionID)
	if !ok {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheckTimeout)
	defer cancel()

	err := p.monitor.EvaluateHealth(ctx, connectionID, up)
	up.setHealthy(err == nil)
	return err
}

// Reconnect implements spec §4.2's reconnect: exponential backoff with
// jitter, close-old/open-new against the same wsUrl, preserve the
// ConnectionID, re-enable CDP domains. On exhaustion the upstream is marked
// permanently failed but its record (and MessageStore history) is kept.
func (p *Pool) Reconnect(ctx context.Context, connectionID string) error {
	up, ok := p.Get(connectionID)
	if !ok {
		return ErrNotFound
	}

	attempt := 0
	err := retry.Do(
		func() error {
			attempt++
			up.closeSocket(websocket.CloseNormalClosure, "Reconnecting")

			target, err := p.chrome.Resolve(ctx, up.Key.Host, up.Key.Port, up.Key.TargetID)
			if err != nil {
				return fmt.Errorf("resolve during reconnect: %w", err)
			}
			dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
			defer cancel()
			conn, _, err := p.dialer.DialContext(dialCtx, target.WebSocketDebuggerURL, nil)
			if err != nil {
				return fmt.Errorf("redial upstream: %w", err)
			}
			up.swapSocket(conn, target.WebSocketDebuggerURL, p.monitor.HandleFrame)

			if err := p.monitor.EnableDomains(ctx, up.ID, up); err != nil {
				return fmt.Errorf("re-enable CDP domains: %w", err)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.cfg.ReconnectMaxAttempts)),
		retry.DelayType(jitteredBackoff(p.cfg.ReconnectBackoffBase)),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("reconnect attempt failed", slog.String("connection_id", connectionID), slog.Uint64("attempt", uint64(n)+1), slog.String("err", err.Error()))
		}),
	)

	up.mu.Lock()
	up.reconnects = attempt
	up.mu.Unlock()

	if err != nil {
		up.markPermanentlyFailed()
		p.monitor.CancelPending(connectionID)
		p.logger.Error("reconnect exhausted, marking permanently failed", slog.String("connection_id", connectionID), slog.Int("attempts", attempt))
		return fmt.Errorf("%w: %v", ErrPermanentlyFailed, err)
	}

	up.mu.Lock()
	up.reconnects = 0
	up.mu.Unlock()
	up.setHealthy(true)
	p.logger.Info("upstream reconnected", slog.String("connection_id", connectionID), slog.Int("attempts", attempt))
	return nil
}

// jitteredBackoff implements base*2^attempt with +/-10% jitter, per spec
// §4.2.
func jitteredBackoff(base time.Duration) retry.DelayTypeFunc {
	return func(n uint, _ error, _ *retry.Config) time.Duration {
		d := base * time.Duration(1<<n)
		jitter := float64(d) * 0.10
		offset := (rand.Float64()*2 - 1) * jitter
		return time.Duration(float64(d) + offset)
	}
}

// CleanupUnused implements spec §4.2's cleanupUnused: close every upstream
// with no attached clients idle longer than maxIdle. Returns the
// ConnectionIDs it closed.
func (p *Pool) CleanupUnused(maxIdle time.Duration) []string {
	now := time.Now()
	p.mu.Lock()
	var toClose []string
	for id, up := range p.byID {
		if idle, isIdle := up.idleFor(now); isIdle && idle > maxIdle {
			toClose = append(toClose, id)
		}
	}
	p.mu.Unlock()

	for _, id := range toClose {
		if err := p.Close(id); err != nil && !errors.Is(err, ErrNotFound) {
			p.logger.Warn("idle cleanup close failed", slog.String("connection_id", id), slog.String("err", err.Error()))
		} else {
			p.logger.Info("closed idle upstream", slog.String("connection_id", id))
		}
	}
	return toClose
}

// ConnectionIDs returns every tracked ConnectionID, for HealthMonitor's
// probe loop.
func (p *Pool) ConnectionIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	return ids
}

// List returns a snapshot of every tracked upstream.
func (p *Pool) List() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.byID))
	for _, up := range p.byID {
		out = append(out, up.Snapshot())
	}
	return out
}

// CloseAll tears down every upstream; used during server shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.byID))
	for id := range p.byID {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		_ = p.Close(id)
	}
}
