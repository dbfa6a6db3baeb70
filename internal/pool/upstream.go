package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onkernel/cdp-mux-proxy/internal/chromeclient"
)

// wsConn is the subset of *websocket.Conn the pool depends on, grounded on
// devtoolsproxy's wsConn interface so the reader loop can be exercised
// against a fake socket in tests.
type wsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// FrameHandler receives every raw frame read off an upstream socket.
type FrameHandler func(connectionID string, raw []byte)

// Upstream is one canonical CDP WebSocket for a given Key, shared by every
// client currently attached to it. See spec §3's UpstreamConnection entity.
type Upstream struct {
	ID     string
	Key    Key
	URL    string
	Target chromeclient.TargetInfo

	logger *slog.Logger

	mu          sync.Mutex
	conn        wsConn
	createdAt   time.Time
	lastUsed    time.Time
	healthy     bool
	permFailed  bool
	reconnects  int
	clientCount int64

	closeOnce sync.Once
	closed    atomic.Bool
	doneCh    chan struct{}
}

func newUpstream(id string, key Key, url string, target chromeclient.TargetInfo, conn wsConn, logger *slog.Logger) *Upstream {
	now := time.Now()
	return &Upstream{
		ID:        id,
		Key:       key,
		URL:       url,
		Target:    target,
		conn:      conn,
		logger:    logger,
		createdAt: now,
		lastUsed:  now,
		healthy:   true,
		doneCh:    make(chan struct{}),
	}
}

// Send writes raw to the upstream socket. Writes are serialized: gorilla's
// websocket.Conn forbids concurrent writers.
func (u *Upstream) Send(ctx context.Context, raw []byte) error {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("upstream %s: no socket", u.ID)
	}
	if dl, ok := ctx.Deadline(); ok {
		if wc, ok := conn.(*websocket.Conn); ok {
			_ = wc.SetWriteDeadline(dl)
		}
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop reads frames until the socket errors or is closed, delivering
// each to handle. It returns once the loop exits; callers run it in its own
// goroutine and use doneCh (closed on exit) to learn the socket died.
func (u *Upstream) readLoop(handle FrameHandler) {
	defer close(u.doneCh)
	for {
		u.mu.Lock()
		conn := u.conn
		u.mu.Unlock()
		if conn == nil {
			return
		}
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			u.setHealthy(false)
			u.logger.Warn("upstream read error", slog.String("connection_id", u.ID), slog.String("err", err.Error()))
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		handle(u.ID, msg)
	}
}

func (u *Upstream) setHealthy(h bool) {
	u.mu.Lock()
	u.healthy = h
	u.mu.Unlock()
}

// Healthy reports the last-known health state (updated by read errors and
// by explicit health checks).
func (u *Upstream) Healthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy && !u.permFailed
}

func (u *Upstream) markPermanentlyFailed() {
	u.mu.Lock()
	u.permFailed = true
	u.healthy = false
	u.mu.Unlock()
}

func (u *Upstream) touch() {
	u.mu.Lock()
	u.lastUsed = time.Now()
	u.mu.Unlock()
}

func (u *Upstream) incrClients(delta int64) int64 {
	return atomic.AddInt64(&u.clientCount, delta)
}

func (u *Upstream) ClientCount() int64 {
	return atomic.LoadInt64(&u.clientCount)
}

// idleFor reports how long this upstream has had no attached clients, or
// false if clients are currently attached.
func (u *Upstream) idleFor(now time.Time) (time.Duration, bool) {
	if u.ClientCount() > 0 {
		return 0, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return now.Sub(u.lastUsed), true
}

// Snapshot is a read-only view of an Upstream's state for status/health
// reporting.
type Snapshot struct {
	ID                string
	Host              string
	Port              int
	TargetID          string
	URL               string
	CreatedAt         time.Time
	LastUsed          time.Time
	Healthy           bool
	PermanentlyFailed bool
	ClientCount       int64
	ReconnectAttempts int
}

func (u *Upstream) Snapshot() Snapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Snapshot{
		ID:                u.ID,
		Host:              u.Key.Host,
		Port:              u.Key.Port,
		TargetID:          u.Key.TargetID,
		URL:               u.URL,
		CreatedAt:         u.createdAt,
		LastUsed:          u.lastUsed,
		Healthy:           u.healthy && !u.permFailed,
		PermanentlyFailed: u.permFailed,
		ClientCount:       atomic.LoadInt64(&u.clientCount),
		ReconnectAttempts: u.reconnects,
	}
}

// closeSocket closes the current socket with a WebSocket close code,
// replacing nothing; it does not wait for the read loop to exit. Used both
// for final teardown and as the first half of a reconnect.
func (u *Upstream) closeSocket(code int, reason string) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn == nil {
		return
	}
	if wc, ok := conn.(*websocket.Conn); ok {
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = wc.WriteControl(websocket.CloseMessage, msg, deadline)
	}
	_ = conn.Close()
}

// close tears the upstream down for good.
func (u *Upstream) close() {
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		u.closeSocket(websocket.CloseNormalClosure, "closing")
	})
	<-u.doneCh
}

func (u *Upstream) swapSocket(conn wsConn, url string, handle FrameHandler) {
	u.mu.Lock()
	u.conn = conn
	u.URL = url
	u.healthy = true
	u.doneCh = make(chan struct{})
	u.mu.Unlock()
	go u.readLoop(handle)
}
