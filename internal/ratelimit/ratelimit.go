// Package ratelimit implements the per-IP rate limiting middleware
// described in spec §6: 100 requests/minute/IP globally, 25/minute/IP for
// sensitive routes, with health/status exempt. Built on
// golang.org/x/time/rate, promoted from an indirect dependency in the
// teacher's go.mod to a direct, load-bearing one.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter maps client IP to a token-bucket limiter, evicting entries that
// have gone quiet for longer than staleAfter.
type Limiter struct {
	rps        rate.Limit
	burst      int
	staleAfter time.Duration

	mu      sync.Mutex
	clients map[string]*entry
}

// New returns a Limiter allowing perMinute requests/minute/IP with a burst
// equal to perMinute (one minute's worth of headroom up front).
func New(perMinute int, staleAfter time.Duration) *Limiter {
	return &Limiter{
		rps:        rate.Limit(float64(perMinute) / 60.0),
		burst:      perMinute,
		staleAfter: staleAfter,
		clients:    make(map[string]*entry),
	}
}

// Allow reports whether a request from ip may proceed.
func (l *Limiter) Allow(ip string) bool {
	l.mu.Lock()
	e, ok := l.clients[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.clients[ip] = e
	}
	e.lastSeen = time.Now()
	limiter := e.limiter
	l.mu.Unlock()
	return limiter.Allow()
}

// Sweep evicts limiter entries idle longer than staleAfter, bounding
// memory for a long-running process seeing many distinct client IPs.
func (l *Limiter) Sweep() int {
	cutoff := time.Now().Add(-l.staleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for ip, e := range l.clients {
		if e.lastSeen.Before(cutoff) {
			delete(l.clients, ip)
			evicted++
		}
	}
	return evicted
}

// ClientIP extracts the request's client IP, preferring the first hop of
// X-Forwarded-For when present. The header is taken as sent; nothing in
// internal/api's middleware filters or validates it.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := indexByte(fwd, ','); i >= 0 {
			return fwd[:i]
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// Middleware rejects requests exceeding the per-IP rate with HTTP 429.
// exempt reports whether a given request path should bypass the limiter
// entirely (health/status endpoints per spec §6).
func (l *Limiter) Middleware(exempt func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt != nil && exempt(r) {
				next.ServeHTTP(w, r)
				return
			}
			if !l.Allow(ClientIP(r)) {
				w.Header().Set("Retry-After", "60")
				http.Error(w, `{"success":false,"error":{"code":429,"message":"rate limit exceeded"}}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
