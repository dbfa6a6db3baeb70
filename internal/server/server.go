// Package server is the ProxyServer composition root described in spec
// §4.8: it wires every other internal package together, owns the HTTP
// listener, the auto-shutdown timer, and the periodic memory sweep, and
// exposes a graceful Shutdown. Grounded on cmd/api/main.go's wiring order
// and its errgroup-based shutdown.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	rootpkg "github.com/onkernel/cdp-mux-proxy"
	"github.com/onkernel/cdp-mux-proxy/internal/api"
	"github.com/onkernel/cdp-mux-proxy/internal/chromeclient"
	"github.com/onkernel/cdp-mux-proxy/internal/config"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
	"github.com/onkernel/cdp-mux-proxy/internal/exec"
	"github.com/onkernel/cdp-mux-proxy/internal/health"
	"github.com/onkernel/cdp-mux-proxy/internal/monitor"
	"github.com/onkernel/cdp-mux-proxy/internal/pool"
	"github.com/onkernel/cdp-mux-proxy/internal/ratelimit"
	"github.com/onkernel/cdp-mux-proxy/internal/store"
	"github.com/onkernel/cdp-mux-proxy/internal/wsproxy"
)

// Server owns every long-lived component of the proxy core and the HTTP
// listener serving spec §6's surface.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	httpSrv   *http.Server
	pool      *pool.Pool
	store     *store.MessageStore
	wsProxy   *wsproxy.Proxy
	healthMon *health.Monitor
	rateGlobal *ratelimit.Limiter
	rateSens   *ratelimit.Limiter

	lastActivity atomic.Int64 // unix millis

	sweepStop chan struct{}
	wg        sync.WaitGroup

	shutdownOnce sync.Once
}

// New constructs every component in dependency order. pool and wsProxy
// depend on each other indirectly (pool drives monitor.Broadcaster, which
// wsProxy implements; wsProxy resolves upstreams through pool) so the three
// closures wsProxy needs (resolve, attach, release) are bound to a
// *pool.Pool variable that is only
// assigned after wsProxy exists, breaking the cycle without either package
// importing the other.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	registry := correlator.NewRegistry()
	st := store.New(cfg.MaxConsoleMessages, cfg.MaxNetworkRequests)
	chrome := chromeclient.New(time.Duration(cfg.UpstreamConnectTimeoutMs) * time.Millisecond)

	var pl *pool.Pool
	resolve := func(connectionID string) (wsproxy.Upstream, bool) {
		if pl == nil {
			return nil, false
		}
		return pl.Get(connectionID)
	}
	attach := func(connectionID string) {
		if pl != nil {
			pl.Attach(connectionID)
		}
	}
	release := func(connectionID string) {
		if pl != nil {
			pl.Release(connectionID)
		}
	}
	wsProxy := wsproxy.New(registry, resolve, attach, release, logger)

	mon := monitor.New(registry, st, wsProxy, logger)

	pl = pool.New(pool.Config{
		ConnectTimeout:       time.Duration(cfg.UpstreamConnectTimeoutMs) * time.Millisecond,
		HealthCheckTimeout:   time.Duration(cfg.HealthCheckTimeoutMs) * time.Millisecond,
		ReconnectBackoffBase: time.Duration(cfg.ReconnectBackoffBaseMs) * time.Millisecond,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
	}, chrome, mon, logger)

	executor := exec.New(registry, time.Duration(cfg.DefaultCommandTimeoutMs)*time.Millisecond, 2*time.Duration(cfg.DefaultCommandTimeoutMs)*time.Millisecond)
	healthMon := health.New(pl, time.Duration(cfg.HealthCheckIntervalMs)*time.Millisecond, time.Duration(cfg.HealthCheckTimeoutMs)*time.Millisecond, cfg.MaxConsecutiveErrors, logger)

	rateGlobal := ratelimit.New(cfg.RateLimitPerMin, 10*time.Minute)
	rateSens := ratelimit.New(cfg.SensitiveRateLimitPerMin, 10*time.Minute)

	proxyAPI := api.NewProxyAPI(pl, executor, st, healthMon, api.HostAllowlist(cfg.AllowedHosts), time.Duration(cfg.DefaultCommandTimeoutMs)*time.Millisecond)

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		pool:       pl,
		store:      st,
		wsProxy:    wsProxy,
		healthMon:  healthMon,
		rateGlobal: rateGlobal,
		rateSens:   rateSens,
		sweepStop:  make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixMilli())

	router, err := api.Router(api.Deps{
		API:           proxyAPI,
		WS:            wsProxy,
		OpenAPIYAML:   rootpkg.OpenAPIYAML,
		MaxBodyBytes:  cfg.MaxBodyBytes,
		GlobalLimiter: rateGlobal,
		SensitiveRate: rateSens,
		OnActivity:    s.touch,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build router: %w", err)
	}

	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.BindHost, cfg.Port),
		Handler: router,
	}

	return s, nil
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// Run starts the HTTP listener, health monitor, and the periodic sweep
// goroutine, and blocks until ctx is cancelled or the listener fails. On
// return the server has already begun or completed Shutdown.
func (s *Server) Run(ctx context.Context) error {
	s.healthMon.Start(ctx)

	s.wg.Add(1)
	go s.sweepLoop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("proxy server starting", slog.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	autoShutdown := time.Duration(s.cfg.AutoShutdownTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(autoShutdown / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.Shutdown(context.Background())
		case err := <-errCh:
			if err != nil {
				s.logger.Error("http server failed", slog.String("err", err.Error()))
			}
			return s.Shutdown(context.Background())
		case <-ticker.C:
			last := time.UnixMilli(s.lastActivity.Load())
			if time.Since(last) >= autoShutdown {
				s.logger.Info("auto-shutdown timeout elapsed, shutting down", slog.Duration("idle", time.Since(last)))
				return s.Shutdown(context.Background())
			}
		}
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.MemorySweepIntervalMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	autoShutdown := time.Duration(s.cfg.AutoShutdownTimeoutMs) * time.Millisecond
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.store.EnforceGlobalLimits()
			closed := s.pool.CleanupUnused(autoShutdown)
			for _, id := range closed {
				s.healthMon.Forget(id)
				s.store.Cleanup(id)
			}
			if evicted := s.rateGlobal.Sweep(); evicted > 0 {
				s.logger.Debug("evicted stale rate limiter entries", slog.Int("count", evicted))
			}
			s.rateSens.Sweep()
		}
	}
}

// Shutdown tears the server down exactly once: stop accepting new
// connections and WebSocket clients, stop the health monitor and sweep
// loop, close every upstream, and shut the HTTP listener down gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.Info("shutting down")
		close(s.sweepStop)
		s.healthMon.Stop()
		s.wsProxy.CloseAll(1000, "server shutting down")
		s.pool.CloseAll()

		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		g, _ := errgroup.WithContext(shutdownCtx)
		g.Go(func() error { return s.httpSrv.Shutdown(shutdownCtx) })
		shutdownErr = g.Wait()
		s.wg.Wait()
	})
	return shutdownErr
}
