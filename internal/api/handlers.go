package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onkernel/cdp-mux-proxy/internal/apierr"
	"github.com/onkernel/cdp-mux-proxy/internal/exec"
	"github.com/onkernel/cdp-mux-proxy/internal/health"
	"github.com/onkernel/cdp-mux-proxy/internal/logger"
	"github.com/onkernel/cdp-mux-proxy/internal/pool"
	"github.com/onkernel/cdp-mux-proxy/internal/store"
)

// ProxyAPI implements the HTTP handlers of spec §6's endpoint table.
type ProxyAPI struct {
	pool       *pool.Pool
	executor   *exec.Executor
	store      *store.MessageStore
	healthMon  *health.Monitor
	allowlist  HostAllowlist
	defaultTTL time.Duration
	startedAt  time.Time
}

func NewProxyAPI(p *pool.Pool, ex *exec.Executor, st *store.MessageStore, hm *health.Monitor, allowlist HostAllowlist, defaultTTL time.Duration) *ProxyAPI {
	return &ProxyAPI{
		pool:       p,
		executor:   ex,
		store:      st,
		healthMon:  hm,
		allowlist:  allowlist,
		defaultTTL: defaultTTL,
		startedAt:  time.Now(),
	}
}

type connectRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TargetID string `json:"targetId"`
}

// Connect implements POST /api/connect.
func (a *ProxyAPI) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.Wrap(apierr.KindBadRequest, "invalid request body", err))
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		writeErr(w, apierr.New(apierr.KindBadRequest, "host and a valid port are required"))
		return
	}
	if !a.allowlist.Allowed(req.Host) {
		writeErr(w, apierr.New(apierr.KindPolicyDenied, "host is not in the allowlist"))
		return
	}

	up, isNew, err := a.pool.GetOrCreate(r.Context(), req.Host, req.Port, req.TargetID)
	if err != nil {
		if errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			writeJSON(w, http.StatusGatewayTimeout, envelope{
				Success: false,
				Error:   &envelopeError{Code: http.StatusGatewayTimeout, Message: "connect timed out"},
			})
			return
		}
		writeErr(w, apierr.Wrap(apierr.KindUpstreamUnavailable, "failed to connect to target", err))
		return
	}

	logger.FromContext(r.Context()).Info("connection established",
		slog.String("connection_id", up.ID), slog.Bool("new_upstream", isNew))

	writeData(w, http.StatusOK, map[string]any{
		"connectionId": up.ID,
		"targetInfo": map[string]string{
			"id":    up.Target.ID,
			"title": up.Target.Title,
			"url":   up.Target.URL,
			"type":  up.Target.Type,
		},
		"isNewConnection": isNew,
	})
}

// Disconnect implements DELETE /api/connection/:id.
func (a *ProxyAPI) Disconnect(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validConnectionID(id) {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid connection id"))
		return
	}
	if err := a.pool.Close(id); err != nil {
		writeErr(w, apierr.New(apierr.KindNotFound, "unknown connection id"))
		return
	}
	a.store.Cleanup(id)
	a.executor.Forget(id)
	a.healthMon.Forget(id)
	writeData(w, http.StatusOK, map[string]any{"connectionId": id, "closed": true})
}

// ListConnections implements GET /api/connections.
func (a *ProxyAPI) ListConnections(w http.ResponseWriter, r *http.Request) {
	snapshots := a.pool.List()
	stats := statsByID(a.store.Stats())

	out := make([]map[string]any, 0, len(snapshots))
	for _, s := range snapshots {
		st := stats[s.ID]
		out = append(out, map[string]any{
			"connectionId":      s.ID,
			"host":              s.Host,
			"port":              s.Port,
			"targetId":          s.TargetID,
			"healthy":           s.Healthy,
			"permanentlyFailed": s.PermanentlyFailed,
			"clientCount":       s.ClientCount,
			"createdAt":         s.CreatedAt.UnixMilli(),
			"lastUsed":          s.LastUsed.UnixMilli(),
			"consoleCount":      st.ConsoleCount,
			"networkCount":      st.NetworkCount,
		})
	}
	writeData(w, http.StatusOK, map[string]any{"connections": out})
}

func statsByID(stats []store.BufferStats) map[string]store.BufferStats {
	m := make(map[string]store.BufferStats, len(stats))
	for _, s := range stats {
		m[s.ConnectionID] = s
	}
	return m
}

type executeRequest struct {
	Command struct {
		ID     json.Number     `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	} `json:"command"`
	Timeout int64 `json:"timeout"`
}

// Execute implements POST /api/execute/:id.
func (a *ProxyAPI) Execute(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validConnectionID(id) {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid connection id"))
		return
	}
	clientID := r.Header.Get("x-client-id")
	if clientID == "" {
		writeErr(w, apierr.New(apierr.KindBadRequest, "x-client-id header is required"))
		return
	}

	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.Wrap(apierr.KindBadRequest, "invalid request body", err))
		return
	}
	if req.Command.Method == "" {
		writeErr(w, apierr.New(apierr.KindBadRequest, "command.method is required"))
		return
	}

	up, ok := a.pool.Get(id)
	if !ok {
		writeErr(w, apierr.New(apierr.KindNotFound, "unknown connection id"))
		return
	}

	timeout := a.defaultTTL
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}

	result, elapsed, err := a.executor.Execute(r.Context(), id, up, req.Command.Method, req.Command.Params, timeout, clientID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"result":        json.RawMessage(result),
		"executionTime": elapsed.Milliseconds(),
	})
}

// Console implements GET /api/console/:id.
func (a *ProxyAPI) Console(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validConnectionID(id) {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid connection id"))
		return
	}
	if _, ok := a.pool.Get(id); !ok {
		writeErr(w, apierr.New(apierr.KindNotFound, "unknown connection id"))
		return
	}

	q := r.URL.Query()
	filter := store.ConsoleFilter{
		TextPattern: sanitizeControlChars(q.Get("textPattern"), maxFilterInputLen),
		Source:      store.ConsoleSource(q.Get("source")),
	}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			filter.Types = append(filter.Types, store.NormalizeLevel(strings.TrimSpace(t)))
		}
	}
	if v, err := parseIntParam(q, "maxMessages"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid maxMessages"))
		return
	} else {
		filter.Max = v
	}
	if v, err := parseIntParam(q, "startTime"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid startTime"))
		return
	} else {
		filter.StartTimeMs = int64(v)
	}
	if v, err := parseIntParam(q, "endTime"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid endTime"))
		return
	} else {
		filter.EndTimeMs = int64(v)
	}

	messages, err := a.store.QueryConsole(id, filter)
	if err != nil {
		if isRegexErr(err) {
			writeErr(w, apierr.Wrap(apierr.KindBadRequest, "invalid filter pattern", err))
			return
		}
		writeErr(w, apierr.Wrap(apierr.KindInternal, "query failed", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"messages": messages, "totalCount": len(messages)})
}

// Network implements GET /api/network/:id.
func (a *ProxyAPI) Network(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validConnectionID(id) {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid connection id"))
		return
	}
	if _, ok := a.pool.Get(id); !ok {
		writeErr(w, apierr.New(apierr.KindNotFound, "unknown connection id"))
		return
	}

	q := r.URL.Query()
	filter := store.NetworkFilter{
		URLPattern:          sanitizeControlChars(q.Get("urlPattern"), maxFilterInputLen),
		IncludeResponseBody: q.Get("includeResponseBody") == "true",
	}
	if methods := q.Get("methods"); methods != "" {
		filter.Methods = strings.Split(methods, ",")
	}
	if codes := q.Get("statusCodes"); codes != "" {
		for _, c := range strings.Split(codes, ",") {
			n, err := strconv.Atoi(strings.TrimSpace(c))
			if err != nil {
				writeErr(w, apierr.New(apierr.KindBadRequest, "invalid statusCodes"))
				return
			}
			filter.StatusCodes = append(filter.StatusCodes, n)
		}
	}
	if v, err := parseIntParam(q, "maxRequests"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid maxRequests"))
		return
	} else {
		filter.Max = v
	}
	if v, err := parseIntParam(q, "startTime"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid startTime"))
		return
	} else {
		filter.StartTimeMs = int64(v)
	}
	if v, err := parseIntParam(q, "endTime"); err != nil {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid endTime"))
		return
	} else {
		filter.EndTimeMs = int64(v)
	}

	requests, err := a.store.QueryNetwork(id, filter)
	if err != nil {
		if isRegexErr(err) {
			writeErr(w, apierr.Wrap(apierr.KindBadRequest, "invalid filter pattern", err))
			return
		}
		writeErr(w, apierr.Wrap(apierr.KindInternal, "query failed", err))
		return
	}
	writeData(w, http.StatusOK, map[string]any{"requests": requests, "totalCount": len(requests)})
}

// Health implements GET /api/health.
func (a *ProxyAPI) Health(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]any{"status": "healthy"})
}

// HealthDetail implements GET /api/health/:id.
func (a *ProxyAPI) HealthDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validConnectionID(id) {
		writeErr(w, apierr.New(apierr.KindBadRequest, "invalid connection id"))
		return
	}
	up, ok := a.pool.Get(id)
	if !ok {
		writeErr(w, apierr.New(apierr.KindNotFound, "unknown connection id"))
		return
	}
	rec, _ := a.healthMon.Record(id)
	writeData(w, http.StatusOK, map[string]any{
		"connectionId":           id,
		"healthy":                up.Healthy(),
		"lastCheck":              rec.LastCheck.UnixMilli(),
		"consecutiveErrorCount":  rec.ConsecutiveErrorCount,
		"lastError":              rec.LastError,
	})
}

// Status implements GET /api/status.
func (a *ProxyAPI) Status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	agg := a.healthMon.Aggregate()
	writeData(w, http.StatusOK, map[string]any{
		"uptimeMs":         time.Since(a.startedAt).Milliseconds(),
		"connectionCount":  len(a.pool.List()),
		"healthyCount":     agg.Healthy,
		"memoryAllocBytes": mem.Alloc,
		"memorySysBytes":   mem.Sys,
		"goroutines":       runtime.NumGoroutine(),
	})
}

func parseIntParam(q interface{ Get(string) string }, key string) (int, error) {
	v := q.Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func isRegexErr(err error) bool {
	var syntaxErr *regexp.Error
	return errors.As(err, &syntaxErr)
}
