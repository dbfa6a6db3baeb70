// Package monitor implements the EventMonitor described in spec §4.3: it
// classifies every frame arriving on an upstream CDP WebSocket, routes
// responses to their waiting caller, and archives and fans out events.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/onkernel/cdp-mux-proxy/internal/cdp"
	"github.com/onkernel/cdp-mux-proxy/internal/correlator"
	"github.com/onkernel/cdp-mux-proxy/internal/store"
)

// Broadcaster fans an archived CDP event out to subscribed downstream
// clients. Implemented by internal/wsproxy; injected here to avoid a
// package cycle (wsproxy needs the pool, the pool needs a Broadcaster).
type Broadcaster interface {
	BroadcastEvent(connectionID string, ev *cdp.Event)
}

// Sender writes a raw frame to the upstream socket. Implemented by
// internal/pool's Upstream.
type Sender interface {
	Send(ctx context.Context, raw []byte) error
}

// Monitor dispatches frames for every upstream connection it is attached
// to. A single Monitor is shared by the whole proxy; frames are keyed by
// connectionID.
type Monitor struct {
	registry    *correlator.Registry
	store       *store.MessageStore
	broadcaster Broadcaster
	logger      *slog.Logger
}

func New(registry *correlator.Registry, st *store.MessageStore, broadcaster Broadcaster, logger *slog.Logger) *Monitor {
	return &Monitor{registry: registry, store: st, broadcaster: broadcaster, logger: logger}
}

// CancelPending terminates every PendingCommand registered for
// connectionID without delivering a value, per spec §4.2's close()
// ("cancel pending commands with 'connection closed'") and §7 ("an upstream
// close terminates all PendingCommands for that upstream with Upstream
// unavailable"). Called from every upstream close path.
func (m *Monitor) CancelPending(connectionID string) {
	m.registry.CancelAll(connectionID)
}

// HandleFrame classifies one inbound frame and routes it. Unparseable
// frames are logged and dropped; spec §7 treats malformed upstream traffic
// as a background failure, not one that should take the connection down.
func (m *Monitor) HandleFrame(connectionID string, raw []byte) {
	switch cdp.Classify(raw) {
	case cdp.FrameResponse:
		resp, err := cdp.ParseResponse(raw)
		if err != nil {
			m.logger.Warn("discarding unparseable upstream response", slog.String("connection_id", connectionID), slog.String("err", err.Error()))
			return
		}
		if !m.registry.Route(connectionID, resp) {
			m.logger.Debug("response for unknown or expired command", slog.String("connection_id", connectionID), slog.Int64("id", resp.ID))
		}
	case cdp.FrameEvent:
		ev, err := cdp.ParseEvent(raw)
		if err != nil {
			m.logger.Warn("discarding unparseable upstream event", slog.String("connection_id", connectionID), slog.String("err", err.Error()))
			return
		}
		m.archive(connectionID, ev)
		m.broadcaster.BroadcastEvent(connectionID, ev)
	default:
		m.logger.Debug("discarding frame of unknown shape", slog.String("connection_id", connectionID))
	}
}

func (m *Monitor) archive(connectionID string, ev *cdp.Event) {
	now := time.Now().UnixMilli()
	switch ev.Method {
	case cdp.EventConsoleAPICalled:
		var p struct {
			Type      string          `json:"type"`
			Args      []any           `json:"args"`
			Timestamp float64         `json:"timestamp"`
			StackTrace *stackTraceDTO `json:"stackTrace"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		m.store.AppendConsole(connectionID, store.ConsoleEntry{
			ConnectionID: connectionID,
			Level:        store.NormalizeLevel(p.Type),
			Text:         store.FormatArgs(argValues(p.Args)),
			Args:         p.Args,
			Timestamp:    msOrNow(p.Timestamp, now),
			Stack:        p.StackTrace.frames(),
			Source:       store.SourceConsoleAPI,
		})
	case cdp.EventLogEntryAdded:
		var p struct {
			Entry struct {
				Level     string  `json:"level"`
				Text      string  `json:"text"`
				Timestamp float64 `json:"timestamp"`
			} `json:"entry"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		m.store.AppendConsole(connectionID, store.ConsoleEntry{
			ConnectionID: connectionID,
			Level:        store.NormalizeLevel(p.Entry.Level),
			Text:         p.Entry.Text,
			Timestamp:    msOrNow(p.Entry.Timestamp, now),
			Source:       store.SourceLogEntry,
		})
	case cdp.EventNetworkRequestWillBeSent:
		var p struct {
			RequestID string  `json:"requestId"`
			Timestamp float64 `json:"timestamp"`
			Request   struct {
				URL     string            `json:"url"`
				Method  string            `json:"method"`
				Headers map[string]string `json:"headers"`
			} `json:"request"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		m.store.AppendNetwork(connectionID, store.NetworkEntry{
			ConnectionID:   connectionID,
			RequestID:      p.RequestID,
			URL:            p.Request.URL,
			Method:         p.Request.Method,
			RequestHeaders: p.Request.Headers,
			Timestamp:      tsOrNow(p.Timestamp, now),
		})
	case cdp.EventNetworkResponseReceived:
		var p struct {
			RequestID string `json:"requestId"`
			Response  struct {
				Status  int               `json:"status"`
				Headers map[string]string `json:"headers"`
			} `json:"response"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		status := p.Response.Status
		m.store.UpdateNetwork(connectionID, p.RequestID, store.NetworkPatch{
			Status:          &status,
			ResponseHeaders: p.Response.Headers,
		})
	case cdp.EventNetworkLoadingFinished:
		var p struct {
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		m.store.UpdateNetwork(connectionID, p.RequestID, store.NetworkPatch{LoadingFinished: true})
	case cdp.EventNetworkLoadingFailed:
		var p struct {
			RequestID    string `json:"requestId"`
			ErrorText    string `json:"errorText"`
		}
		if err := json.Unmarshal(ev.Params, &p); err != nil {
			return
		}
		m.store.UpdateNetwork(connectionID, p.RequestID, store.NetworkPatch{LoadingFinished: true})
		m.logger.Debug("network request failed", slog.String("connection_id", connectionID), slog.String("request_id", p.RequestID), slog.String("error", p.ErrorText))
	}
}

type stackTraceDTO struct {
	CallFrames []struct {
		FunctionName string `json:"functionName"`
		URL          string `json:"url"`
		LineNumber   int    `json:"lineNumber"`
		ColumnNumber int    `json:"columnNumber"`
	} `json:"callFrames"`
}

func (s *stackTraceDTO) frames() []store.StackFrame {
	if s == nil {
		return nil
	}
	out := make([]store.StackFrame, len(s.CallFrames))
	for i, f := range s.CallFrames {
		out[i] = store.StackFrame{
			FunctionName: f.FunctionName,
			URL:          f.URL,
			LineNumber:   f.LineNumber,
			ColumnNumber: f.ColumnNumber,
		}
	}
	return out
}

func argValues(args []any) []any {
	out := make([]any, 0, len(args))
	for _, a := range args {
		m, ok := a.(map[string]any)
		if !ok {
			out = append(out, a)
			continue
		}
		if v, ok := m["value"]; ok {
			out = append(out, v)
			continue
		}
		if desc, ok := m["description"]; ok {
			out = append(out, desc)
			continue
		}
		out = append(out, m)
	}
	return out
}

func tsOrNow(ts float64, now int64) int64 {
	if ts <= 0 {
		return now
	}
	return int64(ts * 1000)
}

// msOrNow is like tsOrNow for timestamps CDP already reports in
// milliseconds since epoch (Runtime.consoleAPICalled, Log.entryAdded), so
// the value is kept as is.
func msOrNow(ts float64, now int64) int64 {
	if ts <= 0 {
		return now
	}
	return int64(ts)
}

// EnableDomains turns on Log, Network and Runtime event domains on a
// freshly (re)connected upstream. Runtime.enable failing fails the whole
// connect attempt; Log.enable and Network.enable failing is logged and the
// connection degrades instead, per spec §4.3's Open Question (c).
func (m *Monitor) EnableDomains(ctx context.Context, connectionID string, sender Sender) error {
	if err := m.enableOne(ctx, connectionID, sender, "Log.enable"); err != nil {
		m.logger.Warn("Log.enable failed, console log entries will be unavailable", slog.String("connection_id", connectionID), slog.String("err", err.Error()))
	}
	if err := m.enableOne(ctx, connectionID, sender, "Network.enable"); err != nil {
		m.logger.Warn("Network.enable failed, network history will be unavailable", slog.String("connection_id", connectionID), slog.String("err", err.Error()))
	}
	if err := m.enableOne(ctx, connectionID, sender, "Runtime.enable"); err != nil {
		return fmt.Errorf("Runtime.enable: %w", err)
	}
	return nil
}

// EvaluateHealth implements the probe half of spec §4.2's healthCheck:
// send Runtime.evaluate{expression:"1+1"} and await a non-error response.
// It reuses the same ID/registration path as EnableDomains, which is what
// keeps health-check IDs from ever colliding with command IDs (see
// internal/correlator's package doc).
func (m *Monitor) EvaluateHealth(ctx context.Context, connectionID string, sender Sender) error {
	id := m.registry.NextID()
	ch, _ := m.registry.Register(connectionID, id)
	raw, err := json.Marshal(cdp.Request{ID: id, Method: "Runtime.evaluate", Params: json.RawMessage(`{"expression":"1+1"}`)})
	if err != nil {
		m.registry.Cancel(connectionID, id)
		return err
	}
	if err := sender.Send(ctx, raw); err != nil {
		m.registry.Cancel(connectionID, id)
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("health check cancelled")
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case <-ctx.Done():
		m.registry.Cancel(connectionID, id)
		return ctx.Err()
	}
}

// enableDomainTimeout bounds each individual *.enable command per spec
// §4.3/§5 ("health probes cap at 5s") so a target that accepts the
// WebSocket but never answers Log.enable/Network.enable/Runtime.enable
// cannot hang a connect or reconnect call on the caller's own (possibly
// unbounded) context.
const enableDomainTimeout = 5 * time.Second

func (m *Monitor) enableOne(ctx context.Context, connectionID string, sender Sender, method string) error {
	ctx, cancel := context.WithTimeout(ctx, enableDomainTimeout)
	defer cancel()

	id := m.registry.NextID()
	ch, _ := m.registry.Register(connectionID, id)
	raw, err := json.Marshal(cdp.Request{ID: id, Method: method})
	if err != nil {
		m.registry.Cancel(connectionID, id)
		return err
	}
	if err := sender.Send(ctx, raw); err != nil {
		m.registry.Cancel(connectionID, id)
		return err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: cancelled", method)
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case <-ctx.Done():
		m.registry.Cancel(connectionID, id)
		return ctx.Err()
	}
}
