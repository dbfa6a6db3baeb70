// Package cdp models the Chrome DevTools Protocol's wire shapes and
// classifies frames arriving on an upstream's single message stream as
// either a command response or an event, per spec §4.3.
package cdp

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Request is an outbound CDP command.
type Request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Error is a CDP protocol error, returned in place of Result.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

// Response is an inbound CDP command response, correlated by ID.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Event is an inbound CDP event, dispatched by method name.
type Event struct {
	Method    EventMethod     `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

// FrameKind classifies a raw CDP frame without fully unmarshaling it.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameResponse
	FrameEvent
)

// Classify peeks the "id" and "method" fields of a raw frame with gjson
// (avoiding an allocation-heavy full unmarshal per spec §4.3: "has id field
// AND (result or error) -> response; has method AND no id -> event").
func Classify(raw []byte) FrameKind {
	result := gjson.GetManyBytes(raw, "id", "method", "result", "error")
	hasID := result[0].Exists()
	hasMethod := result[1].Exists()
	hasResultOrError := result[2].Exists() || result[3].Exists()

	switch {
	case hasID && hasResultOrError:
		return FrameResponse
	case hasMethod && !hasID:
		return FrameEvent
	default:
		return FrameUnknown
	}
}

// ParseResponse fully decodes a frame already classified as FrameResponse.
func ParseResponse(raw []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode cdp response: %w", err)
	}
	return &r, nil
}

// ParseEvent fully decodes a frame already classified as FrameEvent.
func ParseEvent(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cdp event: %w", err)
	}
	return &e, nil
}

// EventMethod enumerates the event methods the proxy understands and
// archives; all other methods are treated as Other and ignored for
// archival but still fanned out to subscribed clients.
type EventMethod string

const (
	EventConsoleAPICalled       EventMethod = "Runtime.consoleAPICalled"
	EventLogEntryAdded          EventMethod = "Log.entryAdded"
	EventNetworkRequestWillBeSent EventMethod = "Network.requestWillBeSent"
	EventNetworkResponseReceived  EventMethod = "Network.responseReceived"
	EventNetworkLoadingFinished   EventMethod = "Network.loadingFinished"
	EventNetworkLoadingFailed     EventMethod = "Network.loadingFailed"
)
