// Package stream carries orchestrator progress to clients as a sequence of
// events, one per line, and decodes and checks such sequences on the
// client side.
package stream

import "github.com/m4xw311/canvasd/errors"

type Type string

const (
	Started    Type = "started"
	ToolCall   Type = "tool_call"
	ToolResult Type = "tool_result"
	Response   Type = "response"
	Completed  Type = "completed"
	Error      Type = "error"
)

// Event is one server-pushed progress record. Fields not relevant to the
// event type are left empty.
type Event struct {
	Event      Type           `json:"event"`
	Message    string         `json:"message,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolArgs   map[string]any `json:"tool_args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Code       int            `json:"code,omitempty"`
	CanvasID   string         `json:"canvas_id,omitempty"`
}

// Terminal reports whether no event may follow e.
func (e Event) Terminal() bool { return e.Event == Completed || e.Event == Error }

func NewStarted(message string) Event { return Event{Event: Started, Message: message} }

func NewToolCall(id, name string, args map[string]any) Event {
	return Event{Event: ToolCall, ToolCallID: id, ToolName: name, ToolArgs: args}
}

// NewToolResult reports a finished call. A failed call also carries its
// message in Error.
func NewToolResult(id, name, result string, ok bool, message string) Event {
	ev := Event{Event: ToolResult, ToolCallID: id, ToolName: name, Result: result}
	if !ok {
		ev.Error = message
	}
	return ev
}

func NewResponse(message string) Event { return Event{Event: Response, Message: message} }

func NewCompleted(message, canvasID string) Event {
	return Event{Event: Completed, Message: message, CanvasID: canvasID}
}

// NewError builds the terminal failure event. Only client-safe text from
// err reaches the wire.
func NewError(err error) Event {
	return Event{Event: Error, Error: errors.Message(err), Code: errors.HTTPStatus(err)}
}
