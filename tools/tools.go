package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
)

// Tool defines the interface for any action the agent can take on a canvas.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON schema of the tool's arguments object.
	Schema() map[string]any
	Execute(ctx context.Context, canvas Canvas, args map[string]interface{}) (Result, error)
}

// Canvas is the document a tool operates on, reached through the port at
// call time so every call sees the current content.
type Canvas struct {
	ID   string
	Port document.Port
}

func (c Canvas) Read(ctx context.Context) (*document.Snapshot, error) {
	return c.Port.Read(ctx, c.ID)
}

func (c Canvas) Mutate(ctx context.Context, op func(doc *document.Node) error) (*document.Snapshot, error) {
	return c.Port.Mutate(ctx, c.ID, op)
}

// Result is what a tool reports back to the model. A search or replace
// that finds nothing is still a successful result.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// String renders the result the way it is fed back into the transcript.
func (r Result) String() string {
	data, err := json.Marshal(r)
	if err != nil {
		return r.Message
	}
	return string(data)
}

// ToolRegistry holds all available tools.
type ToolRegistry struct {
	tools map[string]Tool
}

// NewToolRegistry returns a registry holding the canvas tools.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool)}
	for _, t := range CanvasTools() {
		r.Register(t)
	}
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	r.tools[t.Name()] = t
}

func (r *ToolRegistry) GetTool(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool sorted by name.
func (r *ToolRegistry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// GetActiveTools returns the tool instances for a given toolset. Entries
// are glob patterns, so "add_*" selects every insertion tool.
func (r *ToolRegistry) GetActiveTools(ts *config.Toolset) ([]Tool, error) {
	var activeTools []Tool
	seen := make(map[string]bool)
	for _, pattern := range ts.Tools {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid tool pattern '%s' in toolset '%s'", pattern, ts.Name)
		}
		matched := false
		for _, t := range r.All() {
			ok, err := doublestar.Match(pattern, t.Name())
			if err != nil {
				return nil, fmt.Errorf("invalid tool pattern '%s': %w", pattern, err)
			}
			if !ok {
				continue
			}
			matched = true
			if !seen[t.Name()] {
				seen[t.Name()] = true
				activeTools = append(activeTools, t)
			}
		}
		if !matched {
			return nil, fmt.Errorf("tool '%s' from toolset '%s' is not registered", pattern, ts.Name)
		}
	}
	return activeTools, nil
}

// Info describes a tool for the catalogue endpoint.
type Info struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

func Describe(ts []Tool) []Info {
	out := make([]Info, 0, len(ts))
	for _, t := range ts {
		out = append(out, Info{Name: t.Name(), Description: t.Description(), Parameters: t.Schema()})
	}
	return out
}

// Engine executes tool calls against a canvas.
type Engine struct {
	port   document.Port
	tools  map[string]Tool
	list   []Tool
	logger *slog.Logger
}

func NewEngine(port document.Port, active []Tool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{port: port, tools: make(map[string]Tool), list: active, logger: logger}
	for _, t := range active {
		e.tools[t.Name()] = t
	}
	return e
}

// Tools returns the tools the engine dispatches to.
func (e *Engine) Tools() []Tool { return e.list }

// Execute runs one tool call. Failures, including unknown tools, bad
// arguments and panics, come back as unsuccessful results; Execute itself
// never fails so the loop can always feed something back to the model.
func (e *Engine) Execute(ctx context.Context, canvasID string, call session.ToolCall) (res Result) {
	logger := e.logger.With("tool", call.Name, "canvas_id", canvasID, "tool_call_id", call.ToolCallID)
	t, ok := e.tools[call.Name]
	if !ok {
		logger.Warn("unknown tool requested")
		return Result{Success: false, Message: fmt.Sprintf("Error: Unknown tool '%s'", call.Name)}
	}

	defer func() {
		if p := recover(); p != nil {
			logger.Error("tool panicked", "panic", p)
			res = Result{Success: false, Message: fmt.Sprintf("Tool '%s' failed unexpectedly", call.Name)}
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := t.Execute(ctx, Canvas{ID: canvasID, Port: e.port}, args)
	if err != nil {
		logger.Info("tool failed", "error", err)
		return Result{Success: false, Message: fmt.Sprintf("Tool '%s' failed: %s", call.Name, failureMessage(err))}
	}
	logger.Debug("tool completed", "success", res.Success)
	return res
}

func failureMessage(err error) string {
	var e *errors.Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}
