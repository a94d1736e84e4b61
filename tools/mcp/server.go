// Package mcp exposes the canvas tool engine as a Model Context Protocol
// server so external agents can edit a canvas with the same tools the
// built-in orchestrator uses.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/logging"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/tools"
	"github.com/modelcontextprotocol/go-sdk/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	serverName    = "canvasd"
	serverVersion = "v1.0.0"
)

// Server serves the engine's active tools for a single canvas.
type Server struct {
	engine   *tools.Engine
	canvasID string
	logger   *slog.Logger
	srv      *mcpsdk.Server
}

// NewServer registers every tool of engine against canvasID.
func NewServer(engine *tools.Engine, canvasID string, logger *slog.Logger) (*Server, error) {
	if canvasID == "" {
		return nil, errors.E(errors.InvalidInput, "canvas id is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Server{
		engine:   engine,
		canvasID: canvasID,
		logger:   logger,
		srv:      mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: serverVersion}, nil),
	}
	for _, t := range engine.Tools() {
		schema, err := inputSchema(t.Schema())
		if err != nil {
			return nil, errors.Wrapf(err, "failed to convert schema of tool '%s'", t.Name())
		}
		s.srv.AddTool(&mcpsdk.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: schema,
		}, s.handler(t.Name()))
	}
	logger.Info("mcp server ready", "canvas_id", canvasID, "tools", len(engine.Tools()))
	return s, nil
}

// inputSchema converts a tool's JSON schema map into the SDK's schema type.
func inputSchema(schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out jsonschema.Schema
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Server) handler(name string) mcpsdk.ToolHandler {
	return func(ctx context.Context, ss *mcpsdk.ServerSession, params *mcpsdk.CallToolParamsFor[map[string]any]) (*mcpsdk.CallToolResult, error) {
		call := session.ToolCall{
			ToolCallID: uuid.NewString(),
			Name:       name,
			Args:       params.Arguments,
		}
		res := s.engine.Execute(ctx, s.canvasID, call)
		s.logger.Debug("mcp tool call", "tool", name, "success", res.Success)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: res.String()}},
			IsError: !res.Success,
		}, nil
	}
}

// Connect serves the tools over an arbitrary transport.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.srv.Connect(ctx, t)
}

// ServeStdio blocks serving the tools over stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.srv.Run(ctx, mcpsdk.NewStdioTransport())
}
