package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/stream"
	"github.com/m4xw311/canvasd/tools"
)

type executeRequest struct {
	CanvasID string `json:"canvas_id"`
	Query    string `json:"query"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (req executeRequest) agentRequest(subject string) agent.Request {
	return agent.Request{SubjectID: subject, CanvasID: req.CanvasID, Query: req.Query, ThreadID: req.ThreadID}
}

type executeResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	CanvasID string `json:"canvas_id"`
}

// handleExecuteStream admits the request and then streams its events.
// Admission failures are answered with a status code and no stream.
func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.Orchestrator.Admit(r.Context(), req.agentRequest(subject(r)))
	if err != nil {
		s.writeError(w, err)
		return
	}

	format := stream.Negotiate(r.Header.Get("Accept"))
	h := w.Header()
	h.Set("Content-Type", format.ContentType())
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sw := stream.NewWriter(w, format)
	logger := s.Logger.With("request_id", run.ID())
	_, _ = run.Execute(r.Context(), func(ev stream.Event) {
		if err := sw.Send(ev); err != nil {
			logger.Debug("stream write failed", "event", ev.Event, "error", err)
		}
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	run, err := s.Orchestrator.Admit(r.Context(), req.agentRequest(subject(r)))
	if err != nil {
		s.writeError(w, err)
		return
	}
	answer, err := run.Collect(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, executeResponse{Success: true, Message: answer, CanvasID: req.CanvasID})
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleWebsocket runs one request per connection. The first message is
// the request; afterwards only {"type":"cancel"} is honoured, and closing
// the connection cancels as well.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Info("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var mu sync.Mutex
	send := func(ev stream.Event) {
		mu.Lock()
		defer mu.Unlock()
		if err := conn.WriteJSON(ev); err != nil {
			s.Logger.Debug("websocket write failed", "event", ev.Event, "error", err)
		}
	}

	var req executeRequest
	if err := conn.ReadJSON(&req); err != nil {
		send(stream.NewError(errors.WrapKind(errors.InvalidInput, err, "Invalid request message")))
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	run, err := s.Orchestrator.Admit(ctx, req.agentRequest(subject(r)))
	if err != nil {
		send(stream.NewError(err))
		return
	}

	go func() {
		for {
			var msg clientMessage
			if err := conn.ReadJSON(&msg); err != nil {
				cancel()
				return
			}
			if msg.Type == "cancel" {
				s.Logger.Info("run cancelled by client", "request_id", run.ID())
				cancel()
				return
			}
		}
	}()

	_, _ = run.Execute(ctx, send)
	mu.Lock()
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	mu.Unlock()
}

type infoResponse struct {
	Tools          []tools.Info `json:"tools"`
	ExampleQueries []string     `json:"example_queries"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, infoResponse{
		Tools:          tools.Describe(s.Orchestrator.Engine.Tools()),
		ExampleQueries: agent.ExampleQueries,
	})
}
