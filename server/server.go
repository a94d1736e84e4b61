// Package server is the HTTP surface of canvasd: authenticated agent and
// instruction endpoints, streamed progress over NDJSON, SSE or a
// websocket, and the credit balance.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/auth"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
)

// Deps are the services the handlers call into.
type Deps struct {
	Orchestrator *agent.Orchestrator
	Instructor   *agent.Instructor
	Ledger       *ledger.Ledger
	Auth         auth.Authenticator
	Logger       *slog.Logger
}

type Server struct {
	Deps
	origins  []string
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New builds the handler tree. allowedOrigins lists the browser origins
// granted CORS access; "*" allows any.
func New(deps Deps, allowedOrigins []string) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{Deps: deps, origins: allowedOrigins, mux: http.NewServeMux()}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("POST /v1/agent/execute-stream", s.authed(s.handleExecuteStream))
	s.mux.Handle("POST /v1/agent/execute", s.authed(s.handleExecute))
	s.mux.Handle("GET /v1/agent/ws", s.authed(s.handleWebsocket))
	s.mux.Handle("GET /v1/agent/info", s.authed(s.handleInfo))
	s.mux.Handle("POST /v1/ai/execute-instruction", s.authed(s.handleExecuteInstruction))
	s.mux.Handle("POST /v1/ai/improve-text", s.authed(s.handleImproveText))
	s.mux.Handle("GET /v1/credits", s.authed(s.handleCredits))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && s.originAllowed(origin) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Accept")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Add("Vary", "Origin")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then shuts down,
// giving open streams a few seconds to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.Logger.Info("listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrapf(err, "shutting down server")
	}
	return nil
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.origins, "*") || slices.Contains(s.origins, origin)
}

// checkOrigin lets same-origin and non-browser clients through and holds
// browsers to the CORS list.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.originAllowed(origin)
}

// authed resolves the caller before h runs and stores it in the request
// context.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.Auth.Authenticate(r)
		if err != nil {
			s.Logger.Info("request rejected", "path", r.URL.Path, "error", err)
			s.writeError(w, err)
			return
		}
		h(w, r.WithContext(auth.WithSubject(r.Context(), subject)))
	})
}

func subject(r *http.Request) string {
	s, _ := auth.Subject(r.Context())
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	balance, err := s.Ledger.Balance(r.Context(), subject(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"credits": balance})
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// writeError answers with the status of err's kind. Only the client-safe
// message leaves the process.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "status", status, "error", err)
	}
	s.writeJSON(w, status, failure{Error: errors.Message(err)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.Logger.Warn("writing JSON response", "error", err, "status", status)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return errors.WrapKind(errors.InvalidInput, err, "Invalid request body")
	}
	return nil
}
