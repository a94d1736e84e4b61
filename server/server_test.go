package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/auth"
	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/patch"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/stream"
	"github.com/m4xw311/canvasd/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv      *Server
	ledger   *ledger.Ledger
	store    *document.Store
	client   *llm.ScriptedClient
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, credits int64, steps ...llm.Step) *testServer {
	t.Helper()
	ctx := context.Background()
	ts := &testServer{
		ledger: ledger.New(ledger.NewMemory(), nil),
		store:  document.NewStore(document.NewMemoryPersister(), nil),
		client: llm.NewScriptedClient(steps...),
	}
	_, err := ts.store.Create(ctx, &document.Snapshot{CanvasID: "c1", OwnerID: "u1", Title: "Notes", Doc: document.NewDoc(document.Paragraph("a draft"))})
	require.NoError(t, err)
	_, err = ts.ledger.Grant(ctx, "u1", credits+1)
	require.NoError(t, err)
	spent, err := ts.ledger.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	spent.Commit()
	ts.verifier, err = auth.NewVerifier("test-secret", "")
	require.NoError(t, err)

	gate := &ledger.Gate{Ledger: ts.ledger, Cost: 1}
	hl := patch.NewHighlighter(ts.store, clock.NewFake(time.Unix(0, 0)), time.Second, nil)
	ts.srv = New(Deps{
		Orchestrator: agent.New(config.AgentConfig{}, agent.Deps{
			Gate:    gate,
			Port:    ts.store,
			Engine:  tools.NewEngine(ts.store, tools.NewToolRegistry().All(), nil),
			Client:  ts.client,
			Threads: session.NewThreads(time.Hour, nil),
		}),
		Instructor: &agent.Instructor{Gate: gate, Port: ts.store, Client: ts.client, Applier: patch.NewApplier(ts.store, hl, nil)},
		Ledger:     ts.ledger,
		Auth:       ts.verifier,
	}, []string{"https://app.example.com"})
	return ts
}

func (ts *testServer) token(t *testing.T, subject string) string {
	t.Helper()
	tok, err := ts.verifier.Issue(subject, time.Hour)
	require.NoError(t, err)
	return tok
}

func (ts *testServer) do(t *testing.T, method, path, subject string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token(t, subject))
	}
	rec := httptest.NewRecorder()
	ts.srv.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) balance(t *testing.T) int64 {
	t.Helper()
	b, err := ts.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func replaceCall() session.ToolCall {
	return session.ToolCall{ToolCallID: "r1", Name: "replace_text", Args: map[string]any{"old_text": "draft", "new_text": "final"}}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t, 1)
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestUnauthenticatedRejected(t *testing.T) {
	ts := newTestServer(t, 1)
	rec := ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "", map[string]string{"canvas_id": "c1", "query": "hi"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
	assert.Empty(t, ts.client.Calls())
}

func TestExecuteStreamNDJSON(t *testing.T) {
	ts := newTestServer(t, 2, llm.CallTools(replaceCall()), llm.Reply("Replaced it."))
	rec := ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "u1", map[string]string{"canvas_id": "c1", "query": "Replace draft with final"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events, err := stream.ReadAll(rec.Body, stream.NDJSON)
	require.NoError(t, err)
	require.NoError(t, stream.Validate(events))
	assert.Len(t, events, 5)
	assert.Equal(t, "Replaced it.", events[3].Message)
	assert.Equal(t, "c1", events[4].CanvasID)
	assert.Equal(t, int64(1), ts.balance(t))
}

func TestExecuteStreamSSE(t *testing.T) {
	ts := newTestServer(t, 1, llm.Reply("hello"))
	rec := ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "u1", map[string]string{"canvas_id": "c1", "query": "hi"},
		http.Header{"Accept": {"text/event-stream"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "data: {"))

	state := stream.NewState()
	events, err := stream.ReadAll(rec.Body, stream.SSE)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, state.Apply(ev))
	}
	assert.Equal(t, stream.StatusCompleted, state.Status)
	assert.Equal(t, "hello", state.Response)
}

func TestAdmissionStatusCodes(t *testing.T) {
	ts := newTestServer(t, 0)
	body := map[string]string{"canvas_id": "c1", "query": "hi"}

	rec := ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "u1", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Insufficient credits", decodeBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "someone-else", body, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/agent/execute-stream", "u1", map[string]string{"canvas_id": "c1"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.client.Calls())
}

func TestExecuteSynchronous(t *testing.T) {
	ts := newTestServer(t, 1, llm.Reply("All done."))
	rec := ts.do(t, http.MethodPost, "/v1/agent/execute", "u1", map[string]string{"canvas_id": "c1", "query": "hi"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "All done.", body["message"])
	assert.Equal(t, "c1", body["canvas_id"])
}

func TestExecuteSynchronousModelFailure(t *testing.T) {
	ts := newTestServer(t, 1, llm.Step{Err: assert.AnError})
	rec := ts.do(t, http.MethodPost, "/v1/agent/execute", "u1", map[string]string{"canvas_id": "c1", "query": "hi"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
	assert.Equal(t, int64(1), ts.balance(t))
}

func TestInfoAndCredits(t *testing.T) {
	ts := newTestServer(t, 7)
	rec := ts.do(t, http.MethodGet, "/v1/agent/info", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info infoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Len(t, info.Tools, 7)
	assert.Equal(t, agent.ExampleQueries, info.ExampleQueries)

	rec = ts.do(t, http.MethodGet, "/v1/credits", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(7), decodeBody(t, rec)["credits"])
}

func TestImproveTextEndpoint(t *testing.T) {
	ts := newTestServer(t, 2, llm.Reply("final"), llm.Step{Err: assert.AnError})
	req := map[string]any{
		"canvas_id":     "c1",
		"selected_text": "draft",
		"action":        "rephrase",
		"range":         map[string]int{"from": 3, "to": 8},
		"apply":         true,
	}
	rec := ts.do(t, http.MethodPost, "/v1/ai/improve-text", "u1", req, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "final", body["text"])
	assert.Equal(t, float64(1), body["credits_remaining"])
	assert.Equal(t, map[string]any{"from": float64(3), "to": float64(8)}, body["applied_range"])
	assert.NotEmpty(t, body["highlight_id"])

	rec = ts.do(t, http.MethodPost, "/v1/ai/execute-instruction", "u1", map[string]string{"canvas_id": "c1", "instruction": "go"}, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, false, decodeBody(t, rec)["success"])
	assert.Equal(t, int64(1), ts.balance(t))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, 1)
	rec := ts.do(t, http.MethodOptions, "/v1/agent/execute-stream", "", nil, http.Header{"Origin": {"https://app.example.com"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = ts.do(t, http.MethodGet, "/healthz", "", nil, http.Header{"Origin": {"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func dialWS(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(ts.srv)
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/v1/agent/ws?access_token=" + ts.token(t, "u1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntilTerminal(t *testing.T, conn *websocket.Conn) []stream.Event {
	t.Helper()
	var events []stream.Event
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var ev stream.Event
		require.NoError(t, conn.ReadJSON(&ev))
		events = append(events, ev)
		if ev.Terminal() {
			return events
		}
	}
}

func TestWebsocketRun(t *testing.T) {
	ts := newTestServer(t, 1, llm.CallTools(replaceCall()), llm.Reply("Done over ws."))
	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(executeRequest{CanvasID: "c1", Query: "replace"}))

	events := readUntilTerminal(t, conn)
	require.NoError(t, stream.Validate(events))
	assert.Equal(t, stream.Completed, events[len(events)-1].Event)
	assert.Equal(t, "Done over ws.", events[len(events)-2].Message)
}

func TestWebsocketCancel(t *testing.T) {
	ts := newTestServer(t, 1, llm.Step{Block: true})
	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(executeRequest{CanvasID: "c1", Query: "slow"}))

	var started stream.Event
	require.NoError(t, conn.ReadJSON(&started))
	assert.Equal(t, stream.Started, started.Event)
	require.NoError(t, conn.WriteJSON(clientMessage{Type: "cancel"}))

	events := readUntilTerminal(t, conn)
	last := events[len(events)-1]
	assert.Equal(t, stream.Error, last.Event)
	assert.Equal(t, "request cancelled", last.Error)
	assert.Equal(t, int64(1), ts.balance(t))
}

func TestWebsocketAdmissionError(t *testing.T) {
	ts := newTestServer(t, 0)
	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteJSON(executeRequest{CanvasID: "c1", Query: "hi"}))
	events := readUntilTerminal(t, conn)
	require.Len(t, events, 1)
	assert.Equal(t, http.StatusPaymentRequired, events[0].Code)
}
