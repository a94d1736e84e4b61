package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/stream"
	"github.com/m4xw311/canvasd/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	store   *document.Store
	ledger  *ledger.Ledger
	gate    *ledger.Gate
	client  *llm.ScriptedClient
	threads *session.Threads
	orch    *Orchestrator
}

func newHarness(t *testing.T, cfg config.AgentConfig, credits int64, extra []tools.Tool, steps ...llm.Step) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:   document.NewStore(document.NewMemoryPersister(), nil),
		ledger:  ledger.New(ledger.NewMemory(), nil),
		client:  llm.NewScriptedClient(steps...),
		threads: session.NewThreads(time.Hour, nil),
	}
	_, err := h.store.Create(ctx, &document.Snapshot{
		CanvasID: "c1",
		OwnerID:  "u1",
		Title:    "Launch plan",
		Doc:      document.NewDoc(document.Paragraph("This draft is a draft.")),
	})
	require.NoError(t, err)
	if credits > 0 {
		_, err = h.ledger.Grant(ctx, "u1", credits)
		require.NoError(t, err)
	}
	h.gate = &ledger.Gate{Ledger: h.ledger, Cost: 1}
	engine := tools.NewEngine(h.store, append(tools.NewToolRegistry().All(), extra...), nil)
	h.orch = New(cfg, Deps{
		Gate:    h.gate,
		Port:    h.store,
		Engine:  engine,
		Client:  h.client,
		Threads: h.threads,
	})
	return h
}

func (h *harness) balance(t *testing.T) int64 {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func (h *harness) text(t *testing.T) string {
	t.Helper()
	snap, err := h.store.Read(context.Background(), "c1")
	require.NoError(t, err)
	return document.ExtractText(snap.Doc)
}

type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) emit(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []stream.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []stream.Type
	for _, ev := range r.events {
		out = append(out, ev.Event)
	}
	return out
}

func (r *recorder) last() stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func request(query string) Request {
	return Request{SubjectID: "u1", CanvasID: "c1", Query: query}
}

func replaceCall(old, repl string) session.ToolCall {
	return session.ToolCall{ToolCallID: "call-replace", Name: "replace_text", Args: map[string]any{"old_text": old, "new_text": repl}}
}

func TestRunReplacesDraftWithFinal(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 5, nil,
		llm.CallTools(replaceCall("draft", "final")),
		llm.Reply("Replaced 2 occurrences of 'draft' with 'final'."),
	)
	ctx := context.Background()

	run, err := h.orch.Admit(ctx, request("Replace draft with final"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), h.balance(t))

	rec := &recorder{}
	answer, err := run.Execute(ctx, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "Replaced 2 occurrences of 'draft' with 'final'.", answer)
	assert.Equal(t, "This final is a final.", h.text(t))
	assert.Equal(t, int64(4), h.balance(t), "credit is kept on success")
	assert.Equal(t, StateCompleted, run.State())

	assert.Equal(t, []stream.Type{stream.Started, stream.ToolCall, stream.ToolResult, stream.Response, stream.Completed}, rec.types())
	require.NoError(t, stream.Validate(rec.events))
	assert.Equal(t, "c1", rec.last().CanvasID)
	assert.Contains(t, rec.events[2].Result, `"replacements_made":2`)

	calls := run.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, session.ToolCallCompleted, calls[0].Status)

	sent := h.client.Calls()
	require.Len(t, sent, 2)
	assert.Equal(t, "system", sent[0][0].Role)
	assert.Contains(t, sent[0][0].Content, "Launch plan")
	assert.Contains(t, sent[0][0].Content, "replace_text")
	last := sent[1][len(sent[1])-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "call-replace", last.ToolCalls[0].ToolCallID)
}

func TestDoubleSubmitWithOneCredit(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 1, nil, llm.Reply("done"))
	ctx := context.Background()

	first, err := h.orch.Admit(ctx, request("one"))
	require.NoError(t, err)
	_, err = h.orch.Admit(ctx, request("two"))
	require.Error(t, err)
	assert.Equal(t, errors.InsufficientCredit, errors.KindOf(err))
	assert.Equal(t, 402, errors.HTTPStatus(err))
	assert.Empty(t, h.client.Calls(), "no model call before admission settles")

	_, err = first.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.balance(t))
}

func TestAdmitRejectsForeignCanvasBeforeReserving(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 3, nil)
	_, err := h.orch.Admit(context.Background(), Request{SubjectID: "intruder", CanvasID: "c1", Query: "x"})
	require.Error(t, err)
	assert.Equal(t, 404, errors.HTTPStatus(err))

	_, err = h.orch.Admit(context.Background(), Request{SubjectID: "u1", CanvasID: "c1", Query: "  "})
	require.Error(t, err)
	assert.Equal(t, 400, errors.HTTPStatus(err))
	assert.Equal(t, int64(3), h.balance(t))
}

func TestAdmitRateLimitedBeforeReserving(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 3, nil)
	h.gate.Limiter = ledger.NewLimiter(time.Hour, 1, clock.NewFake(time.Unix(0, 0)))

	_, err := h.orch.Admit(context.Background(), request("first"))
	require.NoError(t, err)
	_, err = h.orch.Admit(context.Background(), request("second"))
	require.Error(t, err)
	assert.Equal(t, 429, errors.HTTPStatus(err))
	assert.Equal(t, int64(2), h.balance(t))
}

func TestModelFailureRefundsOnce(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 2, nil, llm.Step{Err: errors.New("upstream 500")})
	ctx := context.Background()
	run, err := h.orch.Admit(ctx, request("anything"))
	require.NoError(t, err)

	rec := &recorder{}
	_, err = run.Execute(ctx, rec.emit)
	require.Error(t, err)
	assert.Equal(t, errors.Model, errors.KindOf(err))
	assert.Equal(t, int64(2), h.balance(t))
	assert.Equal(t, StateFailed, run.State())
	assert.Equal(t, []stream.Type{stream.Started, stream.Error}, rec.types())
	assert.Equal(t, 502, rec.last().Code)
	require.NoError(t, stream.Validate(rec.events))

	run.Abandon(ctx)
	_, err = run.Execute(ctx, rec.emit)
	require.Error(t, err)
	assert.Equal(t, int64(2), h.balance(t), "no second refund")
}

func TestCancellationDuringModelStepRefunds(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 1, nil, llm.Step{Block: true})
	ctx, cancel := context.WithCancel(context.Background())
	run, err := h.orch.Admit(ctx, request("slow"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.balance(t))

	rec := &recorder{}
	done := make(chan error, 1)
	go func() {
		_, err := run.Execute(ctx, rec.emit)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(h.client.Calls()) == 1 }, time.Second, time.Millisecond)
	cancel()

	err = <-done
	require.Error(t, err)
	assert.Equal(t, errors.Cancelled, errors.KindOf(err))
	assert.Equal(t, int64(1), h.balance(t))
	assert.Equal(t, "request cancelled", rec.last().Error)
	require.NoError(t, stream.Validate(rec.events))
}

func TestStepTimeoutFailsRun(t *testing.T) {
	h := newHarness(t, config.AgentConfig{StepTimeout: 20 * time.Millisecond}, 1, nil, llm.Step{Block: true})
	run, err := h.orch.Admit(context.Background(), request("slow"))
	require.NoError(t, err)

	rec := &recorder{}
	_, err = run.Execute(context.Background(), rec.emit)
	require.Error(t, err)
	assert.Equal(t, errors.Timeout, errors.KindOf(err))
	assert.Equal(t, 504, rec.last().Code)
	assert.Equal(t, int64(1), h.balance(t))
}

// cancellingTool cancels the request while it runs and still writes to
// the canvas.
type cancellingTool struct {
	*tools.GetCanvasTextTool
	cancel context.CancelFunc
}

func (c *cancellingTool) Name() string { return "slow_write" }

func (c *cancellingTool) Execute(ctx context.Context, canvas tools.Canvas, args map[string]interface{}) (tools.Result, error) {
	c.cancel()
	_, err := canvas.Mutate(ctx, func(doc *document.Node) error {
		document.Replace(doc, "draft", "edited", true, false)
		return nil
	})
	if err != nil {
		return tools.Result{}, err
	}
	return tools.Result{Success: true, Message: "written"}, nil
}

func TestCancellationDuringToolKeepsWriteDropsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := &cancellingTool{GetCanvasTextTool: &tools.GetCanvasTextTool{}, cancel: cancel}
	h := newHarness(t, config.AgentConfig{}, 1, []tools.Tool{tool},
		llm.CallTools(session.ToolCall{ToolCallID: "w1", Name: "slow_write"}),
		llm.Reply("never asked"),
	)
	run, err := h.orch.Admit(ctx, request("write"))
	require.NoError(t, err)

	rec := &recorder{}
	_, err = run.Execute(ctx, rec.emit)
	require.Error(t, err)
	assert.Equal(t, "This edited is a edited.", h.text(t), "the tool's transaction completed")
	assert.Equal(t, []stream.Type{stream.Started, stream.ToolCall, stream.Error}, rec.types())
	assert.Len(t, h.client.Calls(), 1, "no model call after cancellation")
	assert.Equal(t, int64(1), h.balance(t))
	require.NoError(t, stream.Validate(rec.events))
}

func TestCancellationStopsRemainingToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, config.AgentConfig{}, 1, nil,
		llm.CallTools(
			session.ToolCall{ToolCallID: "r1", Name: "get_canvas_text"},
			replaceCall("draft", "final"),
		),
		llm.Reply("never asked"),
	)
	run, err := h.orch.Admit(ctx, request("read then write"))
	require.NoError(t, err)

	rec := &recorder{}
	_, err = run.Execute(ctx, func(ev stream.Event) {
		rec.emit(ev)
		if ev.Event == stream.ToolResult {
			cancel()
		}
	})
	require.Error(t, err)
	assert.Equal(t, errors.Cancelled, errors.KindOf(err))
	assert.Equal(t, []stream.Type{stream.Started, stream.ToolCall, stream.ToolResult, stream.Error}, rec.types())
	assert.Equal(t, "This draft is a draft.", h.text(t), "no tool runs after cancellation")
	assert.Len(t, h.client.Calls(), 1)
	assert.Equal(t, int64(1), h.balance(t))
	require.NoError(t, stream.Validate(rec.events))
}

func TestPanicAfterCompletedSendsNoError(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 2, nil, llm.Reply("Done."))
	ctx := context.Background()
	run, err := h.orch.Admit(ctx, request("hello"))
	require.NoError(t, err)

	rec := &recorder{}
	answer, err := run.Execute(ctx, func(ev stream.Event) {
		rec.emit(ev)
		if ev.Event == stream.Completed {
			panic("writer gone")
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "Done.", answer)
	assert.Equal(t, []stream.Type{stream.Started, stream.Response, stream.Completed}, rec.types())
	assert.Equal(t, StateCompleted, run.State())
	assert.Equal(t, int64(1), h.balance(t), "credit stays committed")
	require.NoError(t, stream.Validate(rec.events))
}

func TestToolCallLimitForcesPartialAnswer(t *testing.T) {
	read := func(id string) session.ToolCall { return session.ToolCall{ToolCallID: id, Name: "get_canvas_text"} }
	partial := llm.CallTools(read("r3"))
	partial.Message.Content = "Partial answer"
	h := newHarness(t, config.AgentConfig{MaxIterations: 2}, 1, nil,
		llm.CallTools(read("r1")),
		llm.CallTools(read("r2")),
		partial,
	)
	run, err := h.orch.Admit(context.Background(), request("loop"))
	require.NoError(t, err)

	rec := &recorder{}
	answer, err := run.Execute(context.Background(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "Partial answer", answer)
	assert.Len(t, run.Calls(), 2)
	assert.Len(t, h.client.Calls(), 3)
	require.NoError(t, stream.Validate(rec.events))
	assert.Equal(t, int64(0), h.balance(t))
}

func TestToolFailuresFeedBackToModel(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 1, nil,
		llm.CallTools(session.ToolCall{ToolCallID: "x", Name: "delete_everything"}),
		llm.Reply(""),
	)
	run, err := h.orch.Admit(context.Background(), request("destroy"))
	require.NoError(t, err)

	rec := &recorder{}
	answer, err := run.Execute(context.Background(), rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "Task completed.", answer)
	assert.Equal(t, "Error: Unknown tool 'delete_everything'", rec.events[2].Error)
	assert.Equal(t, session.ToolCallError, run.Calls()[0].Status)
}

func TestApproverCanDecline(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 1, nil,
		llm.CallTools(replaceCall("draft", "final")),
		llm.Reply("ok"),
	)
	run, err := h.orch.Admit(context.Background(), request("replace"))
	require.NoError(t, err)
	run.SetApprover(func(session.ToolCall) bool { return false })

	_, err = run.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "This draft is a draft.", h.text(t))
	assert.Contains(t, run.Calls()[0].Result, "declined")
}

func TestThreadCarriesTurns(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 2, nil, llm.Reply("first answer"), llm.Reply("second answer"))
	ctx := context.Background()
	for _, q := range []string{"first question", "second question"} {
		req := request(q)
		req.ThreadID = "t1"
		run, err := h.orch.Admit(ctx, req)
		require.NoError(t, err)
		_, err = run.Collect(ctx)
		require.NoError(t, err)
	}

	second := h.client.Calls()[1]
	require.Len(t, second, 4)
	assert.Equal(t, "first question", second[1].Content)
	assert.Equal(t, "first answer", second[2].Content)
	assert.Equal(t, "second question", second[3].Content)
}

func TestAbandonRefunds(t *testing.T) {
	h := newHarness(t, config.AgentConfig{}, 1, nil)
	run, err := h.orch.Admit(context.Background(), request("never run"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.balance(t))

	run.Abandon(context.Background())
	run.Abandon(context.Background())
	assert.Equal(t, int64(1), h.balance(t))
}
