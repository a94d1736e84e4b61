package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/stream"
	"github.com/m4xw311/canvasd/tools"
)

type State string

const (
	StateIdle       State = "idle"
	StateReserving  State = "reserving"
	StateLooping    State = "looping"
	StateResponding State = "responding"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

const (
	startedMessage   = "Processing your request..."
	completedMessage = "Task completed successfully"
	defaultAnswer    = "Task completed."
)

// Request is one instruction against a canvas.
type Request struct {
	SubjectID   string
	CanvasID    string
	Query       string
	ThreadID    string
	RequestedAt time.Time
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Gate    *ledger.Gate
	Port    document.Port
	Engine  *tools.Engine
	Client  llm.LLMClient
	Threads *session.Threads
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Orchestrator runs the model and tool loop for instruction requests.
type Orchestrator struct {
	Deps
	cfg config.AgentConfig
}

func New(cfg config.AgentConfig, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	return &Orchestrator{Deps: deps, cfg: cfg}
}

// Admit checks the request, confirms subject owns the canvas and reserves
// the request's credit. Failures here happen before any event is streamed,
// so callers can answer them with a plain status code.
func (o *Orchestrator) Admit(ctx context.Context, req Request) (*Run, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, errors.E(errors.InvalidInput, "Query is required")
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = o.Clock.Now()
	}
	run := &Run{
		o:      o,
		req:    req,
		id:     uuid.NewString(),
		state:  StateIdle,
		logger: o.Logger,
	}
	run.logger = o.Logger.With("request_id", run.id, "subject", req.SubjectID, "canvas_id", req.CanvasID)

	snap, err := document.CheckOwner(ctx, o.Port, req.CanvasID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	run.title = snap.Title

	run.setState(StateReserving)
	res, err := o.Gate.Admit(ctx, req.SubjectID)
	if err != nil {
		run.setState(StateFailed)
		return nil, err
	}
	run.reservation = res
	return run, nil
}

// Run is one admitted request. Execute or Collect drives it to a terminal
// state; Abandon releases it without running.
type Run struct {
	o           *Orchestrator
	req         Request
	id          string
	title       string
	reservation *ledger.Reservation
	logger      *slog.Logger
	approve     func(session.ToolCall) bool

	mu         sync.Mutex
	state      State
	transcript session.Transcript
	started    bool
}

func (r *Run) ID() string { return r.id }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Calls returns the tool call records of the run so far.
func (r *Run) Calls() []session.ToolCallRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.ToolCallRecord, 0, len(r.transcript.Calls))
	for _, c := range r.transcript.Calls {
		out = append(out, *c)
	}
	return out
}

// SetApprover installs a check consulted before every tool call. A
// declined call is reported to the model as a failed result.
func (r *Run) SetApprover(approve func(session.ToolCall) bool) { r.approve = approve }

func (r *Run) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.logger.Debug("run state", "from", prev, "to", s)
}

// Abandon refunds a run that will never execute.
func (r *Run) Abandon(ctx context.Context) {
	r.mu.Lock()
	started := r.started
	r.started = true
	r.mu.Unlock()
	if started {
		return
	}
	r.setState(StateFailed)
	r.refund(ctx, errors.E(errors.Cancelled, "request abandoned"))
}

// Collect runs the request and returns only the final answer.
func (r *Run) Collect(ctx context.Context) (string, error) {
	return r.Execute(ctx, func(stream.Event) {})
}

// Execute runs the model and tool loop, reporting progress to emit. emit
// sees started first and exactly one terminal event last. The credit is
// kept on success and refunded exactly once on failure.
func (r *Run) Execute(ctx context.Context, emit func(stream.Event)) (answer string, err error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return "", errors.E(errors.InvalidInput, "run already executed")
	}
	r.started = true
	r.mu.Unlock()

	if r.o.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.o.cfg.RequestTimeout)
		defer cancel()
	}

	terminal := false
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", fmt.Sprint(p), "terminal_sent", terminal)
			if terminal {
				return
			}
			answer, err = "", errors.E(errors.Internal, "unexpected failure")
		}
		if err != nil {
			r.fail(ctx, emit, err)
		}
	}()

	r.setState(StateLooping)
	emit(stream.NewStarted(startedMessage))
	r.logger.Info("run started", "query_chars", len(r.req.Query), "thread_id", r.req.ThreadID)

	answer, err = r.loop(ctx, emit)
	if err != nil {
		return "", err
	}

	r.setState(StateResponding)
	emit(stream.NewResponse(answer))
	r.reservation.Commit()
	if r.o.Threads != nil {
		r.o.Threads.Append(r.req.ThreadID, r.req.SubjectID, session.User(r.req.Query), session.Message{Role: "assistant", Content: answer})
	}
	r.setState(StateCompleted)
	terminal = true
	emit(stream.NewCompleted(completedMessage, r.req.CanvasID))
	r.logger.Info("run completed", "tool_calls", len(r.Calls()))
	return answer, nil
}

func (r *Run) loop(ctx context.Context, emit func(stream.Event)) (string, error) {
	r.mu.Lock()
	r.transcript.AddMessage(session.System(systemPrompt(r.title, r.o.Engine.Tools())))
	if r.o.Threads != nil {
		for _, m := range r.o.Threads.Load(r.req.ThreadID, r.req.SubjectID) {
			r.transcript.AddMessage(m)
		}
	}
	r.transcript.AddMessage(session.User(r.req.Query))
	r.mu.Unlock()

	executed := 0
	partial := ""
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := r.step(ctx)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.transcript.AddMessage(*resp)
		r.mu.Unlock()
		if resp.Content != "" {
			partial = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			if resp.Content == "" {
				return defaultAnswer, nil
			}
			return resp.Content, nil
		}

		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			if executed >= r.o.cfg.MaxIterations {
				r.logger.Warn("tool call limit reached", "limit", r.o.cfg.MaxIterations)
				if partial == "" {
					partial = defaultAnswer
				}
				return partial, nil
			}
			if call.ToolCallID == "" {
				call.ToolCallID = uuid.NewString()
			}
			if err := r.call(ctx, emit, call); err != nil {
				return "", err
			}
			executed++
		}
	}
}

// step asks the model for its next move within the step timeout.
func (r *Run) step(ctx context.Context) (*session.Message, error) {
	stepCtx := ctx
	if r.o.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, r.o.cfg.StepTimeout)
		defer cancel()
	}
	r.mu.Lock()
	msgs := append([]session.Message(nil), r.transcript.Messages...)
	r.mu.Unlock()

	resp, err := r.o.Client.Chat(stepCtx, msgs, r.o.Engine.Tools())
	switch {
	case err == nil && resp == nil:
		return nil, errors.E(errors.Model, "The model returned no answer")
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case stepCtx.Err() != nil:
		return nil, errors.WrapKind(errors.Timeout, stepCtx.Err(), "The model did not answer in time")
	case errors.KindOf(err) == errors.Internal:
		return nil, errors.WrapKind(errors.Model, err, "The model request failed")
	}
	return nil, err
}

// call executes one tool call. The tool runs to completion even if ctx is
// cancelled meanwhile, so its document transaction is never torn, but its
// result is then dropped and the run fails.
func (r *Run) call(ctx context.Context, emit func(stream.Event), call session.ToolCall) error {
	emit(stream.NewToolCall(call.ToolCallID, call.Name, call.Args))
	r.mu.Lock()
	rec := r.transcript.StartCall(call)
	r.mu.Unlock()

	var res tools.Result
	if r.approve != nil && !r.approve(call) {
		res = tools.Result{Message: fmt.Sprintf("Tool '%s' was declined by the user", call.Name)}
	} else {
		res = r.o.Engine.Execute(context.WithoutCancel(ctx), r.req.CanvasID, call)
	}
	if err := ctx.Err(); err != nil {
		r.logger.Info("discarding tool result after cancellation", "tool", call.Name)
		return err
	}

	content := res.String()
	r.mu.Lock()
	rec.Finish(res.Success, content)
	r.transcript.AddMessage(session.ToolResult(call, content))
	r.mu.Unlock()
	r.logger.Info("tool call finished", "tool", call.Name, "success", res.Success)
	emit(stream.NewToolResult(call.ToolCallID, call.Name, content, res.Success, res.Message))
	return nil
}

func (r *Run) fail(ctx context.Context, emit func(stream.Event), err error) {
	r.setState(StateFailed)
	r.logger.Warn("run failed", "kind", errors.KindOf(err).String(), "error", err)
	r.refund(ctx, err)
	emit(stream.NewError(err))
}

func (r *Run) refund(ctx context.Context, cause error) {
	if r.reservation == nil {
		return
	}
	ok, err := r.reservation.Refund(ctx)
	if ok && err == nil {
		r.logger.Info("credit refunded", "amount", r.reservation.Amount, "cause", errors.KindOf(cause).String())
	}
}
