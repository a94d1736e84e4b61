package terminal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
	"github.com/m4xw311/canvasd/stream"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModePrompt Mode = "prompt"
)

type Verbosity string

const (
	VerbosityNone Verbosity = "none"
	VerbosityInfo Verbosity = "info"
	VerbosityAll  Verbosity = "all"
)

// ParseVerbosity accepts none, info or all; empty means none.
func ParseVerbosity(s string) (Verbosity, error) {
	switch v := Verbosity(strings.ToLower(s)); v {
	case "":
		return VerbosityNone, nil
	case VerbosityNone, VerbosityInfo, VerbosityAll:
		return v, nil
	}
	return "", errors.E(errors.InvalidInput, "unknown tool verbosity '%s'", s)
}

// Terminal drives an orchestrator from line-based input.
type Terminal struct {
	orch      *agent.Orchestrator
	subject   string
	canvasID  string
	threadID  string
	Mode      Mode
	Verbosity Verbosity

	in  *bufio.Scanner
	out io.Writer
}

func New(orch *agent.Orchestrator, subject, canvasID string, in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		orch:      orch,
		subject:   subject,
		canvasID:  canvasID,
		threadID:  uuid.NewString(),
		Mode:      ModeAuto,
		Verbosity: VerbosityNone,
		in:        bufio.NewScanner(in),
		out:       out,
	}
}

// Run processes initialPrompt, if any, then reads instructions until
// /quit, end of input or ctx is done.
func (t *Terminal) Run(ctx context.Context, initialPrompt string) error {
	if initialPrompt != "" {
		t.turn(ctx, initialPrompt)
	}
	for ctx.Err() == nil {
		fmt.Fprint(t.out, "You: ")
		if !t.in.Scan() {
			break
		}
		input := strings.TrimSpace(t.in.Text())
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			break
		}
		t.turn(ctx, input)
	}
	return t.in.Err()
}

// turn runs one instruction. Failures are printed, not returned, so the
// session survives them.
func (t *Terminal) turn(ctx context.Context, query string) {
	run, err := t.orch.Admit(ctx, agent.Request{
		SubjectID: t.subject,
		CanvasID:  t.canvasID,
		Query:     query,
		ThreadID:  t.threadID,
	})
	if err != nil {
		fmt.Fprintf(t.out, "Error: %s\n", errors.Message(err))
		return
	}
	if t.Mode == ModePrompt {
		run.SetApprover(t.approve)
	}
	_, _ = run.Execute(ctx, t.show)
}

func (t *Terminal) approve(call session.ToolCall) bool {
	fmt.Fprint(t.out, "Do you want to allow this? (y/n): ")
	if !t.in.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(t.in.Text()), "y")
}

func (t *Terminal) show(ev stream.Event) {
	switch ev.Event {
	case stream.ToolCall:
		switch t.Verbosity {
		case VerbosityAll:
			args, _ := json.Marshal(ev.ToolArgs)
			fmt.Fprintf(t.out, "Calling tool `%s` with args: %s\n", ev.ToolName, args)
		case VerbosityInfo:
			fmt.Fprintf(t.out, "Calling tool `%s`\n", ev.ToolName)
		default:
			if t.Mode == ModePrompt {
				fmt.Fprintf(t.out, "The agent wants to call tool `%s`\n", ev.ToolName)
			}
		}
	case stream.ToolResult:
		if t.Verbosity == VerbosityAll {
			fmt.Fprintf(t.out, "Tool `%s` output: %s\n", ev.ToolName, ev.Result)
		}
	case stream.Response:
		fmt.Fprintf(t.out, "Canvas: %s\n", ev.Message)
	case stream.Error:
		fmt.Fprintf(t.out, "Error: %s\n", ev.Error)
	}
}
