package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/patch"
)

// InstructionRequest asks for text generated from an instruction or, with
// SelectedText set, a rewrite of the selection. With Apply set the result
// replaces Range on the canvas.
type InstructionRequest struct {
	SubjectID    string
	CanvasID     string
	Instruction  string
	SelectedText string
	Action       string
	Range        *document.Range
	Anchor       *patch.Anchor
	Apply        bool
}

type InstructionResult struct {
	Text             string          `json:"text"`
	CreditsRemaining int64           `json:"credits_remaining"`
	AppliedRange     *document.Range `json:"applied_range,omitempty"`
	HighlightID      string          `json:"highlight_id,omitempty"`
}

// Instructor answers single-shot writing requests: one credit, one model
// call, and optionally one patch.
type Instructor struct {
	Gate    *ledger.Gate
	Port    document.Port
	Client  llm.LLMClient
	Applier *patch.Applier
	Timeout time.Duration
	Logger  *slog.Logger
}

// ExecuteInstruction generates content for req.Instruction.
func (in *Instructor) ExecuteInstruction(ctx context.Context, req InstructionRequest) (*InstructionResult, error) {
	if strings.TrimSpace(req.Instruction) == "" {
		return nil, errors.E(errors.InvalidInput, "Instruction is required")
	}
	return in.run(ctx, req, func(title string) string {
		return instructionPrompt(title, req.Instruction)
	})
}

// ImproveText rewrites req.SelectedText according to req.Action.
func (in *Instructor) ImproveText(ctx context.Context, req InstructionRequest) (*InstructionResult, error) {
	if strings.TrimSpace(req.SelectedText) == "" {
		return nil, errors.E(errors.InvalidInput, "Selected text is required")
	}
	return in.run(ctx, req, func(title string) string {
		return improvePrompt(title, req.SelectedText, req.Action)
	})
}

func (in *Instructor) logger() *slog.Logger {
	if in.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return in.Logger
}

func (in *Instructor) run(ctx context.Context, req InstructionRequest, prompt func(title string) string) (*InstructionResult, error) {
	logger := in.logger().With("subject", req.SubjectID, "canvas_id", req.CanvasID)
	if req.Apply && req.Range == nil {
		return nil, errors.E(errors.InvalidInput, "A range is required to apply the result")
	}
	if req.Apply && in.Applier == nil {
		return nil, errors.E(errors.InvalidInput, "Applying results is not enabled")
	}

	snap, err := document.CheckOwner(ctx, in.Port, req.CanvasID, req.SubjectID)
	if err != nil {
		return nil, err
	}
	res, err := in.Gate.Admit(ctx, req.SubjectID)
	if err != nil {
		return nil, err
	}

	out, err := in.generate(ctx, req, snap.Title, prompt)
	if err != nil {
		if _, rerr := res.Refund(ctx); rerr == nil {
			logger.Info("credit refunded", "kind", errors.KindOf(err).String())
		}
		logger.Warn("instruction failed", "error", err)
		return nil, err
	}
	res.Commit()

	balance, err := in.Gate.Ledger.Balance(ctx, req.SubjectID)
	if err != nil {
		logger.Warn("failed to read balance", "error", err)
		balance = res.Remaining
	}
	out.CreditsRemaining = balance
	logger.Info("instruction completed", "chars", len(out.Text), "applied", out.AppliedRange != nil)
	return out, nil
}

func (in *Instructor) generate(ctx context.Context, req InstructionRequest, title string, prompt func(string) string) (*InstructionResult, error) {
	genCtx := ctx
	if in.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, in.Timeout)
		defer cancel()
	}
	text, err := llm.Complete(genCtx, in.Client, "", prompt(title))
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case genCtx.Err() != nil:
		return nil, errors.WrapKind(errors.Timeout, genCtx.Err(), "The model did not answer in time")
	case errors.KindOf(err) == errors.Internal:
		return nil, errors.WrapKind(errors.Model, err, "The model request failed")
	default:
		return nil, err
	}
	if text == "" {
		return nil, errors.E(errors.Model, "The model returned an empty answer")
	}

	out := &InstructionResult{Text: text}
	if !req.Apply {
		return out, nil
	}
	applied, err := in.Applier.Apply(ctx, req.CanvasID, *req.Range, req.Anchor, text)
	if err != nil {
		return nil, err
	}
	out.AppliedRange = &applied.Range
	out.HighlightID = applied.HighlightID
	return out, nil
}
