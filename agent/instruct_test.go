package agent

import (
	"context"
	"testing"
	"time"

	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/ledger"
	"github.com/m4xw311/canvasd/llm"
	"github.com/m4xw311/canvasd/patch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type instructFixture struct {
	store  *document.Store
	ledger *ledger.Ledger
	client *llm.ScriptedClient
	in     *Instructor
}

func newInstructor(t *testing.T, steps ...llm.Step) *instructFixture {
	t.Helper()
	ctx := context.Background()
	f := &instructFixture{
		store:  document.NewStore(document.NewMemoryPersister(), nil),
		ledger: ledger.New(ledger.NewMemory(), nil),
		client: llm.NewScriptedClient(steps...),
	}
	_, err := f.store.Create(ctx, &document.Snapshot{
		CanvasID: "c1",
		OwnerID:  "u1",
		Title:    "Greeting",
		Doc:      document.NewDoc(document.Paragraph("Hello world")),
	})
	require.NoError(t, err)
	_, err = f.ledger.Grant(ctx, "u1", 3)
	require.NoError(t, err)

	hl := patch.NewHighlighter(f.store, clock.NewFake(time.Unix(0, 0)), 5*time.Second, nil)
	f.in = &Instructor{
		Gate:    &ledger.Gate{Ledger: f.ledger, Cost: 1},
		Port:    f.store,
		Client:  f.client,
		Applier: patch.NewApplier(f.store, hl, nil),
	}
	return f
}

func (f *instructFixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	return b
}

func TestExecuteInstruction(t *testing.T) {
	f := newInstructor(t, llm.Reply("  Dear reader,  "))
	out, err := f.in.ExecuteInstruction(context.Background(), InstructionRequest{SubjectID: "u1", CanvasID: "c1", Instruction: "Write an opening line"})
	require.NoError(t, err)
	assert.Equal(t, "Dear reader,", out.Text)
	assert.Equal(t, int64(2), out.CreditsRemaining)
	assert.Nil(t, out.AppliedRange)

	prompt := f.client.Calls()[0][0]
	assert.Equal(t, "user", prompt.Role)
	assert.Contains(t, prompt.Content, "Document Title: Greeting")
	assert.Contains(t, prompt.Content, "Write an opening line")
}

func TestImproveTextFallsBackToImprove(t *testing.T) {
	f := newInstructor(t, llm.Reply("Better words."))
	out, err := f.in.ImproveText(context.Background(), InstructionRequest{SubjectID: "u1", CanvasID: "c1", SelectedText: "bad words", Action: "shout"})
	require.NoError(t, err)
	assert.Equal(t, "Better words.", out.Text)
	assert.Contains(t, f.client.Calls()[0][0].Content, actionPrompts[ActionImprove])
	assert.Contains(t, f.client.Calls()[0][0].Content, `"bad words"`)
}

func TestImproveTextAppliesPatch(t *testing.T) {
	f := newInstructor(t, llm.Reply("everyone"))
	out, err := f.in.ImproveText(context.Background(), InstructionRequest{
		SubjectID:    "u1",
		CanvasID:     "c1",
		SelectedText: "world",
		Action:       ActionExpand,
		Range:        &document.Range{From: 7, To: 12},
		Apply:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, out.AppliedRange)
	assert.Equal(t, document.Range{From: 7, To: 15}, *out.AppliedRange)
	assert.NotEmpty(t, out.HighlightID)

	snap, err := f.store.Read(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Hello everyone", document.ExtractText(snap.Doc))
}

func TestInstructionFailuresRefund(t *testing.T) {
	f := newInstructor(t, llm.Step{Err: errors.New("provider down")}, llm.Reply(""), llm.Reply("text"))
	ctx := context.Background()
	req := InstructionRequest{SubjectID: "u1", CanvasID: "c1", Instruction: "anything"}

	_, err := f.in.ExecuteInstruction(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 502, errors.HTTPStatus(err))
	assert.Equal(t, int64(3), f.balance(t))

	_, err = f.in.ExecuteInstruction(ctx, req)
	require.Error(t, err)
	assert.Equal(t, errors.Model, errors.KindOf(err), "empty answers fail")
	assert.Equal(t, int64(3), f.balance(t))

	stale := &patch.Anchor{Hash: patch.Hash("something else"), Text: "nowhere"}
	req.Range, req.Anchor, req.Apply = &document.Range{From: 1, To: 6}, stale, true
	_, err = f.in.ExecuteInstruction(ctx, req)
	require.Error(t, err)
	assert.Equal(t, 409, errors.HTTPStatus(err))
	assert.Equal(t, int64(3), f.balance(t))
}

func TestInstructionValidation(t *testing.T) {
	f := newInstructor(t)
	ctx := context.Background()

	_, err := f.in.ExecuteInstruction(ctx, InstructionRequest{SubjectID: "u1", CanvasID: "c1"})
	assert.Equal(t, 400, errors.HTTPStatus(err))
	_, err = f.in.ImproveText(ctx, InstructionRequest{SubjectID: "u1", CanvasID: "c1", SelectedText: "x", Apply: true})
	assert.Equal(t, 400, errors.HTTPStatus(err))
	_, err = f.in.ExecuteInstruction(ctx, InstructionRequest{SubjectID: "u2", CanvasID: "c1", Instruction: "x"})
	assert.Equal(t, 404, errors.HTTPStatus(err))
	assert.Empty(t, f.client.Calls())
	assert.Equal(t, int64(3), f.balance(t))
}
