package tools

import (
	"context"
	"strings"
	"testing"

	"github.com/m4xw311/canvasd/config"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, doc *document.Node) (*Engine, *document.Store) {
	t.Helper()
	store := document.NewStore(document.NewMemoryPersister(), nil)
	_, err := store.Create(context.Background(), &document.Snapshot{CanvasID: "c1", OwnerID: "u1", Title: "Draft", Doc: doc})
	require.NoError(t, err)
	return NewEngine(store, NewToolRegistry().All(), nil), store
}

func call(name string, args map[string]interface{}) session.ToolCall {
	return session.ToolCall{ToolCallID: "call-1", Name: name, Args: args}
}

func TestGetCanvasText(t *testing.T) {
	engine, _ := newEngine(t, document.NewDoc(document.Paragraph("Hello"), document.Paragraph("World")))
	res := engine.Execute(context.Background(), "c1", call("get_canvas_text", nil))
	require.True(t, res.Success)
	assert.Equal(t, "Hello\nWorld", res.Data["text"])
	assert.Equal(t, "Draft", res.Data["title"])
}

func TestSearchCanvasTruncates(t *testing.T) {
	engine, _ := newEngine(t, document.NewDoc(document.Paragraph(strings.Repeat("ab ", 12))))
	res := engine.Execute(context.Background(), "c1", call("search_canvas", map[string]interface{}{"query": "AB"}))
	require.True(t, res.Success)
	assert.Equal(t, 12, res.Data["match_count"])
	assert.Equal(t, true, res.Data["truncated"])
	assert.Len(t, res.Data["locations"], 10)
	assert.Equal(t, "Found 12 occurrence(s) of 'AB'", res.Message)

	res = engine.Execute(context.Background(), "c1", call("search_canvas", map[string]interface{}{"query": "AB", "case_sensitive": true}))
	assert.Equal(t, 0, res.Data["match_count"])
}

func TestSearchCanvasRegex(t *testing.T) {
	engine, _ := newEngine(t, document.NewDoc(document.Paragraph("v1 and v22")))
	res := engine.Execute(context.Background(), "c1", call("search_canvas", map[string]interface{}{"query": `v\d+`, "regex": true}))
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data["match_count"])

	res = engine.Execute(context.Background(), "c1", call("search_canvas", map[string]interface{}{"query": "(", "regex": true}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "invalid pattern")
}

func TestReplaceTextDraftToFinal(t *testing.T) {
	engine, store := newEngine(t, document.NewDoc(document.Paragraph("This is a draft. The draft is long.")))
	res := engine.Execute(context.Background(), "c1", call("replace_text", map[string]interface{}{"old_text": "draft", "new_text": "final"}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 2, res.Data["replacements_made"])

	snap, err := store.Read(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "This is a final. The final is long.", document.ExtractText(snap.Doc))
	assert.Equal(t, int64(2), snap.Version)
}

func TestReplaceTextNotFoundIsStructured(t *testing.T) {
	engine, store := newEngine(t, document.NewDoc(document.Paragraph("nothing here")))
	res := engine.Execute(context.Background(), "c1", call("replace_text", map[string]interface{}{"old_text": "draft", "new_text": "final"}))
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Data["replacements_made"])
	assert.Contains(t, res.Message, "No occurrences of 'draft'")

	snap, err := store.Read(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
}

func TestReplaceTextFirstScope(t *testing.T) {
	engine, store := newEngine(t, document.NewDoc(document.Paragraph("a a a")))
	res := engine.Execute(context.Background(), "c1", call("replace_text", map[string]interface{}{"old_text": "a", "new_text": "b", "scope": "first"}))
	require.True(t, res.Success)
	snap, _ := store.Read(context.Background(), "c1")
	assert.Equal(t, "b a a", document.ExtractText(snap.Doc))
}

func TestAddSectionAtStart(t *testing.T) {
	engine, store := newEngine(t, document.NewDoc(document.Paragraph("body")))
	res := engine.Execute(context.Background(), "c1", call("add_section", map[string]interface{}{
		"heading":       "Intro",
		"paragraphs":    []interface{}{"one", "two"},
		"position":      "start",
		"heading_level": float64(9),
	}))
	require.True(t, res.Success, res.Message)
	assert.Equal(t, 6, res.Data["heading_level"])

	snap, _ := store.Read(context.Background(), "c1")
	assert.Equal(t, "Intro\none\ntwo\nbody", document.ExtractText(snap.Doc))
	assert.Equal(t, document.TypeHeading, snap.Doc.Content[0].Type)
}

func TestAddListsAndCode(t *testing.T) {
	engine, store := newEngine(t, document.NewDoc())
	ctx := context.Background()

	require.True(t, engine.Execute(ctx, "c1", call("add_bullet_list", map[string]interface{}{"items": []interface{}{"x", "y"}})).Success)
	require.True(t, engine.Execute(ctx, "c1", call("add_task_list", map[string]interface{}{"tasks": []interface{}{"buy milk"}})).Success)
	res := engine.Execute(ctx, "c1", call("add_code_block", map[string]interface{}{"code": "print(1)\nprint(2)", "language": "python"}))
	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data["lines"])

	snap, _ := store.Read(ctx, "c1")
	require.Len(t, snap.Doc.Content, 3)
	assert.Equal(t, document.TypeBulletList, snap.Doc.Content[0].Type)
	task := snap.Doc.Content[1].Content[0]
	assert.Equal(t, false, task.Attrs["checked"])
	assert.Equal(t, "python", snap.Doc.Content[2].Attrs["language"])
}

func TestEngineFailuresAreResults(t *testing.T) {
	engine, _ := newEngine(t, document.NewDoc())
	ctx := context.Background()

	res := engine.Execute(ctx, "c1", call("delete_everything", nil))
	assert.False(t, res.Success)
	assert.Equal(t, "Error: Unknown tool 'delete_everything'", res.Message)

	res = engine.Execute(ctx, "c1", call("add_bullet_list", map[string]interface{}{"items": "nope"}))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "must be a list of strings")

	res = engine.Execute(ctx, "c1", call("add_section", map[string]interface{}{"heading": "h", "position": "middle"}))
	assert.False(t, res.Success)

	res = engine.Execute(ctx, "missing", call("get_canvas_text", nil))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "Canvas not found")
}

type panicTool struct{ *GetCanvasTextTool }

func (panicTool) Name() string { return "explode" }

func (panicTool) Execute(context.Context, Canvas, map[string]interface{}) (Result, error) {
	panic("kaboom")
}

func TestEngineRecoversPanics(t *testing.T) {
	engine := NewEngine(document.NewStore(document.NewMemoryPersister(), nil), []Tool{panicTool{&GetCanvasTextTool{}}}, nil)
	res := engine.Execute(context.Background(), "c1", call("explode", nil))
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "failed unexpectedly")
}

func TestGetActiveToolsGlob(t *testing.T) {
	registry := NewToolRegistry()

	active, err := registry.GetActiveTools(&config.Toolset{Name: "writers", Tools: []string{"add_*", "add_section"}})
	require.NoError(t, err)
	var names []string
	for _, tool := range active {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"add_bullet_list", "add_code_block", "add_section", "add_task_list"}, names)

	all, err := registry.GetActiveTools(&config.Toolset{Name: "default", Tools: []string{"*"}})
	require.NoError(t, err)
	assert.Len(t, all, 7)

	_, err = registry.GetActiveTools(&config.Toolset{Name: "bad", Tools: []string{"rm_rf"}})
	require.Error(t, err)
}

func TestResultString(t *testing.T) {
	r := Result{Success: true, Message: "ok", Data: map[string]any{"n": 1}}
	assert.JSONEq(t, `{"success":true,"message":"ok","data":{"n":1}}`, r.String())
}
