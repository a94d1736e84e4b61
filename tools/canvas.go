package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
)

// maxLocations caps the match locations a search reports.
const maxLocations = 10

// CanvasTools returns the closed set of document tools.
func CanvasTools() []Tool {
	return []Tool{
		&GetCanvasTextTool{},
		&SearchCanvasTool{},
		&ReplaceTextTool{},
		&AddSectionTool{},
		&AddBulletListTool{},
		&AddTaskListTool{},
		&AddCodeBlockTool{},
	}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func boolean(desc string) map[string]any { return map[string]any{"type": "boolean", "description": desc} }

func list(desc string) map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": desc}
}

var positionSchema = map[string]any{
	"type":        "string",
	"enum":        []string{"start", "end"},
	"description": "Where to add the content: 'start' or 'end' of the canvas (default: end)",
}

// insert places blocks at the start or end of the document.
func insert(doc *document.Node, at position, blocks ...*document.Node) {
	if at == atStart {
		doc.Content = append(append([]*document.Node{}, blocks...), doc.Content...)
		return
	}
	doc.Content = append(doc.Content, blocks...)
}

type GetCanvasTextTool struct{}

func (t *GetCanvasTextTool) Name() string { return "get_canvas_text" }

func (t *GetCanvasTextTool) Description() string {
	return "Read the full text content of the canvas. Use this first to understand what the document contains before making changes."
}

func (t *GetCanvasTextTool) Schema() map[string]any { return object(nil, map[string]any{}) }

func (t *GetCanvasTextTool) Execute(ctx context.Context, c Canvas, _ map[string]interface{}) (Result, error) {
	snap, err := c.Read(ctx)
	if err != nil {
		return Result{}, err
	}
	text := document.ExtractText(snap.Doc)
	msg := "Canvas content retrieved"
	if text == "" {
		msg = "The canvas is empty"
	}
	return Result{Success: true, Message: msg, Data: map[string]any{
		"title":      snap.Title,
		"text":       text,
		"characters": utf8.RuneCountInString(text),
		"version":    snap.Version,
	}}, nil
}

type SearchCanvasTool struct{}

func (t *SearchCanvasTool) Name() string { return "search_canvas" }

func (t *SearchCanvasTool) Description() string {
	return "Search for text in the canvas. Returns the number of matches and where they occur. Use this to verify text exists before replacing it."
}

func (t *SearchCanvasTool) Schema() map[string]any {
	return object([]string{"query"}, map[string]any{
		"query":          str("The text (or pattern, when regex is true) to search for"),
		"case_sensitive": boolean("Whether the search is case-sensitive (default: false)"),
		"regex":          boolean("Treat query as a regular expression (default: false)"),
	})
}

func (t *SearchCanvasTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	query, err := stringArg(args, "query", true)
	if err != nil {
		return Result{}, err
	}
	caseSensitive, err := boolArg(args, "case_sensitive", false)
	if err != nil {
		return Result{}, err
	}
	useRegex, err := boolArg(args, "regex", false)
	if err != nil {
		return Result{}, err
	}

	re := document.Matcher(query, caseSensitive)
	if useRegex {
		expr := query
		if !caseSensitive {
			expr = "(?i)" + expr
		}
		if re, err = regexp.Compile(expr); err != nil {
			return Result{}, errors.E(errors.InvalidInput, "invalid pattern: %v", err)
		}
	}

	snap, err := c.Read(ctx)
	if err != nil {
		return Result{}, err
	}
	matches := document.FindPattern(snap.Doc, re)
	locations := make([]map[string]any, 0, min(len(matches), maxLocations))
	for _, m := range matches[:min(len(matches), maxLocations)] {
		locations = append(locations, map[string]any{"text": m.Text, "from": m.From, "to": m.To})
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Found %d occurrence(s) of '%s'", len(matches), query),
		Data: map[string]any{
			"query":       query,
			"match_count": len(matches),
			"locations":   locations,
			"truncated":   len(matches) > maxLocations,
		},
	}, nil
}

// errNothingReplaced aborts a mutation that matched nothing so the
// document version does not move.
var errNothingReplaced = errors.E(errors.NotFound, "no occurrences")

type ReplaceTextTool struct{}

func (t *ReplaceTextTool) Name() string { return "replace_text" }

func (t *ReplaceTextTool) Description() string {
	return "Find and replace text in the canvas. Replaces all occurrences unless scope is 'first'. Reports how many replacements were made."
}

func (t *ReplaceTextTool) Schema() map[string]any {
	return object([]string{"old_text", "new_text"}, map[string]any{
		"old_text":       str("The exact text to find"),
		"new_text":       str("The text to replace it with"),
		"case_sensitive": boolean("Whether matching is case-sensitive (default: false)"),
		"scope": map[string]any{
			"type":        "string",
			"enum":        []string{"all", "first"},
			"description": "Replace every occurrence ('all', default) or only the first",
		},
	})
}

func (t *ReplaceTextTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	oldText, err := stringArg(args, "old_text", true)
	if err != nil {
		return Result{}, err
	}
	newText, err := stringArg(args, "new_text", false)
	if err != nil {
		return Result{}, err
	}
	if _, ok := args["new_text"]; !ok {
		return Result{}, errors.E(errors.InvalidInput, "missing required argument 'new_text'")
	}
	caseSensitive, err := boolArg(args, "case_sensitive", false)
	if err != nil {
		return Result{}, err
	}
	scope, err := stringArg(args, "scope", false)
	if err != nil {
		return Result{}, err
	}
	if scope != "" && scope != "all" && scope != "first" {
		return Result{}, errors.E(errors.InvalidInput, "scope must be 'all' or 'first'")
	}

	count := 0
	snap, err := c.Mutate(ctx, func(doc *document.Node) error {
		count = document.Replace(doc, oldText, newText, caseSensitive, scope == "first")
		if count == 0 {
			return errNothingReplaced
		}
		return nil
	})
	if errors.Is(err, errNothingReplaced) {
		return Result{
			Success: true,
			Message: fmt.Sprintf("No occurrences of '%s' found; nothing was replaced", oldText),
			Data:    map[string]any{"replacements_made": 0, "old_text": oldText},
		}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Replaced %d occurrence(s) of '%s' with '%s'", count, oldText, newText),
		Data: map[string]any{
			"replacements_made": count,
			"old_text":          oldText,
			"new_text":          newText,
			"version":           snap.Version,
		},
	}, nil
}

func mutateInsert(ctx context.Context, c Canvas, at position, blocks ...*document.Node) (*document.Snapshot, error) {
	return c.Mutate(ctx, func(doc *document.Node) error {
		insert(doc, at, blocks...)
		return nil
	})
}

type AddSectionTool struct{}

func (t *AddSectionTool) Name() string { return "add_section" }

func (t *AddSectionTool) Description() string {
	return "Add a new section with a heading and paragraphs at the start or end of the canvas."
}

func (t *AddSectionTool) Schema() map[string]any {
	return object([]string{"heading", "paragraphs"}, map[string]any{
		"heading":    str("The heading text"),
		"paragraphs": list("Paragraphs to add under the heading"),
		"position":   positionSchema,
		"heading_level": map[string]any{
			"type":        "integer",
			"minimum":     1,
			"maximum":     6,
			"description": "Heading size 1-6, where 1 is largest (default: 2)",
		},
	})
}

func (t *AddSectionTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	heading, err := stringArg(args, "heading", true)
	if err != nil {
		return Result{}, err
	}
	var paragraphs []string
	if _, ok := args["paragraphs"]; ok {
		if paragraphs, err = stringsArg(args, "paragraphs"); err != nil {
			return Result{}, err
		}
	}
	at, err := positionArg(args)
	if err != nil {
		return Result{}, err
	}
	level, err := intArg(args, "heading_level", 2)
	if err != nil {
		return Result{}, err
	}
	level = document.ClampLevel(level)

	blocks := []*document.Node{document.Heading(heading, level)}
	for _, p := range paragraphs {
		blocks = append(blocks, document.Paragraph(p))
	}
	snap, err := mutateInsert(ctx, c, at, blocks...)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Added section '%s' with %d paragraph(s) at the %s of the canvas", heading, len(paragraphs), at),
		Data:    map[string]any{"heading": heading, "heading_level": level, "paragraphs": len(paragraphs), "version": snap.Version},
	}, nil
}

type AddBulletListTool struct{}

func (t *AddBulletListTool) Name() string { return "add_bullet_list" }

func (t *AddBulletListTool) Description() string {
	return "Add a bulleted list at the start or end of the canvas."
}

func (t *AddBulletListTool) Schema() map[string]any {
	return object([]string{"items"}, map[string]any{
		"items":    list("The list items"),
		"position": positionSchema,
	})
}

func (t *AddBulletListTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	items, err := stringsArg(args, "items")
	if err != nil {
		return Result{}, err
	}
	at, err := positionArg(args)
	if err != nil {
		return Result{}, err
	}
	snap, err := mutateInsert(ctx, c, at, document.BulletList(items...))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Added bullet list with %d item(s) at the %s of the canvas", len(items), at),
		Data:    map[string]any{"items": len(items), "version": snap.Version},
	}, nil
}

type AddTaskListTool struct{}

func (t *AddTaskListTool) Name() string { return "add_task_list" }

func (t *AddTaskListTool) Description() string {
	return "Add a checklist of unchecked tasks at the start or end of the canvas."
}

func (t *AddTaskListTool) Schema() map[string]any {
	return object([]string{"tasks"}, map[string]any{
		"tasks":    list("The tasks, each added unchecked"),
		"position": positionSchema,
	})
}

func (t *AddTaskListTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	tasks, err := stringsArg(args, "tasks")
	if err != nil {
		return Result{}, err
	}
	at, err := positionArg(args)
	if err != nil {
		return Result{}, err
	}
	snap, err := mutateInsert(ctx, c, at, document.TaskList(tasks...))
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Added task list with %d task(s) at the %s of the canvas", len(tasks), at),
		Data:    map[string]any{"tasks": len(tasks), "version": snap.Version},
	}, nil
}

type AddCodeBlockTool struct{}

func (t *AddCodeBlockTool) Name() string { return "add_code_block" }

func (t *AddCodeBlockTool) Description() string {
	return "Add a code block, optionally tagged with its language, at the start or end of the canvas."
}

func (t *AddCodeBlockTool) Schema() map[string]any {
	return object([]string{"code"}, map[string]any{
		"code":     str("The code"),
		"language": str("Language for syntax highlighting, e.g. 'python'"),
		"position": positionSchema,
	})
}

func (t *AddCodeBlockTool) Execute(ctx context.Context, c Canvas, args map[string]interface{}) (Result, error) {
	code, err := stringArg(args, "code", true)
	if err != nil {
		return Result{}, err
	}
	language, err := stringArg(args, "language", false)
	if err != nil {
		return Result{}, err
	}
	at, err := positionArg(args)
	if err != nil {
		return Result{}, err
	}
	snap, err := mutateInsert(ctx, c, at, document.CodeBlock(code, language))
	if err != nil {
		return Result{}, err
	}
	msg := fmt.Sprintf("Added code block at the %s of the canvas", at)
	if language != "" {
		msg = fmt.Sprintf("Added %s code block at the %s of the canvas", language, at)
	}
	return Result{
		Success: true,
		Message: msg,
		Data:    map[string]any{"language": language, "lines": strings.Count(code, "\n") + 1, "version": snap.Version},
	}, nil
}
