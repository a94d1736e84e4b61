package patch

import (
	"regexp"
	"strings"
	"sync"

	"github.com/m4xw311/canvasd/document"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

var (
	markdownOnce   sync.Once
	markdownParser goldmark.Markdown
)

func parser() goldmark.Markdown {
	markdownOnce.Do(func() {
		markdownParser = goldmark.New(goldmark.WithExtensions(extension.GFM))
	})
	return markdownParser
}

// markdownPatterns are the structural cues that make a model reply worth
// parsing as markdown rather than inserting verbatim.
var markdownPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^#{1,6}\s+\S`),
	regexp.MustCompile(`(?m)^\s*[-*+]\s+\S`),
	regexp.MustCompile(`(?m)^\s*\d+[.)]\s+\S`),
	regexp.MustCompile(`\*\*[^*\n]+\*\*|__[^_\n]+__`),
	regexp.MustCompile(`(^|[^*\w])\*[^*\s][^*\n]*\*`),
	regexp.MustCompile(`~~[^~\n]+~~`),
	regexp.MustCompile("`[^`\n]+`"),
	regexp.MustCompile(`\[[^\]\n]+\]\([^)\s]+\)`),
	regexp.MustCompile(`(?m)^>\s?\S`),
	regexp.MustCompile("(?m)^(```|~~~)"),
	regexp.MustCompile(`(?m)^\s*(-{3,}|\*{3,}|_{3,})\s*$`),
}

// IsMarkdown reports whether s carries structural markdown.
func IsMarkdown(s string) bool {
	for _, re := range markdownPatterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Normalize trims s and unwraps a single fenced block that encloses the
// whole payload, which models often add around their answer.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	first := strings.TrimSpace(lines[0])
	last := strings.TrimSpace(lines[len(lines)-1])
	fence := ""
	switch {
	case strings.HasPrefix(first, "```"):
		fence = "```"
	case strings.HasPrefix(first, "~~~"):
		fence = "~~~"
	default:
		return s
	}
	if last != fence {
		return s
	}
	inner := lines[1 : len(lines)-1]
	for _, l := range inner {
		if strings.HasPrefix(strings.TrimSpace(l), fence) {
			return s
		}
	}
	return strings.TrimSpace(strings.Join(inner, "\n"))
}

// Fragment turns a model reply into document content: structural markdown
// becomes blocks, anything else is a single inline text run.
func Fragment(raw string) []*document.Node {
	s := Normalize(raw)
	if s == "" {
		return nil
	}
	if !IsMarkdown(s) {
		return []*document.Node{document.Text(s)}
	}
	return Convert(s)
}

// Convert parses GFM markdown into document blocks.
func Convert(src string) []*document.Node {
	source := []byte(src)
	root := parser().Parser().Parse(text.NewReader(source))
	c := converter{source: source}
	return c.blocks(root)
}

type converter struct {
	source []byte
}

func (c converter) blocks(parent ast.Node) []*document.Node {
	var out []*document.Node
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		if b := c.block(n); b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (c converter) block(n ast.Node) *document.Node {
	switch n := n.(type) {
	case *ast.Heading:
		return &document.Node{
			Type:    document.TypeHeading,
			Attrs:   map[string]any{"level": document.ClampLevel(n.Level)},
			Content: c.inlines(n, nil),
		}
	case *ast.Paragraph, *ast.TextBlock:
		return &document.Node{Type: document.TypeParagraph, Content: c.inlines(n, nil)}
	case *ast.List:
		return c.list(n)
	case *ast.Blockquote:
		return &document.Node{Type: document.TypeBlockquote, Content: c.blocks(n)}
	case *ast.FencedCodeBlock:
		return document.CodeBlock(c.lines(n), string(n.Language(c.source)))
	case *ast.CodeBlock:
		return document.CodeBlock(c.lines(n), "")
	case *ast.ThematicBreak:
		return &document.Node{Type: document.TypeHorizontalRule}
	case *ast.HTMLBlock:
		return document.Paragraph(strings.TrimSpace(c.lines(n)))
	}
	return nil
}

func (c converter) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(c.source))
	}
	return strings.TrimRight(b.String(), "\n")
}

// list maps a goldmark list onto bulletList, orderedList or, when its items
// start with a checkbox, taskList.
func (c converter) list(n *ast.List) *document.Node {
	out := &document.Node{Type: document.TypeBulletList}
	if n.IsOrdered() {
		out.Type = document.TypeOrderedList
		if n.Start > 1 {
			out.Attrs = map[string]any{"start": n.Start}
		}
	}
	if isTaskList(n) {
		out = &document.Node{Type: document.TypeTaskList}
	}
	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		content := c.blocks(item)
		if len(content) == 0 {
			content = []*document.Node{{Type: document.TypeParagraph}}
		}
		if out.Type == document.TypeTaskList {
			out.Content = append(out.Content, &document.Node{
				Type:    document.TypeTaskItem,
				Attrs:   map[string]any{"checked": checked(item)},
				Content: content,
			})
			continue
		}
		out.Content = append(out.Content, &document.Node{Type: document.TypeListItem, Content: content})
	}
	return out
}

func checkbox(item ast.Node) *extast.TaskCheckBox {
	first := item.FirstChild()
	if first == nil {
		return nil
	}
	box, _ := first.FirstChild().(*extast.TaskCheckBox)
	return box
}

func isTaskList(n *ast.List) bool {
	for item := n.FirstChild(); item != nil; item = item.NextSibling() {
		if checkbox(item) == nil {
			return false
		}
	}
	return n.FirstChild() != nil
}

func checked(item ast.Node) bool {
	box := checkbox(item)
	return box != nil && box.IsChecked
}

func withMark(marks []document.Mark, m document.Mark) []document.Mark {
	out := make([]document.Mark, 0, len(marks)+1)
	out = append(out, marks...)
	return append(out, m)
}

func (c converter) inlines(parent ast.Node, marks []document.Mark) []*document.Node {
	var out []*document.Node
	for n := parent.FirstChild(); n != nil; n = n.NextSibling() {
		out = append(out, c.inline(n, marks)...)
	}
	return document.MergeText(out)
}

func (c converter) inline(n ast.Node, marks []document.Mark) []*document.Node {
	switch n := n.(type) {
	case *ast.Text:
		out := []*document.Node{document.Text(string(n.Segment.Value(c.source)), marks...)}
		switch {
		case n.HardLineBreak():
			out = append(out, &document.Node{Type: document.TypeHardBreak})
		case n.SoftLineBreak():
			out = append(out, document.Text(" ", marks...))
		}
		return out
	case *ast.String:
		return []*document.Node{document.Text(string(n.Value), marks...)}
	case *ast.Emphasis:
		m := document.Mark{Type: document.MarkItalic}
		if n.Level >= 2 {
			m = document.Mark{Type: document.MarkBold}
		}
		return c.inlines(n, withMark(marks, m))
	case *extast.Strikethrough:
		return c.inlines(n, withMark(marks, document.Mark{Type: document.MarkStrike}))
	case *ast.CodeSpan:
		var b strings.Builder
		for child := n.FirstChild(); child != nil; child = child.NextSibling() {
			switch t := child.(type) {
			case *ast.Text:
				b.Write(t.Segment.Value(c.source))
			case *ast.String:
				b.Write(t.Value)
			}
		}
		return []*document.Node{document.Text(b.String(), withMark(marks, document.Mark{Type: document.MarkCode})...)}
	case *ast.Link:
		link := document.Mark{Type: document.MarkLink, Attrs: map[string]any{"href": string(n.Destination)}}
		return c.inlines(n, withMark(marks, link))
	case *ast.AutoLink:
		url := string(n.URL(c.source))
		link := document.Mark{Type: document.MarkLink, Attrs: map[string]any{"href": url}}
		return []*document.Node{document.Text(string(n.Label(c.source)), withMark(marks, link)...)}
	case *ast.Image:
		return c.inlines(n, marks)
	case *ast.RawHTML:
		var b strings.Builder
		for i := 0; i < n.Segments.Len(); i++ {
			seg := n.Segments.At(i)
			b.Write(seg.Value(c.source))
		}
		return []*document.Node{document.Text(b.String(), marks...)}
	case *extast.TaskCheckBox:
		return nil
	}
	return c.inlines(n, marks)
}
