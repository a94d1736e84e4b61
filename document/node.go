// Package document models canvas content as a ProseMirror-compatible node
// tree and provides the Port through which the rest of canvasd reads and
// mutates it.
//
// Positions follow the ProseMirror convention: every non-leaf node
// contributes an opening and a closing token, every character of text one
// position (counted in runes), and every leaf node one position. Position 0
// is the start of the document's content.
package document

import (
	"encoding/json"
	"unicode/utf8"
)

// Node types produced and understood by canvasd.
const (
	TypeDoc            = "doc"
	TypeParagraph      = "paragraph"
	TypeHeading        = "heading"
	TypeBulletList     = "bulletList"
	TypeOrderedList    = "orderedList"
	TypeListItem       = "listItem"
	TypeTaskList       = "taskList"
	TypeTaskItem       = "taskItem"
	TypeCodeBlock      = "codeBlock"
	TypeBlockquote     = "blockquote"
	TypeHorizontalRule = "horizontalRule"
	TypeHardBreak      = "hardBreak"
	TypeText           = "text"
)

// Mark types.
const (
	MarkBold   = "bold"
	MarkItalic = "italic"
	MarkStrike = "strike"
	MarkCode   = "code"
	MarkLink   = "link"

	// MarkHighlight flags AI-authored text while it fades. It is transient:
	// StripTransient removes it before anything is persisted.
	MarkHighlight = "aiHighlight"
)

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// IsText reports whether n is a text node.
func (n *Node) IsText() bool { return n.Type == TypeText }

// IsLeaf reports whether n is an atom occupying a single position.
func (n *Node) IsLeaf() bool {
	switch n.Type {
	case TypeHardBreak, TypeHorizontalRule, "image":
		return true
	}
	return false
}

// IsTextblock reports whether n holds inline content directly.
func (n *Node) IsTextblock() bool {
	switch n.Type {
	case TypeParagraph, TypeHeading, TypeCodeBlock:
		return true
	}
	return false
}

// Size is the number of positions n occupies in its parent.
func (n *Node) Size() int {
	switch {
	case n.IsText():
		return utf8.RuneCountInString(n.Text)
	case n.IsLeaf():
		return 1
	}
	return 2 + n.ContentSize()
}

// ContentSize is the number of positions inside n.
func (n *Node) ContentSize() int {
	size := 0
	for _, c := range n.Content {
		size += c.Size()
	}
	return size
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Type: n.Type, Text: n.Text, Attrs: cloneAttrs(n.Attrs)}
	if len(n.Marks) > 0 {
		out.Marks = cloneMarks(n.Marks)
	}
	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = c.Clone()
		}
	}
	return out
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func cloneMarks(marks []Mark) []Mark {
	if marks == nil {
		return nil
	}
	out := make([]Mark, len(marks))
	for i, m := range marks {
		out[i] = Mark{Type: m.Type, Attrs: cloneAttrs(m.Attrs)}
	}
	return out
}

// Parse decodes a JSON document. An empty payload yields an empty doc.
func Parse(data []byte) (*Node, error) {
	if len(data) == 0 {
		return NewDoc(), nil
	}
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if n.Type == "" {
		n.Type = TypeDoc
	}
	return &n, nil
}

func NewDoc(blocks ...*Node) *Node {
	return &Node{Type: TypeDoc, Content: blocks}
}

// Text returns a text node, or nil for the empty string since empty text
// nodes are not allowed.
func Text(s string, marks ...Mark) *Node {
	if s == "" {
		return nil
	}
	n := &Node{Type: TypeText, Text: s}
	if len(marks) > 0 {
		n.Marks = marks
	}
	return n
}

func inline(s string) []*Node {
	if t := Text(s); t != nil {
		return []*Node{t}
	}
	return nil
}

func Paragraph(s string) *Node {
	return &Node{Type: TypeParagraph, Content: inline(s)}
}

// Heading builds a heading, clamping level into 1..6.
func Heading(s string, level int) *Node {
	return &Node{Type: TypeHeading, Attrs: map[string]any{"level": ClampLevel(level)}, Content: inline(s)}
}

func ClampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}

func BulletList(items ...string) *Node {
	list := &Node{Type: TypeBulletList}
	for _, item := range items {
		list.Content = append(list.Content, &Node{Type: TypeListItem, Content: []*Node{Paragraph(item)}})
	}
	return list
}

// TaskList builds a task list whose items all start unchecked.
func TaskList(tasks ...string) *Node {
	list := &Node{Type: TypeTaskList}
	for _, task := range tasks {
		list.Content = append(list.Content, &Node{
			Type:    TypeTaskItem,
			Attrs:   map[string]any{"checked": false},
			Content: []*Node{Paragraph(task)},
		})
	}
	return list
}

func CodeBlock(code, language string) *Node {
	n := &Node{Type: TypeCodeBlock, Content: inline(code)}
	if language != "" {
		n.Attrs = map[string]any{"language": language}
	}
	return n
}
