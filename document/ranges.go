package document

import (
	"reflect"

	"github.com/m4xw311/canvasd/errors"
)

// ErrUnsupportedRange is returned when a range cannot be replaced because
// its ends do not sit in sibling textblocks.
var ErrUnsupportedRange = errors.E(errors.InvalidInput, "range must start and end inside sibling text blocks")

// Range is a half-open span [From, To) of document positions.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

func (r Range) Overlaps(o Range) bool {
	if r.From == r.To || o.From == o.To {
		return r.From >= o.From && r.From <= o.To || o.From >= r.From && o.From <= r.To
	}
	return r.From < o.To && o.From < r.To
}

func (r Range) Valid(doc *Node) bool {
	return r.From >= 0 && r.From <= r.To && r.To <= doc.ContentSize()
}

func isInlineFragment(frag []*Node) bool {
	for _, n := range frag {
		if !n.IsText() && !n.IsLeaf() {
			return false
		}
		if n.Type == TypeHorizontalRule {
			return false
		}
	}
	return true
}

func blockAt(blocks []Block, pos int) (Block, bool) {
	for _, b := range blocks {
		if b.Start <= pos && pos <= b.End() {
			return b, true
		}
	}
	return Block{}, false
}

// ReplaceRange replaces [rng.From, rng.To) with frag, which is either a
// list of inline nodes or a list of blocks. A block fragment whose first
// (or last) block is a paragraph is joined into the text on that side, the
// way pasting works in an editor. It returns the size change, so the
// inserted content spans [rng.From, rng.To+delta).
func ReplaceRange(doc *Node, rng Range, frag []*Node) (int, error) {
	if !rng.Valid(doc) {
		return 0, errors.E(errors.InvalidInput, "range [%d, %d) is outside the document (size %d)", rng.From, rng.To, doc.ContentSize())
	}
	frag = cloneAll(frag)

	blocks := Textblocks(doc)
	if len(blocks) == 0 && rng.From == 0 && rng.To == 0 && len(doc.Content) == 0 {
		if isInlineFragment(frag) {
			frag = []*Node{{Type: TypeParagraph, Content: frag}}
		}
		doc.Content = frag
		return doc.ContentSize(), nil
	}

	a, okA := blockAt(blocks, rng.From)
	b, okB := blockAt(blocks, rng.To)
	if !okA || !okB || a.Parent != b.Parent || a.Index > b.Index {
		return 0, ErrUnsupportedRange
	}

	left, _ := splitInline(a.Node.Content, rng.From-a.Start)
	_, right := splitInline(b.Node.Content, rng.To-b.Start)

	if !isInlineFragment(frag) && (a.Node.Type == TypeCodeBlock || b.Node.Type == TypeCodeBlock) {
		frag = inline(ExtractText(NewDoc(frag...)))
	}

	var result []*Node
	if isInlineFragment(frag) {
		content := append(append(append([]*Node{}, left...), frag...), right...)
		result = []*Node{{Type: a.Node.Type, Attrs: cloneAttrs(a.Node.Attrs), Content: mergeAdjacent(content)}}
	} else {
		result = joinBlocks(a.Node, b.Node, left, right, frag)
	}

	parent := a.Parent
	oldSize := 0
	for _, n := range parent.Content[a.Index : b.Index+1] {
		oldSize += n.Size()
	}
	newSize := 0
	for _, n := range result {
		newSize += n.Size()
	}

	content := make([]*Node, 0, len(parent.Content)-(b.Index-a.Index+1)+len(result))
	content = append(content, parent.Content[:a.Index]...)
	content = append(content, result...)
	content = append(content, parent.Content[b.Index+1:]...)
	parent.Content = content
	return newSize - oldSize, nil
}

func joinBlocks(a, b *Node, left, right, frag []*Node) []*Node {
	head := &Node{Type: a.Type, Attrs: cloneAttrs(a.Attrs), Content: left}
	tail := &Node{Type: b.Type, Attrs: cloneAttrs(b.Attrs), Content: right}
	headJoined, tailJoined := false, false

	if frag[0].Type == TypeParagraph {
		head.Content = append(head.Content, frag[0].Content...)
		frag = frag[1:]
		headJoined = true
	}
	if len(frag) == 0 {
		head.Content = mergeAdjacent(append(head.Content, tail.Content...))
		return []*Node{head}
	}
	if last := frag[len(frag)-1]; last.Type == TypeParagraph {
		tail.Content = append(append([]*Node{}, last.Content...), tail.Content...)
		frag = frag[:len(frag)-1]
		tailJoined = true
	}

	var out []*Node
	if headJoined || len(head.Content) > 0 {
		head.Content = mergeAdjacent(head.Content)
		out = append(out, head)
	}
	out = append(out, frag...)
	if tailJoined || len(tail.Content) > 0 {
		tail.Content = mergeAdjacent(tail.Content)
		out = append(out, tail)
	}
	if len(out) == 0 {
		out = []*Node{{Type: TypeParagraph}}
	}
	return out
}

func cloneAll(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, n := range nodes {
		if n != nil {
			out = append(out, n.Clone())
		}
	}
	return out
}

// AddMark applies mark to every text character in [rng.From, rng.To).
func AddMark(doc *Node, rng Range, mark Mark) {
	for _, b := range Textblocks(doc) {
		if b.End() <= rng.From || b.Start >= rng.To {
			continue
		}
		lo := max(rng.From, b.Start) - b.Start
		hi := min(rng.To, b.End()) - b.Start
		left, rest := splitInline(b.Node.Content, lo)
		mid, right := splitInline(rest, hi-lo)
		for _, n := range mid {
			if n.IsText() && !hasMark(n.Marks, mark) {
				n.Marks = append(n.Marks, Mark{Type: mark.Type, Attrs: cloneAttrs(mark.Attrs)})
			}
		}
		content := make([]*Node, 0, len(left)+len(mid)+len(right))
		content = append(content, left...)
		content = append(content, mid...)
		content = append(content, right...)
		b.Node.Content = content
	}
}

func hasMark(marks []Mark, m Mark) bool {
	for _, existing := range marks {
		if sameMark(existing, m) {
			return true
		}
	}
	return false
}

func sameMark(a, b Mark) bool {
	if a.Type != b.Type {
		return false
	}
	if len(a.Attrs) == 0 && len(b.Attrs) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Attrs, b.Attrs)
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameMark(a[i], b[i]) {
			return false
		}
	}
	return true
}

// MergeText normalises inline content built outside this package: empty
// text is dropped and neighbouring runs with equal marks are joined.
func MergeText(content []*Node) []*Node {
	out := make([]*Node, 0, len(content))
	for _, n := range content {
		if n != nil {
			out = append(out, n)
		}
	}
	return mergeAdjacent(out)
}

// mergeAdjacent joins neighbouring text nodes that carry the same marks and
// drops empty ones.
func mergeAdjacent(content []*Node) []*Node {
	out := make([]*Node, 0, len(content))
	for _, n := range content {
		if n.IsText() && n.Text == "" {
			continue
		}
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.IsText() && n.IsText() && sameMarks(prev.Marks, n.Marks) {
				out[len(out)-1] = &Node{Type: TypeText, Text: prev.Text + n.Text, Marks: cloneMarks(prev.Marks)}
				continue
			}
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// RemoveMarks drops every mark for which match returns true. Only
// textblocks that changed are renormalised, so a document without matching
// marks is left exactly as it was. It reports whether anything changed.
func RemoveMarks(doc *Node, match func(Mark) bool) bool {
	changed := false
	for _, b := range Textblocks(doc) {
		blockChanged := false
		for _, n := range b.Node.Content {
			if len(n.Marks) == 0 {
				continue
			}
			kept := n.Marks[:0:0]
			for _, m := range n.Marks {
				if !match(m) {
					kept = append(kept, m)
				}
			}
			if len(kept) != len(n.Marks) {
				blockChanged = true
				if len(kept) == 0 {
					kept = nil
				}
				n.Marks = kept
			}
		}
		if blockChanged {
			b.Node.Content = mergeAdjacent(b.Node.Content)
			changed = true
		}
	}
	return changed
}

// StripTransient removes every transient highlight mark. It is idempotent.
func StripTransient(doc *Node) bool {
	return RemoveMarks(doc, func(m Mark) bool { return m.Type == MarkHighlight })
}

// RemoveHighlight removes the highlight mark with the given id.
func RemoveHighlight(doc *Node, id string) bool {
	return RemoveMarks(doc, func(m Mark) bool {
		return m.Type == MarkHighlight && m.Attrs["id"] == id
	})
}

// HighlightRange returns the span from the first to the last character
// carrying the highlight mark with the given id, as the document stands
// now. It reports false when no text carries the mark.
func HighlightRange(doc *Node, id string) (Range, bool) {
	var rng Range
	found := false
	for _, b := range Textblocks(doc) {
		pos := b.Start
		for _, n := range b.Node.Content {
			size := n.Size()
			if n.IsText() && hasMark(n.Marks, HighlightMark(id)) {
				if !found {
					rng.From = pos
					found = true
				}
				rng.To = pos + size
			}
			pos += size
		}
	}
	return rng, found
}

// HasTransient reports whether any transient mark remains in doc.
func HasTransient(doc *Node) bool {
	for _, b := range Textblocks(doc) {
		for _, n := range b.Node.Content {
			for _, m := range n.Marks {
				if m.Type == MarkHighlight {
					return true
				}
			}
		}
	}
	return false
}

// HighlightMark builds the transient mark for a highlight id.
func HighlightMark(id string) Mark {
	return Mark{Type: MarkHighlight, Attrs: map[string]any{"id": id}}
}
