package document

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Block is a textblock located within a document.
type Block struct {
	Node   *Node
	Parent *Node
	Index  int // index of Node in Parent.Content
	Start  int // position of the first inline token
}

// End is the position just after the block's last inline token.
func (b Block) End() int { return b.Start + b.Node.ContentSize() }

// Textblocks lists every textblock of doc in document order.
func Textblocks(doc *Node) []Block {
	var out []Block
	var walk func(parent *Node, pos int)
	walk = func(parent *Node, pos int) {
		for i, c := range parent.Content {
			switch {
			case c.IsTextblock():
				out = append(out, Block{Node: c, Parent: parent, Index: i, Start: pos + 1})
			case !c.IsText() && !c.IsLeaf():
				walk(c, pos+1)
			}
			pos += c.Size()
		}
	}
	walk(doc, 0)
	return out
}

// InlineText flattens a textblock's content so that rune offsets equal
// position offsets: hard breaks read as "\n", other atoms as U+FFFC.
func InlineText(block *Node) string {
	var b strings.Builder
	for _, c := range block.Content {
		switch {
		case c.IsText():
			b.WriteString(c.Text)
		case c.Type == TypeHardBreak:
			b.WriteByte('\n')
		default:
			b.WriteRune('\uFFFC')
		}
	}
	return b.String()
}

// ExtractText returns the plain text of doc, one line per textblock.
func ExtractText(doc *Node) string {
	blocks := Textblocks(doc)
	lines := make([]string, 0, len(blocks))
	for _, b := range blocks {
		lines = append(lines, InlineText(b.Node))
	}
	return strings.Join(lines, "\n")
}

// TextBetween returns the text covered by [from, to), joining the pieces
// from separate textblocks with "\n".
func TextBetween(doc *Node, from, to int) string {
	var parts []string
	for _, b := range Textblocks(doc) {
		if b.End() < from || b.Start > to {
			continue
		}
		runes := []rune(InlineText(b.Node))
		lo := max(from, b.Start) - b.Start
		hi := min(to, b.End()) - b.Start
		if lo > hi {
			continue
		}
		parts = append(parts, string(runes[lo:hi]))
	}
	return strings.Join(parts, "\n")
}

// Match is one occurrence found by Find.
type Match struct {
	Block int    `json:"block"`
	From  int    `json:"from"`
	To    int    `json:"to"`
	Text  string `json:"text"`
}

// Matcher compiles a literal query into a regexp.
func Matcher(query string, caseSensitive bool) *regexp.Regexp {
	expr := regexp.QuoteMeta(query)
	if !caseSensitive {
		expr = "(?i)" + expr
	}
	return regexp.MustCompile(expr)
}

// Find returns every occurrence of query in document order.
func Find(doc *Node, query string, caseSensitive bool) []Match {
	if query == "" {
		return nil
	}
	return FindPattern(doc, Matcher(query, caseSensitive))
}

// FindPattern returns every non-empty match of re in document order. Matches
// never span textblocks.
func FindPattern(doc *Node, re *regexp.Regexp) []Match {
	var out []Match
	for i, b := range Textblocks(doc) {
		flat := InlineText(b.Node)
		for _, loc := range re.FindAllStringIndex(flat, -1) {
			if loc[0] == loc[1] {
				continue
			}
			from := b.Start + utf8.RuneCountInString(flat[:loc[0]])
			to := from + utf8.RuneCountInString(flat[loc[0]:loc[1]])
			out = append(out, Match{Block: i, From: from, To: to, Text: flat})
		}
	}
	return out
}

// Replace substitutes occurrences of old with repl inside doc and returns
// how many were replaced. When firstOnly is set only the first occurrence
// in document order changes. Replacement text inherits the marks of the
// first character it replaces.
func Replace(doc *Node, old, repl string, caseSensitive, firstOnly bool) int {
	if old == "" {
		return 0
	}
	re := Matcher(old, caseSensitive)
	count := 0
	for _, b := range Textblocks(doc) {
		flat := InlineText(b.Node)
		locs := re.FindAllStringIndex(flat, -1)
		if len(locs) == 0 {
			continue
		}
		if firstOnly {
			locs = locs[:1]
		}
		// Right to left so earlier offsets stay valid.
		for i := len(locs) - 1; i >= 0; i-- {
			from := utf8.RuneCountInString(flat[:locs[i][0]])
			to := from + utf8.RuneCountInString(flat[locs[i][0]:locs[i][1]])
			var insert []*Node
			if t := Text(repl, marksAt(b.Node.Content, from)...); t != nil {
				insert = []*Node{t}
			}
			replaceInline(b.Node, from, to, insert)
			count++
		}
		if firstOnly {
			break
		}
	}
	return count
}

// replaceInline swaps the inline offsets [from, to) of block for insert.
func replaceInline(block *Node, from, to int, insert []*Node) {
	left, rest := splitInline(block.Content, from)
	_, right := splitInline(rest, to-from)
	content := make([]*Node, 0, len(left)+len(insert)+len(right))
	content = append(content, left...)
	content = append(content, insert...)
	content = append(content, right...)
	block.Content = mergeAdjacent(content)
}

// splitInline cuts inline content at offset. Text nodes straddling the
// offset are split by rune.
func splitInline(content []*Node, offset int) (left, right []*Node) {
	pos := 0
	for i, c := range content {
		size := c.Size()
		switch {
		case pos+size <= offset:
			left = append(left, c)
		case pos >= offset:
			right = append(right, content[i:]...)
			return left, right
		default:
			runes := []rune(c.Text)
			cut := offset - pos
			left = append(left, &Node{Type: TypeText, Text: string(runes[:cut]), Marks: cloneMarks(c.Marks)})
			right = append(right, &Node{Type: TypeText, Text: string(runes[cut:]), Marks: cloneMarks(c.Marks)})
			right = append(right, content[i+1:]...)
			return left, right
		}
		pos += size
	}
	return left, right
}

// marksAt returns the marks of the inline node covering offset.
func marksAt(content []*Node, offset int) []Mark {
	pos := 0
	for _, c := range content {
		size := c.Size()
		if offset < pos+size {
			return cloneMarks(c.Marks)
		}
		pos += size
	}
	return nil
}
