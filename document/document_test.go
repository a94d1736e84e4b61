package document

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/m4xw311/canvasd/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Node {
	return NewDoc(Paragraph("Hello world"), Paragraph("Second"))
}

func mustJSON(t *testing.T, n *Node) string {
	t.Helper()
	data, err := json.Marshal(n)
	require.NoError(t, err)
	return string(data)
}

func TestPositions(t *testing.T) {
	doc := sample()
	assert.Equal(t, 21, doc.ContentSize())

	blocks := Textblocks(doc)
	require.Len(t, blocks, 2)
	assert.Equal(t, 1, blocks[0].Start)
	assert.Equal(t, 12, blocks[0].End())
	assert.Equal(t, 14, blocks[1].Start)

	assert.Equal(t, "Hello", TextBetween(doc, 1, 6))
	assert.Equal(t, "world\nSec", TextBetween(doc, 7, 17))
}

func TestExtractTextNested(t *testing.T) {
	doc := NewDoc(Heading("Title", 9), BulletList("a", "b"), TaskList("t"), CodeBlock("x := 1", "go"))
	assert.Equal(t, "Title\na\nb\nt\nx := 1", ExtractText(doc))
	assert.Equal(t, 6, doc.Content[0].Attrs["level"])
	assert.Equal(t, false, doc.Content[2].Content[0].Attrs["checked"])
}

func TestFind(t *testing.T) {
	matches := Find(sample(), "O", false)
	require.Len(t, matches, 3)
	assert.Equal(t, []int{5, 8, 17}, []int{matches[0].From, matches[1].From, matches[2].From})
	assert.Equal(t, 18, matches[2].To)

	assert.Empty(t, Find(sample(), "O", true))
	assert.Empty(t, Find(sample(), "", false))
}

func TestReplace(t *testing.T) {
	doc := sample()
	assert.Equal(t, 1, Replace(doc, "WORLD", "there", false, false))
	assert.Equal(t, "Hello there\nSecond", ExtractText(doc))

	assert.Equal(t, 0, Replace(doc, "absent", "x", false, false))
}

func TestReplaceKeepsMarks(t *testing.T) {
	bold := Mark{Type: MarkBold}
	doc := NewDoc(&Node{Type: TypeParagraph, Content: []*Node{Text("Hello "), Text("bold", bold)}})
	require.Equal(t, 1, Replace(doc, "bold", "strong", true, false))

	content := doc.Content[0].Content
	require.Len(t, content, 2)
	assert.Equal(t, "strong", content[1].Text)
	assert.Equal(t, []Mark{bold}, content[1].Marks)
}

func TestReplaceAcrossTextNodes(t *testing.T) {
	italic := Mark{Type: MarkItalic}
	doc := NewDoc(&Node{Type: TypeParagraph, Content: []*Node{Text("ab"), Text("cd", italic)}})
	require.Equal(t, 1, Replace(doc, "bc", "X", true, false))

	content := doc.Content[0].Content
	require.Len(t, content, 2)
	assert.Equal(t, "aX", content[0].Text)
	assert.Equal(t, "d", content[1].Text)
	assert.Equal(t, []Mark{italic}, content[1].Marks)
}

func TestReplaceFirstOnly(t *testing.T) {
	doc := NewDoc(Paragraph("a a"), Paragraph("a"))
	assert.Equal(t, 1, Replace(doc, "a", "b", true, true))
	assert.Equal(t, "b a\na", ExtractText(doc))

	doc = NewDoc(Paragraph("a a"), Paragraph("a"))
	assert.Equal(t, 3, Replace(doc, "a", "b", true, false))
	assert.Equal(t, "b b\nb", ExtractText(doc))
}

func TestReplaceRangeInline(t *testing.T) {
	doc := sample()
	delta, err := ReplaceRange(doc, Range{From: 7, To: 12}, []*Node{Text("there!")})
	require.NoError(t, err)
	assert.Equal(t, 1, delta)
	assert.Equal(t, "Hello there!\nSecond", ExtractText(doc))
	assert.Equal(t, "there!", TextBetween(doc, 7, 12+delta))
}

func TestReplaceRangeBlocks(t *testing.T) {
	doc := sample()
	delta, err := ReplaceRange(doc, Range{From: 7, To: 12}, []*Node{Paragraph("one"), BulletList("x", "y")})
	require.NoError(t, err)
	assert.Equal(t, 10, delta)
	assert.Equal(t, "Hello one\nx\ny\nSecond", ExtractText(doc))
	assert.Equal(t, "one\nx\ny", TextBetween(doc, 7, 12+delta))
	require.Len(t, doc.Content, 3)
	assert.Equal(t, TypeBulletList, doc.Content[1].Type)
}

func TestReplaceRangeJoinsTrailingParagraph(t *testing.T) {
	doc := NewDoc(Paragraph("abcdef"))
	delta, err := ReplaceRange(doc, Range{From: 3, To: 5}, []*Node{Paragraph("X"), Heading("H", 2), Paragraph("Y")})
	require.NoError(t, err)
	assert.Equal(t, "abX\nH\nYef", ExtractText(doc))
	assert.Equal(t, "X\nH\nY", TextBetween(doc, 3, 5+delta))
}

func TestReplaceRangeAcrossSiblings(t *testing.T) {
	doc := sample()
	delta, err := ReplaceRange(doc, Range{From: 7, To: 17}, []*Node{Text("there, ")})
	require.NoError(t, err)
	assert.Equal(t, "Hello there, ond", ExtractText(doc))
	assert.Len(t, doc.Content, 1)
	assert.Equal(t, "there, ", TextBetween(doc, 7, 17+delta))
}

func TestReplaceRangeRejectsUnsupported(t *testing.T) {
	doc := NewDoc(Paragraph("intro"), BulletList("item"))
	_, err := ReplaceRange(doc, Range{From: 2, To: 11}, []*Node{Text("x")})
	require.ErrorIs(t, err, ErrUnsupportedRange)

	_, err = ReplaceRange(doc, Range{From: 2, To: 999}, []*Node{Text("x")})
	require.Error(t, err)
	assert.Equal(t, errors.InvalidInput, errors.KindOf(err))
}

func TestReplaceRangeEmptyDoc(t *testing.T) {
	doc := NewDoc()
	delta, err := ReplaceRange(doc, Range{}, []*Node{Text("hi")})
	require.NoError(t, err)
	assert.Equal(t, 4, delta)
	assert.Equal(t, "hi", ExtractText(doc))
}

func TestStripTransientRoundTrip(t *testing.T) {
	doc := sample()
	before := mustJSON(t, doc)

	AddMark(doc, Range{From: 7, To: 12}, HighlightMark("h1"))
	assert.True(t, HasTransient(doc))
	require.Len(t, doc.Content[0].Content, 2)

	assert.True(t, StripTransient(doc))
	assert.False(t, HasTransient(doc))
	assert.Equal(t, before, mustJSON(t, doc))

	assert.False(t, StripTransient(doc))
	assert.Equal(t, before, mustJSON(t, doc))
}

func TestStripTransientLeavesUntouchedBlocksAlone(t *testing.T) {
	doc := NewDoc(&Node{Type: TypeParagraph, Content: []*Node{Text("a"), Text("b")}})
	before := mustJSON(t, doc)
	assert.False(t, StripTransient(doc))
	assert.Equal(t, before, mustJSON(t, doc))
}

func TestRemoveHighlightByID(t *testing.T) {
	doc := sample()
	AddMark(doc, Range{From: 1, To: 6}, HighlightMark("a"))
	AddMark(doc, Range{From: 14, To: 20}, HighlightMark("b"))

	assert.True(t, RemoveHighlight(doc, "a"))
	assert.True(t, HasTransient(doc))
	assert.False(t, RemoveHighlight(doc, "a"))
	assert.True(t, RemoveHighlight(doc, "b"))
	assert.False(t, HasTransient(doc))
}

func TestStorePersistsWithoutTransientMarks(t *testing.T) {
	ctx := context.Background()
	persister := NewMemoryPersister()
	store := NewStore(persister, nil)
	_, err := store.Create(ctx, &Snapshot{CanvasID: "c1", OwnerID: "u1", Doc: sample()})
	require.NoError(t, err)

	snap, err := store.Mutate(ctx, "c1", func(doc *Node) error {
		AddMark(doc, Range{From: 1, To: 6}, HighlightMark("h"))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	assert.True(t, HasTransient(snap.Doc))
	assert.False(t, strings.Contains(string(persister.Raw("c1")), MarkHighlight))

	live, err := store.Read(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, HasTransient(live.Doc))

	store.Evict("c1")
	reloaded, err := store.Read(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, HasTransient(reloaded.Doc))
}

func TestStoreMutateErrorDiscardsChanges(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryPersister(), nil)
	_, err := store.Create(ctx, &Snapshot{CanvasID: "c1", OwnerID: "u1", Doc: sample()})
	require.NoError(t, err)

	_, err = store.Mutate(ctx, "c1", func(doc *Node) error {
		doc.Content = nil
		return errors.New("nope")
	})
	require.Error(t, err)

	snap, err := store.Read(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Version)
	assert.Equal(t, "Hello world\nSecond", ExtractText(snap.Doc))
}

func TestCheckOwner(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryPersister(), nil)
	_, err := store.Create(ctx, &Snapshot{CanvasID: "c1", OwnerID: "u1"})
	require.NoError(t, err)

	_, err = CheckOwner(ctx, store, "c1", "u1")
	require.NoError(t, err)

	_, err = CheckOwner(ctx, store, "c1", "u2")
	assert.Equal(t, errors.Authorization, errors.KindOf(err))

	_, err = CheckOwner(ctx, store, "missing", "u1")
	assert.Equal(t, errors.NotFound, errors.KindOf(err))
}
