package patch

import (
	"encoding/hex"

	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
	"github.com/zeebo/blake3"
)

// Anchor pins a range to the content it covered when it was read, so the
// range can be checked, or found again, after the document moved on.
type Anchor struct {
	Version int64  `json:"version"`
	Hash    string `json:"hash,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Hash is the hex BLAKE3 digest of s.
func Hash(s string) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// NewAnchor captures rng as it reads in snap.
func NewAnchor(snap *document.Snapshot, rng document.Range) Anchor {
	text := document.TextBetween(snap.Doc, rng.From, rng.To)
	return Anchor{Version: snap.Version, Hash: Hash(text), Text: text}
}

// ErrStaleRange reports that a range no longer matches its anchor and could
// not be located again.
func ErrStaleRange() error {
	return errors.E(errors.StaleRange, "The selected text has changed; select it again and retry")
}

// resolve checks rng against doc. An anchor whose hash still matches the
// text under rng keeps rng; otherwise the anchor text is searched for and
// accepted only when it occurs exactly once. A nil anchor, or one without
// hash or text, trusts rng.
func resolve(doc *document.Node, rng document.Range, anchor *Anchor) (document.Range, error) {
	if anchor == nil || (anchor.Hash == "" && anchor.Text == "") {
		if !rng.Valid(doc) {
			return rng, errors.E(errors.InvalidInput, "range [%d, %d) is outside the document", rng.From, rng.To)
		}
		return rng, nil
	}
	want := anchor.Hash
	if want == "" {
		want = Hash(anchor.Text)
	}
	if rng.Valid(doc) && Hash(document.TextBetween(doc, rng.From, rng.To)) == want {
		return rng, nil
	}
	if anchor.Text != "" {
		if matches := document.Find(doc, anchor.Text, true); len(matches) == 1 {
			return document.Range{From: matches[0].From, To: matches[0].To}, nil
		}
	}
	return rng, ErrStaleRange()
}
