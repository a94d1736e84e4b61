// Package patch applies model output to a range of a canvas: the reply is
// normalised, converted from markdown when it has structure, spliced into
// the document and briefly highlighted.
package patch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
)

// Applied describes a successful patch.
type Applied struct {
	Range       document.Range `json:"applied_range"`
	HighlightID string         `json:"highlight_id,omitempty"`
	Version     int64          `json:"version"`
}

type Applier struct {
	port       document.Port
	highlights *Highlighter
	logger     *slog.Logger
}

func NewApplier(port document.Port, highlights *Highlighter, logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Applier{port: port, highlights: highlights, logger: logger}
}

// Apply replaces rng on canvasID with raw. The range is checked against
// anchor inside the same transaction as the write, so a concurrent edit
// either leaves the anchored text in place or fails the patch with a
// StaleRange error. Highlights overlapping the replaced range are dropped
// at once; the new content is highlighted until the highlighter expires
// it.
func (a *Applier) Apply(ctx context.Context, canvasID string, rng document.Range, anchor *Anchor, raw string) (*Applied, error) {
	if rng.From > rng.To {
		return nil, errors.E(errors.InvalidInput, "range start %d is after its end %d", rng.From, rng.To)
	}
	frag := Fragment(raw)
	id := uuid.NewString()

	var (
		applied document.Range
		stale   []string
	)
	snap, err := a.port.Mutate(ctx, canvasID, func(doc *document.Node) error {
		target, err := resolve(doc, rng, anchor)
		if err != nil {
			return err
		}
		stale = a.highlights.overlapping(canvasID, doc, target)
		delta, err := document.ReplaceRange(doc, target, frag)
		if err != nil {
			return err
		}
		applied = document.Range{From: target.From, To: target.To + delta}
		for _, old := range stale {
			document.RemoveHighlight(doc, old)
		}
		document.AddMark(doc, applied, document.HighlightMark(id))
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.highlights.cancel(stale)

	out := &Applied{Range: applied, Version: snap.Version}
	if applied.From < applied.To {
		a.highlights.schedule(canvasID, id, applied)
		out.HighlightID = id
	}
	a.logger.Info("patch applied",
		"canvas_id", canvasID,
		"from", applied.From,
		"to", applied.To,
		"version", snap.Version,
		"blocks", len(frag),
	)
	return out, nil
}
