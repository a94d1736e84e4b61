package patch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/m4xw311/canvasd/clock"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/errors"
)

// Pending is a highlight waiting to fade.
type Pending struct {
	ID        string         `json:"id"`
	CanvasID  string         `json:"canvas_id"`
	Range     document.Range `json:"range"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type pending struct {
	Pending
	timer clock.Timer
}

var errNoHighlight = errors.New("highlight already gone")

// Highlighter owns the removal tasks for transient highlight marks, keyed
// by highlight ID.
type Highlighter struct {
	port     document.Port
	clock    clock.Clock
	duration time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
}

func NewHighlighter(port document.Port, clk clock.Clock, duration time.Duration, logger *slog.Logger) *Highlighter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Highlighter{
		port:     port,
		clock:    clk,
		duration: duration,
		logger:   logger,
		pending:  make(map[string]*pending),
	}
}

// schedule arms removal of highlight id after the configured duration.
func (h *Highlighter) schedule(canvasID, id string, rng document.Range) {
	p := &pending{Pending: Pending{
		ID:        id,
		CanvasID:  canvasID,
		Range:     rng,
		ExpiresAt: h.clock.Now().Add(h.duration),
	}}
	h.mu.Lock()
	h.pending[id] = p
	h.mu.Unlock()

	// The timer may fire before AfterFunc returns, so it is attached only
	// if the highlight is still pending.
	timer := h.clock.AfterFunc(h.duration, func() { h.expire(canvasID, id) })
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[id] == p {
		p.timer = timer
	}
}

// overlapping returns the pending highlights on canvasID whose marked
// text in doc overlaps rng, and refreshes the recorded range of the rest.
// Highlights whose mark is already gone from doc are forgotten.
func (h *Highlighter) overlapping(canvasID string, doc *document.Node, rng document.Range) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for id, p := range h.pending {
		if p.CanvasID != canvasID {
			continue
		}
		span, ok := document.HighlightRange(doc, id)
		switch {
		case !ok:
			h.forgetLocked(id)
		case span.Overlaps(rng):
			ids = append(ids, id)
		default:
			p.Range = span
		}
	}
	sort.Strings(ids)
	return ids
}

// cancel stops the removal tasks of ids once their marks are gone.
func (h *Highlighter) cancel(ids []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range ids {
		h.forgetLocked(id)
	}
}

func (h *Highlighter) forgetLocked(id string) {
	p, ok := h.pending[id]
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(h.pending, id)
}

func (h *Highlighter) expire(canvasID, id string) {
	h.mu.Lock()
	_, ok := h.pending[id]
	delete(h.pending, id)
	h.mu.Unlock()
	if !ok {
		return
	}

	_, err := h.port.Mutate(context.Background(), canvasID, func(doc *document.Node) error {
		if !document.RemoveHighlight(doc, id) {
			return errNoHighlight
		}
		return nil
	})
	switch {
	case err == nil:
		h.logger.Debug("highlight expired", "canvas_id", canvasID, "highlight_id", id)
	case errors.Is(err, errNoHighlight):
	default:
		h.logger.Warn("failed to remove highlight", "canvas_id", canvasID, "highlight_id", id, "error", err)
	}
}

// Pending lists the highlights still waiting to fade on canvasID, with
// the range their marked text covers in the current document.
func (h *Highlighter) Pending(ctx context.Context, canvasID string) ([]Pending, error) {
	snap, err := h.port.Read(ctx, canvasID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Pending
	for id, p := range h.pending {
		if p.CanvasID != canvasID {
			continue
		}
		span, ok := document.HighlightRange(snap.Doc, id)
		if !ok {
			continue
		}
		p.Range = span
		out = append(out, p.Pending)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.From < out[j].Range.From })
	return out, nil
}
