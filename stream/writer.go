package stream

import (
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/m4xw311/canvasd/errors"
)

type Format int

const (
	NDJSON Format = iota
	SSE
)

// ContentType is the media type a response in format f is served with.
func (f Format) ContentType() string {
	if f == SSE {
		return "text/event-stream"
	}
	return "application/x-ndjson"
}

// Negotiate picks the format named by an Accept header. NDJSON is the
// default.
func Negotiate(accept string) Format {
	if strings.Contains(accept, "text/event-stream") {
		return SSE
	}
	return NDJSON
}

type flusher interface{ Flush() }

type errFlusher interface{ Flush() error }

// Writer frames events onto w, flushing after each one so the client sees
// progress as it happens. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format Format
}

func NewWriter(w io.Writer, format Format) *Writer {
	return &Writer{w: w, format: format}
}

func (sw *Writer) Format() Format { return sw.format }

// Send writes one event.
func (sw *Writer) Send(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize %s event", ev.Event)
	}

	var frame []byte
	switch sw.format {
	case SSE:
		frame = make([]byte, 0, len(data)+8)
		frame = append(frame, "data: "...)
		frame = append(frame, data...)
		frame = append(frame, "\n\n"...)
	default:
		frame = append(data, '\n')
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.w.Write(frame); err != nil {
		return err
	}
	switch f := sw.w.(type) {
	case flusher:
		f.Flush()
	case errFlusher:
		return f.Flush()
	}
	return nil
}
