package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/m4xw311/canvasd/errors"
)

// Decoder reads events written by a Writer in either format.
type Decoder struct {
	r      *bufio.Reader
	format Format
}

func NewDecoder(r io.Reader, format Format) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), format: format}
}

// Next returns the next event, or io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Event, error) {
	var payload string
	var err error
	if d.format == SSE {
		payload, err = d.nextSSE()
	} else {
		payload, err = d.nextLine()
	}
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return Event{}, errors.E(errors.InvalidInput, "malformed event %q: %v", payload, err)
	}
	return ev, nil
}

func (d *Decoder) nextLine() (string, error) {
	for {
		line, err := d.r.ReadString('\n')
		trimmed := strings.TrimSpace(line)
		if trimmed != "" {
			return trimmed, nil
		}
		if err != nil {
			return "", err
		}
	}
}

// nextSSE joins the data lines of the next event. Comments and other
// fields are ignored.
func (d *Decoder) nextSSE() (string, error) {
	var data []string
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF && len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(value, " "))
		}
		if err != nil {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", err
		}
	}
}

// ReadAll decodes until the stream ends or a terminal event arrives.
func ReadAll(r io.Reader, format Format) ([]Event, error) {
	dec := NewDecoder(r, format)
	var events []Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if ev.Terminal() {
			return events, nil
		}
	}
}
