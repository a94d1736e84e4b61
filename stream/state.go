package stream

import (
	"github.com/m4xw311/canvasd/errors"
	"github.com/m4xw311/canvasd/session"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// State is the client's view of one run, built by applying events in
// order.
type State struct {
	Status   Status
	Started  string
	Calls    []*session.ToolCallRecord
	Response string
	Error    string
	Code     int
	CanvasID string
}

func NewState() *State { return &State{Status: StatusIdle} }

// Apply folds ev into the state. Events arriving after a terminal event
// are rejected.
func (s *State) Apply(ev Event) error {
	if s.Status == StatusCompleted || s.Status == StatusFailed {
		return errors.E(errors.InvalidInput, "%s event after terminal event", ev.Event)
	}
	switch ev.Event {
	case Started:
		s.Status = StatusRunning
		s.Started = ev.Message
	case ToolCall:
		s.Calls = append(s.Calls, &session.ToolCallRecord{
			ID:     ev.ToolCallID,
			Name:   ev.ToolName,
			Args:   ev.ToolArgs,
			Status: session.ToolCallRunning,
		})
	case ToolResult:
		rec := s.openCall(ev)
		if rec == nil {
			return errors.E(errors.InvalidInput, "tool_result for '%s' without a matching tool_call", ev.ToolName)
		}
		if ev.Error != "" {
			rec.Finish(false, ev.Error)
		} else {
			rec.Finish(true, ev.Result)
		}
	case Response:
		s.Response = ev.Message
	case Completed:
		s.Status = StatusCompleted
		s.CanvasID = ev.CanvasID
		if s.Response == "" {
			s.Response = ev.Message
		}
	case Error:
		s.Status = StatusFailed
		s.Error = ev.Error
		s.Code = ev.Code
	default:
		return errors.E(errors.InvalidInput, "unknown event type '%s'", ev.Event)
	}
	return nil
}

// openCall finds the oldest running call matching ev, by ID when the
// event has one and by name otherwise.
func (s *State) openCall(ev Event) *session.ToolCallRecord {
	for _, rec := range s.Calls {
		if rec.Status != session.ToolCallRunning {
			continue
		}
		if ev.ToolCallID != "" && rec.ID == ev.ToolCallID {
			return rec
		}
		if ev.ToolCallID == "" && rec.Name == ev.ToolName {
			return rec
		}
	}
	return nil
}

// Validate checks that events form a well-ordered run: started first,
// tool results pairing with earlier calls, response immediately before
// completed and exactly one terminal event at the end. A run ending in
// error may leave a call unanswered.
func Validate(events []Event) error {
	if len(events) == 0 {
		return errors.E(errors.InvalidInput, "empty event stream")
	}
	if events[0].Event != Started {
		return errors.E(errors.InvalidInput, "first event is %s, want started", events[0].Event)
	}
	state := NewState()
	for i, ev := range events {
		if ev.Event == Started && i != 0 {
			return errors.E(errors.InvalidInput, "started event at position %d", i)
		}
		if ev.Event == Completed && (i == 0 || events[i-1].Event != Response) {
			return errors.E(errors.InvalidInput, "completed event not preceded by response")
		}
		if ev.Event == Response && (i+1 >= len(events) || events[i+1].Event != Completed) {
			return errors.E(errors.InvalidInput, "response event not followed by completed")
		}
		if err := state.Apply(ev); err != nil {
			return err
		}
	}
	if !events[len(events)-1].Terminal() {
		return errors.E(errors.InvalidInput, "stream ended without a terminal event")
	}
	if state.Status == StatusCompleted {
		for _, rec := range state.Calls {
			if rec.Status == session.ToolCallRunning {
				return errors.E(errors.InvalidInput, "tool call '%s' never produced a result", rec.Name)
			}
		}
	}
	return nil
}
