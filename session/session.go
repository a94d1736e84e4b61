// Package session holds the request-scoped transcript exchanged with the
// model and the in-memory thread store that carries conversation turns
// between requests.
package session

import (
	"sync"
	"time"
)

type ToolCall struct {
	ToolCallID string                 `json:"tool_call_id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
}

type Message struct {
	Role      string     `json:"role"` // "system", "user", "assistant", "tool"
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

func System(content string) Message { return Message{Role: "system", Content: content} }

func User(content string) Message { return Message{Role: "user", Content: content} }

// ToolResult is the transcript entry feeding a tool's output back to the
// model. It carries the originating call so adapters can correlate it.
func ToolResult(call ToolCall, content string) Message {
	return Message{Role: "tool", Content: content, ToolCalls: []ToolCall{call}}
}

type ToolCallStatus string

const (
	ToolCallRunning   ToolCallStatus = "running"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallError     ToolCallStatus = "error"
)

// ToolCallRecord tracks one tool invocation for the lifetime of a request.
type ToolCallRecord struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Args   map[string]interface{} `json:"args"`
	Status ToolCallStatus         `json:"status"`
	Result string                 `json:"result,omitempty"`
}

// Transcript is the ordered message history of one instruction request.
type Transcript struct {
	Messages []Message
	Calls    []*ToolCallRecord
}

func (t *Transcript) AddMessage(msg Message) {
	t.Messages = append(t.Messages, msg)
}

// StartCall records a running tool call and returns its record.
func (t *Transcript) StartCall(call ToolCall) *ToolCallRecord {
	rec := &ToolCallRecord{ID: call.ToolCallID, Name: call.Name, Args: call.Args, Status: ToolCallRunning}
	t.Calls = append(t.Calls, rec)
	return rec
}

// Finish settles a running record. Records that already settled are left
// alone.
func (r *ToolCallRecord) Finish(ok bool, result string) {
	if r.Status != ToolCallRunning {
		return
	}
	r.Status = ToolCallCompleted
	if !ok {
		r.Status = ToolCallError
	}
	r.Result = result
}

// Turns returns the user and final assistant messages, dropping system
// prompts and tool traffic. These are what a thread carries forward.
func (t *Transcript) Turns() []Message {
	var out []Message
	for _, m := range t.Messages {
		if m.Role == "user" || (m.Role == "assistant" && len(m.ToolCalls) == 0 && m.Content != "") {
			out = append(out, m)
		}
	}
	return out
}

// Threads keeps conversation turns keyed by thread id. Entries idle longer
// than ttl are dropped on the next access.
type Threads struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	threads map[string]*thread
}

type thread struct {
	owner    string
	turns    []Message
	lastUsed time.Time
}

// maxThreadTurns bounds how much history a thread replays.
const maxThreadTurns = 40

func NewThreads(ttl time.Duration, now func() time.Time) *Threads {
	if now == nil {
		now = time.Now
	}
	return &Threads{ttl: ttl, now: now, threads: make(map[string]*thread)}
}

// Load returns the prior turns of a thread owned by subject. Threads owned
// by someone else read as empty.
func (s *Threads) Load(threadID, subject string) []Message {
	if threadID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	th, ok := s.threads[threadID]
	if !ok || th.owner != subject {
		return nil
	}
	th.lastUsed = s.now()
	return append([]Message(nil), th.turns...)
}

// Append adds turns to a thread, creating it for subject if needed.
func (s *Threads) Append(threadID, subject string, turns ...Message) {
	if threadID == "" || len(turns) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	th, ok := s.threads[threadID]
	if !ok {
		th = &thread{owner: subject}
		s.threads[threadID] = th
	}
	if th.owner != subject {
		return
	}
	th.turns = append(th.turns, turns...)
	if len(th.turns) > maxThreadTurns {
		th.turns = th.turns[len(th.turns)-maxThreadTurns:]
	}
	th.lastUsed = s.now()
}

func (s *Threads) evictLocked() {
	if s.ttl <= 0 {
		return
	}
	cutoff := s.now().Add(-s.ttl)
	for id, th := range s.threads {
		if th.lastUsed.Before(cutoff) {
			delete(s.threads, id)
		}
	}
}
