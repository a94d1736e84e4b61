package server

import (
	"context"
	"net/http"

	"github.com/m4xw311/canvasd/agent"
	"github.com/m4xw311/canvasd/document"
	"github.com/m4xw311/canvasd/patch"
)

type instructionRequest struct {
	CanvasID     string          `json:"canvas_id"`
	Instruction  string          `json:"instruction"`
	SelectedText string          `json:"selected_text"`
	Action       string          `json:"action"`
	Range        *document.Range `json:"range,omitempty"`
	Anchor       *patch.Anchor   `json:"anchor,omitempty"`
	Apply        bool            `json:"apply"`
}

type instructionResponse struct {
	Success bool `json:"success"`
	*agent.InstructionResult
}

func (s *Server) handleExecuteInstruction(w http.ResponseWriter, r *http.Request) {
	s.instruct(w, r, s.Instructor.ExecuteInstruction)
}

func (s *Server) handleImproveText(w http.ResponseWriter, r *http.Request) {
	s.instruct(w, r, s.Instructor.ImproveText)
}

func (s *Server) instruct(w http.ResponseWriter, r *http.Request, do func(context.Context, agent.InstructionRequest) (*agent.InstructionResult, error)) {
	var req instructionRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	out, err := do(r.Context(), agent.InstructionRequest{
		SubjectID:    subject(r),
		CanvasID:     req.CanvasID,
		Instruction:  req.Instruction,
		SelectedText: req.SelectedText,
		Action:       req.Action,
		Range:        req.Range,
		Anchor:       req.Anchor,
		Apply:        req.Apply,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, instructionResponse{Success: true, InstructionResult: out})
}
