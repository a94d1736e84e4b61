// Package agent runs instruction requests against a canvas.
//
// An Orchestrator admits a request (ownership check, rate limit and credit
// reservation) and hands back a Run. Executing the Run drives the model and
// tool loop through the states
//
//	idle → reserving → looping → responding → completed
//	                          ↘ failed
//
// reporting progress as stream events: started first, tool_call and
// tool_result pairs while looping, then response and completed, or a
// single error event. A run that fails for any reason, including model
// errors, timeouts and cancellation, refunds its credit exactly once.
//
// Tool failures are not run failures. They are fed back to the model as
// unsuccessful results and the loop continues until the model answers or
// the configured number of tool calls has been executed.
//
// The Instructor serves the single-shot endpoints: execute-instruction and
// improve-text. Each costs one credit, makes one model call and can patch
// the result into a range of the canvas.
//
// The terminal subpackage drives an Orchestrator from an interactive
// prompt.
package agent
