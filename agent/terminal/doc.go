// Package terminal is the interactive command-line mode of canvasd.
//
// A Terminal reads instructions from its input, runs each one against a
// single canvas through an agent.Orchestrator and prints the answer. Every
// instruction is a separate billed request; all of them share one thread so
// the model sees the earlier turns.
//
// In prompt mode each tool call is shown and needs a "y" before it runs.
// Verbosity controls how much of the tool traffic is printed:
//
//   - none: only answers and errors
//   - info: tool names as they are called
//   - all: tool names, arguments and results
//
// "/quit" or "/exit" ends the session, as does end of input.
package terminal
