package agent

import (
	"fmt"
	"strings"

	"github.com/m4xw311/canvasd/tools"
)

const agentGuidelines = `## Guidelines:

1. **Read First**: Use get_canvas_text first if you need to understand the content
2. **Verify Before Replacing**: Use search_canvas before replace_text to confirm matches exist
3. **Be Precise**: Use exact text for replacements
4. **Confirm Actions**: Clearly explain what changes you made
5. **Ask for Clarification**: If the request is unclear, ask for details

## Response Style:

- Be concise and helpful
- After making changes, summarize what you did
- If a tool fails, explain the error and suggest alternatives
- Don't make changes the user didn't ask for`

// systemPrompt introduces the canvas and the tools available for it.
func systemPrompt(title string, active []tools.Tool) string {
	var b strings.Builder
	b.WriteString("You are a helpful canvas editing assistant.\n\n")
	if title != "" {
		fmt.Fprintf(&b, "The canvas you are editing is titled %q.\n\n", title)
	}
	b.WriteString("You can modify the canvas content using these tools:\n\n## Available Tools:\n\n")
	for i, t := range active {
		fmt.Fprintf(&b, "%d. **%s** - %s\n", i+1, t.Name(), t.Description())
	}
	b.WriteString("\n")
	b.WriteString(agentGuidelines)
	return b.String()
}

// ExampleQueries are shown by the info endpoint.
var ExampleQueries = []string{
	"Read the canvas content",
	"Replace all 'API' with 'Service'",
	"Add a conclusion section",
	"Create a task list with: Review, Edit, Publish",
	"Add a Python code example",
}

// Improve actions accepted by ImproveText. Unknown actions fall back to
// ActionImprove.
const (
	ActionImprove   = "improve"
	ActionRephrase  = "rephrase"
	ActionSummarize = "summarize"
	ActionExpand    = "expand"
	ActionSimplify  = "simplify"
	ActionFormal    = "formal"
	ActionCasual    = "casual"
)

var actionPrompts = map[string]string{
	ActionImprove:   "Improve the following text to make it clearer, more engaging, and better written. Fix any grammar or spelling issues.",
	ActionRephrase:  "Rephrase the following text in a different way while keeping the same meaning.",
	ActionSummarize: "Summarize the following text concisely while keeping the key points.",
	ActionExpand:    "Expand the following text with more detail and depth while maintaining the original message.",
	ActionSimplify:  "Simplify the following text to make it easier to understand. Use simpler words and shorter sentences.",
	ActionFormal:    "Rewrite the following text in a more formal, professional tone.",
	ActionCasual:    "Rewrite the following text in a more casual, conversational tone.",
}

func instructionPrompt(title, instruction string) string {
	context := ""
	if title != "" {
		context = fmt.Sprintf("Document Title: %s\n", title)
	}
	return fmt.Sprintf(`You are an AI writing assistant helping with a document.

%sUser's instruction: %s

Respond directly with the content requested. Do not include any preamble, explanations, or meta-commentary. Just provide the actual content the user asked for.`, context, instruction)
}

func improvePrompt(title, selected, action string) string {
	actionPrompt, ok := actionPrompts[action]
	if !ok {
		actionPrompt = actionPrompts[ActionImprove]
	}
	titleContext := ""
	if title != "" {
		titleContext = fmt.Sprintf("(This is from a document titled: %s)\n\n", title)
	}
	return fmt.Sprintf(`%s%s

Text to process:
"%s"

Respond with ONLY the improved text. Do not include any explanations, quotes, or additional commentary.`, titleContext, actionPrompt, selected)
}
