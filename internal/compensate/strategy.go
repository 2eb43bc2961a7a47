package compensate

import (
	"fmt"
	"strings"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

// Strategy is one idempotent request adjustment. Applying it twice in a row
// must be safe (it checks a marker before mutating), since the pipeline only
// tracks which strategies have been consumed, not how many times each ran.
type Strategy struct {
	Name   string
	Adjust func(req *lm.Request, detail string) bool // returns true if it changed anything
}

// StrategyChain is the fixed escalation order the pipeline stacks on top of
// a failing turn: first try to get a better-worded prompt through to the
// same tier, then add concrete examples, then give up and escalate the
// model tier entirely.
func StrategyChain() []Strategy {
	return []Strategy{
		{Name: "refine_prompt", Adjust: refinePrompt},
		{Name: "add_examples", Adjust: addExamples},
		{Name: "escalate_model", Adjust: escalateModel},
	}
}

const refineMarker = "\n\n[compensation:refine]"
const examplesMarker = "\n\n[compensation:examples]"

func refinePrompt(req *lm.Request, detail string) bool {
	if len(req.Messages) == 0 {
		return false
	}
	sys := systemMessage(req)
	if sys == nil || strings.Contains(sys.Content, refineMarker) {
		return false
	}
	note := refineMarker + "\nYour previous reply could not be used: " + detail +
		"\nRespond again with a single valid tool call and no surrounding prose."
	sys.Content += note
	return true
}

func addExamples(req *lm.Request, detail string) bool {
	sys := systemMessage(req)
	if sys == nil || strings.Contains(sys.Content, examplesMarker) {
		return false
	}
	sys.Content += examplesMarker + "\nExample of a valid call: " + detail
	return true
}

func escalateModel(req *lm.Request, _ string) bool {
	next, ok := EscalateTier(req.Tier)
	if !ok || req.Tier == next {
		return false
	}
	req.Tier = next
	return true
}

// EscalateTier returns the next tier up from cur, or cur itself with ok=false
// if already at the top.
func EscalateTier(cur lm.Tier) (lm.Tier, bool) {
	switch cur {
	case lm.TierSmall:
		return lm.TierMedium, true
	case lm.TierMedium:
		return lm.TierLarge, true
	default:
		return cur, false
	}
}

func systemMessage(req *lm.Request) *lm.ChatMessage {
	for i := range req.Messages {
		if req.Messages[i].Role == models.RoleSystem {
			return &req.Messages[i]
		}
	}
	return nil
}

// argumentSchemaNote renders a tool's argument schema as prompt text, used by
// the missing_args first action.
func argumentSchemaNote(tool models.ToolDescriptor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tool %q requires these arguments:\n", tool.Name)
	for name, spec := range tool.Args {
		req := "optional"
		if spec.Required {
			req = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s\n", name, spec.Type, req, spec.Brief)
	}
	return b.String()
}

// toolListNote renders the registry's tool names for the wrong_tool_name
// second action, alongside the closest fuzzy match found.
func toolListNote(names []string, closest string) string {
	var b strings.Builder
	b.WriteString("Registered tools: " + strings.Join(names, ", ") + ".\n")
	if closest != "" {
		fmt.Fprintf(&b, "Did you mean %q?\n", closest)
	}
	return b.String()
}
