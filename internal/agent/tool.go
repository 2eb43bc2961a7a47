// Package agent owns the fixed built-in tool set, the thread-safe registry
// that holds it, and the sequential executor that runs a turn's tool calls
// against it with per-tool timeout, retry, and output shaping.
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Tool is one callable capability the reasoner loop can invoke. Execute
// receives already-schema-validated arguments; the registry rejects a call
// before Execute ever sees it if a required argument is missing.
type Tool interface {
	Descriptor() models.ToolDescriptor
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// OutputByteBudget is the per-tool maximum output size named in §4.5.2. Tools
// not listed here fall back to the 2 KiB default.
var OutputByteBudget = map[string]int{
	"read_file": 8 * 1024,
	"shell":     3 * 1024,
	"run_tests": 4 * 1024,
}

const defaultOutputBudget = 2 * 1024

// BudgetFor returns a tool's max-output byte budget, falling back to the
// 2 KiB default for any tool not given an explicit entry.
func BudgetFor(name string) int {
	if b, ok := OutputByteBudget[name]; ok {
		return b
	}
	return defaultOutputBudget
}

// ToolTimeout overrides the executor's outer per-call deadline for tools
// whose own work can legitimately run far longer than the general default,
// per §5's per-tool timeout table: run_tests inherits shell's semantics
// under a 10-minute outer cap, and each external agent gets its own 10
// minutes. shell itself also gets the 10-minute ceiling since its own
// Execute enforces the real (default-30s-or-caller-supplied) timeout
// internally — the executor's context must never be tighter than that, only
// a backstop beyond it. Tools not listed here run under the executor's
// configured default (ExecConfig.Timeout).
var ToolTimeout = map[string]time.Duration{
	"shell":       10 * time.Minute,
	"run_tests":   10 * time.Minute,
	"claude_code": 10 * time.Minute,
	"codex":       10 * time.Minute,
	"gemini_cli":  10 * time.Minute,
}

// TimeoutFor returns the executor-level outer timeout for a named tool call,
// falling back to fallback (normally ExecConfig.Timeout) when the tool has
// no override.
func TimeoutFor(name string, fallback time.Duration) time.Duration {
	if t, ok := ToolTimeout[name]; ok {
		return t
	}
	return fallback
}
