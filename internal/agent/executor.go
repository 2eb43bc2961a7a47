package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// ExecConfig configures one tool invocation's timeout and retry behavior.
type ExecConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
}

// DefaultExecConfig returns the spec's defaults: a single attempt and a 30s
// per-tool timeout (the shell tool's own default, reused as the executor's
// general ceiling).
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Timeout:     30 * time.Second,
		MaxAttempts: 1,
	}
}

// Executor runs one turn's tool calls strictly sequentially: the harness
// requires each call's effect to be visible (and checkpointable) before the
// next one runs, unlike the teacher's concurrent fan-out.
type Executor struct {
	Registry *Registry
	Policy   PolicyChecker
	Config   ExecConfig
}

// PolicyChecker is the narrow surface the executor needs from the policy
// engine, kept here instead of importing internal/policy directly so the two
// packages can be wired in either order by the reasoner loop.
type PolicyChecker interface {
	Check(call models.ToolCall, args map[string]any) error
}

// NewExecutor builds an Executor with DefaultExecConfig.
func NewExecutor(reg *Registry, policy PolicyChecker) *Executor {
	return &Executor{Registry: reg, Policy: policy, Config: DefaultExecConfig()}
}

// ExecuteAll runs calls one at a time, in order, stopping for nothing —
// every call gets a result, even ones following an earlier failure, since a
// single turn's tool_execution failure is reported to the model, not fatal
// to the turn.
func (e *Executor) ExecuteAll(ctx context.Context, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, len(calls))
	for i, call := range calls {
		results[i] = e.executeOne(ctx, call)
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, call models.ToolCall) models.ToolResult {
	start := time.Now()
	tool, ok := e.Registry.Get(call.Name)
	if !ok {
		return models.ToolResult{CallID: call.ID, OK: false, Payload: "tool not found: " + call.Name}
	}

	desc := tool.Descriptor()
	args, err := validateArgs(desc, call.Arguments)
	if err != nil {
		return models.ToolResult{CallID: call.ID, OK: false, Payload: err.Error()}
	}

	if e.Policy != nil {
		if perr := e.Policy.Check(call, args); perr != nil {
			return models.ToolResult{CallID: call.ID, OK: false, Payload: "policy_violation: " + perr.Error()}
		}
	}

	maxAttempts := e.Config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	timeout := TimeoutFor(call.Name, e.Config.Timeout)

	var payload string
	var execErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		payload, execErr = e.runWithTimeout(ctx, tool, call.Arguments, timeout)
		if execErr == nil {
			break
		}
		if attempt < maxAttempts && e.Config.RetryBackoff > 0 {
			t := time.NewTimer(e.Config.RetryBackoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				execErr = ctx.Err()
				attempt = maxAttempts
			}
		}
	}

	elapsed := time.Since(start).Milliseconds()
	if execErr != nil {
		shaped, note := ShapeOutput(call.Name, execErr.Error())
		return models.ToolResult{CallID: call.ID, OK: false, Payload: shaped, ElapsedMS: elapsed, TruncationNote: note}
	}

	shaped, note := ShapeOutput(call.Name, payload)
	return models.ToolResult{CallID: call.ID, OK: true, Payload: shaped, ElapsedMS: elapsed, TruncationNote: note}
}

// runWithTimeout bounds one tool call to timeout (the tool-class-specific
// ceiling TimeoutFor resolved) and converts a panicking tool implementation
// into a plain error instead of taking down the reasoner loop with it.
func (e *Executor) runWithTimeout(ctx context.Context, tool Tool, args json.RawMessage, timeout time.Duration) (payload string, err error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		payload string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		p, err := tool.Execute(toolCtx, args)
		done <- outcome{payload: p, err: err}
	}()

	select {
	case <-toolCtx.Done():
		if errors.Is(toolCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("tool execution timed out after %v", timeout)
		}
		return "", toolCtx.Err()
	case o := <-done:
		return o.payload, o.err
	}
}
