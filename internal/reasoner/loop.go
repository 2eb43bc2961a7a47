// Package reasoner drives one plan step's build-context -> LM -> parse ->
// execute -> record cycle, wiring the compensation pipeline, the tool
// executor, the policy engine (indirectly, through the executor), the
// context store, and the checkpoint manager together. This is the one
// package that imports all of them — everything downstream of it only sees
// the narrow interfaces each of those packages already exports.
package reasoner

import (
	"context"
	"strings"
	"time"

	"github.com/hama-jp/open-harness/internal/agent"
	harnessctx "github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/compensate"
	ctxstore "github.com/hama-jp/open-harness/internal/context"
	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

const policyViolationPrefix = "policy_violation: "
const missingArgsPrefix = "missing_args: "

// ToolLookup is the descriptor surface the loop needs to build the LM
// request's tool schemas and to decide whether a call's side effect should
// trigger a checkpoint snapshot.
type ToolLookup interface {
	compensate.ToolLookup
	Descriptors() []models.ToolDescriptor
}

// Loop runs one goal's turn-by-turn reasoning cycle.
type Loop struct {
	Pipeline   *compensate.Pipeline
	Executor   *agent.Executor
	Tools      ToolLookup
	Context    *ctxstore.Store
	Checkpoint *harnessctx.Manager
	Budget     int
	Tier       lm.Tier
	OnEvent    func(models.Event)
}

// StepResult reports what one Step call did: either a narrative-only reply
// (the step is done) or the set of tool calls it ran.
type StepResult struct {
	Done       bool
	Narrative  string
	ToolCalls  []models.ToolCall
	ToolResults []models.ToolResult
}

// Step runs exactly one reasoning turn: it packs the context store into a
// request within Budget tokens, drives it through the compensation
// pipeline, and executes whatever tool calls come out the other side.
func (l *Loop) Step(ctx context.Context, goalID string) (*StepResult, error) {
	messages, err := l.Context.BuildMessages(l.Budget)
	if err != nil {
		l.emit(models.Event{Type: models.EventGoalFailed, GoalID: goalID, Class: "context_overflow", Detail: err.Error()})
		return nil, err
	}

	req := &lm.Request{
		Messages: toChatMessages(messages),
		Tier:     l.Tier,
		Tools:    l.toolSchemas(),
	}

	outcome, err := l.Pipeline.Run(ctx, req)
	if err != nil {
		l.emit(models.Event{Type: models.EventGoalFailed, GoalID: goalID, Detail: err.Error()})
		return nil, err
	}

	assistantMsg := models.Message{
		Role:      models.RoleAssistant,
		Content:   outcome.Response.AssistantText,
		ToolCalls: outcome.ParseResult.ToolCalls,
		Timestamp: time.Now(),
	}

	if len(outcome.ParseResult.ToolCalls) == 0 {
		l.Context.Append(assistantMsg)
		return &StepResult{Done: true, Narrative: outcome.Response.AssistantText}, nil
	}

	result := &StepResult{ToolCalls: outcome.ParseResult.ToolCalls}
	for _, call := range outcome.ParseResult.ToolCalls {
		l.emit(models.Event{Type: models.EventToolStarted, GoalID: goalID, ToolName: call.Name, ToolCallID: call.ID})

		toolResults := l.Executor.ExecuteAll(ctx, []models.ToolCall{call})
		toolResult := toolResults[0]
		result.ToolResults = append(result.ToolResults, toolResult)

		class := classifyToolResult(toolResult)
		l.emit(models.Event{
			Type:       models.EventToolCompleted,
			GoalID:     goalID,
			ToolName:   call.Name,
			ToolCallID: call.ID,
			Class:      class,
		})
		if class == models.FailurePolicyViolation {
			l.emit(models.Event{Type: models.EventPolicyViolation, GoalID: goalID, ToolName: call.Name, Detail: toolResult.Payload})
		}

		desc, _ := l.Tools.Descriptor(call.Name)
		isWrite := desc.SideEffect == models.SideEffectWrite || desc.SideEffect == models.SideEffectGit
		l.Context.AppendExchange(assistantMsg, call, toolResult, isWrite)

		if isWrite && l.Checkpoint != nil && !l.Checkpoint.Disabled() && l.Checkpoint.NoteWrite() {
			if cp, err := l.Checkpoint.Snapshot("write-threshold"); err == nil && cp.SnapshotRef != "" {
				l.emit(models.Event{Type: models.EventCheckpointTaken, GoalID: goalID, Detail: cp.SnapshotRef})
			}
		}
	}

	return result, nil
}

// classifyToolResult distinguishes missing_args, policy_violation, and
// tool_execution from a ToolResult's payload. The first two are tagged by
// the executor with a lexicon prefix, mirroring the rate-limit lexicon the
// external agent pool already uses for the same kind of string-based
// signal-without-a-shared-type problem.
func classifyToolResult(r models.ToolResult) models.FailureClass {
	if r.OK {
		return ""
	}
	switch {
	case strings.HasPrefix(r.Payload, missingArgsPrefix):
		return models.FailureMissingArgs
	case strings.HasPrefix(r.Payload, policyViolationPrefix):
		return models.FailurePolicyViolation
	default:
		return models.FailureToolExecution
	}
}

func (l *Loop) toolSchemas() []lm.ToolSchema {
	descs := l.Tools.Descriptors()
	schemas := make([]lm.ToolSchema, 0, len(descs))
	for _, d := range descs {
		schemas = append(schemas, lm.ToolSchema{Name: d.Name, Description: d.Description, Parameters: d.Args})
	}
	return schemas
}

func toChatMessages(msgs []models.Message) []lm.ChatMessage {
	out := make([]lm.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = lm.ChatMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
	}
	return out
}

func (l *Loop) emit(e models.Event) {
	if l.OnEvent == nil {
		return
	}
	e.Time = time.Now()
	l.OnEvent(e)
}
