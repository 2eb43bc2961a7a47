// Package models holds the wire-level types shared across the harness:
// conversation messages, tool calls and results, plans, tasks, and the
// failure taxonomy used by the compensation pipeline.
package models

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is an immutable turn in the conversation history. Once appended to
// the context store it is never mutated in place.
type Message struct {
	Role         Role       `json:"role"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID   string     `json:"tool_call_id,omitempty"`
	Name         string     `json:"name,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
	TokenEstimate int       `json:"token_estimate"`
}

// ToolCall binds a requested tool invocation to the reply that will complete
// it. ID is opaque and is echoed back on the matching ToolResult.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a ToolCall. Payload has already been
// shaped (head+tail truncated) to the tool's output budget by the executor.
type ToolResult struct {
	CallID         string `json:"call_id"`
	OK             bool   `json:"ok"`
	Payload        string `json:"payload"`
	ElapsedMS      int64  `json:"elapsed_ms"`
	TruncationNote string `json:"truncation_note,omitempty"`
}

// Usage reports token accounting for a completion, when the provider supplies it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LMResponse is the assembled result of one chat-completion call, whether it
// arrived streamed or whole.
type LMResponse struct {
	AssistantText string     `json:"assistant_text"`
	ToolCalls     []ToolCall `json:"tool_calls,omitempty"`
	RawChunks     string     `json:"raw_chunks,omitempty"`
	FinishReason  string     `json:"finish_reason"`
	Usage         Usage      `json:"usage"`
}

// FailureClass is the closed taxonomy the Error Classifier assigns to a
// failed turn. Every failing turn receives exactly one.
type FailureClass string

const (
	FailureMalformedJSON  FailureClass = "malformed_json"
	FailureWrongToolName  FailureClass = "wrong_tool_name"
	FailureMissingArgs    FailureClass = "missing_args"
	FailureEmptyResponse  FailureClass = "empty_response"
	FailureProseWrapped   FailureClass = "prose_wrapped"
	FailureToolExecution  FailureClass = "tool_execution"
	FailurePolicyViolation FailureClass = "policy_violation"
	FailureTransport      FailureClass = "transport"
	FailureTimeout        FailureClass = "timeout"
	FailureRateLimited    FailureClass = "rate_limited"
)

// SideEffect categorizes the side-effect class a tool carries, used by the
// policy engine and the checkpoint manager to decide when to branch/snapshot.
type SideEffect string

const (
	SideEffectRead            SideEffect = "read"
	SideEffectWrite           SideEffect = "write"
	SideEffectShell           SideEffect = "shell"
	SideEffectGit             SideEffect = "git"
	SideEffectNetworkExternal SideEffect = "network-external"
)

// ArgSpec describes one named argument of a tool's schema.
type ArgSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Brief    string `json:"brief"`
}

// ToolDescriptor is the static contract a tool publishes to the registry and,
// via AsLLMTools-style projection, to the LM.
type ToolDescriptor struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Args        map[string]ArgSpec `json:"args"`
	OutputLimit int                `json:"output_limit"`
	SideEffect  SideEffect         `json:"side_effect"`
}
