package lm

import (
	"context"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// ChatClient is the surface the rest of the harness depends on, so callers
// (the compensation pipeline, the reasoner loop, tests) never need the
// concrete *Client wrapping the OpenAI SDK.
type ChatClient interface {
	Chat(ctx context.Context, req *Request) (*models.LMResponse, error)
	ChatStream(ctx context.Context, req *Request) (<-chan Chunk, error)
}

// Tier names the client resolves through configuration rather than a raw
// model identifier, so the harness can escalate without knowing vendor names.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// ChatMessage is the wire shape sent to the completions endpoint, distinct
// from models.Message because it never carries a token estimate or a
// harness-internal timestamp.
type ChatMessage struct {
	Role       models.Role       `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Name       string            `json:"name,omitempty"`
}

// ToolSchema is the per-tool schema projection handed to the LM so it can
// emit structured tool_calls natively.
type ToolSchema struct {
	Name        string                    `json:"name"`
	Description string                    `json:"description"`
	Parameters  map[string]models.ArgSpec `json:"parameters"`
}

// Request is one chat-completion call.
type Request struct {
	Messages    []ChatMessage
	Tier        Tier
	Stream      bool
	MaxTokens   int
	Stop        []string
	Temperature float32
	Tools       []ToolSchema
}

// Chunk is one piece of a streamed completion: either narrative text, a
// completed tool call, or a terminal error/Done marker.
type Chunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Error    error
}

// TokenChunk is the event-bus-facing projection of a streamed text Chunk.
type TokenChunk struct {
	Text string
	At   time.Time
}
