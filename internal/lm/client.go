// Package lm speaks an OpenAI-compatible chat-completions protocol to a
// local or remote model endpoint. It resolves tiers to model identifiers
// through configuration and never hardcodes a vendor model name.
package lm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Client issues chat-completion requests against an OpenAI-compatible
// endpoint, streaming or non-streaming.
type Client struct {
	sdk   *openai.Client
	tiers map[Tier]string
}

// NewClient builds a Client pointed at baseURL with the given API key and
// tier-to-model-identifier table. An empty tiers map means every tier
// resolves to the raw tier name, which is convenient for local servers that
// accept arbitrary model strings.
func NewClient(baseURL, apiKey string, tiers map[string]string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	resolved := make(map[Tier]string, len(tiers))
	for k, v := range tiers {
		resolved[Tier(k)] = v
	}
	return &Client{
		sdk:   openai.NewClientWithConfig(cfg),
		tiers: resolved,
	}
}

func (c *Client) resolveModel(tier Tier) string {
	if model, ok := c.tiers[tier]; ok && model != "" {
		return model
	}
	return string(tier)
}

func toOpenAIMessages(msgs []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func toOpenAITools(tools []ToolSchema) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]any, len(t.Parameters))
		required := make([]string, 0)
		for name, spec := range t.Parameters {
			props[name] = map[string]any{
				"type":        spec.Type,
				"description": spec.Brief,
			}
			if spec.Required {
				required = append(required, name)
			}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters: map[string]any{
					"type":       "object",
					"properties": props,
					"required":   required,
				},
			},
		})
	}
	return out
}

// classifyTransportErr converts a raw SDK/HTTP error into the harness's
// typed transport errors, detecting rate limiting by status code or by the
// rate-limit lexicon in the error text.
func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ErrTimeout{Cause: err}
	}
	msg := err.Error()
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || IsRateLimited(msg) {
			return &ErrRateLimited{Cause: err, Cooldown: ParseCooldown(msg)}
		}
		return &ErrTransport{Cause: err}
	}
	if IsRateLimited(msg) {
		return &ErrRateLimited{Cause: err, Cooldown: ParseCooldown(msg)}
	}
	return &ErrTransport{Cause: err}
}

// Chat issues a completion request and returns the assembled response. When
// req.Stream is true, chunks are collected to completion here; callers that
// want live token events should use ChatStream instead.
func (c *Client) Chat(ctx context.Context, req *Request) (*models.LMResponse, error) {
	if req.Stream {
		chunks, err := c.ChatStream(ctx, req)
		if err != nil {
			return nil, err
		}
		return assemble(chunks)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       c.resolveModel(req.Tier),
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	resp, err := c.sdk.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}
	if len(resp.Choices) == 0 {
		return &models.LMResponse{FinishReason: "empty"}, nil
	}
	choice := resp.Choices[0]
	out := &models.LMResponse{
		AssistantText: choice.Message.Content,
		FinishReason:  string(choice.FinishReason),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out, nil
}

// ChatStream issues a streaming completion and returns a channel of Chunks.
// The channel is closed when the stream ends, errors, or ctx is cancelled.
// This is also where the LMTokenChunk event-bus events originate (the caller
// forwards Chunk.Text onward as it arrives).
func (c *Client) ChatStream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:       c.resolveModel(req.Tier),
		Messages:    toOpenAIMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stop:        req.Stop,
		Stream:      true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := c.sdk.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyTransportErr(err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		type partialCall struct {
			id, name string
			args     strings.Builder
		}
		building := make(map[int]*partialCall)
		order := make([]int, 0)

		for {
			select {
			case <-ctx.Done():
				out <- Chunk{Error: ctx.Err(), Done: true}
				return
			default:
			}

			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF {
					for _, idx := range order {
						pc := building[idx]
						if pc == nil || pc.name == "" {
							continue
						}
						out <- Chunk{ToolCall: &models.ToolCall{
							ID:        pc.id,
							Name:      pc.name,
							Arguments: []byte(pc.args.String()),
						}}
					}
					out <- Chunk{Done: true}
					return
				}
				out <- Chunk{Error: classifyTransportErr(err), Done: true}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta

			if delta.Content != "" {
				out <- Chunk{Text: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc, ok := building[idx]
				if !ok {
					pc = &partialCall{}
					building[idx] = pc
					order = append(order, idx)
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
				if pc.id == "" {
					pc.id = "toolu_" + strconv.Itoa(idx)
				}
			}
		}
	}()

	return out, nil
}

// assemble drains a Chunk channel into a single LMResponse, used by Chat
// when req.Stream is set.
func assemble(chunks <-chan Chunk) (*models.LMResponse, error) {
	out := &models.LMResponse{}
	var text strings.Builder
	for ch := range chunks {
		if ch.Error != nil {
			return nil, ch.Error
		}
		if ch.Text != "" {
			text.WriteString(ch.Text)
		}
		if ch.ToolCall != nil {
			out.ToolCalls = append(out.ToolCalls, *ch.ToolCall)
		}
	}
	out.AssistantText = text.String()
	return out, nil
}
