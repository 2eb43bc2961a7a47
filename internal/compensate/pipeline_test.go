package compensate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

type scriptedClient struct {
	responses []scriptedStep
	calls     int
}

type scriptedStep struct {
	resp *models.LMResponse
	err  error
}

func (c *scriptedClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	if c.calls >= len(c.responses) {
		return nil, errors.New("scriptedClient: out of responses")
	}
	step := c.responses[c.calls]
	c.calls++
	return step.resp, step.err
}

func (c *scriptedClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	return nil, errors.New("not implemented")
}

type fakeTools struct {
	descs map[string]models.ToolDescriptor
}

func (f *fakeTools) Names() []string {
	names := make([]string, 0, len(f.descs))
	for n := range f.descs {
		names = append(names, n)
	}
	return names
}

func (f *fakeTools) Descriptor(name string) (models.ToolDescriptor, bool) {
	d, ok := f.descs[name]
	return d, ok
}

func readFileTools() *fakeTools {
	return &fakeTools{descs: map[string]models.ToolDescriptor{
		"read_file": {
			Name: "read_file",
			Args: map[string]models.ArgSpec{
				"path": {Type: "string", Required: true},
			},
		},
	}}
}

func TestPipelineSucceedsFirstTry(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{resp: &models.LMResponse{AssistantText: `read_file({"path": "a.go"})`}},
	}}
	p := New(client, readFileTools())
	req := &lm.Request{Tier: lm.TierSmall}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ParseResult.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ParseResult.ToolCalls))
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}
}

func TestPipelineRepairsMalformedJSONThenSucceeds(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{resp: &models.LMResponse{AssistantText: "```json\n{\"tool\": \"read_file\" \"arguments\": {oops\n```"}},
		{resp: &models.LMResponse{AssistantText: "```json\n{\"tool\": \"read_file\", \"arguments\": {\"path\": \"a.go\"}}\n```"}},
	}}
	p := New(client, readFileTools())
	req := &lm.Request{Tier: lm.TierSmall, Messages: []lm.ChatMessage{{Role: models.RoleSystem, Content: "base prompt"}}}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ParseResult.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call after repair, got %d", len(out.ParseResult.ToolCalls))
	}
	if client.calls != 2 {
		t.Errorf("expected 2 LM calls, got %d", client.calls)
	}
}

func TestPipelineFuzzyToolNameAutoAcceptsWhenArgsValid(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{resp: &models.LMResponse{AssistantText: "```json\n{\"tool\": \"raed_file\", \"arguments\": {\"path\": \"a.go\"}}\n```"}},
	}}
	p := New(client, readFileTools())
	req := &lm.Request{Tier: lm.TierSmall}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ParseResult.ToolCalls) != 1 || out.ParseResult.ToolCalls[0].Name != "read_file" {
		t.Fatalf("expected fuzzy match auto-accepted, got %+v", out.ParseResult.ToolCalls)
	}
}

func TestPipelineEmptyResponseEscalatesTier(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{resp: &models.LMResponse{AssistantText: ""}},
		{resp: &models.LMResponse{AssistantText: `read_file({"path": "a.go"})`}},
	}}
	p := New(client, readFileTools())
	req := &lm.Request{Tier: lm.TierSmall}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Tier != lm.TierMedium {
		t.Errorf("expected tier escalated to medium, got %s", req.Tier)
	}
	if len(out.ParseResult.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ParseResult.ToolCalls))
	}
}

func TestPipelineTransportRetriesThenFails(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{err: &lm.ErrTransport{Cause: errors.New("connection reset")}},
		{err: &lm.ErrTransport{Cause: errors.New("connection reset")}},
		{err: &lm.ErrTransport{Cause: errors.New("connection reset")}},
	}}
	p := New(client, readFileTools())
	p.Schedule = Schedule{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1, Jitter: 0}
	req := &lm.Request{Tier: lm.TierSmall}
	_, err := p.Run(context.Background(), req)
	if err == nil {
		t.Fatalf("expected terminal error after exhausting retries")
	}
	if client.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", client.calls)
	}
}

func TestPipelineMissingArgsRefinesPrompt(t *testing.T) {
	client := &scriptedClient{responses: []scriptedStep{
		{resp: &models.LMResponse{AssistantText: `read_file({})`}},
		{resp: &models.LMResponse{AssistantText: `read_file({"path": "a.go"})`}},
	}}
	p := New(client, readFileTools())
	req := &lm.Request{Tier: lm.TierSmall, Messages: []lm.ChatMessage{{Role: models.RoleSystem, Content: "base"}}}
	out, err := p.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ParseResult.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(out.ParseResult.ToolCalls))
	}
	if req.Messages[0].Content == "base" {
		t.Errorf("expected system message to be refined with schema note")
	}
}
