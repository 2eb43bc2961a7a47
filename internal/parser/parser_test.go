package parser

import (
	"testing"

	"github.com/hama-jp/open-harness/pkg/models"
)

func TestParseNativeCallsTrusted(t *testing.T) {
	native := []models.ToolCall{{ID: "", Name: "read_file", Arguments: []byte(`{"path":"a.go"}`)}}
	res := Parse("ignored narrative", []string{"read_file"}, native)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
	if res.ToolCalls[0].ID == "" {
		t.Errorf("expected a generated ID for empty native call ID")
	}
	if res.ToolCalls[0].Name != "read_file" {
		t.Errorf("expected name read_file, got %s", res.ToolCalls[0].Name)
	}
}

func TestParseFencedJSON(t *testing.T) {
	text := "Sure, here:\n```json\n{\"tool\": \"write_file\", \"arguments\": {\"path\": \"x.go\", \"content\": \"y\"}}\n```\nDone."
	res := Parse(text, []string{"write_file", "read_file"}, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d: %+v", len(res.ToolCalls), res.Candidates)
	}
	if res.ToolCalls[0].Name != "write_file" {
		t.Errorf("got name %s", res.ToolCalls[0].Name)
	}
}

func TestParseInlineCall(t *testing.T) {
	text := `Let me check that. read_file({"path": "main.go"}) should tell us.`
	res := Parse(text, []string{"read_file"}, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
	if res.ToolCalls[0].Name != "read_file" {
		t.Errorf("got name %s", res.ToolCalls[0].Name)
	}
}

func TestParseInlineCallArgsEquals(t *testing.T) {
	text := `shell args={"command": "go test ./..."}`
	res := Parse(text, []string{"shell"}, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
}

func TestParseTagSpan(t *testing.T) {
	text := `<tool_call>{"tool": "list_dir", "arguments": {"path": "."}}</tool_call>`
	res := Parse(text, []string{"list_dir"}, nil)
	if len(res.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(res.ToolCalls))
	}
}

func TestParseFuzzyToolName(t *testing.T) {
	text := "```json\n{\"tool\": \"raed_file\", \"arguments\": {\"path\": \"a.go\"}}\n```"
	res := Parse(text, []string{"read_file"}, nil)
	if len(res.ToolCalls) != 0 {
		t.Fatalf("fuzzy hits must not auto-promote to tool calls, got %d", len(res.ToolCalls))
	}
	var hit *Candidate
	for i := range res.Candidates {
		if res.Candidates[i].FuzzyHit {
			hit = &res.Candidates[i]
		}
	}
	if hit == nil {
		t.Fatalf("expected a candidate marked FuzzyHit, candidates=%+v", res.Candidates)
	}
	if hit.Resolved != "read_file" {
		t.Errorf("got resolved name %s", hit.Resolved)
	}
	if hit.RawJSON == "" {
		t.Errorf("expected repaired RawJSON to be retained for the pipeline to validate")
	}
}

func TestParseUnknownToolNoMatch(t *testing.T) {
	text := "```json\n{\"tool\": \"completely_unrelated_thing\", \"arguments\": {}}\n```"
	res := Parse(text, []string{"read_file", "write_file"}, nil)
	if len(res.ToolCalls) != 0 {
		t.Fatalf("expected no resolved calls, got %d", len(res.ToolCalls))
	}
}

func TestParseMalformedJSONRecorded(t *testing.T) {
	text := "```json\n{\"tool\": \"read_file\" \"arguments\": {unterminated\n```"
	res := Parse(text, []string{"read_file"}, nil)
	if len(res.ToolCalls) != 0 {
		t.Fatalf("expected no valid calls from malformed JSON, got %d", len(res.ToolCalls))
	}
}

func TestParseNoCallsReturnsNarrative(t *testing.T) {
	text := "Just thinking out loud, no tool needed here."
	res := Parse(text, []string{"read_file"}, nil)
	if len(res.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(res.ToolCalls))
	}
	if res.Narrative != text {
		t.Errorf("expected narrative preserved, got %q", res.Narrative)
	}
}
