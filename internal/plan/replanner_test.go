package plan

import (
	"context"
	"strings"
	"testing"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

type capturingClient struct {
	lastGoal string
	resp     string
}

func (c *capturingClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	for _, m := range req.Messages {
		if m.Role == models.RoleUser {
			c.lastGoal = m.Content
		}
	}
	return &models.LMResponse{AssistantText: c.resp}, nil
}

func (c *capturingClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	ch := make(chan lm.Chunk)
	close(ch)
	return ch, nil
}

func TestReplanIncludesFailureContext(t *testing.T) {
	client := &capturingClient{resp: `{"steps":[{"title":"retry","instruction":"run the tests again","success_criteria":["run_tests reports ok"]}]}`}
	r := &Replanner{Planner: &Planner{Client: client, Tier: lm.TierSmall}}

	completed := []Outcome{{Step: models.Step{Title: "write code"}, Succeeded: true}}
	failing := models.Step{Title: "run tests", Instruction: "run the test suite"}

	got, err := r.Replan(context.Background(), "ship the feature", completed, failing, models.FailureToolExecution, "project facts here")
	if err != nil {
		t.Fatalf("Replan: %v", err)
	}
	if len(got.Steps) != 1 {
		t.Fatalf("expected a fresh plan, got %+v", got)
	}
	if !strings.Contains(client.lastGoal, "failing step") || !strings.Contains(client.lastGoal, "run tests") {
		t.Errorf("expected replan prompt to mention the failing step, got %q", client.lastGoal)
	}
	if !strings.Contains(client.lastGoal, "write code") {
		t.Errorf("expected replan prompt to mention the completed step, got %q", client.lastGoal)
	}
}

func TestDirectExecutionFallbackIsSingleStep(t *testing.T) {
	p := DirectExecutionFallback("fix the build")
	if len(p.Steps) != 1 {
		t.Fatalf("expected exactly one step, got %d", len(p.Steps))
	}
	if p.Complexity != models.ComplexityLow {
		t.Errorf("expected low complexity fallback, got %v", p.Complexity)
	}
}
