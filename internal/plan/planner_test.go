package plan

import (
	"context"
	"testing"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

func TestEstimateComplexity(t *testing.T) {
	cases := []struct {
		goal string
		want models.Complexity
	}{
		{"fix typo in README", models.ComplexityLow},
		{"refactor the auth middleware across handlers.go, session.go, and token.go with full test coverage", models.ComplexityHigh},
		{"add a test for parser.go", models.ComplexityMedium},
	}
	for _, c := range cases {
		if got := EstimateComplexity(c.goal); got != c.want {
			t.Errorf("EstimateComplexity(%q) = %q, want %q", c.goal, got, c.want)
		}
	}
}

type fakePlanClient struct {
	text string
}

func (f *fakePlanClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	return &models.LMResponse{AssistantText: f.text}, nil
}

func (f *fakePlanClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	ch := make(chan lm.Chunk)
	close(ch)
	return ch, nil
}

func TestPlanParsesCleanJSON(t *testing.T) {
	client := &fakePlanClient{text: `{"steps":[{"title":"a","instruction":"write the file","success_criteria":["write_file reports ok"]}]}`}
	p := &Planner{Client: client, Tier: lm.TierSmall}

	got, err := p.Plan(context.Background(), "do a small thing", "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got.Steps) != 1 || got.Steps[0].Title != "a" {
		t.Errorf("unexpected plan: %+v", got)
	}
}

func TestPlanTruncatesStepsOverTheComplexityCap(t *testing.T) {
	client := &fakePlanClient{text: `{"steps":[
		{"title":"a","instruction":"write a"},
		{"title":"b","instruction":"write b"},
		{"title":"c","instruction":"write c"},
		{"title":"d","instruction":"write d"},
		{"title":"e","instruction":"write e"}
	]}`}
	p := &Planner{Client: client, Tier: lm.TierSmall}

	// A short goal estimates ComplexityLow, whose step cap is 3.
	got, err := p.Plan(context.Background(), "fix typo", "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got.Steps) != 3 {
		t.Fatalf("expected the plan to be truncated to 3 steps, got %d", len(got.Steps))
	}
	if got.Steps[2].Title != "c" {
		t.Errorf("expected truncation to keep the first 3 steps in order, got %+v", got.Steps)
	}
}

func TestPlanRepairsMalformedJSON(t *testing.T) {
	client := &fakePlanClient{text: "Here you go:\n```json\n{steps: [{'title': 'a', 'instruction': 'fix the bug',}]}\n```"}
	p := &Planner{Client: client, Tier: lm.TierSmall}

	got, err := p.Plan(context.Background(), "fix a bug", "")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(got.Steps) != 1 {
		t.Fatalf("expected one step, got %+v", got.Steps)
	}
	if got.Steps[0].SuccessCriteria[0] != genericSuccessCriterion {
		t.Errorf("expected generic success criterion to be filled in, got %+v", got.Steps[0].SuccessCriteria)
	}
}
