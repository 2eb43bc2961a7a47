package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/hama-jp/open-harness/internal/agent"
	"github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/compensate"
	ctxstore "github.com/hama-jp/open-harness/internal/context"
	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/internal/plan"
	"github.com/hama-jp/open-harness/internal/reasoner"
	"github.com/hama-jp/open-harness/pkg/models"
)

// seqClient replays a fixed sequence of responses, repeating the last one
// once exhausted, so a single fake can drive several turns of a reasoner
// loop without needing a stateful mock framework.
type seqClient struct {
	responses []*models.LMResponse
	idx       int
}

func (c *seqClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	r := c.responses[c.idx]
	if c.idx < len(c.responses)-1 {
		c.idx++
	}
	return r, nil
}

func (c *seqClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	ch := make(chan lm.Chunk)
	close(ch)
	return ch, nil
}

// planClient always returns a fixed plan document, used by the Planner's
// own LM call (distinct from the reasoner's turn-by-turn pipeline call).
type planClient struct {
	text string
}

func (c *planClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	return &models.LMResponse{AssistantText: c.text}, nil
}

func (c *planClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	ch := make(chan lm.Chunk)
	close(ch)
	return ch, nil
}

type writeTool struct{ root string }

func (w writeTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:       "write_file",
		Args:       map[string]models.ArgSpec{"path": {Type: "string", Required: true}},
		SideEffect: models.SideEffectWrite,
	}
}

func (w writeTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(w.root, parsed.Path), []byte("written"), 0o644); err != nil {
		return "", err
	}
	return "ok", nil
}

type failTool struct{}

func (failTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:       "always_fails",
		Args:       map[string]models.ArgSpec{},
		SideEffect: models.SideEffectRead,
	}
}

func (failTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return "", os.ErrInvalid
}

func newHarness(t *testing.T, reg *agent.Registry, reasonerClient lm.ChatClient) (*reasoner.Loop, *checkpoint.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "seed.txt"), []byte("seed"), 0o644); err != nil {
		t.Fatal(err)
	}
	mgr, err := checkpoint.New(dir)
	if err != nil {
		t.Fatalf("checkpoint.New: %v", err)
	}
	exec := agent.NewExecutor(reg, nil)
	pipeline := compensate.New(reasonerClient, reg)
	loop := &reasoner.Loop{
		Pipeline:   pipeline,
		Executor:   exec,
		Tools:      reg,
		Context:    ctxstore.New("you are the harness"),
		Checkpoint: mgr,
		Budget:     50000,
		Tier:       lm.TierSmall,
	}
	return loop, mgr, dir
}

func TestRunGoalSucceedsAndCommits(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(writeTool{})

	loop, mgr, dir := newHarness(t, reg, &seqClient{responses: []*models.LMResponse{
		{ToolCalls: []models.ToolCall{{ID: "1", Name: "write_file", Arguments: json.RawMessage(`{"path":"out.txt"}`)}}},
		{AssistantText: "done, file written"},
	}})
	reg.Register(writeTool{root: dir})

	planText := `{"steps":[{"title":"write output","instruction":"write the output file using write_file","success_criteria":["write_file tool invoked successfully"]}],"assumptions":[]}`
	planner := &plan.Planner{Client: &planClient{text: planText}, Tier: lm.TierSmall}
	replanner := &plan.Replanner{Planner: planner}

	var events []models.Event
	orch := &Orchestrator{
		Loop:       loop,
		Checkpoint: mgr,
		Planner:    planner,
		Replanner:  replanner,
		ToolNames:  reg.Names(),
		GoalFacts:  "project facts: empty repo",
		OnEvent:    func(e models.Event) { events = append(events, e) },
	}

	res, err := orch.RunGoal(context.Background(), "write a small output file")
	if err != nil {
		t.Fatalf("RunGoal: %v", err)
	}
	if res.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s: %s", res.Status, res.Summary)
	}
	if res.Stats.ToolCalls != 1 {
		t.Errorf("expected 1 tool call tallied, got %d", res.Stats.ToolCalls)
	}

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil {
		t.Fatalf("expected out.txt to be committed to the original branch: %v", err)
	}
	if string(data) != "written" {
		t.Errorf("unexpected committed content %q", string(data))
	}

	var sawCompleted, sawGoalCompleted bool
	for _, e := range events {
		if e.Type == models.EventPlanStepCompleted {
			sawCompleted = true
		}
		if e.Type == models.EventGoalCompleted {
			sawGoalCompleted = true
		}
	}
	if !sawCompleted || !sawGoalCompleted {
		t.Errorf("expected plan_step.completed and goal.completed events, got %+v", events)
	}
}

func TestRunGoalDiscardsOnTotalFailure(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(failTool{})

	always := &models.LMResponse{ToolCalls: []models.ToolCall{{ID: "1", Name: "always_fails", Arguments: json.RawMessage(`{}`)}}}
	loop, mgr, dir := newHarness(t, reg, &seqClient{responses: []*models.LMResponse{always}})

	planText := `{"steps":[{"title":"attempt the broken tool","instruction":"run always_fails to see what happens","success_criteria":["always_fails tool invoked successfully"]}],"assumptions":[]}`
	planner := &plan.Planner{Client: &planClient{text: planText}, Tier: lm.TierSmall}
	replanner := &plan.Replanner{Planner: planner}

	orch := &Orchestrator{
		Loop:       loop,
		Checkpoint: mgr,
		Planner:    planner,
		Replanner:  replanner,
		ToolNames:  reg.Names(),
		GoalFacts:  "project facts: empty repo",
	}

	res, err := orch.RunGoal(context.Background(), "run the tool that always fails")
	if err != nil {
		t.Fatalf("RunGoal: %v", err)
	}
	if res.Status != StatusFailed {
		t.Fatalf("expected failure, got %s", res.Status)
	}

	data, err := os.ReadFile(filepath.Join(dir, "seed.txt"))
	if err != nil {
		t.Fatalf("read seed.txt: %v", err)
	}
	if string(data) != "seed" {
		t.Errorf("expected original branch untouched after discard, got %q", string(data))
	}
}
