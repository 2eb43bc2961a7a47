package reasoner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hama-jp/open-harness/internal/agent"
	ckpt "github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/compensate"
	ctxstore "github.com/hama-jp/open-harness/internal/context"
	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/pkg/models"
)

type fakeClient struct {
	resp *models.LMResponse
	err  error
}

func (f *fakeClient) Chat(ctx context.Context, req *lm.Request) (*models.LMResponse, error) {
	return f.resp, f.err
}

func (f *fakeClient) ChatStream(ctx context.Context, req *lm.Request) (<-chan lm.Chunk, error) {
	ch := make(chan lm.Chunk)
	close(ch)
	return ch, nil
}

type echoTool struct{}

func (echoTool) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "echo",
		Description: "echoes its input",
		Args:        map[string]models.ArgSpec{"text": {Type: "string", Required: true}},
		OutputLimit: 2048,
		SideEffect:  models.SideEffectRead,
	}
}

func (echoTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return "echoed", nil
}

func newLoop(t *testing.T, resp *models.LMResponse) *Loop {
	t.Helper()
	reg := agent.NewRegistry()
	reg.Register(echoTool{})
	exec := agent.NewExecutor(reg, nil)
	pipeline := compensate.New(&fakeClient{resp: resp}, reg)
	store := ctxstore.New("you are the harness")
	return &Loop{
		Pipeline: pipeline,
		Executor: exec,
		Tools:    reg,
		Context:  store,
		Budget:   50000,
		Tier:     lm.TierSmall,
	}
}

func TestStepNarrativeOnlyIsDone(t *testing.T) {
	l := newLoop(t, &models.LMResponse{AssistantText: "all done, nothing left to do"})
	res, err := l.Step(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if !res.Done {
		t.Error("expected a narrative-only reply to be reported as done")
	}
}

func TestStepExecutesNativeToolCall(t *testing.T) {
	call := models.ToolCall{ID: "1", Name: "echo", Arguments: json.RawMessage(`{"text":"hi"}`)}
	l := newLoop(t, &models.LMResponse{ToolCalls: []models.ToolCall{call}})

	res, err := l.Step(context.Background(), "g1")
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if res.Done {
		t.Error("expected a tool-call turn to not be marked done")
	}
	if len(res.ToolResults) != 1 || !res.ToolResults[0].OK {
		t.Fatalf("expected one successful tool result, got %+v", res.ToolResults)
	}
}

func TestClassifyToolResultPrefixes(t *testing.T) {
	cases := []struct {
		name string
		r    models.ToolResult
		want models.FailureClass
	}{
		{"success", models.ToolResult{OK: true, Payload: "fine"}, ""},
		{"missing args", models.ToolResult{OK: false, Payload: "missing_args: tool echo: missing required argument \"text\""}, models.FailureMissingArgs},
		{"policy violation", models.ToolResult{OK: false, Payload: "policy_violation: path denied"}, models.FailurePolicyViolation},
		{"generic tool failure", models.ToolResult{OK: false, Payload: "exit status 1"}, models.FailureToolExecution},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := classifyToolResult(c.r); got != c.want {
				t.Errorf("classifyToolResult(%+v) = %q, want %q", c.r, got, c.want)
			}
		})
	}
}

func TestStepSnapshotsOnWriteThreshold(t *testing.T) {
	dir := t.TempDir()
	mgr, err := ckpt.New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mgr.Enter(); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := mgr.Branch(1); err != nil {
		t.Fatalf("Branch: %v", err)
	}

	reg := agent.NewRegistry()
	reg.Register(writeTool{root: dir})
	exec := agent.NewExecutor(reg, nil)
	call := models.ToolCall{ID: "1", Name: "write_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)}
	pipeline := compensate.New(&fakeClient{resp: &models.LMResponse{ToolCalls: []models.ToolCall{call}}}, reg)

	l := &Loop{
		Pipeline:   pipeline,
		Executor:   exec,
		Tools:      reg,
		Context:    ctxstore.New("sys"),
		Checkpoint: mgr,
		Budget:     50000,
	}

	var snapshotted bool
	l.OnEvent = func(e models.Event) {
		if e.Type == models.EventCheckpointTaken {
			snapshotted = true
		}
	}

	for i := 0; i < 10; i++ {
		if _, err := l.Step(context.Background(), "g1"); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}
	if !snapshotted {
		t.Error("expected a checkpoint snapshot after crossing the write threshold")
	}
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
	var parsed struct{ Path string `json:"path"` }
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", err
	}
	content := []byte(time.Now().String())
	if err := os.WriteFile(filepath.Join(w.root, parsed.Path), content, 0o644); err != nil {
		return "", err
	}
	return "ok", nil
}
