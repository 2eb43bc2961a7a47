package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/hama-jp/open-harness/pkg/models"
)

// gitCmd shells out to the system git binary, distinct from the checkpoint
// manager's go-git-backed lifecycle: these tools are the model-facing
// read/commit surface, not the harness's own branch/snapshot bookkeeping.
func gitCmd(ctx context.Context, root string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if root != "" {
		cmd.Dir = root
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %v: %w\n%s", args, err, out.String())
	}
	return out.String(), nil
}

// GitStatus implements git_status.
type GitStatus struct{ Root string }

func (t *GitStatus) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{Name: "git_status", Description: "Show working tree status.", SideEffect: models.SideEffectGit}
}

func (t *GitStatus) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	return gitCmd(ctx, t.Root, "status", "--short", "--branch")
}

// GitDiff implements git_diff(staged?).
type GitDiff struct{ Root string }

func (t *GitDiff) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "git_diff",
		Description: "Show unstaged (or staged) changes.",
		Args:        map[string]models.ArgSpec{"staged": {Type: "boolean", Required: false}},
		SideEffect:  models.SideEffectGit,
	}
}

func (t *GitDiff) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Staged bool `json:"staged"`
	}
	_ = json.Unmarshal(raw, &args)
	gitArgs := []string{"diff"}
	if args.Staged {
		gitArgs = append(gitArgs, "--staged")
	}
	return gitCmd(ctx, t.Root, gitArgs...)
}

// GitCommit implements git_commit(message, paths?).
type GitCommit struct{ Root string }

func (t *GitCommit) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "git_commit",
		Description: "Stage and commit changes.",
		Args: map[string]models.ArgSpec{
			"message": {Type: "string", Required: true},
			"paths":   {Type: "array", Required: false, Brief: "paths to stage; all tracked changes if omitted"},
		},
		SideEffect: models.SideEffectGit,
	}
}

func (t *GitCommit) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Message string   `json:"message"`
		Paths   []string `json:"paths"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("git_commit: %w", err)
	}
	addArgs := []string{"add"}
	if len(args.Paths) > 0 {
		addArgs = append(addArgs, args.Paths...)
	} else {
		addArgs = append(addArgs, "-A")
	}
	if _, err := gitCmd(ctx, t.Root, addArgs...); err != nil {
		return "", err
	}
	return gitCmd(ctx, t.Root, "commit", "-m", args.Message)
}

// GitBranch implements git_branch(name?, action?). action defaults to
// "list"; "create" makes and switches to a new branch named name.
type GitBranch struct{ Root string }

func (t *GitBranch) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "git_branch",
		Description: "List branches, or create and switch to a new one.",
		Args: map[string]models.ArgSpec{
			"name":   {Type: "string", Required: false},
			"action": {Type: "string", Required: false, Brief: "list|create, default list"},
		},
		SideEffect: models.SideEffectGit,
	}
}

func (t *GitBranch) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Name   string `json:"name"`
		Action string `json:"action"`
	}
	_ = json.Unmarshal(raw, &args)
	if args.Action == "create" {
		if args.Name == "" {
			return "", fmt.Errorf("git_branch: name is required for action=create")
		}
		return gitCmd(ctx, t.Root, "checkout", "-b", args.Name)
	}
	return gitCmd(ctx, t.Root, "branch", "--list")
}

// GitLog implements git_log(count?).
type GitLog struct{ Root string }

func (t *GitLog) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "git_log",
		Description: "Show recent commit history.",
		Args:        map[string]models.ArgSpec{"count": {Type: "number", Required: false, Brief: "default 10, max 50"}},
		SideEffect:  models.SideEffectGit,
	}
}

func (t *GitLog) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(raw, &args)
	count := args.Count
	if count <= 0 {
		count = 10
	}
	if count > 50 {
		count = 50
	}
	return gitCmd(ctx, t.Root, "log", "--oneline", "--no-decorate", "-n", strconv.Itoa(count))
}

// RunTests implements run_tests(target?).
type RunTests struct {
	Root    string
	Command []string // e.g. {"go", "test"}; target is appended if given
}

func (t *RunTests) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "run_tests",
		Description: "Run the project's test suite, optionally scoped to a target.",
		Args:        map[string]models.ArgSpec{"target": {Type: "string", Required: false}},
		SideEffect:  models.SideEffectShell,
	}
}

func (t *RunTests) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(raw, &args)

	cmdArgs := append([]string{}, t.Command...)
	if len(cmdArgs) == 0 {
		cmdArgs = []string{"go", "test", "./..."}
	}
	if args.Target != "" {
		cmdArgs = append(cmdArgs, args.Target)
	}

	cmd := exec.CommandContext(ctx, cmdArgs[0], cmdArgs[1:]...)
	if t.Root != "" {
		cmd.Dir = t.Root
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return "", fmt.Errorf("run_tests: %w\n%s", err, out.String())
	}
	return out.String(), nil
}
