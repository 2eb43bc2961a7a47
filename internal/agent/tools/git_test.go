package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T, dir string) {
	t.Helper()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v\n%s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
}

func TestGitStatusAndCommit(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	status := &GitStatus{Root: dir}
	out, err := status.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("git_status: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty status for an untracked file")
	}

	commit := &GitCommit{Root: dir}
	_, err = commit.Execute(context.Background(), json.RawMessage(`{"message":"add a.txt"}`))
	if err != nil {
		t.Fatalf("git_commit: %v", err)
	}

	logTool := &GitLog{Root: dir}
	logOut, err := logTool.Execute(context.Background(), json.RawMessage(`{"count":5}`))
	if err != nil {
		t.Fatalf("git_log: %v", err)
	}
	if logOut == "" {
		t.Error("expected at least one log entry")
	}
}

func TestGitBranchCreate(t *testing.T) {
	dir := t.TempDir()
	initRepo(t, dir)
	os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644)
	(&GitCommit{Root: dir}).Execute(context.Background(), json.RawMessage(`{"message":"init"}`))

	branch := &GitBranch{Root: dir}
	_, err := branch.Execute(context.Background(), json.RawMessage(`{"action":"create","name":"harness/goal-1"}`))
	if err != nil {
		t.Fatalf("git_branch create: %v", err)
	}
}
