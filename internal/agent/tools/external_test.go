package tools

import (
	"context"
	"testing"
	"time"
)

func TestCooldownTracker(t *testing.T) {
	c := newCooldownTracker()
	if c.inCooldown("claude_code") {
		t.Fatal("expected no cooldown initially")
	}
	c.markCooldown("claude_code", 50*time.Millisecond)
	if !c.inCooldown("claude_code") {
		t.Fatal("expected cooldown to be active")
	}
	time.Sleep(60 * time.Millisecond)
	if c.inCooldown("claude_code") {
		t.Fatal("expected cooldown to have expired")
	}
}

func TestRunCyclicFallsOverOnRateLimit(t *testing.T) {
	pool := &ExternalAgentPool{
		Specs: []AgentSpec{
			{Name: "claude_code", Binary: "sh", Args: []string{"-c", "echo 'rate limit exceeded'"}, ViaStdin: false},
			{Name: "codex", Binary: "sh", Args: []string{"-c", "echo ok from codex"}, ViaStdin: false},
			{Name: "gemini_cli", Binary: "sh", Args: []string{"-c", "echo unreachable"}, ViaStdin: false},
		},
		cooldowns: newCooldownTracker(),
	}

	out, err := pool.runCyclic(context.Background(), 0, "do the thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out == "" {
		t.Fatal("expected output from the fallback agent")
	}
	if !pool.cooldowns.inCooldown("claude_code") {
		t.Error("expected claude_code to be in cooldown after its rate-limited reply")
	}
}

func TestRunCyclicAllRateLimited(t *testing.T) {
	pool := &ExternalAgentPool{
		Specs: []AgentSpec{
			{Name: "claude_code", Binary: "sh", Args: []string{"-c", "echo 'rate limit'"}},
			{Name: "codex", Binary: "sh", Args: []string{"-c", "echo 'rate_limit'"}},
		},
		cooldowns: newCooldownTracker(),
	}
	_, err := pool.runCyclic(context.Background(), 0, "prompt")
	if err == nil {
		t.Fatal("expected a terminal rate-limited failure when every agent is in cooldown")
	}
}
