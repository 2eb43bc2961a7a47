package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// externalTimeout is the hard 10-minute ceiling on a one-shot external agent
// subprocess named in §4.5.5.
const externalTimeout = 10 * time.Minute

// rateLimitLexicon is the phrase list used to detect a rate-limited reply
// from an external agent's own output rather than from an HTTP status code.
// It is separate from, and not identical to, internal/lm's lexicon.
var rateLimitLexicon = []string{
	"rate limit", "rate_limit", "too many requests", "429",
}

func looksRateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range rateLimitLexicon {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// AgentSpec names one external coding agent's invocation shape: the binary
// to probe/run and whether the prompt goes on stdin or as a final argument.
type AgentSpec struct {
	Name      string
	Binary    string
	Args      []string
	ViaStdin  bool
}

// cooldownTracker records, per agent name, the deadline before which that
// agent must be skipped in the fallback cycle.
type cooldownTracker struct {
	mu        sync.Mutex
	deadlines map[string]time.Time
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{deadlines: make(map[string]time.Time)}
}

func (c *cooldownTracker) inCooldown(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.deadlines[name]
	return ok && time.Now().Before(until)
}

func (c *cooldownTracker) markCooldown(name string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines[name] = time.Now().Add(d)
}

// ExternalAgentPool runs the three external coding agents behind a single
// shared cyclic fallback order, so claude_code, codex, and gemini_cli each
// register as a Tool but all consult the same cooldown state: a rate-limit
// hit on one rotates to the next before the caller sees a failure.
type ExternalAgentPool struct {
	Root      string
	Specs     []AgentSpec // fixed fallback order
	cooldowns *cooldownTracker
}

// NewExternalAgentPool builds the pool with the spec's fixed fallback order:
// claude_code -> codex -> gemini_cli -> claude_code.
func NewExternalAgentPool(root string) *ExternalAgentPool {
	return &ExternalAgentPool{
		Root: root,
		Specs: []AgentSpec{
			{Name: "claude_code", Binary: "claude", Args: []string{"-p"}, ViaStdin: false},
			{Name: "codex", Binary: "codex", Args: []string{"exec"}, ViaStdin: true},
			{Name: "gemini_cli", Binary: "gemini", Args: []string{}, ViaStdin: true},
		},
		cooldowns: newCooldownTracker(),
	}
}

// ProbeAvailable runs each agent's binary with --version (or equivalent) and
// returns only the Tool wrappers for agents that actually responded, so the
// registry never offers an uninstalled external agent to the model.
func (p *ExternalAgentPool) ProbeAvailable(ctx context.Context) []agentTool {
	var available []agentTool
	for i, spec := range p.Specs {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := exec.CommandContext(probeCtx, spec.Binary, "--version").Run()
		cancel()
		if err != nil {
			continue
		}
		available = append(available, agentTool{pool: p, self: i})
	}
	return available
}

// agentTool is the Tool-satisfying handle for one named position in the
// pool's fallback order; Execute on any of the three starts the cyclic
// fallback search from that position.
type agentTool struct {
	pool *ExternalAgentPool
	self int
}

func (a agentTool) Descriptor() models.ToolDescriptor {
	spec := a.pool.Specs[a.self]
	return models.ToolDescriptor{
		Name:        spec.Name,
		Description: fmt.Sprintf("Delegate a coding task to the external %s agent.", spec.Name),
		Args:        map[string]models.ArgSpec{"prompt": {Type: "string", Required: true}},
		OutputLimit: 2048,
		SideEffect:  models.SideEffectNetworkExternal,
	}
}

func (a agentTool) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Prompt string `json:"prompt"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("%s: %w", a.pool.Specs[a.self].Name, err)
	}
	return a.pool.runCyclic(ctx, a.self, args.Prompt)
}

// runCyclic walks the fallback order starting at start, skipping any agent
// currently in cooldown, and returns a single rate-limited failure once
// every agent has been tried and found in cooldown.
func (p *ExternalAgentPool) runCyclic(ctx context.Context, start int, prompt string) (string, error) {
	n := len(p.Specs)
	for i := 0; i < n; i++ {
		spec := p.Specs[(start+i)%n]
		if p.cooldowns.inCooldown(spec.Name) {
			continue
		}
		out, err := p.invoke(ctx, spec, prompt)
		if looksRateLimited(out) || (err != nil && looksRateLimited(err.Error())) {
			p.cooldowns.markCooldown(spec.Name, 15*time.Minute)
			continue
		}
		if err != nil {
			return "", err
		}
		return out, nil
	}
	return "", fmt.Errorf("all external agents are rate-limited")
}

func (p *ExternalAgentPool) invoke(ctx context.Context, spec AgentSpec, prompt string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	args := append([]string{}, spec.Args...)
	if !spec.ViaStdin {
		args = append(args, prompt)
	}

	cmd := exec.CommandContext(cctx, spec.Binary, args...)
	if p.Root != "" {
		cmd.Dir = p.Root
	}
	// Per §5: external agent children get SIGTERM, then SIGKILL 2s later if
	// they haven't exited, not an immediate hard kill on cancellation.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 2 * time.Second
	if spec.ViaStdin {
		cmd.Stdin = strings.NewReader(prompt)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
