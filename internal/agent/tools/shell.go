package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Shell implements shell(command, timeout?): a single command string run
// through the OS shell. Policy's always-blocked pattern list is checked
// upstream by the executor, not here.
type Shell struct {
	Root           string
	DefaultTimeout time.Duration
}

func (t *Shell) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "shell",
		Description: "Run a single shell command and capture its combined output.",
		Args: map[string]models.ArgSpec{
			"command": {Type: "string", Required: true},
			"timeout": {Type: "number", Required: false, Brief: "seconds, default 30"},
		},
		SideEffect: models.SideEffectShell,
	}
}

func (t *Shell) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Command string  `json:"command"`
		Timeout float64 `json:"timeout"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("shell: %w", err)
	}

	timeout := t.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout * float64(time.Second))
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", args.Command)
	if t.Root != "" {
		cmd.Dir = t.Root
	}
	// On cancellation, ask the child to exit cleanly before the 2s grace
	// period expires, per §5's "SIGTERM then SIGKILL after 2 s" contract —
	// without this, CommandContext's default behavior is an immediate kill.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 2 * time.Second
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	out := combined.String()
	if err != nil {
		return "", fmt.Errorf("exit error: %w\n%s", err, out)
	}
	return out, nil
}
