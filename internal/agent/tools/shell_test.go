package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestShellRunsCommand(t *testing.T) {
	sh := &Shell{}
	out, err := sh.Execute(context.Background(), json.RawMessage(`{"command":"echo hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(out) != "hi" {
		t.Errorf("got %q", out)
	}
}

func TestShellNonZeroExit(t *testing.T) {
	sh := &Shell{}
	_, err := sh.Execute(context.Background(), json.RawMessage(`{"command":"exit 1"}`))
	if err == nil {
		t.Fatal("expected non-zero exit to surface as an error")
	}
}
