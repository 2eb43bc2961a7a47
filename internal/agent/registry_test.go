package agent

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/hama-jp/open-harness/pkg/models"
)

type stubTool struct {
	desc models.ToolDescriptor
	fn   func(ctx context.Context, args json.RawMessage) (string, error)
}

func (s *stubTool) Descriptor() models.ToolDescriptor { return s.desc }
func (s *stubTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	if s.fn != nil {
		return s.fn(ctx, args)
	}
	return "ok", nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{desc: models.ToolDescriptor{Name: "read_file"}})

	tool, ok := r.Get("read_file")
	if !ok {
		t.Fatal("expected read_file to be registered")
	}
	if tool.Descriptor().Name != "read_file" {
		t.Errorf("got name %s", tool.Descriptor().Name)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("expected missing tool lookup to fail")
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{desc: models.ToolDescriptor{Name: "shell"}})
	r.Unregister("shell")
	if _, ok := r.Get("shell"); ok {
		t.Error("expected shell to be unregistered")
	}
}

func TestRegistryNamesAndDescriptor(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{desc: models.ToolDescriptor{Name: "a"}})
	r.Register(&stubTool{desc: models.ToolDescriptor{Name: "b"}})

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}

	desc, ok := r.Descriptor("a")
	if !ok || desc.Name != "a" {
		t.Errorf("expected descriptor for a, got %+v, ok=%v", desc, ok)
	}
}

func TestValidateArgsMissingRequired(t *testing.T) {
	desc := models.ToolDescriptor{
		Name: "read_file",
		Args: map[string]models.ArgSpec{
			"path": {Type: "string", Required: true},
		},
	}
	if _, err := validateArgs(desc, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected missing-argument error")
	}
	if _, err := validateArgs(desc, json.RawMessage(`{"path":"a.go"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
