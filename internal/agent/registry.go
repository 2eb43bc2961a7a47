package agent

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hama-jp/open-harness/pkg/models"
)

// MaxToolNameLength bounds a registry lookup's name, same limit the teacher
// applies before ever touching its tool map.
const MaxToolNameLength = 256

// MaxToolParamsSize bounds a tool call's raw argument payload (10 MiB).
const MaxToolParamsSize = 10 << 20

// Registry is the thread-safe tool set the reasoner loop and the
// compensation pipeline both read from.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its descriptor's name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Descriptor().Name] = t
}

// Unregister removes a tool by name; it is a no-op for a name that is not
// registered.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns every registered tool's name, satisfying compensate.ToolLookup.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	return names
}

// Descriptor returns a tool's schema, satisfying compensate.ToolLookup.
func (r *Registry) Descriptor(name string) (models.ToolDescriptor, bool) {
	t, ok := r.Get(name)
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return t.Descriptor(), true
}

// Descriptors returns every registered tool's schema, for projecting into
// the LM request's tool list.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Descriptor())
	}
	return out
}

// validateArgs checks the raw argument payload against a tool's declared
// schema before the tool ever runs. A missing required argument is
// missing_args, never tool_execution — the executor tags the resulting
// ToolResult's payload with the "missing_args: " prefix so the reasoner loop
// can classify it without reaching back into this package's unexported error
// type.
type errMissingArgs struct {
	tool string
	arg  string
}

func (e *errMissingArgs) Error() string {
	return fmt.Sprintf("missing_args: tool %s: missing required argument %q", e.tool, e.arg)
}

func validateArgs(desc models.ToolDescriptor, raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("tool %s: invalid arguments JSON: %w", desc.Name, err)
		}
	}
	for name, spec := range desc.Args {
		if !spec.Required {
			continue
		}
		if _, ok := args[name]; !ok {
			return nil, &errMissingArgs{tool: desc.Name, arg: name}
		}
	}
	return args, nil
}
