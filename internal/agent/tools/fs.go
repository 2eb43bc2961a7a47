// Package tools implements the fixed built-in tool set named in the
// harness's tool contract: filesystem, shell, git, test-runner, and
// external-coding-agent tools, each satisfying agent.Tool.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/hama-jp/open-harness/pkg/models"
)

// ReadFile implements read_file(path).
type ReadFile struct{ Root string }

func (t *ReadFile) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "read_file",
		Description: "Read a text file's contents.",
		Args: map[string]models.ArgSpec{
			"path": {Type: "string", Required: true, Brief: "path to the file, relative to the workspace root"},
		},
		SideEffect: models.SideEffectRead,
	}
}

func (t *ReadFile) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("read_file: %w", err)
	}
	data, err := os.ReadFile(t.resolve(args.Path))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (t *ReadFile) resolve(path string) string {
	if t.Root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(t.Root, path)
}

// WriteFile implements write_file(path, content).
type WriteFile struct{ Root string }

func (t *WriteFile) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "write_file",
		Description: "Write (overwrite or create) a text file.",
		Args: map[string]models.ArgSpec{
			"path":    {Type: "string", Required: true},
			"content": {Type: "string", Required: true},
		},
		SideEffect: models.SideEffectWrite,
	}
}

func (t *WriteFile) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("write_file: %w", err)
	}
	full := (&ReadFile{Root: t.Root}).resolve(args.Path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(args.Content), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("wrote %d bytes to %s", len(args.Content), args.Path), nil
}

// EditFile implements edit_file(path, find, replace): a single literal
// find/replace, failing if find doesn't match exactly once so the model
// can't silently clobber the wrong occurrence.
type EditFile struct{ Root string }

func (t *EditFile) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "edit_file",
		Description: "Replace one exact occurrence of a string in a file.",
		Args: map[string]models.ArgSpec{
			"path":    {Type: "string", Required: true},
			"find":    {Type: "string", Required: true},
			"replace": {Type: "string", Required: true},
		},
		SideEffect: models.SideEffectWrite,
	}
}

func (t *EditFile) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Find    string `json:"find"`
		Replace string `json:"replace"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("edit_file: %w", err)
	}
	full := (&ReadFile{Root: t.Root}).resolve(args.Path)
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	content := string(data)
	n := strings.Count(content, args.Find)
	switch n {
	case 0:
		return "", fmt.Errorf("edit_file: find string not present in %s", args.Path)
	case 1:
		// exact single match, proceed
	default:
		return "", fmt.Errorf("edit_file: find string matches %d times in %s, must match exactly once", n, args.Path)
	}
	updated := strings.Replace(content, args.Find, args.Replace, 1)
	if err := os.WriteFile(full, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return fmt.Sprintf("edited %s", args.Path), nil
}

// ListDir implements list_dir(path, glob?).
type ListDir struct{ Root string }

func (t *ListDir) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "list_dir",
		Description: "List entries in a directory, optionally filtered by a glob.",
		Args: map[string]models.ArgSpec{
			"path": {Type: "string", Required: true},
			"glob": {Type: "string", Required: false},
		},
		SideEffect: models.SideEffectRead,
	}
}

func (t *ListDir) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
		Glob string `json:"glob"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("list_dir: %w", err)
	}
	full := (&ReadFile{Root: t.Root}).resolve(args.Path)
	entries, err := os.ReadDir(full)
	if err != nil {
		return "", err
	}
	var names []string
	for _, e := range entries {
		if args.Glob != "" {
			ok, err := filepath.Match(args.Glob, e.Name())
			if err != nil {
				return "", fmt.Errorf("list_dir: bad glob: %w", err)
			}
			if !ok {
				continue
			}
		}
		suffix := ""
		if e.IsDir() {
			suffix = "/"
		}
		names = append(names, e.Name()+suffix)
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// SearchFiles implements search_files(pattern, path, is_regex=false).
type SearchFiles struct{ Root string }

func (t *SearchFiles) Descriptor() models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        "search_files",
		Description: "Search file contents under a path for a literal string or regex.",
		Args: map[string]models.ArgSpec{
			"pattern":  {Type: "string", Required: true},
			"path":     {Type: "string", Required: true},
			"is_regex": {Type: "boolean", Required: false},
		},
		SideEffect: models.SideEffectRead,
	}
}

func (t *SearchFiles) Execute(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		IsRegex bool   `json:"is_regex"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", fmt.Errorf("search_files: %w", err)
	}

	var re *regexp.Regexp
	if args.IsRegex {
		var err error
		re, err = regexp.Compile(args.Pattern)
		if err != nil {
			return "", fmt.Errorf("search_files: bad regex: %w", err)
		}
	}

	root := (&ReadFile{Root: t.Root}).resolve(args.Path)
	var matches []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil || d.IsDir() {
			return nil
		}
		data, rerr := os.ReadFile(p)
		if rerr != nil {
			return nil
		}
		rel, _ := filepath.Rel(t.Root, p)
		if rel == "" {
			rel = p
		}
		for i, line := range strings.Split(string(data), "\n") {
			hit := false
			if re != nil {
				hit = re.MatchString(line)
			} else {
				hit = strings.Contains(line, args.Pattern)
			}
			if hit {
				matches = append(matches, fmt.Sprintf("%s:%d: %s", rel, i+1, line))
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.Join(matches, "\n"), nil
}
