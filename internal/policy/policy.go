// Package policy implements the harness's stateless access rules plus
// per-goal monotonic budget counters, in the spirit of the teacher's
// profile/allow/deny resolver but re-targeted at path globs, shell patterns,
// and numeric budgets rather than tool-name allow/deny lists.
package policy

import (
	"fmt"
	"math"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Preset selects a budget table. Unlike the teacher's Profile (which gates
// tool names), a Preset here only ever gates call volume.
type Preset string

const (
	PresetSafe     Preset = "safe"
	PresetBalanced Preset = "balanced"
	PresetFull     Preset = "full"
)

// Unlimited marks a budget dimension as uncapped.
const Unlimited = math.MaxInt32

// Budget is one preset's per-goal call caps.
type Budget struct {
	FileWrites int
	Shells     int
	GitCommits int
	External   int
}

// Presets maps each preset name to its budget table, per §4.6's table.
var Presets = map[Preset]Budget{
	PresetSafe:     {FileWrites: 20, Shells: 30, GitCommits: 3, External: 10},
	PresetBalanced: {FileWrites: Unlimited, Shells: Unlimited, GitCommits: 10, External: Unlimited},
	PresetFull:     {FileWrites: Unlimited, Shells: Unlimited, GitCommits: Unlimited, External: Unlimited},
}

// DeniedPathGlobs are always denied for both read and write, regardless of
// preset. Patterns use "**/" for any-depth-prefix and otherwise match via
// filepath.Match against the path's base name or full normalized path.
var DeniedPathGlobs = []string{
	"/etc/*", "/usr/*", "/bin/*", "/sbin/*", "/boot/*",
	"~/.ssh/*", "~/.gnupg/*",
	"**/.env", "**/.env.*", "**/credentials*", "**/secrets*",
}

// BlockedShellSubstrings are always-blocked shell patterns. Matching is a
// plain substring test, mirroring the teacher's errors.go lexicon style
// rather than a full shell parser — good enough to catch the named
// obviously-destructive idioms without trying to be a sandbox.
var BlockedShellSubstrings = []string{
	"rm -rf /", "mkfs", "dd if=", "curl ", "wget ", "chmod 777", "chmod -R 777",
	"> /dev/sd", "git push --force", "git reset --hard",
}

// pipeToShellSuffixes are the endings a "curl " / "wget " command must also
// have to be blocked, since those commands alone are common benign uses.
var pipeToShellSuffixes = []string{"| sh", "|sh", "| bash", "|bash"}

// toolClass names which budget dimension a tool call counts against.
type toolClass string

const (
	classFileWrite toolClass = "file_write"
	classShell     toolClass = "shell"
	classGitCommit toolClass = "git_commit"
	classExternal  toolClass = "external"
	classNone      toolClass = ""
)

var toolClasses = map[string]toolClass{
	"write_file": classFileWrite,
	"edit_file":  classFileWrite,
	"shell":      classShell,
	"git_commit": classGitCommit,
	"claude_code": classExternal,
	"codex":       classExternal,
	"gemini_cli":  classExternal,
}

// pathArgTools names which tools take a workspace-relative path argument
// that must be checked against DeniedPathGlobs and, for writes, confined to
// the project root / writable_paths.
var pathArgTools = map[string]bool{
	"read_file": true, "write_file": true, "edit_file": true,
	"list_dir": true, "search_files": true,
}

var writeTools = map[string]bool{"write_file": true, "edit_file": true}

// ViolationError is returned to the model as a tool error, never a terminal
// failure, so the model can adapt its next call.
type ViolationError struct {
	Reason string
}

func (e *ViolationError) Error() string { return e.Reason }

// BudgetExceededError additionally blocks every further call of the same
// class for the rest of the goal.
type BudgetExceededError struct {
	Class string
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for %s; no further %s calls are permitted this goal", e.Class, e.Class)
}

// Engine is the harness's PolicyChecker: stateless rule evaluation plus
// per-goal monotonic counters.
type Engine struct {
	Preset        Preset
	ProjectRoot   string
	WritablePaths []string

	mu       sync.Mutex
	used     map[toolClass]int
	blocked  map[toolClass]bool
}

// NewEngine builds an Engine for one goal's lifetime; counters never survive
// past the goal they were created for.
func NewEngine(preset Preset, projectRoot string, writablePaths []string) *Engine {
	return &Engine{
		Preset:        preset,
		ProjectRoot:   projectRoot,
		WritablePaths: writablePaths,
		used:          make(map[toolClass]int),
		blocked:       make(map[toolClass]bool),
	}
}

// Check implements agent.PolicyChecker: it runs the always-denied checks
// first (independent of preset), then the budget check for the call's class.
func (e *Engine) Check(call models.ToolCall, args map[string]any) error {
	if err := e.checkDeniedPath(call.Name, args); err != nil {
		return err
	}
	if err := e.checkShellPattern(call.Name, args); err != nil {
		return err
	}
	return e.checkBudget(call.Name)
}

func (e *Engine) checkDeniedPath(toolName string, args map[string]any) error {
	if !pathArgTools[toolName] {
		return nil
	}
	path, _ := args["path"].(string)
	if path == "" {
		return nil
	}
	if matchesDenied(path) {
		return &ViolationError{Reason: fmt.Sprintf("path %q matches an always-denied pattern", path)}
	}
	if writeTools[toolName] {
		if err := e.checkWritable(path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkWritable(path string) error {
	abs := path
	if !filepath.IsAbs(abs) && e.ProjectRoot != "" {
		abs = filepath.Join(e.ProjectRoot, path)
	}
	abs = filepath.Clean(abs)

	if e.ProjectRoot != "" && within(abs, filepath.Clean(e.ProjectRoot)) {
		return nil
	}
	for _, wp := range e.WritablePaths {
		if matchGlob(expandHome(wp), abs) {
			return nil
		}
	}
	if e.Preset == PresetFull {
		if home, err := user.Current(); err == nil && within(abs, home.HomeDir) {
			return nil
		}
	}
	return &ViolationError{Reason: fmt.Sprintf("write to %q falls outside the project root and configured writable paths", path)}
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || !strings.HasPrefix(rel, "..")
}

func (e *Engine) checkShellPattern(toolName string, args map[string]any) error {
	if toolName != "shell" {
		return nil
	}
	command, _ := args["command"].(string)
	if command == "" {
		return nil
	}
	lower := strings.ToLower(command)
	for _, pattern := range BlockedShellSubstrings {
		if !strings.Contains(lower, pattern) {
			continue
		}
		if pattern == "curl " || pattern == "wget " {
			if !endsInPipeToShell(lower) {
				continue
			}
		}
		return &ViolationError{Reason: fmt.Sprintf("command matches an always-blocked pattern: %q", pattern)}
	}
	return nil
}

func endsInPipeToShell(command string) bool {
	trimmed := strings.TrimSpace(command)
	for _, suffix := range pipeToShellSuffixes {
		if strings.HasSuffix(trimmed, suffix) {
			return true
		}
	}
	return false
}

func (e *Engine) checkBudget(toolName string) error {
	class := toolClasses[toolName]
	if class == classNone {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.blocked[class] {
		return &BudgetExceededError{Class: string(class)}
	}

	budget := Presets[e.Preset]
	limit := limitFor(budget, class)
	// Check before incrementing, per spec §8: a call that would exceed the
	// budget is rejected and the counter stays at limit, not limit+1.
	if e.used[class] >= limit {
		e.blocked[class] = true
		return &BudgetExceededError{Class: string(class)}
	}
	e.used[class]++
	return nil
}

func limitFor(b Budget, class toolClass) int {
	switch class {
	case classFileWrite:
		return b.FileWrites
	case classShell:
		return b.Shells
	case classGitCommit:
		return b.GitCommits
	case classExternal:
		return b.External
	default:
		return Unlimited
	}
}

func matchesDenied(path string) bool {
	path = expandHome(path)
	for _, pattern := range DeniedPathGlobs {
		if matchGlob(expandHome(pattern), path) {
			return true
		}
	}
	return false
}

// matchGlob supports a leading "**/" any-depth prefix (checked against every
// path suffix) and otherwise delegates to filepath.Match per path segment
// count, since filepath.Match itself does not cross path separators.
func matchGlob(pattern, path string) bool {
	path = filepath.Clean(path)
	if strings.HasPrefix(pattern, "**/") {
		suffix := strings.TrimPrefix(pattern, "**/")
		parts := strings.Split(path, string(filepath.Separator))
		for i := range parts {
			candidate := strings.Join(parts[i:], string(filepath.Separator))
			if ok, _ := filepath.Match(suffix, filepath.Base(candidate)); ok {
				return true
			}
		}
		return false
	}
	ok, _ := filepath.Match(pattern, path)
	return ok
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") && path != "~" {
		return path
	}
	home, err := user.Current()
	if err != nil {
		return path
	}
	if path == "~" {
		return home.HomeDir
	}
	return filepath.Join(home.HomeDir, strings.TrimPrefix(path, "~/"))
}
