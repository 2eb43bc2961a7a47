package context

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/hama-jp/open-harness/pkg/models"
)

// minWorkingTurns and workingDivisor derive the working-layer window size:
// W = max(2, ceil(budget/8192)).
const (
	minWorkingTurns = 2
	workingDivisor  = 8192
)

// aggregateRunLength is the minimum run of consecutive L1 lines coalesced
// into a single L2 aggregate.
const aggregateRunLength = 4

// ErrContextOverflow is returned by BuildMessages when even the system and
// working layers alone, after every compression and eviction step, cannot
// fit inside the requested budget. The caller surfaces this to the
// orchestrator as a terminal failure; it is never shown to the model.
var ErrContextOverflow = errors.New("context: system and working layers exceed the token budget")

// Summary is the persistent structured record of a goal's progress that
// survives history compression by being rendered directly into the system
// layer on every call to BuildMessages.
type Summary struct {
	FilesModified   []string
	TestRan         bool
	TestPassed      bool
	TestOutputHead  string
	RecentErrors    []string
}

const maxRecentErrors = 10

func (s *Summary) noteFileModified(path string) {
	for _, p := range s.FilesModified {
		if p == path {
			return
		}
	}
	s.FilesModified = append(s.FilesModified, path)
}

func (s *Summary) noteTestResult(passed bool, outputHead string) {
	s.TestRan = true
	s.TestPassed = passed
	s.TestOutputHead = outputHead
}

func (s *Summary) noteError(msg string) {
	s.RecentErrors = append(s.RecentErrors, msg)
	if len(s.RecentErrors) > maxRecentErrors {
		s.RecentErrors = s.RecentErrors[len(s.RecentErrors)-maxRecentErrors:]
	}
}

func (s *Summary) render() string {
	if len(s.FilesModified) == 0 && !s.TestRan && len(s.RecentErrors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nmemory:\n")
	if len(s.FilesModified) > 0 {
		fmt.Fprintf(&b, "- files modified: %s\n", strings.Join(s.FilesModified, ", "))
	}
	if s.TestRan {
		fmt.Fprintf(&b, "- last test result: passed=%v\n", s.TestPassed)
		if s.TestOutputHead != "" {
			fmt.Fprintf(&b, "  %s\n", s.TestOutputHead)
		}
	}
	if len(s.RecentErrors) > 0 {
		b.WriteString("- recent errors:\n")
		for _, e := range s.RecentErrors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

// renderTrimmed drops the recent-errors and files-modified detail, keeping
// only the last test result, the last-resort shrink BuildMessages applies
// before declaring overflow.
func (s *Summary) renderTrimmed() string {
	if !s.TestRan {
		return ""
	}
	return fmt.Sprintf("\n\nmemory:\n- last test result: passed=%v\n", s.TestPassed)
}

// entry is one turn of history: either a plain message (a user goal or a
// final assistant reply with no tool call) or a tool exchange, which is the
// unit the L1/L2 compression cascade operates on.
type entry struct {
	isExchange bool

	plain models.Message

	assistant models.Message
	toolName  string
	toolMsg   models.Message
	isWrite   bool
	ok        bool
}

func (e entry) messages() []models.Message {
	if !e.isExchange {
		return []models.Message{e.plain}
	}
	return []models.Message{e.assistant, e.toolMsg}
}

func (e entry) l1Line() string {
	return fmt.Sprintf("tool=%s args_hash=%08x ok=%v", e.toolName, fnvHash(e.assistant.ToolCalls), e.ok)
}

func fnvHash(calls []models.ToolCall) uint32 {
	h := fnv.New32a()
	for _, c := range calls {
		h.Write(c.Arguments)
	}
	return h.Sum32()
}

// Store holds one goal's layered message history: a system layer, an
// optional plan layer, and the chronological entry log the working and
// history layers are drawn from. Grounded on the teacher's character-budget
// packer (internal/agent/context/packer.go), generalized to the two-level
// compression cascade and persistent structured summary spec.md's context
// store calls for.
type Store struct {
	mu sync.Mutex

	systemPrompt string
	plan         *models.Plan
	entries      []entry
	summary      Summary
}

// SummarySnapshot returns a read-only copy of the persistent structured
// summary, for the Orchestrator to fold into a goal's final report.
func (s *Store) SummarySnapshot() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// PruneFilesModified drops paths from the recorded file-write list. The
// Orchestrator calls this with whatever a checkpoint rollback just reverted,
// so a step's abandoned writes don't linger in the goal's final report as if
// they had survived.
func (s *Store) PruneFilesModified(reverted []string) {
	if len(reverted) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(reverted))
	for _, p := range reverted {
		drop[p] = true
	}
	kept := s.summary.FilesModified[:0]
	for _, p := range s.summary.FilesModified {
		if !drop[p] {
			kept = append(kept, p)
		}
	}
	s.summary.FilesModified = kept
}

// New builds a Store for one goal, seeded with the harness's system prompt.
func New(systemPrompt string) *Store {
	return &Store{systemPrompt: systemPrompt}
}

// SetPlan attaches the active plan, rendered as its own always-present layer.
func (s *Store) SetPlan(p *models.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

// Append records a plain turn (no tool call) — a user goal, a clarifying
// assistant reply, or similar.
func (s *Store) Append(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry{plain: msg})
}

// AppendExchange records one assistant tool-call turn and its result,
// updating the persistent structured summary as it goes.
func (s *Store) AppendExchange(assistant models.Message, call models.ToolCall, result models.ToolResult, isWrite bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	toolMsg := models.Message{
		Role:       models.RoleTool,
		Content:    result.Payload,
		ToolCallID: result.CallID,
		Name:       call.Name,
		Timestamp:  assistant.Timestamp,
	}
	s.entries = append(s.entries, entry{
		isExchange: true,
		assistant:  assistant,
		toolName:   call.Name,
		toolMsg:    toolMsg,
		isWrite:    isWrite,
		ok:         result.OK,
	})

	if isWrite && result.OK {
		if path, ok := argString(call.Arguments, "path"); ok {
			s.summary.noteFileModified(path)
		}
	}
	if call.Name == "run_tests" {
		head := result.Payload
		if len(head) > 200 {
			head = head[:200]
		}
		s.summary.noteTestResult(result.OK, head)
	}
	if !result.OK {
		s.summary.noteError(fmt.Sprintf("%s: %s", call.Name, firstLine(result.Payload)))
	}
}

func argString(raw json.RawMessage, key string) (string, bool) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if len(s) > 120 {
		return s[:120]
	}
	return s
}

// workingWindow computes W = max(2, ceil(budget/8192)).
func workingWindow(budgetTokens int) int {
	w := (budgetTokens + workingDivisor - 1) / workingDivisor
	if w < minWorkingTurns {
		return minWorkingTurns
	}
	return w
}

func estimateMessages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content) + EstimateTokens(m.Name)
	}
	return total
}

// compressedNode is the unit BuildMessages' compaction pass operates on: a
// raw exchange entry (level 0), a one-line L1 summary, or an L2 aggregate of
// several consecutive L1 lines.
type compressedNode struct {
	level    int
	raw      entry
	text     string
	writes   int
	failures int
	runLen   int
}

func (n compressedNode) render() []models.Message {
	if n.level == 0 {
		return n.raw.messages()
	}
	return []models.Message{{
		Role: models.RoleSystem,
		Name: "history_summary",
		Content: n.text,
	}}
}

func (n compressedNode) tokens() int {
	return estimateMessages(n.render())
}

// BuildMessages assembles the prompt's message list within budgetTokens: the
// system and plan layers are always included (the system layer's summary cut
// down to the last test result when the full one leaves no room), the most recent
// working-window entries are always included raw, and everything older is
// compressed (L1 pair-summary, then L2 run-aggregation) and, as a last
// resort, evicted oldest-first to make the total fit.
func (s *Store) BuildMessages(budgetTokens int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	systemMsg := models.Message{Role: models.RoleSystem, Content: s.systemPrompt + s.summary.render()}
	var fixed []models.Message
	fixed = append(fixed, systemMsg)
	if s.plan != nil {
		fixed = append(fixed, models.Message{Role: models.RoleSystem, Name: "plan", Content: renderPlan(s.plan)})
	}

	w := workingWindow(budgetTokens)
	working := s.entries
	var older []entry
	if len(s.entries) > w {
		older = append(older, s.entries[:len(s.entries)-w]...)
		working = s.entries[len(s.entries)-w:]
	}

	var workingMsgs []models.Message
	for _, e := range working {
		workingMsgs = append(workingMsgs, e.messages()...)
	}

	fixedTokens := estimateMessages(fixed)
	workingTokens := estimateMessages(workingMsgs)
	remaining := budgetTokens - fixedTokens - workingTokens

	if remaining < 0 {
		// Even the mandatory layers don't fit; shrink the summary and go on
		// with the trimmed system layer, or declare overflow if that still
		// does not fit.
		trimmedSystem := models.Message{Role: models.RoleSystem, Content: s.systemPrompt + s.summary.renderTrimmed()}
		trimmedFixed := append([]models.Message{trimmedSystem}, fixed[1:]...)
		fixedTokens = estimateMessages(trimmedFixed)
		if fixedTokens+workingTokens > budgetTokens {
			return nil, ErrContextOverflow
		}
		fixed = trimmedFixed
		remaining = budgetTokens - fixedTokens - workingTokens
	}

	nodes := make([]compressedNode, len(older))
	for i, e := range older {
		nodes[i] = compressedNode{level: 0, raw: e}
	}

	total := func() int {
		sum := 0
		for _, n := range nodes {
			sum += n.tokens()
		}
		return sum
	}

	// Pass 1: compress raw exchanges to L1, oldest first, until it fits or
	// every eligible node has been compressed.
	for i := 0; i < len(nodes) && total() > remaining; i++ {
		if nodes[i].level != 0 || !nodes[i].raw.isExchange {
			continue
		}
		nodes[i] = compressedNode{level: 1, text: nodes[i].raw.l1Line(), writes: boolToInt(nodes[i].raw.isWrite), failures: boolToInt(!nodes[i].raw.ok)}
	}

	// Pass 2: coalesce runs of >=4 consecutive L1 nodes into one L2
	// aggregate, oldest run first, re-checking the budget after each merge.
	if total() > remaining {
		nodes = coalesceRuns(nodes)
		for total() > remaining && hasCoalescableRun(nodes) {
			nodes = coalesceRuns(nodes)
		}
	}

	// Pass 3: drop L2 aggregates (then any remaining node) oldest-first.
	for len(nodes) > 0 && total() > remaining {
		nodes = nodes[1:]
	}

	var out []models.Message
	out = append(out, fixed...)
	for _, n := range nodes {
		out = append(out, n.render()...)
	}
	out = append(out, workingMsgs...)
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func hasCoalescableRun(nodes []compressedNode) bool {
	run := 0
	for _, n := range nodes {
		if n.level == 1 {
			run++
			if run >= aggregateRunLength {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// coalesceRuns merges the single oldest run of >=4 consecutive L1 nodes it
// finds into one L2 aggregate node, leaving everything else untouched.
func coalesceRuns(nodes []compressedNode) []compressedNode {
	start := -1
	for i := 0; i <= len(nodes); i++ {
		if i < len(nodes) && nodes[i].level == 1 {
			if start == -1 {
				start = i
			}
			continue
		}
		if start != -1 {
			runLen := i - start
			if runLen >= aggregateRunLength {
				merged := mergeRun(nodes[start:i])
				out := make([]compressedNode, 0, len(nodes)-runLen+1)
				out = append(out, nodes[:start]...)
				out = append(out, merged)
				out = append(out, nodes[i:]...)
				return out
			}
			start = -1
		}
	}
	return nodes
}

func mergeRun(run []compressedNode) compressedNode {
	writes, failures := 0, 0
	for _, n := range run {
		writes += n.writes
		failures += n.failures
	}
	return compressedNode{
		level:    2,
		text:     fmt.Sprintf("%d tool calls (%d writes, %d failures)", len(run), writes, failures),
		writes:   writes,
		failures: failures,
		runLen:   len(run),
	}
}

func renderPlan(p *models.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "goal: %s\ncomplexity: %s\n", p.Goal, p.Complexity)
	for i, step := range p.Steps {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, step.Title, step.Instruction)
	}
	return b.String()
}
