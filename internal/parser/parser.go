// Package parser turns raw assistant output into a list of tool calls plus
// residual narrative. It is schema-first: it only ever looks for calls to
// names the caller's registry actually knows about.
package parser

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Shape identifies which priority-ordered extraction rule produced a
// candidate, used by the Error Classifier to distinguish prose_wrapped from
// malformed_json.
type Shape int

const (
	// ShapeNative is a tool call the transport already parsed for us.
	ShapeNative Shape = iota
	// ShapeFencedJSON is a ```json fenced block containing {"tool": ..., "arguments": ...}.
	ShapeFencedJSON
	// ShapeInlineCall is a bare `name({...})` or `name args={...}` line.
	ShapeInlineCall
	// ShapeTagSpan is a <tool_call>...</tool_call> span.
	ShapeTagSpan
	// ShapeProseUnmatched marks text that looks like a call but wasn't
	// captured by any of the structured extractors above.
	ShapeProseUnmatched
)

// Candidate is one located call site before JSON repair and name resolution.
// A fuzzy-resolved candidate is never auto-promoted to a ToolCall here: the
// compensation pipeline decides whether to accept it, and only once the
// arguments validate against the matched tool's schema.
type Candidate struct {
	Shape     Shape
	RawName   string
	RawArgs   string
	RawJSON   string // repaired JSON args, set once repair succeeds
	Resolved  string // tool name after exact/fuzzy match, empty if neither
	FuzzyHit  bool
	RepairErr error
}

// Result is the parser's full output for one assistant turn.
type Result struct {
	ToolCalls []models.ToolCall
	Narrative string
	Candidates []Candidate
}

var (
	fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")
	tagSpanPattern    = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)
)

// Parse extracts tool calls from raw assistant text. knownTools is the
// registry's current name set, used both to build the inline-call alternation
// and as the fuzzy-match universe. nativeCalls are tool calls the transport
// already parsed (OpenAI-style tool_calls field); when non-empty they are
// trusted as-is and no further extraction runs, per priority rule 1.
func Parse(text string, knownTools []string, nativeCalls []models.ToolCall) Result {
	if len(nativeCalls) > 0 {
		calls := make([]models.ToolCall, len(nativeCalls))
		copy(calls, nativeCalls)
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = generateCallID()
			}
		}
		return Result{ToolCalls: calls, Narrative: text}
	}

	inlinePattern := buildInlinePattern(knownTools)

	var candidates []Candidate
	var claimed [][]int

	if m := fencedJSONPattern.FindAllStringSubmatchIndex(text, -1); len(m) > 0 {
		for _, loc := range m {
			raw := text[loc[2]:loc[3]]
			candidates = append(candidates, extractFencedJSON(raw)...)
			claimed = append(claimed, []int{loc[0], loc[1]})
		}
	}

	if inlinePattern != nil {
		if locs := inlinePattern.FindAllStringSubmatchIndex(text, -1); len(locs) > 0 {
			for _, loc := range locs {
				name := text[loc[2]:loc[3]]
				var args string
				switch {
				case loc[4] >= 0 && loc[5] >= 0:
					args = text[loc[4]:loc[5]]
				case loc[6] >= 0 && loc[7] >= 0:
					args = text[loc[6]:loc[7]]
				}
				candidates = append(candidates, Candidate{Shape: ShapeInlineCall, RawName: name, RawArgs: args})
				claimed = append(claimed, []int{loc[0], loc[1]})
			}
		}
	}

	if m := tagSpanPattern.FindAllStringSubmatchIndex(text, -1); len(m) > 0 {
		for _, loc := range m {
			candidates = append(candidates, extractTagSpan(text[loc[2]:loc[3]])...)
			claimed = append(claimed, []int{loc[0], loc[1]})
		}
	}

	sortRanges(claimed)
	narrative := stripRanges(text, claimed)

	candidates = append(candidates, detectProseUnmatched(narrative, knownTools)...)

	toolSet := make(map[string]bool, len(knownTools))
	for _, t := range knownTools {
		toolSet[strings.ToLower(t)] = true
	}

	var calls []models.ToolCall
	for i := range candidates {
		c := &candidates[i]
		if c.Shape == ShapeProseUnmatched {
			continue
		}
		repaired, err := Repair(c.RawArgs)
		if err != nil {
			c.RepairErr = err
			continue
		}
		c.RawJSON = repaired
		resolveName(c, knownTools, toolSet)
		if c.Resolved == "" || c.FuzzyHit {
			// Exact misses and fuzzy hits both stay candidates; the
			// classifier reports wrong_tool_name and the compensation
			// pipeline decides whether a fuzzy hit is safe to accept.
			continue
		}
		calls = append(calls, models.ToolCall{
			ID:        generateCallID(),
			Name:      c.Resolved,
			Arguments: json.RawMessage(repaired),
		})
	}

	return Result{
		ToolCalls:  calls,
		Narrative:  strings.TrimSpace(narrative),
		Candidates: candidates,
	}
}

// resolveName fills in c.Resolved, preferring an exact case-insensitive match
// and falling back to fuzzy matching with edit distance <= 2.
func resolveName(c *Candidate, knownTools []string, toolSet map[string]bool) {
	lower := strings.ToLower(c.RawName)
	if toolSet[lower] {
		for _, t := range knownTools {
			if strings.EqualFold(t, c.RawName) {
				c.Resolved = t
				return
			}
		}
	}
	best := ""
	bestDist := 3
	for _, t := range knownTools {
		d := levenshtein(lower, strings.ToLower(t))
		if d < bestDist {
			bestDist = d
			best = t
		}
	}
	if best != "" {
		c.Resolved = best
		c.FuzzyHit = true
	}
}

func extractFencedJSON(raw string) []Candidate {
	raw = strings.TrimSpace(raw)
	var out []Candidate
	if strings.HasPrefix(raw, "[") {
		var arr []json.RawMessage
		repaired, err := Repair(raw)
		if err != nil {
			return []Candidate{{Shape: ShapeFencedJSON, RepairErr: err}}
		}
		if err := json.Unmarshal([]byte(repaired), &arr); err != nil {
			return []Candidate{{Shape: ShapeFencedJSON, RepairErr: err}}
		}
		for _, item := range arr {
			out = append(out, candidateFromToolEnvelope(string(item)))
		}
		return out
	}
	return []Candidate{candidateFromToolEnvelope(raw)}
}

// candidateFromToolEnvelope pulls {"tool": name, "arguments": {...}} apart
// after repair, so a candidate always carries RawName/RawArgs independent of
// its shape.
func candidateFromToolEnvelope(raw string) Candidate {
	repaired, err := Repair(raw)
	if err != nil {
		return Candidate{Shape: ShapeFencedJSON, RepairErr: err}
	}
	var env struct {
		Tool      string          `json:"tool"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(repaired), &env); err != nil {
		return Candidate{Shape: ShapeFencedJSON, RepairErr: err}
	}
	args := string(env.Arguments)
	if args == "" {
		args = "{}"
	}
	return Candidate{Shape: ShapeFencedJSON, RawName: env.Tool, RawArgs: args}
}

func extractTagSpan(inner string) []Candidate {
	inner = strings.TrimSpace(inner)
	return []Candidate{candidateFromToolEnvelope(inner)}
}

// detectProseUnmatched looks for a bare known-tool-name mention followed by a
// brace that the structured extractors above didn't already claim, so the
// classifier can call it prose_wrapped instead of silently dropping it.
func detectProseUnmatched(remaining string, knownTools []string) []Candidate {
	if len(knownTools) == 0 {
		return nil
	}
	var out []Candidate
	for _, t := range knownTools {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(t) + `\b\s*[:=]?\s*\{`)
		if re.MatchString(remaining) {
			out = append(out, Candidate{Shape: ShapeProseUnmatched, RawName: t})
		}
	}
	return out
}

// buildInlinePattern compiles the schema-first alternation over known tool
// names for shape 3: name({...}) or name args={...}.
func buildInlinePattern(knownTools []string) *regexp.Regexp {
	if len(knownTools) == 0 {
		return nil
	}
	escaped := make([]string, len(knownTools))
	for i, t := range knownTools {
		escaped[i] = regexp.QuoteMeta(t)
	}
	alt := strings.Join(escaped, "|")
	pattern := fmt.Sprintf(`(?i)\b(%s)\s*(?:\(\s*(\{.*?\})\s*\)|args\s*=\s*(\{.*?\}))`, alt)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}

func sortRanges(ranges [][]int) {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
}

func stripRanges(text string, ranges [][]int) string {
	if len(ranges) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, r := range ranges {
		if r[0] < last {
			continue
		}
		b.WriteString(text[last:r[0]])
		last = r[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

func generateCallID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "call_fallback"
	}
	return "call_" + hex.EncodeToString(b)
}

func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	ra, rb := []rune(a), []rune(b)
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			del := prev[j] + 1
			ins := cur[j-1] + 1
			sub := prev[j-1] + cost
			m := del
			if ins < m {
				m = ins
			}
			if sub < m {
				m = sub
			}
			cur[j] = m
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}
