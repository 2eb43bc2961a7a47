// Package plan implements the planner/critic/replanner triad: a rule-based
// complexity estimate, an LM-driven step breakdown, a rule-based acceptance
// check, and a failure-driven replan path — grounded on the teacher's
// general split between a cheap rule pass and an LM call only where
// judgment is actually needed (seen in haasonsaas-nexus's classification
// layers ahead of any model call).
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hama-jp/open-harness/internal/lm"
	"github.com/hama-jp/open-harness/internal/parser"
	"github.com/hama-jp/open-harness/pkg/models"
)

// genericSuccessCriterion fills in for a step the LM forgot to give success
// criteria.
const genericSuccessCriterion = "tool invocation for this step completes without a terminal failure"

// requestTimeout is the per-attempt deadline §5 puts on an LM request: "LM
// request 120 s per attempt."
const requestTimeout = 120 * time.Second

var (
	refactorVerbs = regexp.MustCompile(`(?i)\b(refactor|rewrite|restructure|migrate|redesign|overhaul)\b`)
	testKeywords  = regexp.MustCompile(`(?i)\b(test|tests|testing|coverage|regression)\b`)
	filenameLike  = regexp.MustCompile(`\b[\w./-]+\.[a-zA-Z]{1,5}\b`)
)

// EstimateComplexity applies the rule-based pass: goal length, the presence
// of heavy-restructuring verbs, the number of filename-looking tokens, and
// test-related keywords all push the estimate up a tier.
func EstimateComplexity(goal string) models.Complexity {
	score := 0
	if len(goal) > 220 {
		score += 2
	} else if len(goal) > 100 {
		score++
	}
	if refactorVerbs.MatchString(goal) {
		score += 2
	}
	if n := len(filenameLike.FindAllString(goal, -1)); n >= 3 {
		score += 2
	} else if n >= 1 {
		score++
	}
	if testKeywords.MatchString(goal) {
		score++
	}

	switch {
	case score >= 4:
		return models.ComplexityHigh
	case score >= 2:
		return models.ComplexityMedium
	default:
		return models.ComplexityLow
	}
}

// Planner asks the LM for a step breakdown within the complexity-appropriate
// step cap, repairing malformed JSON the same way the compensation pipeline
// repairs tool-call JSON.
type Planner struct {
	Client lm.ChatClient
	Tier   lm.Tier
}

type wireStep struct {
	Title           string   `json:"title"`
	Instruction     string   `json:"instruction"`
	SuccessCriteria []string `json:"success_criteria"`
}

type wirePlan struct {
	Steps       []wireStep `json:"steps"`
	Assumptions []string   `json:"assumptions"`
}

// Plan produces a Plan for goal, given goalFacts (structured project facts
// rendered as text — file listing, detected language, etc).
func (p *Planner) Plan(ctx context.Context, goal, goalFacts string) (*models.Plan, error) {
	complexity := EstimateComplexity(goal)
	stepCap := complexity.StepCount()

	req := &lm.Request{
		Tier: p.Tier,
		Messages: []lm.ChatMessage{
			{Role: models.RoleSystem, Content: plannerSystemPrompt(stepCap)},
			{Role: models.RoleUser, Content: fmt.Sprintf("Goal: %s\n\nProject facts:\n%s", goal, goalFacts)},
		},
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	resp, err := p.Client.Chat(reqCtx, req)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("plan: lm call failed: %w", err)
	}

	wire, err := decodeWirePlan(resp.AssistantText)
	if err != nil {
		return nil, fmt.Errorf("plan: could not parse plan: %w", err)
	}

	steps := make([]models.Step, 0, len(wire.Steps))
	budget := complexity.StepBudget()
	for _, ws := range wire.Steps {
		criteria := ws.SuccessCriteria
		if len(criteria) == 0 {
			criteria = []string{genericSuccessCriterion}
		}
		steps = append(steps, models.Step{
			Title:           ws.Title,
			Instruction:     ws.Instruction,
			SuccessCriteria: criteria,
			StepBudget:      budget,
		})
	}

	if len(steps) > stepCap {
		steps = steps[:stepCap]
	}

	return &models.Plan{
		Goal:        goal,
		Complexity:  complexity,
		Steps:       steps,
		Assumptions: wire.Assumptions,
	}, nil
}

func plannerSystemPrompt(stepCap int) string {
	return fmt.Sprintf(
		"You are a planning assistant. Break the goal into at most %d concrete steps. "+
			"Reply with only a JSON object: {\"steps\":[{\"title\":str,\"instruction\":str,\"success_criteria\":[str]}],\"assumptions\":[str]}.",
		stepCap,
	)
}

// decodeWirePlan parses the LM's reply as a wirePlan, falling back to the
// parser package's JSON repair pass (brace balancing, trailing-comma
// stripping, fenced-code stripping) the same way a tool-call's arguments
// are repaired.
func decodeWirePlan(text string) (*wirePlan, error) {
	var w wirePlan
	if err := json.Unmarshal([]byte(text), &w); err == nil {
		return &w, nil
	}

	candidate := extractJSONObject(text)
	repaired, err := parser.Repair(candidate)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &w); err != nil {
		return nil, fmt.Errorf("plan: repaired text still invalid: %w", err)
	}
	return &w, nil
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

func extractJSONObject(text string) string {
	if m := fencedBlock.FindStringSubmatch(text); len(m) == 2 {
		return m[1]
	}
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
