package plan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/hama-jp/open-harness/pkg/models"
)

// actionVerbs is the whitelist an instruction's leading word is checked
// against. It is deliberately small and literal — the critic is a cheap,
// deterministic gate, not a grammar model.
var actionVerbs = map[string]bool{
	"read": true, "write": true, "edit": true, "create": true, "delete": true,
	"remove": true, "add": true, "update": true, "fix": true, "refactor": true,
	"implement": true, "run": true, "test": true, "check": true, "verify": true,
	"investigate": true, "search": true, "find": true, "install": true,
	"configure": true, "build": true, "generate": true, "review": true,
	"commit": true, "branch": true, "rename": true, "move": true, "extract": true,
}

var leadingWord = regexp.MustCompile(`^\W*(\w+)`)

// Verdict is the Critic's rule-based accept/reject decision.
type Verdict struct {
	Accepted bool
	Reason   string
}

// Critique rejects a plan with zero steps, a step count over its complexity
// tier's cap, any step whose instruction lacks an actionable leading verb, or
// any step whose success criteria mention none of the registered tool names
// (and isn't the generic placeholder criterion the Planner fills in for a
// step the LM left blank).
func Critique(p *models.Plan, toolNames []string) Verdict {
	if p == nil || len(p.Steps) == 0 {
		return Verdict{Accepted: false, Reason: "plan has zero steps"}
	}
	if cap := p.Complexity.StepCount(); cap > 0 && len(p.Steps) > cap {
		return Verdict{Accepted: false, Reason: fmt.Sprintf("plan has %d steps, exceeding the %s complexity cap of %d", len(p.Steps), p.Complexity, cap)}
	}
	for i, step := range p.Steps {
		if !hasActionVerb(step.Instruction) {
			return Verdict{Accepted: false, Reason: "step " + strconv.Itoa(i+1) + " (" + step.Title + ") has no actionable verb"}
		}
		if !criteriaReachable(step.SuccessCriteria, toolNames) {
			return Verdict{Accepted: false, Reason: "step " + strconv.Itoa(i+1) + " (" + step.Title + ") success criteria match no registered tool"}
		}
	}
	return Verdict{Accepted: true}
}

func hasActionVerb(instruction string) bool {
	m := leadingWord.FindStringSubmatch(strings.TrimSpace(instruction))
	if len(m) != 2 {
		return false
	}
	return actionVerbs[strings.ToLower(m[1])]
}

func criteriaReachable(criteria []string, toolNames []string) bool {
	for _, c := range criteria {
		if c == genericSuccessCriterion {
			return true
		}
		lower := strings.ToLower(c)
		for _, name := range toolNames {
			if strings.Contains(lower, strings.ToLower(name)) {
				return true
			}
		}
	}
	return false
}
