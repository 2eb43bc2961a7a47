package plan

import (
	"context"
	"fmt"
	"strings"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Outcome records what happened to one already-attempted step, for folding
// into the replanner's prompt to the Planner.
type Outcome struct {
	Step        models.Step
	Succeeded   bool
	FailureNote string
}

// Replanner re-invokes the Planner after a step failure, within the goal's
// replan_allowance (tracked by the caller — the Orchestrator — since it
// spans the whole goal, not just one replan call).
type Replanner struct {
	Planner *Planner
}

// Replan builds a followup goal description from the original goal, the
// steps already attempted and their outcomes, the step that just failed, and
// the classifier's verdict on why, then asks the Planner for a fresh plan.
func (r *Replanner) Replan(ctx context.Context, originalGoal string, completed []Outcome, failing models.Step, failureClass models.FailureClass, goalFacts string) (*models.Plan, error) {
	facts := goalFacts + "\n\n" + renderReplanContext(originalGoal, completed, failing, failureClass)
	return r.Planner.Plan(ctx, originalGoal, facts)
}

func renderReplanContext(originalGoal string, completed []Outcome, failing models.Step, failureClass models.FailureClass) string {
	var b strings.Builder
	b.WriteString("Replanning context:\n")
	fmt.Fprintf(&b, "- original goal: %s\n", originalGoal)
	if len(completed) == 0 {
		b.WriteString("- no steps completed yet\n")
	}
	for _, o := range completed {
		status := "succeeded"
		if !o.Succeeded {
			status = "failed: " + o.FailureNote
		}
		fmt.Fprintf(&b, "- step %q %s\n", o.Step.Title, status)
	}
	fmt.Fprintf(&b, "- failing step: %q (%s)\n", failing.Title, failing.Instruction)
	fmt.Fprintf(&b, "- failure class: %s\n", failureClass)
	b.WriteString("Produce a revised plan that avoids repeating the failing step's approach.\n")
	return b.String()
}

// DirectExecutionFallback builds a single-step plan treating the whole goal
// as one step, used both when the Critic rejects a plan and when the
// replan_allowance is exhausted.
func DirectExecutionFallback(goal string) *models.Plan {
	return &models.Plan{
		Goal:       goal,
		Complexity: models.ComplexityLow,
		Steps: []models.Step{{
			Title:           "direct execution",
			Instruction:     "accomplish the goal directly: " + goal,
			SuccessCriteria: []string{genericSuccessCriterion},
			StepBudget:      models.ComplexityLow.StepBudget(),
		}},
	}
}
