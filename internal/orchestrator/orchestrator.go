// Package orchestrator drives a goal end to end: plan, critique, execute
// each step through the reasoner loop, roll back and replan on failure, and
// commit or discard the checkpoint branch at the end. It is the component
// spec.md calls the Goal Orchestrator (§4.11).
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hama-jp/open-harness/internal/checkpoint"
	"github.com/hama-jp/open-harness/internal/plan"
	"github.com/hama-jp/open-harness/internal/reasoner"
	"github.com/hama-jp/open-harness/pkg/models"
)

// Status is the terminal state a goal run ends in.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Stats accumulates the counters a goal's final summary reports.
type Stats struct {
	ToolCalls            int
	CompensationsByClass map[models.FailureClass]int
	CheckpointsTaken     int
	Rollbacks            int
	ReplansUsed          int
	FilesModified        []string
	TestRan              bool
	TestPassed           bool
	ElapsedMS            int64
}

// Result is run_goal's return contract.
type Result struct {
	GoalID  string
	Status  Status
	Summary string
	Stats   Stats
}

// Orchestrator runs one goal at a time. The caller builds a fresh
// Orchestrator (with a fresh reasoner.Loop and context.Store) per goal —
// the Task Queue does exactly this for every background task.
type Orchestrator struct {
	Loop       *reasoner.Loop
	Checkpoint *checkpoint.Manager
	Planner    *plan.Planner
	Replanner  *plan.Replanner
	ToolNames  []string
	GoalFacts  string
	OnEvent    func(models.Event)

	stats Stats
}

// RunGoal implements run_goal(goal) -> {status, summary, stats}.
func (o *Orchestrator) RunGoal(ctx context.Context, goal string) (*Result, error) {
	goalID := uuid.New().String()
	start := time.Now()
	o.stats = Stats{CompensationsByClass: make(map[models.FailureClass]int)}
	o.Loop.OnEvent = o.observe(goalID)

	o.emit(models.Event{Type: models.EventGoalStarted, GoalID: goalID, Text: goal})

	if err := o.Checkpoint.Enter(); err != nil {
		o.emit(models.Event{Type: models.EventGoalFailed, GoalID: goalID, Detail: "checkpointing disabled: " + err.Error()})
	}
	epoch := time.Now().Unix()
	_ = o.Checkpoint.Branch(epoch)

	p := o.buildInitialPlan(ctx, goal)

	anySucceeded := false
	usedFallback := false
	replanAllowance := p.Complexity.ReplanAllowance()
	var completed []plan.Outcome

	stepIdx := 0
	for stepIdx < len(p.Steps) {
		step := p.Steps[stepIdx]
		o.emit(models.Event{Type: models.EventPlanStepStarted, GoalID: goalID, StepTitle: step.Title})

		ok, failNote, class := o.runStep(ctx, goalID, step)
		if ok {
			anySucceeded = true
			completed = append(completed, plan.Outcome{Step: step, Succeeded: true})
			o.emit(models.Event{Type: models.EventPlanStepCompleted, GoalID: goalID, StepTitle: step.Title})
			stepIdx++
			continue
		}

		completed = append(completed, plan.Outcome{Step: step, Succeeded: false, FailureNote: failNote})
		o.emit(models.Event{Type: models.EventPlanStepFailed, GoalID: goalID, StepTitle: step.Title, Class: class, Detail: failNote})

		if cp, reverted, err := o.Checkpoint.Rollback(); err == nil && cp.SnapshotRef != "" {
			o.stats.Rollbacks++
			o.emit(models.Event{Type: models.EventCheckpointRolled, GoalID: goalID, Detail: cp.SnapshotRef})
			o.Loop.Context.PruneFilesModified(reverted)
		}

		if usedFallback {
			// The direct-execution fallback itself failed; nothing left to try.
			break
		}
		if o.stats.ReplansUsed >= replanAllowance {
			p = plan.DirectExecutionFallback(goal)
			usedFallback = true
			stepIdx = 0
			continue
		}

		newPlan, err := o.Replanner.Replan(ctx, goal, completed, step, class, o.GoalFacts)
		o.stats.ReplansUsed++
		if err != nil {
			p = plan.DirectExecutionFallback(goal)
			usedFallback = true
			stepIdx = 0
			continue
		}
		if v := plan.Critique(newPlan, o.ToolNames); !v.Accepted {
			p = plan.DirectExecutionFallback(goal)
			usedFallback = true
			stepIdx = 0
			continue
		}
		p = newPlan
		stepIdx = 0
	}

	summary := o.Loop.Context.SummarySnapshot()
	o.stats.FilesModified = summary.FilesModified
	o.stats.TestRan = summary.TestRan
	o.stats.TestPassed = summary.TestPassed
	o.stats.ElapsedMS = time.Since(start).Milliseconds()

	status := StatusSucceeded
	if stepIdx < len(p.Steps) {
		status = StatusFailed
	}

	if anySucceeded {
		_ = o.Checkpoint.Commit(fmt.Sprintf("goal %s", status))
	} else {
		_ = o.Checkpoint.Discard()
	}
	_ = o.Checkpoint.Restore()

	text := fmt.Sprintf("goal %s: %d/%d steps completed, %d rollback(s), %d replan(s)",
		status, len(completed)-countFailed(completed), len(p.Steps), o.stats.Rollbacks, o.stats.ReplansUsed)

	if status == StatusSucceeded {
		o.emit(models.Event{Type: models.EventGoalCompleted, GoalID: goalID, Text: text})
	} else {
		o.emit(models.Event{Type: models.EventGoalFailed, GoalID: goalID, Text: text})
	}

	return &Result{GoalID: goalID, Status: status, Summary: text, Stats: o.stats}, nil
}

func countFailed(outcomes []plan.Outcome) int {
	n := 0
	for _, o := range outcomes {
		if !o.Succeeded {
			n++
		}
	}
	return n
}

// buildInitialPlan asks the Planner for a plan and runs it through the
// Critic, falling back to single-step direct execution on either a planner
// error or a critic rejection.
func (o *Orchestrator) buildInitialPlan(ctx context.Context, goal string) *models.Plan {
	p, err := o.Planner.Plan(ctx, goal, o.GoalFacts)
	if err != nil {
		return plan.DirectExecutionFallback(goal)
	}
	if v := plan.Critique(p, o.ToolNames); !v.Accepted {
		return plan.DirectExecutionFallback(goal)
	}
	return p
}

// runStep scopes the reasoner loop to step.StepBudget turns, treating a
// narrative-only (Done) reply as the step's success signal and a turn
// exhausted without one as failure.
func (o *Orchestrator) runStep(ctx context.Context, goalID string, step models.Step) (ok bool, failNote string, class models.FailureClass) {
	o.Loop.Context.Append(models.Message{
		Role:      models.RoleUser,
		Content:   fmt.Sprintf("Step: %s\n%s", step.Title, step.Instruction),
		Timestamp: time.Now(),
	})

	for i := 0; i < step.StepBudget; i++ {
		if err := ctx.Err(); err != nil {
			return false, err.Error(), models.FailureTimeout
		}
		res, err := o.Loop.Step(ctx, goalID)
		if err != nil {
			return false, err.Error(), models.FailureToolExecution
		}
		if res.Done {
			return true, "", ""
		}
	}
	return false, fmt.Sprintf("step %q exhausted its %d-turn budget without completing", step.Title, step.StepBudget), models.FailureToolExecution
}

// observe wraps the caller's OnEvent with the orchestrator's own stat
// tallying, so the reasoner loop's events feed both the caller's consumer
// and the goal's final Stats without either side needing to know about it.
func (o *Orchestrator) observe(goalID string) func(models.Event) {
	return func(e models.Event) {
		switch e.Type {
		case models.EventToolStarted:
			o.stats.ToolCalls++
		case models.EventCompensation:
			o.stats.CompensationsByClass[e.Class]++
		case models.EventCheckpointTaken:
			o.stats.CheckpointsTaken++
		}
		o.emit(e)
	}
}

func (o *Orchestrator) emit(e models.Event) {
	if o.OnEvent == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	o.OnEvent(e)
}
