package models

import "time"

// Complexity is the planner's rule-based estimate of a goal's scope.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// StepBudget returns the agent-step budget the spec assigns to a complexity
// tier (8/12/15 for low/medium/high).
func (c Complexity) StepBudget() int {
	switch c {
	case ComplexityMedium:
		return 12
	case ComplexityHigh:
		return 15
	default:
		return 8
	}
}

// StepCount returns the plan's target step count for a complexity tier
// (3/5/8 for low/medium/high).
func (c Complexity) StepCount() int {
	switch c {
	case ComplexityMedium:
		return 5
	case ComplexityHigh:
		return 8
	default:
		return 3
	}
}

// ReplanAllowance returns the number of replans permitted for a complexity
// tier (0/1/2 for low/medium/high).
func (c Complexity) ReplanAllowance() int {
	switch c {
	case ComplexityMedium:
		return 1
	case ComplexityHigh:
		return 2
	default:
		return 0
	}
}

// Step is an addressable sub-goal with its own budget and success criteria.
type Step struct {
	Title             string   `json:"title"`
	Instruction       string   `json:"instruction"`
	SuccessCriteria   []string `json:"success_criteria"`
	StepBudget        int      `json:"step_budget"`
}

// Plan is the Planner's output for a goal.
type Plan struct {
	Goal        string     `json:"goal"`
	Complexity  Complexity `json:"complexity"`
	Steps       []Step     `json:"steps"`
	Assumptions []string   `json:"assumptions,omitempty"`
}

// TaskStatus is the closed set of states a background Task moves through.
// A Task never moves backward; running -> queued is forbidden.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// taskStatusRank gives each status a forward-progress ordinal so callers can assert
// monotonic transitions without hardcoding the state graph.
var taskStatusRank = map[TaskStatus]int{
	TaskQueued:    0,
	TaskRunning:   1,
	TaskSucceeded: 2,
	TaskFailed:    2,
	TaskCancelled: 2,
}

// CanTransition reports whether moving from one TaskStatus to another is a
// forward (or same-tier terminal) move, per the "never backward" invariant.
func CanTransition(from, to TaskStatus) bool {
	return taskStatusRank[to] >= taskStatusRank[from]
}

// Task is a background goal tracked by the Task Queue.
type Task struct {
	ID         string     `json:"id"`
	Goal       string     `json:"goal"`
	Status     TaskStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	LogPath    string     `json:"log_path"`
	ResultText string     `json:"result_text,omitempty"`
}

// BudgetCounters tracks per-goal monotonic usage against the policy's caps.
type BudgetCounters struct {
	FileWrites       int `json:"file_writes"`
	Shells           int `json:"shells"`
	GitCommits       int `json:"git_commits"`
	ExternalAgents   int `json:"external_agents"`
	AgentSteps       int `json:"agent_steps"`
}

// Checkpoint records one snapshot taken during a goal's execution.
type Checkpoint struct {
	BranchLabel string    `json:"branch_label"`
	SnapshotRef string    `json:"snapshot_ref"`
	TakenAfter  string    `json:"taken_after"`
	At          time.Time `json:"at"`
}
