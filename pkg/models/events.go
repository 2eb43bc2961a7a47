package models

import "time"

// EventType is the closed set of event kinds the Event Bus fans out.
type EventType string

const (
	EventLMTokenChunk       EventType = "lm.token_chunk"
	EventToolStarted        EventType = "tool.started"
	EventToolCompleted      EventType = "tool.completed"
	EventCompensation       EventType = "compensation"
	EventPlanStepStarted    EventType = "plan_step.started"
	EventPlanStepCompleted  EventType = "plan_step.completed"
	EventPlanStepFailed     EventType = "plan_step.failed"
	EventCheckpointTaken    EventType = "checkpoint.taken"
	EventCheckpointRolled   EventType = "checkpoint.rolled_back"
	EventGoalStarted        EventType = "goal.started"
	EventGoalCompleted      EventType = "goal.completed"
	EventGoalFailed         EventType = "goal.failed"
	EventTaskSubmitted      EventType = "task.submitted"
	EventTaskCompleted      EventType = "task.completed"
	EventPolicyViolation    EventType = "policy.violation"
	EventConsumerLag        EventType = "consumer.lag"
)

// Event is the single envelope type delivered to Event Bus subscribers. Only
// the fields relevant to Type are populated; the rest are zero values.
type Event struct {
	Type      EventType      `json:"type"`
	Time      time.Time      `json:"time"`
	GoalID    string         `json:"goal_id,omitempty"`
	StepTitle string         `json:"step_title,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	Class     FailureClass   `json:"class,omitempty"`
	Strategy  string         `json:"strategy,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Text      string         `json:"text,omitempty"`
	Dropped   int            `json:"dropped,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}
