package models

import (
	"encoding/json"
	"time"
)

// StepType enumerates workflow step kinds.
type StepType string

const (
	StepTool      StepType = "tool"
	StepPrompt    StepType = "prompt"
	StepResource  StepType = "resource"
	StepParallel  StepType = "parallel"
	StepCondition StepType = "condition"
	StepSampling  StepType = "sampling"
)

// StepErrorPolicy controls what happens when a step fails.
type StepErrorPolicy string

const (
	OnErrorStop     StepErrorPolicy = "stop"
	OnErrorContinue StepErrorPolicy = "continue"
	OnErrorRetry    StepErrorPolicy = "retry"
)

// ErrorStrategy is the workflow-level failure strategy.
type ErrorStrategy string

const (
	StrategyRollback ErrorStrategy = "rollback"
	StrategyContinue ErrorStrategy = "continue"
)

// RetryConfig bounds retry behavior for a single step.
type RetryConfig struct {
	MaxAttempts int     `json:"maxAttempts"`
	BackoffMs   int     `json:"backoffMs"`
	Multiplier  float64 `json:"multiplier,omitempty"`
}

// Step is one node of a workflow definition. Config is interpreted per Type
// after template interpolation.
type Step struct {
	Name        string          `json:"name"`
	Type        StepType        `json:"type"`
	Config      json.RawMessage `json:"config"`
	OnError     StepErrorPolicy `json:"onError,omitempty"`
	RetryConfig *RetryConfig    `json:"retryConfig,omitempty"`
	Condition   json.RawMessage `json:"condition,omitempty"`
}

// ErrorHandling is the workflow-level error policy.
type ErrorHandling struct {
	Strategy ErrorStrategy `json:"strategy,omitempty"`
	OnError  string        `json:"onError,omitempty"`
}

// WorkflowDefinition is the executable tree of a workflow.
type WorkflowDefinition struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Steps         []Step         `json:"steps"`
	ErrorHandling *ErrorHandling `json:"errorHandling,omitempty"`
	TimeoutMs     int            `json:"timeout,omitempty"`
}

// Workflow is the durable workflow row.
type Workflow struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Definition WorkflowDefinition `json:"definition"`
	Schedule   string             `json:"schedule,omitempty"`
	Enabled    bool               `json:"enabled"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ExecutionStatus is the lifecycle of a workflow execution.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "pending"
	ExecRunning   ExecutionStatus = "running"
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecCancelled ExecutionStatus = "cancelled"
)

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	TokensUsed  int64           `json:"tokens_used"`
	CostCredits float64         `json:"cost_credits"`
	TriggeredBy string          `json:"triggered_by,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// StepStatus is the lifecycle of a single execution step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// ExecutionStep is the durable record of one step run.
type ExecutionStep struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Index       int             `json:"index"`
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count"`
	TokensUsed  int64           `json:"tokens_used"`
	CostCredits float64         `json:"cost_credits"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// WorkflowTemplate is a reusable, parameterized workflow definition.
type WorkflowTemplate struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Category    string             `json:"category,omitempty"`
	Definition  WorkflowDefinition `json:"definition"`
	CreatedAt   time.Time          `json:"created_at"`
}
