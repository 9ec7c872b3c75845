package types

import "time"

// StepType tags the variant carried by a WorkflowStep.
type StepType string

const (
	StepTypeTrigger   StepType = "trigger"
	StepTypeAction    StepType = "action"
	StepTypeCondition StepType = "condition"
	StepTypeTransform StepType = "transform"
)

// ExecutionStatus is the state of a WorkflowExecution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the state of a single WorkflowStepExecution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// WorkflowDefinition defines the structure of a workflow.
type WorkflowDefinition struct {
	ID             string               `json:"id" yaml:"id"`
	Name           string               `json:"name" yaml:"name"`
	Description    string               `json:"description,omitempty" yaml:"description,omitempty"`
	OwnerID        string               `json:"owner_id" yaml:"owner_id"`
	TeamID         string               `json:"team_id,omitempty" yaml:"team_id,omitempty"`
	Steps          []WorkflowStep       `json:"steps" yaml:"steps"`
	Triggers       []TriggerDeclaration `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	IsActive       bool                 `json:"is_active" yaml:"is_active"`
	CreatedAt      time.Time            `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time            `json:"updated_at" yaml:"-"`
	ExecutionCount int64                `json:"execution_count" yaml:"-"`
	LastExecutedAt *time.Time           `json:"last_executed_at,omitempty" yaml:"-"`
}

// WorkflowStep is a node of the workflow graph. Exactly one of the variant
// fields (Trigger, Action, Condition, Transform) is set, matching Type.
type WorkflowStep struct {
	ID        string        `json:"id" yaml:"id"`
	Type      StepType      `json:"type" yaml:"type"`
	Name      string        `json:"name" yaml:"name"`
	NextSteps []string      `json:"next_steps,omitempty" yaml:"next_steps,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry     *RetryPolicy  `json:"retry,omitempty" yaml:"retry,omitempty"`

	Trigger   *TriggerStep   `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Action    *ActionStep    `json:"action,omitempty" yaml:"action,omitempty"`
	Condition *Condition     `json:"condition,omitempty" yaml:"condition,omitempty"`
	Transform *TransformStep `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// TriggerStep configures the entry step. Service is optional; without it the
// step passes the trigger payload through.
type TriggerStep struct {
	Service   string                 `json:"service,omitempty" yaml:"service,omitempty"`
	TriggerID string                 `json:"trigger_id,omitempty" yaml:"trigger_id,omitempty"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// ActionStep calls an integration adapter.
type ActionStep struct {
	Service  string                 `json:"service" yaml:"service"`
	ActionID string                 `json:"action_id" yaml:"action_id"`
	Config   map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Condition is the {field, operator, value} triple of a condition step.
type Condition struct {
	Field    string      `json:"field" yaml:"field"`
	Operator string      `json:"operator" yaml:"operator"`
	Value    interface{} `json:"value" yaml:"value"`
}

// TransformStep names a transformation provider and its parameters.
type TransformStep struct {
	Transformation string                 `json:"transformation" yaml:"transformation"`
	Params         map[string]interface{} `json:"params,omitempty" yaml:"params,omitempty"`
}

// RetryPolicy configures attempts and exponential backoff.
type RetryPolicy struct {
	MaxAttempts     int           `json:"max_attempts" yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `json:"initial_interval" yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" yaml:"max_interval" mapstructure:"max_interval"`
	Multiplier      float64       `json:"multiplier" yaml:"multiplier" mapstructure:"multiplier"`
}

// TriggerDeclaration declares an external event a workflow listens to.
// Filter is an optional boolean expression over the trigger payload.
type TriggerDeclaration struct {
	ID        string                 `json:"id" yaml:"id"`
	Service   string                 `json:"service" yaml:"service"`
	TriggerID string                 `json:"trigger_id" yaml:"trigger_id"`
	Config    map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
	Filter    string                 `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// WorkflowExecution represents one run of a workflow.
type WorkflowExecution struct {
	ID          string                  `json:"id"`
	WorkflowID  string                  `json:"workflow_id"`
	Status      ExecutionStatus         `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Steps       []WorkflowStepExecution `json:"steps"`
	Data        map[string]interface{}  `json:"data"`
	TriggerData map[string]interface{}  `json:"trigger_data,omitempty"`
	Error       string                  `json:"error,omitempty"`
	RetryOf     string                  `json:"retry_of,omitempty"`
}

// WorkflowStepExecution records one attempted step.
type WorkflowStepExecution struct {
	ID          string                 `json:"id"`
	StepID      string                 `json:"step_id"`
	Status      StepStatus             `json:"status"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
	Input       map[string]interface{} `json:"input"`
	Output      map[string]interface{} `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	RetryCount  int                    `json:"retry_count"`
}

// TriggerJob is the payload of the trigger-intake queue.
type TriggerJob struct {
	WorkflowID  string                 `json:"workflow_id"`
	Service     string                 `json:"service,omitempty"`
	TriggerID   string                 `json:"trigger_id,omitempty"`
	TriggerData map[string]interface{} `json:"trigger_data"`
	Timestamp   time.Time              `json:"timestamp"`
}

// ExecutionJob is the payload of the execution queue. Workflow is a snapshot
// taken when the execution was created.
type ExecutionJob struct {
	ExecutionID string             `json:"execution_id"`
	Workflow    WorkflowDefinition `json:"workflow"`
	Timestamp   time.Time          `json:"timestamp"`
}

// WorkflowUpdate is a partial update merged into a stored definition. Nil
// fields are left unchanged.
type WorkflowUpdate struct {
	Name        *string              `json:"name,omitempty"`
	Description *string              `json:"description,omitempty"`
	TeamID      *string              `json:"team_id,omitempty"`
	Steps       []WorkflowStep       `json:"steps,omitempty"`
	Triggers    []TriggerDeclaration `json:"triggers,omitempty"`
	IsActive    *bool                `json:"is_active,omitempty"`
}

// Apply merges u into wf.
func (u WorkflowUpdate) Apply(wf *WorkflowDefinition) {
	if u.Name != nil {
		wf.Name = *u.Name
	}
	if u.Description != nil {
		wf.Description = *u.Description
	}
	if u.TeamID != nil {
		wf.TeamID = *u.TeamID
	}
	if u.Steps != nil {
		wf.Steps = make([]WorkflowStep, len(u.Steps))
		for i, s := range u.Steps {
			wf.Steps[i] = s.Clone()
		}
	}
	if u.Triggers != nil {
		wf.Triggers = make([]TriggerDeclaration, len(u.Triggers))
		for i, t := range u.Triggers {
			t.Config = CopyData(t.Config)
			wf.Triggers[i] = t
		}
	}
	if u.IsActive != nil {
		wf.IsActive = *u.IsActive
	}
}
