package workflow

// Structured log attribute keys.
const (
	ExecutionIDKey = "execution.id"
	WorkflowIDKey  = "workflow.id"
	StepIDKey      = "step.id"
	StepTypeKey    = "step.type"
	StatusKey      = "status"
	JobIDKey       = "job.id"
	JobTypeKey     = "job.type"
	AttemptKey     = "attempt"
	DurationKey    = "duration_ms"
)
