package workflow

import (
	"errors"

	"github.com/songzhibin97/automation-engine/adapter"
	"github.com/songzhibin97/automation-engine/rules"
	"github.com/songzhibin97/automation-engine/transform"
)

// Error taxonomy. The sentinel text is the category name, so a wrapped error
// reads e.g. "UnknownServiceError: foo".
var (
	ErrValidation       = errors.New("ValidationError")
	ErrNotFound         = errors.New("NotFoundError")
	ErrInactiveWorkflow = errors.New("InactiveWorkflowError")
	ErrNoTrigger        = errors.New("NoTriggerError")
	ErrUnknownStepType  = errors.New("UnknownStepTypeError")
	ErrAdapter          = errors.New("AdapterError")
	ErrStepTimeout      = errors.New("TimeoutError")

	ErrUnknownOperator       = rules.ErrUnknownOperator
	ErrUnknownService        = adapter.ErrUnknownService
	ErrUnknownTransformation = transform.ErrUnknownTransformation

	// ErrExecutionCancelled stops a run between steps once a cancel request
	// has been stored.
	ErrExecutionCancelled = errors.New("execution cancelled")
	// ErrInvalidTransition is returned when a status compare-and-swap finds
	// the execution in an unexpected state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// retryable reports whether a step failure may be attempted again.
func retryable(err error) bool {
	return errors.Is(err, ErrAdapter) || errors.Is(err, ErrStepTimeout)
}
