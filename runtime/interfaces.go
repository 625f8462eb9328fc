package runtime

import (
	"context"

	"github.com/BDNK1/steprunner/runtime/expression"
)

// Initializer allows plugins to perform startup initialization.
// Plugins implementing this interface will have Initialize called before the
// job starts. Config is already set on the plugin struct.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner allows plugins to release resources once the job finished.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// StepOutcome is what a StepExecutor reports for one step.
type StepOutcome struct {
	Outcome Status
	Outputs map[string]any
	// Composite is set when the step resolved to a composite action. The
	// sequencer then runs its steps and Outcome is ignored.
	Composite *Composite
}

// Composite is a composite action ready to be expanded by the sequencer.
type Composite struct {
	Definition *CompositeStep
	// Inputs are the caller's rendered inputs.
	Inputs map[string]any
	// ActionPath is the action's directory, exposed as internal.actionPath.
	ActionPath string
}

// StepExecutor runs one kind of step. A returned error means the step could
// not be run; the sequencer records it as a failure.
type StepExecutor interface {
	Run(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error)
}

// StepExecutorFunc adapts a function to StepExecutor.
type StepExecutorFunc func(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error)

func (f StepExecutorFunc) Run(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error) {
	return f(ctx, step, ec)
}

// JobStatusUpdate is one job status report.
type JobStatusUpdate struct {
	Status  Status         `json:"status"`
	Outcome Status         `json:"outcome,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`
}

// StatusReporter delivers job and step progress to the orchestration service.
// Errors are informational; they never change a job's result.
type StatusReporter interface {
	UpdateJobStatus(ctx context.Context, update JobStatusUpdate) error
	UpdateStepStatus(ctx context.Context, index int, status Status) error
}

// ExpressionEvaluator is the part of expression.Evaluator the sequencer and
// the job controller use.
type ExpressionEvaluator interface {
	EvaluateCondition(expression string, scope expression.Scope) (bool, error)
	RenderDeep(value any, scope expression.Scope) (any, error)
}
