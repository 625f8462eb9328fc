package runtime

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Exit codes of a runner process.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// ExitCode maps a job result to the runner's process exit code: 1 for a
// failed job, 0 for every other result.
func ExitCode(result JobResult) int {
	if result.Result == StatusFailure {
		return ExitFailure
	}
	return ExitSuccess
}

// JobControllerOptions configures a JobController.
type JobControllerOptions struct {
	Executors         map[StepKind]StepExecutor
	Evaluator         ExpressionEvaluator
	Reporter          StatusReporter
	MaxCompositeDepth int
	Tracer            trace.Tracer
	Meter             metric.Meter
}

// JobController runs one job: it reports the job's lifecycle, evaluates the
// job condition and drives the job's step list through a Sequencer.
type JobController struct {
	l         *slog.Logger
	evaluator ExpressionEvaluator
	reporter  StatusReporter
	sequencer *Sequencer
}

func NewJobController(l *slog.Logger, opts JobControllerOptions) *JobController {
	c := &JobController{
		l:         l,
		evaluator: opts.Evaluator,
		reporter:  opts.Reporter,
	}
	c.sequencer = NewSequencer(l, SequencerOptions{
		Executors:         opts.Executors,
		Evaluator:         opts.Evaluator,
		MaxCompositeDepth: opts.MaxCompositeDepth,
		OnStep:            c.reportStep,
		Tracer:            opts.Tracer,
		Meter:             opts.Meter,
	})
	return c
}

// CheckJobShape rejects jobs this runner cannot execute.
func CheckJobShape(job *JobData) error {
	if job == nil {
		return NewConfigurationError("job data is missing", nil)
	}
	if job.Uses != "" {
		return NewConfigurationError(fmt.Sprintf("unsupported operation: remote job %s", job.Uses), nil)
	}
	if len(job.Strategy) > 0 {
		return NewConfigurationError("unsupported operation: matrix jobs", nil)
	}
	return nil
}

// Run executes job against ec. The job's final status is reported whatever
// the result; reporting failures are only logged. A returned error means the
// run was aborted; when the job's shape is rejected nothing is reported and
// the result is the zero JobResult.
func (c *JobController) Run(ctx context.Context, job *JobData, ec *ExecutionContext) (JobResult, error) {
	if err := CheckJobShape(job); err != nil {
		c.l.ErrorContext(ctx, "Rejecting job", "error", err)
		return JobResult{}, err
	}

	name := ec.Internal().Job
	c.l.InfoContext(ctx, fmt.Sprintf("Running job %s", name), "workflow", job.Workflow, "steps", len(job.Steps))

	ec.AppendEnv(job.EnvMap())
	c.reportJob(ctx, JobStatusUpdate{Status: StatusInProgress})

	if job.If != "" {
		run, err := c.evaluator.EvaluateCondition(job.If, ec)
		if err != nil {
			c.l.ErrorContext(ctx, fmt.Sprintf("Error evaluating condition for job %s", name), "condition", job.If, "error", err)
			result := JobResult{Result: StatusFailure}
			c.reportJob(ctx, JobStatusUpdate{Status: StatusCompleted, Outcome: result.Result})
			return result, NewEvaluationError(fmt.Sprintf("error evaluating job condition %q", job.If), err)
		}
		if !run {
			c.l.InfoContext(ctx, fmt.Sprintf("Skipping job %s", name), "condition", job.If)
			result := JobResult{Result: StatusSkipped}
			c.reportJob(ctx, JobStatusUpdate{Status: StatusCompleted, Outcome: result.Result})
			return result, nil
		}
	}

	result, err := c.sequencer.Run(ctx, name, job.Steps, job.Outputs, ec)
	c.l.InfoContext(ctx, fmt.Sprintf("Job %s finished: %s", name, result.Result))
	c.reportJob(ctx, JobStatusUpdate{Status: StatusCompleted, Outcome: result.Result, Outputs: result.Outputs})
	return result, err
}

// reportJob sends a job update. Reports are sent even once ctx is cancelled.
func (c *JobController) reportJob(ctx context.Context, update JobStatusUpdate) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.UpdateJobStatus(context.WithoutCancel(ctx), update); err != nil {
		c.l.ErrorContext(ctx, "Failed to update job status", "status", update.Status, "outcome", update.Outcome, "error", err)
	}
}

func (c *JobController) reportStep(ctx context.Context, index int, step StepDefinition, status Status) {
	if c.reporter == nil {
		return
	}
	if err := c.reporter.UpdateStepStatus(context.WithoutCancel(ctx), index, status); err != nil {
		c.l.ErrorContext(ctx, fmt.Sprintf("Failed to update status of step %s", step.DisplayName()), "status", status, "error", err)
	}
}

// InitialEnvironment builds a job's starting environment: the process
// environment, then the runner directory variables, then the env files.
func InitialEnvironment(cfg *Config, environ []string) (map[string]string, error) {
	env := map[string]string{}
	for k, v := range EnvironMap(environ) {
		env[k] = v.(string)
	}
	for k, v := range cfg.RunnerEnvironment() {
		env[k] = v
	}
	files, err := LoadEnvDirectory(cfg.EnvDirectory)
	if err != nil {
		return nil, err
	}
	for k, v := range files {
		env[k] = v
	}
	return env, nil
}

// NewJobContext creates the root ExecutionContext of a job.
func NewJobContext(cfg *Config, job *JobData, env, secrets map[string]string) *ExecutionContext {
	return NewExecutionContext(ContextOptions{
		Internal: Internal{
			Job:                 cfg.JobName,
			Workflow:            job.Workflow,
			WorkflowExecutionID: cfg.WorkflowExecutionID,
			Repository:          job.ProjectName,
			Ref:                 job.Ref,
			RefName:             job.Ref,
			Event:               job.Event,
			EventName:           job.EventName(),
			Workspace:           cfg.WorkspaceDirectory,
			ActionsDirectory:    cfg.ActionsDirectory,
			BinariesDirectory:   cfg.BinariesDirectory,
			PipelinesDirectory:  cfg.PipelineDirectory,
			OrchestratorURL:     cfg.OrchestratorURL,
		},
		Env:     env,
		Secrets: secrets,
		Inputs:  job.Inputs,
		Debug:   cfg.Debug,
	})
}
