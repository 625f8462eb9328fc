package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxCompositeDepth bounds composite action nesting.
const DefaultMaxCompositeDepth = 16

const tracerName = "github.com/BDNK1/steprunner/runtime"

// StepProgressFunc observes the job's own steps: once with in_progress
// before a step and once with its outcome after it. Steps inside composite
// actions are not reported.
type StepProgressFunc func(ctx context.Context, index int, step StepDefinition, status Status)

// SequencerOptions configures a Sequencer.
type SequencerOptions struct {
	Executors map[StepKind]StepExecutor
	Evaluator ExpressionEvaluator
	// MaxCompositeDepth defaults to DefaultMaxCompositeDepth.
	MaxCompositeDepth int
	OnStep            StepProgressFunc
	// Tracer defaults to the global tracer provider's tracer.
	Tracer trace.Tracer
	// Meter defaults to the global meter provider's meter.
	Meter metric.Meter
}

// Sequencer runs a step list in order. Composite actions are expanded on an
// explicit stack of frames, each with its own forked ExecutionContext.
type Sequencer struct {
	l         *slog.Logger
	executors map[StepKind]StepExecutor
	evaluator ExpressionEvaluator
	maxDepth  int
	onStep    StepProgressFunc
	tracer    trace.Tracer
	metrics   *stepMetrics
}

func NewSequencer(l *slog.Logger, opts SequencerOptions) *Sequencer {
	maxDepth := opts.MaxCompositeDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxCompositeDepth
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	meter := opts.Meter
	if meter == nil {
		meter = otel.Meter(tracerName)
	}
	return &Sequencer{
		l:         l,
		executors: opts.Executors,
		evaluator: opts.Evaluator,
		maxDepth:  maxDepth,
		onStep:    opts.OnStep,
		tracer:    tracer,
		metrics:   newStepMetrics(meter, l),
	}
}

// frame is one step list being run: the job's own, or a composite action's.
type frame struct {
	name    string
	steps   []StepDefinition
	outputs map[string]string
	ec      *ExecutionContext
	index   int
	depth   int
	ctx     context.Context
	// started is when the step at index began.
	started time.Time
	// span belongs to the composite step in the parent frame that this
	// frame expands. It is nil for the root frame.
	span trace.Span
}

// Run executes steps against ec and renders outputs against the final
// context. A returned error is fatal: the step list was aborted and the
// result is failure without outputs.
func (s *Sequencer) Run(ctx context.Context, name string, steps []StepDefinition, outputs map[string]string, ec *ExecutionContext) (JobResult, error) {
	if err := ValidateStepIDs(steps); err != nil {
		s.l.ErrorContext(ctx, fmt.Sprintf("Refusing to run step list %s", name), "error", err)
		return JobResult{Result: StatusFailure}, err
	}

	stack := []*frame{{
		name:    name,
		steps:   steps,
		outputs: outputs,
		ec:      ec,
		ctx:     ctx,
	}}

	for {
		f := stack[len(stack)-1]

		var (
			result JobResult
			err    error
			done   bool
		)
		if f.index >= len(f.steps) {
			result, err = s.finish(f)
			done = true
		} else {
			var child *frame
			child, err = s.advance(f, stack)
			if child != nil {
				stack = append(stack, child)
				continue
			}
			if err != nil {
				result = JobResult{Result: StatusFailure}
				done = true
			}
		}
		if !done {
			continue
		}

		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return result, err
		}
		s.completeComposite(stack[len(stack)-1], f, result, err)
	}
}

// advance processes the step at f.index. It returns a child frame when the
// step expands into a composite action, and an error when f must abort.
func (s *Sequencer) advance(f *frame, stack []*frame) (*frame, error) {
	step := f.steps[f.index]
	root := len(stack) == 1
	name := step.DisplayName()
	f.started = time.Now()

	if root {
		s.report(f.ctx, f.index, step, StatusInProgress)
	}

	if f.ctx.Err() != nil {
		s.l.InfoContext(f.ctx, fmt.Sprintf("Cancelled before start: %s", name), "frame", f.name)
		return nil, s.record(f, root, step, NewStepResult(name, StatusCancelled, nil))
	}

	if f.ec.HasOutcome(StatusFailure) {
		run, err := s.evaluator.EvaluateCondition(step.If, f.ec)
		if err != nil {
			s.l.ErrorContext(f.ctx, fmt.Sprintf("Error evaluating condition for step %s", name),
				"condition", step.If,
				"error", err)
			return nil, NewEvaluationError(fmt.Sprintf("error evaluating condition %q", step.If), err).WithStep(step.ID)
		}
		if !run {
			s.l.InfoContext(f.ctx, fmt.Sprintf("Skipping step: %s", name), "frame", f.name)
			return nil, s.record(f, root, step, NewStepResult(name, StatusSkipped, nil))
		}
		s.l.InfoContext(f.ctx, fmt.Sprintf("Force run: %s", name), "frame", f.name, "condition", step.If)
	} else {
		s.l.InfoContext(f.ctx, fmt.Sprintf("Running step: %s", name), "frame", f.name)
	}

	ctx, span := s.tracer.Start(f.ctx, "step "+name, trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.kind", string(step.Body.Kind())),
		attribute.String("step.frame", f.name),
		attribute.String("step.context", f.ec.ID),
		attribute.Int("step.depth", f.depth),
	))

	var (
		outcome StepOutcome
		err     error
	)
	if cs, ok := step.Body.(*CompositeStep); ok {
		outcome = StepOutcome{Composite: &Composite{Definition: cs}}
	} else {
		outcome, err = s.dispatch(ctx, step, f.ec)
	}

	if err == nil && outcome.Composite != nil {
		child, cerr := s.push(ctx, f, step, outcome.Composite, span)
		if cerr == nil {
			return child, nil
		}
		err = cerr
	}

	result := NewStepResult(name, outcome.Outcome, outcome.Outputs)
	if result.Outcome == "" {
		result.Outcome, result.Conclusion = StatusSuccess, StatusSuccess
	}
	if err != nil {
		s.l.ErrorContext(ctx, fmt.Sprintf("Step %s failed to run", name), "error", err)
		result = NewStepResult(name, StatusFailure, nil)
		result.Error = err.Error()
	}
	endSpan(span, result)
	return nil, s.record(f, root, step, result)
}

// dispatch runs the executor for step, converting a panic into an error.
func (s *Sequencer) dispatch(ctx context.Context, step StepDefinition, ec *ExecutionContext) (outcome StepOutcome, err error) {
	executor, ok := s.executors[step.Body.Kind()]
	if !ok {
		return StepOutcome{}, NewExecutorError(fmt.Sprintf("no executor for %s steps", step.Body.Kind()), nil)
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewExecutorError(fmt.Sprintf("executor panicked: %v", r), nil)
		}
	}()
	return executor.Run(ctx, step, ec)
}

// push builds the frame for a composite action invoked by step.
func (s *Sequencer) push(ctx context.Context, parent *frame, step StepDefinition, c *Composite, span trace.Span) (*frame, error) {
	if parent.depth+1 > s.maxDepth {
		return nil, NewConfigurationError(fmt.Sprintf("composite actions nested deeper than %d", s.maxDepth), nil).WithStep(step.ID)
	}
	def := c.Definition
	if def == nil {
		return nil, NewExecutorError("composite action has no definition", nil).WithStep(step.ID)
	}
	if err := ValidateStepIDs(def.Steps); err != nil {
		return nil, err
	}

	declared := make(map[string]any, len(def.Inputs))
	for name, in := range def.Inputs {
		if in.Default != nil {
			declared[name] = in.Default
		}
	}
	ec := parent.ec.ForComposite(declared, c.Inputs)
	if c.ActionPath != "" {
		ec.SetActionPath(c.ActionPath)
	}

	name := def.Name
	if name == "" {
		name = step.DisplayName()
	}
	s.l.DebugContext(ctx, fmt.Sprintf("Expanding composite action %s", name), "steps", len(def.Steps), "depth", parent.depth+1, "context", ec.ID)

	return &frame{
		name:    parent.name + "|" + name,
		steps:   def.Steps,
		outputs: def.Outputs,
		ec:      ec,
		depth:   parent.depth + 1,
		ctx:     ctx,
		span:    span,
	}, nil
}

// completeComposite records the result of a finished child frame as the
// outcome of the composite step that expanded it.
func (s *Sequencer) completeComposite(parent, child *frame, result JobResult, err error) {
	step := parent.steps[parent.index]
	name := step.DisplayName()

	stepResult := NewStepResult(name, result.Result, result.Outputs)
	if err != nil {
		s.l.ErrorContext(child.ctx, fmt.Sprintf("Composite action %s aborted", child.name), "error", err)
		stepResult = NewStepResult(name, StatusFailure, nil)
		stepResult.Error = err.Error()
	}
	endSpan(child.span, stepResult)

	// A failure to record here is an id problem in the parent, which was
	// validated before it started.
	if rerr := s.record(parent, parent.depth == 0, step, stepResult); rerr != nil {
		s.l.ErrorContext(parent.ctx, fmt.Sprintf("Failed to record result of %s", name), "error", rerr)
	}
}

// record stores result for step and moves f to its next step.
func (s *Sequencer) record(f *frame, root bool, step StepDefinition, result StepResult) error {
	if err := f.ec.SetResult(step.ID, result); err != nil {
		return err
	}
	s.metrics.record(f.ctx, step, result.Outcome, f.depth, f.started)
	f.index++
	if root {
		s.report(f.ctx, f.index-1, step, result.Outcome)
	}
	return nil
}

// finish computes a completed frame's result and renders its outputs.
func (s *Sequencer) finish(f *frame) (JobResult, error) {
	result := JobResult{Result: resultOf(f.ec)}
	if result.Result != StatusSuccess || len(f.outputs) == 0 {
		return result, nil
	}

	mappings := make(map[string]any, len(f.outputs))
	for k, v := range f.outputs {
		mappings[k] = v
	}
	rendered, err := s.evaluator.RenderDeep(mappings, f.ec)
	if err != nil {
		s.l.ErrorContext(f.ctx, fmt.Sprintf("Error rendering outputs of %s", f.name), "error", err)
		return JobResult{Result: StatusFailure}, NewEvaluationError("error rendering outputs", err)
	}
	result.Outputs, _ = rendered.(map[string]any)
	return result, nil
}

func (s *Sequencer) report(ctx context.Context, index int, step StepDefinition, status Status) {
	if s.onStep != nil {
		s.onStep(ctx, index, step, status)
	}
}

// resultOf aggregates recorded outcomes: failure wins over cancelled, which
// wins over success.
func resultOf(ec *ExecutionContext) Status {
	switch {
	case ec.HasOutcome(StatusFailure):
		return StatusFailure
	case ec.HasOutcome(StatusCancelled):
		return StatusCancelled
	default:
		return StatusSuccess
	}
}

func endSpan(span trace.Span, result StepResult) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("step.outcome", string(result.Outcome)))
	if result.Outcome == StatusFailure {
		msg := result.Error
		if msg == "" {
			msg = "step failed"
		}
		span.SetStatus(codes.Error, msg)
	}
	span.End()
}

// ValidateStepIDs checks that every step of a list has a body and an id,
// and that ids are unique within the list.
func ValidateStepIDs(steps []StepDefinition) error {
	seen := make(map[string]int, len(steps))
	for i, step := range steps {
		if step.Body == nil {
			return NewConfigurationError(fmt.Sprintf("step #%d (%s) has no run or uses", i, step.DisplayName()), nil)
		}
		if step.ID == "" {
			return NewConfigurationError(fmt.Sprintf("ID for a step must be set: step #%d (%s)", i, step.DisplayName()), nil)
		}
		if j, dup := seen[step.ID]; dup {
			return NewConfigurationError(fmt.Sprintf("duplicate step id '%s' at steps #%d and #%d", step.ID, j, i), nil)
		}
		seen[step.ID] = i
	}
	return nil
}
