package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/engine/shell"
	"github.com/BDNK1/steprunner/runtime/ipc"
)

// ipcFD is the descriptor the IPC pipe gets in the child: the first entry
// of ExtraFiles.
const ipcFD = 3

// Executor runs *runtime.ActionStep bodies.
type Executor struct {
	resolver  *Resolver
	evaluator runtime.ExpressionEvaluator
	l         *slog.Logger

	// Node is the interpreter for node actions.
	Node        string
	GracePeriod time.Duration
	// DrainDelay bounds how long the ipc channel is read after the action
	// exited, for children that inherited it.
	DrainDelay time.Duration
	Stdout     io.Writer
	Stderr      io.Writer
}

func NewExecutor(resolver *Resolver, evaluator runtime.ExpressionEvaluator, l *slog.Logger, gracePeriod time.Duration) *Executor {
	if gracePeriod <= 0 {
		gracePeriod = shell.DefaultGracePeriod
	}
	return &Executor{
		resolver:    resolver,
		evaluator:   evaluator,
		l:           l,
		Node:        "node",
		GracePeriod: gracePeriod,
		DrainDelay:  shell.DefaultWaitDelay,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

func (e *Executor) Run(ctx context.Context, step runtime.StepDefinition, ec *runtime.ExecutionContext) (runtime.StepOutcome, error) {
	body, ok := step.Body.(*runtime.ActionStep)
	if !ok {
		return runtime.StepOutcome{}, runtime.NewExecutorError("action executor can only run uses steps", nil)
	}

	res, err := e.resolver.Resolve(body.Uses, ec.Internal().Workspace)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("failed to resolve %s", body.Uses), err)
	}

	snapshot := ec.Snapshot()
	with, err := e.renderInputs(body.With, snapshot)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("failed to render inputs of %s", body.Uses), err)
	}

	if res.Action != nil {
		e.l.InfoContext(ctx, fmt.Sprintf("Running in-process action %s", res.Uses))
		return e.runInProcess(ctx, step, res, with, snapshot, ec)
	}

	meta := res.Metadata
	if err := checkRequired(meta, with); err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("invalid inputs for %s", body.Uses), err)
	}

	switch meta.Runs.Using {
	case runtime.RunsComposite:
		return runtime.StepOutcome{Composite: &runtime.Composite{
			Definition: meta.Composite(),
			Inputs:     with,
			ActionPath: res.Path,
		}}, nil
	case runtime.RunsExec, runtime.RunsNode:
		e.l.InfoContext(ctx, fmt.Sprintf("Running %s action %s", meta.Runs.Using, res.Uses), "path", res.Path)
		return e.runProcess(ctx, step, res, with, snapshot, ec)
	default:
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("action %s uses unsupported runtime %q", body.Uses, meta.Runs.Using), nil)
	}
}

func (e *Executor) renderInputs(with map[string]any, snapshot runtime.Snapshot) (map[string]any, error) {
	if len(with) == 0 {
		return map[string]any{}, nil
	}
	rendered, err := e.evaluator.RenderDeep(with, snapshot)
	if err != nil {
		return nil, err
	}
	inputs, _ := rendered.(map[string]any)
	return inputs, nil
}

// checkRequired reports required inputs that are neither supplied nor defaulted.
func checkRequired(meta *runtime.ActionMetadata, with map[string]any) error {
	var missing []string
	for name, in := range meta.Inputs {
		if !in.Required || in.Default != nil {
			continue
		}
		if _, ok := with[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sort.Strings(missing)
	return fmt.Errorf("missing required inputs: %s", strings.Join(missing, ", "))
}

// mergeInputs returns the declared defaults overridden by the supplied values.
func mergeInputs(meta *runtime.ActionMetadata, with map[string]any) map[string]any {
	merged := meta.InputDefaults()
	for k, v := range with {
		merged[k] = v
	}
	return merged
}

func (e *Executor) runInProcess(ctx context.Context, step runtime.StepDefinition, res *Resolution, with map[string]any, snapshot runtime.Snapshot, ec *runtime.ExecutionContext) (runtime.StepOutcome, error) {
	sink := newCollector(ec)
	step.Body = &runtime.ActionStep{Uses: res.Uses, With: with}
	snapshot.Inputs = with

	inv := runtime.ActionInvocation{Step: step, Snapshot: snapshot, Inputs: with}
	if err := res.Action.Execute(ctx, inv, sink); err != nil {
		if ctx.Err() != nil {
			return runtime.StepOutcome{Outcome: runtime.StatusCancelled}, nil
		}
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("action %s failed", res.Uses), err)
	}
	return runtime.StepOutcome{Outcome: runtime.StatusSuccess, Outputs: sink.outputs}, nil
}

func (e *Executor) runProcess(ctx context.Context, step runtime.StepDefinition, res *Resolution, with map[string]any, snapshot runtime.Snapshot, ec *runtime.ExecutionContext) (runtime.StepOutcome, error) {
	meta := res.Metadata
	inputs := mergeInputs(meta, with)
	step.Body = &runtime.ActionStep{Uses: res.Uses, With: inputs}
	snapshot.Inputs = inputs
	snapshot.Internal.ActionPath = res.Path

	payload, err := ipc.EncodeInvocation(step, snapshot)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("failed to encode invocation", err)
	}

	name, args := e.command(meta, res.Path, payload)

	r, w, err := os.Pipe()
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("failed to create ipc pipe", err)
	}
	defer r.Close()

	cmd := exec.Command(name, args...)
	cmd.Dir = ec.Internal().Workspace
	cmd.Env = append(ec.Environ(), ipc.EnvFD+"="+strconv.Itoa(ipcFD))
	cmd.ExtraFiles = []*os.File{w}
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	proc, err := shell.StartProcess(ctx, cmd, e.GracePeriod)
	// The child holds its own copy; closing ours lets the reader see EOF
	// once the action exits.
	w.Close()
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("action %s could not be started", res.Uses), err)
	}

	sink := newCollector(ec)
	pumpErr := e.pump(ctx, res.Uses, r, proc, sink)
	if pumpErr != nil {
		e.l.ErrorContext(ctx, fmt.Sprintf("Invalid ipc message from action %s", res.Uses), "error", pumpErr)
		go func() { _, _ = io.Copy(io.Discard, r) }()
	}

	status, err := proc.Wait()
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("waiting for action %s", res.Uses), err)
	}
	if pumpErr != nil && status != runtime.StatusCancelled {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("action %s sent an invalid message", res.Uses), pumpErr)
	}
	if status == runtime.StatusFailure {
		e.l.InfoContext(ctx, fmt.Sprintf("Action %s exited with code %d", res.Uses, proc.ExitCode()))
	}
	return runtime.StepOutcome{Outcome: status, Outputs: sink.outputs}, nil
}

// pump reads frames from r in the background and applies them on the
// calling goroutine. It returns at end of stream, at the first invalid frame,
// or DrainDelay after the action exited while r is still held open.
func (e *Executor) pump(ctx context.Context, uses string, r *os.File, proc *shell.Process, sink *collector) error {
	msgs := make(chan ipc.Message)
	done := make(chan error, 1)
	go func() {
		done <- ipc.Pump(r, ipc.SinkFunc(func(msg ipc.Message) error {
			msgs <- msg
			return nil
		}))
	}()

	exited := proc.Exited()
	var drain <-chan time.Time
	closed := false
	for {
		select {
		case msg := <-msgs:
			_ = sink.Send(msg)
		case err := <-done:
			if closed {
				return nil
			}
			return err
		case <-exited:
			exited = nil
			drain = time.After(e.DrainDelay)
		case <-drain:
			drain = nil
			closed = true
			e.l.WarnContext(ctx, fmt.Sprintf("Action %s exited with its ipc channel still open", uses), "drain_delay", e.DrainDelay)
			_ = r.Close()
		}
	}
}

// command returns the program and arguments for a packaged action. The
// invocation payload is always the last argument.
func (e *Executor) command(meta *runtime.ActionMetadata, dir, payload string) (string, []string) {
	main := meta.Runs.Main
	if !filepath.IsAbs(main) {
		main = filepath.Join(dir, main)
	}
	if meta.Runs.Using == runtime.RunsNode {
		return e.Node, []string{main, payload}
	}
	return main, []string{payload}
}

// collector applies IPC messages to the execution context and keeps the
// step's outputs.
type collector struct {
	ec      *runtime.ExecutionContext
	outputs map[string]any
}

func newCollector(ec *runtime.ExecutionContext) *collector {
	return &collector{ec: ec, outputs: make(map[string]any)}
}

func (c *collector) Send(msg ipc.Message) error {
	ipc.Apply(msg, c)
	return nil
}

func (c *collector) AddToPath(path string) { c.ec.AddToPath(path) }

func (c *collector) AddEnv(key, value string) { c.ec.AddEnv(key, value) }

func (c *collector) SetOutput(key string, value any) { c.outputs[key] = value }
