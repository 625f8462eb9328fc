// Package shell runs shell steps as child processes.
package shell

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BDNK1/steprunner/runtime"
)

const (
	DefaultShell       = "/bin/sh"
	DefaultGracePeriod = 10 * time.Second
)

// Executor runs *runtime.ShellStep bodies. The script and working directory
// are rendered against the context snapshot before the process starts.
type Executor struct {
	evaluator runtime.ExpressionEvaluator
	l         *slog.Logger

	// GracePeriod is how long a cancelled process group gets between SIGTERM
	// and SIGKILL.
	GracePeriod time.Duration
	Stdout      io.Writer
	Stderr      io.Writer
}

func NewExecutor(evaluator runtime.ExpressionEvaluator, l *slog.Logger, gracePeriod time.Duration) *Executor {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Executor{
		evaluator:   evaluator,
		l:           l,
		GracePeriod: gracePeriod,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	}
}

func (e *Executor) Run(ctx context.Context, step runtime.StepDefinition, ec *runtime.ExecutionContext) (runtime.StepOutcome, error) {
	body, ok := step.Body.(*runtime.ShellStep)
	if !ok {
		return runtime.StepOutcome{}, runtime.NewExecutorError(fmt.Sprintf("shell executor cannot run a %s step", kindOf(step)), nil)
	}

	scope := ec.Snapshot()
	script, err := e.render(body.Run, scope)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("failed to render run", err)
	}
	dir, err := e.render(body.WorkingDirectory, scope)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("failed to render working-directory", err)
	}
	dir = workingDirectory(dir, ec.Internal().Workspace)

	env, err := e.stepEnv(step.Env, scope)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("failed to render env", err)
	}

	name, args := Command(body.Shell, script)
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(ec.Environ(), env...)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	e.l.DebugContext(ctx, fmt.Sprintf("Running %s in %s", name, dir), "step", step.DisplayName(), "args", args[:len(args)-1])

	proc, err := StartProcess(ctx, cmd, e.GracePeriod)
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("shell step could not be started", err)
	}

	status, err := proc.Wait()
	if err != nil {
		return runtime.StepOutcome{}, runtime.NewExecutorError("waiting for shell process", err)
	}
	if status == runtime.StatusFailure {
		e.l.InfoContext(ctx, fmt.Sprintf("Step %s exited with code %d", step.DisplayName(), proc.ExitCode()))
	}
	return runtime.StepOutcome{Outcome: status}, nil
}

func (e *Executor) render(template string, scope runtime.Snapshot) (string, error) {
	if template == "" {
		return "", nil
	}
	rendered, err := e.evaluator.RenderDeep(template, scope)
	if err != nil {
		return "", err
	}
	s, _ := rendered.(string)
	return s, nil
}

// stepEnv renders the step's own env block into sorted KEY=VALUE entries.
func (e *Executor) stepEnv(env map[string]string, scope runtime.Snapshot) ([]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	rendered, err := e.evaluator.RenderDeep(env, scope)
	if err != nil {
		return nil, err
	}
	values, _ := rendered.(map[string]string)

	entries := make([]string, 0, len(values))
	for k, v := range values {
		entries = append(entries, k+"="+v)
	}
	sort.Strings(entries)
	return entries, nil
}

// Command returns the program and arguments running script with shell.
// An empty shell means /bin/sh. bash runs without profiles and with
// pipefail. Any other value is split on whitespace and gets "-c script"
// appended.
func Command(shell, script string) (string, []string) {
	switch strings.TrimSpace(shell) {
	case "", "sh", DefaultShell:
		return DefaultShell, []string{"-e", "-c", script}
	case "bash":
		return "bash", []string{"--noprofile", "--norc", "-eo", "pipefail", "-c", script}
	}
	fields := strings.Fields(shell)
	return fields[0], append(fields[1:], "-c", script)
}

func workingDirectory(dir, workspace string) string {
	switch {
	case dir == "":
		return workspace
	case filepath.IsAbs(dir) || workspace == "":
		return dir
	default:
		return filepath.Join(workspace, dir)
	}
}

func kindOf(step runtime.StepDefinition) string {
	if step.Body == nil {
		return "empty"
	}
	return string(step.Body.Kind())
}
