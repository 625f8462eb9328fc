package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	httpplugin "github.com/BDNK1/steprunner/plugins/http"
	"github.com/BDNK1/steprunner/plugins/postgres"
	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/engine/action"
	"github.com/BDNK1/steprunner/runtime/engine/shell"
	"github.com/BDNK1/steprunner/runtime/expression"
	"github.com/BDNK1/steprunner/runtime/orchestrator"
	"github.com/BDNK1/steprunner/runtime/telemetry"
)

var jobFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the job described by the job data document",
	Long: `Run loads the runner configuration from the environment, reads the job
data document and executes its steps.

Example:
  PIPELINE_DEBUG=1 steprunner run --job-file ./job.yml
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		code := Run(ctx, RunOptions{
			Environ: os.Environ(),
			JobFile: jobFile,
			Stdout:  cmd.OutOrStdout(),
			Stderr:  cmd.ErrOrStderr(),
		})
		if code != runtime.ExitSuccess {
			return &ExitError{Code: code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&jobFile, "job-file", "", "Path to the job data document (overrides PIPELINE_JOB_FILE)")
}

// RunOptions is the process state a run depends on.
type RunOptions struct {
	Environ []string
	JobFile string
	Stdout  io.Writer
	Stderr  io.Writer
	// Reporter replaces the reporter selected from the configuration.
	Reporter runtime.StatusReporter
}

// Run executes one job and returns the process exit code. An error before
// the job produced a result is logged and reported as a failed job.
func Run(ctx context.Context, opts RunOptions) int {
	cfg, err := runtime.LoadConfig(opts.Environ)
	if err != nil {
		newLogger(opts.Stderr, false, nil).ErrorContext(ctx, "Failed to load runner configuration", "error", err)
		return runtime.ExitFailure
	}
	if opts.JobFile != "" {
		cfg.JobFile = opts.JobFile
	}

	provider := setupTelemetry(ctx, opts)
	defer func() {
		if err := provider.Shutdown(context.WithoutCancel(ctx)); err != nil {
			newLogger(opts.Stderr, false, nil).ErrorContext(ctx, "Failed to flush telemetry", "error", err)
		}
	}()

	l := newLogger(opts.Stderr, cfg.Debug, provider)
	reporter := opts.Reporter
	if reporter == nil {
		reporter = orchestrator.New(cfg, l)
	}

	result, err := execute(ctx, cfg, opts, reporter, l)
	if err != nil {
		l.ErrorContext(ctx, fmt.Sprintf("Job %s aborted", cfg.JobName), "error", err)
		if result.Result == "" {
			reportFailure(ctx, reporter, l)
		}
		return runtime.ExitFailure
	}
	return runtime.ExitCode(result)
}

func execute(ctx context.Context, cfg *runtime.Config, opts RunOptions, reporter runtime.StatusReporter, l *slog.Logger) (runtime.JobResult, error) {
	job, err := runtime.LoadJobData(cfg.JobFile)
	if err != nil {
		return runtime.JobResult{}, err
	}
	env, err := runtime.InitialEnvironment(cfg, opts.Environ)
	if err != nil {
		return runtime.JobResult{}, err
	}
	secrets, err := runtime.NewSecretsManager(cfg.SecretsDirectory, opts.Environ, l).Retrieve()
	if err != nil {
		return runtime.JobResult{}, err
	}
	ec := runtime.NewJobContext(cfg, job, env, secrets)

	container, err := newContainer(opts.Environ, l)
	if err != nil {
		return runtime.JobResult{}, err
	}
	if err := container.Initialize(ctx); err != nil {
		return runtime.JobResult{}, runtime.NewConfigurationError("failed to initialize plugins", err)
	}
	defer func() {
		if err := container.Shutdown(context.WithoutCancel(ctx)); err != nil {
			l.ErrorContext(ctx, "Failed to shut down plugins", "error", err)
		}
	}()

	evaluator := expression.NewEvaluator()

	shellExecutor := shell.NewExecutor(evaluator, l, cfg.KillGracePeriod)
	shellExecutor.Stdout = opts.Stdout
	shellExecutor.Stderr = opts.Stderr

	actionExecutor := action.NewExecutor(action.NewResolver(container, cfg.ActionsDirectory), evaluator, l, cfg.KillGracePeriod)
	actionExecutor.Stdout = opts.Stdout
	actionExecutor.Stderr = opts.Stderr

	controller := runtime.NewJobController(l, runtime.JobControllerOptions{
		Executors: map[runtime.StepKind]runtime.StepExecutor{
			runtime.KindShell:  shellExecutor,
			runtime.KindAction: actionExecutor,
		},
		Evaluator:         evaluator,
		Reporter:          reporter,
		MaxCompositeDepth: cfg.MaxCompositeDepth,
	})
	return controller.Run(ctx, job, ec)
}

// newContainer registers the in-process actions. The postgres plugin is only
// available when a connection string is configured.
func newContainer(environ []string, l *slog.Logger) (*runtime.Container, error) {
	values := runtime.EnvironMap(environ)
	container := runtime.NewContainer()

	httpPlugin, err := httpplugin.New(values)
	if err != nil {
		return nil, runtime.NewConfigurationError("invalid http plugin configuration", err)
	}
	if err := container.RegisterPlugin("http", httpPlugin); err != nil {
		return nil, err
	}

	if v, _ := values[postgres.EnvConnectionString].(string); v != "" {
		pg, err := postgres.New(values, l)
		if err != nil {
			return nil, runtime.NewConfigurationError("invalid postgres plugin configuration", err)
		}
		if err := container.RegisterPlugin("postgres", pg); err != nil {
			return nil, err
		}
	}

	l.Debug("Registered in-process actions", "actions", container.Names())
	return container, nil
}

// reportFailure reports a failed job when no result was produced.
func reportFailure(ctx context.Context, reporter runtime.StatusReporter, l *slog.Logger) {
	update := runtime.JobStatusUpdate{Status: runtime.StatusCompleted, Outcome: runtime.StatusFailure}
	if err := reporter.UpdateJobStatus(context.WithoutCancel(ctx), update); err != nil {
		l.ErrorContext(ctx, "Failed to report job failure", "error", err)
	}
}

// setupTelemetry starts OTLP export when a collector is configured. Any
// problem leaves the runner on local logging only.
func setupTelemetry(ctx context.Context, opts RunOptions) *telemetry.Provider {
	l := newLogger(opts.Stderr, false, nil)
	cfg, err := telemetry.LoadConfig(opts.Environ)
	if err != nil {
		l.WarnContext(ctx, "Ignoring telemetry configuration", "error", err)
		return nil
	}
	provider, err := telemetry.Setup(ctx, cfg)
	if err != nil {
		l.WarnContext(ctx, "Failed to set up telemetry export", "endpoint", cfg.Endpoint, "error", err)
		return nil
	}
	return provider
}

func newLogger(w io.Writer, debug bool, provider *telemetry.Provider) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(provider.Handler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}
