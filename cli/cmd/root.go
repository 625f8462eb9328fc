package cmd

import (
	"errors"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "steprunner",
	Short: "steprunner - CI/CD job step runner",
	Long: `steprunner executes the steps of a single CI/CD job.

It reads the resolved job data document, runs its shell, action and composite
steps against a shared execution context and reports progress to the
orchestration service.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExitError carries the exit code of a finished run.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "job did not succeed"
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		var exit *ExitError
		if errors.As(err, &exit) {
			return exit.Code
		}
		rootCmd.PrintErrln("Error:", err)
		return 1
	}
	return 0
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
}
