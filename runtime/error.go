package runtime

import (
	"errors"
	"fmt"
)

// ErrorType classifies a RunError.
type ErrorType string

const (
	// ErrorTypeConfiguration signals malformed job data, step definitions
	// or action metadata.
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeExecutor signals a step executor could not start or finish
	// a step.
	ErrorTypeExecutor ErrorType = "executor"
	// ErrorTypeEvaluation signals a malformed expression or a failure while
	// evaluating one.
	ErrorTypeEvaluation ErrorType = "evaluation"
	// ErrorTypeNetwork signals an orchestrator request failed.
	ErrorTypeNetwork ErrorType = "network"
)

// RunError is the error type propagated out of a job run.
type RunError struct {
	Type    ErrorType
	Message string
	// Step names the step being processed when the error occurred, if any.
	Step string
	Err  error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Type, e.Message)
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step: %s)", msg, e.Step)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// WithStep returns a copy of the error attributed to step.
func (e *RunError) WithStep(step string) *RunError {
	c := *e
	c.Step = step
	return &c
}

func NewConfigurationError(message string, err error) *RunError {
	return &RunError{Type: ErrorTypeConfiguration, Message: message, Err: err}
}

func NewExecutorError(message string, err error) *RunError {
	return &RunError{Type: ErrorTypeExecutor, Message: message, Err: err}
}

func NewEvaluationError(message string, err error) *RunError {
	return &RunError{Type: ErrorTypeEvaluation, Message: message, Err: err}
}

func NewNetworkError(message string, err error) *RunError {
	return &RunError{Type: ErrorTypeNetwork, Message: message, Err: err}
}

// ErrorTypeOf returns the type of the first RunError in err's chain.
func ErrorTypeOf(err error) (ErrorType, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re.Type, true
	}
	return "", false
}

func IsConfigurationError(err error) bool { return isType(err, ErrorTypeConfiguration) }
func IsExecutorError(err error) bool      { return isType(err, ErrorTypeExecutor) }
func IsEvaluationError(err error) bool    { return isType(err, ErrorTypeEvaluation) }
func IsNetworkError(err error) bool       { return isType(err, ErrorTypeNetwork) }

func isType(err error, t ErrorType) bool {
	got, ok := ErrorTypeOf(err)
	return ok && got == t
}
