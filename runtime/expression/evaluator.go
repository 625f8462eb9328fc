// Package expression evaluates the ${{ ... }} templating language against a
// context snapshot. Evaluation never mutates the scope it is given.
package expression

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
)

// Scope is anything that can expose a nested, read-only value tree:
// env, secrets, inputs, steps, job, internal and runner.
type Scope interface {
	Values() map[string]any
}

// Map adapts a plain map to Scope.
type Map map[string]any

func (m Map) Values() map[string]any {
	return m
}

// Step outcome values observed by the status functions.
const (
	outcomeFailure   = "failure"
	outcomeCancelled = "cancelled"
)

// exprFunctions are available in every expression.
var exprFunctions = []expr.Option{
	expr.Function("base64_encode", func(params ...any) (any, error) {
		return base64.StdEncoding.EncodeToString([]byte(Stringify(params[0]))), nil
	}, new(func(any) string)),
	expr.Function("base64_decode", func(params ...any) (any, error) {
		s, _ := params[0].(string)
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}, new(func(any) string)),
	expr.Function("always", func(params ...any) (any, error) {
		return true, nil
	}, new(func() bool)),
}

// EvaluationError reports a malformed expression or a fault while running it.
type EvaluationError struct {
	Expression string
	Err        error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("error evaluating expression '%s': %v", e.Expression, e.Err)
}

func (e *EvaluationError) Unwrap() error {
	return e.Err
}

// Evaluator evaluates expressions using the expr-lang library. Keys and
// expressions use the flat underscore convention of ValueStore.
type Evaluator struct{}

func NewEvaluator() *Evaluator {
	return &Evaluator{}
}

// Evaluate returns the value of a single expression. The expression may be
// bare ("steps.a.outcome") or wrapped ("${{ steps.a.outcome }}").
// Missing paths evaluate to nil.
func (e *Evaluator) Evaluate(expression string, scope Scope) (any, error) {
	return newEnvironment(scope).eval(unwrap(expression))
}

// EvaluateCondition evaluates an "if" expression. The empty expression is
// success().
func (e *Evaluator) EvaluateCondition(expression string, scope Scope) (bool, error) {
	code := unwrap(expression)
	if code == "" {
		code = "success()"
	}
	result, err := newEnvironment(scope).eval(code)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

// Render replaces every embedded ${{ expr }} in template with the string
// form of its value. Text without expressions is returned as is.
func (e *Evaluator) Render(template string, scope Scope) (string, error) {
	if !strings.Contains(template, "${{") {
		return template, nil
	}
	return newEnvironment(scope).render(template)
}

// RenderDeep applies Render to every string leaf of a nested structure of
// maps and slices, preserving its shape. Non-string leaves are copied as is.
func (e *Evaluator) RenderDeep(value any, scope Scope) (any, error) {
	return newEnvironment(scope).renderValue(value)
}

// environment is a flattened view of a scope, built once per call.
type environment struct {
	values map[string]any
	steps  map[string]any
}

func newEnvironment(scope Scope) *environment {
	var tree map[string]any
	if scope != nil {
		tree = scope.Values()
	}
	steps, _ := tree["steps"].(map[string]any)
	return &environment{
		values: NewValueStoreFrom(tree).All(),
		steps:  steps,
	}
}

func (env *environment) anyOutcome(outcome string) bool {
	for _, s := range env.steps {
		result, ok := s.(map[string]any)
		if !ok {
			continue
		}
		if o, _ := result["outcome"].(string); strings.EqualFold(o, outcome) {
			return true
		}
	}
	return false
}

func (env *environment) options() []expr.Option {
	// defined() checks if a path exists (distinguishes missing from null)
	definedFn := expr.Function(
		"defined",
		func(params ...any) (any, error) {
			path, ok := params[0].(string)
			if !ok {
				return false, fmt.Errorf("defined() expects string path argument, got %T", params[0])
			}
			_, exists := env.values[FormatKey(path)]
			return exists, nil
		},
		new(func(string) bool),
	)
	successFn := expr.Function("success", func(params ...any) (any, error) {
		return !env.anyOutcome(outcomeFailure) && !env.anyOutcome(outcomeCancelled), nil
	}, new(func() bool))
	failureFn := expr.Function("failure", func(params ...any) (any, error) {
		return env.anyOutcome(outcomeFailure), nil
	}, new(func() bool))
	cancelledFn := expr.Function("cancelled", func(params ...any) (any, error) {
		return env.anyOutcome(outcomeCancelled), nil
	}, new(func() bool))

	// No expr.Env here: variables resolve at run time, so a missing or
	// differently typed path never fails type checking.
	opts := []expr.Option{
		expr.AllowUndefinedVariables(),
		definedFn,
		successFn,
		failureFn,
		cancelledFn,
	}
	return append(opts, exprFunctions...)
}

func (env *environment) eval(code string) (any, error) {
	if code == "" {
		return nil, nil
	}
	program, err := expr.Compile(FormatExpression(code), env.options()...)
	if err != nil {
		return nil, &EvaluationError{Expression: code, Err: err}
	}
	result, err := expr.Run(program, env.values)
	if err != nil {
		return nil, &EvaluationError{Expression: code, Err: err}
	}
	return result, nil
}

func (env *environment) render(template string) (string, error) {
	var b strings.Builder
	rest := template
	for {
		start := strings.Index(rest, "${{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", &EvaluationError{Expression: template, Err: fmt.Errorf("unterminated expression at offset %d", len(template)-len(rest)+start)}
		}
		end += start

		b.WriteString(rest[:start])
		value, err := env.eval(strings.TrimSpace(rest[start+3 : end]))
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(value))
		rest = rest[end+2:]
	}
}

func (env *environment) renderValue(value any) (any, error) {
	switch v := value.(type) {
	case string:
		if !strings.Contains(v, "${{") {
			return v, nil
		}
		return env.render(v)
	case map[string]any:
		rendered := make(map[string]any, len(v))
		for key, val := range v {
			r, err := env.renderValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to render '%s': %w", key, err)
			}
			rendered[key] = r
		}
		return rendered, nil
	case map[string]string:
		rendered := make(map[string]string, len(v))
		for key, val := range v {
			r, err := env.renderValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to render '%s': %w", key, err)
			}
			rendered[key] = r.(string)
		}
		return rendered, nil
	case []any:
		rendered := make([]any, len(v))
		for i, val := range v {
			r, err := env.renderValue(val)
			if err != nil {
				return nil, fmt.Errorf("failed to render [%d]: %w", i, err)
			}
			rendered[i] = r
		}
		return rendered, nil
	default:
		return value, nil
	}
}
