package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/BDNK1/steprunner/runtime/expression"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// scriptedShell interprets a tiny command language instead of spawning a
// shell. Commands are separated by ';':
//
//	exit 1       the step fails
//	output k=v   sets output k
//	env K=V      adds K to the environment
//	error        the executor cannot run the step
//	panic        the executor panics
//	cancel       calls the test's cancel function
type scriptedShell struct {
	calls  []string
	cancel context.CancelFunc
}

func (s *scriptedShell) Run(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error) {
	s.calls = append(s.calls, step.ID)
	sh := step.Body.(*ShellStep)

	outcome := StatusSuccess
	outputs := map[string]any{}
	for _, cmd := range strings.Split(sh.Run, ";") {
		cmd = strings.TrimSpace(cmd)
		switch {
		case cmd == "exit 1":
			outcome = StatusFailure
		case strings.HasPrefix(cmd, "output "):
			k, v, _ := strings.Cut(strings.TrimPrefix(cmd, "output "), "=")
			outputs[k] = v
		case strings.HasPrefix(cmd, "env "):
			k, v, _ := strings.Cut(strings.TrimPrefix(cmd, "env "), "=")
			ec.AddEnv(k, v)
		case cmd == "error":
			return StepOutcome{}, errors.New("cannot start process")
		case cmd == "panic":
			panic("boom")
		case cmd == "cancel":
			s.cancel()
		}
	}
	return StepOutcome{Outcome: outcome, Outputs: outputs}, nil
}

// catalogActions resolves uses references to composite definitions.
type catalogActions struct {
	catalog map[string]*CompositeStep
}

func (a *catalogActions) Run(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error) {
	as := step.Body.(*ActionStep)
	def, ok := a.catalog[as.Uses]
	if !ok {
		return StepOutcome{}, errors.New("unknown action " + as.Uses)
	}
	return StepOutcome{Composite: &Composite{Definition: def, Inputs: as.With, ActionPath: "/actions/" + as.Uses}}, nil
}

func shellStep(id, run, cond string) StepDefinition {
	return StepDefinition{ID: id, If: cond, Body: &ShellStep{Run: run}}
}

func usesStep(id, uses string, with map[string]any) StepDefinition {
	return StepDefinition{ID: id, Body: &ActionStep{Uses: uses, With: with}}
}

type progressEvent struct {
	index  int
	status Status
}

type sequencerFixture struct {
	shell    *scriptedShell
	actions  *catalogActions
	progress []progressEvent
	seq      *Sequencer
}

func newSequencerFixture(catalog map[string]*CompositeStep, maxDepth int) *sequencerFixture {
	f := &sequencerFixture{
		shell:   &scriptedShell{},
		actions: &catalogActions{catalog: catalog},
	}
	f.seq = NewSequencer(discardLogger(), SequencerOptions{
		Executors: map[StepKind]StepExecutor{
			KindShell:  f.shell,
			KindAction: f.actions,
		},
		Evaluator:         expression.NewEvaluator(),
		MaxCompositeDepth: maxDepth,
		OnStep: func(ctx context.Context, index int, step StepDefinition, status Status) {
			f.progress = append(f.progress, progressEvent{index, status})
		},
	})
	return f
}

func newTestContext() *ExecutionContext {
	return NewExecutionContext(ContextOptions{
		Internal: Internal{Job: "build", Workflow: "ci"},
		Env:      map[string]string{"PATH": "/usr/bin"},
	})
}

func outcomes(t *testing.T, ec *ExecutionContext) map[string]Status {
	t.Helper()
	out := map[string]Status{}
	for _, r := range ec.Results() {
		out[r.ID] = r.Result.Outcome
		if r.Result.Conclusion != r.Result.Outcome {
			t.Errorf("step %s: conclusion %s differs from outcome %s", r.ID, r.Result.Conclusion, r.Result.Outcome)
		}
	}
	return out
}

func TestSequencer_FailurePropagation(t *testing.T) {
	tests := []struct {
		name     string
		steps    []StepDefinition
		result   Status
		outcomes map[string]Status
		calls    []string
	}{
		{
			name:     "all succeed",
			steps:    []StepDefinition{shellStep("a", "echo a", ""), shellStep("b", "echo b", "")},
			result:   StatusSuccess,
			outcomes: map[string]Status{"a": StatusSuccess, "b": StatusSuccess},
			calls:    []string{"a", "b"},
		},
		{
			name:     "default condition skips after failure",
			steps:    []StepDefinition{shellStep("a", "exit 1", ""), shellStep("b", "echo hi", "")},
			result:   StatusFailure,
			outcomes: map[string]Status{"a": StatusFailure, "b": StatusSkipped},
			calls:    []string{"a"},
		},
		{
			name:     "always runs after failure",
			steps:    []StepDefinition{shellStep("a", "exit 1", ""), shellStep("b", "echo hi", "always()")},
			result:   StatusFailure,
			outcomes: map[string]Status{"a": StatusFailure, "b": StatusSuccess},
			calls:    []string{"a", "b"},
		},
		{
			name: "always chain survives its own failures",
			steps: []StepDefinition{
				shellStep("a", "exit 1", ""),
				shellStep("b", "exit 1", "${{ always() }}"),
				shellStep("c", "echo cleanup", "always()"),
				shellStep("d", "echo never", ""),
			},
			result:   StatusFailure,
			outcomes: map[string]Status{"a": StatusFailure, "b": StatusFailure, "c": StatusSuccess, "d": StatusSkipped},
			calls:    []string{"a", "b", "c"},
		},
		{
			name: "failure condition and outcome checks",
			steps: []StepDefinition{
				shellStep("a", "exit 1", ""),
				shellStep("b", "echo report", "failure()"),
				shellStep("c", "echo a-failed", "steps.a.outcome == 'failure'"),
				shellStep("d", "echo nope", "success()"),
			},
			result:   StatusFailure,
			outcomes: map[string]Status{"a": StatusFailure, "b": StatusSuccess, "c": StatusSuccess, "d": StatusSkipped},
			calls:    []string{"a", "b", "c"},
		},
		{
			name: "condition is not consulted while nothing has failed",
			steps: []StepDefinition{
				shellStep("a", "echo a", "failure()"),
				shellStep("b", "echo b", "false"),
			},
			result:   StatusSuccess,
			outcomes: map[string]Status{"a": StatusSuccess, "b": StatusSuccess},
			calls:    []string{"a", "b"},
		},
		{
			name: "executor errors become failures",
			steps: []StepDefinition{
				shellStep("a", "error", ""),
				shellStep("b", "panic", "always()"),
				shellStep("c", "echo c", ""),
			},
			result:   StatusFailure,
			outcomes: map[string]Status{"a": StatusFailure, "b": StatusFailure, "c": StatusSkipped},
			calls:    []string{"a", "b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSequencerFixture(nil, 0)
			ec := newTestContext()

			result, err := f.seq.Run(context.Background(), "build", tt.steps, nil, ec)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if result.Result != tt.result {
				t.Errorf("Expected result %s, got %s", tt.result, result.Result)
			}

			got := outcomes(t, ec)
			for id, want := range tt.outcomes {
				if got[id] != want {
					t.Errorf("step %s: expected %s, got %s", id, want, got[id])
				}
			}
			if strings.Join(f.shell.calls, ",") != strings.Join(tt.calls, ",") {
				t.Errorf("Expected executor calls %v, got %v", tt.calls, f.shell.calls)
			}
		})
	}
}

func TestSequencer_ExecutorErrorIsRecorded(t *testing.T) {
	f := newSequencerFixture(nil, 0)
	ec := newTestContext()

	if _, err := f.seq.Run(context.Background(), "build", []StepDefinition{shellStep("a", "error", "")}, nil, ec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	r, err := ec.GetResult("a")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if !strings.Contains(r.Error, "cannot start process") {
		t.Errorf("Expected executor error to be kept, got '%s'", r.Error)
	}
}

func TestSequencer_SkippedStepDoesNotMutate(t *testing.T) {
	f := newSequencerFixture(nil, 0)
	ec := newTestContext()

	steps := []StepDefinition{
		shellStep("a", "exit 1", ""),
		shellStep("b", "env LEAK=1; output o=1", ""),
	}
	if _, err := f.seq.Run(context.Background(), "build", steps, nil, ec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if _, ok := ec.Env()["LEAK"]; ok {
		t.Error("skipped step mutated the environment")
	}
	r, _ := ec.GetResult("b")
	if len(r.Outputs) != 0 {
		t.Errorf("skipped step has outputs: %v", r.Outputs)
	}
}

func TestSequencer_Outputs(t *testing.T) {
	steps := []StepDefinition{
		shellStep("build", "output version=1.2.3", ""),
		shellStep("tag", "output name=v1", ""),
	}
	outputs := map[string]string{
		"version": "${{ steps.build.outputs.version }}",
		"image":   "app:${{ steps.tag.outputs.name }}",
		"missing": "${{ steps.nope.outputs.x }}",
	}

	t.Run("rendered on success", func(t *testing.T) {
		f := newSequencerFixture(nil, 0)
		result, err := f.seq.Run(context.Background(), "build", steps, outputs, newTestContext())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		expected := map[string]any{"version": "1.2.3", "image": "app:v1", "missing": ""}
		for k, want := range expected {
			if result.Outputs[k] != want {
				t.Errorf("output %s: expected %v, got %v", k, want, result.Outputs[k])
			}
		}
	})

	t.Run("absent on failure", func(t *testing.T) {
		f := newSequencerFixture(nil, 0)
		failing := append([]StepDefinition{}, steps...)
		failing = append(failing, shellStep("boom", "exit 1", ""))
		result, err := f.seq.Run(context.Background(), "build", failing, outputs, newTestContext())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if result.Result != StatusFailure {
			t.Errorf("Expected failure, got %s", result.Result)
		}
		if result.Outputs != nil {
			t.Errorf("Expected no outputs, got %v", result.Outputs)
		}
	})

	t.Run("malformed mapping is fatal", func(t *testing.T) {
		f := newSequencerFixture(nil, 0)
		result, err := f.seq.Run(context.Background(), "build", steps, map[string]string{"bad": "${{ 1 + }}"}, newTestContext())
		if err == nil {
			t.Fatal("Expected error for malformed output expression, got nil")
		}
		if !IsEvaluationError(err) {
			t.Errorf("Expected evaluation error, got %v", err)
		}
		if result.Result != StatusFailure || result.Outputs != nil {
			t.Errorf("Expected failure without outputs, got %+v", result)
		}
	})
}

func TestSequencer_InvalidIDs(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepDefinition
	}{
		{"duplicate", []StepDefinition{shellStep("a", "echo 1", ""), shellStep("b", "echo 2", ""), shellStep("a", "echo 3", "")}},
		{"missing", []StepDefinition{shellStep("a", "echo 1", ""), shellStep("", "echo 2", "")}},
		{"no body", []StepDefinition{{ID: "a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSequencerFixture(nil, 0)
			ec := newTestContext()

			result, err := f.seq.Run(context.Background(), "build", tt.steps, nil, ec)
			if err == nil {
				t.Fatal("Expected configuration error, got nil")
			}
			if !IsConfigurationError(err) {
				t.Errorf("Expected configuration error, got %v", err)
			}
			if result.Result != StatusFailure {
				t.Errorf("Expected failure, got %s", result.Result)
			}
			if len(f.shell.calls) != 0 {
				t.Errorf("Expected no step to run, got %v", f.shell.calls)
			}
			if len(ec.Results()) != 0 {
				t.Errorf("Expected no results, got %v", ec.Results())
			}
		})
	}
}

func TestSequencer_ConditionErrorAborts(t *testing.T) {
	f := newSequencerFixture(nil, 0)
	steps := []StepDefinition{
		shellStep("a", "exit 1", ""),
		shellStep("b", "echo b", "always( +"),
		shellStep("c", "echo c", "always()"),
	}

	result, err := f.seq.Run(context.Background(), "build", steps, nil, newTestContext())
	if err == nil {
		t.Fatal("Expected evaluation error, got nil")
	}
	if !IsEvaluationError(err) {
		t.Errorf("Expected evaluation error, got %v", err)
	}
	if result.Result != StatusFailure {
		t.Errorf("Expected failure, got %s", result.Result)
	}
	if len(f.shell.calls) != 1 {
		t.Errorf("Expected only the first step to run, got %v", f.shell.calls)
	}
}

func TestSequencer_CompositeOutputs(t *testing.T) {
	catalog := map[string]*CompositeStep{
		"calc": {
			Name:    "calc",
			Steps:   []StepDefinition{shellStep("s1", "output o=5", "")},
			Outputs: map[string]string{"result": "${{ steps.s1.outputs.o }}"},
		},
	}
	f := newSequencerFixture(catalog, 0)
	ec := newTestContext()

	steps := []StepDefinition{
		usesStep("compute", "calc", nil),
		shellStep("after", "echo ok", ""),
	}
	result, err := f.seq.Run(context.Background(), "build", steps, map[string]string{"answer": "${{ steps.compute.outputs.result }}"}, ec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	r, err := ec.GetResult("compute")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r.Outcome != StatusSuccess {
		t.Errorf("Expected composite success, got %s", r.Outcome)
	}
	if r.Outputs["result"] != "5" {
		t.Errorf("Expected outputs {result: 5}, got %v", r.Outputs)
	}
	if result.Outputs["answer"] != "5" {
		t.Errorf("Expected job output answer=5, got %v", result.Outputs)
	}
}

func TestSequencer_CompositeIsolation(t *testing.T) {
	catalog := map[string]*CompositeStep{
		"setup": {
			Name: "setup",
			Steps: []StepDefinition{
				shellStep("inner1", "env TOOL_HOME=/opt/tool; output p=/opt/tool/bin", ""),
				shellStep("inner2", "output seen=yes", ""),
			},
			Outputs: map[string]string{
				"path": "${{ steps.inner1.outputs.p }}",
				"home": "${{ env.TOOL_HOME }}",
			},
		},
	}
	f := newSequencerFixture(catalog, 0)
	ec := newTestContext()

	steps := []StepDefinition{
		usesStep("setup", "setup", nil),
		shellStep("check", "echo", ""),
	}
	if _, err := f.seq.Run(context.Background(), "build", steps, nil, ec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if _, ok := ec.Env()["TOOL_HOME"]; ok {
		t.Error("composite env change leaked into the parent context")
	}
	if _, err := ec.GetResult("inner1"); err == nil {
		t.Error("composite step results leaked into the parent context")
	}
	r, _ := ec.GetResult("setup")
	if r.Outputs["path"] != "/opt/tool/bin" {
		t.Errorf("Expected path output, got %v", r.Outputs)
	}
	if r.Outputs["home"] != "/opt/tool" {
		t.Errorf("Expected env change to be visible inside the composite, got %v", r.Outputs)
	}
	if len(ec.Results()) != 2 {
		t.Errorf("Expected 2 results in parent, got %d", len(ec.Results()))
	}
}

func TestSequencer_CompositeInputs(t *testing.T) {
	var seen map[string]any
	catalog := map[string]*CompositeStep{
		"greet": {
			Name: "greet",
			Inputs: map[string]ActionInput{
				"greeting": {Default: "hello"},
				"name":     {Default: "nobody"},
			},
			Steps: []StepDefinition{shellStep("say", "echo", "")},
		},
	}
	seq := NewSequencer(discardLogger(), SequencerOptions{
		Executors: map[StepKind]StepExecutor{
			KindShell: StepExecutorFunc(func(ctx context.Context, step StepDefinition, ec *ExecutionContext) (StepOutcome, error) {
				seen = ec.Inputs()
				return StepOutcome{Outcome: StatusSuccess}, nil
			}),
			KindAction: &catalogActions{catalog: catalog},
		},
		Evaluator: expression.NewEvaluator(),
	})

	steps := []StepDefinition{usesStep("greet", "greet", map[string]any{"name": "world"})}
	if _, err := seq.Run(context.Background(), "build", steps, nil, newTestContext()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if seen["greeting"] != "hello" {
		t.Errorf("Expected declared default 'hello', got %v", seen["greeting"])
	}
	if seen["name"] != "world" {
		t.Errorf("Expected caller input to win, got %v", seen["name"])
	}
}

func TestSequencer_CompositeFailure(t *testing.T) {
	catalog := map[string]*CompositeStep{
		"broken": {
			Name:    "broken",
			Steps:   []StepDefinition{shellStep("x", "exit 1", ""), shellStep("y", "echo", "")},
			Outputs: map[string]string{"o": "value"},
		},
		"duplicated": {
			Name:  "duplicated",
			Steps: []StepDefinition{shellStep("x", "echo", ""), shellStep("x", "echo", "")},
		},
	}

	tests := []struct {
		name string
		uses string
	}{
		{"inner step fails", "broken"},
		{"inner ids invalid", "duplicated"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSequencerFixture(catalog, 0)
			ec := newTestContext()
			steps := []StepDefinition{
				usesStep("comp", tt.uses, nil),
				shellStep("cleanup", "echo", "always()"),
			}

			result, err := f.seq.Run(context.Background(), "build", steps, nil, ec)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if result.Result != StatusFailure {
				t.Errorf("Expected failure, got %s", result.Result)
			}
			got := outcomes(t, ec)
			if got["comp"] != StatusFailure || got["cleanup"] != StatusSuccess {
				t.Errorf("Unexpected outcomes: %v", got)
			}
			r, _ := ec.GetResult("comp")
			if len(r.Outputs) != 0 {
				t.Errorf("Expected failed composite to have no outputs, got %v", r.Outputs)
			}
		})
	}
}

func TestSequencer_CompositeDepthLimit(t *testing.T) {
	catalog := map[string]*CompositeStep{}
	catalog["loop"] = &CompositeStep{
		Name:  "loop",
		Steps: []StepDefinition{usesStep("again", "loop", nil)},
	}
	f := newSequencerFixture(catalog, 3)
	ec := newTestContext()

	result, err := f.seq.Run(context.Background(), "build", []StepDefinition{usesStep("start", "loop", nil)}, nil, ec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Result != StatusFailure {
		t.Errorf("Expected failure, got %s", result.Result)
	}
}

func TestSequencer_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newSequencerFixture(nil, 0)
	f.shell.cancel = cancel
	ec := newTestContext()

	steps := []StepDefinition{
		shellStep("a", "cancel", ""),
		shellStep("b", "echo", ""),
		shellStep("c", "echo", "always()"),
	}
	result, err := f.seq.Run(ctx, "build", steps, nil, ec)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Result != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", result.Result)
	}
	got := outcomes(t, ec)
	if got["a"] != StatusSuccess || got["b"] != StatusCancelled || got["c"] != StatusCancelled {
		t.Errorf("Unexpected outcomes: %v", got)
	}
	if len(f.shell.calls) != 1 {
		t.Errorf("Expected one executor call, got %v", f.shell.calls)
	}
}

func TestSequencer_ProgressReportsTopLevelOnly(t *testing.T) {
	catalog := map[string]*CompositeStep{
		"pair": {Name: "pair", Steps: []StepDefinition{shellStep("x", "echo", ""), shellStep("y", "echo", "")}},
	}
	f := newSequencerFixture(catalog, 0)

	steps := []StepDefinition{
		shellStep("a", "echo", ""),
		usesStep("b", "pair", nil),
		shellStep("c", "exit 1", ""),
		shellStep("d", "echo", ""),
	}
	if _, err := f.seq.Run(context.Background(), "build", steps, nil, newTestContext()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	expected := []progressEvent{
		{0, StatusInProgress}, {0, StatusSuccess},
		{1, StatusInProgress}, {1, StatusSuccess},
		{2, StatusInProgress}, {2, StatusFailure},
		{3, StatusInProgress}, {3, StatusSkipped},
	}
	if len(f.progress) != len(expected) {
		t.Fatalf("Expected %d progress events, got %d: %v", len(expected), len(f.progress), f.progress)
	}
	for i, want := range expected {
		if f.progress[i] != want {
			t.Errorf("event %d: expected %v, got %v", i, want, f.progress[i])
		}
	}
}

func TestSequencer_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	catalog := map[string]*CompositeStep{
		"pair": {Name: "pair", Steps: []StepDefinition{shellStep("x", "exit 1", "")}},
	}
	seq := NewSequencer(discardLogger(), SequencerOptions{
		Executors: map[StepKind]StepExecutor{
			KindShell:  &scriptedShell{},
			KindAction: &catalogActions{catalog: catalog},
		},
		Evaluator: expression.NewEvaluator(),
		Tracer:    tp.Tracer("test"),
	})

	ec := newTestContext()
	steps := []StepDefinition{shellStep("a", "echo", ""), usesStep("b", "pair", nil)}
	if _, err := seq.Run(context.Background(), "build", steps, nil, ec); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("Expected 3 spans, got %d", len(spans))
	}
	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		byName[s.Name()] = s
	}
	outer, inner := byName["step b"], byName["step x"]
	if outer == nil || inner == nil {
		t.Fatalf("Missing spans, got %v", byName)
	}
	if inner.Parent().SpanID() != outer.SpanContext().SpanID() {
		t.Error("inner step span is not a child of the composite step span")
	}
	if outer.Status().Code != codes.Error {
		t.Errorf("Expected composite span status Error, got %s", outer.Status().Code)
	}

	contextOf := func(s sdktrace.ReadOnlySpan) string {
		for _, kv := range s.Attributes() {
			if kv.Key == "step.context" {
				return kv.Value.AsString()
			}
		}
		return ""
	}
	if got := contextOf(outer); got != ec.ID {
		t.Errorf("Expected composite span context %q, got %q", ec.ID, got)
	}
	if got := contextOf(inner); got == "" || got == ec.ID {
		t.Errorf("Expected inner span to carry the composite's own context, got %q", got)
	}
}

func TestSequencer_StepMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	catalog := map[string]*CompositeStep{
		"pair": {Name: "pair", Steps: []StepDefinition{shellStep("x", "exit 1", "")}},
	}
	seq := NewSequencer(discardLogger(), SequencerOptions{
		Executors: map[StepKind]StepExecutor{
			KindShell:  &scriptedShell{},
			KindAction: &catalogActions{catalog: catalog},
		},
		Evaluator: expression.NewEvaluator(),
		Meter:     mp.Meter("test"),
	})

	steps := []StepDefinition{shellStep("a", "echo", ""), usesStep("b", "pair", nil)}
	if _, err := seq.Run(context.Background(), "build", steps, nil, newTestContext()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	counts := map[string]int64{}
	var durations uint64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					kind, _ := dp.Attributes.Value(attribute.Key("step.kind"))
					outcome, _ := dp.Attributes.Value(attribute.Key("step.outcome"))
					nested, _ := dp.Attributes.Value(attribute.Key("step.nested"))
					key := kind.AsString() + "/" + outcome.AsString()
					if nested.AsBool() {
						key += "/nested"
					}
					counts[key] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					durations += dp.Count
				}
			}
		}
	}

	expected := map[string]int64{
		"shell/success":        1,
		"shell/failure/nested": 1,
		"action/failure":       1,
	}
	if len(counts) != len(expected) {
		t.Fatalf("Expected step counts %v, got %v", expected, counts)
	}
	for k, v := range expected {
		if counts[k] != v {
			t.Errorf("count %s: expected %d, got %d", k, v, counts[k])
		}
	}
	if durations != 3 {
		t.Errorf("Expected 3 duration samples, got %d", durations)
	}
}
