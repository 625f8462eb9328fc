package runtime

import (
	"strings"
	"testing"

	"github.com/BDNK1/steprunner/runtime/expression"
)

func TestExecutionContext_EnvOperations(t *testing.T) {
	ec := newTestContext()

	ec.AddEnv("FOO", "bar")
	ec.AddToPath("/opt/tool/bin")
	ec.AppendEnv(map[string]string{"A": "1", "FOO": "baz"})

	env := ec.Env()
	if env["FOO"] != "baz" {
		t.Errorf("Expected FOO=baz, got '%s'", env["FOO"])
	}
	if env["PATH"] != "/opt/tool/bin:/usr/bin" {
		t.Errorf("Expected prepended PATH, got '%s'", env["PATH"])
	}
	if env["A"] != "1" {
		t.Errorf("Expected A=1, got '%s'", env["A"])
	}

	environ := strings.Join(ec.Environ(), "\n")
	if environ != "A=1\nFOO=baz\nPATH=/opt/tool/bin:/usr/bin" {
		t.Errorf("Unexpected Environ output:\n%s", environ)
	}
}

func TestExecutionContext_AddToPathWithoutPath(t *testing.T) {
	ec := NewExecutionContext(ContextOptions{})
	ec.AddToPath("/bin")
	if got := ec.Env()["PATH"]; got != "/bin" {
		t.Errorf("Expected PATH=/bin, got '%s'", got)
	}
}

func TestExecutionContext_Results(t *testing.T) {
	ec := newTestContext()

	if err := ec.SetResult("", NewStepResult("x", StatusSuccess, nil)); !IsConfigurationError(err) {
		t.Errorf("Expected configuration error for empty id, got %v", err)
	}
	if _, err := ec.GetResult("unknown"); err == nil {
		t.Error("Expected error for unknown id, got nil")
	}

	if err := ec.SetResult("b", StepResult{Outcome: StatusFailure}); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}
	if err := ec.SetResult("a", NewStepResult("A", StatusSuccess, map[string]any{"o": "1"})); err != nil {
		t.Fatalf("SetResult failed: %v", err)
	}

	r, err := ec.GetResult("b")
	if err != nil {
		t.Fatalf("GetResult failed: %v", err)
	}
	if r.Conclusion != StatusFailure {
		t.Errorf("Expected conclusion to mirror outcome, got %s", r.Conclusion)
	}

	results := ec.Results()
	if len(results) != 2 || results[0].ID != "b" || results[1].ID != "a" {
		t.Errorf("Expected results in recording order, got %v", results)
	}
	if !ec.HasOutcome(StatusFailure) || ec.HasOutcome(StatusCancelled) {
		t.Error("HasOutcome reported the wrong outcomes")
	}
}

func TestExecutionContext_SnapshotIsACopy(t *testing.T) {
	ec := newTestContext()
	ec.AddEnv("FOO", "before")
	_ = ec.SetResult("a", NewStepResult("a", StatusSuccess, map[string]any{"nested": map[string]any{"k": "v"}}))

	snap := ec.Snapshot()

	ec.AddEnv("FOO", "after")
	_ = ec.SetResult("b", NewStepResult("b", StatusFailure, nil))
	snap.Steps["a"].Outputs["nested"].(map[string]any)["k"] = "mutated"

	if snap.Env["FOO"] != "before" {
		t.Errorf("snapshot saw a later env change: %s", snap.Env["FOO"])
	}
	if _, ok := snap.Steps["b"]; ok {
		t.Error("snapshot saw a later result")
	}
	if snap.Job.Status != StatusSuccess {
		t.Errorf("Expected snapshot job status success, got %s", snap.Job.Status)
	}
	r, _ := ec.GetResult("a")
	if r.Outputs["nested"].(map[string]any)["k"] != "v" {
		t.Error("mutating a snapshot changed the context")
	}
	if ec.Snapshot().Job.Status != StatusFailure {
		t.Error("Expected job status failure after a failed step")
	}
}

func TestExecutionContext_ValuesAreEvaluable(t *testing.T) {
	ec := NewExecutionContext(ContextOptions{
		Internal: Internal{Job: "build", Workflow: "ci", EventName: "push", Event: map[string]any{"type": "push", "ref": "main"}},
		Env:      map[string]string{"STAGE": "prod"},
		Secrets:  map[string]string{"TOKEN": "s3cr3t"},
		Inputs:   map[string]any{"level": "debug"},
		Debug:    true,
	})
	_ = ec.SetResult("build", NewStepResult("Build", StatusSuccess, map[string]any{"version": "1.2.3"}))

	ev := expression.NewEvaluator()
	tests := []struct {
		expr string
		want string
	}{
		{"${{ env.STAGE }}", "prod"},
		{"${{ secrets.TOKEN }}", "s3cr3t"},
		{"${{ inputs.level }}", "debug"},
		{"${{ steps.build.outputs.version }}", "1.2.3"},
		{"${{ steps.build.outcome }}", "success"},
		{"${{ job.name }}/${{ job.workflow }}", "build/ci"},
		{"${{ internal.event.ref }}", "main"},
		{"${{ internal.eventName }}", "push"},
		{"${{ runner.debug }}", "true"},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ev.Render(tt.expr, ec)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected '%s', got '%s'", tt.want, got)
			}
		})
	}
}

func TestExecutionContext_ForComposite(t *testing.T) {
	parent := newTestContext()
	parent.AddEnv("SHARED", "parent")
	_ = parent.SetResult("a", NewStepResult("a", StatusSuccess, nil))

	child := parent.ForComposite(
		map[string]any{"greeting": "hello", "name": "nobody"},
		map[string]any{"name": "world"},
	)
	child.SetActionPath("/runner/actions/greet")

	if len(child.Results()) != 0 {
		t.Error("fork must start without step results")
	}
	inputs := child.Inputs()
	if inputs["greeting"] != "hello" || inputs["name"] != "world" {
		t.Errorf("Unexpected fork inputs: %v", inputs)
	}
	if child.Env()["SHARED"] != "parent" {
		t.Error("fork must inherit the parent env")
	}
	if child.Internal().ActionPath != "/runner/actions/greet" || parent.Internal().ActionPath != "" {
		t.Error("action path must only be set on the fork")
	}

	child.AddEnv("SHARED", "child")
	parent.AddEnv("LATER", "x")

	if parent.Env()["SHARED"] != "parent" {
		t.Error("fork env change leaked into the parent")
	}
	if _, ok := child.Env()["LATER"]; ok {
		t.Error("parent env change leaked into an existing fork")
	}
}
