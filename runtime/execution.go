package runtime

import (
	"fmt"
	goruntime "runtime"
	"sort"

	"github.com/google/uuid"
)

// Internal is the job metadata exposed to expressions as internal.*.
type Internal struct {
	Job                 string         `json:"job"`
	Workflow            string         `json:"workflow"`
	WorkflowExecutionID string         `json:"workflowExecutionId"`
	Repository          string         `json:"repository"`
	Ref                 string         `json:"ref"`
	RefName             string         `json:"refName"`
	Event               map[string]any `json:"event,omitempty"`
	EventName           string         `json:"eventName"`
	Workspace           string         `json:"workspace"`
	ActionsDirectory    string         `json:"actionsDirectory"`
	BinariesDirectory   string         `json:"binariesDirectory"`
	PipelinesDirectory  string         `json:"pipelinesDirectory"`
	OrchestratorURL     string         `json:"orchestratorUrl"`
	// ActionPath is the directory of the composite action being run, empty
	// for the job's own step list.
	ActionPath string `json:"actionPath,omitempty"`
}

func (i Internal) values() map[string]any {
	return map[string]any{
		"job":                 i.Job,
		"workflow":            i.Workflow,
		"workflowExecutionId": i.WorkflowExecutionID,
		"repository":          i.Repository,
		"ref":                 i.Ref,
		"refName":             i.RefName,
		"event":               cloneValue(i.Event),
		"eventName":           i.EventName,
		"workspace":           i.Workspace,
		"actionsDirectory":    i.ActionsDirectory,
		"binariesDirectory":   i.BinariesDirectory,
		"pipelinesDirectory":  i.PipelinesDirectory,
		"orchestratorUrl":     i.OrchestratorURL,
		"actionPath":          i.ActionPath,
	}
}

type RunnerInfo struct {
	OS    string `json:"os"`
	Arch  string `json:"arch"`
	Debug bool   `json:"debug"`
}

type JobInfo struct {
	Name     string `json:"name"`
	Workflow string `json:"workflow"`
	Status   Status `json:"status"`
}

// Snapshot is a value copy of an ExecutionContext. Later mutations of the
// context never show through a snapshot.
type Snapshot struct {
	Env      map[string]string     `json:"env"`
	Secrets  map[string]string     `json:"secrets"`
	Internal Internal              `json:"internal"`
	Runner   RunnerInfo            `json:"runner"`
	Job      JobInfo               `json:"job"`
	Inputs   map[string]any        `json:"inputs"`
	Steps    map[string]StepResult `json:"steps"`
}

// Values returns the snapshot as a nested value tree for the expression
// evaluator.
func (s Snapshot) Values() map[string]any {
	steps := make(map[string]any, len(s.Steps))
	for id, r := range s.Steps {
		outputs, _ := cloneValue(r.Outputs).(map[string]any)
		if outputs == nil {
			outputs = map[string]any{}
		}
		steps[id] = map[string]any{
			"outcome":    string(r.Outcome),
			"conclusion": string(r.Conclusion),
			"outputs":    outputs,
			"name":       r.Name,
		}
	}
	inputs, _ := cloneValue(s.Inputs).(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}
	return map[string]any{
		"env":      stringValues(s.Env),
		"secrets":  stringValues(s.Secrets),
		"internal": s.Internal.values(),
		"runner": map[string]any{
			"os":    s.Runner.OS,
			"arch":  s.Runner.Arch,
			"debug": s.Runner.Debug,
		},
		"job": map[string]any{
			"name":     s.Job.Name,
			"workflow": s.Job.Workflow,
			"status":   string(s.Job.Status),
		},
		"inputs": inputs,
		"steps":  steps,
	}
}

// RecordedResult pairs a step id with its result.
type RecordedResult struct {
	ID     string
	Result StepResult
}

// ContextOptions seeds a new ExecutionContext.
type ContextOptions struct {
	Internal Internal
	Env      map[string]string
	Secrets  map[string]string
	Inputs   map[string]any
	Debug    bool
}

// ExecutionContext owns the environment, secrets, inputs and step results
// of one step list. It is not safe for concurrent use; steps run one at a
// time.
type ExecutionContext struct {
	ID string

	env      map[string]string
	secrets  map[string]string
	internal Internal
	inputs   map[string]any
	debug    bool

	results []RecordedResult
	index   map[string]int
}

func NewExecutionContext(opts ContextOptions) *ExecutionContext {
	env := copyStrings(opts.Env)
	if env == nil {
		env = map[string]string{}
	}
	secrets := copyStrings(opts.Secrets)
	if secrets == nil {
		secrets = map[string]string{}
	}
	inputs, _ := cloneValue(opts.Inputs).(map[string]any)
	if inputs == nil {
		inputs = map[string]any{}
	}
	return &ExecutionContext{
		ID:       uuid.New().String(),
		env:      env,
		secrets:  secrets,
		internal: opts.Internal,
		inputs:   inputs,
		debug:    opts.Debug,
		index:    map[string]int{},
	}
}

// Snapshot returns a deep copy of the current state.
func (ec *ExecutionContext) Snapshot() Snapshot {
	steps := make(map[string]StepResult, len(ec.results))
	for _, r := range ec.results {
		res := r.Result
		res.Outputs, _ = cloneValue(r.Result.Outputs).(map[string]any)
		steps[r.ID] = res
	}
	internal := ec.internal
	internal.Event, _ = cloneValue(ec.internal.Event).(map[string]any)
	inputs, _ := cloneValue(ec.inputs).(map[string]any)

	return Snapshot{
		Env:      copyStrings(ec.env),
		Secrets:  copyStrings(ec.secrets),
		Internal: internal,
		Runner: RunnerInfo{
			OS:    goruntime.GOOS,
			Arch:  goruntime.GOARCH,
			Debug: ec.debug,
		},
		Job: JobInfo{
			Name:     ec.internal.Job,
			Workflow: ec.internal.Workflow,
			Status:   ec.status(),
		},
		Inputs: inputs,
		Steps:  steps,
	}
}

// Values implements expression.Scope.
func (ec *ExecutionContext) Values() map[string]any {
	return ec.Snapshot().Values()
}

// status is the job status as seen by the steps recorded so far.
func (ec *ExecutionContext) status() Status {
	switch {
	case ec.HasOutcome(StatusFailure):
		return StatusFailure
	case ec.HasOutcome(StatusCancelled):
		return StatusCancelled
	default:
		return StatusSuccess
	}
}

func (ec *ExecutionContext) AddEnv(key, value string) {
	ec.env[key] = value
}

// AddToPath prepends path to PATH.
func (ec *ExecutionContext) AddToPath(path string) {
	if current := ec.env["PATH"]; current != "" {
		ec.env["PATH"] = path + ":" + current
		return
	}
	ec.env["PATH"] = path
}

func (ec *ExecutionContext) AppendEnv(env map[string]string) {
	for k, v := range env {
		ec.env[k] = v
	}
}

// SetResult records the result of step id. Recording the same id twice
// overwrites the earlier entry in place.
func (ec *ExecutionContext) SetResult(id string, result StepResult) error {
	if id == "" {
		return NewConfigurationError("ID for a step must be set", nil)
	}
	if result.Conclusion == "" {
		result.Conclusion = result.Outcome
	}
	if i, ok := ec.index[id]; ok {
		ec.results[i].Result = result
		return nil
	}
	ec.index[id] = len(ec.results)
	ec.results = append(ec.results, RecordedResult{ID: id, Result: result})
	return nil
}

func (ec *ExecutionContext) GetResult(id string) (StepResult, error) {
	i, ok := ec.index[id]
	if !ok {
		return StepResult{}, fmt.Errorf("no result recorded for step '%s'", id)
	}
	return ec.results[i].Result, nil
}

// Results returns the recorded results in execution order.
func (ec *ExecutionContext) Results() []RecordedResult {
	out := make([]RecordedResult, len(ec.results))
	copy(out, ec.results)
	return out
}

// HasOutcome reports whether any recorded step has one of the given outcomes.
func (ec *ExecutionContext) HasOutcome(statuses ...Status) bool {
	for _, r := range ec.results {
		for _, s := range statuses {
			if r.Result.Outcome == s {
				return true
			}
		}
	}
	return false
}

// ForComposite returns a fork for a composite action's steps. The fork gets
// a deep copy of the environment, the declared input defaults overlaid with
// the caller's inputs, and no step results.
func (ec *ExecutionContext) ForComposite(declared, supplied map[string]any) *ExecutionContext {
	inputs := make(map[string]any, len(declared)+len(supplied))
	for k, v := range declared {
		inputs[k] = cloneValue(v)
	}
	for k, v := range supplied {
		inputs[k] = cloneValue(v)
	}
	return &ExecutionContext{
		ID:       uuid.New().String(),
		env:      copyStrings(ec.env),
		secrets:  copyStrings(ec.secrets),
		internal: ec.internal,
		inputs:   inputs,
		debug:    ec.debug,
		index:    map[string]int{},
	}
}

// SetActionPath records the directory of the action whose steps this
// context runs.
func (ec *ExecutionContext) SetActionPath(path string) {
	ec.internal.ActionPath = path
}

// Environ returns the environment handed to subprocesses as sorted
// KEY=VALUE pairs. The runner's own process environment is never modified.
func (ec *ExecutionContext) Environ() []string {
	keys := make([]string, 0, len(ec.env))
	for k := range ec.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+ec.env[k])
	}
	return out
}

func (ec *ExecutionContext) Env() map[string]string {
	return copyStrings(ec.env)
}

func (ec *ExecutionContext) Secrets() map[string]string {
	return copyStrings(ec.secrets)
}

func (ec *ExecutionContext) Internal() Internal {
	return ec.internal
}

func (ec *ExecutionContext) Inputs() map[string]any {
	inputs, _ := cloneValue(ec.inputs).(map[string]any)
	return inputs
}

func (ec *ExecutionContext) Debug() bool {
	return ec.debug
}
