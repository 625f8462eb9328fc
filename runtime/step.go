package runtime

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Status is a step or job status. The engine itself only produces success,
// failure, skipped, cancelled, in_progress and completed; the rest pass
// through from external systems.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusInProgress     Status = "in_progress"
	StatusWaiting        Status = "waiting"
	StatusCompleted      Status = "completed"
	StatusNeutral        Status = "neutral"
	StatusSuccess        Status = "success"
	StatusFailure        Status = "failure"
	StatusCancelled      Status = "cancelled"
	StatusActionRequired Status = "action_required"
	StatusTimedOut       Status = "timed_out"
	StatusSkipped        Status = "skipped"
	StatusStale          Status = "stale"
)

// StepKind identifies the variant of a StepBody.
type StepKind string

const (
	KindShell     StepKind = "shell"
	KindAction    StepKind = "action"
	KindComposite StepKind = "composite"
)

// StepBody is the closed set of step variants: *ShellStep, *ActionStep and
// *CompositeStep.
type StepBody interface {
	Kind() StepKind
	isStepBody()
}

// ShellStep runs a command through a shell.
type ShellStep struct {
	Run              string
	Shell            string
	WorkingDirectory string
}

// ActionStep runs a packaged action. The reference may resolve to a
// composite action.
type ActionStep struct {
	Uses string
	With map[string]any
}

// CompositeStep is an ordered step list with its own declared outputs.
// Outputs map an output name to a template expression.
type CompositeStep struct {
	Name    string
	Inputs  map[string]ActionInput
	Outputs map[string]string
	Steps   []StepDefinition
}

func (*ShellStep) Kind() StepKind     { return KindShell }
func (*ActionStep) Kind() StepKind    { return KindAction }
func (*CompositeStep) Kind() StepKind { return KindComposite }

func (*ShellStep) isStepBody()     {}
func (*ActionStep) isStepBody()    {}
func (*CompositeStep) isStepBody() {}

// StepDefinition is one entry of a step list.
type StepDefinition struct {
	ID   string
	Name string
	// If is the step's condition. Empty means success().
	If string
	// Env is added to the step's process environment only.
	Env  map[string]string
	Body StepBody
}

// DisplayName returns the step name, falling back to its id.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	if s.ID != "" {
		return s.ID
	}
	if s.Body != nil {
		return string(s.Body.Kind())
	}
	return "step"
}

// stepDocument is the serialized form of a step, shared by YAML and JSON.
type stepDocument struct {
	ID               string            `yaml:"id,omitempty" json:"id,omitempty"`
	Name             string            `yaml:"name,omitempty" json:"name,omitempty"`
	If               string            `yaml:"if,omitempty" json:"if,omitempty"`
	Env              map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Run              string            `yaml:"run,omitempty" json:"run,omitempty"`
	Shell            string            `yaml:"shell,omitempty" json:"shell,omitempty"`
	WorkingDirectory string            `yaml:"working-directory,omitempty" json:"working-directory,omitempty"`
	Uses             string            `yaml:"uses,omitempty" json:"uses,omitempty"`
	With             map[string]any    `yaml:"with,omitempty" json:"with,omitempty"`
}

func (d stepDocument) definition() (StepDefinition, error) {
	def := StepDefinition{
		ID:   d.ID,
		Name: d.Name,
		If:   d.If,
		Env:  d.Env,
	}

	hasRun := strings.TrimSpace(d.Run) != ""
	hasUses := strings.TrimSpace(d.Uses) != ""
	switch {
	case hasRun && hasUses:
		return def, NewConfigurationError(fmt.Sprintf("step %q declares both run and uses", def.DisplayName()), nil)
	case hasRun:
		if len(d.With) > 0 {
			return def, NewConfigurationError(fmt.Sprintf("step %q: with is only valid for uses steps", def.DisplayName()), nil)
		}
		def.Body = &ShellStep{Run: d.Run, Shell: d.Shell, WorkingDirectory: d.WorkingDirectory}
	case hasUses:
		def.Body = &ActionStep{Uses: strings.TrimSpace(d.Uses), With: d.With}
	default:
		return def, NewConfigurationError(fmt.Sprintf("step %q must declare run or uses", def.DisplayName()), nil)
	}
	return def, nil
}

func (s StepDefinition) document() stepDocument {
	doc := stepDocument{ID: s.ID, Name: s.Name, If: s.If, Env: s.Env}
	switch b := s.Body.(type) {
	case *ShellStep:
		doc.Run = b.Run
		doc.Shell = b.Shell
		doc.WorkingDirectory = b.WorkingDirectory
	case *ActionStep:
		doc.Uses = b.Uses
		doc.With = b.With
	}
	return doc
}

func (s *StepDefinition) UnmarshalYAML(value *yaml.Node) error {
	var doc stepDocument
	if err := value.Decode(&doc); err != nil {
		return err
	}
	def, err := doc.definition()
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = def
	return nil
}

func (s *StepDefinition) UnmarshalJSON(data []byte) error {
	var doc stepDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	def, err := doc.definition()
	if err != nil {
		return err
	}
	*s = def
	return nil
}

func (s StepDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.document())
}

// StepResult is the recorded result of one step. Once recorded it is never
// rewritten.
type StepResult struct {
	Outcome Status `json:"outcome"`
	// Conclusion currently always equals Outcome.
	Conclusion Status         `json:"conclusion"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	Name       string         `json:"name,omitempty"`
	// Error carries the executor error of a failed step. It is not part of
	// the snapshot.
	Error string `json:"-"`
}

// NewStepResult builds a result whose conclusion mirrors its outcome.
func NewStepResult(name string, outcome Status, outputs map[string]any) StepResult {
	return StepResult{
		Outcome:    outcome,
		Conclusion: outcome,
		Outputs:    outputs,
		Name:       name,
	}
}

// JobResult is the result of running a step list.
type JobResult struct {
	Result  Status         `json:"result"`
	Outputs map[string]any `json:"outputs,omitempty"`
}
