package runtime

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Jeffail/gabs/v2"
	"gopkg.in/yaml.v3"
)

// JobDataVersion is the only job data document version understood.
const JobDataVersion = 1

// JobData is the resolved job document handed to the runner. YAML and JSON
// are both accepted.
type JobData struct {
	Version     int            `yaml:"version" json:"version" validate:"eq=1"`
	ProjectName string         `yaml:"projectName" json:"projectName"`
	Ref         string         `yaml:"ref" json:"ref"`
	Workflow    string         `yaml:"workflow" json:"workflow" validate:"required"`
	Event       map[string]any `yaml:"event" json:"event" validate:"required"`
	Env         map[string]any `yaml:"env" json:"env" validate:"dive,keys,env_name,endkeys"`
	// Outputs map a job output name to a template expression.
	Outputs map[string]string `yaml:"outputs" json:"outputs"`
	Inputs  map[string]any    `yaml:"inputs" json:"inputs"`
	If      string            `yaml:"if" json:"if"`
	Steps   []StepDefinition  `yaml:"steps" json:"steps" validate:"required_without=Uses"`

	// Uses marks a remote job and Strategy a matrix job. Neither runs here.
	Uses     string         `yaml:"uses" json:"uses"`
	Strategy map[string]any `yaml:"strategy" json:"strategy"`

	// TimeoutMinutes and ContinueOnError are accepted but not enforced.
	TimeoutMinutes  int  `yaml:"timeoutMinutes" json:"timeoutMinutes" validate:"gte=0"`
	ContinueOnError bool `yaml:"continueOnError" json:"continueOnError"`
}

// EventName returns the event's type.
func (j *JobData) EventName() string {
	name, _ := gabs.Wrap(j.Event).Path("type").Data().(string)
	return name
}

// EnvMap returns the job env with every value in string form.
func (j *JobData) EnvMap() map[string]string {
	return ToStringValueMap(j.Env)
}

// LoadJobData reads and validates the job document at path.
func LoadJobData(path string) (*JobData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to read job data %s", path), err)
	}
	return ParseJobData(data)
}

// ParseJobData decodes and validates a job document.
func ParseJobData(data []byte) (*JobData, error) {
	var jd JobData
	if err := yaml.Unmarshal(data, &jd); err != nil {
		return nil, NewConfigurationError("failed to parse job data", err)
	}
	if jd.Version == 0 {
		jd.Version = JobDataVersion
	}
	if err := validate.Struct(jd); err != nil {
		return nil, NewConfigurationError("invalid job data", formatValidationError(err))
	}
	if jd.EventName() == "" {
		return nil, NewConfigurationError("invalid job data: event.type is required", nil)
	}
	return &jd, nil
}

// Action runtimes.
const (
	RunsExec      = "exec"
	RunsNode      = "node"
	RunsComposite = "composite"
)

// ActionMetadataFile is the metadata file name inside an action directory.
const ActionMetadataFile = "action.yml"

type ActionInput struct {
	Description string `yaml:"description" json:"description,omitempty"`
	Default     any    `yaml:"default" json:"default,omitempty"`
	Required    bool   `yaml:"required" json:"required,omitempty"`
}

type ActionOutput struct {
	Description string `yaml:"description" json:"description,omitempty"`
	// Value is a template expression, used by composite actions.
	Value string `yaml:"value" json:"value,omitempty"`
}

type ActionRuns struct {
	Using string           `yaml:"using" validate:"required,oneof=exec node composite"`
	Main  string           `yaml:"main" validate:"required_unless=Using composite"`
	Steps []StepDefinition `yaml:"steps" validate:"required_if=Using composite"`
}

// ActionMetadata describes a packaged action.
type ActionMetadata struct {
	Name        string                  `yaml:"name" validate:"required"`
	Description string                  `yaml:"description"`
	Inputs      map[string]ActionInput  `yaml:"inputs"`
	Outputs     map[string]ActionOutput `yaml:"outputs"`
	Runs        ActionRuns              `yaml:"runs"`
}

// InputDefaults returns the declared default of every input that has one.
func (m *ActionMetadata) InputDefaults() map[string]any {
	defaults := make(map[string]any, len(m.Inputs))
	for name, in := range m.Inputs {
		if in.Default != nil {
			defaults[name] = in.Default
		}
	}
	return defaults
}

// Composite returns the step list of a composite action.
func (m *ActionMetadata) Composite() *CompositeStep {
	outputs := make(map[string]string, len(m.Outputs))
	for name, out := range m.Outputs {
		outputs[name] = out.Value
	}
	return &CompositeStep{
		Name:    m.Name,
		Inputs:  m.Inputs,
		Outputs: outputs,
		Steps:   m.Runs.Steps,
	}
}

// LoadActionMetadata reads and validates dir/action.yml.
func LoadActionMetadata(dir string) (*ActionMetadata, error) {
	path := filepath.Join(dir, ActionMetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, NewConfigurationError(fmt.Sprintf("failed to read action metadata %s", path), err)
	}
	return ParseActionMetadata(data)
}

func ParseActionMetadata(data []byte) (*ActionMetadata, error) {
	var m ActionMetadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, NewConfigurationError("failed to parse action metadata", err)
	}
	if err := validate.Struct(m); err != nil {
		return nil, NewConfigurationError("invalid action metadata", formatValidationError(err))
	}
	return &m, nil
}
