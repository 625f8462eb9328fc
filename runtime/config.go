package runtime

import (
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
)

// Package-level validator instance
var validate *validator.Validate

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// init initializes the validator and registers custom validation functions
func init() {
	validate = validator.New()

	registerCustomValidators()
}

// Config is the runner configuration, read from the process environment.
type Config struct {
	JobName             string        `mapstructure:"PIPELINE_JOB_NAME"`
	WorkflowExecutionID string        `mapstructure:"PIPELINE_WORKFLOW_EXECUTION_ID"`
	OrchestratorURL     string        `mapstructure:"PIPELINE_ORCHESTRATOR_URL" validate:"omitempty,url_format"`
	OrchestratorTimeout time.Duration `mapstructure:"PIPELINE_ORCHESTRATOR_TIMEOUT" default:"10s" validate:"gte=0"`
	Debug               bool          `mapstructure:"PIPELINE_DEBUG"`

	// JobFile holds the job data document.
	JobFile string `mapstructure:"PIPELINE_JOB_FILE" default:"/runner/metadata/job.yml" validate:"required"`

	MaxCompositeDepth int           `mapstructure:"PIPELINE_MAX_COMPOSITE_DEPTH" default:"16" validate:"gte=1,lte=256"`
	KillGracePeriod   time.Duration `mapstructure:"PIPELINE_KILL_GRACE_PERIOD" default:"10s" validate:"gte=0"`

	CacheDirectory     string `mapstructure:"RUNNER_CACHE_DIRECTORY" default:"/runner/cache"`
	ManagerDirectory   string `mapstructure:"RUNNER_MANAGER_DIRECTORY" default:"/runner"`
	PipelineDirectory  string `mapstructure:"RUNNER_PIPELINE_DIRECTORY" default:"/runner/pipeline"`
	MetadataDirectory  string `mapstructure:"RUNNER_METADATA_DIRECTORY" default:"/runner/metadata"`
	BinariesDirectory  string `mapstructure:"RUNNER_BINARIES_DIRECTORY" default:"/runner/bin"`
	WorkspaceDirectory string `mapstructure:"RUNNER_WORKSPACE_DIRECTORY" default:"/workdir" validate:"required"`
	SecretsDirectory   string `mapstructure:"RUNNER_SECRETS_DIRECTORY" default:"/runner/metadata/secrets"`
	EnvDirectory       string `mapstructure:"RUNNER_ENV_DIRECTORY" default:"/runner/metadata/env"`
	ActionsDirectory   string `mapstructure:"RUNNER_ACTIONS_DIRECTORY" default:"/runner/actions"`
}

// LoadConfig builds the runner configuration from KEY=VALUE pairs, usually
// os.Environ(). Outside debug mode the orchestrator coordinates are required;
// in debug mode a missing execution id is generated.
func LoadConfig(environ []string) (*Config, error) {
	raw := EnvironMap(environ)
	for k, v := range raw {
		if v == "" {
			delete(raw, k)
		}
	}

	cfg := &Config{}
	if err := InitializeConfig(cfg, raw); err != nil {
		return nil, NewConfigurationError("invalid runner configuration", err)
	}

	if cfg.Debug {
		if cfg.WorkflowExecutionID == "" {
			cfg.WorkflowExecutionID = uuid.New().String()
		}
		return cfg, nil
	}

	var missing []string
	if cfg.OrchestratorURL == "" {
		missing = append(missing, "PIPELINE_ORCHESTRATOR_URL")
	}
	if cfg.WorkflowExecutionID == "" {
		missing = append(missing, "PIPELINE_WORKFLOW_EXECUTION_ID")
	}
	if cfg.JobName == "" {
		missing = append(missing, "PIPELINE_JOB_NAME")
	}
	if len(missing) > 0 {
		return nil, NewConfigurationError(fmt.Sprintf("missing required environment: %s", strings.Join(missing, ", ")), nil)
	}
	return cfg, nil
}

// RunnerEnvironment returns the RUNNER_* directory variables every step
// sees.
func (c *Config) RunnerEnvironment() map[string]string {
	return map[string]string{
		"RUNNER_CACHE_DIRECTORY":     c.CacheDirectory,
		"RUNNER_MANAGER_DIRECTORY":   c.ManagerDirectory,
		"RUNNER_PIPELINE_DIRECTORY":  c.PipelineDirectory,
		"RUNNER_METADATA_DIRECTORY":  c.MetadataDirectory,
		"RUNNER_BINARIES_DIRECTORY":  c.BinariesDirectory,
		"RUNNER_WORKSPACE_DIRECTORY": c.WorkspaceDirectory,
		"RUNNER_SECRETS_DIRECTORY":   c.SecretsDirectory,
		"RUNNER_ENV_DIRECTORY":       c.EnvDirectory,
		"RUNNER_ACTIONS_DIRECTORY":   c.ActionsDirectory,
	}
}

// EnvironMap splits KEY=VALUE pairs. Entries without '=' are ignored.
func EnvironMap(environ []string) map[string]any {
	m := make(map[string]any, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// InitializeConfig applies defaults, merges raw values and validates the
// result, in that order.
func InitializeConfig(config any, rawValues map[string]any) error {
	if err := ApplyDefaults(config); err != nil {
		slog.Error("Config: failed to apply defaults",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("failed to apply defaults: %w", err)
	}

	if len(rawValues) > 0 {
		if err := decodeConfig(rawValues, config); err != nil {
			slog.Error("Config: failed to apply config values",
				"config_type", reflect.TypeOf(config).String(),
				"error", err)
			return fmt.Errorf("failed to apply config values: %w", err)
		}
	}

	configValue := reflect.ValueOf(config)
	if configValue.Kind() == reflect.Ptr {
		configValue = configValue.Elem()
	}

	if err := validateConfig(configValue.Interface()); err != nil {
		slog.Error("Config validation failed",
			"config_type", reflect.TypeOf(config).String(),
			"error", err)
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// decodeConfig merges raw values into config. Values arrive as strings, so
// input is weakly typed: "1" fills a bool, "30s" a time.Duration.
func decodeConfig(raw map[string]any, config any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           config,
		TagName:          "mapstructure",
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(raw)
}

// registerCustomValidators registers the custom validation functions
func registerCustomValidators() {
	// url_format validates URL structure
	validate.RegisterValidation("url_format", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		u, err := url.Parse(s)
		return err == nil && u.Scheme != "" && u.Host != ""
	})

	// env_name validates an environment variable name
	validate.RegisterValidation("env_name", func(fl validator.FieldLevel) bool {
		return envNamePattern.MatchString(fl.Field().String())
	})
}

func ApplyDefaults(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := defaults.Set(config); err != nil {
		return fmt.Errorf("failed to apply default values: %w", err)
	}

	return nil
}

func validateConfig(config any) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validate.Struct(config); err != nil {
		return formatValidationError(err)
	}

	return nil
}

func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errMessages []string
		for _, fieldErr := range validationErrors {
			errMessages = append(errMessages, fmt.Sprintf(
				"field '%s' failed validation: %s (rule: %s)",
				fieldErr.Namespace(),
				fieldErr.Error(),
				fieldErr.Tag(),
			))
		}
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errMessages, "\n  - "))
	}
	return fmt.Errorf("validation failed: %w", err)
}

func RegisterCustomValidator(tag string, fn validator.Func) error {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		return fmt.Errorf("failed to register custom validator '%s': %w", tag, err)
	}
	return nil
}

// ValidateInputs validates a decoded input struct using its validate tags.
func ValidateInputs(inputs any) error {
	v := reflect.ValueOf(inputs)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return fmt.Errorf("inputs cannot be nil")
		}
		v = v.Elem()
	}
	return validateConfig(v.Interface())
}
