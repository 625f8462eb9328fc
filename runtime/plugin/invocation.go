package plugin

import (
	"fmt"

	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/ipc"
)

// Decode applies the default tags of target, maps the invocation's inputs
// onto it using mapstructure tags, then validates it using validate tags.
func Decode(inv Invocation, target any) error {
	if err := runtime.ApplyDefaults(target); err != nil {
		return err
	}
	if err := runtime.DecodeInputs(inv.Inputs, target); err != nil {
		return fmt.Errorf("invalid inputs for step %s: %w", inv.Step.DisplayName(), err)
	}
	if err := runtime.ValidateInputs(target); err != nil {
		return fmt.Errorf("invalid inputs for step %s: %w", inv.Step.DisplayName(), err)
	}
	return nil
}

// SetOutput registers one step output.
func SetOutput(sink Sink, key string, value any) error {
	return sink.Send(&ipc.SetOutputMessage{Key: key, Value: value})
}

// AddEnv sets an environment variable for the following steps.
func AddEnv(sink Sink, key, value string) error {
	return sink.Send(&ipc.AddEnvMessage{Env: key, Value: value})
}

// AddToPath prepends path to PATH for the following steps.
func AddToPath(sink Sink, path string) error {
	return sink.Send(&ipc.AddToPathMessage{Path: path})
}
