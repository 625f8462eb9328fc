package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/BDNK1/steprunner/runtime/ipc"
)

// Interface type constants for plugin capabilities
const (
	InterfaceInitializer = "Initializer"
	InterfaceShutdowner  = "Shutdowner"
)

// ActionInvocation is what an in-process action receives: the step being
// run, a snapshot of the context and the step's rendered inputs.
type ActionInvocation struct {
	Step     StepDefinition
	Snapshot Snapshot
	Inputs   map[string]any
}

// Action is an action implemented in Go and run inside the runner process.
// It reports outputs and environment changes through sink with the same
// messages an external action writes to its IPC channel.
type Action interface {
	Execute(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error

func (f ActionFunc) Execute(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error {
	return f(ctx, inv, sink)
}

// Container holds the in-process actions and the plugins providing them.
type Container struct {
	actions            map[string]Action
	plugins            map[string]any   // Plugin instances (name -> plugin)
	pluginOrder        []string         // Registration order
	pluginsByInterface map[string][]any // Interface name -> plugins implementing that interface
}

func NewContainer() *Container {
	return &Container{
		actions:            make(map[string]Action),
		plugins:            make(map[string]any),
		pluginsByInterface: make(map[string][]any),
	}
}

// RegisterAction registers a single action under name.
func (c *Container) RegisterAction(name string, action Action) error {
	if action == nil {
		return fmt.Errorf("action %s cannot be nil", name)
	}
	if name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if _, exists := c.actions[name]; exists {
		return fmt.Errorf("action %s is already registered", name)
	}
	c.actions[name] = action
	return nil
}

// Action returns the action registered under name.
func (c *Container) Action(name string) (Action, bool) {
	a, ok := c.actions[name]
	return a, ok
}

// Names returns the registered action names in sorted order.
func (c *Container) Names() []string {
	names := make([]string, 0, len(c.actions))
	for name := range c.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterPlugin registers a plugin instance and auto-discovers its actions
// and interfaces. Every exported method with the signature
//
//	func (p *Plugin) Name(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error
//
// becomes the action plugin_name/name.
func (c *Container) RegisterPlugin(pluginName string, plugin any) error {
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if _, exists := c.plugins[pluginName]; exists {
		return fmt.Errorf("plugin %s is already registered", pluginName)
	}

	c.plugins[pluginName] = plugin
	c.pluginOrder = append(c.pluginOrder, pluginName)

	c.detectPluginInterfaces(plugin)

	pluginType := reflect.TypeOf(plugin)
	pluginValue := reflect.ValueOf(plugin)

	found := 0
	for i := 0; i < pluginType.NumMethod(); i++ {
		method := pluginType.Method(i)

		if !method.IsExported() || !isValidActionSignature(method.Type) {
			continue
		}

		actionName := fmt.Sprintf("%s/%s", pluginName, toLowerFirst(method.Name))
		if err := c.RegisterAction(actionName, &pluginActionWrapper{plugin: pluginValue, method: method}); err != nil {
			return err
		}
		found++
	}

	if found == 0 {
		return fmt.Errorf("plugin %s exposes no actions", pluginName)
	}
	return nil
}

// detectPluginInterfaces detects which interfaces a plugin implements and registers them
func (c *Container) detectPluginInterfaces(plugin any) {
	if _, ok := plugin.(Initializer); ok {
		c.pluginsByInterface[InterfaceInitializer] = append(c.pluginsByInterface[InterfaceInitializer], plugin)
	}
	if _, ok := plugin.(Shutdowner); ok {
		c.pluginsByInterface[InterfaceShutdowner] = append(c.pluginsByInterface[InterfaceShutdowner], plugin)
	}
}

// GetPlugin returns a plugin instance by name.
func (c *Container) GetPlugin(name string) any {
	return c.plugins[name]
}

// Initialize calls Initialize on every plugin implementing Initializer, in
// registration order, and stops at the first failure.
func (c *Container) Initialize(ctx context.Context) error {
	for i, plugin := range c.pluginsByInterface[InterfaceInitializer] {
		if err := plugin.(Initializer).Initialize(ctx); err != nil {
			return fmt.Errorf("plugin #%d initialization failed: %w", i, err)
		}
	}
	return nil
}

// Shutdown calls Shutdown on every plugin implementing Shutdowner.
// Plugins are shut down in reverse order of registration.
func (c *Container) Shutdown(ctx context.Context) error {
	plugins := c.pluginsByInterface[InterfaceShutdowner]

	var errs []error
	for i := len(plugins) - 1; i >= 0; i-- {
		if err := plugins[i].(Shutdowner).Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin #%d shutdown failed: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

var (
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	invocationType = reflect.TypeOf(ActionInvocation{})
	sinkType       = reflect.TypeOf((*ipc.Sink)(nil)).Elem()
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

// isValidActionSignature checks for
// func(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error
func isValidActionSignature(methodType reflect.Type) bool {
	// receiver, ctx, invocation, sink
	if methodType.NumIn() != 4 || methodType.NumOut() != 1 {
		return false
	}
	return methodType.In(1) == contextType &&
		methodType.In(2) == invocationType &&
		methodType.In(3) == sinkType &&
		methodType.Out(0) == errorType
}

// toLowerFirst converts first character of string to lowercase
func toLowerFirst(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// pluginActionWrapper wraps a plugin method to implement Action
type pluginActionWrapper struct {
	plugin reflect.Value
	method reflect.Method
}

func (w *pluginActionWrapper) Execute(ctx context.Context, inv ActionInvocation, sink ipc.Sink) error {
	// reflect.ValueOf(nil) is invalid, so nil interfaces need typed zero values
	ctxValue := reflect.Zero(contextType)
	if ctx != nil {
		ctxValue = reflect.ValueOf(ctx)
	}
	sinkValue := reflect.Zero(sinkType)
	if sink != nil {
		sinkValue = reflect.ValueOf(sink)
	}

	results := w.method.Func.Call([]reflect.Value{
		w.plugin,
		ctxValue,
		reflect.ValueOf(inv),
		sinkValue,
	})

	if results[0].IsNil() {
		return nil
	}
	return results[0].Interface().(error)
}
