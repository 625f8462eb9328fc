// Package plugin provides the minimal surface for writing in-process actions.
//
// An in-process action is Go code that runs inside the runner instead of a
// spawned executable. It is addressed from a step exactly like an external
// action:
//
//	steps:
//	  - id: ping
//	    uses: http/request
//	    with:
//	      url: https://example.com/health
//
// # Plugin Structure
//
// A plugin is a struct whose exported methods with the signature
//
//	func (p *MyPlugin) Name(ctx context.Context, inv plugin.Invocation, sink plugin.Sink) error
//
// are registered as actions named "<plugin>/<name>", with the first letter
// of the method lowered. A plugin registered as "http" with a Request method
// provides the action "http/request".
//
// Example:
//
//	type GreeterPlugin struct{}
//
//	func (p *GreeterPlugin) Greet(ctx context.Context, inv plugin.Invocation, sink plugin.Sink) error {
//	    var in struct {
//	        Name string `mapstructure:"name" validate:"required"`
//	    }
//	    if err := plugin.Decode(inv, &in); err != nil {
//	        return err
//	    }
//	    return plugin.SetOutput(sink, "message", "Hello, "+in.Name)
//	}
//
// # Inputs
//
// inv.Inputs holds the step's with block after template rendering, so
// ${{ ... }} expressions are already resolved. Decode maps them onto a struct
// using mapstructure tags and validates the result with validate tags.
//
// # Reporting Results
//
// Actions never return outputs directly. They send the same three messages
// an external action writes to its IPC channel:
//
//	plugin.SetOutput(sink, "status", "ok")       // steps.<id>.outputs.status
//	plugin.AddEnv(sink, "TOOL_HOME", "/opt/tool") // visible to later steps
//	plugin.AddToPath(sink, "/opt/tool/bin")      // prepended to PATH
//
// Returning an error fails the step. Outputs sent before the error are
// discarded with the rest of the step's outputs.
//
// # Lifecycle Management
//
// Plugins can optionally implement Initializer and Shutdowner:
//
//	func (p *MyPlugin) Initialize(ctx context.Context) error {
//	    // Setup clients, Config is already set
//	    return nil
//	}
//
//	func (p *MyPlugin) Shutdown(ctx context.Context) error {
//	    // Release resources
//	    return nil
//	}
//
// Initialize runs once before the job starts, in registration order. If it
// fails the runner does not start the job. Shutdown runs once the job
// finished, in reverse registration order.
package plugin
