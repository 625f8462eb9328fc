package plugin

import (
	"github.com/BDNK1/steprunner/runtime"
	"github.com/BDNK1/steprunner/runtime/ipc"
)

// Invocation is what an action method receives: the step, a snapshot of the
// execution context and the rendered inputs.
type Invocation = runtime.ActionInvocation

// Sink receives the messages an action sends while it runs.
type Sink = ipc.Sink

// Initializer is a type alias to runtime.Initializer.
// Plugins implementing this interface will have Initialize() called before
// the job starts.
//
// # When to Implement
//
// Implement Initializer when your plugin needs to:
//   - Initialize HTTP clients with connection pools
//   - Validate external service availability
//   - Setup internal caches or state
//
// # Error Handling
//
// If Initialize() returns an error, the runner fails before any step runs.
type Initializer = runtime.Initializer

// Shutdowner is a type alias to runtime.Shutdowner.
// Plugins implementing this interface will have Shutdown() called once the
// job finished.
//
// # Shutdown Order
//
// Shutdown is called in reverse order of registration to properly
// handle dependencies between plugins.
type Shutdowner = runtime.Shutdowner
