package workflow

import "fmt"

// Built-in workflow type names. Lookup is case sensitive.
const (
	TypeAutomation  = "DEVTEAM_AUTOMATION"
	TypePlaceholder = "PLACEHOLDER"
)

// Factory builds a workflow instance wired with its dependencies.
type Factory func(deps Deps) *Workflow

// registry maps workflow-type names to factories. Populated at process
// start via Register and read-only thereafter.
var registry = map[string]Factory{}

// Register installs a factory. Panics on duplicates; registration
// happens once during startup.
func Register(name string, factory Factory) {
	if name == "" || factory == nil {
		panic("workflow registration requires a name and a factory")
	}
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("workflow type %q registered twice", name))
	}
	registry[name] = factory
}

// Resolve returns the factory for a workflow type, falling back to
// PLACEHOLDER for unknown types.
func Resolve(name string) Factory {
	if factory, ok := registry[name]; ok {
		return factory
	}
	return registry[TypePlaceholder]
}

// RegisterBuiltins installs the built-in workflows. Called once from
// the entrypoint after dependencies exist.
func RegisterBuiltins() {
	Register(TypePlaceholder, NewPlaceholder)
	Register(TypeAutomation, NewAutomation)
}
