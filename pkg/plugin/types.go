// Package plugin hosts the tool plugin framework. Plugins are Go shared
// objects, or directly registered implementations, that contribute extra
// tools next to the daemon's built-in set. The manager drives their
// configuration, capability policy checks and shutdown.
package plugin

import "context"

// Capability expresses optional host features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Capabilities []Capability
}

// ToolSpec describes one tool contributed by a plugin. The host registers
// it next to the built-in tool set and routes matching commands to Handler.
type ToolSpec struct {
	// Name is the command callers use to invoke the tool. It must be
	// unique across built-in tools and all loaded plugins.
	Name        string
	Description string
	// Parameters documents accepted parameters; keys are parameter names,
	// values human readable descriptions.
	Parameters map[string]string
	Handler    func(ctx context.Context, params map[string]any) (any, error)
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateActive State = "active"
	StateClosed State = "closed"
)
