package plugin

import "context"

// Plugin is the contract a tool plugin must satisfy. Implementations are
// compiled as Go plugin shared objects exporting a `Plugin` symbol, or
// registered with the manager directly.
type Plugin interface {
	// Info returns the static metadata for the plugin.
	Info() Info
	// Configure allows the plugin to inspect its configuration block before
	// any tool is served. Implementations may mutate the configuration map
	// to inject defaults.
	Configure(cfg map[string]any) error
	// Tools returns the tool implementations contributed by the plugin.
	// The slice must be stable for the lifetime of the plugin.
	Tools() []ToolSpec
	// Close releases any resources held by the plugin.
	Close(ctx context.Context) error
}

// Option modifies the behaviour of a plugin manager instance.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}
