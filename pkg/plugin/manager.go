package plugin

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
)

// Manager keeps track of registered plugins and the tools they contribute.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	defaults  IsolationPolicy
}

type instance struct {
	Plugin Plugin
	Info   Info
	State  State
}

// NewManager constructs a manager using the supplied configuration and options.
// Plugins enabled in the configuration are loaded and activated immediately.
func NewManager(cfg ManagerConfig, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry: make(map[string]*instance),
		loader:   GoPluginLoader{},
		defaults: cfg.Defaults,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.isolation = NewIsolationStrategy(m.isolation)
	if err := m.loadConfigured(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Register registers a plugin instance directly with the manager. The plugin
// is configured and activated before the call returns.
func (m *Manager) Register(id string, p Plugin, cfg map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if p == nil {
		return errors.New("plugin implementation cannot be nil")
	}
	info := p.Info()
	if info.ID != "" && info.ID != id {
		return fmt.Errorf("plugin id mismatch: %s != %s", info.ID, id)
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if err := p.Configure(cfg); err != nil {
		return fmt.Errorf("configure plugin %s: %w", id, err)
	}
	if err := m.isolation.Prepare(info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		_ = m.isolation.Cleanup(info)
		return fmt.Errorf("plugin %s already registered", id)
	}
	m.registry[id] = &instance{Plugin: p, Info: mergeInfo(info, id), State: StateActive}
	return nil
}

// Load loads a plugin implementation from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, cfg map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	p, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	return m.Register(id, p, cfg, policy)
}

// Tools returns the tool implementations contributed by every active plugin,
// ordered by plugin id so registration is deterministic.
func (m *Manager) Tools() []ToolSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var specs []ToolSpec
	for _, id := range ids {
		inst := m.registry[id]
		if inst.State != StateActive {
			continue
		}
		specs = append(specs, inst.Plugin.Tools()...)
	}
	return specs
}

// Infos lists the metadata of all registered plugins, ordered by plugin id.
func (m *Manager) Infos() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]Info, 0, len(m.registry))
	for _, inst := range m.registry {
		infos = append(infos, inst.Info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Close shuts down every active plugin and releases isolation resources.
// Every plugin is attempted even when some fail.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for id, inst := range m.registry {
		if inst.State != StateActive {
			continue
		}
		if err := inst.Plugin.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close plugin %s: %w", id, err))
		}
		if err := m.isolation.Cleanup(inst.Info); err != nil {
			errs = append(errs, fmt.Errorf("cleanup isolation for %s: %w", id, err))
		}
		inst.State = StateClosed
	}
	return errors.Join(errs...)
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.registry[id]
	if !ok {
		return "", fmt.Errorf("plugin %s not registered", id)
	}
	return inst.State, nil
}

func (m *Manager) loadConfigured(cfg ManagerConfig) error {
	for id, pluginCfg := range cfg.Plugins {
		if !pluginCfg.Enabled {
			continue
		}
		path := pluginCfg.Path
		if !filepath.IsAbs(path) && cfg.PluginDir != "" {
			path = filepath.Join(cfg.PluginDir, path)
		}
		policy := MergePolicies(cfg.Defaults, pluginCfg.Policy)
		if err := m.Load(id, path, cloneConfig(pluginCfg.Config), policy); err != nil {
			return err
		}
	}
	return nil
}

func mergeInfo(info Info, id string) Info {
	if info.ID == "" {
		info.ID = id
	}
	return info
}

func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = v
	}
	return cp
}
