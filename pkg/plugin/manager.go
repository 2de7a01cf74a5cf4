package plugin

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"OpenRill/internal/source"
)

// Manager keeps track of loaded source plugins and wires their factories
// into a source registry.
type Manager struct {
	mu        sync.RWMutex
	registry  map[string]*instance
	loader    Loader
	isolation IsolationStrategy
	defaults  IsolationPolicy
	target    *source.Registry
}

type instance struct {
	mu      sync.Mutex
	Factory source.Factory
	Info    Info
	State   State
	Params  map[string]any
	Policy  IsolationPolicy
}

// NewManager constructs a manager, loads every enabled plugin from the
// configuration and registers the resulting factories with target.
func NewManager(cfg ManagerConfig, target *source.Registry, opts ...Option) (*Manager, error) {
	if target == nil {
		return nil, errors.New("source registry cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		registry:  make(map[string]*instance),
		loader:    GoPluginLoader{},
		isolation: NewIsolationStrategy(nil),
		defaults:  cfg.Defaults,
		target:    target,
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

// Register registers a factory directly with the manager and the source registry.
func (m *Manager) Register(id string, factory source.Factory, params map[string]any, policy IsolationPolicy) error {
	if id == "" {
		return errors.New("plugin id cannot be empty")
	}
	if factory == nil {
		return errors.New("plugin factory cannot be nil")
	}
	info := Info{ID: id, Kind: factory.Kind()}
	if decl, ok := factory.(source.CapabilityDeclarer); ok {
		info.Capabilities = decl.Capabilities()
	}
	policy = MergePolicies(m.defaults, &policy)
	if err := EnsurePolicy(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Validate(info, policy); err != nil {
		return err
	}
	if err := m.isolation.Prepare(info); err != nil {
		return fmt.Errorf("prepare isolation for %s: %w", id, err)
	}
	if err := m.target.RegisterFactory(factory); err != nil {
		_ = m.isolation.Cleanup(info)
		return fmt.Errorf("register factory %s: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.registry[id]; exists {
		return fmt.Errorf("plugin %s already registered", id)
	}
	if params == nil {
		params = map[string]any{}
	}
	m.registry[id] = &instance{Factory: factory, Info: info, State: StateRegistered, Params: params, Policy: policy}
	return nil
}

// Load loads a factory from disk and registers it with the manager.
func (m *Manager) Load(id string, path string, params map[string]any, policy IsolationPolicy) error {
	if path == "" {
		return errors.New("plugin path cannot be empty")
	}
	factory, err := m.loader.Load(path)
	if err != nil {
		return fmt.Errorf("load plugin from %s: %w", path, err)
	}
	if err := m.Register(id, factory, params, policy); err != nil {
		return err
	}
	m.mu.Lock()
	m.registry[id].Info.Path = path
	m.mu.Unlock()
	return nil
}

// Kinds returns the source kinds contributed by loaded plugins.
func (m *Manager) Kinds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kinds := make([]string, 0, len(m.registry))
	for _, inst := range m.registry {
		kinds = append(kinds, inst.Info.Kind)
	}
	return kinds
}

// State returns the lifecycle state of a plugin.
func (m *Manager) State(id string) (State, error) {
	m.mu.RLock()
	inst, ok := m.registry[id]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("plugin %s not registered", id)
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.State, nil
}

// Close shuts down every loaded plugin, closing factories that hold resources.
func (m *Manager) Close() error {
	m.mu.RLock()
	instances := make([]*instance, 0, len(m.registry))
	for _, inst := range m.registry {
		instances = append(instances, inst)
	}
	m.mu.RUnlock()

	var errs []error
	for _, inst := range instances {
		inst.mu.Lock()
		if inst.State == StateClosed {
			inst.mu.Unlock()
			continue
		}
		if closer, ok := inst.Factory.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close plugin %s: %w", inst.Info.ID, err))
			}
		}
		if err := m.isolation.Cleanup(inst.Info); err != nil {
			errs = append(errs, fmt.Errorf("cleanup isolation for %s: %w", inst.Info.ID, err))
		}
		inst.State = StateClosed
		inst.mu.Unlock()
	}
	return errors.Join(errs...)
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
		if err := m.Load(id, path, cloneParams(pluginCfg.Params), policy); err != nil {
			return err
		}
	}
	return nil
}

func cloneParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return cp
}
